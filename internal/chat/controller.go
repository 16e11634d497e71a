// Package chat drives the single open conversation: loading, sending,
// read-marking and typing signals.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/reconcile"
	"github.com/tOgg1/coursechat/internal/scheduler"
	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/transport"
)

// Controller errors.
var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNoConversation  = errors.New("no conversation is open")
	ErrNotRetryable    = errors.New("message is not a failed local message")
	ErrStale           = errors.New("stale response")
	ErrMessageNotFound = errors.New("message not found")
)

// Status is the controller's observable state.
type Status string

const (
	StatusClosed  Status = "closed"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusSending Status = "sending"
	StatusError   Status = "error"
)

const typingTimeout = 5 * time.Second

// Scheduler runs the open conversation's poll task.
type Scheduler interface {
	Start(taskID string, interval time.Duration, action scheduler.Action, opts ...scheduler.Option) error
	Stop(taskID string) error
}

// ListUpdater receives optimistic previews after successful sends.
type ListUpdater interface {
	ApplyLastMessage(conversationID string, msg models.Message) bool
}

// ReadTracker is told when a conversation was marked read.
type ReadTracker interface {
	MarkedRead(conversationID string)
}

// Config tunes the controller.
type Config struct {
	// MessageInterval is the open conversation's poll interval.
	// Default: 5s
	MessageInterval time.Duration

	// Reconcile holds the match window and send timeout.
	Reconcile reconcile.Options

	// TypingThrottle is the minimum gap between repeated typing=true signals.
	// Default: 3s
	TypingThrottle time.Duration

	// Now returns the current time. Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MessageInterval: 5 * time.Second,
		Reconcile:       reconcile.DefaultOptions(),
		TypingThrottle:  3 * time.Second,
		Now:             time.Now,
	}
}

// Deps are the collaborators of a Controller. Only Client and Session are required.
type Deps struct {
	Client    transport.Client
	Session   session.Session
	Scheduler Scheduler
	List      ListUpdater
	Unread    ReadTracker
	Publisher events.Publisher
}

// conversationState is the cached view of one conversation. It survives Close.
type conversationState struct {
	detail   *models.Conversation
	messages []models.Message
	presence models.PresenceSnapshot
	loadedAt time.Time
	sending  int
}

// Controller owns at most one open conversation at a time.
type Controller struct {
	client    transport.Client
	session   session.Session
	sched     Scheduler
	list      ListUpdater
	unread    ReadTracker
	publisher events.Publisher
	cfg       Config
	logger    zerolog.Logger

	// taskMu orders poll task starts against stops.
	taskMu sync.Mutex

	mu       sync.Mutex
	openID   string
	gen      uint64
	loading  bool
	banner   string
	cache    map[string]*conversationState
	typing   bool
	typingID string
	limiter  *rate.Limiter

	// typingTail is closed when the last queued typing signal was sent.
	typingTail chan struct{}

	bg sync.WaitGroup
}

// New creates a Controller.
func New(deps Deps, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MessageInterval <= 0 {
		cfg.MessageInterval = def.MessageInterval
	}
	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = def.TypingThrottle
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Controller{
		client:    deps.Client,
		session:   deps.Session,
		sched:     deps.Scheduler,
		list:      deps.List,
		unread:    deps.Unread,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.Component("chat"),
		cache:     make(map[string]*conversationState),
		limiter:   rate.NewLimiter(rate.Every(cfg.TypingThrottle), 1),
	}
}

// TaskID returns the scheduler task name for a conversation's poll.
func TaskID(conversationID string) string {
	return "messages:" + conversationID
}

// Open makes conversationID the open conversation, closing any other. Cached
// messages are shown while the detail, messages and presence load.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("open: %w", ErrNoConversation)
	}

	c.mu.Lock()
	prev := c.openID
	prevStatus := c.statusLocked()
	c.gen++
	gen := c.gen
	c.openID = conversationID
	c.loading = true
	c.banner = ""
	c.stateLocked(conversationID)
	c.mu.Unlock()

	if prev != "" && prev != conversationID {
		c.stopTask(prev)
		c.logger.Debug().Str("from", prev).Str("to", conversationID).Msg("switching conversation")
	}
	c.emitStatus(conversationID, prevStatus)

	logger := logging.WithConversation(c.logger, conversationID)

	var (
		detail   models.Conversation
		fetched  []models.Message
		presence []models.UserRef
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail, err = c.client.GetConversation(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		fetched, err = c.client.GetMessages(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		users, err := c.client.GetOnlineUsers(gctx, conversationID)
		if err != nil {
			logger.Debug().Err(err).Msg("presence unavailable")
			return nil
		}
		presence = users
		return nil
	})
	loadErr := g.Wait()

	if loadErr != nil {
		if err := c.failFetch(conversationID, gen, loadErr); errors.Is(err, ErrStale) {
			return nil
		}
		logger.Warn().Err(loadErr).Msg("conversation load failed")
		c.startTask(conversationID, gen)
		return fmt.Errorf("open %s: %w", conversationID, loadErr)
	}

	if err := c.apply(conversationID, gen, fetched, &detail, presence); err != nil {
		if errors.Is(err, ErrStale) {
			logger.Debug().Msg("discarding stale conversation load")
			return nil
		}
		c.startTask(conversationID, gen)
		return fmt.Errorf("open %s: %w", conversationID, err)
	}

	if err := c.markRead(ctx, conversationID); err != nil {
		logger.Warn().Err(err).Msg("mark read failed")
	}
	c.startTask(conversationID, gen)
	return nil
}

// Poll refreshes the open conversation's messages and presence once.
func (c *Controller) Poll(ctx context.Context) error {
	c.mu.Lock()
	id, gen := c.openID, c.gen
	c.mu.Unlock()
	if id == "" {
		return ErrNoConversation
	}
	return c.poll(ctx, id, gen)
}

func (c *Controller) poll(ctx context.Context, conversationID string, gen uint64) error {
	var (
		fetched  []models.Message
		presence []models.UserRef
		presErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fetched, err = c.client.GetMessages(gctx, conversationID)
		return err
	})
	g.Go(func() error {
		presence, presErr = c.client.GetOnlineUsers(gctx, conversationID)
		return nil
	})
	if err := g.Wait(); err != nil {
		if ferr := c.failFetch(conversationID, gen, err); errors.Is(ferr, ErrStale) {
			return nil
		}
		return fmt.Errorf("poll %s: %w", conversationID, err)
	}
	if presErr != nil {
		presence = nil
	}

	if err := c.apply(conversationID, gen, fetched, nil, presence); err != nil {
		if errors.Is(err, ErrStale) {
			return nil
		}
		return err
	}

	if hasUnreadFromOthers(fetched, c.session.UserID) {
		if err := c.markRead(ctx, conversationID); err != nil {
			logger := logging.WithConversation(c.logger, conversationID)
			logger.Debug().Err(err).Msg("mark read after poll failed")
		}
	}
	return nil
}

// apply reconciles a successful fetch into the cache, unless the generation moved.
func (c *Controller) apply(conversationID string, gen uint64, fetched []models.Message, detail *models.Conversation, presence []models.UserRef) error {
	if err := models.ValidateMessages(fetched); err != nil {
		return c.failFetch(conversationID, gen, err)
	}

	now := c.cfg.Now()

	c.mu.Lock()
	if gen != c.gen || c.openID != conversationID {
		c.mu.Unlock()
		return ErrStale
	}
	prevStatus := c.statusLocked()
	st := c.stateLocked(conversationID)
	res := reconcile.Merge(st.messages, fetched, now, c.cfg.Reconcile)
	changed := !sameMessages(st.messages, res.Messages)
	expired := expiredIDs(st.messages, res.Messages)
	st.messages = res.Messages
	st.loadedAt = now
	if detail != nil {
		d := detail.Clone()
		st.detail = &d
	}
	if presence != nil || detail != nil {
		st.presence = models.PresenceSnapshot{ConversationID: conversationID, Online: presence, FetchedAt: now}
	}
	c.loading = false
	c.banner = ""
	c.mu.Unlock()

	if res.Matched > 0 || res.Expired > 0 || res.Duplicates > 0 {
		logger := logging.WithConversation(c.logger, conversationID)
		logger.Debug().
			Int("matched", res.Matched).
			Int("expired", res.Expired).
			Int("kept", res.Kept).
			Int("retained", res.Retained).
			Int("duplicates", res.Duplicates).
			Msg("reconciled messages")
	}

	for _, id := range expired {
		c.publish(models.EventTypeSendFailed, conversationID, models.SendFailedPayload{MessageID: id, Reason: models.FailureTimeout})
	}
	if changed || detail != nil {
		c.publish(models.EventTypeMessagesUpdated, conversationID, nil)
	}
	c.emitStatus(conversationID, prevStatus)
	return nil
}

// failFetch records a fetch failure for the open conversation. Existing
// messages are kept.
func (c *Controller) failFetch(conversationID string, gen uint64, err error) error {
	c.mu.Lock()
	if gen != c.gen || c.openID != conversationID {
		c.mu.Unlock()
		return ErrStale
	}
	prevStatus := c.statusLocked()
	c.loading = false
	c.banner = transport.UserMessage(err)
	c.mu.Unlock()

	c.emitStatus(conversationID, prevStatus)
	return err
}

// Send posts content to the open conversation. The message is shown as
// pending until the server confirms it and marked failed when the send fails.
func (c *Controller) Send(ctx context.Context, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	id := c.openID
	if id == "" {
		c.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	prevStatus := c.statusLocked()
	pending := models.NewPendingMessage(id, c.session.UserID, content, c.cfg.Now())
	pending.SenderName = c.session.DisplayName
	st := c.stateLocked(id)
	st.messages = append(st.messages, pending)
	st.sending++
	c.mu.Unlock()

	c.publish(models.EventTypeMessagesUpdated, id, nil)
	c.emitStatus(id, prevStatus)

	return c.deliver(ctx, id, pending)
}

// Retry resends a failed message. Failed messages are only resent through Retry.
func (c *Controller) Retry(ctx context.Context, messageID string) (models.Message, error) {
	c.mu.Lock()
	id := c.openID
	if id == "" {
		c.mu.Unlock()
		return models.Message{}, ErrNoConversation
	}
	st := c.stateLocked(id)
	list, msg, ok := reconcile.Requeue(st.messages, messageID, c.cfg.Now())
	if !ok {
		c.mu.Unlock()
		return models.Message{}, fmt.Errorf("retry %s: %w", messageID, ErrNotRetryable)
	}
	prevStatus := c.statusLocked()
	st.messages = list
	st.sending++
	c.mu.Unlock()

	c.publish(models.EventTypeMessagesUpdated, id, nil)
	c.emitStatus(id, prevStatus)

	return c.deliver(ctx, id, msg)
}

// Discard removes a failed message from the open conversation.
func (c *Controller) Discard(messageID string) error {
	c.mu.Lock()
	id := c.openID
	if id == "" {
		c.mu.Unlock()
		return ErrNoConversation
	}
	st := c.stateLocked(id)
	msg, ok := reconcile.Find(st.messages, messageID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("discard %s: %w", messageID, ErrMessageNotFound)
	}
	if !msg.IsFailed() {
		c.mu.Unlock()
		return fmt.Errorf("discard %s: %w", messageID, ErrNotRetryable)
	}
	st.messages = reconcile.Remove(st.messages, messageID)
	c.mu.Unlock()

	c.publish(models.EventTypeMessagesUpdated, id, nil)
	return nil
}

// deliver sends a pending message and settles it. The outcome is applied to
// the conversation's cached state even if it was closed meanwhile.
func (c *Controller) deliver(ctx context.Context, conversationID string, pending models.Message) (models.Message, error) {
	logger := logging.WithConversation(c.logger, conversationID)

	sent, err := c.client.SendMessage(ctx, conversationID, pending.Content)

	c.mu.Lock()
	prevStatus := c.statusLocked()
	st := c.stateLocked(conversationID)
	st.sending--
	if err != nil {
		st.messages, _ = reconcile.MarkFailed(st.messages, pending.ID, models.FailureSendError)
		failed, _ := reconcile.Find(st.messages, pending.ID)
		c.mu.Unlock()

		rateLimited := transport.IsRateLimited(err)
		logger.Warn().Err(err).Bool("rate_limited", rateLimited).Msg("send failed")
		c.publish(models.EventTypeSendFailed, conversationID, models.SendFailedPayload{
			MessageID:   pending.ID,
			Reason:      models.FailureSendError,
			RateLimited: rateLimited,
			Error:       transport.UserMessage(err),
		})
		c.publish(models.EventTypeMessagesUpdated, conversationID, nil)
		c.emitStatus(conversationID, prevStatus)
		return failed, fmt.Errorf("send message: %w", err)
	}

	if sent.ConversationID == "" {
		sent.ConversationID = conversationID
	}
	sent = sent.Confirmed()
	st.messages = reconcile.ReplaceConfirmed(st.messages, pending.ID, sent)
	c.mu.Unlock()

	if c.list != nil {
		c.list.ApplyLastMessage(conversationID, sent)
	}
	logger.Debug().Str("message_id", sent.ID).Msg("message sent")
	c.publish(models.EventTypeMessagesUpdated, conversationID, nil)
	c.emitStatus(conversationID, prevStatus)
	return sent, nil
}

// SetTyping reports the local typing state. Changes are always sent; repeated
// typing=true signals are throttled. Errors are logged and dropped.
func (c *Controller) SetTyping(isTyping bool) {
	c.mu.Lock()
	id := c.openID
	if id == "" {
		c.mu.Unlock()
		return
	}
	changed := isTyping != c.typing || id != c.typingID
	if !changed && (!isTyping || !c.limiter.Allow()) {
		c.mu.Unlock()
		return
	}
	if changed && isTyping {
		c.limiter = rate.NewLimiter(rate.Every(c.cfg.TypingThrottle), 1)
		c.limiter.Allow()
	}
	c.typing = isTyping
	c.typingID = id
	c.mu.Unlock()

	c.sendTyping(id, isTyping)
}

// sendTyping delivers signals one at a time, in call order.
func (c *Controller) sendTyping(conversationID string, isTyping bool) {
	done := make(chan struct{})
	c.mu.Lock()
	prev := c.typingTail
	c.typingTail = done
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), typingTimeout)
		defer cancel()
		if err := c.client.SetTypingStatus(ctx, conversationID, isTyping); err != nil {
			logger := logging.WithConversation(c.logger, conversationID)
			logger.Debug().Err(err).Bool("typing", isTyping).Msg("typing signal dropped")
		}
	}()
}

// MarkRead marks the open conversation read. Safe to call repeatedly.
func (c *Controller) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	id := c.openID
	c.mu.Unlock()
	if id == "" {
		return ErrNoConversation
	}
	return c.markRead(ctx, id)
}

func (c *Controller) markRead(ctx context.Context, conversationID string) error {
	if err := c.client.MarkConversationRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}

	c.mu.Lock()
	st := c.stateLocked(conversationID)
	changed := false
	for i := range st.messages {
		if !st.messages[i].ReadByCurrentUser {
			st.messages[i].ReadByCurrentUser = true
			changed = true
		}
	}
	c.mu.Unlock()

	if c.unread != nil {
		c.unread.MarkedRead(conversationID)
	}
	if changed {
		c.publish(models.EventTypeMessagesUpdated, conversationID, nil)
	}
	return nil
}

// Close stops polling the open conversation and discards in-flight fetches.
// Cached messages are kept for the next Open.
func (c *Controller) Close() {
	c.mu.Lock()
	id := c.openID
	if id == "" {
		c.mu.Unlock()
		return
	}
	prevStatus := c.statusLocked()
	c.openID = ""
	c.gen++
	c.loading = false
	c.banner = ""
	wasTyping := c.typing && c.typingID == id
	c.typing = false
	c.mu.Unlock()

	c.stopTask(id)
	if wasTyping {
		c.sendTyping(id, false)
	}
	c.emitStatus(id, prevStatus)
}

// OpenID returns the open conversation id, empty when closed.
func (c *Controller) OpenID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openID
}

// Status returns the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Messages returns the open conversation's messages: confirmed first, then
// local pending and failed messages in send order.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openID == "" {
		return nil
	}
	return models.CloneMessages(c.cache[c.openID].messages)
}

// Cached returns the cached messages of any conversation.
func (c *Controller) Cached(conversationID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.cache[conversationID]
	if !ok {
		return nil
	}
	return models.CloneMessages(st.messages)
}

// Conversation returns the open conversation's detail, once loaded.
func (c *Controller) Conversation() (models.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openID == "" {
		return models.Conversation{}, false
	}
	st := c.cache[c.openID]
	if st == nil || st.detail == nil {
		return models.Conversation{}, false
	}
	return st.detail.Clone(), true
}

// Presence returns the open conversation's last presence snapshot.
func (c *Controller) Presence() models.PresenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openID == "" {
		return models.PresenceSnapshot{}
	}
	p := c.cache[c.openID].presence
	p.Online = append([]models.UserRef(nil), p.Online...)
	return p
}

// Banner returns the error banner, empty when none.
func (c *Controller) Banner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banner
}

// DismissBanner clears the error banner.
func (c *Controller) DismissBanner() {
	c.mu.Lock()
	id := c.openID
	prevStatus := c.statusLocked()
	c.banner = ""
	c.mu.Unlock()
	c.emitStatus(id, prevStatus)
}

func (c *Controller) statusLocked() Status {
	switch {
	case c.openID == "":
		return StatusClosed
	case c.loading:
		return StatusLoading
	case c.cache[c.openID] != nil && c.cache[c.openID].sending > 0:
		return StatusSending
	case c.banner != "":
		return StatusError
	default:
		return StatusReady
	}
}

func (c *Controller) stateLocked(conversationID string) *conversationState {
	st, ok := c.cache[conversationID]
	if !ok {
		st = &conversationState{}
		c.cache[conversationID] = st
	}
	return st
}

func (c *Controller) startTask(conversationID string, gen uint64) {
	if c.sched == nil {
		return
	}
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	c.mu.Lock()
	current := c.gen == gen && c.openID == conversationID
	c.mu.Unlock()
	if !current {
		return
	}

	err := c.sched.Start(TaskID(conversationID), c.cfg.MessageInterval, func(ctx context.Context) error {
		return c.poll(ctx, conversationID, gen)
	}, scheduler.WithoutInitialRun())
	if err != nil {
		logger := logging.WithConversation(c.logger, conversationID)
		logger.Warn().Err(err).Msg("could not schedule message polling")
	}
}

func (c *Controller) stopTask(conversationID string) {
	if c.sched == nil {
		return
	}
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	if err := c.sched.Stop(TaskID(conversationID)); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
		c.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("stop poll task")
	}
}

func (c *Controller) emitStatus(conversationID string, prev Status) {
	c.mu.Lock()
	next := c.statusLocked()
	banner := c.banner
	c.mu.Unlock()
	if next == prev {
		return
	}
	c.publish(models.EventTypeChatStatusChanged, conversationID, models.StatusChangedPayload{
		OldStatus: string(prev),
		NewStatus: string(next),
		Banner:    banner,
	})
}

func (c *Controller) publish(eventType models.EventType, conversationID string, payload any) {
	c.publisher.Publish(context.Background(), models.NewEvent(eventType, models.EntityTypeConversation, conversationID, payload))
}

func sameMessages(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID ||
			a[i].State != b[i].State ||
			a[i].Content != b[i].Content ||
			a[i].ReadByCurrentUser != b[i].ReadByCurrentUser {
			return false
		}
	}
	return true
}

func expiredIDs(before, after []models.Message) []string {
	wasPending := make(map[string]bool)
	for _, m := range before {
		if m.IsPending() {
			wasPending[m.ID] = true
		}
	}
	var out []string
	for _, m := range after {
		if m.IsFailed() && wasPending[m.ID] {
			out = append(out, m.ID)
		}
	}
	return out
}

func hasUnreadFromOthers(msgs []models.Message, selfID string) bool {
	for _, m := range msgs {
		if !m.ReadByCurrentUser && m.SenderID != selfID {
			return true
		}
	}
	return false
}
