// Package inbox owns the messaging view lifecycle: it wires the scheduler,
// list synchronizer, unread aggregator and chat controller together.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/chat"
	"github.com/tOgg1/coursechat/internal/convlist"
	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/push"
	"github.com/tOgg1/coursechat/internal/scheduler"
	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/transport"
	"github.com/tOgg1/coursechat/internal/unread"
)

// Scheduler task names.
const (
	TaskConversations = "conversations"
	TaskUnread        = "unread"
)

// Engine errors.
var (
	ErrAlreadyMounted = errors.New("inbox already mounted")
	ErrNotMounted     = errors.New("inbox not mounted")
)

// Nudge kinds sent by the push channel.
const (
	NudgeMessageCreated   = push.KindMessageCreated
	NudgeConversationRead = push.KindConversationRead
	NudgeTyping           = push.KindTyping
)

// Options configures an Engine.
type Options struct {
	// ListInterval is the conversation list poll interval.
	// Default: 10s
	ListInterval time.Duration

	// UnreadInterval is the unread count poll interval.
	// Default: 10s
	UnreadInterval time.Duration

	// Policy controls scheduler behaviour on failures.
	Policy scheduler.Policy

	// Chat configures the chat controller.
	Chat chat.Config

	// HistorySize is how many recent events the publisher keeps.
	// Default: 100
	HistorySize int
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		ListInterval:   10 * time.Second,
		UnreadInterval: 10 * time.Second,
		Policy:         scheduler.DefaultPolicy(),
		Chat:           chat.DefaultConfig(),
		HistorySize:    100,
	}
}

// Engine is one mounted messaging view.
type Engine struct {
	session   session.Session
	opts      Options
	publisher *events.InMemoryPublisher
	sched     *scheduler.Scheduler
	list      *convlist.Synchronizer
	unread    *unread.Aggregator
	chat      *chat.Controller
	logger    zerolog.Logger

	mu      sync.Mutex
	mounted bool
}

// New builds an Engine for sess on top of client.
func New(client transport.Client, sess session.Session, opts Options) *Engine {
	def := DefaultOptions()
	if opts.ListInterval <= 0 {
		opts.ListInterval = def.ListInterval
	}
	if opts.UnreadInterval <= 0 {
		opts.UnreadInterval = def.UnreadInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}

	publisher := events.NewInMemoryPublisher(events.WithHistory(opts.HistorySize))
	sched := scheduler.New(opts.Policy)
	agg := unread.New(client, publisher)
	list := convlist.New(client, agg, publisher, sess.UserID)
	ctrl := chat.New(chat.Deps{
		Client:    client,
		Session:   sess,
		Scheduler: sched,
		List:      list,
		Unread:    agg,
		Publisher: publisher,
	}, opts.Chat)

	return &Engine{
		session:   sess,
		opts:      opts,
		publisher: publisher,
		sched:     sched,
		list:      list,
		unread:    agg,
		chat:      ctrl,
		logger:    logging.WithUser(sess.UserID).With().Str("component", "inbox").Logger(),
	}
}

// Mount starts list and unread polling. Both run immediately.
func (e *Engine) Mount(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mounted {
		return ErrAlreadyMounted
	}

	if err := e.sched.Start(TaskConversations, e.opts.ListInterval, e.list.Refresh); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	if err := e.sched.Start(TaskUnread, e.opts.UnreadInterval, e.unread.Refresh); err != nil {
		_ = e.sched.Stop(TaskConversations)
		return fmt.Errorf("mount: %w", err)
	}
	e.mounted = true

	e.logger.Info().
		Dur("list_interval", e.opts.ListInterval).
		Dur("unread_interval", e.opts.UnreadInterval).
		Msg("inbox mounted")
	return nil
}

// Select focuses a conversation from the list and opens it in the chat controller.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	if !e.Mounted() {
		return ErrNotMounted
	}
	if err := e.list.Select(ctx, conversationID); err != nil {
		return err
	}
	return e.chat.Open(ctx, conversationID)
}

// Unmount closes the open conversation and stops every task. In-flight
// fetches complete but their results are discarded.
func (e *Engine) Unmount() {
	e.mu.Lock()
	if !e.mounted {
		e.mu.Unlock()
		return
	}
	e.mounted = false
	e.mu.Unlock()

	e.chat.Close()
	e.list.Invalidate()
	e.unread.Invalidate()
	e.sched.StopAll()
	e.logger.Info().Msg("inbox unmounted")
}

// Close unmounts and releases the scheduler.
func (e *Engine) Close() {
	e.Unmount()
	e.sched.Close()
	e.publisher.Close()
}

// Mounted reports whether polling is active.
func (e *Engine) Mounted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted
}

// Nudge triggers early refreshes for a push notification. State still comes
// from the regular fetches.
func (e *Engine) Nudge(kind, conversationID string) {
	if !e.Mounted() {
		return
	}

	e.publisher.Publish(context.Background(), models.NewEvent(
		models.EventTypePushNudge, models.EntityTypeInbox, conversationID, models.NudgePayload{Kind: kind},
	))

	switch kind {
	case NudgeTyping:
	case NudgeConversationRead:
		e.runNow(TaskUnread)
	default:
		e.runNow(TaskConversations)
		e.runNow(TaskUnread)
	}
	if conversationID != "" && conversationID == e.chat.OpenID() {
		e.runNow(chat.TaskID(conversationID))
	}
}

func (e *Engine) runNow(taskID string) {
	if err := e.sched.RunNow(taskID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
		e.logger.Debug().Err(err).Str("task", taskID).Msg("nudge run failed")
	}
}

// Session returns the signed-in session.
func (e *Engine) Session() session.Session { return e.session }

// List returns the conversation list synchronizer.
func (e *Engine) List() *convlist.Synchronizer { return e.list }

// Unread returns the unread aggregator.
func (e *Engine) Unread() *unread.Aggregator { return e.unread }

// Chat returns the chat controller.
func (e *Engine) Chat() *chat.Controller { return e.chat }

// Events returns the engine's publisher.
func (e *Engine) Events() *events.InMemoryPublisher { return e.publisher }

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }
