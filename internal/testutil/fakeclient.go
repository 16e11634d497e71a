package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tOgg1/coursechat/internal/models"
)

// Operation names used by FakeClient for errors, gates and call counts.
const (
	OpListConversations = "listConversations"
	OpGetConversation   = "getConversation"
	OpGetMessages       = "getMessages"
	OpSendMessage       = "sendMessage"
	OpMarkRead          = "markConversationRead"
	OpGetUnreadCount    = "getUnreadCount"
	OpSetTyping         = "setTypingStatus"
	OpGetOnlineUsers    = "getOnlineUsers"
)

// FakeClient is an in-memory backend for engine tests. Results are computed
// when a call starts, so a gated call returns the state it observed then.
type FakeClient struct {
	// SenderID is the author of messages created by SendMessage.
	SenderID string

	// Now stamps messages created by SendMessage. Default: time.Now
	Now func() time.Time

	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message
	counts        models.UnreadCounts
	online        map[string][]models.UserRef
	errs          map[string]error
	gates         map[string]chan struct{}
	calls         map[string]int
	typing        []models.TypingSignal
	plannedIDs    []string
	nextID        int
}

// NewFakeClient creates an empty FakeClient for senderID.
func NewFakeClient(senderID string) *FakeClient {
	return &FakeClient{
		SenderID: senderID,
		Now:      time.Now,
		messages: make(map[string][]models.Message),
		online:   make(map[string][]models.UserRef),
		errs:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
	}
}

// SetConversations replaces the conversation list.
func (f *FakeClient) SetConversations(convs ...models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations = models.CloneConversations(convs)
}

// SetMessages replaces a conversation's messages.
func (f *FakeClient) SetMessages(conversationID string, msgs ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[conversationID] = models.CloneMessages(msgs)
}

// AddMessage appends a message as if another participant had sent it.
func (f *FakeClient) AddMessage(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg.Confirmed())
}

// SetUnread replaces the unread payload. The total is computed from the entries.
func (f *FakeClient) SetUnread(perConversation map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = models.UnreadCounts{}
	for id, n := range perConversation {
		f.counts.ConversationCounts = append(f.counts.ConversationCounts, models.ConversationUnread{ConversationID: id, UnreadCount: n})
		f.counts.TotalUnread += n
	}
}

// SetOnline replaces a conversation's online users.
func (f *FakeClient) SetOnline(conversationID string, users ...models.UserRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[conversationID] = append([]models.UserRef(nil), users...)
}

// PlanSend sets the server id of the next sent message. When a message with
// that id already exists it is returned instead of a new one.
func (f *FakeClient) PlanSend(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plannedIDs = append(f.plannedIDs, id)
}

// SetError makes op fail with err until cleared with a nil err.
func (f *FakeClient) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// Block holds every later call of op until the returned release func runs.
func (f *FakeClient) Block(op string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[op] = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gates[op] == gate {
				delete(f.gates, op)
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times op was invoked.
func (f *FakeClient) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TypingSignals returns every typing signal received.
func (f *FakeClient) TypingSignals() []models.TypingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TypingSignal(nil), f.typing...)
}

// begin records a call and returns the configured gate and error.
func (f *FakeClient) begin(op string) (chan struct{}, error) {
	f.calls[op]++
	return f.gates[op], f.errs[op]
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListConversations implements transport.Client.
func (f *FakeClient) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	gate, err := f.begin(OpListConversations)
	out := models.CloneConversations(f.conversations)
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Conversation{}
	}
	return out, nil
}

// GetConversation implements transport.Client.
func (f *FakeClient) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	f.mu.Lock()
	gate, err := f.begin(OpGetConversation)
	var (
		out   models.Conversation
		found bool
	)
	for _, c := range f.conversations {
		if c.ID == conversationID {
			out, found = c.Clone(), true
			break
		}
	}
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return models.Conversation{}, werr
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if !found {
		return models.Conversation{}, fmt.Errorf("%s: conversation %s not found", OpGetConversation, conversationID)
	}
	return out, nil
}

// GetMessages implements transport.Client.
func (f *FakeClient) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	gate, err := f.begin(OpGetMessages)
	out := models.CloneMessages(f.messages[conversationID])
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

// SendMessage implements transport.Client.
func (f *FakeClient) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	f.mu.Lock()
	gate, err := f.begin(OpSendMessage)
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return models.Message{}, werr
	}
	if err != nil {
		return models.Message{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := ""
	if len(f.plannedIDs) > 0 {
		id, f.plannedIDs = f.plannedIDs[0], f.plannedIDs[1:]
		for _, existing := range f.messages[conversationID] {
			if existing.ID == id {
				return existing, nil
			}
		}
	} else {
		f.nextID++
		id = fmt.Sprintf("srv-%d", f.nextID)
	}
	msg := models.Message{
		ID:                id,
		ConversationID:    conversationID,
		SenderID:          f.SenderID,
		Content:           content,
		CreatedAt:         f.Now(),
		ReadByCurrentUser: true,
		State:             models.DeliveryConfirmed,
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			preview := msg.Preview()
			f.conversations[i].LastMessage = &preview
		}
	}
	return msg, nil
}

// MarkConversationRead implements transport.Client.
func (f *FakeClient) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	gate, err := f.begin(OpMarkRead)
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			f.conversations[i].UnreadCount = 0
		}
	}
	total := 0
	for i := range f.counts.ConversationCounts {
		if f.counts.ConversationCounts[i].ConversationID == conversationID {
			f.counts.ConversationCounts[i].UnreadCount = 0
		}
		total += f.counts.ConversationCounts[i].UnreadCount
	}
	f.counts.TotalUnread = total
	msgs := f.messages[conversationID]
	for i := range msgs {
		msgs[i].ReadByCurrentUser = true
	}
	return nil
}

// GetUnreadCount implements transport.Client.
func (f *FakeClient) GetUnreadCount(ctx context.Context) (models.UnreadCounts, error) {
	f.mu.Lock()
	gate, err := f.begin(OpGetUnreadCount)
	out := models.UnreadCounts{
		TotalUnread:        f.counts.TotalUnread,
		ConversationCounts: append([]models.ConversationUnread(nil), f.counts.ConversationCounts...),
	}
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return models.UnreadCounts{}, werr
	}
	if err != nil {
		return models.UnreadCounts{}, err
	}
	return out, nil
}

// SetTypingStatus implements transport.Client.
func (f *FakeClient) SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error {
	f.mu.Lock()
	gate, err := f.begin(OpSetTyping)
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return werr
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, models.TypingSignal{ConversationID: conversationID, IsTyping: isTyping, At: time.Now()})
	return nil
}

// GetOnlineUsers implements transport.Client.
func (f *FakeClient) GetOnlineUsers(ctx context.Context, conversationID string) ([]models.UserRef, error) {
	f.mu.Lock()
	gate, err := f.begin(OpGetOnlineUsers)
	out := append([]models.UserRef(nil), f.online[conversationID]...)
	f.mu.Unlock()

	if werr := wait(ctx, gate); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
