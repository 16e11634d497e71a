// Package convlist keeps the local copy of the user's conversation list.
package convlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/models"
)

// ErrConversationNotFound is returned for ids missing from the last fetched list.
var ErrConversationNotFound = errors.New("conversation not found")

// Lister is the backend call the synchronizer needs.
type Lister interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// UnreadTracker owns the unread counts shown on list entries.
type UnreadTracker interface {
	Begin() uint64
	Absorb(seq uint64, conversations []models.Conversation) error
	Count(conversationID string) int
}

// Synchronizer mirrors the server's conversation list.
type Synchronizer struct {
	client    Lister
	unread    UnreadTracker
	publisher events.Publisher
	selfID    string
	logger    zerolog.Logger

	mu        sync.RWMutex
	convs     []models.Conversation
	gen       uint64
	loaded    bool
	refreshed time.Time
}

// New creates a Synchronizer for the user selfID. unread and publisher may be nil.
func New(client Lister, unread UnreadTracker, publisher events.Publisher, selfID string) *Synchronizer {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Synchronizer{
		client:    client,
		unread:    unread,
		publisher: publisher,
		selfID:    selfID,
		logger:    logging.Component("convlist"),
	}
}

// Refresh fetches the list and replaces the local copy on success. A result
// that arrives after Invalidate is discarded.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	var seq uint64
	if s.unread != nil {
		seq = s.unread.Begin()
	}

	convs, err := s.client.ListConversations(ctx)
	if err == nil {
		err = models.ValidateConversations(convs)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("conversation list refresh failed")
		}
		return fmt.Errorf("refresh conversations: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug().Msg("discarding stale conversation list")
		return nil
	}
	s.convs = models.CloneConversations(convs)
	s.loaded = true
	s.refreshed = time.Now()
	s.mu.Unlock()

	if s.unread != nil {
		if err := s.unread.Absorb(seq, convs); err != nil {
			s.logger.Warn().Err(err).Msg("list unread counts rejected")
		}
	}

	s.logger.Debug().Int("count", len(convs)).Msg("conversation list refreshed")
	s.publisher.Publish(ctx, models.NewEvent(models.EventTypeConversationsUpdated, models.EntityTypeInbox, "", nil))
	return nil
}

// Conversations returns the list in server order with local unread counts.
func (s *Synchronizer) Conversations() []models.Conversation {
	s.mu.RLock()
	out := models.CloneConversations(s.convs)
	s.mu.RUnlock()
	return s.overlay(out)
}

// Get returns one conversation from the last fetched list.
func (s *Synchronizer) Get(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.RUnlock()
		return models.Conversation{}, false
	}
	c := s.convs[idx].Clone()
	s.mu.RUnlock()

	if s.unread != nil {
		c.UnreadCount = s.unread.Count(c.ID)
	}
	return c, true
}

// Search filters the local list by subject, other participant name or course
// title, case-insensitively. An empty query returns every conversation.
func (s *Synchronizer) Search(query string) []models.Conversation {
	all := s.Conversations()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return all
	}

	out := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if s.matches(&c, query) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Synchronizer) matches(c *models.Conversation, query string) bool {
	if strings.Contains(strings.ToLower(c.Subject), query) {
		return true
	}
	if other, ok := c.Other(s.selfID); ok && strings.Contains(strings.ToLower(other.Name), query) {
		return true
	}
	return c.Course != nil && strings.Contains(strings.ToLower(c.Course.Title), query)
}

// Select announces that conversationID was chosen. It changes no state.
func (s *Synchronizer) Select(ctx context.Context, conversationID string) error {
	s.mu.RLock()
	idx := s.indexLocked(conversationID)
	s.mu.RUnlock()
	if idx < 0 {
		return fmt.Errorf("select %s: %w", conversationID, ErrConversationNotFound)
	}

	s.publisher.Publish(ctx, models.NewEvent(models.EventTypeConversationSelected, models.EntityTypeConversation, conversationID, nil))
	return nil
}

// ApplyLastMessage updates a conversation's preview after a successful send,
// unless the list already shows something newer.
func (s *Synchronizer) ApplyLastMessage(conversationID string, msg models.Message) bool {
	s.mu.Lock()
	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	c := &s.convs[idx]
	if c.LastMessage != nil && !msg.CreatedAt.After(c.LastMessage.CreatedAt) {
		s.mu.Unlock()
		return false
	}
	preview := msg.Preview()
	c.LastMessage = &preview
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	s.mu.Unlock()

	s.publisher.Publish(context.Background(), models.NewEvent(models.EventTypeConversationsUpdated, models.EntityTypeInbox, conversationID, nil))
	return true
}

// Loaded reports whether a refresh has succeeded.
func (s *Synchronizer) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// LastRefreshed returns when the list was last replaced.
func (s *Synchronizer) LastRefreshed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshed
}

// Invalidate discards any refresh currently in flight.
func (s *Synchronizer) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

func (s *Synchronizer) indexLocked(conversationID string) int {
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) overlay(convs []models.Conversation) []models.Conversation {
	if s.unread == nil {
		return convs
	}
	for i := range convs {
		convs[i].UnreadCount = s.unread.Count(convs[i].ID)
	}
	return convs
}
