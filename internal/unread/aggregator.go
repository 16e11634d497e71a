// Package unread keeps the authoritative local unread counts.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/models"
)

// Fetcher is the backend call the aggregator needs.
type Fetcher interface {
	GetUnreadCount(ctx context.Context) (models.UnreadCounts, error)
}

// Aggregator tracks per-conversation unread counts and their total.
//
// Every observation carries the sequence number it was issued at. A
// conversation marked read after that sequence keeps a zero count when the
// observation lands, so a slow poll cannot resurrect cleared unread state.
type Aggregator struct {
	client    Fetcher
	publisher events.Publisher
	logger    zerolog.Logger

	mu        sync.Mutex
	seq       uint64
	counts    map[string]int
	readAt    map[string]uint64
	applied   uint64
	loaded    bool
	refreshed time.Time
}

// New creates an Aggregator. publisher may be nil.
func New(client Fetcher, publisher events.Publisher) *Aggregator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Aggregator{
		client:    client,
		publisher: publisher,
		logger:    logging.Component("unread"),
		counts:    make(map[string]int),
		readAt:    make(map[string]uint64),
	}
}

// Begin returns the sequence number for an observation about to be issued.
func (a *Aggregator) Begin() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	return a.seq
}

// Refresh fetches the unread counts and replaces the local state wholesale.
// On failure the previous counts are kept.
func (a *Aggregator) Refresh(ctx context.Context) error {
	seq := a.Begin()

	payload, err := a.client.GetUnreadCount(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("unread refresh failed")
		}
		return fmt.Errorf("refresh unread: %w", err)
	}

	entries := make(map[string]int, len(payload.ConversationCounts))
	for _, c := range payload.ConversationCounts {
		if c.UnreadCount < 0 {
			return fmt.Errorf("refresh unread: %s: %w", c.ConversationID, models.ErrMalformedPayload)
		}
		entries[c.ConversationID] += c.UnreadCount
	}

	total := a.apply(seq, entries)
	if total != payload.TotalUnread {
		a.logger.Debug().
			Int("server_total", payload.TotalUnread).
			Int("local_total", total).
			Msg("unread total differs from per-conversation sum")
	}
	return nil
}

// Absorb takes the unread counts carried by a conversation list fetch issued at seq.
func (a *Aggregator) Absorb(seq uint64, conversations []models.Conversation) error {
	entries := make(map[string]int, len(conversations))
	for _, c := range conversations {
		if c.UnreadCount < 0 {
			return fmt.Errorf("absorb unread: %s: %w", c.ID, models.ErrMalformedPayload)
		}
		entries[c.ID] = c.UnreadCount
	}
	a.apply(seq, entries)
	return nil
}

// Invalidate discards every observation issued so far. Counts already applied
// are kept.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.applied = a.seq
}

// MarkedRead zeroes a conversation after a successful read-mark.
func (a *Aggregator) MarkedRead(conversationID string) {
	a.mu.Lock()
	a.seq++
	a.readAt[conversationID] = a.seq
	prev := a.counts[conversationID]
	delete(a.counts, conversationID)
	total := a.totalLocked()
	a.mu.Unlock()

	if prev != 0 {
		a.publish(total)
	}
}

// Count returns the unread count for a conversation.
func (a *Aggregator) Count(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[conversationID]
}

// Total returns the sum of all per-conversation counts.
func (a *Aggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalLocked()
}

// Loaded reports whether any observation has been applied.
func (a *Aggregator) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

// LastRefreshed returns when counts were last applied.
func (a *Aggregator) LastRefreshed() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshed
}

// Snapshot returns a copy of the counter.
func (a *Aggregator) Snapshot() models.UnreadCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	per := make(map[string]int, len(a.counts))
	for id, n := range a.counts {
		per[id] = n
	}
	return models.UnreadCounter{Total: a.totalLocked(), PerConversation: per}
}

func (a *Aggregator) apply(seq uint64, entries map[string]int) int {
	a.mu.Lock()
	if seq < a.applied {
		total, applied := a.totalLocked(), a.applied
		a.mu.Unlock()
		a.logger.Debug().Uint64("seq", seq).Uint64("applied", applied).Msg("discarding stale unread observation")
		return total
	}
	a.applied = seq
	next := make(map[string]int, len(entries))
	changed := !a.loaded
	for id, n := range entries {
		if a.readAt[id] > seq {
			n = 0
		}
		if n > 0 {
			next[id] = n
		}
		if a.counts[id] != n {
			changed = true
		}
	}
	for id := range a.counts {
		if _, ok := next[id]; !ok && a.counts[id] != 0 {
			changed = true
		}
	}
	a.counts = next
	a.loaded = true
	a.refreshed = time.Now()
	total := a.totalLocked()
	a.mu.Unlock()

	if changed {
		a.publish(total)
	}
	return total
}

func (a *Aggregator) totalLocked() int {
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

func (a *Aggregator) publish(total int) {
	a.publisher.Publish(context.Background(), models.NewEvent(
		models.EventTypeUnreadUpdated,
		models.EntityTypeInbox,
		"",
		models.UnreadUpdatedPayload{Total: total},
	))
}
