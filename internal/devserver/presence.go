package devserver

import (
	"sort"
	"sync"
	"time"
)

// presence tracks who was seen recently and who is typing where. Entries
// expire on read; nothing sweeps them in the background.
type presence struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	typing    map[string]map[string]time.Time
	ttl       time.Duration
	typingTTL time.Duration
	now       func() time.Time
	connected func(userID string) bool
}

func newPresence(ttl, typingTTL time.Duration, now func() time.Time) *presence {
	return &presence{
		seen:      make(map[string]time.Time),
		typing:    make(map[string]map[string]time.Time),
		ttl:       ttl,
		typingTTL: typingTTL,
		now:       now,
	}
}

// Touch records activity for userID.
func (p *presence) Touch(userID string) {
	p.mu.Lock()
	p.seen[userID] = p.now()
	p.mu.Unlock()
}

// IsOnline reports recent activity or an open push connection.
func (p *presence) IsOnline(userID string) bool {
	if p.connected != nil && p.connected(userID) {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.seen[userID]
	if !ok {
		return false
	}
	if p.now().Sub(at) > p.ttl {
		delete(p.seen, userID)
		return false
	}
	return true
}

// SetTyping records or clears a typing signal. Last write wins.
func (p *presence) SetTyping(conversationID, userID string, typing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.typing[conversationID]
	if !typing {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, conversationID)
		}
		return
	}
	if users == nil {
		users = make(map[string]time.Time)
		p.typing[conversationID] = users
	}
	users[userID] = p.now()
}

// Typing lists users with an unexpired typing signal in the conversation.
func (p *presence) Typing(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []string
	for userID, at := range p.typing[conversationID] {
		if now.Sub(at) > p.typingTTL {
			delete(p.typing[conversationID], userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}
