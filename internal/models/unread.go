package models

import "time"

// ConversationUnread is one entry of the unread-count payload.
type ConversationUnread struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	UnreadCount    int    `json:"unread_count" validate:"min=0"`
}

// UnreadCounts is the unread-count endpoint payload.
type UnreadCounts struct {
	TotalUnread        int                  `json:"total_unread" validate:"min=0"`
	ConversationCounts []ConversationUnread `json:"conversation_counts" validate:"dive"`
}

// UnreadCounter is the locally observed unread state.
// Total always equals the sum of PerConversation.
type UnreadCounter struct {
	Total           int            `json:"total_unread"`
	PerConversation map[string]int `json:"per_conversation"`
}

// TypingSignal is a transient typing indicator. Last write wins.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
	At             time.Time `json:"at"`
}

// PresenceSnapshot lists online participants per conversation. Advisory only.
type PresenceSnapshot struct {
	ConversationID string    `json:"conversation_id"`
	Online         []UserRef `json:"online_users"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// IsOnline reports whether userID appears in the snapshot.
func (p PresenceSnapshot) IsOnline(userID string) bool {
	for _, u := range p.Online {
		if u.ID == userID {
			return true
		}
	}
	return false
}
