// Package models defines the core data types for the conversation sync engine.
package models

import (
	"strings"
	"time"
)

// ConversationType categorizes a conversation.
type ConversationType string

const (
	ConversationTypeDirect  ConversationType = "direct"
	ConversationTypeSupport ConversationType = "support"
)

// UserRef identifies a participant.
type UserRef struct {
	// ID is the stable user identifier.
	ID string `json:"id" validate:"required"`

	// Name is the display name.
	Name string `json:"name"`

	// Role is an optional platform role (student, instructor, support).
	Role string `json:"role,omitempty"`
}

// CourseRef references the course a conversation is about.
type CourseRef struct {
	ID    string `json:"id" validate:"required"`
	Title string `json:"title"`
}

// LastMessage is the denormalized summary of a conversation's newest message.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is a conversation summary as returned by the list and detail endpoints.
type Conversation struct {
	// ID is the opaque, stable conversation identifier.
	ID string `json:"id" validate:"required"`

	// Type is direct or support.
	Type ConversationType `json:"type" validate:"omitempty,oneof=direct support"`

	// Subject is an optional title.
	Subject string `json:"subject,omitempty"`

	// Participants is the ordered participant pair.
	Participants []UserRef `json:"participants" validate:"dive"`

	// Course is the associated course, if any.
	Course *CourseRef `json:"course,omitempty"`

	// LastMessage summarizes the newest message, if any.
	LastMessage *LastMessage `json:"last_message,omitempty"`

	// IsResolved marks support conversations that were closed out.
	IsResolved bool `json:"is_resolved"`

	// UnreadCount is derived; the unread aggregator decides the value shown locally.
	UnreadCount int `json:"unread_count" validate:"min=0"`

	// UpdatedAt is the server's last-activity timestamp.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Other returns the participant that is not selfID. When the pair does not contain
// selfID the first participant is returned.
func (c *Conversation) Other(selfID string) (UserRef, bool) {
	if c == nil || len(c.Participants) == 0 {
		return UserRef{}, false
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return c.Participants[0], true
}

// Title returns a display title: the subject, or the other participant's name.
func (c *Conversation) Title(selfID string) string {
	if c == nil {
		return ""
	}
	if subject := strings.TrimSpace(c.Subject); subject != "" {
		return subject
	}
	if other, ok := c.Other(selfID); ok && strings.TrimSpace(other.Name) != "" {
		return other.Name
	}
	return c.ID
}

// LastActivity returns the newest known activity time.
func (c *Conversation) LastActivity() time.Time {
	if c == nil {
		return time.Time{}
	}
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	if len(c.Participants) > 0 {
		out.Participants = append([]UserRef(nil), c.Participants...)
	}
	if c.Course != nil {
		course := *c.Course
		out.Course = &course
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}

// CloneConversations deep-copies a slice of conversations.
func CloneConversations(in []Conversation) []Conversation {
	if in == nil {
		return nil
	}
	out := make([]Conversation, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
