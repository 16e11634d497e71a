package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks where a message is in the send pipeline.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// PendingIDPrefix marks client-assigned message ids.
const PendingIDPrefix = "tmp_"

// Failure reasons recorded on failed messages.
const (
	FailureSendError = "send_error"
	FailureTimeout   = "timeout"
)

// Message is a single chat message, confirmed or local.
type Message struct {
	// ID is server-assigned for confirmed messages and tmp_<uuid> for local ones.
	ID string `json:"id" validate:"required"`

	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`

	// SenderID is the author.
	SenderID string `json:"sender_id" validate:"required"`

	// SenderName is the author's display name, when the server provides it.
	SenderName string `json:"sender_name,omitempty"`

	// Content is the message body.
	Content string `json:"content"`

	// CreatedAt is the server timestamp, or the local send time for pending messages.
	CreatedAt time.Time `json:"created_at" validate:"required"`

	// ReadByCurrentUser reports whether the signed-in user has read this message.
	ReadByCurrentUser bool `json:"is_read"`

	// State is the local delivery state. Server payloads omit it (confirmed).
	State DeliveryState `json:"delivery_state,omitempty"`

	// FailureReason explains a failed state.
	FailureReason string `json:"failure_reason,omitempty"`
}

// NewPendingMessage builds an optimistic local message.
func NewPendingMessage(conversationID, senderID, content string, now time.Time) Message {
	return Message{
		ID:                PendingIDPrefix + uuid.NewString(),
		ConversationID:    conversationID,
		SenderID:          senderID,
		Content:           content,
		CreatedAt:         now,
		ReadByCurrentUser: true,
		State:             DeliveryPending,
	}
}

// IsLocal reports whether the message has not been confirmed by the server.
func (m Message) IsLocal() bool {
	return m.State == DeliveryPending || m.State == DeliveryFailed
}

// IsPending reports whether the message is awaiting confirmation.
func (m Message) IsPending() bool {
	return m.State == DeliveryPending
}

// IsFailed reports whether the message failed to send.
func (m Message) IsFailed() bool {
	return m.State == DeliveryFailed
}

// Confirmed returns a copy normalized as a server-confirmed message.
func (m Message) Confirmed() Message {
	m.State = DeliveryConfirmed
	m.FailureReason = ""
	return m
}

// IsPendingID reports whether id was assigned by the client.
func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingIDPrefix)
}

// Before orders confirmed messages by created_at, ties broken by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// CloneMessages copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	return append([]Message(nil), in...)
}

// Preview converts a message into a conversation last-message summary.
func (m Message) Preview() LastMessage {
	return LastMessage{
		Content:   m.Content,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
	}
}
