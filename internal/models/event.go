package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes engine events.
type EventType string

const (
	// Conversation list events
	EventTypeConversationsUpdated EventType = "conversations.updated"
	EventTypeConversationSelected EventType = "conversation.selected"

	// Unread events
	EventTypeUnreadUpdated EventType = "unread.updated"

	// Chat session events
	EventTypeMessagesUpdated   EventType = "messages.updated"
	EventTypeChatStatusChanged EventType = "chat.status_changed"
	EventTypeSendFailed        EventType = "send.failed"
	EventTypePresenceUpdated   EventType = "presence.updated"

	// Push events
	EventTypePushNudge EventType = "push.nudge"

	// System events
	EventTypeError EventType = "error"
)

// EntityType identifies what an event relates to.
type EntityType string

const (
	EntityTypeConversation EntityType = "conversation"
	EntityTypeInbox        EntityType = "inbox"
	EntityTypeSystem       EntityType = "system"
)

// Event is a notification emitted by the sync engine.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the related conversation id, when any.
	EntityID string `json:"entity_id,omitempty"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event. A payload that cannot be encoded is dropped.
func NewEvent(eventType EventType, entityType EntityType, entityID string, payload any) *Event {
	e := &Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

// DecodePayload unmarshals the payload into out.
func (e *Event) DecodePayload(out any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// StatusChangedPayload is the payload for chat.status_changed events.
type StatusChangedPayload struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Banner    string `json:"banner,omitempty"`
}

// SendFailedPayload is the payload for send.failed events.
type SendFailedPayload struct {
	MessageID   string `json:"message_id"`
	Reason      string `json:"reason"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	Error       string `json:"error,omitempty"`
}

// UnreadUpdatedPayload is the payload for unread.updated events.
type UnreadUpdatedPayload struct {
	Total int `json:"total_unread"`
}

// NudgePayload is the payload for push.nudge events.
type NudgePayload struct {
	Kind string `json:"kind"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}
