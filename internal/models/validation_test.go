package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorsNestedFields(t *testing.T) {
	nested := &ValidationErrors{}
	nested.AddMessage("content", "message content is required")

	validation := &ValidationErrors{}
	validation.Add("payload", nested)

	err := validation.Err()
	require.Error(t, err)

	var list *ValidationErrors
	require.True(t, errors.As(err, &list))
	require.Len(t, list.Errors, 1)
	require.Equal(t, "payload.content", list.Errors[0].Field)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestValidateConversationsRejectsNegativeUnread(t *testing.T) {
	convs := []Conversation{
		{ID: "c1", Type: ConversationTypeDirect, UnreadCount: 2},
		{ID: "c2", Type: ConversationTypeSupport, UnreadCount: -1},
	}

	err := ValidateConversations(convs)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMalformedPayload)
	require.Contains(t, err.Error(), "conversations[1].unread_count")
}

func TestValidateConversationsRejectsUnknownType(t *testing.T) {
	err := ValidateConversations([]Conversation{{ID: "c1", Type: "group"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be one of")
}

func TestValidateMessagesRequiresIdentity(t *testing.T) {
	ok := []Message{{ID: "m1", SenderID: "u1", Content: "hi", CreatedAt: time.Now()}}
	require.NoError(t, ValidateMessages(ok))

	bad := []Message{{SenderID: "u1", Content: "hi", CreatedAt: time.Now()}}
	err := ValidateMessages(bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "messages[0].id")
}

func TestConversationOther(t *testing.T) {
	conv := Conversation{
		ID:           "c1",
		Participants: []UserRef{{ID: "me", Name: "Me"}, {ID: "ana", Name: "Ana"}},
	}
	other, ok := conv.Other("me")
	require.True(t, ok)
	require.Equal(t, "ana", other.ID)
	require.Equal(t, "Ana", conv.Title("me"))

	conv.Subject = "Week 3 question"
	require.Equal(t, "Week 3 question", conv.Title("me"))
}

func TestPendingMessageShape(t *testing.T) {
	now := time.Now()
	msg := NewPendingMessage("c1", "me", "Hello", now)
	require.True(t, IsPendingID(msg.ID))
	require.True(t, msg.IsPending())
	require.True(t, msg.IsLocal())
	require.Equal(t, now, msg.CreatedAt)

	confirmed := msg.Confirmed()
	require.Equal(t, DeliveryConfirmed, confirmed.State)
	require.False(t, confirmed.IsLocal())
}
