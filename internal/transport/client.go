// Package transport wraps the backend message endpoints behind a uniform client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/coursechat/internal/models"
)

// Client is the backend contract the sync engine depends on.
type Client interface {
	// ListConversations returns the current user's conversations, most recent activity first.
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	// GetConversation returns one conversation's detail.
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	// GetMessages returns a conversation's messages, oldest first.
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// SendMessage posts a message and returns the server-confirmed copy.
	SendMessage(ctx context.Context, conversationID, content string) (models.Message, error)
	// MarkConversationRead marks every message in the conversation read. Idempotent.
	MarkConversationRead(ctx context.Context, conversationID string) error
	// GetUnreadCount returns total and per-conversation unread counts.
	GetUnreadCount(ctx context.Context) (models.UnreadCounts, error)
	// SetTypingStatus reports the local typing state. Best effort.
	SetTypingStatus(ctx context.Context, conversationID string, isTyping bool) error
	// GetOnlineUsers lists participants currently online in a conversation.
	GetOnlineUsers(ctx context.Context, conversationID string) ([]models.UserRef, error)
}

// ErrInvalidResponse marks a response that could not be decoded or failed validation.
var ErrInvalidResponse = errors.New("invalid response")

// APIError is a non-success envelope or HTTP status from the backend.
type APIError struct {
	// Op is the contract operation, e.g. "sendMessage".
	Op string
	// Status is the HTTP status code, 0 when unknown.
	Status int
	// Code is the backend's machine-readable code, if any.
	Code string
	// Message is user-displayable.
	Message string
	// RateLimited is set when the backend asked the client to slow down.
	RateLimited bool
	// RetryAfter is the backend's suggested wait when rate limited.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// IsRateLimited reports whether err carries the backend's rate-limit indicator.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited
	}
	return false
}

// UserMessage returns a message suitable for display to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		if apiErr.RateLimited && apiErr.RetryAfter > 0 {
			return fmt.Sprintf("%s (try again in %s)", apiErr.Message, apiErr.RetryAfter.Round(time.Second))
		}
		return apiErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the server took too long to respond"
	}
	if errors.Is(err, ErrInvalidResponse) {
		return "the server sent an unexpected response"
	}
	return "could not reach the server"
}
