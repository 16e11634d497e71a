package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(HTTPConfig{
		BaseURL: srv.URL,
		Session: session.Session{UserID: "u-1", DisplayName: "Ana", Token: "tok-123"},
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func TestNewHTTPClientRejectsRelativeURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{
		BaseURL: "/api",
		Session: session.Session{UserID: "u-1", Token: "tok"},
	})
	require.Error(t, err)

	_, err = NewHTTPClient(HTTPConfig{BaseURL: "http://localhost"})
	require.ErrorIs(t, err, session.ErrNoToken)
}

func TestListConversationsDecodesEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/messages/conversations", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"conversations": []map[string]any{
					{
						"id":           "c1",
						"type":         "direct",
						"participants": []map[string]any{{"id": "u-1", "name": "Ana"}, {"id": "u-2", "name": "Ben"}},
						"unread_count": 2,
						"last_message": map[string]any{"content": "hi", "sender_id": "u-2", "created_at": "2024-05-01T10:00:00Z"},
					},
				},
			},
		})
	})

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "c1", convs[0].ID)
	require.Equal(t, 2, convs[0].UnreadCount)
	require.Equal(t, "Ben", convs[0].Title("u-1"))
}

func TestListConversationsRejectsMalformedPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"conversations": []map[string]any{{"id": "c1", "unread_count": -1}},
			},
		})
	})

	_, err := client.ListConversations(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
	require.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestGetMessagesMarksConfirmed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/conversations/c%201/messages", r.URL.EscapedPath())
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"messages": []map[string]any{
					{"id": "m1", "sender_id": "u-2", "content": "hello", "created_at": "2024-05-01T10:00:00Z", "is_read": true},
				},
			},
		})
	})

	msgs, err := client.GetMessages(context.Background(), "c 1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.DeliveryConfirmed, msgs[0].State)
	require.Equal(t, "c 1", msgs[0].ConversationID)
	require.True(t, msgs[0].ReadByCurrentUser)
}

func TestSendMessagePostsContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"content":"Hello"}`, string(raw))
		writeEnvelope(t, w, http.StatusCreated, map[string]any{
			"success": true,
			"data": map[string]any{
				"message": map[string]any{"id": "m9", "sender_id": "u-1", "content": "Hello", "created_at": "2024-05-01T10:00:00Z"},
			},
		})
	})

	msg, err := client.SendMessage(context.Background(), "c1", "Hello")
	require.NoError(t, err)
	require.Equal(t, "m9", msg.ID)
	require.Equal(t, "c1", msg.ConversationID)
	require.Equal(t, models.DeliveryConfirmed, msg.State)
}

func TestEnvelopeFailureBecomesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": false,
			"error":   map[string]any{"message": "Conversation not found", "code": "not_found"},
		})
	})

	_, err := client.GetConversation(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "getConversation", apiErr.Op)
	require.Equal(t, "not_found", apiErr.Code)
	require.Equal(t, "Conversation not found", UserMessage(err))
	require.False(t, IsRateLimited(err))
}

func TestRateLimitFromStatusAndEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeEnvelope(t, w, http.StatusTooManyRequests, map[string]any{
			"success": false,
			"error":   map[string]any{"message": "Slow down", "rate_limited": true},
		})
	})

	_, err := client.SendMessage(context.Background(), "c1", "spam")
	require.True(t, IsRateLimited(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	require.Equal(t, 7*time.Second, apiErr.RetryAfter)
	require.Equal(t, "Slow down (try again in 7s)", UserMessage(err))
}

func TestNonJSONErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	err := client.MarkConversationRead(context.Background(), "c1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestTypingAndOnline(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/typing"):
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.True(t, body["is_typing"])
			writeEnvelope(t, w, http.StatusOK, map[string]any{"success": true})
		case strings.HasSuffix(r.URL.Path, "/online"):
			writeEnvelope(t, w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"online_users": []map[string]any{{"id": "u-2", "name": "Ben"}}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	require.NoError(t, client.SetTypingStatus(context.Background(), "c1", true))
	users, err := client.GetOnlineUsers(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []models.UserRef{{ID: "u-2", Name: "Ben"}}, users)
}

func TestUnreadCount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/unread-count", r.URL.Path)
		writeEnvelope(t, w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"total_unread":        3,
				"conversation_counts": []map[string]any{{"conversation_id": "c1", "unread_count": 3}},
			},
		})
	})

	counts, err := client.GetUnreadCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts.TotalUnread)
	require.Len(t, counts.ConversationCounts, 1)
}

func TestMissingDataIsInvalid(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, map[string]any{"success": true})
	})

	_, err := client.GetUnreadCount(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
	require.Equal(t, "the server sent an unexpected response", UserMessage(err))
}
