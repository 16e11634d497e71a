package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/testutil"
)

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Nudge(kind, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Type: kind, ConversationID: conversationID})
}

func (r *recorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func wsServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	testutil.SkipIfNoNetwork(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/messages/ws"
}

func TestURLFor(t *testing.T) {
	got, err := URLFor("https://learn.example.com/", "/api/messages/ws")
	require.NoError(t, err)
	require.Equal(t, "wss://learn.example.com/api/messages/ws", got)

	got, err = URLFor("http://127.0.0.1:8088", "api/messages/ws")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8088/api/messages/ws", got)

	_, err = URLFor("ftp://x", "/ws")
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{URL: "http://x/ws"}, &recorder{})
	require.Error(t, err)
	_, err = New(Config{URL: "ws://x/ws"}, nil)
	require.Error(t, err)
}

func TestListenerForwardsNotices(t *testing.T) {
	var authHeader string
	var authMu sync.Mutex
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		authMu.Lock()
		authHeader = r.Header.Get("Authorization")
		authMu.Unlock()
		_ = conn.WriteJSON(Notice{Type: "message.created", ConversationID: "c1"})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteJSON(Notice{Type: "conversation.read", ConversationID: "c2"})
		time.Sleep(200 * time.Millisecond)
	})

	rec := &recorder{}
	l, err := New(Config{
		URL:               url,
		Session:           session.Session{UserID: "u1", Token: "tok"},
		ReconnectInterval: 20 * time.Millisecond,
	}, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []Notice{
		{Type: "message.created", ConversationID: "c1"},
		{Type: "conversation.read", ConversationID: "c2"},
	}, rec.all())
	authMu.Lock()
	require.Equal(t, "Bearer tok", authHeader)
	authMu.Unlock()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, l.Connected())
}

func TestListenerReconnects(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteJSON(Notice{Type: "typing", ConversationID: "c1"})
	})

	rec := &recorder{}
	l, err := New(Config{
		URL:               url,
		Session:           session.Session{UserID: "u1", Token: "tok"},
		ReconnectInterval: 10 * time.Millisecond,
	}, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.Connects() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, l.Received(), int64(2))
}
