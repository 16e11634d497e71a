package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/devserver"
	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/models"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type backend struct {
	url   string
	token string
	srv   *devserver.Server
}

func newBackend(t *testing.T) backend {
	t.Helper()
	isolateConfig(t)

	srv, err := devserver.New(context.Background(), devserver.Config{JWTSecret: "cli-test"})
	require.NoError(t, err)
	_, err = srv.Seed(context.Background())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})

	token, err := srv.Token(context.Background(), devserver.DemoStudent, time.Hour)
	require.NoError(t, err)
	return backend{url: ts.URL, token: token, srv: srv}
}

// isolateConfig keeps user config files and environment out of the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("COURSECHAT_SESSION_TOKEN", "")
	t.Setenv("COURSECHAT_BACKEND_BASE_URL", "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func (b backend) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--base-url", b.url, "--token", b.token, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestConversationsTable(t *testing.T) {
	b := newBackend(t)

	out, err := b.run(t, "conversations")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "demo-study")
	require.Contains(t, lines[1], "Alan Turing")
	require.Contains(t, out, "Week 3 exercises")
}

func TestConversationsJSONFilters(t *testing.T) {
	b := newBackend(t)

	out, err := b.run(t, "conversations", "--json", "--unread")
	require.NoError(t, err)

	var convs []models.Conversation
	require.NoError(t, json.Unmarshal([]byte(out), &convs))
	require.NotEmpty(t, convs)
	for _, c := range convs {
		require.Positive(t, c.UnreadCount, c.ID)
	}

	out, err = b.run(t, "conversations", "--json", "--search", "alan")
	require.NoError(t, err)
	convs = nil
	require.NoError(t, json.Unmarshal([]byte(out), &convs))
	require.Len(t, convs, 1)
	require.Equal(t, "demo-study", convs[0].ID)
}

func TestSendThenMessages(t *testing.T) {
	b := newBackend(t)

	out, err := b.run(t, "send", "demo-study", "see", "you", "at", "ten")
	require.NoError(t, err)
	require.Contains(t, out, "sent ")
	require.Contains(t, out, "coursechat messages demo-study")

	out, err = b.run(t, "messages", "demo-study", "--json", "--mark-read")
	require.NoError(t, err)

	var got messagesOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "demo-study", got.Conversation.ID)
	last := got.Messages[len(got.Messages)-1]
	require.Equal(t, "see you at ten", last.Content)
	require.Equal(t, devserver.DemoStudent, last.SenderID)

	out, err = b.run(t, "messages", "demo-study", "-n", "1")
	require.NoError(t, err)
	require.Contains(t, out, "You: see you at ten")
	require.NotContains(t, out, "*")
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	b := newBackend(t)

	_, err := b.run(t, "send", "demo-study", "   ")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, exitUsage, exitErr.Code)
}

func TestUnread(t *testing.T) {
	b := newBackend(t)

	out, err := b.run(t, "unread")
	require.NoError(t, err)
	require.Contains(t, out, "demo-week3")
	require.Contains(t, out, "4 unread")

	out, err = b.run(t, "unread", "--json")
	require.NoError(t, err)
	var snap models.UnreadCounter
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Equal(t, 4, snap.Total)
	require.Equal(t, 2, snap.PerConversation["demo-week3"])
}

func TestBackendErrors(t *testing.T) {
	b := newBackend(t)

	_, err := b.run(t, "messages", "missing")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, exitBackend, exitErr.Code)

	forged, err := devserver.SignToken([]byte("wrong"), devserver.DemoStudent, "Ada", time.Hour)
	require.NoError(t, err)
	b.token = forged
	_, err = b.run(t, "unread")
	var preflight *PreflightError
	require.ErrorAs(t, err, &preflight)
	require.Contains(t, preflight.Message, "session rejected")
}

func TestMissingToken(t *testing.T) {
	isolateConfig(t)

	cmd := newRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"unread", "--base-url", "http://127.0.0.1:1"})
	err := cmd.Execute()

	var preflight *PreflightError
	require.ErrorAs(t, err, &preflight)
	require.Equal(t, "no session token configured", preflight.Message)
}

func TestTUIRequiresInteractiveTerminal(t *testing.T) {
	b := newBackend(t)

	_, err := b.run(t, "tui", "--non-interactive")
	var preflight *PreflightError
	require.ErrorAs(t, err, &preflight)
	require.Contains(t, preflight.Error(), "coursechat conversations")
}

func TestWatchStreamsEngineEvents(t *testing.T) {
	b := newBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := newRootCmd("test")
	cmd.SetOut(out)
	cmd.SetArgs([]string{"watch", "--json", "--type", "unread.updated",
		"--base-url", b.url, "--token", b.token, "--log-level", "error"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"unread.updated"`)
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		require.Equal(t, models.EventTypeUnreadUpdated, ev.Type)
	}
}

func TestEventStreamerFilters(t *testing.T) {
	pub := events.NewInMemoryPublisher(events.WithHistory(10))
	defer pub.Close()
	pub.Publish(context.Background(), models.NewEvent(models.EventTypeMessagesUpdated, models.EntityTypeConversation, "c1", nil))

	out := &syncBuffer{}
	streamer := NewEventStreamer(pub, out, StreamConfig{ConversationID: "c1", IncludeRecent: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- streamer.Stream(ctx) }()

	require.Eventually(t, func() bool { return pub.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	pub.Publish(context.Background(), models.NewEvent(models.EventTypeMessagesUpdated, models.EntityTypeConversation, "c2", nil))
	pub.Publish(context.Background(), models.NewEvent(models.EventTypeSendFailed, models.EntityTypeConversation, "c1", nil))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	text := out.String()
	require.Contains(t, text, "messages.updated  c1")
	require.Contains(t, text, "send.failed  c1")
	require.NotContains(t, text, "c2")
}

func TestWriteTableAlignsWideRunes(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeTable(&out, []string{"NAME", "N"}, [][]string{
		{"日本語", "1"},
		{"ab", "22"},
	}))
	require.Equal(t, "NAME    N\n日本語  1\nab      22\n", out.String())
}
