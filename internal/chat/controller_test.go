package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/convlist"
	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/reconcile"
	"github.com/tOgg1/coursechat/internal/scheduler"
	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/testutil"
	"github.com/tOgg1/coursechat/internal/transport"
	"github.com/tOgg1/coursechat/internal/unread"
)

type harness struct {
	client *testutil.FakeClient
	sched  *scheduler.Scheduler
	list   *convlist.Synchronizer
	unread *unread.Aggregator
	pub    *events.InMemoryPublisher
	ctrl   *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	client := testutil.NewFakeClient("u1")
	client.SetConversations(
		models.Conversation{
			ID:           "c1",
			Participants: []models.UserRef{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Ben"}},
		},
		models.Conversation{
			ID:           "c2",
			Participants: []models.UserRef{{ID: "u1", Name: "Ana"}, {ID: "u3", Name: "Cai"}},
		},
	)

	pub := events.NewInMemoryPublisher(events.WithHistory(64))
	agg := unread.New(client, pub)
	list := convlist.New(client, agg, pub, "u1")
	sched := scheduler.New(scheduler.DefaultPolicy())
	t.Cleanup(sched.Close)

	ctrl := New(Deps{
		Client:    client,
		Session:   session.Session{UserID: "u1", DisplayName: "Ana", Token: "tok"},
		Scheduler: sched,
		List:      list,
		Unread:    agg,
		Publisher: pub,
	}, Config{MessageInterval: time.Hour})

	return &harness{client: client, sched: sched, list: list, unread: agg, pub: pub, ctrl: ctrl}
}

func msg(id, sender, content string, at time.Time) models.Message {
	return models.Message{ID: id, ConversationID: "c1", SenderID: sender, Content: content, CreatedAt: at}
}

func TestOpenLoadsAndSchedulesPolling(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.client.SetMessages("c1", msg("m1", "u2", "hi", now.Add(-time.Minute)))
	h.client.SetOnline("c1", models.UserRef{ID: "u2", Name: "Ben"})

	require.Equal(t, StatusClosed, h.ctrl.Status())
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	require.Equal(t, StatusReady, h.ctrl.Status())
	require.Equal(t, "c1", h.ctrl.OpenID())
	require.Len(t, h.ctrl.Messages(), 1)
	require.True(t, h.ctrl.Presence().IsOnline("u2"))
	conv, ok := h.ctrl.Conversation()
	require.True(t, ok)
	require.Equal(t, "Ben", conv.Title("u1"))

	require.Equal(t, 1, h.client.Calls(testutil.OpMarkRead))
	require.True(t, h.sched.Running(TaskID("c1")))
}

func TestOpenSwitchStopsPreviousTask(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	require.NoError(t, h.ctrl.Open(context.Background(), "c2"))

	require.Equal(t, []string{TaskID("c2")}, h.sched.Tasks())
	require.Equal(t, "c2", h.ctrl.OpenID())
}

// A poll that sees the sent message leaves one confirmed bubble, not two.
func TestOptimisticSendThenPoll(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	require.Empty(t, h.ctrl.Messages())

	release := h.client.Block(testutil.OpSendMessage)
	h.client.PlanSend("m1")
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "Hello")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(h.ctrl.Messages()) == 1 }, time.Second, time.Millisecond)
	pending := h.ctrl.Messages()[0]
	require.True(t, pending.IsPending())
	require.True(t, models.IsPendingID(pending.ID))
	require.Equal(t, StatusSending, h.ctrl.Status())

	h.client.AddMessage(msg("m1", "u1", "Hello", time.Now()))
	require.NoError(t, h.ctrl.Poll(context.Background()))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.False(t, msgs[0].IsLocal())

	release()
	require.NoError(t, <-done)
	msgs = h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, StatusReady, h.ctrl.Status())
}

func TestSendInFlightOnlyAffectsItsConversation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	release := h.client.Block(testutil.OpSendMessage)
	h.client.PlanSend("m1")
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "Hello")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.ctrl.Status() == StatusSending }, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Open(context.Background(), "c2"))
	require.Equal(t, StatusReady, h.ctrl.Status())

	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	require.Equal(t, StatusSending, h.ctrl.Status())

	release()
	require.NoError(t, <-done)
	require.Equal(t, StatusReady, h.ctrl.Status())
}

func TestSendUpdatesListPreview(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.list.Refresh(context.Background()))
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	sent, err := h.ctrl.Send(context.Background(), "  Hello there  ")
	require.NoError(t, err)
	require.Equal(t, "Hello there", sent.Content)

	conv, ok := h.list.Get("c1")
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	require.Equal(t, "Hello there", conv.LastMessage.Content)

	require.NoError(t, h.ctrl.Poll(context.Background()))
	require.Len(t, h.ctrl.Messages(), 1, "the send response and the poll are the same message")
}

func TestSendRejectsEmptyContent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	_, err := h.ctrl.Send(context.Background(), " \n\t ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.Empty(t, h.ctrl.Messages())
	require.Equal(t, 0, h.client.Calls(testutil.OpSendMessage))

	h.ctrl.Close()
	_, err = h.ctrl.Send(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoConversation)
}

// A failed send is marked failed and never resent by polling.
func TestFailedSendIsNeverAutoRetried(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	h.client.SetError(testutil.OpSendMessage, errors.New("network unreachable"))
	failed, err := h.ctrl.Send(context.Background(), "Hello")
	require.Error(t, err)
	require.True(t, failed.IsFailed())
	require.Equal(t, models.FailureSendError, failed.FailureReason)

	h.client.SetError(testutil.OpSendMessage, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.Poll(context.Background()))
	}
	require.Equal(t, 1, h.client.Calls(testutil.OpSendMessage))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsFailed())

	var sendFailed int
	for _, e := range h.pub.Recent() {
		if e.Type == models.EventTypeSendFailed {
			sendFailed++
		}
	}
	require.Equal(t, 1, sendFailed)
}

func TestRetryAndDiscard(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	h.client.SetError(testutil.OpSendMessage, errors.New("offline"))
	first, err := h.ctrl.Send(context.Background(), "first")
	require.Error(t, err)
	second, err := h.ctrl.Send(context.Background(), "second")
	require.Error(t, err)
	h.client.SetError(testutil.OpSendMessage, nil)

	sent, err := h.ctrl.Retry(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, "first", sent.Content)

	_, err = h.ctrl.Retry(context.Background(), sent.ID)
	require.ErrorIs(t, err, ErrNotRetryable)

	require.ErrorIs(t, h.ctrl.Discard(sent.ID), ErrNotRetryable)
	require.ErrorIs(t, h.ctrl.Discard("nope"), ErrMessageNotFound)
	require.NoError(t, h.ctrl.Discard(second.ID))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, sent.ID, msgs[0].ID)
}

func TestRateLimitedSendSurfacesIndicator(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	h.client.SetError(testutil.OpSendMessage, &transport.APIError{Op: "sendMessage", Status: 429, Message: "Slow down", RateLimited: true})
	_, err := h.ctrl.Send(context.Background(), "spam")
	require.True(t, transport.IsRateLimited(err))

	var payload models.SendFailedPayload
	for _, e := range h.pub.Recent() {
		if e.Type == models.EventTypeSendFailed {
			require.NoError(t, e.DecodePayload(&payload))
		}
	}
	require.True(t, payload.RateLimited)
	require.Equal(t, "Slow down", payload.Error)
}

// A fetch that completes after Close leaves the cache untouched.
func TestCloseDiscardsInFlightFetch(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.client.SetMessages("c1", msg("m1", "u2", "hi", now.Add(-time.Minute)))
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	before := h.ctrl.Cached("c1")

	h.client.AddMessage(msg("m2", "u2", "late", now))
	release := h.client.Block(testutil.OpGetMessages)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Poll(context.Background()) }()
	require.Eventually(t, func() bool { return h.client.Calls(testutil.OpGetMessages) == 2 }, time.Second, time.Millisecond)

	h.ctrl.Close()
	release()
	require.NoError(t, <-done)

	require.Equal(t, StatusClosed, h.ctrl.Status())
	require.Equal(t, before, h.ctrl.Cached("c1"))
	require.False(t, h.sched.Running(TaskID("c1")))
}

func TestStaleOpenIsDiscardedAfterSwitch(t *testing.T) {
	h := newHarness(t)
	h.client.SetMessages("c1", msg("m1", "u2", "hi", time.Now()))

	release := h.client.Block(testutil.OpGetMessages)
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Open(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return h.client.Calls(testutil.OpGetMessages) == 1 }, time.Second, time.Millisecond)

	h.ctrl.Close()
	release()
	require.NoError(t, <-done)

	require.Empty(t, h.ctrl.Cached("c1"))
	require.Empty(t, h.sched.Tasks())
}

func TestFetchFailureShowsBannerAndKeepsMessages(t *testing.T) {
	h := newHarness(t)
	h.client.SetMessages("c1", msg("m1", "u2", "hi", time.Now()))
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	h.client.SetError(testutil.OpGetMessages, errors.New("timeout"))
	require.Error(t, h.ctrl.Poll(context.Background()))
	require.Equal(t, StatusError, h.ctrl.Status())
	require.NotEmpty(t, h.ctrl.Banner())
	require.Len(t, h.ctrl.Messages(), 1)

	h.ctrl.DismissBanner()
	require.Equal(t, StatusReady, h.ctrl.Status())

	require.Error(t, h.ctrl.Poll(context.Background()))
	h.client.SetError(testutil.OpGetMessages, nil)
	require.NoError(t, h.ctrl.Poll(context.Background()))
	require.Empty(t, h.ctrl.Banner())
}

func TestOpenFailureStillSchedulesRecovery(t *testing.T) {
	h := newHarness(t)
	h.client.SetError(testutil.OpGetConversation, errors.New("502"))

	require.Error(t, h.ctrl.Open(context.Background(), "c1"))
	require.Equal(t, StatusError, h.ctrl.Status())
	require.True(t, h.sched.Running(TaskID("c1")))
}

// Opening a conversation drops its badge before the next unread poll.
func TestMarkReadZeroesUnreadAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.client.SetUnread(map[string]int{"c1": 3})
	require.NoError(t, h.unread.Refresh(context.Background()))
	require.Equal(t, 3, h.unread.Total())

	unreadMsg := msg("m1", "u2", "ping", time.Now())
	h.client.SetMessages("c1", unreadMsg)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	require.Equal(t, 0, h.unread.Total())
	require.True(t, h.ctrl.Messages()[0].ReadByCurrentUser)

	require.NoError(t, h.ctrl.MarkRead(context.Background()))
	require.NoError(t, h.ctrl.MarkRead(context.Background()))
	require.Equal(t, 0, h.unread.Total())

	h.ctrl.Close()
	require.ErrorIs(t, h.ctrl.MarkRead(context.Background()), ErrNoConversation)
}

func TestMarkReadFailureKeepsCount(t *testing.T) {
	h := newHarness(t)
	h.client.SetUnread(map[string]int{"c1": 2})
	require.NoError(t, h.unread.Refresh(context.Background()))

	h.client.SetError(testutil.OpMarkRead, errors.New("offline"))
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	require.Error(t, h.ctrl.MarkRead(context.Background()))
	require.Equal(t, 2, h.unread.Total())
}

func TestPollKeepsMessagesWhenMarkReadFails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	h.client.SetError(testutil.OpMarkRead, errors.New("offline"))
	h.client.AddMessage(msg("m1", "u2", "new", time.Now()))
	require.NoError(t, h.ctrl.Poll(context.Background()))

	require.Len(t, h.ctrl.Messages(), 1)
	require.Equal(t, StatusReady, h.ctrl.Status())
}

func TestPendingTimesOutOnPoll(t *testing.T) {
	h := newHarness(t)
	clock := time.Now()
	h.ctrl.cfg.Now = func() time.Time { return clock }
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))

	release := h.client.Block(testutil.OpSendMessage)
	defer release()
	h.client.SetError(testutil.OpSendMessage, context.DeadlineExceeded)
	go func() { _, _ = h.ctrl.Send(context.Background(), "stuck") }()
	require.Eventually(t, func() bool { return len(h.ctrl.Messages()) == 1 }, time.Second, time.Millisecond)

	clock = clock.Add(reconcile.DefaultSendTimeout + time.Second)
	require.NoError(t, h.ctrl.Poll(context.Background()))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsFailed())
	require.Equal(t, models.FailureTimeout, msgs[0].FailureReason)
}

func TestSetTypingThrottlesRepeats(t *testing.T) {
	h := newHarness(t)
	h.ctrl.SetTyping(true)
	h.ctrl.bg.Wait()
	require.Empty(t, h.client.TypingSignals(), "no signal without an open conversation")

	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	h.ctrl.SetTyping(true)
	h.ctrl.SetTyping(true)
	h.ctrl.SetTyping(true)
	h.ctrl.SetTyping(false)
	h.ctrl.SetTyping(false)
	h.ctrl.bg.Wait()

	signals := h.client.TypingSignals()
	require.Len(t, signals, 2)
	require.True(t, signals[0].IsTyping)
	require.False(t, signals[1].IsTyping)
}

func TestSetTypingErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	h.client.SetError(testutil.OpSetTyping, errors.New("boom"))

	h.ctrl.SetTyping(true)
	h.ctrl.bg.Wait()
	require.Equal(t, StatusReady, h.ctrl.Status())
}

func TestCloseKeepsCacheForReopen(t *testing.T) {
	h := newHarness(t)
	h.client.SetMessages("c1", msg("m1", "u2", "hi", time.Now()))
	require.NoError(t, h.ctrl.Open(context.Background(), "c1"))
	h.ctrl.SetTyping(true)

	h.ctrl.Close()
	h.ctrl.bg.Wait()
	require.Nil(t, h.ctrl.Messages())
	require.Len(t, h.ctrl.Cached("c1"), 1)

	signals := h.client.TypingSignals()
	require.False(t, signals[len(signals)-1].IsTyping, "closing clears the typing indicator")

	h.client.SetError(testutil.OpGetMessages, errors.New("offline"))
	require.Error(t, h.ctrl.Open(context.Background(), "c1"))
	require.Len(t, h.ctrl.Messages(), 1, "cached messages are shown when the reload fails")
}
