package convlist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/testutil"
	"github.com/tOgg1/coursechat/internal/unread"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func sampleConversations() []models.Conversation {
	return []models.Conversation{
		{
			ID:           "c2",
			Type:         models.ConversationTypeDirect,
			Participants: []models.UserRef{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Ben Ortiz"}},
			Course:       &models.CourseRef{ID: "k1", Title: "Linear Algebra"},
			UnreadCount:  2,
			LastMessage:  &models.LastMessage{Content: "see you", SenderID: "u2", CreatedAt: t0.Add(time.Hour)},
		},
		{
			ID:           "c1",
			Type:         models.ConversationTypeSupport,
			Subject:      "Refund request",
			Participants: []models.UserRef{{ID: "u1", Name: "Ana"}, {ID: "s1", Name: "Support"}},
		},
	}
}

func newSync(t *testing.T) (*Synchronizer, *testutil.FakeClient, *unread.Aggregator, *events.InMemoryPublisher) {
	t.Helper()
	client := testutil.NewFakeClient("u1")
	client.SetConversations(sampleConversations()...)
	pub := events.NewInMemoryPublisher(events.WithHistory(16))
	agg := unread.New(client, pub)
	return New(client, agg, pub, "u1"), client, agg, pub
}

func TestRefreshKeepsServerOrderAndFeedsUnread(t *testing.T) {
	s, _, agg, _ := newSync(t)
	require.False(t, s.Loaded())

	require.NoError(t, s.Refresh(context.Background()))
	require.True(t, s.Loaded())
	require.False(t, s.LastRefreshed().IsZero())

	convs := s.Conversations()
	require.Len(t, convs, 2)
	require.Equal(t, "c2", convs[0].ID)
	require.Equal(t, "c1", convs[1].ID)
	require.Equal(t, 2, convs[0].UnreadCount)
	require.Equal(t, 2, agg.Total())
}

func TestRefreshFailureKeepsList(t *testing.T) {
	s, client, _, _ := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))

	client.SetError(testutil.OpListConversations, errors.New("offline"))
	require.Error(t, s.Refresh(context.Background()))
	require.Len(t, s.Conversations(), 2)
}

func TestRefreshRejectsMalformedList(t *testing.T) {
	s, client, _, _ := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))

	client.SetConversations(models.Conversation{ID: "", UnreadCount: 1})
	err := s.Refresh(context.Background())
	require.ErrorIs(t, err, models.ErrMalformedPayload)
	require.Len(t, s.Conversations(), 2)
}

func TestUnreadOverlayComesFromAggregator(t *testing.T) {
	s, _, agg, _ := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))

	agg.MarkedRead("c2")
	c, ok := s.Get("c2")
	require.True(t, ok)
	require.Equal(t, 0, c.UnreadCount)
}

func TestSearch(t *testing.T) {
	s, _, _, _ := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"c2", "c1"}},
		{"  ", []string{"c2", "c1"}},
		{"refund", []string{"c1"}},
		{"ORTIZ", []string{"c2"}},
		{"algebra", []string{"c2"}},
		{"ana", nil},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got []string
			for _, c := range s.Search(tt.query) {
				got = append(got, c.ID)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSelectPublishesWithoutStateChange(t *testing.T) {
	s, _, _, pub := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))
	before := s.Conversations()

	require.NoError(t, s.Select(context.Background(), "c1"))
	require.ErrorIs(t, s.Select(context.Background(), "missing"), ErrConversationNotFound)
	require.Equal(t, before, s.Conversations())

	recent := pub.Recent()
	last := recent[len(recent)-1]
	require.Equal(t, models.EventTypeConversationSelected, last.Type)
	require.Equal(t, "c1", last.EntityID)
}

func TestApplyLastMessageOnlyWhenNewer(t *testing.T) {
	s, _, _, _ := newSync(t)
	require.NoError(t, s.Refresh(context.Background()))

	older := models.Message{ID: "m0", SenderID: "u1", Content: "old", CreatedAt: t0}
	require.False(t, s.ApplyLastMessage("c2", older))

	newer := models.Message{ID: "m9", SenderID: "u1", Content: "new", CreatedAt: t0.Add(2 * time.Hour)}
	require.True(t, s.ApplyLastMessage("c2", newer))
	c, _ := s.Get("c2")
	require.Equal(t, "new", c.LastMessage.Content)

	require.True(t, s.ApplyLastMessage("c1", older), "a conversation without preview takes any message")
	require.False(t, s.ApplyLastMessage("missing", newer))

	require.Equal(t, "c2", s.Conversations()[0].ID, "order is never changed locally")
}

func TestInvalidateDiscardsInFlightRefresh(t *testing.T) {
	s, client, _, _ := newSync(t)

	release := client.Block(testutil.OpListConversations)
	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return client.Calls(testutil.OpListConversations) == 1 }, time.Second, time.Millisecond)

	s.Invalidate()
	release()
	require.NoError(t, <-done)
	require.False(t, s.Loaded())
	require.Empty(t, s.Conversations())
}
