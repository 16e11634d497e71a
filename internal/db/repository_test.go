package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/coursechat/internal/models"
)

func seedPair(t *testing.T, db *DB) (*ConversationRepository, *MessageRepository, models.Conversation) {
	t.Helper()
	ctx := context.Background()
	users := NewUserRepository(db)
	require.NoError(t, users.Upsert(ctx, models.UserRef{ID: "ada", Name: "Ada", Role: "student"}))
	require.NoError(t, users.Upsert(ctx, models.UserRef{ID: "bob", Name: "Bob", Role: "instructor"}))
	require.NoError(t, users.UpsertCourse(ctx, models.CourseRef{ID: "go101", Title: "Go 101"}))

	convs := NewConversationRepository(db)
	conv := models.Conversation{
		Subject:      "Homework 3",
		Participants: []models.UserRef{{ID: "ada"}, {ID: "bob"}},
		Course:       &models.CourseRef{ID: "go101"},
		UpdatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, convs.Create(ctx, &conv))
	return convs, NewMessageRepository(db), conv
}

func TestConversationRepository_Get(t *testing.T) {
	db := setupTestDB(t)
	convs, _, conv := seedPair(t, db)

	got, err := convs.Get(context.Background(), conv.ID, "ada")
	require.NoError(t, err)
	require.Equal(t, models.ConversationTypeDirect, got.Type)
	require.Equal(t, "Homework 3", got.Subject)
	require.Equal(t, "Go 101", got.Course.Title)
	require.Len(t, got.Participants, 2)
	require.Equal(t, "Bob", got.Participants[1].Name)
	require.Nil(t, got.LastMessage)

	_, err = convs.Get(context.Background(), "missing", "ada")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationRepository_CreateRequiresParticipants(t *testing.T) {
	db := setupTestDB(t)
	err := NewConversationRepository(db).Create(context.Background(), &models.Conversation{})
	require.ErrorIs(t, err, ErrInvalidConversation)
}

func TestMessageRepository_UnreadAndMarkRead(t *testing.T) {
	db := setupTestDB(t)
	convs, messages, conv := seedPair(t, db)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	for i, sender := range []string{"bob", "bob", "ada"} {
		msg := models.Message{ConversationID: conv.ID, SenderID: sender, Content: "m", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, messages.Create(ctx, &msg))
	}

	counts, err := messages.UnreadCounts(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, 2, counts.TotalUnread)
	require.Equal(t, []models.ConversationUnread{{ConversationID: conv.ID, UnreadCount: 2}}, counts.ConversationCounts)

	got, err := convs.Get(ctx, conv.ID, "ada")
	require.NoError(t, err)
	require.Equal(t, 2, got.UnreadCount)
	require.Equal(t, "ada", got.LastMessage.SenderID)
	require.True(t, got.UpdatedAt.Equal(base.Add(2*time.Second)))

	list, err := messages.List(ctx, conv.ID, "ada")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.False(t, list[0].ReadByCurrentUser)
	require.True(t, list[2].ReadByCurrentUser)
	require.Equal(t, "Bob", list[0].SenderName)

	added, err := messages.MarkRead(ctx, conv.ID, "ada", base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(2), added)

	added, err = messages.MarkRead(ctx, conv.ID, "ada", base.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, added)

	counts, err = messages.UnreadCounts(ctx, "ada")
	require.NoError(t, err)
	require.Zero(t, counts.TotalUnread)
	require.Len(t, counts.ConversationCounts, 1)

	counts, err = messages.UnreadCounts(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, counts.TotalUnread)
}

func TestMessageRepository_OrderAndEmpty(t *testing.T) {
	db := setupTestDB(t)
	convs, messages, conv := seedPair(t, db)
	ctx := context.Background()

	require.ErrorIs(t, messages.Create(ctx, &models.Message{ConversationID: conv.ID, SenderID: "ada", Content: "  "}), ErrEmptyContent)

	late := time.Date(2026, 1, 2, 10, 0, 1, 500, time.UTC)
	early := time.Date(2026, 1, 2, 10, 0, 1, 0, time.UTC)
	require.NoError(t, messages.Create(ctx, &models.Message{ID: "b", ConversationID: conv.ID, SenderID: "ada", Content: "late", CreatedAt: late}))
	require.NoError(t, messages.Create(ctx, &models.Message{ID: "a", ConversationID: conv.ID, SenderID: "ada", Content: "early", CreatedAt: early}))

	list, err := messages.List(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, "early", list[0].Content)
	require.Equal(t, "late", list[1].Content)

	all, err := convs.ListForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "late", all[0].LastMessage.Content)

	ok, err := convs.IsParticipant(ctx, conv.ID, "carol")
	require.NoError(t, err)
	require.False(t, ok)
}
