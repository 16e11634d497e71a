package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/coursechat/internal/models"
)

// Conversation repository errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidConversation  = errors.New("invalid conversation")
)

type querier interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

// ConversationRepository handles conversation persistence.
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create stores a conversation and its participants. ID and timestamps are
// assigned when empty.
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || len(conv.Participants) == 0 {
		return fmt.Errorf("%w: at least one participant is required", ErrInvalidConversation)
	}
	if conv.Type == "" {
		conv.Type = models.ConversationTypeDirect
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now().UTC()
	}

	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		var courseID *string
		if conv.Course != nil && conv.Course.ID != "" {
			courseID = &conv.Course.ID
		}
		stamp := formatTime(conv.UpdatedAt)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, type, subject, course_id, is_resolved, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, conv.ID, string(conv.Type), conv.Subject, courseID, boolToInt(conv.IsResolved), stamp, stamp)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}

		for i, p := range conv.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO participants (conversation_id, user_id, position) VALUES (?, ?, ?)
			`, conv.ID, p.ID, i); err != nil {
				return fmt.Errorf("failed to insert participant %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// Get loads a conversation as seen by viewerID, including its last message
// and the viewer's unread count.
func (r *ConversationRepository) Get(ctx context.Context, id, viewerID string) (models.Conversation, error) {
	var (
		conv        models.Conversation
		convType    string
		courseID    sql.NullString
		courseTitle sql.NullString
		resolved    int
		updatedAt   string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id, c.type, c.subject, c.course_id, co.title, c.is_resolved, c.updated_at
		FROM conversations c
		LEFT JOIN courses co ON co.id = c.course_id
		WHERE c.id = ?
	`, id).Scan(&conv.ID, &convType, &conv.Subject, &courseID, &courseTitle, &resolved, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv.Type = models.ConversationType(convType)
	conv.IsResolved = resolved != 0
	conv.UpdatedAt = parseTime(updatedAt)
	if courseID.Valid {
		conv.Course = &models.CourseRef{ID: courseID.String, Title: courseTitle.String}
	}

	if conv.Participants, err = r.participants(ctx, r.db, id); err != nil {
		return models.Conversation{}, err
	}
	if conv.LastMessage, err = lastMessage(ctx, r.db, id); err != nil {
		return models.Conversation{}, err
	}
	if conv.UnreadCount, err = unreadFor(ctx, r.db, id, viewerID); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListForUser returns the conversations userID participates in, most recent first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.Get(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return n > 0, nil
}

// Participants returns the ordered participants of a conversation.
func (r *ConversationRepository) Participants(ctx context.Context, conversationID string) ([]models.UserRef, error) {
	return r.participants(ctx, r.db, conversationID)
}

// SetResolved flips the resolved flag of a support conversation.
func (r *ConversationRepository) SetResolved(ctx context.Context, id string, resolved bool) error {
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET is_resolved = ?, updated_at = ? WHERE id = ?
		`, boolToInt(resolved), formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
}

func (r *ConversationRepository) participants(ctx context.Context, q querier, conversationID string) ([]models.UserRef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.name, u.role FROM participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ?
		ORDER BY p.position
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	defer rows.Close()

	var out []models.UserRef
	for rows.Next() {
		var u models.UserRef
		if err := rows.Scan(&u.ID, &u.Name, &u.Role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func lastMessage(ctx context.Context, q querier, conversationID string) (*models.LastMessage, error) {
	var (
		last      models.LastMessage
		createdAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT content, sender_id, created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID).Scan(&last.Content, &last.SenderID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}
	last.CreatedAt = parseTime(createdAt)
	return &last, nil
}

func unreadFor(ctx context.Context, q querier, conversationID, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
	`, conversationID, userID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return n, nil
}
