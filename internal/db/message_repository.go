package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/coursechat/internal/models"
)

// Message repository errors.
var (
	ErrEmptyContent = errors.New("message content is required")
)

// MessageRepository handles message and read-mark persistence.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create stores a message, marks it read for its sender, and bumps the
// conversation's activity time.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}
	if msg.ConversationID == "" || msg.SenderID == "" {
		return fmt.Errorf("message conversation and sender are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ReadByCurrentUser = true
	msg.State = models.DeliveryConfirmed

	stamp := formatTime(msg.CreatedAt)
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, stamp); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
		`, msg.ID, msg.SenderID, stamp); err != nil {
			return fmt.Errorf("failed to mark own message read: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?
		`, stamp, msg.ConversationID, stamp); err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
}

// List returns the conversation's messages oldest first, with read flags
// computed for viewerID.
func (r *MessageRepository) List(ctx context.Context, conversationID, viewerID string) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.name, ''), m.content, m.created_at,
			EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at, m.id
	`, viewerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg       models.Message
			createdAt string
			read      int
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Content, &createdAt, &read); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = parseTime(createdAt)
		msg.ReadByCurrentUser = read != 0 || msg.SenderID == viewerID
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkRead records every message of the conversation as read by userID and
// returns how many marks were added.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error) {
	var added int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
			SELECT id, ?, ? FROM messages WHERE conversation_id = ?
		`, userID, formatTime(at), conversationID)
		if err != nil {
			return fmt.Errorf("failed to mark read: %w", err)
		}
		added, _ = res.RowsAffected()
		return nil
	})
	return added, err
}

// UnreadCounts returns per-conversation unread counts for userID. Every
// conversation the user participates in is listed, including zero counts.
func (r *MessageRepository) UnreadCounts(ctx context.Context, userID string) (models.UnreadCounts, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.conversation_id, COUNT(m.id)
		FROM participants p
		LEFT JOIN messages m ON m.conversation_id = p.conversation_id
			AND m.sender_id != p.user_id
			AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = p.user_id)
		WHERE p.user_id = ?
		GROUP BY p.conversation_id
		ORDER BY p.conversation_id
	`, userID)
	if err != nil {
		return models.UnreadCounts{}, fmt.Errorf("failed to count unread: %w", err)
	}
	defer rows.Close()

	out := models.UnreadCounts{ConversationCounts: []models.ConversationUnread{}}
	for rows.Next() {
		var entry models.ConversationUnread
		if err := rows.Scan(&entry.ConversationID, &entry.UnreadCount); err != nil {
			return models.UnreadCounts{}, fmt.Errorf("failed to scan unread count: %w", err)
		}
		out.TotalUnread += entry.UnreadCount
		out.ConversationCounts = append(out.ConversationCounts, entry)
	}
	return out, rows.Err()
}
