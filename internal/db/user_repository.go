package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/coursechat/internal/models"
)

// UserRepository stores users and courses.
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// Upsert inserts or renames a user.
func (r *UserRepository) Upsert(ctx context.Context, user models.UserRef) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, name, role) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
		`, user.ID, user.Name, user.Role)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// Get loads a user by id.
func (r *UserRepository) Get(ctx context.Context, id string) (models.UserRef, error) {
	var user models.UserRef
	err := r.db.QueryRowContext(ctx, `SELECT id, name, role FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Name, &user.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserRef{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.UserRef{}, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// List returns every user ordered by id.
func (r *UserRepository) List(ctx context.Context) ([]models.UserRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, role FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.UserRef
	for rows.Next() {
		var user models.UserRef
		if err := rows.Scan(&user.ID, &user.Name, &user.Role); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpsertCourse inserts or retitles a course.
func (r *UserRepository) UpsertCourse(ctx context.Context, course models.CourseRef) error {
	if strings.TrimSpace(course.ID) == "" {
		return fmt.Errorf("course id is required")
	}
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO courses (id, title) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title
		`, course.ID, course.Title)
		if err != nil {
			return fmt.Errorf("failed to upsert course: %w", err)
		}
		return nil
	})
}
