package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	retryAttempts = 4
	retryBackoff  = 25 * time.Millisecond
)

// WriteTx runs fn in a transaction, retrying while SQLite reports the database busy.
func (db *DB) WriteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return withRetry(ctx, retryAttempts, retryBackoff, func() error {
		return db.Transaction(ctx, fn)
	})
}

// withRetry calls fn until it succeeds, fails with a non-busy error, or runs
// out of attempts. The wait doubles after every busy failure.
func withRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = retryAttempts
	}
	if backoff <= 0 {
		backoff = retryBackoff
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil || !isBusy(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

func isBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "database is busy", "sqlite_busy", "sqlite_locked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
