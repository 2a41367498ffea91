package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidToken covers unknown, revoked and expired refresh tokens.
var ErrInvalidToken = errors.New("invalid refresh token")

// RefreshTokenStore issues and rotates opaque refresh tokens.
type RefreshTokenStore struct {
	db  *DB
	now func() time.Time
}

// NewRefreshTokenStore creates a RefreshTokenStore on db.
func NewRefreshTokenStore(db *DB) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, now: time.Now}
}

// Issue creates a refresh token for userID valid for ttl.
func (s *RefreshTokenStore) Issue(ctx context.Context, userID string, ttl time.Duration) (string, time.Time, error) {
	return s.insert(ctx, s.db.sql, userID, ttl)
}

// Rotate consumes token and issues its replacement. Every token works at most once.
func (s *RefreshTokenStore) Rotate(ctx context.Context, token string, ttl time.Duration) (userID, next string, expiresAt time.Time, err error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", "", time.Time{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var expires string
	err = tx.QueryRowContext(ctx, `SELECT user_id, expires_at FROM refresh_tokens WHERE token = ?`, token).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, ErrInvalidToken
	}
	if err != nil {
		return "", "", time.Time{}, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token); err != nil {
		return "", "", time.Time{}, err
	}
	at, perr := time.Parse(timeLayout, expires)
	if perr != nil || !s.now().Before(at) {
		if err = tx.Commit(); err != nil {
			return "", "", time.Time{}, err
		}
		return "", "", time.Time{}, ErrInvalidToken
	}
	next, expiresAt, err = s.insert(ctx, tx, userID, ttl)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if err = tx.Commit(); err != nil {
		return "", "", time.Time{}, err
	}
	return userID, next, expiresAt, nil
}

// Revoke deletes token. Unknown tokens are ignored.
func (s *RefreshTokenStore) Revoke(ctx context.Context, token string) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *RefreshTokenStore) insert(ctx context.Context, db execer, userID string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	token := uuid.NewString()
	expiresAt := s.now().Add(ttl).UTC()
	_, err := db.ExecContext(ctx, `INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expiresAt.Format(timeLayout))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("insert refresh token: %w", err)
	}
	return token, expiresAt, nil
}
