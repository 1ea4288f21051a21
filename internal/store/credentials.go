package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Token returns the stored session token, or "" when signed out.
func (db *DB) Token(ctx context.Context) (string, error) {
	var token string
	err := db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// UserID returns the user id stored with the token.
func (db *DB) UserID(ctx context.Context) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT user_id FROM credentials WHERE id = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read user id: %w", err)
	}
	return id, nil
}

// SetToken stores the session token and the user it belongs to.
func (db *DB) SetToken(ctx context.Context, token, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (id, token, user_id, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, user_id = excluded.user_id, updated_at = excluded.updated_at`,
		token, userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// ClearToken signs out.
func (db *DB) ClearToken(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// MemoryCredentials is an in-memory credential store.
type MemoryCredentials struct {
	mu     sync.Mutex
	token  string
	userID string
}

func (m *MemoryCredentials) Token(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryCredentials) UserID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID, nil
}

func (m *MemoryCredentials) SetToken(_ context.Context, token, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.userID = token, userID
	return nil
}

func (m *MemoryCredentials) ClearToken(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.userID = "", ""
	return nil
}
