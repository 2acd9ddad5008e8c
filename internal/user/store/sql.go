package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vexly/botmanager/internal/db"
	"github.com/vexly/botmanager/internal/user/models"
)

// SQLStore implements Store on SQLite or PostgreSQL through a db.Pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates the store and initializes the schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	store := &SQLStore{pool: pool}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return store, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		api_token TEXT NOT NULL UNIQUE,
		max_concurrent_bots INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// GetByAPIToken resolves an API key to a user.
func (s *SQLStore) GetByAPIToken(ctx context.Context, token string) (*models.User, error) {
	r := s.pool.Reader()
	u := &models.User{}
	err := r.QueryRowContext(ctx, r.Rebind(`
		SELECT id, email, name, api_token, max_concurrent_bots, created_at
		FROM users WHERE api_token = ?
	`), token).Scan(&u.ID, &u.Email, &u.Name, &u.APIToken, &u.MaxConcurrentBots, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// EnsureSeedUser provisions a development user for the token if absent.
func (s *SQLStore) EnsureSeedUser(ctx context.Context, token string) error {
	if _, err := s.GetByAPIToken(ctx, token); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO users (id, email, name, api_token, max_concurrent_bots, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (api_token) DO NOTHING
	`), uuid.New().String(), "dev@localhost", "Development User", token,
		models.DefaultMaxConcurrentBots, time.Now().UTC())
	return err
}
