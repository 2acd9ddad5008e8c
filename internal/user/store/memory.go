package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vexly/botmanager/internal/user/models"
)

// MemoryStore implements Store in process memory, for tests and dev mode.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*models.User // keyed by api token
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*models.User)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Add registers a user directly; test helper.
func (s *MemoryStore) Add(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	s.users[u.APIToken] = u
}

// GetByAPIToken resolves an API key to a user.
func (s *MemoryStore) GetByAPIToken(_ context.Context, token string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// EnsureSeedUser provisions a development user for the token if absent.
func (s *MemoryStore) EnsureSeedUser(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[token]; ok {
		return nil
	}
	s.users[token] = &models.User{
		ID:                uuid.New().String(),
		Email:             "dev@localhost",
		Name:              "Development User",
		APIToken:          token,
		MaxConcurrentBots: models.DefaultMaxConcurrentBots,
		CreatedAt:         time.Now().UTC(),
	}
	return nil
}
