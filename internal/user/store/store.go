// Package store resolves API tokens to users.
package store

import (
	"context"
	"errors"

	"github.com/vexly/botmanager/internal/user/models"
)

// ErrNotFound is returned when no user matches the token.
var ErrNotFound = errors.New("user not found")

// Store is the read boundary for API authentication. User provisioning is
// an external admin concern; only the dev seed path writes here.
type Store interface {
	// GetByAPIToken resolves an API key to a user.
	GetByAPIToken(ctx context.Context, token string) (*models.User, error)

	// EnsureSeedUser provisions a development user for the given token if
	// none exists. No-op when the token already resolves.
	EnsureSeedUser(ctx context.Context, token string) error

	Close() error
}
