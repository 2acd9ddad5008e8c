// Package repository persists Meeting and MeetingSession rows and serializes
// the transition audit log into the row's metadata.
package repository

import (
	"context"
	"errors"

	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/status"
)

var (
	// ErrNotFound is returned when no matching row exists.
	ErrNotFound = errors.New("meeting not found")

	// ErrConflict is returned by CreateMeeting when another meeting for the
	// same (user, platform, native id) is already in a non-terminal status.
	ErrConflict = errors.New("active meeting already exists")
)

// TransitionOptions carries the optional effects applied atomically with a
// status transition.
type TransitionOptions struct {
	// Metadata is merged into the audit entry without overwriting the
	// reserved from/to/timestamp/source keys.
	Metadata map[string]any

	// RebindContainerID updates bot_container_id alongside the transition
	// (or alone, when the transition is rejected but the meeting is ACTIVE).
	RebindContainerID *string

	// SetStopRequested sets the pre-active stop latch in the same write.
	SetStopRequested bool

	// LastError is stored under data.last_error (non-zero bot exits).
	LastError map[string]any
}

// Store is the meeting persistence boundary.
type Store interface {
	// CreateMeeting inserts a new row in REQUESTED, enforcing the
	// at-most-one-active-meeting invariant. Returns ErrConflict when
	// another row for the tuple is in the active set.
	CreateMeeting(ctx context.Context, m *models.Meeting) error

	// Get returns a meeting by id.
	Get(ctx context.Context, id string) (*models.Meeting, error)

	// FindLatest returns the most recent meeting for the tuple regardless
	// of status.
	FindLatest(ctx context.Context, userID string, platform models.Platform, nativeID string) (*models.Meeting, error)

	// FindBySessionUID resolves the meeting a bot callback belongs to.
	FindBySessionUID(ctx context.Context, sessionUID string) (*models.Meeting, error)

	// ApplyTransition re-reads the current status, validates the move
	// against the state machine, appends the audit entry, migrates the
	// deprecated plural key, and updates start/end timestamps. It returns
	// the refreshed row and whether the transition was applied; a move
	// rejected by the state machine is (nil-effect, false, nil), not an
	// error.
	ApplyTransition(ctx context.Context, meetingID string, target status.Status, opts TransitionOptions) (*models.Meeting, bool, error)

	// SetBotContainerID persists the runtime handle after launch.
	SetBotContainerID(ctx context.Context, meetingID, containerID string) error

	// SetStopRequested sets the pre-active stop latch.
	SetStopRequested(ctx context.Context, meetingID string) error

	// CountActiveForUser counts the user's meetings in the active set.
	CountActiveForUser(ctx context.Context, userID string) (int, error)

	// RecordSessionStart appends a session row with the current time.
	// Idempotent on (meeting_id, session_uid).
	RecordSessionStart(ctx context.Context, meetingID, sessionUID string) error

	// EarliestSessionUID returns the original connection id, used to route
	// stop commands.
	EarliestSessionUID(ctx context.Context, meetingID string) (string, error)

	// LatestSessionUID returns the current connection id, used to route
	// live reconfigure commands.
	LatestSessionUID(ctx context.Context, meetingID string) (string, error)

	Close() error
}
