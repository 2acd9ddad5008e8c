package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexly/botmanager/internal/common/config"
	"github.com/vexly/botmanager/internal/db"
	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/status"
)

func newSQLTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewSQLStore(pool)
	require.NoError(t, err)
	return store
}

func TestSQLStoreCreateMeeting(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id, status, and created_at", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		assert.NotEmpty(t, m.ID)
		assert.Equal(t, status.Requested, m.Status)
		assert.False(t, m.CreatedAt.IsZero())

		got, err := store.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, status.Requested, got.Status)
		assert.NotNil(t, got.Data)
		assert.Nil(t, got.StartTime)
		assert.Nil(t, got.EndTime)
		assert.Nil(t, got.BotContainerID)
	})

	t.Run("rejects a second active meeting for the tuple", func(t *testing.T) {
		store := newSQLTestStore(t)
		newTestMeeting(t, store)

		dup := &models.Meeting{
			UserID:             "user-1",
			Platform:           models.PlatformGoogleMeet,
			PlatformSpecificID: "abc-defg-hij",
		}
		assert.ErrorIs(t, store.CreateMeeting(ctx, dup), ErrConflict)
	})

	t.Run("allows a new meeting once the previous one is terminal", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		_, applied, err := store.ApplyTransition(ctx, m.ID, status.Completed, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		next := &models.Meeting{
			UserID:             "user-1",
			Platform:           models.PlatformGoogleMeet,
			PlatformSpecificID: "abc-defg-hij",
		}
		assert.NoError(t, store.CreateMeeting(ctx, next))
	})

	t.Run("allows the same native id for a different user", func(t *testing.T) {
		store := newSQLTestStore(t)
		newTestMeeting(t, store)

		other := &models.Meeting{
			UserID:             "user-2",
			Platform:           models.PlatformGoogleMeet,
			PlatformSpecificID: "abc-defg-hij",
		}
		assert.NoError(t, store.CreateMeeting(ctx, other))
	})
}

func TestSQLStoreApplyTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("appends an audit entry per transition", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		_, applied, err := store.ApplyTransition(ctx, m.ID, status.Joining, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		updated, applied, err := store.ApplyTransition(ctx, m.ID, status.Active, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		entries := updated.Transitions()
		require.Len(t, entries, 2)
		assert.Equal(t, "requested", entries[0]["from"])
		assert.Equal(t, "joining", entries[0]["to"])
		assert.Equal(t, "joining", entries[1]["from"])
		assert.Equal(t, "active", entries[1]["to"])
		assert.Equal(t, "bot", entries[1]["source"])
	})

	t.Run("reports invalid transitions without error", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		_, applied, err := store.ApplyTransition(ctx, m.ID, status.Completed, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		current, applied, err := store.ApplyTransition(ctx, m.ID, status.Active, TransitionOptions{})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, status.Completed, current.Status)

		// The rejected transition must not be visible to later readers.
		got, err := store.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Completed, got.Status)
		assert.Len(t, got.Transitions(), 1)
	})

	t.Run("sets start_time on first activation only", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		first, applied, err := store.ApplyTransition(ctx, m.ID, status.Active, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)
		require.NotNil(t, first.StartTime)

		done, applied, err := store.ApplyTransition(ctx, m.ID, status.Completed, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)
		assert.Equal(t, first.StartTime.Unix(), done.StartTime.Unix())
		require.NotNil(t, done.EndTime)
		assert.False(t, done.EndTime.Before(*done.StartTime))
	})

	t.Run("migrates the deprecated plural audit key through storage", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := &models.Meeting{
			UserID:             "user-1",
			Platform:           models.PlatformZoom,
			PlatformSpecificID: "12345",
			Data: map[string]any{
				models.DataKeyTransitionsDeprecated: []any{
					map[string]any{"from": "requested", "to": "joining"},
				},
			},
		}
		require.NoError(t, store.CreateMeeting(ctx, m))

		// The legacy key round-trips through the persisted JSON column
		// before the migration reads it back.
		updated, applied, err := store.ApplyTransition(ctx, m.ID, status.Joining, TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		_, legacyPresent := updated.Data[models.DataKeyTransitionsDeprecated]
		assert.False(t, legacyPresent, "deprecated key must be removed")

		entries := updated.Transitions()
		require.Len(t, entries, 2)
		assert.Equal(t, "joining", entries[0]["to"], "legacy entries keep their order")
		assert.Equal(t, "requested", entries[1]["from"])

		got, err := store.Get(ctx, m.ID)
		require.NoError(t, err)
		_, legacyPresent = got.Data[models.DataKeyTransitionsDeprecated]
		assert.False(t, legacyPresent)
		assert.Len(t, got.Transitions(), 2)
	})

	t.Run("applies stop latch, last error, and rebind options", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)
		containerID := "container-2"

		updated, applied, err := store.ApplyTransition(ctx, m.ID, status.Failed, TransitionOptions{
			RebindContainerID: &containerID,
			SetStopRequested:  true,
			LastError:         map[string]any{"exit_code": 2},
		})
		require.NoError(t, err)
		require.True(t, applied)

		assert.True(t, updated.StopRequested())
		require.NotNil(t, updated.BotContainerID)
		assert.Equal(t, containerID, *updated.BotContainerID)
		lastError, ok := updated.Data[models.DataKeyLastError].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 2, lastError["exit_code"])
	})

	t.Run("returns not found for unknown meetings", func(t *testing.T) {
		store := newSQLTestStore(t)
		_, _, err := store.ApplyTransition(ctx, "missing", status.Joining, TransitionOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStoreFindLatest(t *testing.T) {
	ctx := context.Background()
	store := newSQLTestStore(t)

	first := newTestMeeting(t, store)
	_, applied, err := store.ApplyTransition(ctx, first.ID, status.Completed, TransitionOptions{})
	require.NoError(t, err)
	require.True(t, applied)

	second := &models.Meeting{
		UserID:             "user-1",
		Platform:           models.PlatformGoogleMeet,
		PlatformSpecificID: "abc-defg-hij",
	}
	require.NoError(t, store.CreateMeeting(ctx, second))

	latest, err := store.FindLatest(ctx, "user-1", models.PlatformGoogleMeet, "abc-defg-hij")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = store.FindLatest(ctx, "user-1", models.PlatformZoom, "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("records sessions idempotently", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		require.NoError(t, store.RecordSessionStart(ctx, m.ID, "uid-1"))
		require.NoError(t, store.RecordSessionStart(ctx, m.ID, "uid-1"))
		require.NoError(t, store.RecordSessionStart(ctx, m.ID, "uid-2"))

		earliest, err := store.EarliestSessionUID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "uid-1", earliest)

		latest, err := store.LatestSessionUID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "uid-2", latest)
	})

	t.Run("resolves meetings by session uid", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)
		require.NoError(t, store.RecordSessionStart(ctx, m.ID, "uid-1"))

		found, err := store.FindBySessionUID(ctx, "uid-1")
		require.NoError(t, err)
		assert.Equal(t, m.ID, found.ID)

		_, err = store.FindBySessionUID(ctx, "uid-unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("errors when no session exists", func(t *testing.T) {
		store := newSQLTestStore(t)
		m := newTestMeeting(t, store)

		_, err := store.EarliestSessionUID(ctx, m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLStoreCountActiveForUser(t *testing.T) {
	ctx := context.Background()
	store := newSQLTestStore(t)

	m := newTestMeeting(t, store)
	other := &models.Meeting{
		UserID:             "user-1",
		Platform:           models.PlatformZoom,
		PlatformSpecificID: "12345",
	}
	require.NoError(t, store.CreateMeeting(ctx, other))

	count, err := store.CountActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, applied, err := store.ApplyTransition(ctx, m.ID, status.Failed, TransitionOptions{})
	require.NoError(t, err)
	require.True(t, applied)

	count, err = store.CountActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountActiveForUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLStoreStopRequestedLatch(t *testing.T) {
	ctx := context.Background()
	store := newSQLTestStore(t)
	m := newTestMeeting(t, store)

	require.NoError(t, store.SetStopRequested(ctx, m.ID))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.StopRequested())

	assert.ErrorIs(t, store.SetStopRequested(ctx, "missing"), ErrNotFound)
}

func TestSQLStoreSetBotContainerID(t *testing.T) {
	ctx := context.Background()
	store := newSQLTestStore(t)
	m := newTestMeeting(t, store)

	require.NoError(t, store.SetBotContainerID(ctx, m.ID, "container-1"))

	got, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BotContainerID)
	assert.Equal(t, "container-1", *got.BotContainerID)

	assert.ErrorIs(t, store.SetBotContainerID(ctx, "missing", "container-1"), ErrNotFound)
}
