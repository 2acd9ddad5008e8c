package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Run("allows the normal lifecycle", func(t *testing.T) {
		path := []Status{Requested, Joining, AwaitingAdmission, Active, Completed}
		for i := 0; i < len(path)-1; i++ {
			assert.True(t, CanTransition(path[i], path[i+1]),
				"%s -> %s should be allowed", path[i], path[i+1])
		}
	})

	t.Run("allows skipping awaiting_admission", func(t *testing.T) {
		assert.True(t, CanTransition(Joining, Active))
	})

	t.Run("allows failing from any non-terminal state", func(t *testing.T) {
		for _, from := range []Status{Requested, Joining, AwaitingAdmission, Active} {
			assert.True(t, CanTransition(from, Failed), "%s -> failed", from)
		}
	})

	t.Run("allows completing before activation", func(t *testing.T) {
		// User-initiated stop can complete a meeting that never went active.
		for _, from := range []Status{Requested, Joining, AwaitingAdmission} {
			assert.True(t, CanTransition(from, Completed), "%s -> completed", from)
		}
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		for _, from := range []Status{Completed, Failed} {
			for _, to := range []Status{Requested, Joining, AwaitingAdmission, Active, Completed, Failed} {
				assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
			}
		}
	})

	t.Run("rejects regressions", func(t *testing.T) {
		assert.False(t, CanTransition(Active, Joining))
		assert.False(t, CanTransition(AwaitingAdmission, Joining))
		assert.False(t, CanTransition(Joining, Requested))
	})

	t.Run("rejects unknown states", func(t *testing.T) {
		assert.False(t, CanTransition(Status("stopping"), Completed))
		assert.False(t, CanTransition(Requested, Status("stopping")))
	})
}

func TestValid(t *testing.T) {
	for _, s := range []Status{Requested, Joining, AwaitingAdmission, Active, Completed, Failed} {
		assert.True(t, Valid(s), string(s))
	}
	assert.False(t, Valid(Status("unknown")))
	assert.False(t, Valid(Status("")))
}

func TestTerminalAndActiveSets(t *testing.T) {
	assert.True(t, IsTerminal(Completed))
	assert.True(t, IsTerminal(Failed))
	assert.False(t, IsTerminal(Active))

	for _, s := range []Status{Requested, Joining, AwaitingAdmission, Active} {
		assert.True(t, IsActive(s), string(s))
	}
	assert.False(t, IsActive(Completed))
	assert.False(t, IsActive(Failed))

	for _, s := range []Status{Requested, Joining, AwaitingAdmission} {
		assert.True(t, IsPreActive(s), string(s))
	}
	assert.False(t, IsPreActive(Active))
	assert.False(t, IsPreActive(Completed))
}

func TestClassifySource(t *testing.T) {
	tests := []struct {
		from, to Status
		want     Source
	}{
		{Requested, Joining, SourceBot},
		{Joining, AwaitingAdmission, SourceBot},
		{AwaitingAdmission, Active, SourceBot},
		{Joining, Active, SourceBot},
		{Active, Completed, SourceBot},
		{Requested, Completed, SourceUser},
		{Joining, Completed, SourceUser},
		{AwaitingAdmission, Completed, SourceUser},
		{Active, Failed, SourceBot},
		{Requested, Failed, SourceSystem},
		{Joining, Failed, SourceSystem},
		{AwaitingAdmission, Failed, SourceSystem},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ClassifySource(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestNewTransitionEntry(t *testing.T) {
	t.Run("records the transition with a UTC timestamp", func(t *testing.T) {
		entry := NewTransitionEntry(Requested, Joining, nil)

		assert.Equal(t, string(Requested), entry["from"])
		assert.Equal(t, string(Joining), entry["to"])
		assert.Equal(t, string(SourceBot), entry["source"])

		ts, ok := entry["timestamp"].(string)
		require.True(t, ok)
		parsed, err := time.Parse(time.RFC3339, ts)
		require.NoError(t, err)
		assert.Equal(t, time.UTC, parsed.Location())
	})

	t.Run("merges metadata without overwriting reserved keys", func(t *testing.T) {
		entry := NewTransitionEntry(Active, Completed, map[string]any{
			"completion_reason": CompletionEveryoneLeft,
			"from":              "spoofed",
			"timestamp":         "spoofed",
			"skipped":           nil,
		})

		assert.Equal(t, string(Active), entry["from"])
		assert.NotEqual(t, "spoofed", entry["timestamp"])
		assert.Equal(t, CompletionEveryoneLeft, entry["completion_reason"])
		_, present := entry["skipped"]
		assert.False(t, present, "nil metadata values must be skipped")
	})
}
