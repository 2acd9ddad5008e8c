package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	t.Run("builds plain subjects", func(t *testing.T) {
		assert.Equal(t, "meetings.status.zoom.12345", StatusSubject("zoom", "12345"))
		assert.Equal(t, "bot.commands.uid-1", CommandSubject("uid-1"))
		assert.Equal(t, "google_meet.abc-defg-hij", SessionCacheKey("google_meet", "abc-defg-hij"))
	})

	t.Run("sanitizes tokens that would break the subject hierarchy", func(t *testing.T) {
		// Teams native ids are full URLs.
		subject := StatusSubject("teams", "https://teams.microsoft.com/l/meetup-join/19:meeting")
		assert.Equal(t, "meetings.status.teams.https___teams_microsoft_com_l_meetup-join_19_meeting", subject)
		assert.NotContains(t, subject[len("meetings.status.teams."):], "/")
	})
}

func TestStatusEventWire(t *testing.T) {
	event := NewStatusEvent("google_meet", "abc-defg-hij", "active")
	data, err := Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "meeting.status", decoded["type"])
	meeting, ok := decoded["meeting"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "google_meet", meeting["platform"])
	assert.Equal(t, "abc-defg-hij", meeting["native_id"])
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "active", payload["status"])
	assert.Contains(t, decoded, "ts")
}

func TestCommandWire(t *testing.T) {
	t.Run("leave", func(t *testing.T) {
		data, err := Marshal(NewLeaveCommand())
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"leave"}`, string(data))
	})

	t.Run("reconfigure omits unset fields", func(t *testing.T) {
		language := "en"
		data, err := Marshal(NewReconfigureCommand("uid-1", &language, nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"action":"reconfigure","uid":"uid-1","language":"en"}`, string(data))
	})
}
