package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		input string
		want  Platform
		ok    bool
	}{
		{"google_meet", PlatformGoogleMeet, true},
		{"zoom", PlatformZoom, true},
		{"teams", PlatformTeams, true},
		{"  Zoom ", PlatformZoom, true},
		{"GOOGLE_MEET", PlatformGoogleMeet, true},
		{"webex", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := ParsePlatform(tc.input)
		assert.Equal(t, tc.ok, ok, tc.input)
		assert.Equal(t, tc.want, got, tc.input)
	}
}

func TestMeetingURL(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		nativeID string
		passcode string
		want     string
	}{
		{"google meet code", PlatformGoogleMeet, "abc-defg-hij", "", "https://meet.google.com/abc-defg-hij"},
		{"google meet ignores passcode", PlatformGoogleMeet, "abc-defg-hij", "secret", "https://meet.google.com/abc-defg-hij"},
		{"google meet rejects uppercase", PlatformGoogleMeet, "ABC-DEFG-HIJ", "", ""},
		{"google meet rejects wrong shape", PlatformGoogleMeet, "abcd-efg-hij", "", ""},
		{"google meet rejects full url", PlatformGoogleMeet, "https://meet.google.com/abc-defg-hij", "", ""},
		{"zoom numeric id", PlatformZoom, "123456789", "", "https://zoom.us/j/123456789"},
		{"zoom with passcode", PlatformZoom, "123456789", "p w&d", "https://zoom.us/j/123456789?pwd=p+w%26d"},
		{"zoom rejects non-numeric", PlatformZoom, "12a34", "", ""},
		{"teams url verbatim", PlatformTeams, "https://teams.microsoft.com/l/meetup-join/19:meeting", "", "https://teams.microsoft.com/l/meetup-join/19:meeting"},
		{"teams rejects http", PlatformTeams, "http://teams.microsoft.com/x", "", ""},
		{"teams rejects bare id", PlatformTeams, "19:meeting", "", ""},
		{"unknown platform", Platform("webex"), "123", "", ""},
		{"surrounding whitespace is trimmed", PlatformZoom, " 12345 ", "", "https://zoom.us/j/12345"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MeetingURL(tc.platform, tc.nativeID, tc.passcode))
		})
	}
}
