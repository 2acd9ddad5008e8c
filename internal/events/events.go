// Package events defines the bus subjects and wire payloads for meeting
// status fan-out and bot command routing.
package events

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// KV bucket for the meeting -> current session routing cache.
const (
	SessionCacheBucket = "meeting_current_session"
	SessionCacheTTL    = 24 * time.Hour
)

// EventTypeMeetingStatus is the type discriminator on status events.
const EventTypeMeetingStatus = "meeting.status"

// Command actions understood by bots.
const (
	ActionLeave       = "leave"
	ActionReconfigure = "reconfigure"
)

var subjectTokenSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeToken makes an arbitrary string safe as a single NATS subject
// token. Teams native ids are full URLs, which would otherwise inject
// subject hierarchy separators.
func sanitizeToken(s string) string {
	return subjectTokenSanitizer.ReplaceAllString(s, "_")
}

// StatusSubject returns the status fan-out subject for a meeting.
func StatusSubject(platform, nativeID string) string {
	return fmt.Sprintf("meetings.status.%s.%s", sanitizeToken(platform), sanitizeToken(nativeID))
}

// CommandSubject returns the command subject for a bot session.
func CommandSubject(sessionUID string) string {
	return fmt.Sprintf("bot.commands.%s", sanitizeToken(sessionUID))
}

// SessionCacheKey returns the KV key for a meeting's current session uid.
func SessionCacheKey(platform, nativeID string) string {
	return sanitizeToken(platform) + "." + sanitizeToken(nativeID)
}

// MeetingRef identifies a meeting on the wire.
type MeetingRef struct {
	Platform string `json:"platform"`
	NativeID string `json:"native_id"`
}

// StatusPayload carries the new status value.
type StatusPayload struct {
	Status string `json:"status"`
}

// StatusEvent is published on the meeting's status subject for every
// committed status change.
type StatusEvent struct {
	Type    string        `json:"type"`
	Meeting MeetingRef    `json:"meeting"`
	Payload StatusPayload `json:"payload"`
	TS      time.Time     `json:"ts"`
}

// NewStatusEvent builds a status event with the current UTC timestamp.
func NewStatusEvent(platform, nativeID, status string) StatusEvent {
	return StatusEvent{
		Type:    EventTypeMeetingStatus,
		Meeting: MeetingRef{Platform: platform, NativeID: nativeID},
		Payload: StatusPayload{Status: status},
		TS:      time.Now().UTC(),
	}
}

// LeaveCommand tells a bot to leave its meeting.
type LeaveCommand struct {
	Action string `json:"action"`
}

// NewLeaveCommand builds a leave command payload.
func NewLeaveCommand() LeaveCommand {
	return LeaveCommand{Action: ActionLeave}
}

// ReconfigureCommand tells a bot to change language/task mid-meeting.
type ReconfigureCommand struct {
	Action   string  `json:"action"`
	UID      string  `json:"uid"`
	Language *string `json:"language,omitempty"`
	Task     *string `json:"task,omitempty"`
}

// NewReconfigureCommand builds a reconfigure command for the given session.
func NewReconfigureCommand(sessionUID string, language, task *string) ReconfigureCommand {
	return ReconfigureCommand{
		Action:   ActionReconfigure,
		UID:      sessionUID,
		Language: language,
		Task:     task,
	}
}

// Marshal serializes a bus payload.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bus payload: %w", err)
	}
	return data, nil
}
