// Package models defines the meeting domain types.
package models

import (
	"time"

	"github.com/vexly/botmanager/internal/meeting/status"
)

// Keys in the Meeting.Data metadata bag.
const (
	DataKeyPasscode      = "passcode"
	DataKeyStopRequested = "stop_requested"
	DataKeyLastError     = "last_error"

	// DataKeyTransitions is the canonical append-only audit list.
	DataKeyTransitions = "status_transition"
	// DataKeyTransitionsDeprecated is the old plural key, migrated into
	// the canonical list on every write.
	DataKeyTransitionsDeprecated = "status_transitions"
)

// Meeting is one bot attempt on one video-conference, the single
// authoritative row the lifecycle is validated against.
type Meeting struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	Platform           Platform       `json:"platform"`
	PlatformSpecificID string         `json:"platform_specific_id"`
	Status             status.Status  `json:"status"`
	BotContainerID     *string        `json:"bot_container_id,omitempty"`
	StartTime          *time.Time     `json:"start_time,omitempty"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	Data               map[string]any `json:"data"`
}

// StopRequested reports whether the pre-active stop latch is set.
func (m *Meeting) StopRequested() bool {
	v, ok := m.Data[DataKeyStopRequested].(bool)
	return ok && v
}

// Transitions returns the audit list, tolerating both []any (as decoded
// from JSON) and []map[string]any (as built in memory).
func (m *Meeting) Transitions() []map[string]any {
	raw, ok := m.Data[DataKeyTransitions]
	if !ok {
		return nil
	}
	switch list := raw.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				out = append(out, entry)
			}
		}
		return out
	default:
		return nil
	}
}

// CloneData returns a fresh shallow copy of the metadata bag. Stores must
// write a rebuilt map so JSON column mutation is always detected.
func (m *Meeting) CloneData() map[string]any {
	data := make(map[string]any, len(m.Data)+1)
	for k, v := range m.Data {
		data[k] = v
	}
	return data
}

// MeetingSession is one bot incarnation within a Meeting, keyed by the
// session uid generated at launch.
type MeetingSession struct {
	MeetingID        string    `json:"meeting_id"`
	SessionUID       string    `json:"session_uid"`
	SessionStartTime time.Time `json:"session_start_time"`
}
