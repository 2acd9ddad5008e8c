// Package launcher is the pluggable runtime boundary: it starts and stops
// bot workloads on Docker or Nomad, verifies liveness, and enumerates a
// user's running bots. It never mutates the meeting store.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vexly/botmanager/internal/meeting/models"
)

var (
	// ErrLimitExceeded is returned when launching would exceed the user's
	// concurrent-bot cap as measured against runtime truth.
	ErrLimitExceeded = errors.New("concurrent bot limit exceeded")

	// ErrNoHandle is returned when the runtime reports success without a
	// usable workload handle.
	ErrNoHandle = errors.New("runtime returned no workload handle")
)

// Container labels identifying bot workloads.
const (
	LabelManagedBy       = "vexly.managed_by"
	LabelUserID          = "vexly.user_id"
	LabelMeetingID       = "vexly.meeting_id"
	LabelPlatform        = "vexly.platform"
	LabelNativeMeetingID = "vexly.native_meeting_id"

	managedByValue = "botmanager"
)

// StartRequest carries everything a runtime needs to launch one bot.
type StartRequest struct {
	UserID          string
	MeetingID       string
	MeetingURL      string
	Platform        models.Platform
	NativeMeetingID string
	BotName         string
	UserToken       string
	Language        string
	Task            string

	// MaxConcurrentBots is the caller's cap; 0 disables the runtime check.
	MaxConcurrentBots int
}

// Validate rejects inputs that cannot safely cross the runtime boundary.
func (r StartRequest) Validate() error {
	required := map[string]string{
		"user_id":           r.UserID,
		"meeting_id":        r.MeetingID,
		"meeting_url":       r.MeetingURL,
		"platform":          string(r.Platform),
		"native_meeting_id": r.NativeMeetingID,
		"user_token":        r.UserToken,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("launch field %s is empty", name)
		}
	}
	for name, value := range map[string]string{
		"native_meeting_id": r.NativeMeetingID,
		"bot_name":          r.BotName,
		"language":          r.Language,
		"task":              r.Task,
	} {
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("launch field %s contains line breaks", name)
		}
	}
	return nil
}

// BotHandle is the launcher's view of one running bot.
type BotHandle struct {
	Platform        string            `json:"platform"`
	NativeMeetingID string            `json:"native_meeting_id"`
	Handle          string            `json:"handle"`
	CreatedAt       time.Time         `json:"created_at"`
	Labels          map[string]string `json:"labels"`
}

// Launcher is the runtime capability set. The variant (direct container
// engine vs. cluster job dispatch) is selected at startup.
type Launcher interface {
	// StartBot launches a bot workload with a fresh session uid and returns
	// (runtime handle, session uid).
	StartBot(ctx context.Context, req StartRequest) (string, string, error)

	// StopBot stops a workload. Idempotent on "already gone".
	StopBot(ctx context.Context, handle string) error

	// VerifyRunning reports whether the workload is still alive.
	VerifyRunning(ctx context.Context, handle string) (bool, error)

	// ListRunningBots enumerates the user's live bots from runtime truth.
	ListRunningBots(ctx context.Context, userID string) ([]BotHandle, error)
}

// botEnvConfig is the BOT_CONFIG environment contract consumed by the bot.
type botEnvConfig struct {
	MeetingURL      string `json:"meeting_url"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	BotName         string `json:"bot_name,omitempty"`
	Token           string `json:"token"`
	ConnectionID    string `json:"connection_id"`
	MeetingID       string `json:"meeting_id"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
	CallbackBaseURL string `json:"callback_base_url"`
}

func encodeBotConfig(req StartRequest, sessionUID, callbackBaseURL string) (string, error) {
	cfg := botEnvConfig{
		MeetingURL:      req.MeetingURL,
		Platform:        string(req.Platform),
		NativeMeetingID: req.NativeMeetingID,
		BotName:         req.BotName,
		Token:           req.UserToken,
		ConnectionID:    sessionUID,
		MeetingID:       req.MeetingID,
		Language:        req.Language,
		Task:            req.Task,
		CallbackBaseURL: callbackBaseURL,
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode bot config: %w", err)
	}
	return string(encoded), nil
}

func botLabels(req StartRequest) map[string]string {
	return map[string]string{
		LabelManagedBy:       managedByValue,
		LabelUserID:          req.UserID,
		LabelMeetingID:       req.MeetingID,
		LabelPlatform:        string(req.Platform),
		LabelNativeMeetingID: req.NativeMeetingID,
	}
}

// checkCapacity enforces the per-user cap against runtime truth.
func checkCapacity(ctx context.Context, l Launcher, userID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	running, err := l.ListRunningBots(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to count running bots: %w", err)
	}
	if len(running) >= limit {
		return ErrLimitExceeded
	}
	return nil
}
