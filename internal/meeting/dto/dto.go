// Package dto defines the HTTP request and response shapes.
package dto

import (
	"github.com/vexly/botmanager/internal/launcher"
	"github.com/vexly/botmanager/internal/meeting/models"
)

// RequestBotRequest is the POST /bots body.
type RequestBotRequest struct {
	Platform        string `json:"platform" binding:"required"`
	NativeMeetingID string `json:"native_meeting_id" binding:"required"`
	Passcode        string `json:"passcode,omitempty"`
	BotName         string `json:"bot_name,omitempty"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
}

// UpdateBotConfigRequest is the PUT /bots/.../config body.
type UpdateBotConfigRequest struct {
	Language *string `json:"language,omitempty"`
	Task     *string `json:"task,omitempty"`
}

// MeetingResponse wraps a meeting row for API responses.
type MeetingResponse struct {
	Meeting *models.Meeting `json:"meeting"`
}

// RunningBotsResponse is the GET /bots/status body.
type RunningBotsResponse struct {
	RunningBots []launcher.BotHandle `json:"running_bots"`
}

// ProgressCallback is the body of the joining / awaiting_admission /
// started internal callbacks.
type ProgressCallback struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	ContainerID  string `json:"container_id,omitempty"`
}

// ExitedCallback is the body of the exited internal callback.
type ExitedCallback struct {
	ConnectionID          string         `json:"connection_id" binding:"required"`
	ExitCode              *int           `json:"exit_code" binding:"required"`
	Reason                string         `json:"reason,omitempty"`
	CompletionReason      string         `json:"completion_reason,omitempty"`
	FailureStage          string         `json:"failure_stage,omitempty"`
	ErrorDetails          map[string]any `json:"error_details,omitempty"`
	PlatformSpecificError string         `json:"platform_specific_error,omitempty"`
}

// Callback result discriminators.
const (
	CallbackResultOK      = "ok"
	CallbackResultIgnored = "ignored"
)

// CallbackResponse is returned by all internal callbacks, 200 in both the
// applied and ignored cases.
type CallbackResponse struct {
	Result string `json:"result"`
	Detail string `json:"detail,omitempty"`
}
