package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/config"
	"github.com/vexly/botmanager/internal/common/logger"
)

// NomadLauncher dispatches bots as parameterized Nomad jobs over the Nomad
// HTTP API. The runtime handle is the dispatched job id.
type NomadLauncher struct {
	addr            string
	jobName         string
	callbackBaseURL string
	httpClient      *http.Client
	logger          *logger.Logger
}

// NewNomadLauncher creates a Nomad-backed launcher.
func NewNomadLauncher(cfg config.NomadConfig, callbackBaseURL string, log *logger.Logger) *NomadLauncher {
	return &NomadLauncher{
		addr:            strings.TrimRight(cfg.Address, "/"),
		jobName:         cfg.JobName,
		callbackBaseURL: callbackBaseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		logger:          log,
	}
}

type nomadDispatchRequest struct {
	Meta map[string]string `json:"Meta"`
}

type nomadDispatchResponse struct {
	DispatchedJobID string `json:"DispatchedJobID"`
	EvalID          string `json:"EvalID"`
}

type nomadJob struct {
	ID     string            `json:"ID"`
	Status string            `json:"Status"`
	Meta   map[string]string `json:"Meta"`
}

// StartBot dispatches the parameterized bot job with launch metadata and
// returns (dispatched job id, session uid).
func (l *NomadLauncher) StartBot(ctx context.Context, req StartRequest) (string, string, error) {
	if err := req.Validate(); err != nil {
		return "", "", err
	}
	if err := checkCapacity(ctx, l, req.UserID, req.MaxConcurrentBots); err != nil {
		return "", "", err
	}

	sessionUID := uuid.New().String()
	botConfig, err := encodeBotConfig(req, sessionUID, l.callbackBaseURL)
	if err != nil {
		return "", "", err
	}

	meta := map[string]string{
		"user_id":           req.UserID,
		"meeting_id":        req.MeetingID,
		"meeting_url":       req.MeetingURL,
		"platform":          string(req.Platform),
		"bot_name":          req.BotName,
		"user_token":        req.UserToken,
		"native_meeting_id": req.NativeMeetingID,
		"connection_id":     sessionUID,
		"language":          req.Language,
		"task":              req.Task,
		"bot_config":        botConfig,
		"callback_base_url": l.callbackBaseURL,
	}

	var resp nomadDispatchResponse
	endpoint := fmt.Sprintf("%s/v1/job/%s/dispatch", l.addr, url.PathEscape(l.jobName))
	if err := l.do(ctx, http.MethodPost, endpoint, nomadDispatchRequest{Meta: meta}, &resp); err != nil {
		return "", "", fmt.Errorf("nomad dispatch failed: %w", err)
	}
	if resp.DispatchedJobID == "" {
		return "", "", ErrNoHandle
	}

	l.logger.Info("Bot job dispatched",
		zap.String("dispatched_job_id", resp.DispatchedJobID),
		zap.String("session_uid", sessionUID),
		zap.String("meeting_id", req.MeetingID),
	)
	return resp.DispatchedJobID, sessionUID, nil
}

// StopBot deregisters the dispatched job. Missing jobs are not an error.
func (l *NomadLauncher) StopBot(ctx context.Context, handle string) error {
	endpoint := fmt.Sprintf("%s/v1/job/%s", l.addr, url.PathEscape(handle))
	err := l.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if isNomadNotFound(err) {
		return nil
	}
	return err
}

// VerifyRunning reports whether the dispatched job is still running.
func (l *NomadLauncher) VerifyRunning(ctx context.Context, handle string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/job/%s", l.addr, url.PathEscape(handle))
	var job nomadJob
	err := l.do(ctx, http.MethodGet, endpoint, nil, &job)
	if isNomadNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.Status == "running", nil
}

// ListRunningBots enumerates dispatched jobs of the bot job family and
// filters by the user id in their dispatch metadata.
func (l *NomadLauncher) ListRunningBots(ctx context.Context, userID string) ([]BotHandle, error) {
	endpoint := fmt.Sprintf("%s/v1/jobs?prefix=%s", l.addr, url.QueryEscape(l.jobName+"/dispatch-"))
	var jobs []nomadJob
	if err := l.do(ctx, http.MethodGet, endpoint, nil, &jobs); err != nil {
		return nil, err
	}

	handles := make([]BotHandle, 0, len(jobs))
	for _, stub := range jobs {
		if stub.Status != "running" {
			continue
		}
		// The list endpoint omits Meta; fetch the job for its dispatch payload.
		var job nomadJob
		jobEndpoint := fmt.Sprintf("%s/v1/job/%s", l.addr, url.PathEscape(stub.ID))
		if err := l.do(ctx, http.MethodGet, jobEndpoint, nil, &job); err != nil {
			l.logger.Warn("Failed to read dispatched job", zap.String("job_id", stub.ID), zap.Error(err))
			continue
		}
		if job.Meta["user_id"] != userID {
			continue
		}
		handles = append(handles, BotHandle{
			Platform:        job.Meta["platform"],
			NativeMeetingID: job.Meta["native_meeting_id"],
			Handle:          job.ID,
			Labels:          job.Meta,
		})
	}
	return handles, nil
}

type nomadStatusError struct {
	code int
	body string
}

func (e *nomadStatusError) Error() string {
	return fmt.Sprintf("nomad API returned %d: %s", e.code, e.body)
}

func isNomadNotFound(err error) bool {
	statusErr, ok := err.(*nomadStatusError)
	return ok && statusErr.code == http.StatusNotFound
}

func (l *NomadLauncher) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode nomad request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &nomadStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(payload))}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode nomad response: %w", err)
		}
	}
	return nil
}
