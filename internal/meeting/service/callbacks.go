package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/meeting/dto"
	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/repository"
	"github.com/vexly/botmanager/internal/meeting/status"
)

// Internal bot callbacks. Each resolves the meeting through the session uid
// the bot was launched with, applies the transition through the state
// machine, and reports "ignored" instead of erroring when the transition is
// stale: late callbacks against terminal or already-advanced meetings are
// harmless by design of the transition table.

func (s *Service) findBySession(ctx context.Context, sessionUID string) (*models.Meeting, error) {
	m, err := s.repo.FindBySessionUID(ctx, sessionUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no meeting session for connection_id %s", ErrNotFound, sessionUID)
		}
		return nil, err
	}
	return m, nil
}

// progress applies one pre-active progress transition (joining,
// awaiting_admission) with the stop-latch guard.
func (s *Service) progress(ctx context.Context, cb dto.ProgressCallback, target status.Status) (string, error) {
	m, err := s.findBySession(ctx, cb.ConnectionID)
	if err != nil {
		return "", err
	}
	log := s.logger.WithMeetingID(m.ID).WithSessionUID(cb.ConnectionID)

	if m.StopRequested() {
		log.Info("Ignoring progress callback, stop already requested",
			zap.String("target", string(target)))
		return dto.CallbackResultIgnored, nil
	}

	updated, applied, err := s.repo.ApplyTransition(ctx, m.ID, target, repository.TransitionOptions{})
	if err != nil {
		return "", err
	}
	if !applied {
		log.Info("Ignoring invalid progress transition",
			zap.String("from", string(m.Status)),
			zap.String("target", string(target)))
		return dto.CallbackResultIgnored, nil
	}

	s.publisher.PublishStatus(ctx, updated)
	log.Info("Meeting status advanced", zap.String("status", string(target)))
	return dto.CallbackResultOK, nil
}

// HandleJoining processes the bot's joining callback.
func (s *Service) HandleJoining(ctx context.Context, cb dto.ProgressCallback) (string, error) {
	return s.progress(ctx, cb, status.Joining)
}

// HandleAwaitingAdmission processes the bot's awaiting_admission callback.
func (s *Service) HandleAwaitingAdmission(ctx context.Context, cb dto.ProgressCallback) (string, error) {
	return s.progress(ctx, cb, status.AwaitingAdmission)
}

// HandleStarted processes the bot's started callback: transition to ACTIVE
// and bind the (possibly restarted) container. A duplicate started for an
// already-ACTIVE meeting only rebinds the handle, preserving start_time.
func (s *Service) HandleStarted(ctx context.Context, cb dto.ProgressCallback) (string, error) {
	m, err := s.findBySession(ctx, cb.ConnectionID)
	if err != nil {
		return "", err
	}
	log := s.logger.WithMeetingID(m.ID).WithSessionUID(cb.ConnectionID)

	var rebind *string
	if cb.ContainerID != "" {
		rebind = &cb.ContainerID
	}

	if m.Status == status.Active {
		if rebind != nil {
			if err := s.repo.SetBotContainerID(ctx, m.ID, cb.ContainerID); err != nil {
				return "", err
			}
			log.Info("Rebound container for active meeting", zap.String("container_id", cb.ContainerID))
		}
		return dto.CallbackResultOK, nil
	}

	if m.StopRequested() {
		log.Info("Ignoring started callback, stop already requested")
		return dto.CallbackResultIgnored, nil
	}

	updated, applied, err := s.repo.ApplyTransition(ctx, m.ID, status.Active, repository.TransitionOptions{
		RebindContainerID: rebind,
	})
	if err != nil {
		return "", err
	}
	if !applied {
		log.Info("Ignoring started callback, transition not admitted",
			zap.String("from", string(m.Status)))
		return dto.CallbackResultIgnored, nil
	}

	s.publisher.PublishStatus(ctx, updated)
	log.Info("Meeting is active")
	return dto.CallbackResultOK, nil
}

// HandleExited processes the bot's exit callback. Clean exits complete the
// meeting, non-zero exits fail it with last_error recorded; post-meeting
// tasks are dispatched either way, and a non-zero exit schedules a short
// safety-net reap of the container.
func (s *Service) HandleExited(ctx context.Context, cb dto.ExitedCallback) (string, error) {
	m, err := s.findBySession(ctx, cb.ConnectionID)
	if err != nil {
		return "", err
	}
	exitCode := 0
	if cb.ExitCode != nil {
		exitCode = *cb.ExitCode
	}
	log := s.logger.WithMeetingID(m.ID).WithSessionUID(cb.ConnectionID)
	log.Info("Bot exit reported", zap.Int("exit_code", exitCode), zap.String("reason", cb.Reason))

	metadata := map[string]any{
		"exit_code": exitCode,
	}
	if cb.Reason != "" {
		metadata["reason"] = cb.Reason
	}
	if cb.ErrorDetails != nil {
		metadata["error_details"] = cb.ErrorDetails
	}
	if cb.PlatformSpecificError != "" {
		metadata["platform_specific_error"] = cb.PlatformSpecificError
	}

	var target status.Status
	opts := repository.TransitionOptions{Metadata: metadata}
	if exitCode == 0 {
		target = status.Completed
		completionReason := cb.CompletionReason
		if completionReason == "" {
			completionReason = status.CompletionStopped
		}
		metadata["completion_reason"] = completionReason
	} else {
		target = status.Failed
		failureStage := cb.FailureStage
		if failureStage == "" {
			failureStage = status.FailureStageActive
		}
		metadata["failure_stage"] = failureStage

		lastError := map[string]any{
			"exit_code": exitCode,
			"reason":    cb.Reason,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if cb.ErrorDetails != nil {
			lastError["error_details"] = cb.ErrorDetails
		}
		if cb.PlatformSpecificError != "" {
			lastError["platform_specific_error"] = cb.PlatformSpecificError
		}
		opts.LastError = lastError
	}

	updated, applied, err := s.repo.ApplyTransition(ctx, m.ID, target, opts)
	if err != nil {
		return "", err
	}

	// Post-meeting tasks run regardless of whether this exit won the
	// transition; the dispatcher dedupes per meeting.
	s.dispatcher.Dispatch(m.ID)

	if exitCode != 0 && m.BotContainerID != nil {
		s.reaper.Schedule(*m.BotContainerID, s.exitReapDelay)
	}

	if !applied {
		log.Info("Ignoring exit callback, meeting already finalized",
			zap.String("status", string(m.Status)))
		return dto.CallbackResultIgnored, nil
	}

	s.publisher.PublishStatus(ctx, updated)
	log.Info("Meeting finalized", zap.String("status", string(target)))
	return dto.CallbackResultOK, nil
}
