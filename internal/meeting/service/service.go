// Package service implements the meeting lifecycle controller: it mediates
// every status change through the state machine and the store, launches and
// stops bot workloads, routes live commands, and fans out status events.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/config"
	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/events"
	"github.com/vexly/botmanager/internal/events/bus"
	"github.com/vexly/botmanager/internal/launcher"
	"github.com/vexly/botmanager/internal/meeting/dto"
	"github.com/vexly/botmanager/internal/meeting/models"
	"github.com/vexly/botmanager/internal/meeting/repository"
	"github.com/vexly/botmanager/internal/meeting/status"
	"github.com/vexly/botmanager/internal/postmeeting"
	"github.com/vexly/botmanager/internal/reaper"
	usermodels "github.com/vexly/botmanager/internal/user/models"
)

// Service is the lifecycle controller.
type Service struct {
	repo       repository.Store
	launcher   launcher.Launcher
	bus        bus.EventBus
	sessions   bus.KeyValue // session-routing cache; may be nil
	publisher  *StatusPublisher
	reaper     *reaper.Reaper
	dispatcher *postmeeting.Dispatcher
	logger     *logger.Logger

	defaultBotName string

	launchTimeout  time.Duration
	stopReapDelay  time.Duration
	exitReapDelay  time.Duration
	fastStopWindow time.Duration
}

// New wires the lifecycle controller.
func New(
	repo repository.Store,
	l launcher.Launcher,
	b bus.EventBus,
	sessions bus.KeyValue,
	publisher *StatusPublisher,
	r *reaper.Reaper,
	dispatcher *postmeeting.Dispatcher,
	botCfg config.BotConfig,
	log *logger.Logger,
) *Service {
	svc := &Service{
		repo:           repo,
		launcher:       l,
		bus:            b,
		sessions:       sessions,
		publisher:      publisher,
		reaper:         r,
		dispatcher:     dispatcher,
		logger:         log,
		defaultBotName: botCfg.DefaultName,
		launchTimeout:  botCfg.LaunchTimeout,
		stopReapDelay:  botCfg.StopReapDelay,
		exitReapDelay:  botCfg.ExitReapDelay,
		fastStopWindow: botCfg.FastStopWindow,
	}
	if svc.launchTimeout <= 0 {
		svc.launchTimeout = 10 * time.Second
	}
	if svc.stopReapDelay <= 0 {
		svc.stopReapDelay = 30 * time.Second
	}
	if svc.exitReapDelay <= 0 {
		svc.exitReapDelay = 10 * time.Second
	}
	if svc.fastStopWindow <= 0 {
		svc.fastStopWindow = 5 * time.Second
	}
	return svc
}

// finalizeTerminal publishes the committed terminal status and dispatches
// post-meeting tasks.
func (s *Service) finalizeTerminal(ctx context.Context, m *models.Meeting) {
	s.publisher.PublishStatus(ctx, m)
	s.dispatcher.Dispatch(m.ID)
}

// RequestBot launches a bot into a meeting. On success the row is committed
// in REQUESTED with the runtime handle bound; the bot's own callbacks drive
// activation.
func (s *Service) RequestBot(ctx context.Context, user *usermodels.User, req dto.RequestBotRequest) (*models.Meeting, error) {
	platform, ok := models.ParsePlatform(req.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, req.Platform)
	}
	meetingURL := models.MeetingURL(platform, req.NativeMeetingID, req.Passcode)
	if meetingURL == "" {
		return nil, fmt.Errorf("%w: cannot build meeting URL for platform %s and id %q",
			ErrInvalidInput, platform, req.NativeMeetingID)
	}

	// Reject duplicates before touching the cap so a conflicting request
	// is reported as a conflict rather than a limit violation.
	if existing, err := s.repo.FindLatest(ctx, user.ID, platform, req.NativeMeetingID); err == nil {
		if status.IsActive(existing.Status) {
			return nil, ErrConflict
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	// Enforce the user's cap against the store before creating any row.
	if user.MaxConcurrentBots > 0 {
		active, err := s.repo.CountActiveForUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if active >= user.MaxConcurrentBots {
			return nil, ErrLimitExceeded
		}
	}

	m := &models.Meeting{
		UserID:             user.ID,
		Platform:           platform,
		PlatformSpecificID: req.NativeMeetingID,
		Status:             status.Requested,
		Data:               map[string]any{},
	}
	if req.Passcode != "" {
		m.Data[models.DataKeyPasscode] = req.Passcode
	}
	if err := s.repo.CreateMeeting(ctx, m); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}

	log := s.logger.WithMeetingID(m.ID)

	botName := req.BotName
	if botName == "" {
		botName = s.defaultBotName
	}
	startReq := launcher.StartRequest{
		UserID:            user.ID,
		MeetingID:         m.ID,
		MeetingURL:        meetingURL,
		Platform:          platform,
		NativeMeetingID:   req.NativeMeetingID,
		BotName:           botName,
		UserToken:         user.APIToken,
		Language:          req.Language,
		Task:              req.Task,
		MaxConcurrentBots: user.MaxConcurrentBots,
	}
	if err := startReq.Validate(); err != nil {
		s.failLaunch(ctx, m.ID, "invalid launch inputs: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	launchCtx, cancel := context.WithTimeout(ctx, s.launchTimeout)
	handle, sessionUID, err := s.launcher.StartBot(launchCtx, startReq)
	cancel()
	if err != nil {
		s.failLaunch(ctx, m.ID, err.Error())
		if errors.Is(err, launcher.ErrLimitExceeded) {
			return nil, ErrLimitExceeded
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if handle == "" || sessionUID == "" {
		s.failLaunch(ctx, m.ID, "runtime returned no workload handle")
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, launcher.ErrNoHandle)
	}

	if err := s.repo.SetBotContainerID(ctx, m.ID, handle); err != nil {
		log.WithError(err).Error("Failed to persist runtime handle")
	}
	s.cacheSessionUID(ctx, platform, req.NativeMeetingID, sessionUID)

	// Session recording is fire-and-forget; command routing falls back to
	// the cache until the row lands.
	go func() {
		recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer recCancel()
		if err := s.repo.RecordSessionStart(recCtx, m.ID, sessionUID); err != nil {
			log.WithSessionUID(sessionUID).WithError(err).Error("Failed to record session start")
		}
	}()

	refreshed, err := s.repo.Get(ctx, m.ID)
	if err != nil {
		refreshed = m
	}

	// Initial status emission so subscribers receive the full sequence.
	s.publisher.PublishStatus(ctx, refreshed)

	log.Info("Bot requested",
		zap.String("platform", string(platform)),
		zap.String("native_meeting_id", req.NativeMeetingID),
		zap.String("handle", handle),
		zap.String("session_uid", sessionUID),
	)
	return refreshed, nil
}

// failLaunch marks a freshly created row FAILED at the joining stage.
func (s *Service) failLaunch(ctx context.Context, meetingID, reason string) {
	m, applied, err := s.repo.ApplyTransition(ctx, meetingID, status.Failed, repository.TransitionOptions{
		Metadata: map[string]any{
			"reason":        reason,
			"failure_stage": status.FailureStageJoining,
		},
	})
	if err != nil {
		s.logger.WithMeetingID(meetingID).WithError(err).Error("Failed to mark meeting failed after launch error")
		return
	}
	if applied {
		s.finalizeTerminal(ctx, m)
	}
}

// StopBot requests a stop for the latest meeting of the tuple. Always
// idempotent: terminal meetings are acknowledged without any state change.
func (s *Service) StopBot(ctx context.Context, user *usermodels.User, platformStr, nativeID string) error {
	platform, ok := models.ParsePlatform(platformStr)
	if !ok {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, platformStr)
	}

	m, err := s.repo.FindLatest(ctx, user.ID, platform, nativeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	log := s.logger.WithMeetingID(m.ID)

	if status.IsTerminal(m.Status) {
		log.Debug("Stop requested for terminal meeting, acknowledging")
		return nil
	}

	stopMeta := map[string]any{
		"completion_reason": status.CompletionStopped,
		"reason":            "user requested stop",
	}

	// No workload yet: terminate directly.
	if m.BotContainerID == nil {
		updated, applied, err := s.repo.ApplyTransition(ctx, m.ID, status.Completed, repository.TransitionOptions{
			Metadata:         stopMeta,
			SetStopRequested: true,
		})
		if err != nil {
			return err
		}
		if applied {
			s.finalizeTerminal(ctx, updated)
		}
		return nil
	}

	// Fast path: the bot was just launched and has not reached ACTIVE; a
	// leave command would race its startup. Latch the stop, reap the
	// container immediately, and finalize here.
	if status.IsPreActive(m.Status) && time.Since(m.CreatedAt) <= s.fastStopWindow {
		updated, applied, err := s.repo.ApplyTransition(ctx, m.ID, status.Completed, repository.TransitionOptions{
			Metadata:         stopMeta,
			SetStopRequested: true,
		})
		if err != nil {
			return err
		}
		s.reaper.Schedule(*m.BotContainerID, 0)
		if applied {
			s.finalizeTerminal(ctx, updated)
		}
		log.Info("Stopped bot on fast path")
		return nil
	}

	// General path: command the bot to leave on its original session and
	// schedule a delayed reap; the exit callback finalizes the state.
	sessionUID, err := s.repo.EarliestSessionUID(ctx, m.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if sessionUID != "" {
		if err := s.publisher.PublishCommand(ctx, sessionUID, events.NewLeaveCommand()); err != nil {
			log.WithSessionUID(sessionUID).WithError(err).Warn("Failed to publish leave command; reaper will stop the bot")
		}
	} else {
		log.Warn("No session recorded for meeting; relying on reaper")
	}

	if err := s.repo.SetStopRequested(ctx, m.ID); err != nil {
		log.WithError(err).Warn("Failed to set stop latch")
	}
	s.reaper.Schedule(*m.BotContainerID, s.stopReapDelay)

	log.Info("Stop requested, awaiting bot exit")
	return nil
}

// UpdateBotConfig publishes a live reconfigure command to the meeting's
// current bot session. No state change happens here.
func (s *Service) UpdateBotConfig(ctx context.Context, user *usermodels.User, platformStr, nativeID string, req dto.UpdateBotConfigRequest) error {
	platform, ok := models.ParsePlatform(platformStr)
	if !ok {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, platformStr)
	}

	m, err := s.repo.FindLatest(ctx, user.ID, platform, nativeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if m.Status != status.Active {
		return fmt.Errorf("%w: meeting is %s, reconfigure requires active", ErrWrongStatus, m.Status)
	}

	sessionUID := s.resolveCurrentSessionUID(ctx, m, platform, nativeID)
	if sessionUID == "" {
		return fmt.Errorf("%w: no session recorded for meeting", ErrNotFound)
	}

	if !s.bus.IsConnected() {
		return ErrBusUnavailable
	}
	command := events.NewReconfigureCommand(sessionUID, req.Language, req.Task)
	if err := s.publisher.PublishCommand(ctx, sessionUID, command); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	s.logger.WithMeetingID(m.ID).WithSessionUID(sessionUID).Info("Reconfigure command published")
	return nil
}

// resolveCurrentSessionUID prefers the routing cache and falls back to the
// latest recorded session.
func (s *Service) resolveCurrentSessionUID(ctx context.Context, m *models.Meeting, platform models.Platform, nativeID string) string {
	if s.sessions != nil {
		key := events.SessionCacheKey(string(platform), nativeID)
		if value, err := s.sessions.Get(ctx, key); err == nil && len(value) > 0 {
			return string(value)
		}
	}
	uid, err := s.repo.LatestSessionUID(ctx, m.ID)
	if err != nil {
		return ""
	}
	return uid
}

// cacheSessionUID stores the launch session uid for command routing.
// Best-effort: failures are logged, never surfaced.
func (s *Service) cacheSessionUID(ctx context.Context, platform models.Platform, nativeID, sessionUID string) {
	if s.sessions == nil {
		return
	}
	key := events.SessionCacheKey(string(platform), nativeID)
	if err := s.sessions.Put(ctx, key, []byte(sessionUID)); err != nil {
		s.logger.WithSessionUID(sessionUID).WithError(err).Warn("Failed to cache session uid")
	}
}

// ListRunningBots returns the launcher's runtime-truth view for the user.
func (s *Service) ListRunningBots(ctx context.Context, user *usermodels.User) ([]launcher.BotHandle, error) {
	return s.launcher.ListRunningBots(ctx, user.ID)
}
