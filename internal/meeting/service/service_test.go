package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// fakeLauncher implements launcher.Launcher for service tests.
type fakeLauncher struct {
	mu       sync.Mutex
	startErr error
	noHandle bool
	started  []launcher.StartRequest
	stopped  []string
	seq      int
}

func (f *fakeLauncher) StartBot(_ context.Context, req launcher.StartRequest) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", "", f.startErr
	}
	if f.noHandle {
		return "", "", nil
	}
	f.seq++
	f.started = append(f.started, req)
	return fmt.Sprintf("container-%d", f.seq), fmt.Sprintf("uid-%d", f.seq), nil
}

func (f *fakeLauncher) StopBot(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeLauncher) VerifyRunning(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (f *fakeLauncher) ListRunningBots(_ context.Context, _ string) ([]launcher.BotHandle, error) {
	return nil, nil
}

func (f *fakeLauncher) stoppedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type testEnv struct {
	svc        *Service
	repo       *repository.MemoryStore
	launcher   *fakeLauncher
	bus        *bus.MemoryBus
	dispatcher *postmeeting.Dispatcher
	user       *usermodels.User
}

func newTestEnv(t *testing.T, botCfg config.BotConfig) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := repository.NewMemoryStore()
	fl := &fakeLauncher{}
	memBus := bus.NewMemoryBus(log)
	sessions, err := memBus.KeyValue(events.SessionCacheBucket, time.Hour)
	require.NoError(t, err)

	rp := reaper.New(fl, log)
	t.Cleanup(rp.Close)
	dispatcher := postmeeting.New(log)
	t.Cleanup(dispatcher.Close)
	publisher := NewStatusPublisher(memBus, time.Second, log)

	if botCfg.DefaultName == "" {
		botCfg.DefaultName = "Test Notetaker"
	}
	svc := New(repo, fl, memBus, sessions, publisher, rp, dispatcher, botCfg, log)

	return &testEnv{
		svc:        svc,
		repo:       repo,
		launcher:   fl,
		bus:        memBus,
		dispatcher: dispatcher,
		user: &usermodels.User{
			ID:                "user-1",
			Email:             "test@example.com",
			APIToken:          "token-1",
			MaxConcurrentBots: 1,
		},
	}
}

// collectStatuses subscribes to a meeting's status subject and returns an
// accessor for the observed status sequence.
func collectStatuses(t *testing.T, b *bus.MemoryBus, platform, nativeID string) func() []string {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	_, err := b.Subscribe(events.StatusSubject(platform, nativeID), func(_ context.Context, _ string, data []byte) error {
		var event events.StatusEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, event.Payload.Status)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

// waitForSession blocks until the async session record lands.
func waitForSession(t *testing.T, env *testEnv, meetingID string) string {
	t.Helper()
	var uid string
	require.Eventually(t, func() bool {
		got, err := env.repo.EarliestSessionUID(context.Background(), meetingID)
		if err != nil {
			return false
		}
		uid = got
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return uid
}

func TestRequestBot(t *testing.T) {
	ctx := context.Background()

	t.Run("launches a bot and publishes the initial status", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		statuses := collectStatuses(t, env.bus, "google_meet", "abc-defg-hij")

		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		assert.Equal(t, status.Requested, m.Status)
		require.NotNil(t, m.BotContainerID)
		assert.Equal(t, "container-1", *m.BotContainerID)
		assert.Equal(t, []string{"requested"}, statuses())

		require.Len(t, env.launcher.started, 1)
		req := env.launcher.started[0]
		assert.Equal(t, "https://meet.google.com/abc-defg-hij", req.MeetingURL)
		assert.Equal(t, "Test Notetaker", req.BotName, "empty bot name falls back to the configured default")
		assert.Equal(t, "token-1", req.UserToken)

		uid := waitForSession(t, env, m.ID)
		assert.Equal(t, "uid-1", uid)
	})

	t.Run("rejects an unknown platform", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "webex",
			NativeMeetingID: "123",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("rejects a malformed native meeting id without creating a row", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "not a meet code",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = env.repo.FindLatest(ctx, env.user.ID, models.PlatformGoogleMeet, "not a meet code")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("reports a conflict for a duplicate active meeting", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		env.user.MaxConcurrentBots = 5

		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		_, err = env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("enforces the concurrency cap without creating a row", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})

		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		_, err = env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "zoom",
			NativeMeetingID: "12345",
		})
		assert.ErrorIs(t, err, ErrLimitExceeded)

		_, err = env.repo.FindLatest(ctx, env.user.ID, models.PlatformZoom, "12345")
		assert.ErrorIs(t, err, repository.ErrNotFound, "a rejected request must not leave a row behind")
	})

	t.Run("marks the meeting failed when the launch errors", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		env.launcher.startErr = fmt.Errorf("image pull failed")
		statuses := collectStatuses(t, env.bus, "zoom", "12345")

		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "zoom",
			NativeMeetingID: "12345",
		})
		require.ErrorIs(t, err, ErrLaunchFailed)

		m, err := env.repo.FindLatest(ctx, env.user.ID, models.PlatformZoom, "12345")
		require.NoError(t, err)
		assert.Equal(t, status.Failed, m.Status)

		entries := m.Transitions()
		require.Len(t, entries, 1)
		assert.Equal(t, status.FailureStageJoining, entries[0]["failure_stage"])
		assert.Equal(t, []string{"failed"}, statuses())
		assert.True(t, env.dispatcher.Dispatched(m.ID), "a failed launch still triggers post-meeting tasks")
	})

	t.Run("fails the meeting when the runtime returns no handle", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		env.launcher.noHandle = true

		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "zoom",
			NativeMeetingID: "12345",
		})
		require.ErrorIs(t, err, ErrLaunchFailed)

		m, err := env.repo.FindLatest(ctx, env.user.ID, models.PlatformZoom, "12345")
		require.NoError(t, err)
		assert.Equal(t, status.Failed, m.Status)
	})
}

func TestStopBot(t *testing.T) {
	ctx := context.Background()

	t.Run("acknowledges stops on terminal meetings without changes", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		_, applied, err := env.repo.ApplyTransition(ctx, m.ID, status.Failed, repository.TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		require.NoError(t, env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij"))
		require.NoError(t, env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij"))

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Failed, got.Status, "stop must never resurrect a terminal row")
	})

	t.Run("completes a meeting that has no workload", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m := &models.Meeting{
			UserID:             env.user.ID,
			Platform:           models.PlatformGoogleMeet,
			PlatformSpecificID: "abc-defg-hij",
		}
		require.NoError(t, env.repo.CreateMeeting(ctx, m))

		require.NoError(t, env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij"))

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Completed, got.Status)
		assert.True(t, got.StopRequested())

		entries := got.Transitions()
		require.Len(t, entries, 1)
		assert.Equal(t, status.CompletionStopped, entries[0]["completion_reason"])
		assert.Equal(t, "user", entries[0]["source"])
	})

	t.Run("stops a just-launched bot on the fast path", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		require.NoError(t, env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij"))

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Completed, got.Status)
		assert.True(t, got.StopRequested())

		require.Eventually(t, func() bool {
			return len(env.launcher.stoppedHandles()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, "container-1", env.launcher.stoppedHandles()[0])
	})

	t.Run("commands an active bot to leave and defers finalization", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)
		uid := waitForSession(t, env, m.ID)

		_, applied, err := env.repo.ApplyTransition(ctx, m.ID, status.Active, repository.TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		var mu sync.Mutex
		var commands []map[string]any
		_, err = env.bus.Subscribe(events.CommandSubject(uid), func(_ context.Context, _ string, data []byte) error {
			var cmd map[string]any
			if err := json.Unmarshal(data, &cmd); err != nil {
				return err
			}
			mu.Lock()
			commands = append(commands, cmd)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij"))

		mu.Lock()
		require.Len(t, commands, 1)
		assert.Equal(t, "leave", commands[0]["action"])
		mu.Unlock()

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Active, got.Status, "the exit callback finalizes the state, not the stop")
		assert.True(t, got.StopRequested())
	})

	t.Run("returns not found for an unknown meeting", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		err := env.svc.StopBot(ctx, env.user, "google_meet", "abc-defg-hij")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateBotConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects reconfigure unless the meeting is active", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		_, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)

		err = env.svc.UpdateBotConfig(ctx, env.user, "google_meet", "abc-defg-hij", dto.UpdateBotConfigRequest{})
		assert.ErrorIs(t, err, ErrWrongStatus)
	})

	t.Run("publishes a reconfigure command on the current session", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)
		uid := waitForSession(t, env, m.ID)

		_, applied, err := env.repo.ApplyTransition(ctx, m.ID, status.Active, repository.TransitionOptions{})
		require.NoError(t, err)
		require.True(t, applied)

		var mu sync.Mutex
		var commands []events.ReconfigureCommand
		_, err = env.bus.Subscribe(events.CommandSubject(uid), func(_ context.Context, _ string, data []byte) error {
			var cmd events.ReconfigureCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				return err
			}
			mu.Lock()
			commands = append(commands, cmd)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)

		language := "de"
		require.NoError(t, env.svc.UpdateBotConfig(ctx, env.user, "google_meet", "abc-defg-hij", dto.UpdateBotConfigRequest{
			Language: &language,
		}))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, commands, 1)
		assert.Equal(t, "reconfigure", commands[0].Action)
		assert.Equal(t, uid, commands[0].UID)
		require.NotNil(t, commands[0].Language)
		assert.Equal(t, "de", *commands[0].Language)
		assert.Nil(t, commands[0].Task)
	})

	t.Run("returns not found for an unknown meeting", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		err := env.svc.UpdateBotConfig(ctx, env.user, "zoom", "999", dto.UpdateBotConfigRequest{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()

	// launchMeeting requests a bot and waits for its session record.
	launchMeeting := func(t *testing.T, env *testEnv) (*models.Meeting, string) {
		t.Helper()
		m, err := env.svc.RequestBot(ctx, env.user, dto.RequestBotRequest{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
		})
		require.NoError(t, err)
		return m, waitForSession(t, env, m.ID)
	}

	t.Run("progress callbacks advance the lifecycle", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)
		statuses := collectStatuses(t, env.bus, "google_meet", "abc-defg-hij")

		result, err := env.svc.HandleJoining(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		result, err = env.svc.HandleAwaitingAdmission(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		result, err = env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Active, got.Status)
		require.NotNil(t, got.StartTime)
		assert.Equal(t, []string{"joining", "awaiting_admission", "active"}, statuses())
	})

	t.Run("out-of-order progress callbacks are ignored", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)

		result, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		require.Equal(t, dto.CallbackResultOK, result)

		result, err = env.svc.HandleJoining(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultIgnored, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Active, got.Status)
	})

	t.Run("progress callbacks are ignored once a stop is latched", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)
		require.NoError(t, env.repo.SetStopRequested(ctx, m.ID))

		result, err := env.svc.HandleJoining(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultIgnored, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Requested, got.Status)
	})

	t.Run("duplicate started rebinds without touching start_time", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)

		_, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)
		first, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)

		result, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid, ContainerID: "container-new"})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Active, got.Status)
		require.NotNil(t, got.BotContainerID)
		assert.Equal(t, "container-new", *got.BotContainerID)
		assert.Equal(t, first.StartTime.Unix(), got.StartTime.Unix())
		assert.Len(t, got.Transitions(), len(first.Transitions()), "a rebind is not a transition")
	})

	t.Run("clean exit completes the meeting", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)
		_, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)

		exitCode := 0
		result, err := env.svc.HandleExited(ctx, dto.ExitedCallback{
			ConnectionID:     uid,
			ExitCode:         &exitCode,
			CompletionReason: status.CompletionEveryoneLeft,
		})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Completed, got.Status)
		require.NotNil(t, got.EndTime)

		entries := got.Transitions()
		last := entries[len(entries)-1]
		assert.Equal(t, status.CompletionEveryoneLeft, last["completion_reason"])
		assert.Equal(t, "bot", last["source"])
		assert.True(t, env.dispatcher.Dispatched(m.ID))
	})

	t.Run("non-zero exit fails the meeting and records last_error", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)
		_, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)

		exitCode := 2
		result, err := env.svc.HandleExited(ctx, dto.ExitedCallback{
			ConnectionID: uid,
			ExitCode:     &exitCode,
			Reason:       "crashed",
		})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultOK, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Failed, got.Status)

		lastError, ok := got.Data[models.DataKeyLastError].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 2, lastError["exit_code"])
		assert.Equal(t, "crashed", lastError["reason"])

		entries := got.Transitions()
		last := entries[len(entries)-1]
		assert.Equal(t, status.FailureStageActive, last["failure_stage"], "failure stage defaults to active")
	})

	t.Run("duplicate exits are ignored and tasks run once", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		m, uid := launchMeeting(t, env)
		_, err := env.svc.HandleStarted(ctx, dto.ProgressCallback{ConnectionID: uid})
		require.NoError(t, err)

		exitCode := 0
		_, err = env.svc.HandleExited(ctx, dto.ExitedCallback{ConnectionID: uid, ExitCode: &exitCode})
		require.NoError(t, err)

		result, err := env.svc.HandleExited(ctx, dto.ExitedCallback{ConnectionID: uid, ExitCode: &exitCode})
		require.NoError(t, err)
		assert.Equal(t, dto.CallbackResultIgnored, result)

		got, err := env.repo.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, status.Completed, got.Status)
		assert.True(t, env.dispatcher.Dispatched(m.ID))
	})

	t.Run("unknown connection ids are not found", func(t *testing.T) {
		env := newTestEnv(t, config.BotConfig{})
		_, err := env.svc.HandleJoining(ctx, dto.ProgressCallback{ConnectionID: "nope"})
		assert.ErrorIs(t, err, ErrNotFound)

		exitCode := 0
		_, err = env.svc.HandleExited(ctx, dto.ExitedCallback{ConnectionID: "nope", ExitCode: &exitCode})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
