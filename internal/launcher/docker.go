package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/config"
	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/launcher/dockerclient"
)

const containerStopTimeout = 5 * time.Second

// DockerLauncher runs bots as containers on a local or remote Docker engine.
type DockerLauncher struct {
	client          *dockerclient.Client
	image           string
	networkName     string
	callbackBaseURL string
	logger          *logger.Logger
}

// NewDockerLauncher creates a Docker-backed launcher.
func NewDockerLauncher(client *dockerclient.Client, botCfg config.BotConfig, dockerCfg config.DockerConfig, callbackBaseURL string, log *logger.Logger) *DockerLauncher {
	return &DockerLauncher{
		client:          client,
		image:           botCfg.Image,
		networkName:     dockerCfg.NetworkName,
		callbackBaseURL: callbackBaseURL,
		logger:          log,
	}
}

// StartBot launches a bot container and returns (container id, session uid).
func (l *DockerLauncher) StartBot(ctx context.Context, req StartRequest) (string, string, error) {
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

	containerID, err := l.client.CreateContainer(ctx, dockerclient.ContainerConfig{
		Name:  fmt.Sprintf("vexly-bot-%s", sessionUID),
		Image: l.image,
		Env: []string{
			"BOT_CONFIG=" + botConfig,
			"CONNECTION_ID=" + sessionUID,
		},
		NetworkMode: l.networkName,
		Labels:      botLabels(req),
		AutoRemove:  true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to create bot container: %w", err)
	}
	if containerID == "" {
		return "", "", ErrNoHandle
	}

	if err := l.client.StartContainer(ctx, containerID); err != nil {
		// Best-effort cleanup of the created-but-unstarted container.
		_ = l.client.RemoveContainer(context.WithoutCancel(ctx), containerID, true)
		return "", "", fmt.Errorf("failed to start bot container: %w", err)
	}

	l.logger.Info("Bot container launched",
		zap.String("container_id", containerID),
		zap.String("session_uid", sessionUID),
		zap.String("meeting_id", req.MeetingID),
	)
	return containerID, sessionUID, nil
}

// StopBot stops a bot container; already-gone containers are not an error.
func (l *DockerLauncher) StopBot(ctx context.Context, handle string) error {
	return l.client.StopContainer(ctx, handle, containerStopTimeout)
}

// VerifyRunning reports whether the container is still running.
func (l *DockerLauncher) VerifyRunning(ctx context.Context, handle string) (bool, error) {
	info, err := l.client.GetContainerInfo(ctx, handle)
	if err != nil {
		if dockerclient.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State == "running", nil
}

// ListRunningBots enumerates the user's live bot containers via labels.
func (l *DockerLauncher) ListRunningBots(ctx context.Context, userID string) ([]BotHandle, error) {
	containers, err := l.client.ListContainers(ctx, map[string]string{
		LabelManagedBy: managedByValue,
		LabelUserID:    userID,
	}, false)
	if err != nil {
		return nil, err
	}

	handles := make([]BotHandle, 0, len(containers))
	for _, ctr := range containers {
		if ctr.State != "running" {
			continue
		}
		handles = append(handles, BotHandle{
			Platform:        ctr.Labels[LabelPlatform],
			NativeMeetingID: ctr.Labels[LabelNativeMeetingID],
			Handle:          ctr.ID,
			CreatedAt:       ctr.CreatedAt,
			Labels:          ctr.Labels,
		})
	}
	return handles, nil
}
