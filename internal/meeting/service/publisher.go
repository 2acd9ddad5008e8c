package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/events"
	"github.com/vexly/botmanager/internal/events/bus"
	"github.com/vexly/botmanager/internal/meeting/models"
)

// StatusPublisher serializes committed status changes to the bus. Publishes
// happen after commit so subscribers never see states that did not persist;
// failures are logged, never retried inline, and never block the mutation.
type StatusPublisher struct {
	bus     bus.EventBus
	timeout time.Duration
	logger  *logger.Logger
}

// NewStatusPublisher creates a publisher with the given publish timeout.
func NewStatusPublisher(b bus.EventBus, timeout time.Duration, log *logger.Logger) *StatusPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StatusPublisher{bus: b, timeout: timeout, logger: log}
}

// PublishStatus emits one meeting.status event for a committed row.
func (p *StatusPublisher) PublishStatus(ctx context.Context, m *models.Meeting) {
	event := events.NewStatusEvent(string(m.Platform), m.PlatformSpecificID, string(m.Status))
	payload, err := events.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode status event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	subject := events.StatusSubject(string(m.Platform), m.PlatformSpecificID)
	if err := p.bus.Publish(ctx, subject, payload); err != nil {
		p.logger.Error("Failed to publish status event",
			zap.String("subject", subject),
			zap.String("meeting_id", m.ID),
			zap.String("status", string(m.Status)),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("Published status event",
		zap.String("subject", subject),
		zap.String("status", string(m.Status)),
	)
}

// PublishCommand sends a command payload on a bot's command subject.
func (p *StatusPublisher) PublishCommand(ctx context.Context, sessionUID string, payload any) error {
	encoded, err := events.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	return p.bus.Publish(ctx, events.CommandSubject(sessionUID), encoded)
}
