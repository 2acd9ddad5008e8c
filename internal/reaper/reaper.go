// Package reaper schedules best-effort workload stops after a bounded
// delay, guarding against runaway bots when the pub/sub leave command is
// lost or the bot misbehaves.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/launcher"
)

const stopTimeout = 10 * time.Second

// Reaper is a simple timer queue over launcher.StopBot. Double-stops are
// idempotent at the launcher, so cancellation is not needed; failures are
// logged and never escalated.
type Reaper struct {
	launcher launcher.Launcher
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reaper.
func New(l launcher.Launcher, log *logger.Logger) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		launcher: l,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Schedule stops the workload after the delay. A zero delay reaps
// immediately (still asynchronously).
func (r *Reaper) Schedule(handle string, delay time.Duration) {
	if handle == "" {
		return
	}

	r.logger.Debug("Reap scheduled",
		zap.String("handle", handle),
		zap.Duration("delay", delay),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		if err := r.launcher.StopBot(ctx, handle); err != nil {
			r.logger.Warn("Reap failed",
				zap.String("handle", handle),
				zap.Error(err),
			)
			return
		}
		r.logger.Info("Workload reaped", zap.String("handle", handle))
	}()
}

// Close stops accepting timers and waits for in-flight reaps.
func (r *Reaper) Close() {
	r.cancel()
	r.wg.Wait()
}
