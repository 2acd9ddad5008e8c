// Package postmeeting dispatches downstream tasks (webhooks, indexing)
// when a meeting reaches a terminal state. The task set is external; only
// the dispatch point lives here.
package postmeeting

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/logger"
)

const (
	taskTimeout = 30 * time.Second

	// dedupeRetention bounds how long a meeting id stays in the dedupe
	// map. It only needs to outlive the window in which the stop path and
	// a retried exit callback can race for the same meeting.
	dedupeRetention = time.Hour
)

// Task is one downstream post-meeting job.
type Task interface {
	Name() string
	Run(ctx context.Context, meetingID string) error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context, meetingID string) error
}

func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Run(ctx context.Context, meetingID string) error {
	return t.Fn(ctx, meetingID)
}

// Dispatcher fires all registered tasks once per meeting. Dispatch is
// fire-and-forget: failures are logged, never escalated, and never roll
// back the terminal transition that triggered them.
type Dispatcher struct {
	tasks  []Task
	logger *logger.Logger

	mu         sync.Mutex
	dispatched map[string]time.Time
	retention  time.Duration
	wg         sync.WaitGroup
}

// New creates a dispatcher over the given task set.
func New(log *logger.Logger, tasks ...Task) *Dispatcher {
	return &Dispatcher{
		tasks:      tasks,
		logger:     log,
		dispatched: make(map[string]time.Time),
		retention:  dedupeRetention,
	}
}

// Dispatch schedules the task set for a meeting. Repeat calls for the same
// meeting id are ignored, so the stop path and the exit callback can both
// call it without double-running tasks.
func (d *Dispatcher) Dispatch(meetingID string) {
	now := time.Now()

	d.mu.Lock()
	for id, at := range d.dispatched {
		if now.Sub(at) > d.retention {
			delete(d.dispatched, id)
		}
	}
	if _, seen := d.dispatched[meetingID]; seen {
		d.mu.Unlock()
		return
	}
	d.dispatched[meetingID] = now
	d.mu.Unlock()

	d.logger.Info("Dispatching post-meeting tasks",
		zap.String("meeting_id", meetingID),
		zap.Int("tasks", len(d.tasks)),
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, task := range d.tasks {
			ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
			if err := task.Run(ctx, meetingID); err != nil {
				d.logger.Warn("Post-meeting task failed",
					zap.String("meeting_id", meetingID),
					zap.String("task", task.Name()),
					zap.Error(err),
				)
			}
			cancel()
		}
	}()
}

// Dispatched reports whether the meeting's tasks have been scheduled
// within the retention window.
func (d *Dispatcher) Dispatched(meetingID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, seen := d.dispatched[meetingID]
	return seen
}

// Close waits for in-flight task runs.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
