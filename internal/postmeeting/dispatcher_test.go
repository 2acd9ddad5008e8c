package postmeeting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexly/botmanager/internal/common/logger"
)

type countingTask struct {
	mu   sync.Mutex
	runs map[string]int
	err  error
}

func newCountingTask(err error) *countingTask {
	return &countingTask{runs: make(map[string]int), err: err}
}

func (c *countingTask) Name() string { return "counting" }

func (c *countingTask) Run(_ context.Context, meetingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[meetingID]++
	return c.err
}

func (c *countingTask) runsFor(meetingID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[meetingID]
}

func newTestDispatcher(t *testing.T, tasks ...Task) *Dispatcher {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	d := New(log, tasks...)
	t.Cleanup(d.Close)
	return d
}

func TestDispatch(t *testing.T) {
	t.Run("runs every task once per meeting", func(t *testing.T) {
		task := newCountingTask(nil)
		d := newTestDispatcher(t, task)

		d.Dispatch("meeting-1")
		d.Dispatch("meeting-1")
		d.Dispatch("meeting-1")
		d.Close()

		assert.Equal(t, 1, task.runsFor("meeting-1"))
		assert.True(t, d.Dispatched("meeting-1"))
		assert.False(t, d.Dispatched("meeting-2"))
	})

	t.Run("dispatches independently per meeting", func(t *testing.T) {
		task := newCountingTask(nil)
		d := newTestDispatcher(t, task)

		d.Dispatch("meeting-1")
		d.Dispatch("meeting-2")
		d.Close()

		assert.Equal(t, 1, task.runsFor("meeting-1"))
		assert.Equal(t, 1, task.runsFor("meeting-2"))
	})

	t.Run("task failures never propagate", func(t *testing.T) {
		failing := newCountingTask(fmt.Errorf("webhook down"))
		succeeding := newCountingTask(nil)
		d := newTestDispatcher(t, failing, succeeding)

		d.Dispatch("meeting-1")
		d.Close()

		assert.Equal(t, 1, failing.runsFor("meeting-1"))
		assert.Equal(t, 1, succeeding.runsFor("meeting-1"), "later tasks still run after a failure")
	})

	t.Run("prunes dedupe entries past the retention window", func(t *testing.T) {
		task := newCountingTask(nil)
		d := newTestDispatcher(t, task)
		d.retention = 10 * time.Millisecond

		d.Dispatch("meeting-1")
		require.True(t, d.Dispatched("meeting-1"))

		time.Sleep(30 * time.Millisecond)
		d.Dispatch("meeting-2")
		d.Close()

		assert.False(t, d.Dispatched("meeting-1"), "expired entry must be pruned")
		assert.True(t, d.Dispatched("meeting-2"))
		assert.Equal(t, 1, task.runsFor("meeting-1"))
	})

	t.Run("retains dedupe entries inside the retention window", func(t *testing.T) {
		task := newCountingTask(nil)
		d := newTestDispatcher(t, task)

		d.Dispatch("meeting-1")
		d.Dispatch("meeting-2")
		d.Dispatch("meeting-1")
		d.Close()

		assert.True(t, d.Dispatched("meeting-1"))
		assert.Equal(t, 1, task.runsFor("meeting-1"))
	})

	t.Run("task functions adapt plain funcs", func(t *testing.T) {
		var mu sync.Mutex
		var got []string
		d := newTestDispatcher(t, TaskFunc{
			TaskName: "record",
			Fn: func(_ context.Context, meetingID string) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, meetingID)
				return nil
			},
		})

		d.Dispatch("meeting-1")
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}
