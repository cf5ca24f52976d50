package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhstx/productpage-sub002/internal/pkg/cache"
)

func resetManager(t *testing.T) {
	t.Helper()
	_, client := newTestRedis(t)
	cache.SetClient(client)
	globalManager = nil
	managerOnce = sync.Once{}
}

func TestGetManager(t *testing.T) {
	resetManager(t)

	// Test singleton behavior
	manager1 := GetManager()
	manager2 := GetManager()

	assert.NotNil(t, manager1)
	assert.Same(t, manager1, manager2, "GetManager should return the same instance")

	// Test initial state
	assert.NotNil(t, manager1.queue)
	assert.NotNil(t, manager1.stopCh)
	assert.False(t, manager1.running)
	assert.Same(t, manager1.queue, manager1.GetQueue())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("JOBQUEUE_WORKERS", "7")
	t.Setenv("MARGIN_INTERVAL_MINUTES", "15")
	t.Setenv("DLQ_SWEEP_INTERVAL_MINUTES", "")
	t.Setenv("DLQ_SWEEP_LIMIT", "not-a-number")

	cfg := ConfigFromEnv()
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 15*time.Minute, cfg.MarginInterval)
	assert.Equal(t, 24*time.Hour, cfg.MarginWindow)
	assert.Equal(t, time.Duration(0), cfg.DLQSweepInterval)
	assert.Equal(t, 50, cfg.DLQSweepLimit)
}

func TestManager_StopWithoutStart(t *testing.T) {
	resetManager(t)

	manager := GetManager()

	// Stop without starting should be safe
	assert.False(t, manager.IsRunning())
	manager.Stop()
	assert.False(t, manager.IsRunning())
}

func TestManagerSingletonReset(t *testing.T) {
	resetManager(t)
	manager1 := GetManager()

	globalManager = nil
	managerOnce = sync.Once{}
	manager2 := GetManager()

	// They should be different instances (because we reset the singleton)
	assert.NotSame(t, manager1, manager2)
}

func TestManager_EnqueueHelpers(t *testing.T) {
	_, client := newTestRedis(t)
	manager := NewManager(NewQueueWithClient(client, 1), Config{})
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	job, err := manager.EnqueueMarginPass(&start, &end)
	require.NoError(t, err)
	stored, err := manager.GetQueue().GetJob(ctx, job.ID)
	require.NoError(t, err)
	payload, err := MarginPassJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	require.True(t, payload.HasWindow())
	assert.True(t, payload.PeriodStart.Equal(start))

	_, err = manager.EnqueueDLQSweep(25)
	require.NoError(t, err)
	_, err = manager.EnqueueLedgerReset("acct_1")
	require.NoError(t, err)

	size, err := manager.GetQueue().GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestManager_ScheduledMarginPass(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 1)
	runner := &fakeMarginRunner{}
	queue.RegisterProcessor(JobTypeMarginPass, MarginPassProcessor(runner, 24*time.Hour))

	manager := NewManager(queue, Config{MarginInterval: 50 * time.Millisecond})
	manager.Start()
	assert.True(t, manager.IsRunning())

	assert.True(t, WaitForCondition(t, 5*time.Second, func() bool {
		return runner.scheduledCalls() > 0
	}))

	manager.Stop()
	assert.False(t, manager.IsRunning())

	// Restart after stop is allowed.
	manager.Start()
	manager.Stop()
}

func TestManager_Stats(t *testing.T) {
	_, client := newTestRedis(t)
	manager := NewManager(NewQueueWithClient(client, 1), Config{})

	_, err := manager.EnqueueDLQSweep(10)
	require.NoError(t, err)

	stats, err := manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Totals[JobStatusPending])
}
