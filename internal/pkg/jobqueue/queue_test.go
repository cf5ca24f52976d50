package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// WaitForCondition polls fn until it returns true or the timeout expires.
func WaitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fn()
}

// TestNewQueueWithClient tests the queue constructor
func TestNewQueueWithClient(t *testing.T) {
	_, client := newTestRedis(t)

	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueueWithClient(client, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Equal(t, time.Minute, queue.retryDelay)
		})
	}
}

func TestConstants(t *testing.T) {
	// Test Redis key constants
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	// Test job settings constants
	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestQueue_EnqueueJob(t *testing.T) {
	mr, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 1)
	ctx := context.Background()

	job, err := queue.EnqueueJob(JobTypeDLQSweep, DLQSweepJobPayload{Limit: 10}.ToMap())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusPending, job.Status)

	size, err := queue.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stored, err := queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeDLQSweep, stored.Type)
	assert.Equal(t, float64(10), stored.Payload["limit"])

	assert.True(t, mr.Exists(JobKeyPrefix+job.ID))
	assert.Greater(t, mr.TTL(JobKeyPrefix+job.ID), time.Duration(0))

	stats, err := queue.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusPending])
}

func TestQueue_ProcessesRegisteredJob(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 2)
	ctx := context.Background()

	var seen atomic.Value
	queue.RegisterProcessor(JobTypeLedgerReset, func(ctx context.Context, job *Job) error {
		p, err := LedgerResetJobPayloadFromMap(job.Payload)
		if err != nil {
			return err
		}
		seen.Store(p.AccountID)
		return nil
	})

	queue.Start()
	defer queue.Stop()

	job, err := queue.EnqueueJob(JobTypeLedgerReset, LedgerResetJobPayload{AccountID: "acct_1"}.ToMap())
	require.NoError(t, err)

	require.True(t, WaitForCondition(t, 5*time.Second, func() bool {
		stats, _ := queue.GetJobStats(ctx)
		processing, _ := queue.GetProcessingSize(ctx)
		return stats[JobStatusCompleted] == 1 && processing == 0
	}))
	assert.Equal(t, "acct_1", seen.Load())

	// Completed jobs are removed from Redis.
	_, err = queue.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestQueue_RetriesThenFails(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 1)
	queue.SetRetryDelay(10 * time.Millisecond)
	ctx := context.Background()

	var calls atomic.Int32
	queue.RegisterProcessor(JobTypeDLQSweep, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("database unavailable")
	})

	queue.Start()
	defer queue.Stop()

	job, err := queue.EnqueueJob(JobTypeDLQSweep, DLQSweepJobPayload{}.ToMap())
	require.NoError(t, err)

	var stored *Job
	require.True(t, WaitForCondition(t, 5*time.Second, func() bool {
		stored, err = queue.GetJob(ctx, job.ID)
		return err == nil && stored.Status == JobStatusFailed
	}))
	assert.Equal(t, int32(DefaultMaxRetries), calls.Load())
	assert.Equal(t, DefaultMaxRetries, stored.RetryCount)
	assert.Equal(t, "database unavailable", stored.ErrorMsg)
}

func TestQueue_UnknownJobType(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 1)
	ctx := context.Background()

	job := &Job{ID: "job-1", Type: JobType("unknown"), MaxRetries: 0, CreatedAt: time.Now()}
	queue.processJob(ctx, job)

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMsg, "unknown job type")
}

func TestQueue_RecoverStuck(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueueWithClient(client, 1)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := func(job Job) {
		data, err := json.Marshal(job)
		require.NoError(t, err)
		require.NoError(t, client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err())
		require.NoError(t, client.RPush(ctx, JobProcessingKey, job.ID).Err())
	}

	stale := now.Add(-time.Hour)
	fresh := now.Add(-time.Minute)
	store(Job{ID: "stale", Type: JobTypeMarginPass, Status: JobStatusProcessing, ProcessedAt: &stale})
	store(Job{ID: "fresh", Type: JobTypeMarginPass, Status: JobStatusProcessing, ProcessedAt: &fresh})
	store(Job{ID: "done", Type: JobTypeMarginPass, Status: JobStatusCompleted})
	require.NoError(t, client.RPush(ctx, JobProcessingKey, "missing").Err())

	recovered := queue.recoverStuck(ctx, 10*time.Minute, now)
	assert.Equal(t, 1, recovered)

	pending, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, pending)

	processing, err := client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, processing)

	job, err := queue.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "recovered by sweeper", job.ErrorMsg)
}
