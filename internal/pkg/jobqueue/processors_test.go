package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

type fakeMarginRunner struct {
	mu        sync.Mutex
	scheduled int
	windows   [][2]time.Time
	result    *margin.PassResult
	err       error
}

func (f *fakeMarginRunner) RunPass(ctx context.Context, start, end time.Time) (*margin.PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]time.Time{start, end})
	return f.pass(start, end)
}

func (f *fakeMarginRunner) RunScheduled(ctx context.Context, window time.Duration) (*margin.PassResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled++
	end := time.Now().UTC().Truncate(time.Hour)
	return f.pass(end.Add(-window), end)
}

func (f *fakeMarginRunner) pass(start, end time.Time) (*margin.PassResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &margin.PassResult{PeriodStart: start, PeriodEnd: end}, nil
}

func (f *fakeMarginRunner) scheduledCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled
}

type fakeRetrier struct {
	limit   int
	results []webhook.RetryResult
	err     error
}

func (f *fakeRetrier) RetryDeadLetterQueue(ctx context.Context, limit int) ([]webhook.RetryResult, error) {
	f.limit = limit
	return f.results, f.err
}

type fakeResetter struct {
	accounts []string
}

func (f *fakeResetter) Reset(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	f.accounts = append(f.accounts, accountID)
	return &models.UsageLedger{AccountID: accountID}, nil
}

func TestMarginPassProcessor(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	t.Run("explicit window", func(t *testing.T) {
		runner := &fakeMarginRunner{}
		job := &Job{ID: "1", Payload: MarginPassJobPayload{PeriodStart: &start, PeriodEnd: &end}.ToMap()}

		require.NoError(t, MarginPassProcessor(runner, time.Hour)(ctx, job))
		require.Len(t, runner.windows, 1)
		assert.True(t, runner.windows[0][0].Equal(start))
		assert.True(t, runner.windows[0][1].Equal(end))
		assert.Equal(t, 0, runner.scheduled)
	})

	t.Run("scheduled window", func(t *testing.T) {
		runner := &fakeMarginRunner{}
		job := &Job{ID: "2", Payload: MarginPassJobPayload{}.ToMap()}

		require.NoError(t, MarginPassProcessor(runner, time.Hour)(ctx, job))
		assert.Equal(t, 1, runner.scheduled)
		assert.Empty(t, runner.windows)
	})

	t.Run("pass already running", func(t *testing.T) {
		runner := &fakeMarginRunner{err: margin.ErrPassInProgress}
		assert.NoError(t, MarginPassProcessor(runner, time.Hour)(ctx, &Job{ID: "3"}))
	})

	t.Run("scope failures fail the job", func(t *testing.T) {
		runner := &fakeMarginRunner{result: &margin.PassResult{
			Failures: []margin.ScopeFailure{{ScopeType: "tier", ScopeID: "pro", Error: "query timeout"}},
		}}
		err := MarginPassProcessor(runner, time.Hour)(ctx, &Job{ID: "4"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query timeout")
	})

	t.Run("runner error", func(t *testing.T) {
		runner := &fakeMarginRunner{err: errors.New("db down")}
		assert.EqualError(t, MarginPassProcessor(runner, time.Hour)(ctx, &Job{ID: "5"}), "db down")
	})
}

func TestDLQSweepProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("default limit", func(t *testing.T) {
		retrier := &fakeRetrier{results: []webhook.RetryResult{
			{EntryID: 1, Success: true},
			{EntryID: 2, Success: false, Error: "still failing"},
		}}
		require.NoError(t, DLQSweepProcessor(retrier, 50)(ctx, &Job{ID: "1", Payload: DLQSweepJobPayload{}.ToMap()}))
		assert.Equal(t, 50, retrier.limit)
	})

	t.Run("payload limit", func(t *testing.T) {
		retrier := &fakeRetrier{}
		require.NoError(t, DLQSweepProcessor(retrier, 50)(ctx, &Job{ID: "2", Payload: DLQSweepJobPayload{Limit: 5}.ToMap()}))
		assert.Equal(t, 5, retrier.limit)
	})

	t.Run("listing error", func(t *testing.T) {
		retrier := &fakeRetrier{err: errors.New("db down")}
		assert.Error(t, DLQSweepProcessor(retrier, 50)(ctx, &Job{ID: "3"}))
	})
}

func TestLedgerResetProcessor(t *testing.T) {
	ctx := context.Background()
	resetter := &fakeResetter{}
	p := LedgerResetProcessor(resetter)

	require.NoError(t, p(ctx, &Job{ID: "1", Payload: LedgerResetJobPayload{AccountID: "acct_1"}.ToMap()}))
	assert.Equal(t, []string{"acct_1"}, resetter.accounts)

	assert.Error(t, p(ctx, &Job{ID: "2", Payload: map[string]interface{}{}}))
}
