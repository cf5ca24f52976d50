package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/alert"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, a alert.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

type harness struct {
	proc     *Processor
	registry *Registry
	events   *MemoryEventLog
	dlq      *MemoryDeadLetterQueue
	alerts   *recordingDispatcher

	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		registry: NewRegistry(),
		events:   NewMemoryEventLog(),
		dlq:      NewMemoryDeadLetterQueue(),
		alerts:   &recordingDispatcher{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []Option{
		WithAlerts(h.alerts),
		WithNow(h.clock),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		}),
	}
	h.proc = NewProcessor(h.registry, h.events, h.dlq, append(base, opts...)...)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) sleepCalls() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func testEvent(id, eventType string) Event {
	return Event{
		ID:      id,
		Source:  "stripe",
		Type:    eventType,
		Payload: json.RawMessage(`{"id":"` + id + `"}`),
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, time.Second, Backoff(0))
}

func TestIngest_ConcurrentDeliveriesProcessOnce(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.Register("stripe", "payment_intent.succeeded", func(ctx context.Context, ev Event) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]string{"status": "ok"}, nil
	})

	const deliveries = 20
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.proc.Ingest(context.Background(), testEvent("evt_concurrent", "payment_intent.succeeded"))
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	processed := 0
	for o := range outcomes {
		if o == OutcomeProcessed {
			processed++
			continue
		}
		assert.Contains(t, []Outcome{OutcomeDuplicate, OutcomeInFlight}, o)
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, int32(1), calls.Load())

	rec, err := h.events.Get(context.Background(), "stripe", "evt_concurrent")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, rec.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(rec.Result))
}

func TestIngest_DuplicatePaymentWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := ledger.NewService(ledger.NewMemoryStore(), nil, ledger.WithClock(ledger.ClockFunc(h.clock)))

	h.registry.Register("stripe", "payment_intent.succeeded", func(ctx context.Context, ev Event) (any, error) {
		l, _, err := svc.TopUpOnce(ctx, "user_1", models.UsagePoolCore, 50, ev.ID)
		return l, err
	})

	first, err := h.proc.Ingest(ctx, testEvent("evt_123", "payment_intent.succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	h.advance(5 * time.Second)
	second, err := h.proc.Ingest(ctx, testEvent("evt_123", "payment_intent.succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	l, err := svc.Get(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100+50), l.CoreAllocated, "top-up must be applied exactly once")
}

func TestProcessWithRetry_ExhaustedRetries(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		calls.Add(1)
		return nil, errors.New("ledger store unavailable")
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_456", "invoice.paid"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleepCalls())

	rec, err := h.events.Get(context.Background(), "stripe", "evt_456")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.ErrorMessage, "ledger store unavailable")

	entries, total, err := h.dlq.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, "evt_456", entries[0].WebhookID)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Equal(t, "ledger store unavailable", entries[0].ErrorMessage)

	require.Equal(t, 1, h.alerts.count())
	assert.Equal(t, alert.CategoryWebhookDeadLetter, h.alerts.alerts[0].Category)
	assert.Equal(t, alert.SeverityCritical, h.alerts.alerts[0].Severity)
}

func TestProcessWithRetry_RealBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for real backoff delays")
	}
	p := NewProcessor(NewRegistry(), NewMemoryEventLog(), NewMemoryDeadLetterQueue())
	ev := testEvent("evt_timing", "invoice.paid")
	_, _, err := p.events.Claim(context.Background(), ev, time.Now(), DefaultClaimLease)
	require.NoError(t, err)

	var calls atomic.Int32
	start := time.Now()
	res, err := p.ProcessWithRetry(context.Background(), ev, func(ctx context.Context, ev Event) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}, 3)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
}

func TestProcessWithRetry_RecoversOnSecondAttempt(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		if calls.Add(1) == 1 {
			return nil, Retryable(errors.New("deadlock detected"))
		}
		return json.RawMessage(`{"renewed":true}`), nil
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_retry", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.JSONEq(t, `{"renewed":true}`, string(res.Result))
	assert.Equal(t, []time.Duration{time.Second}, h.sleepCalls())
	assert.Zero(t, h.alerts.count())
}

func TestProcessWithRetry_TerminalSkipsBackoff(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.registry.Register("stripe", "payment_intent.succeeded", func(ctx context.Context, ev Event) (any, error) {
		calls.Add(1)
		return nil, Terminalf("missing user_id metadata")
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_terminal", "payment_intent.succeeded"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, h.sleepCalls())
	assert.Equal(t, 1, h.alerts.count())
}

func TestIngest_NoHandler(t *testing.T) {
	h := newHarness(t)

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_unknown", "charge.dispute.created"))
	require.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, OutcomeUnhandled, res.Outcome)
	assert.Contains(t, res.Error, "no handler found")

	rec, err := h.events.Get(context.Background(), "stripe", "evt_unknown")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, rec.Status)

	_, total, err := h.dlq.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, h.alerts.count())
}

func TestIngest_FailedEventIsReclaimedOnRedelivery(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(1))
	var healthy atomic.Bool
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		if !healthy.Load() {
			return nil, errors.New("database down")
		}
		return nil, nil
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_redeliver", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)

	healthy.Store(true)
	res, err = h.proc.Ingest(context.Background(), testEvent("evt_redeliver", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	rec, err := h.events.Get(context.Background(), "stripe", "evt_redeliver")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestIngest_InFlightUntilLeaseExpires(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		return nil, nil
	})
	ev := testEvent("evt_stuck", "invoice.paid")

	status, _, err := h.events.Claim(context.Background(), ev, h.clock(), DefaultClaimLease)
	require.NoError(t, err)
	require.Equal(t, ClaimCreated, status)

	res, err := h.proc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, res.Outcome)

	h.advance(DefaultClaimLease + time.Minute)
	res, err = h.proc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestIngest_IdentityFallback(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		return nil, nil
	})
	ev := testEvent("", "invoice.paid")

	res, err := h.proc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, Identity("", ev.Payload), res.EventID)

	res, err = h.proc.Ingest(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestProcessWithRetry_HandlerTimeout(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(1), WithHandlerTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		<-release
		return nil, nil
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_hung", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.Contains(t, res.Error, "timed out")
}

func TestProcessWithRetry_HandlerPanic(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(2))
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		panic("nil map")
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_panic", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Error, "handler panic")
}

func TestProcessWithRetry_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, WithSleep(func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}))
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		return nil, errors.New("boom")
	})

	res, err := h.proc.Ingest(context.Background(), testEvent("evt_cancel", "invoice.paid"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	_, total, err := h.dlq.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, h.alerts.count())
}

func TestRetryDeadLetterQueue(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(1))
	ctx := context.Background()
	var fixed atomic.Bool
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		if ev.ID == "evt_recoverable" && fixed.Load() {
			return nil, nil
		}
		return nil, errors.New("still broken")
	})

	for _, id := range []string{"evt_recoverable", "evt_poison"} {
		res, err := h.proc.Ingest(ctx, testEvent(id, "invoice.paid"))
		require.NoError(t, err)
		require.Equal(t, OutcomeDeadLettered, res.Outcome)
	}
	require.Equal(t, 2, h.alerts.count())

	fixed.Store(true)
	results, err := h.proc.RetryDeadLetterQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byEvent := map[string]RetryResult{}
	for _, r := range results {
		byEvent[r.EventID] = r
	}
	assert.True(t, byEvent["evt_recoverable"].Success)
	assert.Equal(t, OutcomeProcessed, byEvent["evt_recoverable"].Outcome)
	assert.False(t, byEvent["evt_poison"].Success)
	assert.Equal(t, "still broken", byEvent["evt_poison"].Error)

	entries, total, err := h.dlq.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, "evt_poison", entries[0].WebhookID)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, 2, h.alerts.count(), "a failed sweep must not alert again")

	results, err = h.proc.RetryDeadLetterQueue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, results, "entries are retried at most once by the sweep")

	rec, err := h.events.Get(ctx, "stripe", "evt_recoverable")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, rec.Status)
}

func TestRetryDeadLetterQueue_AlreadyProcessedByRedelivery(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(1))
	ctx := context.Background()
	var fixed atomic.Bool
	var calls atomic.Int32
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		calls.Add(1)
		if !fixed.Load() {
			return nil, errors.New("boom")
		}
		return nil, nil
	})

	_, err := h.proc.Ingest(ctx, testEvent("evt_twice", "invoice.paid"))
	require.NoError(t, err)
	fixed.Store(true)
	res, err := h.proc.Ingest(ctx, testEvent("evt_twice", "invoice.paid"))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	results, err := h.proc.RetryDeadLetterQueue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, OutcomeDuplicate, results[0].Outcome)
	assert.Equal(t, int32(2), calls.Load(), "duplicate must not re-run the handler")

	_, total, err := h.dlq.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDiscardDeadLetter(t *testing.T) {
	h := newHarness(t, WithMaxAttempts(1))
	ctx := context.Background()
	h.registry.Register("stripe", "invoice.paid", func(ctx context.Context, ev Event) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := h.proc.Ingest(ctx, testEvent("evt_discard", "invoice.paid"))
	require.NoError(t, err)

	entries, _, err := h.proc.ListDeadLetters(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, h.proc.DiscardDeadLetter(ctx, entries[0].ID))
	assert.ErrorIs(t, h.proc.DiscardDeadLetter(ctx, entries[0].ID), ErrEntryNotFound)
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "5")
	t.Setenv("WEBHOOK_HANDLER_TIMEOUT_SECONDS", "2")
	t.Setenv("WEBHOOK_CLAIM_LEASE_MINUTES", "3")

	p := NewProcessor(NewRegistry(), NewMemoryEventLog(), NewMemoryDeadLetterQueue(), OptionsFromEnv()...)
	assert.Equal(t, 5, p.maxAttempts)
	assert.Equal(t, 2*time.Second, p.handlerTimeout)
	assert.Equal(t, 3*time.Minute, p.lease)
}
