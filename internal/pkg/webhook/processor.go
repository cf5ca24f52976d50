package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/alert"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

const (
	DefaultMaxAttempts    = 3
	DefaultHandlerTimeout = 5 * time.Second
	DefaultClaimLease     = 10 * time.Minute
	DefaultDLQRetryLimit  = 10
)

// Processor applies provider events at most once, retrying failed handlers
// with exponential backoff and dead-lettering what cannot be processed.
// Retries of one event never hold a lock shared with other events.
type Processor struct {
	registry       *Registry
	events         EventLog
	dlq            DeadLetterQueue
	alerts         alert.Dispatcher
	maxAttempts    int
	handlerTimeout time.Duration
	lease          time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
}

type Option func(*Processor)

func WithMaxAttempts(n int) Option { return func(p *Processor) { p.maxAttempts = n } }

func WithHandlerTimeout(d time.Duration) Option { return func(p *Processor) { p.handlerTimeout = d } }

func WithClaimLease(d time.Duration) Option { return func(p *Processor) { p.lease = d } }

func WithAlerts(d alert.Dispatcher) Option { return func(p *Processor) { p.alerts = d } }

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

func WithNow(fn func() time.Time) Option { return func(p *Processor) { p.now = fn } }

// OptionsFromEnv reads WEBHOOK_MAX_ATTEMPTS, WEBHOOK_HANDLER_TIMEOUT_SECONDS
// and WEBHOOK_CLAIM_LEASE_MINUTES.
func OptionsFromEnv() []Option {
	return []Option{
		WithMaxAttempts(env.GetInt("WEBHOOK_MAX_ATTEMPTS", DefaultMaxAttempts)),
		WithHandlerTimeout(time.Duration(env.GetInt("WEBHOOK_HANDLER_TIMEOUT_SECONDS", 5)) * time.Second),
		WithClaimLease(env.GetMinutes("WEBHOOK_CLAIM_LEASE_MINUTES", int(DefaultClaimLease/time.Minute))),
	}
}

func NewProcessor(registry *Registry, events EventLog, dlq DeadLetterQueue, opts ...Option) *Processor {
	p := &Processor{
		registry:       registry,
		events:         events,
		dlq:            dlq,
		maxAttempts:    DefaultMaxAttempts,
		handlerTimeout: DefaultHandlerTimeout,
		lease:          DefaultClaimLease,
		sleep:          sleepContext,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	if p.handlerTimeout <= 0 {
		p.handlerTimeout = DefaultHandlerTimeout
	}
	return p
}

// Backoff returns the delay after the given failed attempt: 1s, 2s, 4s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}

func (p *Processor) Registry() *Registry { return p.registry }

// Ingest claims the event in the event log and processes it with the
// registered handler. Handler failures are reported through the Result; the
// returned error is reserved for event log failures and ErrNoHandler.
func (p *Processor) Ingest(ctx context.Context, ev Event) (Result, error) {
	ev.ID = Identity(ev.ID, ev.Payload)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = p.now()
	}
	res := Result{EventID: ev.ID, Source: ev.Source, Type: ev.Type}

	status, _, err := p.events.Claim(ctx, ev, p.now(), p.lease)
	if err != nil {
		return res, fmt.Errorf("claim event %s/%s: %w", ev.Source, ev.ID, err)
	}

	switch status {
	case ClaimDuplicate:
		log.Infof("[Webhook] Event %s/%s already processed, skipping", ev.Source, ev.ID)
		res.Outcome = OutcomeDuplicate
		p.count(ev, res.Outcome)
		return res, nil
	case ClaimInFlight:
		log.Infof("[Webhook] Event %s/%s is being processed by another delivery", ev.Source, ev.ID)
		res.Outcome = OutcomeInFlight
		p.count(ev, res.Outcome)
		return res, nil
	case ClaimReclaimed:
		log.Infof("[Webhook] Re-claimed event %s/%s", ev.Source, ev.ID)
	}

	handler, err := p.registry.Lookup(ev.Source, ev.Type)
	if err != nil {
		log.Warnf("[Webhook] %v (event %s)", err, ev.ID)
		if mErr := p.events.MarkFailed(context.WithoutCancel(ctx), ev.Source, ev.ID, 0, err.Error(), p.now()); mErr != nil {
			log.Errorf("[Webhook] Failed to mark event %s/%s as failed: %v", ev.Source, ev.ID, mErr)
		}
		res.Outcome = OutcomeUnhandled
		res.Error = err.Error()
		p.count(ev, res.Outcome)
		return res, err
	}

	return p.ProcessWithRetry(ctx, ev, handler, p.maxAttempts)
}

// ProcessWithRetry runs handler up to maxAttempts times. The caller must hold
// the event's claim, which Ingest takes care of. Exhausted or terminal
// failures mark the event failed, add a dead-letter entry and raise an alert.
func (p *Processor) ProcessWithRetry(ctx context.Context, ev Event, handler HandlerFunc, maxAttempts int) (Result, error) {
	res, err := p.process(ctx, ev, handler, maxAttempts, false)
	if err == nil {
		p.count(ev, res.Outcome)
	}
	return res, err
}

func (p *Processor) process(ctx context.Context, ev Event, handler HandlerFunc, maxAttempts int, fromDLQ bool) (Result, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	res := Result{EventID: ev.ID, Source: ev.Source, Type: ev.Type}
	bookkeeping := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		out, err := p.invoke(ctx, ev, handler)
		if err == nil {
			payload, mErr := encodeResult(out)
			if mErr != nil {
				log.Warnf("[Webhook] Could not encode result of %s/%s: %v", ev.Source, ev.ID, mErr)
			}
			if err := p.events.MarkProcessed(bookkeeping, ev.Source, ev.ID, attempt, payload, p.now()); err != nil {
				return res, fmt.Errorf("mark event %s/%s processed: %w", ev.Source, ev.ID, err)
			}
			log.Infof("[Webhook] Processed %s/%s (%s) on attempt %d", ev.Source, ev.ID, ev.Type, attempt)
			res.Outcome = OutcomeProcessed
			res.Result = payload
			return res, nil
		}

		lastErr = err
		log.Warnf("[Webhook] Attempt %d/%d for %s/%s failed: %v", attempt, maxAttempts, ev.Source, ev.ID, err)
		if IsTerminal(err) || attempt == maxAttempts {
			break
		}
		if err := p.sleep(ctx, Backoff(attempt)); err != nil {
			// Left failed without a dead-letter entry; a re-delivery re-claims it.
			lastErr = fmt.Errorf("retry aborted: %w", err)
			p.markFailed(bookkeeping, ev, res.Attempts, lastErr)
			res.Outcome = OutcomeFailed
			res.Error = lastErr.Error()
			return res, nil
		}
	}

	res.Error = lastErr.Error()
	p.markFailed(bookkeeping, ev, res.Attempts, lastErr)
	if fromDLQ {
		res.Outcome = OutcomeFailed
		return res, nil
	}

	entry := &models.DeadLetterEntry{
		Source:       ev.Source,
		WebhookID:    ev.ID,
		EventType:    ev.Type,
		Payload:      datatypes.JSON(ev.Payload),
		ErrorMessage: lastErr.Error(),
		FailedAt:     p.now(),
	}
	created, err := p.dlq.Add(bookkeeping, entry)
	if err != nil {
		log.Errorf("[Webhook] Failed to add %s/%s to the dead-letter queue: %v", ev.Source, ev.ID, err)
		res.Outcome = OutcomeFailed
		return res, nil
	}

	res.Outcome = OutcomeDeadLettered
	log.Errorf("[Webhook] Event %s/%s moved to the dead-letter queue after %d attempt(s): %v", ev.Source, ev.ID, res.Attempts, lastErr)
	if created {
		metrics.DeadLetterTotal.WithLabelValues("added").Inc()
		alert.Send(bookkeeping, p.alerts, deadLetterAlert(ev, res.Attempts, lastErr))
	}
	return res, nil
}

type handlerOutcome struct {
	out any
	err error
}

// invoke runs one attempt bounded by the handler timeout. A handler that
// ignores its context is abandoned when the timeout fires.
func (p *Processor) invoke(ctx context.Context, ev Event, handler HandlerFunc) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		out, err := handler(ctx, ev)
		done <- handlerOutcome{out: out, err: err}
	}()

	var o handlerOutcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = fmt.Errorf("handler timed out after %s: %w", p.handlerTimeout, ctx.Err())
	}

	metrics.WebhookHandlerDuration.WithLabelValues(ev.Source, ev.Type).Observe(time.Since(start).Seconds())
	result := "success"
	switch {
	case o.err == nil:
	case IsTerminal(o.err):
		result = "terminal"
	case errors.Is(o.err, context.DeadlineExceeded):
		result = "timeout"
	default:
		result = "error"
	}
	metrics.WebhookHandlerAttempts.WithLabelValues(ev.Source, result).Inc()
	return o.out, o.err
}

// RetryDeadLetterQueue re-processes up to limit entries that were never
// retried, with a single attempt each. Recovered entries are removed, failed
// ones have their retry count incremented so a sweep never loops.
func (p *Processor) RetryDeadLetterQueue(ctx context.Context, limit int) ([]RetryResult, error) {
	if limit <= 0 {
		limit = DefaultDLQRetryLimit
	}
	entries, err := p.dlq.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}

	results := make([]RetryResult, 0, len(entries))
	recovered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		rr := p.retryEntry(ctx, entry)
		if rr.Success {
			recovered++
		}
		results = append(results, rr)
	}
	log.Infof("[Webhook] Dead-letter sweep: %d/%d entries recovered", recovered, len(results))
	return results, nil
}

func (p *Processor) retryEntry(ctx context.Context, entry models.DeadLetterEntry) RetryResult {
	ev := Event{
		ID:         entry.WebhookID,
		Source:     entry.Source,
		Type:       entry.EventType,
		Payload:    json.RawMessage(entry.Payload),
		ReceivedAt: entry.FailedAt,
	}
	rr := RetryResult{EntryID: entry.ID, EventID: entry.WebhookID}

	handler, err := p.registry.Lookup(ev.Source, ev.Type)
	if err != nil {
		rr.Outcome = OutcomeUnhandled
		rr.Error = err.Error()
		p.retryFailed(ctx, entry.ID)
		return rr
	}

	status, _, err := p.events.Claim(ctx, ev, p.now(), p.lease)
	if err != nil {
		rr.Outcome = OutcomeFailed
		rr.Error = err.Error()
		return rr
	}
	switch status {
	case ClaimDuplicate:
		// Processed through a later re-delivery.
		rr.Outcome = OutcomeDuplicate
		rr.Success = p.resolveEntry(ctx, entry.ID)
		return rr
	case ClaimInFlight:
		rr.Outcome = OutcomeInFlight
		rr.Error = ErrInFlight.Error()
		return rr
	}

	res, err := p.process(ctx, ev, handler, 1, true)
	rr.Outcome = res.Outcome
	if err != nil {
		rr.Outcome = OutcomeFailed
		rr.Error = err.Error()
		return rr
	}
	if res.Success() {
		rr.Success = p.resolveEntry(ctx, entry.ID)
		return rr
	}
	rr.Error = res.Error
	p.retryFailed(ctx, entry.ID)
	return rr
}

func (p *Processor) resolveEntry(ctx context.Context, id uint) bool {
	if err := p.dlq.Delete(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, ErrEntryNotFound) {
		log.Errorf("[Webhook] Failed to remove recovered dead-letter entry %d: %v", id, err)
		return false
	}
	metrics.DeadLetterTotal.WithLabelValues("recovered").Inc()
	return true
}

func (p *Processor) retryFailed(ctx context.Context, id uint) {
	if err := p.dlq.IncrementRetry(context.WithoutCancel(ctx), id); err != nil {
		log.Errorf("[Webhook] Failed to bump retry count of dead-letter entry %d: %v", id, err)
	}
	metrics.DeadLetterTotal.WithLabelValues("retry_failed").Inc()
}

// ListDeadLetters pages through the dead-letter queue, newest first.
func (p *Processor) ListDeadLetters(ctx context.Context, limit, offset int) ([]models.DeadLetterEntry, int64, error) {
	return p.dlq.List(ctx, limit, offset)
}

// DiscardDeadLetter removes an entry without re-processing it.
func (p *Processor) DiscardDeadLetter(ctx context.Context, id uint) error {
	if err := p.dlq.Delete(ctx, id); err != nil {
		return err
	}
	log.Infof("[Webhook] Discarded dead-letter entry %d", id)
	metrics.DeadLetterTotal.WithLabelValues("discarded").Inc()
	return nil
}

func (p *Processor) markFailed(ctx context.Context, ev Event, attempts int, cause error) {
	if err := p.events.MarkFailed(ctx, ev.Source, ev.ID, attempts, cause.Error(), p.now()); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s/%s as failed: %v", ev.Source, ev.ID, err)
	}
}

func (p *Processor) count(ev Event, outcome Outcome) {
	metrics.WebhookEventsTotal.WithLabelValues(ev.Source, ev.Type, string(outcome)).Inc()
}

func deadLetterAlert(ev Event, attempts int, cause error) alert.Alert {
	a := alert.New(
		alert.CategoryWebhookDeadLetter,
		alert.SeverityCritical,
		ev.Source,
		"Webhook Processing Failed",
		fmt.Sprintf("Event %s (%s) was moved to the dead-letter queue after %d attempt(s).", ev.ID, ev.Type, attempts),
	)
	a.Fields = []alert.Field{
		{Label: "Webhook ID", Value: ev.ID},
		{Label: "Source", Value: ev.Source},
		{Label: "Event Type", Value: ev.Type},
		{Label: "Error", Value: cause.Error()},
	}
	a.Recommendations = []string{
		"Check the handler logs for the failing event",
		"Retry the dead-letter queue once the cause is fixed",
	}
	a.DashboardURL = alert.DashboardLink("/admin/webhooks/dlq")
	return a
}

func encodeResult(out any) ([]byte, error) {
	if out == nil {
		return nil, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
