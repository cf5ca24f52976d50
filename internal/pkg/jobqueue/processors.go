package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

// MarginRunner runs monitoring passes.
type MarginRunner interface {
	RunPass(ctx context.Context, periodStart, periodEnd time.Time) (*margin.PassResult, error)
	RunScheduled(ctx context.Context, window time.Duration) (*margin.PassResult, error)
}

// DeadLetterRetrier replays dead-lettered webhook events.
type DeadLetterRetrier interface {
	RetryDeadLetterQueue(ctx context.Context, limit int) ([]webhook.RetryResult, error)
}

// LedgerResetter starts a fresh usage cycle for an account.
type LedgerResetter interface {
	Reset(ctx context.Context, accountID string) (*models.UsageLedger, error)
}

// MarginPassProcessor runs one monitoring pass. A pass that is already in
// progress elsewhere counts as done.
func MarginPassProcessor(runner MarginRunner, window time.Duration) Processor {
	return func(ctx context.Context, job *Job) error {
		payload, err := MarginPassJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid margin pass payload: %w", err)
		}

		var res *margin.PassResult
		if payload.HasWindow() {
			res, err = runner.RunPass(ctx, *payload.PeriodStart, *payload.PeriodEnd)
		} else {
			res, err = runner.RunScheduled(ctx, window)
		}
		if errors.Is(err, margin.ErrPassInProgress) {
			log.Infof("[JobQueue] Margin pass already running, skipping job %s", job.ID)
			return nil
		}
		if err != nil {
			return err
		}

		log.Infof("[JobQueue] Margin pass %s..%s: %d scopes, %d alerts, %d failures",
			res.PeriodStart.Format(time.RFC3339), res.PeriodEnd.Format(time.RFC3339),
			len(res.Evaluations), len(res.Alerts), len(res.Failures))
		if res.Failed() {
			return fmt.Errorf("margin pass: %d scope(s) failed, first: %s", len(res.Failures), res.Failures[0].Error)
		}
		return nil
	}
}

// DLQSweepProcessor retries dead-lettered events. Individual replay failures
// stay in the dead-letter queue and do not fail the job.
func DLQSweepProcessor(retrier DeadLetterRetrier, defaultLimit int) Processor {
	return func(ctx context.Context, job *Job) error {
		payload, err := DLQSweepJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid dlq sweep payload: %w", err)
		}
		limit := payload.Limit
		if limit <= 0 {
			limit = defaultLimit
		}

		results, err := retrier.RetryDeadLetterQueue(ctx, limit)
		if err != nil {
			return err
		}
		recovered := 0
		for _, r := range results {
			if r.Success {
				recovered++
			}
		}
		log.Infof("[JobQueue] DLQ sweep: %d/%d entries recovered", recovered, len(results))
		return nil
	}
}

func LedgerResetProcessor(resetter LedgerResetter) Processor {
	return func(ctx context.Context, job *Job) error {
		payload, err := LedgerResetJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("invalid ledger reset payload: %w", err)
		}
		if payload.AccountID == "" {
			return errors.New("ledger reset: account_id is required")
		}
		_, err = resetter.Reset(ctx, payload.AccountID)
		return err
	}
}
