package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/jobqueue"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
	"github.com/dhstx/productpage-sub002/internal/pkg/margin"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

// JobScheduler hands long-running admin operations to the background queue.
type JobScheduler interface {
	EnqueueMarginPass(start, end *time.Time) (*jobqueue.Job, error)
	EnqueueDLQSweep(limit int) (*jobqueue.Job, error)
	Stats(ctx context.Context) (*jobqueue.QueueStats, error)
}

type dlqRetryRequest struct {
	Limit int  `json:"limit" validate:"gte=0,lte=500"`
	Async bool `json:"async"`
}

type marginRunRequest struct {
	PeriodStart *time.Time `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end" validate:"required_with=PeriodStart"`
	Async       bool       `json:"async"`
}

type marginEvaluateRequest struct {
	ScopeType   string     `json:"scope_type" validate:"required,oneof=platform tier user"`
	ScopeID     string     `json:"scope_id" validate:"required_unless=ScopeType platform"`
	PeriodStart *time.Time `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end" validate:"required_with=PeriodStart"`
}

type allocateRequest struct {
	Tier string `json:"tier" validate:"required"`
}

// AdminController serves the operator endpoints for the dead-letter queue,
// margin monitoring, ledgers and the job queue.
type AdminController struct {
	webhooks *webhook.Processor
	monitor  *margin.Monitor
	ledger   *ledger.Service
	tiers    entitlements.Table
	jobs     JobScheduler
	window   time.Duration
}

func NewAdminController(webhooks *webhook.Processor, monitor *margin.Monitor, svc *ledger.Service, tiers entitlements.Table, jobs JobScheduler, window time.Duration) *AdminController {
	if window <= 0 {
		window = margin.DefaultWindow
	}
	return &AdminController{
		webhooks: webhooks,
		monitor:  monitor,
		ledger:   svc,
		tiers:    tiers,
		jobs:     jobs,
		window:   window,
	}
}

// HandleListDeadLetters lists dead-letter entries, newest first.
func (ac *AdminController) HandleListDeadLetters(c *fiber.Ctx) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	entries, total, err := ac.webhooks.ListDeadLetters(c.UserContext(), limit, offset)
	if err != nil {
		log.Errorf("[Webhook] Failed to list dead letters: %v", err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "dead letters could not be listed")
	}
	return c.JSON(fiber.Map{"entries": entries, "total": total, "limit": limit, "offset": offset})
}

// HandleRetryDeadLetters replays pending entries, inline or as a queued job.
func (ac *AdminController) HandleRetryDeadLetters(c *fiber.Ctx) error {
	var req dlqRetryRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}
	if req.Limit == 0 {
		req.Limit = 50
	}

	if req.Async {
		if ac.jobs == nil {
			return errorResponse(c, fiber.StatusServiceUnavailable, "queue_unavailable", "background queue is not configured")
		}
		job, err := ac.jobs.EnqueueDLQSweep(req.Limit)
		if err != nil {
			return errorResponse(c, fiber.StatusInternalServerError, "enqueue_failed", err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "type": job.Type})
	}

	results, err := ac.webhooks.RetryDeadLetterQueue(c.UserContext(), req.Limit)
	if err != nil {
		log.Errorf("[Webhook] DLQ retry failed: %v", err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "dead letters could not be retried")
	}
	recovered := 0
	for _, r := range results {
		if r.Success {
			recovered++
		}
	}
	return c.JSON(fiber.Map{"results": results, "attempted": len(results), "recovered": recovered})
}

func (ac *AdminController) HandleDiscardDeadLetter(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return errorResponse(c, fiber.StatusBadRequest, "invalid_id", "id must be a positive integer")
	}
	if err := ac.webhooks.DiscardDeadLetter(c.UserContext(), uint(id)); err != nil {
		if errors.Is(err, webhook.ErrEntryNotFound) {
			return errorResponse(c, fiber.StatusNotFound, "not_found", err.Error())
		}
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleRunMargin runs a monitoring pass over an explicit window or the
// scheduled one.
func (ac *AdminController) HandleRunMargin(c *fiber.Ctx) error {
	var req marginRunRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}

	if req.Async {
		if ac.jobs == nil {
			return errorResponse(c, fiber.StatusServiceUnavailable, "queue_unavailable", "background queue is not configured")
		}
		job, err := ac.jobs.EnqueueMarginPass(req.PeriodStart, req.PeriodEnd)
		if err != nil {
			return errorResponse(c, fiber.StatusInternalServerError, "enqueue_failed", err.Error())
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "type": job.Type})
	}

	var (
		res *margin.PassResult
		err error
	)
	if req.PeriodStart != nil {
		res, err = ac.monitor.RunPass(c.UserContext(), *req.PeriodStart, *req.PeriodEnd)
	} else {
		res, err = ac.monitor.RunScheduled(c.UserContext(), ac.window)
	}
	if err != nil {
		return marginError(c, err)
	}
	return c.JSON(res)
}

// HandleEvaluateScope analyses a single scope on demand.
func (ac *AdminController) HandleEvaluateScope(c *fiber.Ctx) error {
	var req marginEvaluateRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}

	start, end := margin.ScheduledWindow(time.Now(), ac.window)
	if req.PeriodStart != nil {
		start, end = *req.PeriodStart, *req.PeriodEnd
	}
	ev, err := ac.monitor.EvaluateScope(c.UserContext(), req.ScopeType, req.ScopeID, start, end)
	if err != nil {
		return marginError(c, err)
	}
	return c.JSON(ev)
}

// HandleListSnapshots returns snapshot history for trend views.
func (ac *AdminController) HandleListSnapshots(c *fiber.Ctx) error {
	filter := margin.ListFilter{
		ScopeType: strings.TrimSpace(c.Query("scope_type")),
		ScopeID:   strings.TrimSpace(c.Query("scope_id")),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "invalid_since", "since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}

	snaps, total, err := ac.monitor.Snapshots().List(c.UserContext(), filter)
	if err != nil {
		log.Errorf("[MarginMonitor] Failed to list snapshots: %v", err)
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "snapshots could not be listed")
	}
	return c.JSON(fiber.Map{"snapshots": snaps, "total": total})
}

func (ac *AdminController) HandleResetLedger(c *fiber.Ctx) error {
	l, err := ac.ledger.Reset(c.UserContext(), c.Params("accountID"))
	if err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(l)
}

// HandleAllocateLedger moves an account onto a tier's allocations.
func (ac *AdminController) HandleAllocateLedger(c *fiber.Ctx) error {
	var req allocateRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}
	name := strings.ToLower(strings.TrimSpace(req.Tier))
	tier := entitlements.NormalizeTier(name)
	_, known := ac.tiers.Lookup(tier)
	if !known || (tier == entitlements.TierFreemium && name != "freemium" && name != "free") {
		return errorResponse(c, fiber.StatusBadRequest, "unknown_tier", "unknown tier "+req.Tier)
	}
	l, err := ac.ledger.Allocate(c.UserContext(), c.Params("accountID"), tier)
	if err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(l)
}

func (ac *AdminController) HandleRoutingPolicy(c *fiber.Ctx) error {
	scopeType := c.Params("scopeType")
	scopeID := c.Params("scopeID")
	if scopeType == models.MarginScopePlatform && scopeID == "" {
		scopeID = models.PlatformScopeID
	}
	policy, err := ac.ledger.RoutingPolicy(c.UserContext(), scopeType, scopeID)
	if err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", err.Error())
	}
	if policy == nil {
		return errorResponse(c, fiber.StatusNotFound, "not_found", "no routing policy for "+scopeType+":"+scopeID)
	}
	return c.JSON(policy)
}

func (ac *AdminController) HandleJobStats(c *fiber.Ctx) error {
	if ac.jobs == nil {
		return errorResponse(c, fiber.StatusServiceUnavailable, "queue_unavailable", "background queue is not configured")
	}
	stats, err := ac.jobs.Stats(c.UserContext())
	if err != nil {
		return errorResponse(c, fiber.StatusInternalServerError, "internal_error", err.Error())
	}
	return c.JSON(stats)
}

func marginError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, margin.ErrPassInProgress):
		return errorResponse(c, fiber.StatusConflict, "pass_in_progress", err.Error())
	case errors.Is(err, margin.ErrInvalidWindow), errors.Is(err, margin.ErrInvalidScope):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	}
	log.Errorf("[MarginMonitor] Request failed: %v", err)
	return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "margin evaluation failed")
}
