package controllers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/ledger"
)

type usageCheckRequest struct {
	Pool  string `json:"pool" validate:"required,oneof=core advanced"`
	Units int64  `json:"units" validate:"required,gt=0"`
}

type usageConsumeRequest struct {
	Pool    string           `json:"pool" validate:"required,oneof=core advanced"`
	Units   int64            `json:"units" validate:"required,gt=0"`
	CostUSD *decimal.Decimal `json:"cost_usd"`
	Model   string           `json:"model" validate:"max=100"`
}

// UsageController exposes quota checks and consumption for accounts and
// anonymous sessions.
type UsageController struct {
	ledger      *ledger.Service
	anonymous   *ledger.AnonymousCounter
	anonymousID func(c *fiber.Ctx) (string, error)
}

func NewUsageController(svc *ledger.Service, anonymous *ledger.AnonymousCounter, anonymousID func(c *fiber.Ctx) (string, error)) *UsageController {
	return &UsageController{ledger: svc, anonymous: anonymous, anonymousID: anonymousID}
}

// HandleGetUsage returns the account's ledger for the current cycle.
func (uc *UsageController) HandleGetUsage(c *fiber.Ctx) error {
	l, err := uc.ledger.Get(c.UserContext(), c.Params("accountID"))
	if err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(l)
}

func (uc *UsageController) HandleCheck(c *fiber.Ctx) error {
	var req usageCheckRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}
	av, err := uc.ledger.CheckAvailability(c.UserContext(), c.Params("accountID"), req.Pool, req.Units)
	if err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(av)
}

// HandleConsume draws units; a cost makes the draw count towards COGS.
func (uc *UsageController) HandleConsume(c *fiber.Ctx) error {
	var req usageConsumeRequest
	if err := bindJSON(c, &req); err != nil {
		return writeRequestError(c, err)
	}

	accountID := c.Params("accountID")
	var (
		l   *models.UsageLedger
		err error
	)
	if req.CostUSD != nil {
		if req.CostUSD.IsNegative() {
			return errorResponse(c, fiber.StatusBadRequest, "validation_failed", "cost_usd must not be negative")
		}
		l, err = uc.ledger.ConsumeMetered(c.UserContext(), accountID, req.Pool, req.Units, *req.CostUSD, req.Model)
	} else {
		l, err = uc.ledger.Consume(c.UserContext(), accountID, req.Pool, req.Units)
	}
	if err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(fiber.Map{"consumed": req.Units, "remaining": l.Available(req.Pool), "cycle_end": l.CycleEnd})
}

// HandleAnonymousQuestion admits one question per session per window.
func (uc *UsageController) HandleAnonymousQuestion(c *fiber.Ctx) error {
	sessionID, err := uc.anonymousID(c)
	if err != nil {
		log.Errorf("[Ledger] Anonymous session unavailable: %v", err)
		return errorResponse(c, fiber.StatusInternalServerError, "session_unavailable", "anonymous session could not be established")
	}

	av, err := uc.anonymous.Check(c.UserContext(), sessionID)
	if err != nil {
		return ledgerError(c, err)
	}
	if !av.Allowed {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":    "upgrade_required",
			"message":  "anonymous question limit reached, sign up to continue",
			"reset_at": av.CycleEnd,
		})
	}

	if _, err := uc.anonymous.Record(c.UserContext(), sessionID); err != nil {
		return ledgerError(c, err)
	}
	return c.JSON(fiber.Map{"allowed": true, "remaining": av.Available - 1, "reset_at": av.CycleEnd})
}

// ledgerError maps ledger failures onto HTTP answers.
func ledgerError(c *fiber.Ctx, err error) error {
	if qe, ok := ledger.IsQuotaExceeded(err); ok {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":     "upgrade_required",
			"message":   fmt.Sprintf("%s quota exhausted", qe.Pool),
			"pool":      qe.Pool,
			"requested": qe.Requested,
			"available": qe.Available,
		})
	}
	switch {
	case errors.Is(err, ledger.ErrInvalidUnits), errors.Is(err, ledger.ErrInvalidPool), errors.Is(err, ledger.ErrInvalidCycle):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		return errorResponse(c, fiber.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, ledger.ErrConflict):
		return errorResponse(c, fiber.StatusConflict, "conflict", err.Error())
	}
	log.Errorf("[Ledger] Request failed: %v", err)
	return errorResponse(c, fiber.StatusInternalServerError, "internal_error", "ledger operation failed")
}
