package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

// SignatureVerifier authenticates a raw webhook body for one source.
type SignatureVerifier func(payload []byte, c *fiber.Ctx) bool

// StripeVerifier accepts Stripe's "t=...,v1=..." header and, for internal
// relays, a plain hex HMAC of the body.
func StripeVerifier(secret string, now func() time.Time) SignatureVerifier {
	return func(payload []byte, c *fiber.Ctx) bool {
		header := c.Get("Stripe-Signature")
		if strings.Contains(header, "v1=") {
			return webhook.VerifyStripeSignature(payload, header, secret, now())
		}
		return webhook.VerifySignature(payload, header, secret)
	}
}

// HMACVerifier checks a hex HMAC-SHA256 carried in header.
func HMACVerifier(header, secret string) SignatureVerifier {
	return func(payload []byte, c *fiber.Ctx) bool {
		return webhook.VerifySignature(payload, c.Get(header), secret)
	}
}

// WebhookController receives provider events and hands them to the processor.
type WebhookController struct {
	processor *webhook.Processor
	verifiers map[string]SignatureVerifier
	timeout   time.Duration
}

func NewWebhookController(processor *webhook.Processor, verifiers map[string]SignatureVerifier) *WebhookController {
	return &WebhookController{
		processor: processor,
		verifiers: verifiers,
		timeout:   60 * time.Second,
	}
}

// HandleWebhook verifies, parses and ingests one delivery. Providers retry on
// non-2xx answers, so only outcomes that a redelivery can fix return 5xx.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	source := strings.ToLower(strings.TrimSpace(c.Params("source")))
	verify, ok := wc.verifiers[source]
	if !ok {
		return errorResponse(c, fiber.StatusNotFound, "unknown_source", "no webhook endpoint for source "+source)
	}

	// fasthttp reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)
	if !verify(payload, c) {
		log.Warnf("[Webhook] Rejected %s delivery with invalid signature from %s", source, ClientKey(c))
		return errorResponse(c, fiber.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
	}

	ev, err := webhook.ParseEvent(source, payload)
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "malformed_event", err.Error())
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), wc.timeout)
	defer cancel()

	res, err := wc.processor.Ingest(ctx, ev)
	if err != nil && !errors.Is(err, webhook.ErrNoHandler) {
		log.Errorf("[Webhook] Ingest of %s/%s failed: %v", source, ev.ID, err)
		return errorResponse(c, fiber.StatusInternalServerError, "ingest_failed", "event could not be recorded")
	}

	status := fiber.StatusOK
	if res.Outcome == webhook.OutcomeFailed {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"received":  true,
		"event_id":  res.EventID,
		"outcome":   res.Outcome,
		"in_flight": res.Outcome == webhook.OutcomeInFlight,
		"attempts":  res.Attempts,
		"error":     res.Error,
	})
}

// HandleMethodNotAllowed answers non-POST requests on the webhook path.
func (wc *WebhookController) HandleMethodNotAllowed(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAllow, fiber.MethodPost)
	return errorResponse(c, fiber.StatusMethodNotAllowed, "method_not_allowed", "webhooks must be delivered with POST")
}
