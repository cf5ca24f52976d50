package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/webhook"
)

const (
	SourceStripe = models.BillingProviderStripe

	EventPaymentSucceeded     = "payment_intent.succeeded"
	EventPaymentFailed        = "payment_intent.payment_failed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Metadata keys set on Stripe objects at checkout.
const (
	metaUserID   = "user_id"
	metaTier     = "tier"
	metaPTAmount = "pt_amount"
	metaPTType   = "pt_type"
)

// LedgerWriter is the part of the usage ledger that billing events mutate.
type LedgerWriter interface {
	Allocate(ctx context.Context, accountID string, tier entitlements.Tier) (*models.UsageLedger, error)
	TopUpOnce(ctx context.Context, accountID, pool string, units int64, ref string) (*models.UsageLedger, bool, error)
	StartCycle(ctx context.Context, accountID string, start, end time.Time) (*models.UsageLedger, error)
}

// StripeHandlers applies Stripe events to billing tables and the usage ledger.
type StripeHandlers struct {
	billing *Service
	ledger  LedgerWriter
}

func NewStripeHandlers(billing *Service, ledger LedgerWriter) *StripeHandlers {
	return &StripeHandlers{billing: billing, ledger: ledger}
}

// Register installs the Stripe handlers into the webhook registry.
func (h *StripeHandlers) Register(r *webhook.Registry) {
	r.Register(SourceStripe, EventPaymentSucceeded, h.PaymentSucceeded)
	r.Register(SourceStripe, EventPaymentFailed, h.PaymentFailed)
	r.Register(SourceStripe, EventSubscriptionCreated, h.SubscriptionChanged)
	r.Register(SourceStripe, EventSubscriptionUpdated, h.SubscriptionChanged)
	r.Register(SourceStripe, EventSubscriptionDeleted, h.SubscriptionDeleted)
	r.Register(SourceStripe, EventInvoicePaid, h.InvoicePaid)
	r.Register(SourceStripe, EventInvoicePaymentFailed, h.InvoicePaymentFailed)
}

type stripeEnvelope struct {
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Customer         string            `json:"customer"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	Subscription        string            `json:"subscription"`
	AmountPaid          int64             `json:"amount_paid"`
	AmountDue           int64             `json:"amount_due"`
	Currency            string            `json:"currency"`
	PeriodStart         int64             `json:"period_start"`
	PeriodEnd           int64             `json:"period_end"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// decodeObject extracts data.object. A body that does not decode can never
// succeed, so the error is terminal.
func decodeObject(ev webhook.Event, into any) error {
	var envelope stripeEnvelope
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return webhook.Terminalf("decode %s envelope: %v", ev.Type, err)
	}
	if len(envelope.Data.Object) == 0 {
		return webhook.Terminalf("%s: missing data.object", ev.Type)
	}
	if err := json.Unmarshal(envelope.Data.Object, into); err != nil {
		return webhook.Terminalf("decode %s object: %v", ev.Type, err)
	}
	return nil
}

// PaymentSucceeded records the payment and tops up the ledger when the
// payment bought platform tokens (metadata pt_amount, pt_type). The top-up is
// keyed by the payment intent id, so a retried or redelivered event never
// grants the units twice.
func (h *StripeHandlers) PaymentSucceeded(ctx context.Context, ev webhook.Event) (any, error) {
	var pi stripePaymentIntent
	if err := decodeObject(ev, &pi); err != nil {
		return nil, err
	}
	if pi.ID == "" {
		return nil, webhook.Terminalf("%s: payment intent without id", ev.Type)
	}
	accountID := strings.TrimSpace(pi.Metadata[metaUserID])
	if accountID == "" {
		return nil, webhook.Terminalf("payment intent %s: missing %s metadata", pi.ID, metaUserID)
	}
	units, pool, err := topUpFromMetadata(pi.Metadata)
	if err != nil {
		return nil, webhook.Terminalf("payment intent %s: %v", pi.ID, err)
	}

	purpose := models.PaymentPurposeOneOff
	if units > 0 {
		purpose = models.PaymentPurposeTopUp
		_, applied, err := h.ledger.TopUpOnce(ctx, accountID, pool, units, pi.ID)
		if err != nil {
			return nil, fmt.Errorf("top up %s: %w", accountID, err)
		}
		if !applied {
			log.Infof("[Billing] Top-up for payment %s already applied to %s", pi.ID, accountID)
		}
	}

	if _, err := h.billing.RecordPayment(ctx, PaymentInput{
		Provider:          SourceStripe,
		ProviderPaymentID: pi.ID,
		AccountID:         accountID,
		AmountCents:       pi.Amount,
		Currency:          pi.Currency,
		Status:            models.PaymentStatusSucceeded,
		Purpose:           purpose,
		Pool:              pool,
		Units:             units,
	}); err != nil {
		return nil, fmt.Errorf("record payment %s: %w", pi.ID, err)
	}

	log.Infof("[Billing] Payment %s succeeded for %s (%d %s units)", pi.ID, accountID, units, pool)
	return map[string]any{"account_id": accountID, "payment_id": pi.ID, "pool": pool, "units": units}, nil
}

// PaymentFailed records a failed payment. The account is optional here since
// nothing is granted.
func (h *StripeHandlers) PaymentFailed(ctx context.Context, ev webhook.Event) (any, error) {
	var pi stripePaymentIntent
	if err := decodeObject(ev, &pi); err != nil {
		return nil, err
	}
	msg := ""
	if pi.LastPaymentError != nil {
		msg = pi.LastPaymentError.Message
	}

	if _, err := h.billing.RecordPayment(ctx, PaymentInput{
		Provider:          SourceStripe,
		ProviderPaymentID: pi.ID,
		AccountID:         pi.Metadata[metaUserID],
		AmountCents:       pi.Amount,
		Currency:          pi.Currency,
		Status:            models.PaymentStatusFailed,
		FailureMessage:    msg,
	}); err != nil {
		return nil, fmt.Errorf("record payment %s: %w", pi.ID, err)
	}
	log.Warnf("[Billing] Payment %s failed: %s", pi.ID, msg)
	return map[string]any{"payment_id": pi.ID, "status": models.PaymentStatusFailed}, nil
}

// SubscriptionChanged syncs a created or updated subscription, reallocates
// the account's quota to its effective tier and aligns the ledger cycle with
// the subscription period.
func (h *StripeHandlers) SubscriptionChanged(ctx context.Context, ev webhook.Event) (any, error) {
	var sub stripeSubscription
	if err := decodeObject(ev, &sub); err != nil {
		return nil, err
	}
	return h.syncSubscription(ctx, ev, sub)
}

// SubscriptionDeleted marks the subscription canceled, which drops the
// account back to its next best tier.
func (h *StripeHandlers) SubscriptionDeleted(ctx context.Context, ev webhook.Event) (any, error) {
	var sub stripeSubscription
	if err := decodeObject(ev, &sub); err != nil {
		return nil, err
	}
	sub.Status = models.BillingStatusCanceled
	return h.syncSubscription(ctx, ev, sub)
}

func (h *StripeHandlers) syncSubscription(ctx context.Context, ev webhook.Event, sub stripeSubscription) (any, error) {
	if sub.ID == "" {
		return nil, webhook.Terminalf("%s: subscription without id", ev.Type)
	}
	accountID, err := h.subscriptionAccount(ctx, sub.ID, sub.Metadata)
	if err != nil {
		return nil, err
	}

	in := NormalizedSubscription{
		AccountID:              accountID,
		Provider:               SourceStripe,
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.Customer,
		Tier:                   sub.Metadata[metaTier],
		Status:                 sub.Status,
		CurrentPeriodStart:     unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       unixPtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		RawPayload:             ev.Payload,
	}
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		in.ProviderPriceRef = price.ID
		if price.Recurring != nil {
			in.BillingInterval = price.Recurring.Interval
		}
	}

	stored, err := h.billing.SyncSubscription(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("sync subscription %s: %w", sub.ID, err)
	}
	tier, err := h.billing.EffectiveTier(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("effective tier for %s: %w", accountID, err)
	}
	if _, err := h.ledger.Allocate(ctx, accountID, tier); err != nil {
		return nil, fmt.Errorf("allocate %s for %s: %w", tier, accountID, err)
	}
	if isEntitlingStatus(stored.Status) && in.CurrentPeriodStart != nil && in.CurrentPeriodEnd != nil {
		if _, err := h.ledger.StartCycle(ctx, accountID, *in.CurrentPeriodStart, *in.CurrentPeriodEnd); err != nil {
			return nil, fmt.Errorf("start cycle for %s: %w", accountID, err)
		}
	}

	log.Infof("[Billing] Subscription %s (%s) synced for %s, effective tier %s", sub.ID, stored.Status, accountID, tier)
	return map[string]any{
		"account_id":      accountID,
		"subscription_id": sub.ID,
		"status":          stored.Status,
		"tier":            stored.Tier,
		"effective_tier":  tier,
	}, nil
}

// InvoicePaid is the renewal signal: it records the payment and starts the
// ledger cycle covered by the invoice.
func (h *StripeHandlers) InvoicePaid(ctx context.Context, ev webhook.Event) (any, error) {
	var inv stripeInvoice
	if err := decodeObject(ev, &inv); err != nil {
		return nil, err
	}
	accountID, err := h.invoiceAccount(ctx, inv)
	if err != nil {
		return nil, err
	}

	if _, err := h.billing.RecordPayment(ctx, PaymentInput{
		Provider:          SourceStripe,
		ProviderPaymentID: inv.ID,
		AccountID:         accountID,
		AmountCents:       inv.AmountPaid,
		Currency:          inv.Currency,
		Status:            models.PaymentStatusSucceeded,
		Purpose:           models.PaymentPurposeSubscription,
	}); err != nil {
		return nil, fmt.Errorf("record invoice %s: %w", inv.ID, err)
	}

	if inv.Subscription != "" {
		if err := h.billing.MarkSubscriptionStatus(ctx, SourceStripe, inv.Subscription, models.BillingStatusActive); err != nil {
			return nil, fmt.Errorf("activate subscription %s: %w", inv.Subscription, err)
		}
	}

	start, end := invoicePeriod(inv)
	result := map[string]any{"account_id": accountID, "invoice_id": inv.ID}
	if start != nil && end != nil && end.After(*start) {
		l, err := h.ledger.StartCycle(ctx, accountID, *start, *end)
		if err != nil {
			return nil, fmt.Errorf("start cycle for %s: %w", accountID, err)
		}
		result["cycle_start"] = l.CycleStart
		result["cycle_end"] = l.CycleEnd
	}
	log.Infof("[Billing] Invoice %s paid for %s", inv.ID, accountID)
	return result, nil
}

// InvoicePaymentFailed marks the subscription past_due. Quota is kept until
// the provider cancels the subscription.
func (h *StripeHandlers) InvoicePaymentFailed(ctx context.Context, ev webhook.Event) (any, error) {
	var inv stripeInvoice
	if err := decodeObject(ev, &inv); err != nil {
		return nil, err
	}
	accountID, err := h.invoiceAccount(ctx, inv)
	if err != nil && !webhook.IsTerminal(err) {
		return nil, err
	}

	if inv.Subscription != "" {
		if err := h.billing.MarkSubscriptionStatus(ctx, SourceStripe, inv.Subscription, models.BillingStatusPastDue); err != nil {
			return nil, fmt.Errorf("mark subscription %s past_due: %w", inv.Subscription, err)
		}
	}
	if _, err := h.billing.RecordPayment(ctx, PaymentInput{
		Provider:          SourceStripe,
		ProviderPaymentID: inv.ID,
		AccountID:         accountID,
		AmountCents:       inv.AmountDue,
		Currency:          inv.Currency,
		Status:            models.PaymentStatusFailed,
		Purpose:           models.PaymentPurposeSubscription,
	}); err != nil {
		return nil, fmt.Errorf("record invoice %s: %w", inv.ID, err)
	}
	log.Warnf("[Billing] Invoice %s payment failed for %q", inv.ID, accountID)
	return map[string]any{"invoice_id": inv.ID, "subscription_id": inv.Subscription, "status": models.BillingStatusPastDue}, nil
}

// subscriptionAccount resolves the account from metadata, falling back to a
// previously synced subscription.
func (h *StripeHandlers) subscriptionAccount(ctx context.Context, subscriptionID string, metadata map[string]string) (string, error) {
	if id := strings.TrimSpace(metadata[metaUserID]); id != "" {
		return id, nil
	}
	if subscriptionID != "" {
		stored, err := h.billing.FindSubscription(ctx, SourceStripe, subscriptionID)
		if err == nil {
			return stored.AccountID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	return "", webhook.Terminalf("subscription %q: missing %s metadata", subscriptionID, metaUserID)
}

func (h *StripeHandlers) invoiceAccount(ctx context.Context, inv stripeInvoice) (string, error) {
	if id := strings.TrimSpace(inv.Metadata[metaUserID]); id != "" {
		return id, nil
	}
	var meta map[string]string
	if inv.SubscriptionDetails != nil {
		meta = inv.SubscriptionDetails.Metadata
	}
	return h.subscriptionAccount(ctx, inv.Subscription, meta)
}

func topUpFromMetadata(meta map[string]string) (int64, string, error) {
	raw := strings.TrimSpace(meta[metaPTAmount])
	if raw == "" {
		return 0, "", nil
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || units <= 0 {
		return 0, "", fmt.Errorf("invalid %s %q", metaPTAmount, raw)
	}
	pool := strings.ToLower(strings.TrimSpace(meta[metaPTType]))
	if pool == "" {
		pool = models.UsagePoolCore
	}
	if !models.IsValidUsagePool(pool) {
		return 0, "", fmt.Errorf("invalid %s %q", metaPTType, pool)
	}
	return units, pool, nil
}

// invoicePeriod prefers the first line item period, which covers the
// renewed service period.
func invoicePeriod(inv stripeInvoice) (*time.Time, *time.Time) {
	if len(inv.Lines.Data) > 0 {
		p := inv.Lines.Data[0].Period
		if p.Start > 0 && p.End > 0 {
			return unixPtr(p.Start), unixPtr(p.End)
		}
	}
	return unixPtr(inv.PeriodStart), unixPtr(inv.PeriodEnd)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
