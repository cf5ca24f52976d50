package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
)

// Service provides provider-neutral billing synchronization and reconciliation.
type Service struct {
	repo  Repository
	tiers entitlements.Table
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, tiers entitlements.Table) *Service {
	if tiers == nil {
		tiers = entitlements.DefaultTable()
	}
	return &Service{repo: repo, tiers: tiers}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, tiers entitlements.Table) *Service {
	return NewService(NewRepository(db), tiers)
}

// ResolveTier picks the tier granted by a subscription. Explicit metadata
// wins; otherwise the price reference is looked up in the plan mappings,
// first for the exact interval and then for "unknown". Unmapped prices grant
// freemium and return gorm.ErrRecordNotFound.
func (s *Service) ResolveTier(ctx context.Context, provider, providerPriceRef, interval, metadataTier string) (entitlements.Tier, error) {
	if t := strings.TrimSpace(metadataTier); t != "" {
		return entitlements.NormalizeTier(t), nil
	}

	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPriceRef)
	if p == "" || ref == "" {
		return entitlements.TierFreemium, gorm.ErrRecordNotFound
	}

	// Prefer exact interval match.
	m, err := s.repo.FindActivePlanMapping(ctx, p, ref, normalizeInterval(interval))
	if err == nil {
		return entitlements.NormalizeTier(m.Tier), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	// Fallback for mappings that intentionally use "unknown".
	m, err = s.repo.FindActivePlanMapping(ctx, p, ref, models.BillingIntervalUnknown)
	if err == nil {
		return entitlements.NormalizeTier(m.Tier), nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlements.TierFreemium, gorm.ErrRecordNotFound
	}
	return "", err
}

// SyncSubscription upserts provider subscription data. The stored monthly
// price comes from the tier table so revenue stays consistent with quotas.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.BillingSubscription, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	accountID := strings.TrimSpace(in.AccountID)
	if accountID == "" || provider == "" || strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return nil, errors.New("account_id, provider and provider_subscription_id are required")
	}

	tier, err := s.ResolveTier(ctx, provider, in.ProviderPriceRef, in.BillingInterval, in.Tier)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	sub := &models.BillingSubscription{
		AccountID:              accountID,
		Provider:               provider,
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		ProviderCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		ProviderPriceRef:       strings.TrimSpace(in.ProviderPriceRef),
		Tier:                   string(tier),
		MonthlyPrice:           s.monthlyPrice(tier),
		BillingInterval:        normalizeInterval(in.BillingInterval),
		Status:                 normalizeStatus(in.Status),
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		RawPayload:             datatypes.JSON(in.RawPayload),
	}
	if err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// EffectiveTier computes the best tier granted by the account's entitling
// subscriptions, freemium when there is none.
func (s *Service) EffectiveTier(ctx context.Context, accountID string) (entitlements.Tier, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", errors.New("account_id is required")
	}

	subs, err := s.repo.ListSubscriptionsByAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	best := entitlements.TierFreemium
	for _, sub := range subs {
		if !isEntitlingStatus(sub.Status) {
			continue
		}
		candidate := entitlements.NormalizeTier(sub.Tier)
		if entitlements.Rank(candidate) > entitlements.Rank(best) {
			best = candidate
		}
	}
	return best, nil
}

// FindSubscription returns the stored subscription or gorm.ErrRecordNotFound.
func (s *Service) FindSubscription(ctx context.Context, provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	return s.repo.FindSubscription(ctx, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerSubscriptionID))
}

// MarkSubscriptionStatus updates the status of a known subscription.
func (s *Service) MarkSubscriptionStatus(ctx context.Context, provider, providerSubscriptionID, status string) error {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return errors.New("provider_subscription_id is required")
	}
	return s.repo.UpdateSubscriptionStatus(ctx, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerSubscriptionID), normalizeStatus(status))
}

// RecordPayment persists a payment outcome once per provider payment id. It
// reports whether the payment was new.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (bool, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	paymentID := strings.TrimSpace(in.ProviderPaymentID)
	if provider == "" || paymentID == "" {
		return false, errors.New("provider and provider_payment_id are required")
	}
	purpose := in.Purpose
	if purpose == "" {
		purpose = models.PaymentPurposeOneOff
	}

	payment := &models.BillingPayment{
		Provider:          provider,
		ProviderPaymentID: paymentID,
		AccountID:         strings.TrimSpace(in.AccountID),
		AmountCents:       in.AmountCents,
		Currency:          strings.ToLower(strings.TrimSpace(in.Currency)),
		Status:            in.Status,
		Purpose:           purpose,
		Pool:              in.Pool,
		Units:             in.Units,
		FailureMessage:    in.FailureMessage,
	}
	return s.repo.CreatePaymentIfNotExists(ctx, payment)
}

func (s *Service) monthlyPrice(tier entitlements.Tier) decimal.Decimal {
	cfg, ok := s.tiers.Lookup(tier)
	if !ok {
		return decimal.Zero
	}
	return cfg.MonthlyPrice
}
