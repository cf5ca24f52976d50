package ledger

import (
	"context"
	"time"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
)

const (
	AnonymousWindow    = 24 * time.Hour
	AnonymousKeyPrefix = "anon:"
)

// AnonymousCounter limits unauthenticated sessions to the anonymous tier
// allocation (one question) per 24 hour window. It is a ledger keyed by
// session id and shares the lazy reset behaviour of account ledgers.
type AnonymousCounter struct {
	svc *Service
}

func NewAnonymousCounter(store Store, tiers entitlements.Table, opts ...Option) *AnonymousCounter {
	base := []Option{
		WithPeriod(AnonymousWindow),
		WithKeyPrefix(AnonymousKeyPrefix),
		WithDefaultTier(entitlements.TierAnonymous),
	}
	return &AnonymousCounter{svc: NewService(store, tiers, append(base, opts...)...)}
}

// Check reports whether the session may ask another question.
func (c *AnonymousCounter) Check(ctx context.Context, sessionID string) (Availability, error) {
	return c.svc.CheckAvailability(ctx, sessionID, models.UsagePoolCore, 1)
}

// Record counts one question against the session.
func (c *AnonymousCounter) Record(ctx context.Context, sessionID string) (*models.UsageLedger, error) {
	return c.svc.Consume(ctx, sessionID, models.UsagePoolCore, 1)
}
