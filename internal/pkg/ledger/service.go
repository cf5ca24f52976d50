package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

const (
	DefaultCyclePeriod = 30 * 24 * time.Hour
	maxSwapAttempts    = 16
)

const (
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonConservativeMode = "conservative_mode"
	ReasonNotInTier        = "capability_not_in_tier"
	ReasonPremiumCap       = "premium_cap"
)

// Availability is the answer to a quota check.
type Availability struct {
	Allowed   bool      `json:"allowed"`
	Available int64     `json:"available"`
	Allocated int64     `json:"allocated"`
	Used      int64     `json:"used"`
	Reason    string    `json:"reason,omitempty"`
	CycleEnd  time.Time `json:"cycle_end"`
}

// UsageSink receives metered usage for cost accounting.
type UsageSink interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Service implements quota checks and updates on top of a Store. Updates to
// one account are serialized in-process and guarded by compare-and-swap
// across processes; different accounts never contend.
type Service struct {
	store       Store
	policies    PolicyStore
	tiers       entitlements.Table
	clock       Clock
	period      time.Duration
	keyPrefix   string
	defaultTier entitlements.Tier
	usage       UsageSink
	locks       keyedMutex
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithPeriod(d time.Duration) Option { return func(s *Service) { s.period = d } }

func WithPolicyStore(p PolicyStore) Option { return func(s *Service) { s.policies = p } }

func WithUsageSink(u UsageSink) Option { return func(s *Service) { s.usage = u } }

func WithKeyPrefix(prefix string) Option { return func(s *Service) { s.keyPrefix = prefix } }

func WithDefaultTier(t entitlements.Tier) Option { return func(s *Service) { s.defaultTier = t } }

func NewService(store Store, tiers entitlements.Table, opts ...Option) *Service {
	if tiers == nil {
		tiers = entitlements.DefaultTable()
	}
	s := &Service{
		store:       store,
		tiers:       tiers,
		clock:       SystemClock,
		period:      DefaultCyclePeriod,
		defaultTier: entitlements.TierFreemium,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Period is the length of one billing cycle.
func (s *Service) Period() time.Duration {
	return s.period
}

// Get returns the ledger of an account, creating it on the default tier and
// applying a pending cycle reset first.
func (s *Service) Get(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	return s.update(ctx, accountID, "get", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		return false, nil
	})
}

// CheckAvailability reports whether units can be drawn from pool. A cycle
// that has ended is reset atomically before the check.
func (s *Service) CheckAvailability(ctx context.Context, accountID, pool string, units int64) (Availability, error) {
	if err := validate(pool, units); err != nil {
		return Availability{}, err
	}
	l, err := s.Get(ctx, accountID)
	if err != nil {
		return Availability{}, err
	}

	av := Availability{
		Available: l.Available(pool),
		Allocated: l.Allocated(pool),
		Used:      l.Used(pool),
		CycleEnd:  l.CycleEnd,
	}
	av.Allowed = av.Available >= units
	if !av.Allowed {
		av.Reason = ReasonQuotaExceeded
	}

	if pool == models.UsagePoolAdvanced {
		if !entitlements.AllowsCapability(s.tiers, entitlements.Tier(l.Tier), entitlements.CapabilityAdvanced) && l.AdvancedAllocated == 0 {
			av.Allowed = false
			av.Reason = ReasonNotInTier
		} else if av.Allowed && s.conservativeModeActive(ctx) {
			av.Allowed = false
			av.Reason = ReasonConservativeMode
		} else if av.Allowed && exceedsPremiumCap(l, units, s.premiumCap(ctx, accountID, l.Tier)) {
			av.Allowed = false
			av.Reason = ReasonPremiumCap
		}
	}

	outcome := "allowed"
	if !av.Allowed {
		outcome = av.Reason
	}
	metrics.LedgerOperationsTotal.WithLabelValues("check", pool, outcome).Inc()
	return av, nil
}

// Consume draws units from pool. Callers check availability first, but
// Consume still rejects any draw that would exceed the allocation.
func (s *Service) Consume(ctx context.Context, accountID, pool string, units int64) (*models.UsageLedger, error) {
	if err := validate(pool, units); err != nil {
		return nil, err
	}
	l, err := s.update(ctx, accountID, "consume", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		if avail := l.Available(pool); avail < units {
			return false, &QuotaExceededError{AccountID: l.AccountID, Pool: pool, Requested: units, Available: avail}
		}
		l.AddUsed(pool, units)
		return true, nil
	})
	outcome := "ok"
	if _, ok := IsQuotaExceeded(err); ok {
		outcome = ReasonQuotaExceeded
	} else if err != nil {
		outcome = "error"
	}
	metrics.LedgerOperationsTotal.WithLabelValues("consume", pool, outcome).Inc()
	return l, err
}

// ConsumeMetered consumes units and forwards the provider cost to the usage
// sink. A sink failure is logged; the consumption stands.
func (s *Service) ConsumeMetered(ctx context.Context, accountID, pool string, units int64, cost decimal.Decimal, model string) (*models.UsageLedger, error) {
	l, err := s.Consume(ctx, accountID, pool, units)
	if err != nil {
		return l, err
	}
	if s.usage != nil {
		rec := &models.UsageRecord{
			AccountID: l.AccountID,
			Tier:      l.Tier,
			Pool:      pool,
			Units:     units,
			CostUSD:   cost,
			Model:     model,
			CreatedAt: s.clock.Now(),
		}
		if err := s.usage.RecordUsage(ctx, rec); err != nil {
			log.Errorf("[Ledger] Failed to record usage for %s: %v", l.AccountID, err)
		}
	}
	return l, nil
}

// Allocate sets the pool allocations from the tier table. Calling it again
// with the same tier is a no-op.
func (s *Service) Allocate(ctx context.Context, accountID string, tier entitlements.Tier) (*models.UsageLedger, error) {
	cfg := s.tierConfig(tier)
	return s.update(ctx, accountID, "allocate", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		if l.Tier == string(cfg.Name) && l.CoreAllocated == cfg.CoreAllocation && l.AdvancedAllocated == cfg.AdvancedAllocation {
			return false, nil
		}
		l.Tier = string(cfg.Name)
		l.CoreAllocated = cfg.CoreAllocation
		l.AdvancedAllocated = cfg.AdvancedAllocation
		return true, nil
	})
}

// TopUpOnce adds purchased units to a pool allocation for the current cycle
// unless a top-up with the same ref (the provider payment id) was already
// applied. The ref is stored in the same compare-and-swap as the allocation.
// An empty ref is never deduplicated. It reports whether units were added.
func (s *Service) TopUpOnce(ctx context.Context, accountID, pool string, units int64, ref string) (*models.UsageLedger, bool, error) {
	if err := validate(pool, units); err != nil {
		return nil, false, err
	}
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, ",") {
		return nil, false, ErrInvalidTopUpRef
	}
	applied := false
	l, err := s.update(ctx, accountID, "topup", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		if l.HasTopUpRef(ref) {
			applied = false
			return false, nil
		}
		l.AddAllocated(pool, units)
		l.AddTopUpRef(ref)
		applied = true
		return true, nil
	})
	if err != nil {
		return l, false, err
	}
	outcome := "ok"
	if !applied {
		outcome = "duplicate"
	}
	metrics.LedgerOperationsTotal.WithLabelValues("topup", pool, outcome).Inc()
	return l, applied, nil
}

// Reset zeroes usage and advances the cycle by one period. When the cycle
// had already ended the pending lazy reset counts as this reset.
func (s *Service) Reset(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	return s.update(ctx, accountID, "reset", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		if rolled {
			return false, nil
		}
		l.CoreUsed = 0
		l.AdvancedUsed = 0
		l.CycleStart = l.CycleStart.Add(s.period)
		l.CycleEnd = l.CycleEnd.Add(s.period)
		metrics.LedgerCycleResets.WithLabelValues("eager").Inc()
		return true, nil
	})
}

// StartCycle adopts provider-supplied cycle bounds, typically from a renewal.
// Re-applying the same bounds or bounds of an already ended cycle is a no-op.
func (s *Service) StartCycle(ctx context.Context, accountID string, start, end time.Time) (*models.UsageLedger, error) {
	if !end.After(start) {
		return nil, ErrInvalidCycle
	}
	start, end = start.UTC(), end.UTC()
	return s.update(ctx, accountID, "start_cycle", func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error) {
		if l.CycleStart.Equal(start) && l.CycleEnd.Equal(end) {
			return false, nil
		}
		if !end.After(now) {
			return false, nil
		}
		l.CoreUsed = 0
		l.AdvancedUsed = 0
		l.CycleStart = start
		l.CycleEnd = end
		metrics.LedgerCycleResets.WithLabelValues("renewal").Inc()
		return true, nil
	})
}

// RoutingPolicy returns the policy for a scope, or nil when none is set.
func (s *Service) RoutingPolicy(ctx context.Context, scopeType, scopeID string) (*models.RoutingPolicy, error) {
	if s.policies == nil {
		return nil, nil
	}
	return s.policies.GetPolicy(ctx, scopeType, scopeID)
}

// SetRoutingPolicy stores a policy written by auto-mitigation.
func (s *Service) SetRoutingPolicy(ctx context.Context, policy *models.RoutingPolicy) error {
	if s.policies == nil {
		log.Warnf("[Ledger] No policy store configured, dropping policy for %s/%s", policy.ScopeType, policy.ScopeID)
		return nil
	}
	return s.policies.SavePolicy(ctx, policy)
}

// ClearPremiumCap removes the premium routing cap of a scope. It reports
// whether a cap was actually removed.
func (s *Service) ClearPremiumCap(ctx context.Context, scopeType, scopeID string) (bool, error) {
	p, err := s.RoutingPolicy(ctx, scopeType, scopeID)
	if err != nil || p == nil || p.PremiumCap == nil {
		return false, err
	}
	p.PremiumCap = nil
	if err := s.SetRoutingPolicy(ctx, p); err != nil {
		return false, err
	}
	log.Infof("[Ledger] Cleared premium cap for %s/%s", scopeType, scopeID)
	return true, nil
}

// EndConservativeMode lifts platform conservative mode. It reports whether
// the mode was active.
func (s *Service) EndConservativeMode(ctx context.Context) (bool, error) {
	p, err := s.RoutingPolicy(ctx, models.MarginScopePlatform, models.PlatformScopeID)
	if err != nil || p == nil || !p.ConservativeMode {
		return false, err
	}
	p.ConservativeMode = false
	p.ConservativeReviewAt = nil
	if err := s.SetRoutingPolicy(ctx, p); err != nil {
		return false, err
	}
	log.Infof("[Ledger] Conservative mode ended")
	return true, nil
}

// conservativeModeActive stays true until a monitoring pass explicitly ends
// the mode, even after its review time has passed.
func (s *Service) conservativeModeActive(ctx context.Context) bool {
	p, err := s.RoutingPolicy(ctx, models.MarginScopePlatform, models.PlatformScopeID)
	if err != nil {
		log.Errorf("[Ledger] Failed to read platform routing policy: %v", err)
		return false
	}
	return p != nil && p.ConservativeMode
}

// premiumCap returns the tightest advanced-share cap among the user, tier and
// platform policies, or nil when none applies.
func (s *Service) premiumCap(ctx context.Context, accountID, tier string) *float64 {
	scopes := [][2]string{
		{models.MarginScopeUser, accountID},
		{models.MarginScopeTier, tier},
		{models.MarginScopePlatform, models.PlatformScopeID},
	}
	var tightest *float64
	for _, sc := range scopes {
		p, err := s.RoutingPolicy(ctx, sc[0], sc[1])
		if err != nil {
			log.Errorf("[Ledger] Failed to read %s routing policy %s: %v", sc[0], sc[1], err)
			continue
		}
		if p == nil || p.PremiumCap == nil {
			continue
		}
		if tightest == nil || *p.PremiumCap < *tightest {
			tightest = p.PremiumCap
		}
	}
	return tightest
}

// exceedsPremiumCap reports whether drawing units more from the advanced pool
// would push its share of the cycle's total usage above limit.
func exceedsPremiumCap(l *models.UsageLedger, units int64, limit *float64) bool {
	if limit == nil {
		return false
	}
	advanced := l.AdvancedUsed + units
	total := l.CoreUsed + advanced
	if total <= 0 {
		return false
	}
	return float64(advanced)/float64(total) > *limit
}

type mutation func(l *models.UsageLedger, now time.Time, rolled bool) (bool, error)

// update runs a read-modify-write cycle for one account. mutate must leave
// the ledger untouched when it returns an error. Creation and lazy resets are
// persisted even when mutate changes nothing.
func (s *Service) update(ctx context.Context, accountID, op string, mutate mutation) (*models.UsageLedger, error) {
	key := s.keyPrefix + strings.TrimSpace(accountID)
	if key == s.keyPrefix {
		return nil, ErrAccountNotFound
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		current, err := s.store.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}

		now := s.clock.Now()
		var next *models.UsageLedger
		var expected int64
		if current == nil {
			next = s.newLedger(key, now)
		} else {
			next = current.Clone()
			expected = current.Version
		}

		rolled := s.rollCycle(next, now)
		changed, mutErr := mutate(next, now, rolled)
		if current != nil && !changed && !rolled {
			return current, mutErr
		}

		ok, err := s.store.CompareAndSwap(ctx, expected, next)
		if err != nil {
			return nil, err
		}
		if ok {
			if rolled {
				metrics.LedgerCycleResets.WithLabelValues("lazy").Inc()
			}
			return next, mutErr
		}
		log.Debugf("[Ledger] Version conflict on %s during %s (attempt %d)", key, op, attempt+1)
	}
	return nil, ErrConflict
}

// rollCycle resets usage when now is past the cycle end, advancing the cycle
// by whole periods until it contains now.
func (s *Service) rollCycle(l *models.UsageLedger, now time.Time) bool {
	if !now.After(l.CycleEnd) {
		return false
	}
	for now.After(l.CycleEnd) {
		l.CycleStart = l.CycleStart.Add(s.period)
		l.CycleEnd = l.CycleEnd.Add(s.period)
	}
	l.CoreUsed = 0
	l.AdvancedUsed = 0
	return true
}

func (s *Service) newLedger(key string, now time.Time) *models.UsageLedger {
	cfg := s.tierConfig(s.defaultTier)
	return &models.UsageLedger{
		AccountID:         key,
		Tier:              string(cfg.Name),
		CoreAllocated:     cfg.CoreAllocation,
		AdvancedAllocated: cfg.AdvancedAllocation,
		CycleStart:        now,
		CycleEnd:          now.Add(s.period),
	}
}

func (s *Service) tierConfig(tier entitlements.Tier) entitlements.TierConfig {
	if cfg, ok := s.tiers.Lookup(tier); ok {
		return cfg
	}
	cfg, _ := entitlements.DefaultTable().Lookup(entitlements.NormalizeTier(string(tier)))
	return cfg
}

func validate(pool string, units int64) error {
	if !models.IsValidUsagePool(pool) {
		return ErrInvalidPool
	}
	if units <= 0 {
		return ErrInvalidUnits
	}
	return nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
