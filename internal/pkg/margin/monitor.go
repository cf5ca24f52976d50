package margin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/alert"
	"github.com/dhstx/productpage-sub002/internal/pkg/entitlements"
	"github.com/dhstx/productpage-sub002/internal/pkg/env"
	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

const (
	DefaultParallelism = 4
	DefaultWindow      = 24 * time.Hour

	dashboardPath = "/admin/margin-monitoring"
)

var (
	ErrPassInProgress = errors.New("margin pass already running for this window")
	ErrInvalidWindow  = errors.New("period end must be after period start")
	ErrInvalidScope   = errors.New("invalid margin scope")
)

var recommendations = []string{
	"Review top 10 users by Advanced PT consumption",
	"Consider reducing Advanced soft cap",
	"Send targeted upgrade offers to high-burn users",
}

// Evaluation is the outcome of evaluating one scope.
type Evaluation struct {
	Snapshot *models.MarginSnapshot   `json:"snapshot"`
	Actions  []models.MitigationAction `json:"actions,omitempty"`
	Lifted   []string                  `json:"lifted,omitempty"`
	Alert    *alert.Alert              `json:"alert,omitempty"`
	Alerted  bool                      `json:"alerted"`
}

// ScopeFailure records a scope that could not be evaluated.
type ScopeFailure struct {
	ScopeType string `json:"scope_type"`
	ScopeID   string `json:"scope_id"`
	Error     string `json:"error"`
}

// PassResult collects the evaluations of one monitoring pass.
type PassResult struct {
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Evaluations []*Evaluation  `json:"evaluations"`
	Alerts      []alert.Alert  `json:"alerts"`
	Failures    []ScopeFailure `json:"failures,omitempty"`
}

// Failed reports whether any scope failed.
func (r *PassResult) Failed() bool {
	return len(r.Failures) > 0
}

type Monitor struct {
	source        Source
	snapshots     SnapshotStore
	mitigator     *Mitigator
	alerts        alert.Dispatcher
	tiers         []entitlements.Tier
	premiumTarget float64
	parallelism   int
	now           func() time.Time

	scopes singleflight.Group

	mu      sync.Mutex
	running map[string]struct{}
}

type Option func(*Monitor)

func WithAlerts(d alert.Dispatcher) Option { return func(m *Monitor) { m.alerts = d } }

// WithPolicies enables auto-mitigation through the given policy writer.
func WithPolicies(p PolicyWriter) Option {
	return func(m *Monitor) { m.mitigator = NewMitigator(p, m.clock) }
}

func WithTiers(tiers []entitlements.Tier) Option { return func(m *Monitor) { m.tiers = tiers } }

func WithPremiumTarget(target float64) Option {
	return func(m *Monitor) { m.premiumTarget = target }
}

func WithParallelism(n int) Option { return func(m *Monitor) { m.parallelism = n } }

func WithNow(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// OptionsFromEnv reads MARGIN_PREMIUM_TARGET_PERCENT, MARGIN_PARALLELISM and
// MARGIN_TIERS (comma separated, defaults to every paid tier).
func OptionsFromEnv() []Option {
	opts := []Option{
		WithPremiumTarget(float64(env.GetInt("MARGIN_PREMIUM_TARGET_PERCENT", int(DefaultPremiumTarget*100))) / 100),
		WithParallelism(env.GetInt("MARGIN_PARALLELISM", DefaultParallelism)),
	}
	if tiers := parseTiers(env.GetEnv("MARGIN_TIERS", "")); len(tiers) > 0 {
		opts = append(opts, WithTiers(tiers))
	}
	return opts
}

// parseTiers keeps known paid tiers only, in the given order.
func parseTiers(raw string) []entitlements.Tier {
	var tiers []entitlements.Tier
	seen := make(map[entitlements.Tier]bool)
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t := entitlements.NormalizeTier(part)
		if seen[t] || entitlements.Rank(t) <= entitlements.Rank(entitlements.TierFreemium) {
			continue
		}
		seen[t] = true
		tiers = append(tiers, t)
	}
	return tiers
}

func NewMonitor(source Source, snapshots SnapshotStore, opts ...Option) *Monitor {
	m := &Monitor{
		source:        source,
		snapshots:     snapshots,
		tiers:         entitlements.PaidTiers,
		premiumTarget: DefaultPremiumTarget,
		parallelism:   DefaultParallelism,
		now:           func() time.Time { return time.Now().UTC() },
		running:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.parallelism < 1 {
		m.parallelism = 1
	}
	return m
}

func (m *Monitor) clock() time.Time {
	return m.now()
}

// Snapshots exposes the snapshot history.
func (m *Monitor) Snapshots() SnapshotStore {
	return m.snapshots
}

// RunScheduled runs a pass over the hour-aligned trailing window.
func (m *Monitor) RunScheduled(ctx context.Context, window time.Duration) (*PassResult, error) {
	start, end := ScheduledWindow(m.now(), window)
	return m.RunPass(ctx, start, end)
}

// RunPass evaluates the platform and every tier with usage in the window.
// A failing scope is reported in the result and does not stop the others.
// Only one pass per window runs in this process at a time.
func (m *Monitor) RunPass(ctx context.Context, periodStart, periodEnd time.Time) (*PassResult, error) {
	if !periodEnd.After(periodStart) {
		return nil, ErrInvalidWindow
	}
	passKey := fmt.Sprintf("%d-%d", periodStart.Unix(), periodEnd.Unix())
	if !m.acquire(passKey) {
		return nil, ErrPassInProgress
	}
	defer m.release(passKey)

	started := time.Now()
	defer func() { metrics.MarginPassDuration.Observe(time.Since(started).Seconds()) }()

	type scope struct{ scopeType, scopeID string }
	scopes := []scope{{models.MarginScopePlatform, models.PlatformScopeID}}
	for _, t := range m.tiers {
		scopes = append(scopes, scope{models.MarginScopeTier, string(t)})
	}

	results := make([]*Evaluation, len(scopes))
	var (
		failMu   sync.Mutex
		failures []ScopeFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for i, sc := range scopes {
		g.Go(func() error {
			ev, err := m.evaluate(gctx, sc.scopeType, sc.scopeID, periodStart, periodEnd, sc.scopeType == models.MarginScopeTier)
			if err != nil {
				log.Errorf("[MarginMonitor] Evaluation of %s/%s failed: %v", sc.scopeType, sc.scopeID, err)
				failMu.Lock()
				failures = append(failures, ScopeFailure{ScopeType: sc.scopeType, ScopeID: sc.scopeID, Error: err.Error()})
				failMu.Unlock()
				return nil
			}
			results[i] = ev
			return nil
		})
	}
	_ = g.Wait()

	res := &PassResult{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Evaluations: make([]*Evaluation, 0, len(results)),
		Alerts:      []alert.Alert{},
		Failures:    failures,
	}
	for _, ev := range results {
		if ev == nil {
			continue
		}
		res.Evaluations = append(res.Evaluations, ev)
		if ev.Alert != nil {
			res.Alerts = append(res.Alerts, *ev.Alert)
		}
	}

	log.Infof("[MarginMonitor] Pass %s - %s: %d scopes, %d alerts, %d failures",
		periodStart.Format(time.RFC3339), periodEnd.Format(time.RFC3339),
		len(res.Evaluations), len(res.Alerts), len(res.Failures))
	return res, nil
}

// EvaluateScope evaluates a single scope on demand, including account scopes.
// Concurrent evaluations of the same scope and window share one result.
func (m *Monitor) EvaluateScope(ctx context.Context, scopeType, scopeID string, periodStart, periodEnd time.Time) (*Evaluation, error) {
	if !periodEnd.After(periodStart) {
		return nil, ErrInvalidWindow
	}
	switch scopeType {
	case models.MarginScopePlatform:
		scopeID = models.PlatformScopeID
	case models.MarginScopeTier, models.MarginScopeUser:
		if strings.TrimSpace(scopeID) == "" {
			return nil, fmt.Errorf("%w: missing scope id", ErrInvalidScope)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScope, scopeType)
	}
	return m.evaluate(ctx, scopeType, scopeID, periodStart, periodEnd, false)
}

func (m *Monitor) evaluate(ctx context.Context, scopeType, scopeID string, periodStart, periodEnd time.Time, requireUsage bool) (*Evaluation, error) {
	key := fmt.Sprintf("%s:%s:%d:%d", scopeType, scopeID, periodStart.Unix(), periodEnd.Unix())
	v, err, _ := m.scopes.Do(key, func() (any, error) {
		return m.evaluateOnce(ctx, scopeType, scopeID, periodStart, periodEnd, requireUsage)
	})
	if err != nil {
		return nil, err
	}
	ev, _ := v.(*Evaluation)
	return ev, nil
}

func (m *Monitor) evaluateOnce(ctx context.Context, scopeType, scopeID string, periodStart, periodEnd time.Time, requireUsage bool) (*Evaluation, error) {
	usage, err := m.source.Usage(ctx, scopeType, scopeID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	if requireUsage && usage.TotalPT <= 0 {
		return nil, nil
	}
	monthly, err := m.source.MonthlyRevenue(ctx, scopeType, scopeID)
	if err != nil {
		return nil, fmt.Errorf("aggregate revenue: %w", err)
	}

	revenue := Prorate(PeriodDays(periodStart, periodEnd), monthly)
	grossMargin := GrossMargin(revenue, usage.COGS)
	premium := PremiumRatio(usage.AdvancedPT, usage.TotalPT)
	marginStatus := ClassifyMargin(grossMargin)
	burnStatus := ClassifyBurn(premium, m.premiumTarget)

	snap, err := m.snapshots.Save(ctx, &models.MarginSnapshot{
		ScopeType:         scopeType,
		ScopeID:           scopeID,
		PeriodStart:       periodStart,
		PeriodEnd:         periodEnd,
		TotalRevenue:      revenue.Round(4),
		TotalCOGS:         usage.COGS.Round(4),
		TotalPT:           usage.TotalPT,
		CorePT:            usage.CorePT,
		AdvancedPT:        usage.AdvancedPT,
		GrossMargin:       grossMargin,
		PremiumUsageRatio: premium,
		MarginStatus:      marginStatus,
		BurnStatus:        burnStatus,
		Status:            Worse(marginStatus, burnStatus),
		StatusReason:      StatusReason(grossMargin, premium),
	})
	if err != nil {
		return nil, err
	}

	if scopeType != models.MarginScopeUser {
		metrics.MarginGrossMargin.WithLabelValues(scopeType, scopeID).Set(grossMargin)
		metrics.MarginPremiumBurn.WithLabelValues(scopeType, scopeID).Set(premium)
	}

	ev := &Evaluation{Snapshot: snap}
	if err := m.mitigate(ctx, ev); err != nil {
		return nil, err
	}
	if snap.IsDegraded() {
		a := m.buildAlert(snap)
		ev.Alert = &a
		ev.Alerted = m.dispatchOnce(ctx, snap, a)
	}
	return ev, nil
}

func (m *Monitor) mitigate(ctx context.Context, ev *Evaluation) error {
	if m.mitigator == nil {
		return nil
	}
	snap := ev.Snapshot

	lifted, err := m.mitigator.Reconcile(ctx, snap)
	if err != nil {
		return fmt.Errorf("reconcile mitigation: %w", err)
	}
	ev.Lifted = lifted

	if snap.MitigationApplied {
		ev.Actions = snap.MitigationActions
		return nil
	}
	actions := PlanMitigation(snap, m.now())
	if len(actions) == 0 {
		return nil
	}
	if err := m.mitigator.Apply(ctx, snap, actions); err != nil {
		return err
	}
	won, err := m.snapshots.ClaimMitigation(ctx, snap.ID, actions)
	if err != nil {
		return fmt.Errorf("record mitigation: %w", err)
	}
	if won {
		snap.MitigationApplied = true
		snap.MitigationActions = actions
	}
	ev.Actions = actions
	return nil
}

// dispatchOnce claims the snapshot's alert slot before sending, so a re-run
// of the same window never alerts twice.
func (m *Monitor) dispatchOnce(ctx context.Context, snap *models.MarginSnapshot, a alert.Alert) bool {
	if snap.AlertedAt != nil || m.alerts == nil {
		return false
	}
	now := m.now()
	won, err := m.snapshots.MarkAlerted(ctx, snap.ID, now)
	if err != nil {
		log.Errorf("[MarginMonitor] Failed to mark snapshot %d alerted: %v", snap.ID, err)
		return false
	}
	if !won {
		return false
	}
	snap.AlertedAt = &now
	return alert.Send(ctx, m.alerts, a)
}

func scopeLabel(snap *models.MarginSnapshot) string {
	switch snap.ScopeType {
	case models.MarginScopePlatform:
		return "Platform"
	case models.MarginScopeTier:
		return snap.ScopeID + " tier"
	default:
		return "Account " + snap.ScopeID
	}
}

func (m *Monitor) buildAlert(snap *models.MarginSnapshot) alert.Alert {
	sev := alert.SeverityWarning
	if snap.Status == models.MarginStatusRed {
		sev = alert.SeverityCritical
	}
	scope := snap.ScopeType
	if snap.ScopeType != models.MarginScopePlatform {
		scope = snap.ScopeType + ":" + snap.ScopeID
	}

	summary := fmt.Sprintf("%s margin is %s: %.1f%%", scopeLabel(snap),
		strings.ToLower(StatusLabel(snap.MarginStatus)), snap.GrossMargin*100)
	if snap.BurnStatus != models.MarginStatusGreen {
		summary += fmt.Sprintf(", advanced burn is %s: %.1f%%",
			strings.ToLower(StatusLabel(snap.BurnStatus)), snap.PremiumUsageRatio*100)
	}

	scopeField := snap.ScopeType
	if snap.ScopeType != models.MarginScopePlatform {
		scopeField = fmt.Sprintf("%s (%s)", snap.ScopeType, snap.ScopeID)
	}

	a := alert.New(alert.CategoryMargin, sev, scope,
		fmt.Sprintf("Pricing Alert: %s in %s", strings.ToUpper(snap.ScopeType), strings.ToUpper(snap.Status)),
		summary)
	a.Fields = []alert.Field{
		{Label: "Scope", Value: scopeField},
		{Label: "Margin", Value: fmt.Sprintf("%.1f%% (target: >%.0f%%)", snap.GrossMargin*100, GreenMarginThreshold*100)},
		{Label: "Advanced Burn", Value: fmt.Sprintf("%.1f%% (target: <%.0f%%)", snap.PremiumUsageRatio*100, m.premiumTarget*100)},
		{Label: "Status", Value: snap.StatusReason},
	}
	a.Recommendations = recommendations
	a.DashboardURL = alert.DashboardLink(dashboardPath)
	return a
}

func (m *Monitor) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.running[key]; busy {
		return false
	}
	m.running[key] = struct{}{}
	return true
}

func (m *Monitor) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, key)
}
