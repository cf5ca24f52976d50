package margin

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/dhstx/productpage-sub002/app/models"
	"github.com/dhstx/productpage-sub002/internal/pkg/metrics"
)

const (
	ActionReducePremiumRouting      = "reduce-premium-routing"
	ActionTightenPremiumRouting     = "tighten-premium-routing"
	ActionEmergencyConservativeMode = "emergency-conservative-mode"

	ReducedPremiumCap          = 0.10
	TightenedPremiumCap        = 0.15
	EmergencyMarginThreshold   = 0.40
	ConservativeModeDuration   = 12 * time.Hour
	parameterPremiumCap        = "premium_cap"
	parameterDuration          = "duration"
	parameterReviewAt          = "review_at"
	reconcileClearedPremiumCap = "premium_cap_cleared"
	reconcileEndedConservative = "conservative_mode_ended"
)

// PolicyWriter is the routing-policy surface mitigation writes to. The
// ledger service implements it.
type PolicyWriter interface {
	RoutingPolicy(ctx context.Context, scopeType, scopeID string) (*models.RoutingPolicy, error)
	SetRoutingPolicy(ctx context.Context, policy *models.RoutingPolicy) error
	ClearPremiumCap(ctx context.Context, scopeType, scopeID string) (bool, error)
	EndConservativeMode(ctx context.Context) (bool, error)
}

// PlanMitigation derives the throttling actions for a snapshot. Green
// snapshots need none.
func PlanMitigation(snap *models.MarginSnapshot, now time.Time) []models.MitigationAction {
	target := snap.ScopeID
	switch snap.Status {
	case models.MarginStatusRed:
		actions := []models.MitigationAction{{
			Action:     ActionReducePremiumRouting,
			Target:     target,
			Parameters: map[string]any{parameterPremiumCap: ReducedPremiumCap},
			AppliedAt:  now,
		}}
		if snap.ScopeType == models.MarginScopePlatform && snap.GrossMargin < EmergencyMarginThreshold {
			actions = append(actions, models.MitigationAction{
				Action: ActionEmergencyConservativeMode,
				Target: target,
				Parameters: map[string]any{
					parameterDuration: ConservativeModeDuration.String(),
					parameterReviewAt: now.Add(ConservativeModeDuration).Format(time.RFC3339),
				},
				AppliedAt: now,
			})
		}
		return actions
	case models.MarginStatusYellow:
		return []models.MitigationAction{{
			Action:     ActionTightenPremiumRouting,
			Target:     target,
			Parameters: map[string]any{parameterPremiumCap: TightenedPremiumCap},
			AppliedAt:  now,
		}}
	default:
		return nil
	}
}

// Mitigator applies planned actions as routing policies and lifts them again
// once a later pass shows the scope has recovered.
type Mitigator struct {
	policies PolicyWriter
	now      func() time.Time
}

func NewMitigator(policies PolicyWriter, now func() time.Time) *Mitigator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Mitigator{policies: policies, now: now}
}

// Apply writes the routing policies for the actions. Writing the same
// actions twice leaves the same policy behind.
func (m *Mitigator) Apply(ctx context.Context, snap *models.MarginSnapshot, actions []models.MitigationAction) error {
	for _, a := range actions {
		if err := m.apply(ctx, snap, a); err != nil {
			return fmt.Errorf("apply %s on %s/%s: %w", a.Action, snap.ScopeType, snap.ScopeID, err)
		}
		metrics.MitigationActionsTotal.WithLabelValues(a.Action).Inc()
		log.Infof("[MarginMonitor] Applied %s to %s/%s", a.Action, snap.ScopeType, snap.ScopeID)
	}
	return nil
}

func (m *Mitigator) apply(ctx context.Context, snap *models.MarginSnapshot, a models.MitigationAction) error {
	policy, err := m.policies.RoutingPolicy(ctx, snap.ScopeType, snap.ScopeID)
	if err != nil {
		return err
	}
	if policy == nil {
		policy = &models.RoutingPolicy{ScopeType: snap.ScopeType, ScopeID: snap.ScopeID}
	}
	policy.SourceSnapshotID = snap.ID

	switch a.Action {
	case ActionReducePremiumRouting, ActionTightenPremiumRouting:
		premiumCap, ok := a.Parameters[parameterPremiumCap].(float64)
		if !ok {
			return fmt.Errorf("missing %s parameter", parameterPremiumCap)
		}
		policy.PremiumCap = &premiumCap
	case ActionEmergencyConservativeMode:
		reviewAt := a.AppliedAt.Add(ConservativeModeDuration)
		policy.ConservativeMode = true
		policy.ConservativeReviewAt = &reviewAt
	default:
		return fmt.Errorf("unknown mitigation action %q", a.Action)
	}
	return m.policies.SetRoutingPolicy(ctx, policy)
}

// Reconcile re-evaluates earlier mitigation against a fresh snapshot. A
// green scope loses its premium cap. Platform conservative mode ends only
// after its review time and when margin is back above the emergency
// threshold. It returns what was lifted.
func (m *Mitigator) Reconcile(ctx context.Context, snap *models.MarginSnapshot) ([]string, error) {
	var lifted []string

	if snap.Status == models.MarginStatusGreen {
		cleared, err := m.policies.ClearPremiumCap(ctx, snap.ScopeType, snap.ScopeID)
		if err != nil {
			return lifted, err
		}
		if cleared {
			lifted = append(lifted, reconcileClearedPremiumCap)
		}
	}

	if snap.ScopeType != models.MarginScopePlatform {
		return lifted, nil
	}
	policy, err := m.policies.RoutingPolicy(ctx, snap.ScopeType, snap.ScopeID)
	if err != nil || policy == nil || !policy.ConservativeMode {
		return lifted, err
	}
	if policy.ConservativeReviewAt != nil && m.now().Before(*policy.ConservativeReviewAt) {
		return lifted, nil
	}
	if snap.GrossMargin < EmergencyMarginThreshold {
		log.Warnf("[MarginMonitor] Conservative mode kept after review, margin %.1f%%", snap.GrossMargin*100)
		return lifted, nil
	}
	ended, err := m.policies.EndConservativeMode(ctx)
	if err != nil {
		return lifted, err
	}
	if ended {
		lifted = append(lifted, reconcileEndedConservative)
	}
	return lifted, nil
}
