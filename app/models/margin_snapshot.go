package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	MarginScopePlatform = "platform"
	MarginScopeTier     = "tier"
	MarginScopeUser     = "user"

	// PlatformScopeID identifies the single platform-wide scope.
	PlatformScopeID = "all"
)

const (
	MarginStatusGreen  = "green"
	MarginStatusYellow = "yellow"
	MarginStatusRed    = "red"
)

// MitigationAction is a throttling decision recorded on a snapshot. Actions
// are never edited, only superseded by later ones.
type MitigationAction struct {
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters,omitempty"`
	AppliedAt  time.Time      `json:"applied_at"`
}

// MarginSnapshot is the result of evaluating one scope for one monitoring
// window. Only the mitigation and alert fields change after creation.
type MarginSnapshot struct {
	ID                uint                                `gorm:"primaryKey" json:"id"`
	ScopeType         string                              `gorm:"type:varchar(16);not null;index:ux_margin_snapshots_scope_period,unique,priority:1" json:"scope_type"`
	ScopeID           string                              `gorm:"type:varchar(191);not null;index:ux_margin_snapshots_scope_period,unique,priority:2" json:"scope_id"`
	PeriodStart       time.Time                           `gorm:"not null;index:ux_margin_snapshots_scope_period,unique,priority:3" json:"period_start"`
	PeriodEnd         time.Time                           `gorm:"not null" json:"period_end"`
	TotalRevenue      decimal.Decimal                     `gorm:"type:decimal(14,4);not null" json:"total_revenue"`
	TotalCOGS         decimal.Decimal                     `gorm:"column:total_cogs;type:decimal(14,4);not null" json:"total_cogs"`
	TotalPT           int64                               `gorm:"column:total_pt;not null;default:0" json:"total_pt"`
	CorePT            int64                               `gorm:"column:core_pt;not null;default:0" json:"core_pt"`
	AdvancedPT        int64                               `gorm:"column:advanced_pt;not null;default:0" json:"advanced_pt"`
	GrossMargin       float64                             `gorm:"not null" json:"gross_margin"`
	PremiumUsageRatio float64                             `gorm:"not null" json:"premium_usage_ratio"`
	MarginStatus      string                              `gorm:"type:varchar(8);not null" json:"margin_status"`
	BurnStatus        string                              `gorm:"type:varchar(8);not null" json:"burn_status"`
	Status            string                              `gorm:"type:varchar(8);not null;index" json:"status"`
	StatusReason      string                              `gorm:"type:varchar(255)" json:"status_reason"`
	MitigationApplied bool                                `gorm:"not null;default:false" json:"mitigation_applied"`
	MitigationActions datatypes.JSONSlice[MitigationAction] `gorm:"type:json" json:"mitigation_actions"`
	AlertedAt         *time.Time                          `gorm:"type:timestamp;default:null" json:"alerted_at,omitempty"`
	CreatedAt         time.Time                           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time                           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsDegraded reports whether the snapshot requires alerting.
func (s *MarginSnapshot) IsDegraded() bool {
	return s.Status == MarginStatusYellow || s.Status == MarginStatusRed
}
