package models

import "time"

// RoutingPolicy is the throttling state written by auto-mitigation and read
// by quota checks and the upstream request router.
type RoutingPolicy struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	ScopeType            string     `gorm:"type:varchar(16);not null;index:ux_routing_policies_scope,unique,priority:1" json:"scope_type"`
	ScopeID              string     `gorm:"type:varchar(191);not null;index:ux_routing_policies_scope,unique,priority:2" json:"scope_id"`
	PremiumCap           *float64   `gorm:"default:null" json:"premium_cap,omitempty"`
	ConservativeMode     bool       `gorm:"not null;default:false" json:"conservative_mode"`
	ConservativeReviewAt *time.Time `gorm:"type:timestamp;default:null" json:"conservative_review_at,omitempty"`
	SourceSnapshotID     uint       `gorm:"not null;default:0" json:"source_snapshot_id"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
