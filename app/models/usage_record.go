package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord is a single metered consumption with its provider cost. The
// margin monitor sums these into COGS.
type UsageRecord struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	AccountID string          `gorm:"type:varchar(191);not null;index" json:"account_id"`
	Tier      string          `gorm:"type:varchar(32);not null;index:idx_usage_records_tier_created,priority:1" json:"tier"`
	Pool      string          `gorm:"type:varchar(16);not null" json:"pool"`
	Units     int64           `gorm:"not null" json:"units"`
	CostUSD   decimal.Decimal `gorm:"column:cost_usd;type:decimal(12,6);not null" json:"cost_usd"`
	Model     string          `gorm:"type:varchar(100)" json:"model,omitempty"`
	CreatedAt time.Time       `gorm:"not null;index;index:idx_usage_records_tier_created,priority:2" json:"created_at"`
}
