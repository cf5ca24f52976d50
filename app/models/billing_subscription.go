package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusExpired    = "expired"
	BillingStatusPaused     = "paused"
)

const BillingProviderStripe = "stripe"

// BillingSubscription mirrors a provider subscription and the tier it grants.
// MonthlyPrice feeds revenue in margin monitoring.
type BillingSubscription struct {
	ID                     uint            `gorm:"primaryKey" json:"id"`
	AccountID              string          `gorm:"type:varchar(191);not null;index" json:"account_id"`
	Provider               string          `gorm:"type:varchar(20);not null;index:idx_billing_subscriptions_provider_status,priority:1;index:ux_billing_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string          `gorm:"type:varchar(191);not null;index:ux_billing_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	ProviderCustomerID     string          `gorm:"type:varchar(191);index" json:"provider_customer_id"`
	ProviderPriceRef       string          `gorm:"type:varchar(191);not null;default:'';index" json:"provider_price_ref"`
	Tier                   string          `gorm:"type:varchar(32);not null;default:'freemium';index" json:"tier"`
	MonthlyPrice           decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"monthly_price"`
	BillingInterval        string          `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	Status                 string          `gorm:"type:varchar(32);not null;default:'active';index:idx_billing_subscriptions_provider_status,priority:2" json:"status"`
	CurrentPeriodStart     *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time      `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool            `gorm:"default:false" json:"cancel_at_period_end"`
	RawPayload             datatypes.JSON  `gorm:"type:json" json:"raw_payload,omitempty"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
