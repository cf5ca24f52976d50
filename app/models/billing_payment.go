package models

import "time"

const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

const (
	PaymentPurposeTopUp        = "topup"
	PaymentPurposeOneOff       = "one_off"
	PaymentPurposeSubscription = "subscription"
)

// BillingPayment records provider payment outcomes (payment intents and
// invoices) for audit and top-up bookkeeping.
type BillingPayment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Provider          string    `gorm:"type:varchar(20);not null;index:ux_billing_payments_provider_payment,unique,priority:1" json:"provider"`
	ProviderPaymentID string    `gorm:"type:varchar(191);not null;index:ux_billing_payments_provider_payment,unique,priority:2" json:"provider_payment_id"`
	AccountID         string    `gorm:"type:varchar(191);index" json:"account_id"`
	AmountCents       int64     `gorm:"not null;default:0" json:"amount_cents"`
	Currency          string    `gorm:"type:varchar(8)" json:"currency"`
	Status            string    `gorm:"type:varchar(16);not null;index" json:"status"`
	Purpose           string    `gorm:"type:varchar(16);not null;default:'one_off'" json:"purpose"`
	Pool              string    `gorm:"type:varchar(16)" json:"pool,omitempty"`
	Units             int64     `gorm:"not null;default:0" json:"units"`
	FailureMessage    string    `gorm:"type:text" json:"failure_message,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
