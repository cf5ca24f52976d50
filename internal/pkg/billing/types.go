package billing

import "time"

// NormalizedSubscription is the provider-agnostic shape used by the billing
// service when syncing external subscription state into local tables.
type NormalizedSubscription struct {
	AccountID              string
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderPriceRef       string
	// Tier is an explicit tier from provider metadata. It wins over the
	// plan mapping of ProviderPriceRef.
	Tier               string
	BillingInterval    string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	RawPayload         []byte
}

// PaymentInput is the normalized shape of a provider payment outcome.
type PaymentInput struct {
	Provider          string
	ProviderPaymentID string
	AccountID         string
	AmountCents       int64
	Currency          string
	Status            string
	Purpose           string
	Pool              string
	Units             int64
	FailureMessage    string
}
