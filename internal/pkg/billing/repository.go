package billing

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dhstx/productpage-sub002/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindActivePlanMapping(ctx context.Context, provider, providerPriceRef, interval string) (*models.BillingPlanMapping, error)
	UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error
	FindSubscription(ctx context.Context, provider, providerSubscriptionID string) (*models.BillingSubscription, error)
	ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]models.BillingSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, provider, providerSubscriptionID, status string) error
	CreatePaymentIfNotExists(ctx context.Context, payment *models.BillingPayment) (bool, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindActivePlanMapping(ctx context.Context, provider, providerPriceRef, interval string) (*models.BillingPlanMapping, error) {
	var m models.BillingPlanMapping
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_price_ref = ? AND billing_interval = ? AND is_active = ?", provider, providerPriceRef, interval, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_id",
			"provider_customer_id",
			"provider_price_ref",
			"tier",
			"monthly_price",
			"billing_interval",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"raw_payload",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) FindSubscription(ctx context.Context, provider, providerSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) UpdateSubscriptionStatus(ctx context.Context, provider, providerSubscriptionID, status string) error {
	return r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		Update("status", status).Error
}

func (r *gormRepository) CreatePaymentIfNotExists(ctx context.Context, payment *models.BillingPayment) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_payment_id"},
		},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
