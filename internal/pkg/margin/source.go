package margin

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dhstx/productpage-sub002/app/models"
)

// revenueStatuses are the subscription states that still earn revenue.
var revenueStatuses = []string{
	models.BillingStatusActive,
	models.BillingStatusTrialing,
	models.BillingStatusPastDue,
}

// Usage is the aggregated consumption of one scope within a window.
type Usage struct {
	COGS       decimal.Decimal `gorm:"column:cogs"`
	TotalPT    int64           `gorm:"column:total_pt"`
	CorePT     int64           `gorm:"column:core_pt"`
	AdvancedPT int64           `gorm:"column:advanced_pt"`
}

// Source provides usage costs and subscription revenue. The monitor only
// reads from it.
type Source interface {
	Usage(ctx context.Context, scopeType, scopeID string, start, end time.Time) (Usage, error)
	// MonthlyRevenue sums the monthly price of revenue earning subscriptions
	// in the scope.
	MonthlyRevenue(ctx context.Context, scopeType, scopeID string) (decimal.Decimal, error)
}

type GormSource struct {
	db *gorm.DB
}

func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

func (s *GormSource) Usage(ctx context.Context, scopeType, scopeID string, start, end time.Time) (Usage, error) {
	var u Usage
	q := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("COALESCE(SUM(cost_usd), 0) AS cogs, "+
			"COALESCE(SUM(units), 0) AS total_pt, "+
			"COALESCE(SUM(CASE WHEN pool = ? THEN units ELSE 0 END), 0) AS core_pt, "+
			"COALESCE(SUM(CASE WHEN pool = ? THEN units ELSE 0 END), 0) AS advanced_pt",
			models.UsagePoolCore, models.UsagePoolAdvanced).
		Where("created_at >= ? AND created_at < ?", start, end)

	switch scopeType {
	case models.MarginScopeTier:
		q = q.Where("tier = ?", scopeID)
	case models.MarginScopeUser:
		q = q.Where("account_id = ?", scopeID)
	}

	if err := q.Scan(&u).Error; err != nil {
		return Usage{}, err
	}
	return u, nil
}

func (s *GormSource) MonthlyRevenue(ctx context.Context, scopeType, scopeID string) (decimal.Decimal, error) {
	var row struct {
		Total decimal.Decimal `gorm:"column:total"`
	}
	q := s.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Select("COALESCE(SUM(monthly_price), 0) AS total").
		Where("status IN ?", revenueStatuses)

	switch scopeType {
	case models.MarginScopeTier:
		q = q.Where("tier = ?", scopeID)
	case models.MarginScopeUser:
		q = q.Where("account_id = ?", scopeID)
	}

	if err := q.Scan(&row).Error; err != nil {
		return decimal.Zero, err
	}
	return row.Total, nil
}

// RecordUsage stores a metered consumption. It makes GormSource the usage
// sink of the ledger.
func (s *GormSource) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// MemorySource keeps usage records and subscriptions in memory.
type MemorySource struct {
	mu            sync.Mutex
	records       []models.UsageRecord
	subscriptions []models.BillingSubscription
}

func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

func (s *MemorySource) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uint(len(s.records) + 1)
	s.records = append(s.records, *rec)
	return nil
}

// AddSubscription registers a subscription for revenue aggregation.
func (s *MemorySource) AddSubscription(sub models.BillingSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
}

func (s *MemorySource) Usage(ctx context.Context, scopeType, scopeID string, start, end time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{COGS: decimal.Zero}
	for _, r := range s.records {
		if r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		if !inScope(scopeType, scopeID, r.Tier, r.AccountID) {
			continue
		}
		u.COGS = u.COGS.Add(r.CostUSD)
		u.TotalPT += r.Units
		if r.Pool == models.UsagePoolAdvanced {
			u.AdvancedPT += r.Units
		} else {
			u.CorePT += r.Units
		}
	}
	return u, nil
}

func (s *MemorySource) MonthlyRevenue(ctx context.Context, scopeType, scopeID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := decimal.Zero
	for _, sub := range s.subscriptions {
		if !earnsRevenue(sub.Status) || !inScope(scopeType, scopeID, sub.Tier, sub.AccountID) {
			continue
		}
		total = total.Add(sub.MonthlyPrice)
	}
	return total, nil
}

func inScope(scopeType, scopeID, tier, accountID string) bool {
	switch scopeType {
	case models.MarginScopeTier:
		return tier == scopeID
	case models.MarginScopeUser:
		return accountID == scopeID
	default:
		return true
	}
}

func earnsRevenue(status string) bool {
	for _, s := range revenueStatuses {
		if s == status {
			return true
		}
	}
	return false
}
