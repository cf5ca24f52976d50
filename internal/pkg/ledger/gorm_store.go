package ledger

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dhstx/productpage-sub002/app/models"
)

// GormStore persists ledgers in the usage_ledgers table. Compare-and-swap is
// a conditional UPDATE on the version column.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, accountID string) (*models.UsageLedger, error) {
	var l models.UsageLedger
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *GormStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *models.UsageLedger) (bool, error) {
	db := s.db.WithContext(ctx)
	if expectedVersion == 0 {
		candidate := next.Clone()
		candidate.Version = 1
		tx := db.Clauses(clause.OnConflict{DoNothing: true}).Create(candidate)
		if tx.Error != nil {
			return false, tx.Error
		}
		if tx.RowsAffected == 0 {
			return false, nil
		}
		next.Version = 1
		return true, nil
	}

	tx := db.Model(&models.UsageLedger{}).
		Where("account_id = ? AND version = ?", next.AccountID, expectedVersion).
		Updates(map[string]interface{}{
			"tier":               next.Tier,
			"core_allocated":     next.CoreAllocated,
			"core_used":          next.CoreUsed,
			"advanced_allocated": next.AdvancedAllocated,
			"advanced_used":      next.AdvancedUsed,
			"cycle_start":        next.CycleStart,
			"cycle_end":          next.CycleEnd,
			"top_up_refs":        next.TopUpRefs,
			"version":            expectedVersion + 1,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected == 0 {
		return false, nil
	}
	next.Version = expectedVersion + 1
	return true, nil
}
