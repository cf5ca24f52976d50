package ledger

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dhstx/productpage-sub002/app/models"
)

// PolicyStore persists routing policies keyed by (scope_type, scope_id).
// GetPolicy returns nil without error when no policy exists.
type PolicyStore interface {
	GetPolicy(ctx context.Context, scopeType, scopeID string) (*models.RoutingPolicy, error)
	SavePolicy(ctx context.Context, policy *models.RoutingPolicy) error
}

type MemoryPolicyStore struct {
	mu       sync.Mutex
	policies map[string]models.RoutingPolicy
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]models.RoutingPolicy)}
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, scopeType, scopeID string) (*models.RoutingPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[scopeType+":"+scopeID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryPolicyStore) SavePolicy(ctx context.Context, policy *models.RoutingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ScopeType+":"+policy.ScopeID] = *policy
	return nil
}

type GormPolicyStore struct {
	db *gorm.DB
}

func NewGormPolicyStore(db *gorm.DB) *GormPolicyStore {
	return &GormPolicyStore{db: db}
}

func (s *GormPolicyStore) GetPolicy(ctx context.Context, scopeType, scopeID string) (*models.RoutingPolicy, error) {
	var p models.RoutingPolicy
	err := s.db.WithContext(ctx).Where("scope_type = ? AND scope_id = ?", scopeType, scopeID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *GormPolicyStore) SavePolicy(ctx context.Context, policy *models.RoutingPolicy) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "scope_type"},
			{Name: "scope_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"premium_cap",
			"conservative_mode",
			"conservative_review_at",
			"source_snapshot_id",
			"updated_at",
		}),
	}).Create(policy).Error
}
