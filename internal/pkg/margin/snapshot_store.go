package margin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dhstx/productpage-sub002/app/models"
)

var ErrSnapshotNotFound = errors.New("margin snapshot not found")

// ListFilter narrows snapshot history queries. Empty fields match all.
type ListFilter struct {
	ScopeType string
	ScopeID   string
	Since     time.Time
	Limit     int
	Offset    int
}

// SnapshotStore persists one snapshot per (scope_type, scope_id,
// period_start). Save recomputes an existing snapshot in place and never
// touches its mitigation or alert fields.
type SnapshotStore interface {
	Save(ctx context.Context, snap *models.MarginSnapshot) (*models.MarginSnapshot, error)
	Get(ctx context.Context, scopeType, scopeID string, periodStart time.Time) (*models.MarginSnapshot, error)
	// ClaimMitigation records actions on a snapshot that has none yet and
	// reports whether this caller won.
	ClaimMitigation(ctx context.Context, id uint, actions []models.MitigationAction) (bool, error)
	// MarkAlerted sets alerted_at once and reports whether this caller won.
	MarkAlerted(ctx context.Context, id uint, at time.Time) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]models.MarginSnapshot, int64, error)
}

type GormSnapshotStore struct {
	db *gorm.DB
}

func NewGormSnapshotStore(db *gorm.DB) *GormSnapshotStore {
	return &GormSnapshotStore{db: db}
}

func (s *GormSnapshotStore) Save(ctx context.Context, snap *models.MarginSnapshot) (*models.MarginSnapshot, error) {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "scope_type"},
			{Name: "scope_id"},
			{Name: "period_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_end",
			"total_revenue",
			"total_cogs",
			"total_pt",
			"core_pt",
			"advanced_pt",
			"gross_margin",
			"premium_usage_ratio",
			"margin_status",
			"burn_status",
			"status",
			"status_reason",
			"updated_at",
		}),
	}).Create(snap).Error
	if err != nil {
		return nil, fmt.Errorf("save margin snapshot: %w", err)
	}
	return s.Get(ctx, snap.ScopeType, snap.ScopeID, snap.PeriodStart)
}

func (s *GormSnapshotStore) Get(ctx context.Context, scopeType, scopeID string, periodStart time.Time) (*models.MarginSnapshot, error) {
	var snap models.MarginSnapshot
	err := s.db.WithContext(ctx).
		Where("scope_type = ? AND scope_id = ? AND period_start = ?", scopeType, scopeID, periodStart).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormSnapshotStore) ClaimMitigation(ctx context.Context, id uint, actions []models.MitigationAction) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.MarginSnapshot{}).
		Where("id = ? AND mitigation_applied = ?", id, false).
		Updates(map[string]any{
			"mitigation_applied": true,
			"mitigation_actions": datatypes.NewJSONSlice(actions),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormSnapshotStore) MarkAlerted(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.MarginSnapshot{}).
		Where("id = ? AND alerted_at IS NULL", id).
		Update("alerted_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormSnapshotStore) List(ctx context.Context, filter ListFilter) ([]models.MarginSnapshot, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.MarginSnapshot{})
	if filter.ScopeType != "" {
		q = q.Where("scope_type = ?", filter.ScopeType)
	}
	if filter.ScopeID != "" {
		q = q.Where("scope_id = ?", filter.ScopeID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("period_start >= ?", filter.Since)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var snaps []models.MarginSnapshot
	err := q.Order("period_start DESC").Order("id DESC").
		Limit(listLimit(filter.Limit)).Offset(filter.Offset).
		Find(&snaps).Error
	if err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// MemorySnapshotStore is an in-memory SnapshotStore.
type MemorySnapshotStore struct {
	mu     sync.Mutex
	nextID uint
	byKey  map[string]*models.MarginSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byKey: make(map[string]*models.MarginSnapshot)}
}

func snapshotKey(scopeType, scopeID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", scopeType, scopeID, periodStart.Unix())
}

func (s *MemorySnapshotStore) Save(ctx context.Context, snap *models.MarginSnapshot) (*models.MarginSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey(snap.ScopeType, snap.ScopeID, snap.PeriodStart)
	now := time.Now().UTC()
	existing, ok := s.byKey[key]
	if !ok {
		s.nextID++
		cp := *snap
		cp.ID = s.nextID
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.byKey[key] = &cp
		out := cp
		return &out, nil
	}

	existing.PeriodEnd = snap.PeriodEnd
	existing.TotalRevenue = snap.TotalRevenue
	existing.TotalCOGS = snap.TotalCOGS
	existing.TotalPT = snap.TotalPT
	existing.CorePT = snap.CorePT
	existing.AdvancedPT = snap.AdvancedPT
	existing.GrossMargin = snap.GrossMargin
	existing.PremiumUsageRatio = snap.PremiumUsageRatio
	existing.MarginStatus = snap.MarginStatus
	existing.BurnStatus = snap.BurnStatus
	existing.Status = snap.Status
	existing.StatusReason = snap.StatusReason
	existing.UpdatedAt = now
	out := *existing
	return &out, nil
}

func (s *MemorySnapshotStore) Get(ctx context.Context, scopeType, scopeID string, periodStart time.Time) (*models.MarginSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byKey[snapshotKey(scopeType, scopeID, periodStart)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	out := *snap
	return &out, nil
}

func (s *MemorySnapshotStore) byID(id uint) *models.MarginSnapshot {
	for _, snap := range s.byKey {
		if snap.ID == id {
			return snap
		}
	}
	return nil
}

func (s *MemorySnapshotStore) ClaimMitigation(ctx context.Context, id uint, actions []models.MitigationAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byID(id)
	if snap == nil || snap.MitigationApplied {
		return false, nil
	}
	snap.MitigationApplied = true
	snap.MitigationActions = append(datatypes.JSONSlice[models.MitigationAction]{}, actions...)
	return true, nil
}

func (s *MemorySnapshotStore) MarkAlerted(ctx context.Context, id uint, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byID(id)
	if snap == nil || snap.AlertedAt != nil {
		return false, nil
	}
	t := at
	snap.AlertedAt = &t
	return true, nil
}

func (s *MemorySnapshotStore) List(ctx context.Context, filter ListFilter) ([]models.MarginSnapshot, int64, error) {
	s.mu.Lock()
	var matched []models.MarginSnapshot
	for _, snap := range s.byKey {
		if filter.ScopeType != "" && snap.ScopeType != filter.ScopeType {
			continue
		}
		if filter.ScopeID != "" && snap.ScopeID != filter.ScopeID {
			continue
		}
		if !filter.Since.IsZero() && snap.PeriodStart.Before(filter.Since) {
			continue
		}
		matched = append(matched, *snap)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].PeriodStart.Equal(matched[j].PeriodStart) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].PeriodStart.After(matched[j].PeriodStart)
	})

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []models.MarginSnapshot{}, total, nil
	}
	matched = matched[filter.Offset:]
	if limit := listLimit(filter.Limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}
