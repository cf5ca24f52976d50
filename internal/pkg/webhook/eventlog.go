package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dhstx/productpage-sub002/app/models"
)

// ClaimStatus is the result of trying to take ownership of an event.
type ClaimStatus int

const (
	// ClaimCreated means this is the first sighting of the event.
	ClaimCreated ClaimStatus = iota
	// ClaimReclaimed means a failed or abandoned event was taken over.
	ClaimReclaimed
	// ClaimDuplicate means the event was already processed.
	ClaimDuplicate
	// ClaimInFlight means another delivery currently owns the event.
	ClaimInFlight
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimCreated:
		return "created"
	case ClaimReclaimed:
		return "reclaimed"
	case ClaimDuplicate:
		return "duplicate"
	default:
		return "in_flight"
	}
}

// EventLog is the idempotency record of inbound events, keyed by
// (source, event id). Claim must be atomic per key.
type EventLog interface {
	Claim(ctx context.Context, ev Event, now time.Time, lease time.Duration) (ClaimStatus, *models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, source, eventID string, attempts int, result []byte, now time.Time) error
	MarkFailed(ctx context.Context, source, eventID string, attempts int, errMsg string, now time.Time) error
	Get(ctx context.Context, source, eventID string) (*models.WebhookEvent, error)
}

// DeadLetterQueue stores events whose processing was given up.
type DeadLetterQueue interface {
	// Add inserts an entry, or refreshes the error of an existing entry with
	// the same identity. It reports whether a new entry was created.
	Add(ctx context.Context, entry *models.DeadLetterEntry) (bool, error)
	// ListPending returns entries that were never retried, oldest first.
	ListPending(ctx context.Context, limit int) ([]models.DeadLetterEntry, error)
	List(ctx context.Context, limit, offset int) ([]models.DeadLetterEntry, int64, error)
	IncrementRetry(ctx context.Context, id uint) error
	Delete(ctx context.Context, id uint) error
}

func newEventRecord(ev Event, now time.Time) *models.WebhookEvent {
	return &models.WebhookEvent{
		Source:     ev.Source,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Payload:    datatypes.JSON(ev.Payload),
		Status:     models.WebhookStatusReceived,
		ReceivedAt: now,
		ClaimedAt:  now,
	}
}

// reclaimable reports whether an existing record may be taken over.
func reclaimable(rec *models.WebhookEvent, now time.Time, lease time.Duration) bool {
	if rec.Status == models.WebhookStatusFailed {
		return true
	}
	return rec.Status == models.WebhookStatusReceived && rec.ClaimedAt.Before(now.Add(-lease))
}

type GormEventLog struct {
	db *gorm.DB
}

func NewGormEventLog(db *gorm.DB) *GormEventLog {
	return &GormEventLog{db: db}
}

func (l *GormEventLog) Claim(ctx context.Context, ev Event, now time.Time, lease time.Duration) (ClaimStatus, *models.WebhookEvent, error) {
	db := l.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(newEventRecord(ev, now))
	if tx.Error != nil {
		return ClaimInFlight, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := db.Where("source = ? AND event_id = ?", ev.Source, ev.ID).First(&stored).Error; err != nil {
		return ClaimInFlight, nil, err
	}
	if created {
		return ClaimCreated, &stored, nil
	}
	if stored.IsProcessed() {
		return ClaimDuplicate, &stored, nil
	}
	if !reclaimable(&stored, now, lease) {
		return ClaimInFlight, &stored, nil
	}

	// Conditional on the state just read, so only one re-delivery wins.
	res := db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ? AND claimed_at = ?", stored.ID, stored.Status, stored.ClaimedAt).
		Updates(map[string]interface{}{
			"status":     models.WebhookStatusReceived,
			"claimed_at": now,
		})
	if res.Error != nil {
		return ClaimInFlight, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return ClaimInFlight, &stored, nil
	}
	stored.Status = models.WebhookStatusReceived
	stored.ClaimedAt = now
	return ClaimReclaimed, &stored, nil
}

func (l *GormEventLog) MarkProcessed(ctx context.Context, source, eventID string, attempts int, result []byte, now time.Time) error {
	updates := map[string]interface{}{
		"status":        models.WebhookStatusProcessed,
		"attempts":      gorm.Expr("attempts + ?", attempts),
		"result":        datatypes.JSON(result),
		"error_message": "",
		"processed_at":  &now,
	}
	return l.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("source = ? AND event_id = ?", source, eventID).
		Updates(updates).Error
}

func (l *GormEventLog) MarkFailed(ctx context.Context, source, eventID string, attempts int, errMsg string, now time.Time) error {
	updates := map[string]interface{}{
		"status":        models.WebhookStatusFailed,
		"attempts":      gorm.Expr("attempts + ?", attempts),
		"error_message": errMsg,
		"processed_at":  &now,
	}
	return l.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("source = ? AND event_id = ? AND status <> ?", source, eventID, models.WebhookStatusProcessed).
		Updates(updates).Error
}

func (l *GormEventLog) Get(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	var rec models.WebhookEvent
	err := l.db.WithContext(ctx).Where("source = ? AND event_id = ?", source, eventID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type GormDeadLetterQueue struct {
	db *gorm.DB
}

func NewGormDeadLetterQueue(db *gorm.DB) *GormDeadLetterQueue {
	return &GormDeadLetterQueue{db: db}
}

func (q *GormDeadLetterQueue) Add(ctx context.Context, entry *models.DeadLetterEntry) (bool, error) {
	db := q.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"},
			{Name: "webhook_id"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	err := db.Model(&models.DeadLetterEntry{}).
		Where("source = ? AND webhook_id = ?", entry.Source, entry.WebhookID).
		Updates(map[string]interface{}{
			"event_type":    entry.EventType,
			"payload":       entry.Payload,
			"error_message": entry.ErrorMessage,
			"failed_at":     entry.FailedAt,
		}).Error
	return false, err
}

func (q *GormDeadLetterQueue) ListPending(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	var entries []models.DeadLetterEntry
	err := q.db.WithContext(ctx).
		Where("retry_count = ?", 0).
		Order("failed_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (q *GormDeadLetterQueue) List(ctx context.Context, limit, offset int) ([]models.DeadLetterEntry, int64, error) {
	db := q.db.WithContext(ctx)
	var total int64
	if err := db.Model(&models.DeadLetterEntry{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []models.DeadLetterEntry
	err := db.Order("failed_at DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}

func (q *GormDeadLetterQueue) IncrementRetry(ctx context.Context, id uint) error {
	tx := q.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + ?", 1))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *GormDeadLetterQueue) Delete(ctx context.Context, id uint) error {
	tx := q.db.WithContext(ctx).Delete(&models.DeadLetterEntry{}, id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

type eventKey struct {
	source string
	id     string
}

// MemoryEventLog is an in-process EventLog.
type MemoryEventLog struct {
	mu     sync.Mutex
	nextID uint
	events map[eventKey]*models.WebhookEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[eventKey]*models.WebhookEvent)}
}

func (l *MemoryEventLog) Claim(ctx context.Context, ev Event, now time.Time, lease time.Duration) (ClaimStatus, *models.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := eventKey{ev.Source, ev.ID}
	rec, ok := l.events[key]
	if !ok {
		l.nextID++
		rec = newEventRecord(ev, now)
		rec.ID = l.nextID
		l.events[key] = rec
		out := *rec
		return ClaimCreated, &out, nil
	}

	status := ClaimInFlight
	switch {
	case rec.IsProcessed():
		status = ClaimDuplicate
	case reclaimable(rec, now, lease):
		rec.Status = models.WebhookStatusReceived
		rec.ClaimedAt = now
		status = ClaimReclaimed
	}
	out := *rec
	return status, &out, nil
}

func (l *MemoryEventLog) MarkProcessed(ctx context.Context, source, eventID string, attempts int, result []byte, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.events[eventKey{source, eventID}]
	if !ok {
		return ErrEventNotFound
	}
	rec.Status = models.WebhookStatusProcessed
	rec.Attempts += attempts
	rec.Result = datatypes.JSON(result)
	rec.ErrorMessage = ""
	rec.ProcessedAt = &now
	return nil
}

func (l *MemoryEventLog) MarkFailed(ctx context.Context, source, eventID string, attempts int, errMsg string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.events[eventKey{source, eventID}]
	if !ok {
		return ErrEventNotFound
	}
	if rec.IsProcessed() {
		return nil
	}
	rec.Status = models.WebhookStatusFailed
	rec.Attempts += attempts
	rec.ErrorMessage = errMsg
	rec.ProcessedAt = &now
	return nil
}

func (l *MemoryEventLog) Get(ctx context.Context, source, eventID string) (*models.WebhookEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.events[eventKey{source, eventID}]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *rec
	return &out, nil
}

// MemoryDeadLetterQueue is an in-process DeadLetterQueue.
type MemoryDeadLetterQueue struct {
	mu      sync.Mutex
	nextID  uint
	entries []models.DeadLetterEntry
}

func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{}
}

func (q *MemoryDeadLetterQueue) Add(ctx context.Context, entry *models.DeadLetterEntry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		e := &q.entries[i]
		if e.Source == entry.Source && e.WebhookID == entry.WebhookID {
			e.EventType = entry.EventType
			e.Payload = entry.Payload
			e.ErrorMessage = entry.ErrorMessage
			e.FailedAt = entry.FailedAt
			return false, nil
		}
	}
	q.nextID++
	entry.ID = q.nextID
	q.entries = append(q.entries, *entry)
	return true, nil
}

func (q *MemoryDeadLetterQueue) ListPending(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.DeadLetterEntry
	for _, e := range q.entries {
		if len(out) >= limit {
			break
		}
		if e.RetryCount == 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *MemoryDeadLetterQueue) List(ctx context.Context, limit, offset int) ([]models.DeadLetterEntry, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := int64(len(q.entries))
	var out []models.DeadLetterEntry
	for i := len(q.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.entries[i])
	}
	return out, total, nil
}

func (q *MemoryDeadLetterQueue) IncrementRetry(ctx context.Context, id uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries[i].RetryCount++
			return nil
		}
	}
	return ErrEntryNotFound
}

func (q *MemoryDeadLetterQueue) Delete(ctx context.Context, id uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return ErrEntryNotFound
}
