package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// WebhookEvent is the idempotency log for inbound provider events. A
// (source, event_id) pair exists at most once.
type WebhookEvent struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Source       string         `gorm:"type:varchar(32);not null;index:ux_webhook_events_source_event,unique,priority:1" json:"source"`
	EventID      string         `gorm:"type:varchar(191);not null;index:ux_webhook_events_source_event,unique,priority:2" json:"event_id"`
	EventType    string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload      datatypes.JSON `gorm:"type:json" json:"payload"`
	Status       string         `gorm:"type:varchar(16);not null;default:'received';index" json:"status"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	Result       datatypes.JSON `gorm:"type:json" json:"result,omitempty"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	ReceivedAt   time.Time      `gorm:"not null;index" json:"received_at"`
	ClaimedAt    time.Time      `gorm:"not null" json:"claimed_at"`
	ProcessedAt  *time.Time     `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether the event reached its terminal success state.
func (e *WebhookEvent) IsProcessed() bool {
	return e != nil && e.Status == WebhookStatusProcessed
}
