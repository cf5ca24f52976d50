package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeadLetterEntry mirrors a webhook event whose retries were exhausted. It
// shares the (source, webhook_id) identity of the originating event.
type DeadLetterEntry struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Source       string         `gorm:"type:varchar(32);not null;index:ux_dead_letter_source_webhook,unique,priority:1" json:"source"`
	WebhookID    string         `gorm:"type:varchar(191);not null;index:ux_dead_letter_source_webhook,unique,priority:2" json:"webhook_id"`
	EventType    string         `gorm:"type:varchar(100);not null" json:"event_type"`
	Payload      datatypes.JSON `gorm:"type:json" json:"payload"`
	ErrorMessage string         `gorm:"type:text" json:"error_message"`
	FailedAt     time.Time      `gorm:"not null;index" json:"failed_at"`
	RetryCount   int            `gorm:"not null;default:0;index" json:"retry_count"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
