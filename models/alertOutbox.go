package models

import (
	"time"
)

// AlertOutbox is one anomaly event awaiting publication to the alerting
// topic. Rows are written in the same transaction as the anomaly change and
// published after commit by the alert dispatcher, giving at-least-once
// delivery that survives crashes between commit and publish.
type AlertOutbox struct {
	ID        uint   `gorm:"primary_key;index:idx_alert_dispatch,priority:3" json:"id"`
	TenantId  string `gorm:"size:64;index;not null" json:"tenant_id"`
	AnomalyId uint   `gorm:"index;not null" json:"anomaly_id"`
	EventType string `gorm:"size:32;not null" json:"event_type"`
	Payload   []byte `gorm:"type:blob" json:"payload"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_alert_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_alert_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AlertEvent is the wire shape published to the alert topic.
type AlertEvent struct {
	OutboxId      uint      `json:"outbox_id"`
	TenantId      string    `json:"tenant_id"`
	AnomalyId     uint      `json:"anomaly_id"`
	EventType     string    `json:"event_type"`
	CheckName     string    `json:"check_name"`
	CheckDate     string    `json:"check_date"`
	Severity      string    `json:"severity"`
	DeltaPct      string    `json:"delta_pct"`
	Detail        string    `json:"detail"`
	CorrelationId string    `json:"correlation_id"`
	EmittedAt     time.Time `json:"emitted_at"`
}
