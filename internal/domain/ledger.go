// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the idempotency ledger for inbound provider push
// notifications, keyed by the provider's event id. An event id is processed
// at most once: replays are acknowledged without re-executing side effects.
type WebhookEvent struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	EventID    string         `json:"event_id" gorm:"type:varchar(128);not null;uniqueIndex:ux_webhook_event_id"`
	Provider   string         `json:"provider" gorm:"type:varchar(32);not null;default:'retell';index"`
	ReceivedAt time.Time      `json:"received_at" gorm:"not null;autoCreateTime;index"`
	Payload    datatypes.JSON `json:"payload,omitempty" gorm:"type:json"`
}

// TableName implements the GORM tabler interface.
func (WebhookEvent) TableName() string { return "webhook_events" }

// SyncLog records the outcome of one orchestrator reconciliation pass so the
// latest summary can be served without re-running a sync.
type SyncLog struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	Mode       string         `json:"mode" gorm:"type:varchar(8);not null;default:'full';check:mode IN ('full','lite')"`
	StartedAt  time.Time      `json:"started_at" gorm:"not null"`
	FinishedAt time.Time      `json:"finished_at" gorm:"not null;index"`
	Summary    datatypes.JSON `json:"summary" gorm:"type:json"`
	ErrorCount int            `json:"error_count" gorm:"not null;default:0"`
}

// TableName implements the GORM tabler interface.
func (SyncLog) TableName() string { return "sync_logs" }
