// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the WebhookEvent
// ledger used to implement at-most-once webhook processing, and for the
// SyncLog history of reconciliation passes.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
)

// ErrDuplicateEvent indicates that a webhook event id has already been
// recorded; the caller must acknowledge without re-running ingestion.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// RecordWebhookEvent inserts an event into the idempotency ledger. It
// returns ErrDuplicateEvent when the event id was seen before; the insert is
// atomic under the unique index, so concurrent deliveries of the same event
// cannot both claim it.
func RecordWebhookEvent(ctx context.Context, db *gorm.DB, eventID, provider string, payload []byte) (*domain.WebhookEvent, error) {
	ev := &domain.WebhookEvent{
		EventID:    eventID,
		Provider:   provider,
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, err
	}
	return ev, nil
}

// CreateSyncLog persists the summary of a finished reconciliation pass.
func CreateSyncLog(ctx context.Context, db *gorm.DB, mode string, startedAt, finishedAt time.Time, summary []byte, errorCount int) (*domain.SyncLog, error) {
	rec := &domain.SyncLog{
		Mode:       mode,
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
		Summary:    summary,
		ErrorCount: errorCount,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// LatestSyncLog returns the most recent pass summary, or ErrNotFound when no
// pass has run yet.
func LatestSyncLog(ctx context.Context, db *gorm.DB) (*domain.SyncLog, error) {
	var rec domain.SyncLog
	err := db.WithContext(ctx).Order("finished_at DESC, id DESC").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
