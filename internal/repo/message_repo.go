// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides idempotent upsert functions for the
// CommMessage and CommAttachment models, plus the aggregate recompute used
// after any message insert.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

// UpsertMessage idempotently creates or updates one message under session.
//
// Dedup precedence: the provider message id when present (exact match within
// the session); otherwise a (channel, timestamp, role, content) match so
// repeated transcript syncs never duplicate turns. On a match, only
// content/metadata differences trigger a write; identical payloads are a
// no-op to avoid mutation churn.
func UpsertMessage(ctx context.Context, db *gorm.DB, session *domain.CommSession, channel string, m normalize.MessageRecord) (*domain.CommMessage, bool, error) {
	var existing domain.CommMessage
	var err error

	q := db.WithContext(ctx).Where("session_id = ?", session.ID)
	if m.ProviderID != "" {
		err = q.Where("provider_message_id = ?", m.ProviderID).First(&existing).Error
	} else {
		err = q.Where("channel = ? AND timestamp = ? AND role = ? AND content = ?",
			channel, m.Timestamp, m.Role, m.Content).First(&existing).Error
	}

	switch {
	case err == nil:
		changed := false
		if existing.Content != m.Content {
			existing.Content = m.Content
			changed = true
		}
		if meta := marshalMeta(m.Metadata); meta != nil && string(existing.Metadata) != string(meta) {
			existing.Metadata = meta
			changed = true
		}
		if !changed {
			return &existing, false, nil
		}
		if serr := db.WithContext(ctx).Save(&existing).Error; serr != nil {
			return nil, false, serr
		}
		return &existing, false, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		msg := domain.CommMessage{
			SessionID:      session.ID,
			Timestamp:      m.Timestamp.UTC(),
			Channel:        channel,
			Role:           m.Role,
			Content:        m.Content,
			LatencyMS:      m.LatencyMS,
			HasAttachments: m.AudioURL != "",
			Metadata:       marshalMeta(m.Metadata),
		}
		if m.ProviderID != "" {
			pid := m.ProviderID
			msg.ProviderMessageID = &pid
		}
		cerr := db.WithContext(ctx).Create(&msg).Error
		if cerr == nil {
			return &msg, true, nil
		}
		if isUniqueViolation(cerr) && m.ProviderID != "" {
			// Concurrent insert of the same provider message id.
			if rerr := db.WithContext(ctx).
				Where("session_id = ? AND provider_message_id = ?", session.ID, m.ProviderID).
				First(&existing).Error; rerr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, cerr

	default:
		return nil, false, err
	}
}

// UpsertAttachment attaches a media URL to a message, deduplicated on
// (message, URL). Kind defaults to audio when empty.
func UpsertAttachment(ctx context.Context, db *gorm.DB, msg *domain.CommMessage, url, kind string) (*domain.CommAttachment, bool, error) {
	if kind == "" {
		kind = domain.AttachmentAudio
	}

	var existing domain.CommAttachment
	err := db.WithContext(ctx).
		Where("message_id = ? AND url = ?", msg.ID, url).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	att := domain.CommAttachment{
		MessageID: msg.ID,
		Kind:      kind,
		URL:       url,
	}
	cerr := db.WithContext(ctx).Create(&att).Error
	if cerr == nil {
		if !msg.HasAttachments {
			db.WithContext(ctx).Model(msg).Update("has_attachments", true)
			msg.HasAttachments = true
		}
		return &att, true, nil
	}
	if isUniqueViolation(cerr) {
		if rerr := db.WithContext(ctx).
			Where("message_id = ? AND url = ?", msg.ID, url).
			First(&existing).Error; rerr == nil {
			return &existing, false, nil
		}
	}
	return nil, false, cerr
}

// RecountMessages recomputes message_count from the live count of owned
// messages and persists it. The count is always derived, never taken from
// provider input.
func RecountMessages(ctx context.Context, db *gorm.DB, sessionID uint) (int64, error) {
	var total int64
	if err := db.WithContext(ctx).
		Model(&domain.CommMessage{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return 0, err
	}
	err := db.WithContext(ctx).
		Model(&domain.CommSession{}).
		Where("id = ?", sessionID).
		Update("message_count", total).Error
	return total, err
}

// ListMessagesPage returns a page of a session's messages ordered
// deterministically (Timestamp ASC, ID ASC). A non-positive limit returns
// the full set.
func ListMessagesPage(ctx context.Context, db *gorm.DB, sessionID uint, offset, limit int) ([]domain.CommMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []domain.CommMessage
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountMessages returns the number of messages owned by a session.
func CountMessages(ctx context.Context, db *gorm.DB, sessionID uint) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CommMessage{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error
	return total, err
}

// SessionsStats returns aggregate metadata for the sessions matching filter:
// total rows and the maximum UpdatedAt among them. Used for conditional
// (ETag) responses on the list endpoint.
func SessionsStats(ctx context.Context, db *gorm.DB, f SessionFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	q := f.apply(db.WithContext(ctx).Model(&domain.CommSession{}))

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

func marshalMeta(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}
