// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the ConversationMemory context cache:
// an append-only per-user log read back as the most recent N turns.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
)

// AppendMemory records one role/content turn for userID. Callers treat this
// as best-effort: the memory log is a context cache, not authoritative
// history.
func AppendMemory(ctx context.Context, db *gorm.DB, userID, role, content string) error {
	entry := &domain.ConversationMemory{
		UserID:  userID,
		Role:    role,
		Content: content,
	}
	return db.WithContext(ctx).Create(entry).Error
}

// RecentMemory returns up to limit of the user's most recent turns in
// chronological order. Limits outside (0, MemoryWindow] are clamped to
// MemoryWindow.
func RecentMemory(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.ConversationMemory, error) {
	if limit <= 0 || limit > domain.MemoryWindow {
		limit = domain.MemoryWindow
	}

	var newestFirst []domain.ConversationMemory
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&newestFirst).Error
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt context.
	out := make([]domain.ConversationMemory, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}
