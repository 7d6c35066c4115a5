package domain

import "time"

// MemoryWindow is the number of most-recent memory turns returned to callers
// and fed back to the provider when creating a new web call.
const MemoryWindow = 20

// ConversationMemory is a rolling, append-only log of recent role/content
// turns per user. It is a context cache, not authoritative history: reads
// truncate to the most recent MemoryWindow entries and failures to append
// never fail the surrounding upsert.
type ConversationMemory struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null;index:idx_memory_user_created,priority:1"`
	Role      string    `json:"role"    gorm:"type:varchar(12);not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_memory_user_created,priority:2"`
}

// TableName implements the GORM tabler interface.
func (ConversationMemory) TableName() string { return "conversation_memory" }
