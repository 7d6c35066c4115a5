// Package domain defines the persistence models for communication sessions,
// messages, and attachments. These types are mapped with GORM and form the
// core data layer of the communications backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Channel values for CommSession and CommMessage.
const (
	ChannelVoice = "voice"
	ChannelWeb   = "web"
)

// Direction values for CommSession.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Canonical session statuses. Provider vocabulary is mapped onto these five
// values by the normalize package; anything unrecognized lands on
// StatusOngoing.
const (
	StatusOngoing   = "ongoing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusMissed    = "missed"
	StatusCanceled  = "canceled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleAgent     = "agent"
	RoleSystem    = "system"
)

// TranscriptExcerptMax bounds the stored transcript excerpt on a session.
const TranscriptExcerptMax = 300

// CommSession represents one logical interaction (voice call, web chat, or
// legacy conversation) with an external conversational-AI provider.
//
// Identity: at most one of CallID, ConversationID, ConversationFlowID, or
// Reference is set; each carries its own unique index and they are tried in
// that priority order when deduplicating incoming provider items. A session
// is created on first sighting and updated on every subsequent sighting;
// non-null incoming values overwrite, existing values are never reverted to
// null. The pipeline never deletes sessions.
//
// MessageCount is recomputed from the live count of owned messages after any
// message insert; provider-supplied counts are ignored.
type CommSession struct {
	ID uint `json:"id" gorm:"primaryKey"`

	// Provider identity keys. Nullable so the unique indexes only bite when
	// a key is actually present.
	CallID             *string `json:"call_id,omitempty"              gorm:"type:varchar(128);uniqueIndex:ux_sessions_call_id"`
	ConversationID     *string `json:"conversation_id,omitempty"      gorm:"type:varchar(128);uniqueIndex:ux_sessions_conversation_id"`
	ConversationFlowID *string `json:"conversation_flow_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_sessions_flow_id"`
	Reference          *string `json:"reference,omitempty"            gorm:"type:varchar(128);uniqueIndex:ux_sessions_reference"`

	Provider  string `json:"provider"  gorm:"type:varchar(32);not null;default:'retell';index"`
	Channel   string `json:"channel"   gorm:"type:varchar(8);not null;check:channel IN ('voice','web');index"`
	Direction string `json:"direction" gorm:"type:varchar(10);not null;default:'inbound';check:direction IN ('inbound','outbound')"`
	Status    string `json:"status"    gorm:"type:varchar(12);not null;default:'ongoing';check:status IN ('ongoing','completed','failed','missed','canceled');index"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	DurationSec int        `json:"duration_sec" gorm:"not null;default:0;check:duration_sec >= 0"`

	MessageCount int    `json:"message_count" gorm:"not null;default:0"`
	Intent       string `json:"intent,omitempty"   gorm:"type:varchar(120)"`
	Language     string `json:"language,omitempty" gorm:"type:varchar(16)"`
	FromNumber   string `json:"from_number,omitempty" gorm:"type:varchar(64)"`
	ToNumber     string `json:"to_number,omitempty"   gorm:"type:varchar(64)"`

	// Usage telemetry. Cost and token counts are best-effort figures taken
	// from provider detail payloads (or word-count estimates), not billing
	// data.
	CostUSD              float64 `json:"cost_usd"             gorm:"not null;default:0"`
	PromptTokens         int     `json:"prompt_tokens"        gorm:"not null;default:0"`
	CompletionTokens     int     `json:"completion_tokens"    gorm:"not null;default:0"`
	VoiceMinutes         float64 `json:"voice_minutes"        gorm:"not null;default:0"`
	TranscriptionMinutes float64 `json:"transcription_minutes" gorm:"not null;default:0"`

	TranscriptExcerpt string `json:"transcript_excerpt,omitempty" gorm:"type:varchar(300)"`

	// Metadata holds arbitrary provider key-values; RawPayload keeps the
	// last provider record verbatim for audit.
	Metadata   datatypes.JSON `json:"metadata,omitempty"    gorm:"type:json"`
	RawPayload datatypes.JSON `json:"raw_payload,omitempty" gorm:"type:json"`

	// UserID is the owning user, when the provider item is attributable.
	UserID *string `json:"user_id,omitempty" gorm:"type:varchar(64);index:idx_sessions_user"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for CommSession.
func (CommSession) TableName() string { return "comm_sessions" }

// ProviderKey returns the highest-precedence provider identifier present on
// the session, or "" when only the numeric row id identifies it.
func (s *CommSession) ProviderKey() string {
	for _, p := range []*string{s.CallID, s.ConversationID, s.ConversationFlowID, s.Reference} {
		if p != nil && *p != "" {
			return *p
		}
	}
	return ""
}

// CommMessage represents a single turn within a communication session.
//
// Dedup identity: ProviderMessageID when the provider supplies one (unique
// within the session); otherwise a fallback match on (session, channel,
// timestamp, role, content) prevents duplicate inserts across repeated
// transcript syncs. Messages are never deleted by the pipeline.
type CommMessage struct {
	ID        uint `json:"id" gorm:"primaryKey"`
	SessionID uint `json:"session_id" gorm:"not null;index:idx_session_msgs,priority:1;uniqueIndex:ux_msgs_session_provider,priority:1"`

	ProviderMessageID *string `json:"provider_message_id,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_msgs_session_provider,priority:2"`

	Timestamp time.Time `json:"timestamp" gorm:"not null;index:idx_session_msgs,priority:2"`
	Channel   string    `json:"channel"   gorm:"type:varchar(8);not null"`
	Role      string    `json:"role"      gorm:"type:varchar(12);not null;check:role IN ('user','assistant','agent','system')"`
	Content   string    `json:"content"   gorm:"type:text"`

	LatencyMS        int     `json:"latency_ms"        gorm:"not null;default:0"`
	PromptTokens     int     `json:"prompt_tokens"     gorm:"not null;default:0"`
	CompletionTokens int     `json:"completion_tokens" gorm:"not null;default:0"`
	CostUSD          float64 `json:"cost_usd"          gorm:"not null;default:0"`

	HasAttachments bool           `json:"has_attachments" gorm:"not null;default:false"`
	Metadata       datatypes.JSON `json:"metadata,omitempty" gorm:"type:json"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Session is the parent interaction. Messages are cascade-deleted if
	// their session is removed.
	Session CommSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CommMessage.
func (CommMessage) TableName() string { return "comm_messages" }

// Attachment kinds.
const (
	AttachmentAudio    = "audio"
	AttachmentDocument = "document"
	AttachmentImage    = "image"
)

// CommAttachment is a binary/media reference (audio recording, document,
// image) hung off a message. An attachment with an already-seen URL under
// the same message is never re-created.
type CommAttachment struct {
	ID        uint `json:"id" gorm:"primaryKey"`
	MessageID uint `json:"message_id" gorm:"not null;uniqueIndex:ux_attachments_message_url,priority:1"`

	Kind     string  `json:"kind" gorm:"type:varchar(12);not null;default:'audio';check:kind IN ('audio','document','image')"`
	URL      string  `json:"url"  gorm:"type:varchar(512);not null;uniqueIndex:ux_attachments_message_url,priority:2"`
	MimeType string  `json:"mime_type,omitempty" gorm:"type:varchar(64)"`
	Size     int64   `json:"size" gorm:"not null;default:0"`
	Duration float64 `json:"duration" gorm:"not null;default:0"`

	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"type:json"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Message is the owning turn. Attachments are cascade-deleted if the
	// underlying message is removed.
	Message CommMessage `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CommAttachment.
func (CommAttachment) TableName() string { return "comm_attachments" }
