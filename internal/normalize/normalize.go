// Package normalize converts opaque provider records (voice calls, web
// chats, or legacy generic conversations) into canonical session-upsert
// payloads and message records.
//
// The provider API shape is versioned, partially undocumented, and known to
// drift, so every field is resolved through an ordered list of candidate
// keys applied in priority order ("try many shapes" as explicit tables
// rather than ad hoc branching). All functions here are pure: no I/O, no
// database access.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/truckdesk/go-comms-backend/internal/domain"
)

// Record is one opaque provider item as decoded from JSON.
type Record = map[string]any

// Kind discriminates the three known provider record shapes.
type Kind string

const (
	KindCall         Kind = "call"
	KindChat         Kind = "chat"
	KindConversation Kind = "conversation"
)

// timeNow is a seam for deterministic tests.
var timeNow = time.Now

// SessionUpsert is the canonical field set produced from one provider
// record. Pointer fields are optional: nil means "the record did not carry
// this field", and the upsert engine never overwrites stored data with nil.
type SessionUpsert struct {
	CallID             *string
	ConversationID     *string
	ConversationFlowID *string
	Reference          *string

	Channel   string
	Direction *string
	Status    *string

	StartedAt   *time.Time
	EndedAt     *time.Time
	DurationSec *int

	Intent            *string
	Language          *string
	FromNumber        *string
	ToNumber          *string
	TranscriptExcerpt *string

	CostUSD          *float64
	PromptTokens     *int
	CompletionTokens *int

	UserID *string

	Metadata map[string]any
	Raw      Record
}

// HasIdentity reports whether the upsert carries at least one dedup key.
func (u *SessionUpsert) HasIdentity() bool {
	for _, p := range []*string{u.CallID, u.ConversationID, u.ConversationFlowID, u.Reference} {
		if p != nil && *p != "" {
			return true
		}
	}
	return false
}

// MessageRecord is one canonical turn extracted from a provider payload.
type MessageRecord struct {
	ProviderID string
	Role       string
	Content    string
	Timestamp  time.Time
	AudioURL   string
	LatencyMS  int
	Metadata   map[string]any
}

// ---- field extraction rule tables ----
//
// Each table is the ordered list of candidate keys for one canonical field,
// applied first-match-wins. New provider vocabulary goes here, not into
// branching code.

var (
	callIDKeys = []string{"call_id", "callId"}
	convIDKeys = []string{"conversation_id", "conversationId", "chat_id", "chatId"}
	flowIDKeys = []string{"conversation_flow_id", "conversationFlowId", "flow_id"}

	startMillisKeys = []string{"start_timestamp", "startTimestamp", "created_timestamp"}
	endMillisKeys   = []string{"end_timestamp", "endTimestamp", "ended_timestamp"}
	startISOKeys    = []string{"started_at", "start_time", "created_at", "createdAt", "timestamp"}
	endISOKeys      = []string{"ended_at", "end_time", "updated_at", "updatedAt"}

	statusKeys    = []string{"call_status", "chat_status", "conversation_status", "status", "state"}
	directionKeys = []string{"direction", "call_direction", "call_type"}
	fromKeys      = []string{"from_number", "from", "caller_number", "customer_number"}
	toKeys        = []string{"to_number", "to", "callee_number", "agent_number"}
	intentKeys    = []string{"intent", "topic", "category"}
	languageKeys  = []string{"language", "agent_language", "locale"}
	costKeys      = []string{"cost_usd", "combined_cost", "cost"}
	durationKeys  = []string{"duration_sec", "duration_seconds", "duration"}

	// refDiscriminatorKeys feed the stable reference when no canonical id
	// exists. The same physical item must hash to the same reference across
	// repeated fetches.
	refIDKeys = []string{"id", "session_id", "uuid"}

	// messageContainerKeys is the probing order for transcript containers.
	messageContainerKeys = []string{
		"transcript_with_tool_calls",
		"scrubbed_transcript_with_tool_calls",
		"transcript_object",
		"messages",
		"turns",
		"logs",
		"transcript",
		"events",
	}

	msgRoleKeys    = []string{"role", "speaker", "sender", "author"}
	msgContentKeys = []string{"content", "message", "text", "utterance", "transcript"}
	msgIDKeys      = []string{"message_id", "id", "uuid"}
	msgMillisKeys  = []string{"timestamp", "created_timestamp", "time"}
	msgISOKeys     = []string{"created_at", "createdAt", "sent_at"}
	msgAudioKeys   = []string{"audio_url", "audioUrl", "recording_url", "recordingUrl"}
)

// statusMap resolves provider status vocabulary (lower-cased) onto the five
// canonical statuses. Unmapped strings intentionally resolve to "ongoing".
var statusMap = map[string]string{
	"completed":     domain.StatusCompleted,
	"ended":         domain.StatusCompleted,
	"done":          domain.StatusCompleted,
	"closed":        domain.StatusCompleted,
	"chat_ended":    domain.StatusCompleted,
	"failed":        domain.StatusFailed,
	"error":         domain.StatusFailed,
	"missed":        domain.StatusMissed,
	"not_connected": domain.StatusMissed,
	"no_answer":     domain.StatusMissed,
	"canceled":      domain.StatusCanceled,
	"cancelled":     domain.StatusCanceled,
	"ongoing":       domain.StatusOngoing,
	"in_progress":   domain.StatusOngoing,
	"registered":    domain.StatusOngoing,
	"active":        domain.StatusOngoing,
	"open":          domain.StatusOngoing,
}

// roleMap resolves provider speaker labels (lower-cased) onto persisted
// roles. Unknown labels default to assistant.
var roleMap = map[string]string{
	"user":      domain.RoleUser,
	"customer":  domain.RoleUser,
	"caller":    domain.RoleUser,
	"human":     domain.RoleUser,
	"assistant": domain.RoleAssistant,
	"bot":       domain.RoleAssistant,
	"ai":        domain.RoleAssistant,
	"agent":     domain.RoleAgent,
	"operator":  domain.RoleAgent,
	"system":    domain.RoleSystem,
}

// MapStatus resolves a provider status string to a canonical status. The
// lookup is case-insensitive and total: unrecognized values return
// StatusOngoing, since provider vocabulary drifts and an unknown status must
// never fail an ingest.
func MapStatus(s string) string {
	if v, ok := statusMap[strings.ToLower(strings.TrimSpace(s))]; ok {
		return v
	}
	return domain.StatusOngoing
}

// MapRole resolves a provider speaker label to a persisted role. When the
// label is empty, roles alternate user/assistant by turn index as a last
// resort.
func MapRole(s string, index int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		if index%2 == 0 {
			return domain.RoleUser
		}
		return domain.RoleAssistant
	}
	if v, ok := roleMap[s]; ok {
		return v
	}
	return domain.RoleAssistant
}

// Normalize maps one provider record into a canonical session-upsert field
// set. It never fails: a record carrying no identity at all still yields an
// upsert with a computed stable Reference.
func Normalize(kind Kind, rec Record) SessionUpsert {
	up := SessionUpsert{
		Channel:  channelFor(kind, rec),
		Metadata: mapAt(rec, "metadata"),
		Raw:      rec,
	}

	if v, ok := firstString(rec, callIDKeys); ok {
		up.CallID = &v
	}
	if v, ok := firstString(rec, convIDKeys); ok {
		up.ConversationID = &v
	}
	if v, ok := firstString(rec, flowIDKeys); ok {
		up.ConversationFlowID = &v
	}
	if up.CallID == nil && up.ConversationID == nil && up.ConversationFlowID == nil {
		ref := StableReference(kind, rec)
		up.Reference = &ref
	}

	if s, ok := firstString(rec, statusKeys); ok {
		st := MapStatus(s)
		up.Status = &st
	}
	if d, ok := firstString(rec, directionKeys); ok {
		if dir, ok := mapDirection(d); ok {
			up.Direction = &dir
		}
	}

	start, startOK := resolveTime(rec, startMillisKeys, startISOKeys)
	if !startOK {
		// A session must have a start for message-offset fallbacks; wall
		// clock is the documented last resort.
		start = timeNow().UTC()
	}
	up.StartedAt = &start
	if end, ok := resolveTime(rec, endMillisKeys, endISOKeys); ok {
		up.EndedAt = &end
		if d := int(end.Sub(start).Seconds()); d >= 0 {
			up.DurationSec = &d
		}
	}
	if up.DurationSec == nil {
		if f, ok := firstNumber(rec, durationKeys); ok && f >= 0 {
			d := int(f)
			up.DurationSec = &d
		} else if f, ok := firstNumber(rec, []string{"duration_ms"}); ok && f >= 0 {
			d := int(f / 1000)
			up.DurationSec = &d
		}
	}

	if v, ok := firstString(rec, fromKeys); ok {
		up.FromNumber = &v
	}
	if v, ok := firstString(rec, toKeys); ok {
		up.ToNumber = &v
	}
	if v, ok := firstString(rec, intentKeys); ok {
		up.Intent = &v
	}
	if v, ok := firstString(rec, languageKeys); ok {
		lang := normalizeLanguage(v)
		up.Language = &lang
	}
	if f, ok := firstNumber(rec, costKeys); ok {
		up.CostUSD = &f
	}
	if usage := mapAt(rec, "usage"); usage != nil {
		if f, ok := firstNumber(usage, []string{"prompt_tokens", "input_tokens"}); ok {
			n := int(f)
			up.PromptTokens = &n
		}
		if f, ok := firstNumber(usage, []string{"completion_tokens", "output_tokens"}); ok {
			n := int(f)
			up.CompletionTokens = &n
		}
	}
	if excerpt, ok := transcriptExcerpt(rec); ok {
		up.TranscriptExcerpt = &excerpt
	}
	if v, ok := firstString(rec, []string{"user_id", "userId"}); ok {
		up.UserID = &v
	} else if up.Metadata != nil {
		if v, ok := firstString(up.Metadata, []string{"user_id", "userId"}); ok {
			up.UserID = &v
		}
	}

	return up
}

// StableReference computes a deterministic dedup key for a record that
// carries none of the expected provider identifiers, by hashing a small set
// of discriminating fields. Two fetches of the same physical item produce
// the same reference.
func StableReference(kind Kind, rec Record) string {
	idish, _ := firstString(rec, refIDKeys)
	startRaw := rawDiscriminator(rec, startMillisKeys, startISOKeys)
	from, _ := firstString(rec, fromKeys)
	to, _ := firstString(rec, toKeys)

	sum := sha256.Sum256([]byte(strings.Join([]string{string(kind), idish, startRaw, from, to}, "|")))
	return "ref_" + hex.EncodeToString(sum[:])[:24]
}

// ExtractMessages probes the known transcript container fields in order and
// converts the first non-empty list found into canonical message records.
// Items that are bare strings (plain transcript lines) are kept with an
// alternating role; items missing any timestamp inherit the session start
// plus the first word-level offset when one is available.
func ExtractMessages(rec Record, sessionStart time.Time) []MessageRecord {
	items := messageContainer(rec)
	if len(items) == 0 {
		return nil
	}

	out := make([]MessageRecord, 0, len(items))
	for i, raw := range items {
		switch it := raw.(type) {
		case string:
			if strings.TrimSpace(it) == "" {
				continue
			}
			out = append(out, MessageRecord{
				Role:      MapRole("", i),
				Content:   strings.TrimSpace(it),
				Timestamp: sessionStart,
			})
		case map[string]any:
			m, ok := extractOne(it, i, sessionStart)
			if !ok {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

// extractOne converts a single transcript item, reporting false when the
// item has neither content nor an audio reference worth keeping.
func extractOne(it Record, index int, sessionStart time.Time) (MessageRecord, bool) {
	role, _ := firstString(it, msgRoleKeys)
	content, _ := firstString(it, msgContentKeys)
	audio, _ := firstString(it, msgAudioKeys)
	if strings.TrimSpace(content) == "" && audio == "" {
		return MessageRecord{}, false
	}

	m := MessageRecord{
		Role:     MapRole(role, index),
		Content:  strings.TrimSpace(content),
		AudioURL: audio,
		Metadata: mapAt(it, "metadata"),
	}
	if id, ok := firstString(it, msgIDKeys); ok {
		m.ProviderID = id
	}
	if ts, ok := resolveTime(it, msgMillisKeys, msgISOKeys); ok {
		m.Timestamp = ts
	} else if off, ok := firstWordOffset(it); ok {
		m.Timestamp = sessionStart.Add(time.Duration(off * float64(time.Second)))
	} else {
		m.Timestamp = sessionStart
	}
	if f, ok := firstNumber(it, []string{"latency_ms", "latency"}); ok {
		m.LatencyMS = int(f)
	}
	return m, true
}

// EstimateTokens approximates a token count from whitespace-separated words.
// This is telemetry only, used when the provider omits usage figures; it is
// never billing-grade.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	// ~4 tokens per 3 words for English-like text.
	return (words*4 + 2) / 3
}

// ---- internal helpers ----

func channelFor(kind Kind, rec Record) string {
	switch kind {
	case KindCall:
		return domain.ChannelVoice
	case KindChat:
		return domain.ChannelWeb
	}
	// Legacy conversations self-describe via a type field.
	if t, ok := firstString(rec, []string{"type", "conversation_type"}); ok {
		if strings.EqualFold(t, "call") || strings.EqualFold(t, "voice") {
			return domain.ChannelVoice
		}
	}
	if _, ok := firstString(rec, callIDKeys); ok {
		return domain.ChannelVoice
	}
	return domain.ChannelWeb
}

func mapDirection(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "incoming", "web_call_inbound":
		return domain.DirectionInbound, true
	case "outbound", "outgoing", "web_call_outbound":
		return domain.DirectionOutbound, true
	}
	return "", false
}

// resolveTime applies the documented timestamp resolution: epoch millis
// fields first, then ISO-8601 strings with a trailing Z treated as UTC.
func resolveTime(rec Record, millisKeys, isoKeys []string) (time.Time, bool) {
	if f, ok := firstNumber(rec, millisKeys); ok && f > 0 {
		sec := int64(f) / 1000
		ns := (int64(f) % 1000) * int64(time.Millisecond)
		return time.Unix(sec, ns).UTC(), true
	}
	if s, ok := firstString(rec, isoKeys); ok {
		if t, ok := parseISO(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// rawDiscriminator returns the start field exactly as the provider sent it,
// so hashing stays stable regardless of parse quirks.
func rawDiscriminator(rec Record, millisKeys, isoKeys []string) string {
	if f, ok := firstNumber(rec, millisKeys); ok {
		return fmt.Sprintf("%.0f", f)
	}
	if s, ok := firstString(rec, isoKeys); ok {
		return s
	}
	return ""
}

func transcriptExcerpt(rec Record) (string, bool) {
	if s, ok := firstString(rec, []string{"transcript"}); ok {
		return clip(s, domain.TranscriptExcerptMax), true
	}
	if summary := mapAt(rec, "summary"); summary != nil {
		if s, ok := firstString(summary, []string{"overall", "text", "transcript"}); ok {
			return clip(s, domain.TranscriptExcerptMax), true
		}
	}
	return "", false
}

func messageContainer(rec Record) []any {
	for _, key := range messageContainerKeys {
		if list, ok := rec[key].([]any); ok && len(list) > 0 {
			return list
		}
	}
	if summary := mapAt(rec, "summary"); summary != nil {
		if list, ok := summary["transcript"].([]any); ok && len(list) > 0 {
			return list
		}
	}
	return nil
}

// firstWordOffset pulls the start offset (seconds) of the first word of a
// word-level transcript item, when present.
func firstWordOffset(it Record) (float64, bool) {
	words, ok := it["words"].([]any)
	if !ok || len(words) == 0 {
		return 0, false
	}
	w, ok := words[0].(map[string]any)
	if !ok {
		return 0, false
	}
	return firstNumber(w, []string{"start", "start_timestamp", "offset"})
}

func normalizeLanguage(s string) string {
	if tag, err := language.Parse(strings.TrimSpace(s)); err == nil {
		return tag.String()
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// clip truncates s to at most max bytes without cutting a UTF-8 rune in
// half.
func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func firstString(rec Record, keys []string) (string, bool) {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
	}
	return "", false
}

func firstNumber(rec Record, keys []string) (float64, bool) {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case string:
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func mapAt(rec Record, key string) map[string]any {
	if m, ok := rec[key].(map[string]any); ok {
		return m
	}
	return nil
}
