// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the session upsert engine and query
// functions for the CommSession model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic beyond the
// idempotent upsert contract, only persistence and query composition.
//
// Upsert semantics:
//   - Identity precedence is strict: call_id, then conversation_id, then
//     conversation_flow_id, then reference. A payload carrying none of these
//     is rejected with ErrNoIdentifier, never silently dropped.
//   - On update, only non-nil incoming fields overwrite existing columns, so
//     a partial or stale provider payload can never blank previously-known
//     data.
//   - Get-or-create races under concurrent webhook + sync execution are
//     resolved by the unique indexes: a duplicate-key insert re-reads the
//     winning row and falls through to the update path.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrNoIdentifier is returned when an incoming provider payload carries none
// of the recognized identity keys and therefore cannot be deduplicated.
var ErrNoIdentifier = errors.New("record has no provider identifier")

// isUniqueViolation matches the unique-constraint failures surfaced by the
// pure-Go SQLite driver, which often arrive as plain-text errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

type identityPair struct {
	col string
	val string
}

// identityColumns returns every identity (column, value) present on the
// upsert, ordered by precedence. Empty when the payload carries none.
func identityColumns(up *normalize.SessionUpsert) []identityPair {
	var out []identityPair
	add := func(col string, v *string) {
		if v != nil && *v != "" {
			out = append(out, identityPair{col, *v})
		}
	}
	add("call_id", up.CallID)
	add("conversation_id", up.ConversationID)
	add("conversation_flow_id", up.ConversationFlowID)
	add("reference", up.Reference)
	return out
}

// findByIdentity tries each identity column in precedence order and returns
// the first matching session row.
func findByIdentity(ctx context.Context, db *gorm.DB, ids []identityPair) (*domain.CommSession, error) {
	for _, id := range ids {
		var s domain.CommSession
		err := db.WithContext(ctx).Where(id.col+" = ?", id.val).First(&s).Error
		if err == nil {
			return &s, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// UpsertSession idempotently creates or updates the unified session row for
// one normalized provider item. It returns the persisted session and whether
// a new row was created.
//
// Lookup walks every identity key present on the payload in precedence
// order, so a session first seen under its stable reference is matched (and
// stamped) when the provider later supplies a canonical call or conversation
// id alongside it.
func UpsertSession(ctx context.Context, db *gorm.DB, up normalize.SessionUpsert) (*domain.CommSession, bool, error) {
	ids := identityColumns(&up)
	if len(ids) == 0 {
		return nil, false, ErrNoIdentifier
	}

	existing, err := findByIdentity(ctx, db, ids)
	switch {
	case err == nil:
		applySessionFields(existing, &up)
		if serr := db.WithContext(ctx).Save(existing).Error; serr != nil {
			return nil, false, serr
		}
		return existing, false, nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		fresh := domain.CommSession{
			Provider:  "retell",
			Channel:   up.Channel,
			Direction: domain.DirectionInbound,
			Status:    domain.StatusOngoing,
		}
		applySessionFields(&fresh, &up)
		cerr := db.WithContext(ctx).Create(&fresh).Error
		if cerr == nil {
			return &fresh, true, nil
		}
		if !isUniqueViolation(cerr) {
			return nil, false, cerr
		}
		// Lost the race to a concurrent webhook/sync; update the winner.
		existing, rerr := findByIdentity(ctx, db, ids)
		if rerr != nil {
			return nil, false, rerr
		}
		applySessionFields(existing, &up)
		if serr := db.WithContext(ctx).Save(existing).Error; serr != nil {
			return nil, false, serr
		}
		return existing, false, nil

	default:
		return nil, false, err
	}
}

// applySessionFields copies non-nil upsert fields onto the row. Identity
// keys present on the upsert are always stamped so a session first seen via
// stable reference gains its canonical id once the provider supplies one.
func applySessionFields(s *domain.CommSession, up *normalize.SessionUpsert) {
	if up.CallID != nil && *up.CallID != "" {
		s.CallID = up.CallID
	}
	if up.ConversationID != nil && *up.ConversationID != "" {
		s.ConversationID = up.ConversationID
	}
	if up.ConversationFlowID != nil && *up.ConversationFlowID != "" {
		s.ConversationFlowID = up.ConversationFlowID
	}
	if up.Reference != nil && *up.Reference != "" {
		s.Reference = up.Reference
	}

	if up.Channel != "" {
		s.Channel = up.Channel
	}
	if up.Direction != nil {
		s.Direction = *up.Direction
	}
	if up.Status != nil {
		s.Status = *up.Status
	}
	if up.StartedAt != nil {
		s.StartedAt = up.StartedAt
	}
	if up.EndedAt != nil {
		s.EndedAt = up.EndedAt
	}
	if up.DurationSec != nil && *up.DurationSec >= 0 {
		s.DurationSec = *up.DurationSec
	}
	if up.Intent != nil {
		s.Intent = *up.Intent
	}
	if up.Language != nil {
		s.Language = *up.Language
	}
	if up.FromNumber != nil {
		s.FromNumber = *up.FromNumber
	}
	if up.ToNumber != nil {
		s.ToNumber = *up.ToNumber
	}
	if up.TranscriptExcerpt != nil {
		s.TranscriptExcerpt = *up.TranscriptExcerpt
	}
	if up.CostUSD != nil {
		s.CostUSD = *up.CostUSD
	}
	if up.PromptTokens != nil {
		s.PromptTokens = *up.PromptTokens
	}
	if up.CompletionTokens != nil {
		s.CompletionTokens = *up.CompletionTokens
	}
	if up.UserID != nil && *up.UserID != "" {
		s.UserID = up.UserID
	}
	if up.Metadata != nil {
		if b, err := json.Marshal(up.Metadata); err == nil {
			s.Metadata = b
		}
	}
	if up.Raw != nil {
		if b, err := json.Marshal(up.Raw); err == nil {
			s.RawPayload = b
		}
	}
}

// SessionFilter narrows ListSessionsPage results.
type SessionFilter struct {
	// Query matches case-insensitively across provider identifiers,
	// from/to numbers, intent, and the transcript excerpt.
	Query     string
	Channel   string
	Status    string
	Direction string
	// UserID restricts to sessions owned by one user; empty means all
	// (privileged callers only).
	UserID string
}

func (f SessionFilter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}
	if s := strings.TrimSpace(f.Query); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where(
			"lower(ifnull(call_id,'')) LIKE ? OR lower(ifnull(conversation_id,'')) LIKE ? OR "+
				"lower(from_number) LIKE ? OR lower(to_number) LIKE ? OR "+
				"lower(intent) LIKE ? OR lower(transcript_excerpt) LIKE ?",
			like, like, like, like, like, like,
		)
	}
	return q
}

// CountSessions returns the number of sessions matching the filter.
func CountSessions(ctx context.Context, db *gorm.DB, f SessionFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.CommSession{})).Count(&total).Error
	return total, err
}

// ListSessionsPage returns a page of sessions matching the filter, most
// recently updated first.
func ListSessionsPage(ctx context.Context, db *gorm.DB, f SessionFilter, offset, limit int) ([]domain.CommSession, error) {
	var out []domain.CommSession
	err := f.apply(db.WithContext(ctx)).
		Order("updated_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetSession fetches one session by row id. A non-empty userID enforces
// ownership. Returns ErrNotFound when missing or not owned.
func GetSession(ctx context.Context, db *gorm.DB, id uint, userID string) (*domain.CommSession, error) {
	q := db.WithContext(ctx).Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var s domain.CommSession
	if err := q.First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessionKeys returns the provider key and row id of every session, for
// the orchestrator's detail-fetch stage.
func ListSessionKeys(ctx context.Context, db *gorm.DB) ([]domain.CommSession, error) {
	var out []domain.CommSession
	err := db.WithContext(ctx).
		Select("id", "call_id", "conversation_id", "conversation_flow_id", "reference", "channel", "user_id", "started_at", "duration_sec").
		Find(&out).Error
	return out, err
}
