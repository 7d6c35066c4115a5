// Package services – WebhookService
//
// Verifies and ingests provider webhook deliveries. Verification supports
// two schemes: an HMAC-SHA256 hex signature over the raw body (compared in
// constant time) and a shared-token path segment for callers that cannot
// sign. Replays are absorbed through the WebhookEvent ledger: the same
// event id is recorded once and acknowledged on every delivery.
//
// After verification succeeds the delivery is always acknowledged; payload
// problems are logged and surfaced in the result, never raised back to the
// provider, so it does not retry events we cannot use.
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/config"
	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/normalize"
	"github.com/truckdesk/go-comms-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// IngestResult describes what one webhook delivery did.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event,omitempty"`
	Duplicate bool   `json:"duplicate"`
	SessionID uint   `json:"session_id,omitempty"`
	Created   bool   `json:"created"`
	Note      string `json:"note,omitempty"`
}

// WebhookService verifies and applies provider webhook deliveries.
type WebhookService struct {
	DB   *gorm.DB
	Cfg  config.RetellConfig
	Sync *SyncService
	Log  zerolog.Logger
}

// NewWebhookService constructs a WebhookService. sync may be nil; ingestion
// then skips the follow-up reconciliation pass.
func NewWebhookService(db *gorm.DB, cfg config.RetellConfig, sync *SyncService, log zerolog.Logger) *WebhookService {
	return &WebhookService{DB: db, Cfg: cfg, Sync: sync, Log: log.With().Str("component", "webhook").Logger()}
}

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body under the
// configured webhook secret.
func (w *WebhookService) ComputeSignature(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.Cfg.WebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery's signature header against the raw
// body. The comparison is constant time.
func (w *WebhookService) VerifySignature(body []byte, signature string) error {
	if w.Cfg.WebhookSecret == "" || signature == "" {
		return ErrMissingSignature
	}
	want := w.ComputeSignature(body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyToken checks the shared-token variant used by the tokened callback
// route. Constant time, same as the signature path.
func (w *WebhookService) VerifyToken(token string) error {
	if w.Cfg.SyncToken == "" || token == "" {
		return ErrBadToken
	}
	if !hmac.Equal([]byte(w.Cfg.SyncToken), []byte(token)) {
		return ErrBadToken
	}
	return nil
}

// Ingest records a verified delivery in the idempotency ledger, applies its
// embedded record to the session store, and kicks a lite reconciliation
// pass. Call Ingest only after VerifySignature or VerifyToken succeeded.
func (w *WebhookService) Ingest(ctx context.Context, body []byte) (IngestResult, error) {
	tr := otel.Tracer("services/WebhookService")
	ctx, span := tr.Start(ctx, "Ingest")
	defer span.End()

	if len(body) == 0 {
		return IngestResult{}, ErrEmptyPayload
	}

	var payload normalize.Record
	if err := json.Unmarshal(body, &payload); err != nil {
		return IngestResult{}, ErrEmptyPayload
	}

	event, kind, rec := classify(payload)
	res := IngestResult{Event: event, EventID: eventID(payload, body)}
	span.SetAttributes(
		attribute.String("webhook.event", event),
		attribute.String("webhook.event_id", res.EventID),
	)

	if _, err := repo.RecordWebhookEvent(ctx, w.DB, res.EventID, "retell", body); err != nil {
		if err == repo.ErrDuplicateEvent {
			res.Duplicate = true
			return res, nil
		}
		return res, err
	}

	if rec != nil {
		up := normalize.Normalize(kind, rec)
		sess, created, err := repo.UpsertSession(ctx, w.DB, up)
		switch {
		case err == repo.ErrNoIdentifier:
			res.Note = "no session identifier in payload"
		case err != nil:
			// The delivery is already in the ledger; acknowledge it and
			// record what went wrong instead of asking for a retry.
			w.Log.Error().Err(err).Str("event", event).Msg("webhook upsert failed")
			res.Note = "upsert failed"
		default:
			res.SessionID = sess.ID
			res.Created = created
			w.ingestMessages(ctx, sess, rec)
		}
	} else {
		res.Note = "no session record in payload"
	}

	if w.Sync != nil {
		w.Sync.RunLite(ctx)
	}
	return res, nil
}

// ingestMessages persists the transcript turns embedded in a delivery's
// record, so a webhook-created session carries its messages immediately
// instead of waiting for the next full reconciliation pass. Failures are
// logged; the delivery is acknowledged regardless.
func (w *WebhookService) ingestMessages(ctx context.Context, sess *domain.CommSession, rec normalize.Record) {
	start := time.Now().UTC()
	if sess.StartedAt != nil {
		start = *sess.StartedAt
	}
	turns := normalize.ExtractMessages(rec, start)
	if len(turns) == 0 {
		return
	}
	for _, m := range turns {
		msg, created, err := repo.UpsertMessage(ctx, w.DB, sess, sess.Channel, m)
		if err != nil {
			w.Log.Warn().Err(err).Str("session", sess.ProviderKey()).Msg("webhook message upsert failed")
			continue
		}
		if created && sess.UserID != nil && *sess.UserID != "" && m.Content != "" {
			if merr := repo.AppendMemory(ctx, w.DB, *sess.UserID, m.Role, m.Content); merr != nil {
				w.Log.Warn().Err(merr).Str("user_id", *sess.UserID).Msg("memory append failed")
			}
		}
		if m.AudioURL != "" {
			if _, _, aerr := repo.UpsertAttachment(ctx, w.DB, msg, m.AudioURL, domain.AttachmentAudio); aerr != nil {
				w.Log.Warn().Err(aerr).Msg("webhook attachment upsert failed")
			}
		}
	}
	if _, err := repo.RecountMessages(ctx, w.DB, sess.ID); err != nil {
		w.Log.Warn().Err(err).Msg("message recount failed")
	}
}

// classify picks the event name, record kind, and embedded record out of a
// delivery envelope. Deliveries may wrap the record ({"event":..,
// "call":{..}} or {"event":.., "data":{..}}) or be a bare record.
func classify(payload normalize.Record) (event string, kind normalize.Kind, rec normalize.Record) {
	for _, k := range []string{"event", "event_type", "type"} {
		if s, ok := payload[k].(string); ok && s != "" {
			event = s
			break
		}
	}
	envelopes := []struct {
		key  string
		kind normalize.Kind
	}{
		{"call", normalize.KindCall},
		{"chat", normalize.KindChat},
		{"conversation", normalize.KindConversation},
		{"data", ""},
	}
	for _, e := range envelopes {
		if m, ok := payload[e.key].(map[string]any); ok {
			if e.kind == "" {
				return event, guessKind(m), m
			}
			return event, e.kind, m
		}
	}
	// Bare record: classify by the identifiers it carries.
	if k := guessKind(payload); hasIdentity(payload) {
		return event, k, payload
	}
	return event, "", nil
}

func guessKind(rec normalize.Record) normalize.Kind {
	if _, ok := rec["call_id"]; ok {
		return normalize.KindCall
	}
	if _, ok := rec["recording_url"]; ok {
		return normalize.KindCall
	}
	if _, ok := rec["chat_id"]; ok {
		return normalize.KindChat
	}
	return normalize.KindConversation
}

func hasIdentity(rec normalize.Record) bool {
	for _, k := range []string{"call_id", "callId", "conversation_id", "conversationId", "chat_id", "chatId", "conversation_flow_id", "id"} {
		if s, ok := rec[k].(string); ok && s != "" {
			return true
		}
	}
	return false
}

// eventID picks the delivery's idempotency key: an explicit event id when
// present, otherwise a digest of the raw body so byte-identical replays
// still dedupe.
func eventID(payload normalize.Record, body []byte) string {
	for _, k := range []string{"event_id", "eventId", "delivery_id", "message_id"} {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	sum := sha256.Sum256(body)
	return "sha256_" + hex.EncodeToString(sum[:])
}
