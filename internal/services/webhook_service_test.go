package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/truckdesk/go-comms-backend/internal/config"
	"github.com/truckdesk/go-comms-backend/internal/domain"
)

func newWebhookService(t *testing.T, cfg config.RetellConfig) *WebhookService {
	t.Helper()
	return NewWebhookService(newServiceDB(t), cfg, nil, zerolog.Nop())
}

func TestVerifySignature(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{WebhookSecret: "s3cret"})
	body := []byte(`{"event":"call_ended"}`)

	good := svc.ComputeSignature(body)
	if err := svc.VerifySignature(body, good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Tampered body no longer matches.
	if err := svc.VerifySignature([]byte(`{"event":"call_started"}`), good); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	// Garbage signature.
	if err := svc.VerifySignature(body, "deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	// No signature at all.
	if err := svc.VerifySignature(body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	// Verification disabled (no secret configured) refuses rather than
	// accepting everything.
	open := newWebhookService(t, config.RetellConfig{})
	if err := open.VerifySignature(body, good); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature without a secret, got %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{SyncToken: "tok-1"})

	if err := svc.VerifyToken("tok-1"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := svc.VerifyToken("tok-2"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken, got %v", err)
	}
	if err := svc.VerifyToken(""); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken for empty token, got %v", err)
	}

	// Unconfigured token: the route is effectively closed.
	closed := newWebhookService(t, config.RetellConfig{})
	if err := closed.VerifyToken("tok-1"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("expected ErrBadToken without config, got %v", err)
	}
}

func TestIngest_EnvelopeCreatesSession(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{})
	ctx := context.Background()

	body := []byte(`{
		"event": "call_ended",
		"event_id": "evt-100",
		"call": {
			"call_id": "c-wh-1",
			"call_status": "ended",
			"direction": "inbound",
			"start_timestamp": 1767261600000
		}
	}`)

	res, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.EventID != "evt-100" || res.Event != "call_ended" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Created || res.SessionID == 0 || res.Duplicate {
		t.Fatalf("session not created: %+v", res)
	}

	var sess domain.CommSession
	if err := svc.DB.First(&sess, res.SessionID).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.CallID == nil || *sess.CallID != "c-wh-1" || sess.Channel != domain.ChannelVoice {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.Status != domain.StatusCompleted {
		t.Fatalf("status not mapped: %+v", sess)
	}
}

func TestIngest_TranscriptTurnsPersistedSynchronously(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{})
	ctx := context.Background()

	body := []byte(`{
		"event": "call_ended",
		"event_id": "evt-200",
		"call": {
			"call_id": "c-wh-2",
			"call_status": "ended",
			"metadata": {"user_id": "disp-2"},
			"start_timestamp": 1767261600000,
			"transcript_object": [
				{"role": "user", "content": "where is my load", "start_timestamp": 1767261601000},
				{"role": "agent", "content": "crossing the state line now", "start_timestamp": 1767261606000, "audio_url": "https://cdn.example.com/c-wh-2-turn2.wav"}
			]
		}
	}`)

	res, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.Created || res.SessionID == 0 {
		t.Fatalf("session not created: %+v", res)
	}

	var msgCount int64
	svc.DB.Model(&domain.CommMessage{}).Where("session_id = ?", res.SessionID).Count(&msgCount)
	if msgCount != 2 {
		t.Fatalf("expected 2 messages from the delivery, got %d", msgCount)
	}

	// message_count is recomputed from the persisted rows right away.
	var sess domain.CommSession
	if err := svc.DB.First(&sess, res.SessionID).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.MessageCount != 2 {
		t.Fatalf("message_count = %d; want 2", sess.MessageCount)
	}
	var audioMsg domain.CommMessage
	if err := svc.DB.Where("session_id = ? AND has_attachments = ?", res.SessionID, true).First(&audioMsg).Error; err != nil {
		t.Fatalf("load audio-bearing message: %v", err)
	}
	if !audioMsg.HasAttachments {
		t.Fatalf("audio turn should have produced an attachment")
	}
	var attCount int64
	svc.DB.Model(&domain.CommAttachment{}).Count(&attCount)
	if attCount != 1 {
		t.Fatalf("expected 1 attachment, got %d", attCount)
	}

	// The attributed user's memory picks the turns up too.
	var memCount int64
	svc.DB.Model(&domain.ConversationMemory{}).Where("user_id = ?", "disp-2").Count(&memCount)
	if memCount != 2 {
		t.Fatalf("expected 2 memory turns for disp-2, got %d", memCount)
	}

	// Redelivery stays a no-op for messages as well as the session.
	replay, err := svc.Ingest(ctx, body)
	if err != nil || !replay.Duplicate {
		t.Fatalf("replay not absorbed: %+v err=%v", replay, err)
	}
	svc.DB.Model(&domain.CommMessage{}).Count(&msgCount)
	if msgCount != 2 {
		t.Fatalf("replay duplicated messages: %d", msgCount)
	}
}

func TestIngest_ReplayAcknowledgedOnce(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{})
	ctx := context.Background()

	body := []byte(`{"event":"chat_ended","event_id":"evt-dup","chat":{"chat_id":"h-wh-1"}}`)

	first, err := svc.Ingest(ctx, body)
	if err != nil || first.Duplicate {
		t.Fatalf("first delivery: %+v err=%v", first, err)
	}
	second, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Duplicate || second.SessionID != 0 {
		t.Fatalf("replay not absorbed: %+v", second)
	}

	var count int64
	svc.DB.Model(&domain.CommSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("replay duplicated the session: %d", count)
	}
}

func TestIngest_BareRecordAndBodyHashEventID(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{})
	ctx := context.Background()

	// No envelope, no event id: the record itself is the payload and the
	// idempotency key is derived from the body bytes.
	body := []byte(`{"chat_id":"h-bare-1","chat_status":"ongoing"}`)

	res, err := svc.Ingest(ctx, body)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.HasPrefix(res.EventID, "sha256_") {
		t.Fatalf("expected digest event id, got %q", res.EventID)
	}
	if !res.Created {
		t.Fatalf("bare record not ingested: %+v", res)
	}

	// Byte-identical redelivery dedupes through the digest.
	replay, err := svc.Ingest(ctx, body)
	if err != nil || !replay.Duplicate {
		t.Fatalf("digest replay not absorbed: %+v err=%v", replay, err)
	}
}

func TestIngest_PayloadProblemsAcknowledged(t *testing.T) {
	svc := newWebhookService(t, config.RetellConfig{})
	ctx := context.Background()

	// Empty and non-JSON bodies are the caller's problem.
	if _, err := svc.Ingest(ctx, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload for nil body, got %v", err)
	}
	if _, err := svc.Ingest(ctx, []byte("not json")); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload for garbage, got %v", err)
	}

	// Valid JSON with no usable record is acknowledged with a note, so the
	// provider does not retry.
	res, err := svc.Ingest(ctx, []byte(`{"event":"ping","event_id":"evt-ping"}`))
	if err != nil {
		t.Fatalf("ping event: %v", err)
	}
	if res.SessionID != 0 || res.Note == "" {
		t.Fatalf("expected noted no-op: %+v", res)
	}

	// A record with no provider id falls back to a computed stable
	// reference and still lands as a session.
	res2, err := svc.Ingest(ctx, []byte(`{"event":"call_analyzed","event_id":"evt-noid","call":{"call_status":"ended","start_timestamp":1767261600000}}`))
	if err != nil {
		t.Fatalf("no-id event: %v", err)
	}
	if res2.SessionID == 0 {
		t.Fatalf("expected a reference-keyed session: %+v", res2)
	}
	var sess domain.CommSession
	if err := svc.DB.First(&sess, res2.SessionID).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.Reference == nil || !strings.HasPrefix(*sess.Reference, "ref_") {
		t.Fatalf("expected stable reference identity: %+v", sess)
	}
}
