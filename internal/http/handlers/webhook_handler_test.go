package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/truckdesk/go-comms-backend/internal/http/middleware"
	"github.com/truckdesk/go-comms-backend/internal/services"
)

func TestReceiveWebhook_InlineVerification(t *testing.T) {
	svc := &stubWebhookSvc{
		wantSig: "goodsig",
		result:  services.IngestResult{EventID: "evt-1", SessionID: 5, Created: true},
	}
	h := New(&stubSessionSvc{}, &stubSyncSvc{}, svc, nil, "")
	r := newTestRouter(h)

	body := []byte(`{"event":"call_ended","call":{"call_id":"c1"}}`)

	// No signature header.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/retell", bytes.NewReader(body)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature, got %d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeMissingSignature {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}

	// Wrong signature.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/retell", bytes.NewReader(body))
	req.Header.Set(middleware.HeaderWebhookSignature, "badsig")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", w.Code)
	}

	// Valid signature is acknowledged.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/retell", bytes.NewReader(body))
	req.Header.Set(middleware.HeaderWebhookSignature, "goodsig")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var ack WebhookAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("json: %v", err)
	}
	if ack.Status != "ok" || ack.EventID != "evt-1" || ack.SessionID != 5 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if !bytes.Equal(svc.gotBody, body) {
		t.Fatalf("ingest received wrong body: %q", svc.gotBody)
	}
}

func TestReceiveWebhook_DuplicateAcknowledged(t *testing.T) {
	svc := &stubWebhookSvc{
		wantSig: "sig",
		result:  services.IngestResult{EventID: "evt-dup", Duplicate: true},
	}
	h := New(&stubSessionSvc{}, &stubSyncSvc{}, svc, nil, "")
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/retell", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(middleware.HeaderWebhookSignature, "sig")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("replays must still be 200, got %d", w.Code)
	}
	var ack WebhookAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil || !ack.Duplicate {
		t.Fatalf("unexpected ack: %s", w.Body.String())
	}
}

func TestReceiveWebhook_EmptyPayload(t *testing.T) {
	svc := &stubWebhookSvc{
		wantSig:   "sig",
		ingestErr: services.ErrEmptyPayload,
	}
	h := New(&stubSessionSvc{}, &stubSyncSvc{}, svc, nil, "")
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/retell", bytes.NewReader([]byte("x")))
	req.Header.Set(middleware.HeaderWebhookSignature, "sig")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReceiveWebhook_PrefersGateVerifiedBody(t *testing.T) {
	// When the signature gate already ran, the handler must not demand a
	// second verification round.
	svc := &stubWebhookSvc{
		wantSig: "never-checked",
		result:  services.IngestResult{EventID: "evt-gate"},
	}
	h := New(&stubSessionSvc{}, &stubSyncSvc{}, svc, nil, "")

	r := newTestRouter(h)
	gate := middleware.SignatureGate(middleware.SignatureGateOptions{}, func([]byte, string) error {
		return nil // gate accepts; the handler must trust it
	})
	r.POST("/gated", gate, h.ReceiveWebhook)

	gated := []byte(`{"event":"chat_ended"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/gated", bytes.NewReader(gated))
	req.Header.Set(middleware.HeaderWebhookSignature, "anything")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via gate, got %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Equal(svc.gotBody, gated) {
		t.Fatalf("handler did not use the gate body: %q", svc.gotBody)
	}
}

func TestReceiveTokenCallback(t *testing.T) {
	svc := &stubWebhookSvc{
		wantToken: "cb-token",
		result:    services.IngestResult{EventID: "evt-cb", SessionID: 3},
	}
	h := New(&stubSessionSvc{}, &stubSyncSvc{}, svc, nil, "")
	r := newTestRouter(h)

	body := []byte(`{"call_id":"c-cb"}`)

	// Unknown token.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/wrong", bytes.NewReader(body)))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != ErrCodeBadToken {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}

	// Known token ingests.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/cb-token", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	var ack WebhookAck
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil || ack.SessionID != 3 {
		t.Fatalf("unexpected ack: %s", w.Body.String())
	}
}
