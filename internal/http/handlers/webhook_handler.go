// Webhook HTTP handlers.
//
// This file exposes the provider-facing ingestion endpoints:
//   - POST /webhooks/retell       (HMAC-signed deliveries)
//   - POST /sync/{token}          (shared-token callback variant)
//
// Verification failures are the only rejections: once a delivery is
// authenticated the endpoint always acknowledges it, even when the payload
// turns out to be unusable, so the provider does not retry events we cannot
// apply.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/truckdesk/go-comms-backend/internal/http/middleware"
	"github.com/truckdesk/go-comms-backend/internal/services"
)

// webhookBodyLimit caps webhook payloads independently of the global body
// limiter; provider deliveries are small.
const webhookBodyLimit = 2 << 20

// WebhookAck is the acknowledgement envelope for accepted deliveries.
type WebhookAck struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	SessionID uint   `json:"session_id,omitempty"`
}

// readWebhookBody drains the request body under the webhook size cap.
func readWebhookBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
}

// ReceiveWebhook godoc
// @ID          receiveWebhook
// @Summary     Receive a signed provider webhook
// @Description Verifies the HMAC-SHA256 signature over the raw body, records the
// @Description delivery in the idempotency ledger, and applies the embedded record.
// @Description Replayed deliveries are acknowledged without reprocessing.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Retell-Signature  header  string  true  "Hex HMAC-SHA256 of the raw body"
// @Param       body                body    object  true  "Provider event payload"
//
// @Success     200  {object} handlers.WebhookAck
// @Failure     400  {object} handlers.ErrorResponse "Missing signature or empty payload"
// @Failure     401  {object} handlers.ErrorResponse "Signature mismatch"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /webhooks/retell [post]
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	// When SignatureGate is mounted it has already verified and stashed the
	// raw body; verify inline otherwise.
	if body, found := middleware.VerifiedBody(c); found {
		h.ingestWebhook(c, body)
		return
	}

	body, err := readWebhookBody(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	if err := h.webhookSvc.VerifySignature(body, middleware.SignatureHeader(c)); err != nil {
		h.rejectWebhook(c, err)
		return
	}
	h.ingestWebhook(c, body)
}

// ReceiveTokenCallback godoc
// @ID          receiveTokenCallback
// @Summary     Receive a tokened provider callback
// @Description Shared-token variant of webhook ingestion for callers that cannot
// @Description sign requests. The token travels in the path; the body is the same
// @Description provider event payload.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       token  path  string  true  "Shared callback token"
// @Param       body   body  object  true  "Provider event payload"
//
// @Success     200  {object} handlers.WebhookAck
// @Failure     400  {object} handlers.ErrorResponse "Empty payload"
// @Failure     403  {object} handlers.ErrorResponse "Unknown token"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sync/{token} [post]
func (h *Handlers) ReceiveTokenCallback(c *gin.Context) {
	if err := h.webhookSvc.VerifyToken(c.Param("token")); err != nil {
		fail(c, http.StatusForbidden, ErrCodeBadToken, "unknown callback token")
		return
	}

	body, err := readWebhookBody(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	h.ingestWebhook(c, body)
}

// ingestWebhook applies a verified delivery and writes the acknowledgement.
func (h *Handlers) ingestWebhook(c *gin.Context, body []byte) {
	res, err := h.webhookSvc.Ingest(c.Request.Context(), body)
	if err != nil {
		h.rejectWebhook(c, err)
		return
	}
	ok(c, http.StatusOK, WebhookAck{
		Status:    "ok",
		EventID:   res.EventID,
		Duplicate: res.Duplicate,
		SessionID: res.SessionID,
	})
}

// rejectWebhook maps verification and ingestion errors to HTTP responses.
func (h *Handlers) rejectWebhook(c *gin.Context, err error) {
	switch err {
	case services.ErrMissingSignature:
		fail(c, http.StatusBadRequest, ErrCodeMissingSignature, "signature header required")
	case services.ErrBadSignature:
		fail(c, http.StatusUnauthorized, ErrCodeBadSignature, "webhook signature mismatch")
	case services.ErrEmptyPayload:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
