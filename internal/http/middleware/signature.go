// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements webhook source verification for provider-facing
// endpoints. It buffers the raw request body (signatures are computed over
// the exact bytes on the wire), runs a user-supplied verifier, and annotates
// the request context so downstream handlers can:
//   - read the verified raw body (VerifiedBody)
//   - bypass rate limiting for authenticated provider traffic (internal flag)
//
// Design goals:
//   - Keep transport concerns (body buffering, header extraction) in middleware.
//   - Decouple cryptography via a narrow SignatureVerifier function type.
//   - Remain framework-agnostic beyond Gin's context.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderWebhookSignature is the provider's canonical signature header. The
// value is the lowercase hex HMAC-SHA256 of the raw request body.
const HeaderWebhookSignature = "X-Retell-Signature"

// HeaderWebhookSignatureAlt is accepted as a fallback for callers that use a
// generic header name.
const HeaderWebhookSignatureAlt = "X-Signature"

// Context keys used internally to stash verification state.
// These keys are intentionally unexported and referenced via accessor helpers.
const (
	ctxKeyWebhookBody = "webhook.body"
	ctxKeyRateBypass  = "rate.bypass" // bool: true to skip rate limiting
)

// VerifiedBody returns the raw request body stored in the Gin context by
// SignatureGate. The second return value indicates presence.
//
// Handlers mounted behind the gate should prefer this over re-reading the
// request body, which the gate has already drained.
func VerifiedBody(c *gin.Context) ([]byte, bool) {
	v, ok := c.Get(ctxKeyWebhookBody)
	if !ok {
		return nil, false
	}
	b, _ := v.([]byte)
	return b, b != nil
}

// SignatureHeader returns the delivery signature, checking the provider
// header first and the generic fallback second.
func SignatureHeader(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader(HeaderWebhookSignature)); v != "" {
		return v
	}
	return strings.TrimSpace(c.GetHeader(HeaderWebhookSignatureAlt))
}

// SignatureVerifier checks a signature against the raw body it was computed
// over. Implementations must compare in constant time and return a non-nil
// error both for absent and for mismatched signatures.
type SignatureVerifier func(body []byte, signature string) error

// SignatureGateOptions configures body handling for SignatureGate.
type SignatureGateOptions struct {
	// MaxBody caps the buffered body size. Values <= 0 default to 2 MiB.
	MaxBody int64
}

// SignatureGate verifies the provider signature of incoming deliveries
// before the handler runs. The raw body is buffered, verified, stashed in
// the context, and restored on the request so handlers that read the body
// directly keep working.
//
// Behavior:
//   - If the body cannot be read: responds 400 with a compact error body.
//   - If verification fails: responds 401; a missing signature responds 400.
//   - On success: stashes the body, marks the request rate-bypass (the
//     provider retries on 429, which would amplify traffic), and invokes the
//     next handler.
func SignatureGate(opts SignatureGateOptions, verify SignatureVerifier) gin.HandlerFunc {
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 2 << 20
	}

	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_request",
				"message": "unreadable body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig := SignatureHeader(c)
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "missing_signature",
				"message": "signature header required",
			})
			return
		}
		if verify != nil {
			if err := verify(body, sig); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code":    "bad_signature",
					"message": "webhook signature mismatch",
				})
				return
			}
		}

		c.Set(ctxKeyWebhookBody, body)
		c.Set(ctxKeyRateBypass, true)
		c.Next()
	}
}
