package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacVerifier(secret string) SignatureVerifier {
	return func(body []byte, signature string) error {
		if !hmac.Equal([]byte(hmacHex(secret, body)), []byte(signature)) {
			return errors.New("mismatch")
		}
		return nil
	}
}

func newGateRouter(verify SignatureVerifier, onHit func(c *gin.Context)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/hook", SignatureGate(SignatureGateOptions{}, verify), func(c *gin.Context) {
		if onHit != nil {
			onHit(c)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func TestSignatureGate_MissingSignature(t *testing.T) {
	r := newGateRouter(hmacVerifier("s"), nil)

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "missing_signature") {
		t.Fatalf("expected missing_signature code, got %s", w.Body.String())
	}
}

func TestSignatureGate_BadSignature(t *testing.T) {
	r := newGateRouter(hmacVerifier("s"), nil)

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{}`))
	req.Header.Set(HeaderWebhookSignature, "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "bad_signature") {
		t.Fatalf("expected bad_signature code, got %s", w.Body.String())
	}
}

func TestSignatureGate_ValidDeliveryStashesState(t *testing.T) {
	body := []byte(`{"event":"call_ended","call":{"call_id":"c1"}}`)

	var (
		stashed    []byte
		hadBypass  bool
		restorable []byte
	)
	r := newGateRouter(hmacVerifier("s3cret"), func(c *gin.Context) {
		stashed, _ = VerifiedBody(c)
		hadBypass = IsRateBypass(c)
		restorable, _ = io.ReadAll(c.Request.Body)
	})

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set(HeaderWebhookSignature, hmacHex("s3cret", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if !bytes.Equal(stashed, body) {
		t.Fatalf("stashed body mismatch: %q", stashed)
	}
	if !hadBypass {
		t.Fatalf("verified delivery should bypass rate limiting")
	}
	// The body was restored so direct readers still work.
	if !bytes.Equal(restorable, body) {
		t.Fatalf("request body not restored: %q", restorable)
	}
}

func TestSignatureGate_AltHeaderAccepted(t *testing.T) {
	body := []byte(`{"ping":true}`)
	r := newGateRouter(hmacVerifier("k"), nil)

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	req.Header.Set(HeaderWebhookSignatureAlt, hmacHex("k", body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via fallback header, got %d", w.Code)
	}
}

func TestSignatureGate_BodyCap(t *testing.T) {
	// Bodies above MaxBody are truncated before verification, so a
	// signature over the full payload no longer matches.
	big := bytes.Repeat([]byte("x"), 64)
	r := gin.New()
	r.POST("/hook", SignatureGate(SignatureGateOptions{MaxBody: 16}, hmacVerifier("k")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(big))
	req.Header.Set(HeaderWebhookSignature, hmacHex("k", big))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for truncated body, got %d", w.Code)
	}
}

func TestVerifiedBody_AbsentWithoutGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if b, ok := VerifiedBody(c); ok || b != nil {
		t.Fatalf("expected no verified body, got %q", b)
	}
}
