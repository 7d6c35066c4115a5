// Session HTTP handlers.
//
// This file exposes REST endpoints for communication sessions:
//   - GET  /sessions            (list, filtered + paginated, ETag support)
//   - GET  /sessions/{id}       (session detail with a page of messages)
//   - GET  /memory              (recent conversation memory for a user)
//   - POST /web-calls           (register a browser call with the provider)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/truckdesk/go-comms-backend/internal/domain"
	"github.com/truckdesk/go-comms-backend/internal/repo"
	"github.com/truckdesk/go-comms-backend/internal/services"
	"github.com/truckdesk/go-comms-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SessionService defines session read operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SessionService interface {
	// ListPage returns a filtered page of sessions plus the total count.
	ListPage(ctx context.Context, f repo.SessionFilter, offset, limit int) (services.SessionPage, error)
	// Stats returns the match count and a change stamp for conditional GETs.
	Stats(ctx context.Context, f repo.SessionFilter) (int64, *string, error)
	// Detail returns one session (scoped to userID when non-empty) with a
	// page of its messages.
	Detail(ctx context.Context, id uint, userID string, offset, limit int) (services.SessionDetail, error)
	// Memory returns the user's recent conversation memory, oldest first.
	Memory(ctx context.Context, userID string) ([]domain.ConversationMemory, error)
	// CreateWebCall registers a browser call seeded with the user's memory.
	CreateWebCall(ctx context.Context, userID string) (services.WebCall, error)
}

// SyncService defines the reconciliation operations the admin endpoints
// trigger.
type SyncService interface {
	// Run executes a full reconciliation pass and reports what it did.
	Run(ctx context.Context) services.Summary
	// RunLite executes the reduced fetch+upsert pass.
	RunLite(ctx context.Context) services.Summary
}

// WebhookService defines webhook verification and ingestion operations.
type WebhookService interface {
	// VerifySignature checks the HMAC signature of a raw delivery body.
	VerifySignature(body []byte, signature string) error
	// VerifyToken checks the shared token of the callback route variant.
	VerifyToken(token string) error
	// Ingest records and applies a verified delivery.
	Ingest(ctx context.Context, body []byte) (services.IngestResult, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for sessions, webhooks, and sync control.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	sessionSvc SessionService
	syncSvc    SyncService
	webhookSvc WebhookService

	db         *gorm.DB
	adminToken string
}

// New constructs and returns a Handlers instance bound to the given services.
// db is used only for read-side helpers (sync history); adminToken guards the
// privileged sync endpoints.
func New(sessionSvc SessionService, syncSvc SyncService, webhookSvc WebhookService, db *gorm.DB, adminToken string) *Handlers {
	return &Handlers{
		sessionSvc: sessionSvc,
		syncSvc:    syncSvc,
		webhookSvc: webhookSvc,
		db:         db,
		adminToken: adminToken,
	}
}

// userID extracts the caller's user id from Gin context (set by upstream
// middleware). If absent, it falls back to the "X-User-ID" header. Returns
// "" when the caller sent nothing; scoping decisions go through scopeUserID.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

// fallbackUserID scopes callers that identify themselves in no other way.
// Stand-in for real authentication.
const fallbackUserID = "demo-user"

// scopeUserID returns the ownership scope for a non-admin caller. A caller
// with no user id is scoped to the fallback user, never unscoped.
func scopeUserID(c *gin.Context) string {
	if s := userID(c); s != "" {
		return s
	}
	return fallbackUserID
}

// isAdmin reports whether the request carries the configured admin token.
// Constant-time comparison; an unset token means no request is admin.
func (h *Handlers) isAdmin(c *gin.Context) bool {
	if h.adminToken == "" {
		return false
	}
	got := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) == 1
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSessionsResponse wraps a page of sessions and pagination information.
type ListSessionsResponse struct {
	Sessions   []domain.CommSession `json:"sessions"`
	Pagination Pagination           `json:"pagination"`
}

// SessionDetailResponse is a session plus a page of its messages.
type SessionDetailResponse struct {
	Session    domain.CommSession   `json:"session"`
	Messages   []domain.CommMessage `json:"messages"`
	Pagination Pagination           `json:"pagination"`
}

// MemoryResponse wraps a user's recent conversation memory.
type MemoryResponse struct {
	UserID string                      `json:"user_id"`
	Turns  []domain.ConversationMemory `json:"turns"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// sessionFilter builds the repository filter from query parameters. Callers
// without the admin token are scoped to their own user id when one is
// present.
func (h *Handlers) sessionFilter(c *gin.Context) repo.SessionFilter {
	f := repo.SessionFilter{
		Query:     strings.TrimSpace(c.Query("q")),
		Channel:   strings.ToLower(strings.TrimSpace(c.Query("channel"))),
		Status:    strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Direction: strings.ToLower(strings.TrimSpace(c.Query("direction"))),
	}
	if h.isAdmin(c) {
		f.UserID = strings.TrimSpace(c.Query("user_id"))
	} else {
		f.UserID = scopeUserID(c)
	}
	return f
}

func pageMeta(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// ListSessions godoc
// @ID          listSessions
// @Summary     List communication sessions (paginated)
// @Description Returns a filtered page of sessions, newest-updated first.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID      header  string  false "Scope results to this user"   example(driver-42)
// @Param       X-Admin-Token  header  string  false "Admin token (unscoped view)"
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"   example(W/\"abc123\")
// @Param       q              query   string  false "Free-text filter (ids, numbers, intent, transcript)"
// @Param       channel        query   string  false "Filter by channel"            Enums(voice, web)
// @Param       status         query   string  false "Filter by status"             Enums(ongoing, completed, failed, missed, canceled)
// @Param       direction      query   string  false "Filter by direction"          Enums(inbound, outbound)
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListSessionsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	f := h.sessionFilter(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if count, stamp, err := h.sessionSvc.Stats(ctx, f); err == nil {
		var mark string
		if stamp != nil {
			mark = *stamp
		}
		etag := fmt.Sprintf(`W/"sessions:%s:%d:%s"`, f.UserID, count, mark)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	res, err := h.sessionSvc.ListPage(ctx, f, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListSessionsResponse{
		Sessions:   res.Items,
		Pagination: pageMeta(page, pageSize, res.Total),
	})
}

// GetSession godoc
// @ID          getSession
// @Summary     Get one session with its messages
// @Description Returns a session and a chronological page of its messages.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID      header  string  false "Scope to this user"  example(driver-42)
// @Param       X-Admin-Token  header  string  false "Admin token (unscoped view)"
// @Param       id             path    int     true  "Session ID"
// @Param       page           query   int     false "Message page number"  minimum(1) default(1)
// @Param       page_size      query   int     false "Messages per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.SessionDetailResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	ctx := c.Request.Context()

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "session id must be a positive integer")
		return
	}

	scope := ""
	if !h.isAdmin(c) {
		scope = scopeUserID(c)
	}
	page, pageSize := clampPagination(c)

	det, err := h.sessionSvc.Detail(ctx, uint(id), scope, (page-1)*pageSize, pageSize)
	if err != nil {
		switch err {
		case services.ErrSessionNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, SessionDetailResponse{
		Session:    det.Session,
		Messages:   det.Messages,
		Pagination: pageMeta(page, pageSize, det.MessagesTotal),
	})
}

// GetMemory godoc
// @ID          getMemory
// @Summary     Get recent conversation memory
// @Description Returns the caller's most recent conversation turns, oldest first.
// @Tags        Memory
// @Produce     json
//
// @Param       X-User-ID  header  string  true "User ID"  example(driver-42)
//
// @Success     200  {object} handlers.MemoryResponse
// @Failure     400  {object} handlers.ErrorResponse "Missing user id"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /memory [get]
func (h *Handlers) GetMemory(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "X-User-ID required")
		return
	}

	turns, err := h.sessionSvc.Memory(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, MemoryResponse{UserID: uid, Turns: turns})
}

// CreateWebCall godoc
// @ID          createWebCall
// @Summary     Start a browser call
// @Description Registers a web call with the provider, seeded with the caller's
// @Description recent conversation memory, and returns the join credentials.
// @Tags        Sessions
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID"  example(driver-42)
//
// @Success     201  {object} services.WebCall
// @Failure     500  {object} handlers.ErrorResponse "Configuration error"
// @Failure     502  {object} handlers.ErrorResponse "Provider refused the call"
// @Router      /web-calls [post]
func (h *Handlers) CreateWebCall(c *gin.Context) {
	call, err := h.sessionSvc.CreateWebCall(c.Request.Context(), userID(c))
	if err != nil {
		switch err {
		case services.ErrNoAgent:
			fail(c, http.StatusInternalServerError, ErrCodeWebCallFailed, "no agent configured")
		case services.ErrWebCallFailed:
			fail(c, http.StatusBadGateway, ErrCodeWebCallFailed, "provider did not create a web call")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeWebCallFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, call)
}
