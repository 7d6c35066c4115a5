// Sync control HTTP handlers.
//
// Privileged endpoints for operators:
//   - POST /admin/sync         (trigger a reconciliation pass)
//   - GET  /admin/sync/latest  (most recent sync log entry)
//
// Both require the X-Admin-Token header.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/truckdesk/go-comms-backend/internal/repo"
)

// SyncRunResponse wraps a triggered pass's summary.
type SyncRunResponse struct {
	Summary any `json:"summary"`
}

// requireAdmin aborts with 401/403 unless the request carries the admin
// token. Returns true when the caller may proceed.
func (h *Handlers) requireAdmin(c *gin.Context) bool {
	if h.adminToken == "" {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "admin endpoints disabled")
		return false
	}
	if !h.isAdmin(c) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "admin token required")
		return false
	}
	return true
}

// RunSync godoc
// @ID          runSync
// @Summary     Trigger a reconciliation pass
// @Description Runs a synchronous reconciliation pass against the provider and
// @Description returns its summary. mode=lite runs the reduced fetch+upsert pass.
// @Tags        Sync
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
// @Param       mode           query   string  false "Pass mode"  Enums(full, lite) default(full)
//
// @Success     200  {object} handlers.SyncRunResponse
// @Failure     401  {object} handlers.ErrorResponse "Missing or wrong admin token"
// @Failure     403  {object} handlers.ErrorResponse "Admin endpoints disabled"
// @Router      /admin/sync [post]
func (h *Handlers) RunSync(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}

	mode := strings.ToLower(strings.TrimSpace(c.Query("mode")))
	if mode == "lite" {
		ok(c, http.StatusOK, SyncRunResponse{Summary: h.syncSvc.RunLite(c.Request.Context())})
		return
	}
	ok(c, http.StatusOK, SyncRunResponse{Summary: h.syncSvc.Run(c.Request.Context())})
}

// LatestSyncLog godoc
// @ID          latestSyncLog
// @Summary     Get the most recent sync log entry
// @Tags        Sync
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Admin token"
//
// @Success     200  {object} domain.SyncLog
// @Failure     401  {object} handlers.ErrorResponse "Missing or wrong admin token"
// @Failure     404  {object} handlers.ErrorResponse "No sync has run yet"
// @Router      /admin/sync/latest [get]
func (h *Handlers) LatestSyncLog(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}

	entry, err := repo.LatestSyncLog(c.Request.Context(), h.db)
	if err != nil {
		if err == repo.ErrNotFound {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no sync has run yet")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, entry)
}
