// Package admin serves the operator-facing API over drift and conflict
// reports produced by the sync engine.
package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/scimerr"
	syncpkg "github.com/dhawalhost/scimgate/internal/sync"
	"github.com/dhawalhost/scimgate/pkg/middleware"
)

// HTTPHandler serves the drift/conflict admin routes.
type HTTPHandler struct {
	store      syncpkg.Store
	reconciler *syncpkg.Reconciler
	logger     *zap.Logger
}

// NewHTTPHandler creates an admin API handler.
func NewHTTPHandler(store syncpkg.Store, reconciler *syncpkg.Reconciler, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, reconciler: reconciler, logger: logger}
}

// RegisterRoutes registers the admin routes on an authenticated group.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	drift := rg.Group("/drift")
	{
		drift.GET("", h.listDrift)
		drift.GET("/:id", h.getDrift)
		drift.POST("/:id/reconcile", h.reconcile)
	}
	conflicts := rg.Group("/conflicts")
	{
		conflicts.GET("", h.listConflicts)
		conflicts.GET("/:id", h.getConflict)
		conflicts.POST("/:id/resolve", h.resolve)
	}
}

func (h *HTTPHandler) tenant(c *gin.Context) (string, bool) {
	tc, err := middleware.TenantContextFrom(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, scimerr.InvalidTenant("Request has no tenant context"))
		return "", false
	}
	return tc.TenantID, true
}

func (h *HTTPHandler) query(c *gin.Context, tenantID string) syncpkg.ReportQuery {
	q := syncpkg.ReportQuery{
		TenantID:     tenantID,
		ProviderID:   c.Query("provider_id"),
		ResourceType: c.Query("resource_type"),
		Severity:     syncpkg.Severity(c.Query("severity")),
		SortBy:       c.Query("sort_by"),
		SortOrder:    c.Query("sort_order"),
		Limit:        100,
	}
	if v := c.Query("settled"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			q.Settled = &b
		}
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.StartTime = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.EndTime = &t
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			q.Offset = n
		}
	}
	return q
}

func (h *HTTPHandler) listDrift(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	q := h.query(c, tenantID)

	reports, total, err := h.store.ListDrift(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list drift reports", zap.Error(err))
		middleware.AbortWithError(c, scimerr.Internal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"total":   total,
		"limit":   q.Limit,
		"offset":  q.Offset,
		"summary": driftSummary(reports),
	})
}

func (h *HTTPHandler) getDrift(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	d, err := h.store.GetDrift(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, syncpkg.ErrReportNotFound) {
			middleware.AbortWithError(c, scimerr.NotFound(c.Param("id")))
			return
		}
		middleware.AbortWithError(c, scimerr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *HTTPHandler) reconcile(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}

	var req syncpkg.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}
	req.DriftID = c.Param("id")
	if req.ActorID == "" {
		if tc, err := middleware.TenantContextFrom(c.Request.Context()); err == nil {
			req.ActorID = tc.ActorID
		}
	}

	d, err := h.reconciler.Reconcile(c.Request.Context(), tenantID, req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *HTTPHandler) listConflicts(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	q := h.query(c, tenantID)

	reports, total, err := h.store.ListConflicts(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list conflict reports", zap.Error(err))
		middleware.AbortWithError(c, scimerr.Internal(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"total":   total,
		"limit":   q.Limit,
		"offset":  q.Offset,
		"summary": conflictSummary(reports),
	})
}

func (h *HTTPHandler) getConflict(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}
	cf, err := h.store.GetConflict(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, syncpkg.ErrReportNotFound) {
			middleware.AbortWithError(c, scimerr.NotFound(c.Param("id")))
			return
		}
		middleware.AbortWithError(c, scimerr.Internal(err))
		return
	}
	c.JSON(http.StatusOK, cf)
}

func (h *HTTPHandler) resolve(c *gin.Context) {
	tenantID, ok := h.tenant(c)
	if !ok {
		return
	}

	var req syncpkg.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, scimerr.BadSyntax("Request body is not valid JSON"))
		return
	}
	req.ConflictID = c.Param("id")
	if req.ActorID == "" {
		if tc, err := middleware.TenantContextFrom(c.Request.Context()); err == nil {
			req.ActorID = tc.ActorID
		}
	}

	cf, err := h.reconciler.ResolveConflict(c.Request.Context(), tenantID, req)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cf)
}

// driftSummary aggregates the filtered page by type, severity and settlement.
func driftSummary(reports []syncpkg.DriftReport) gin.H {
	byType := map[string]int{}
	bySeverity := map[string]int{}
	pending := 0
	for _, d := range reports {
		byType[string(d.DriftType)]++
		bySeverity[string(d.Severity)]++
		if !d.Reconciled {
			pending++
		}
	}
	return gin.H{"byType": byType, "bySeverity": bySeverity, "pending": pending}
}

func conflictSummary(reports []syncpkg.ConflictReport) gin.H {
	byType := map[string]int{}
	pending := 0
	blocked := 0
	for _, c := range reports {
		byType[string(c.ConflictType)]++
		if !c.Resolved {
			pending++
		}
		if c.SyncBlocked {
			blocked++
		}
	}
	return gin.H{"byType": byType, "pending": pending, "blocked": blocked}
}
