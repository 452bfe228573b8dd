package audit

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/pkg/middleware"
)

// HTTPHandler serves the tenant-scoped audit query API.
type HTTPHandler struct {
	store  Store
	logger *zap.Logger
}

// NewHTTPHandler creates a new audit HTTP handler.
func NewHTTPHandler(store Store, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{store: store, logger: logger}
}

// RegisterRoutes registers audit routes on an authenticated group.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	audit := rg.Group("/audit")
	{
		audit.GET("", h.query)
		audit.GET("/export", h.export)
		audit.GET("/:id", h.get)
	}
}

func (h *HTTPHandler) params(c *gin.Context, tenantID string) QueryParams {
	params := QueryParams{
		TenantID:     tenantID,
		ActorID:      c.Query("actor_id"),
		Operation:    c.Query("operation"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
	}
	if v := c.Query("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := c.Query("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	return params
}

func (h *HTTPHandler) query(c *gin.Context) {
	tc, err := middleware.TenantContextFrom(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant context required"})
		return
	}

	params := h.params(c, tc.TenantID)
	entries, total, err := h.store.Query(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to query audit entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   params.Limit,
		"offset":  params.Offset,
	})
}

func (h *HTTPHandler) get(c *gin.Context) {
	tc, err := middleware.TenantContextFrom(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant context required"})
		return
	}

	entry, err := h.store.Get(c.Request.Context(), tc.TenantID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *HTTPHandler) export(c *gin.Context) {
	tc, err := middleware.TenantContextFrom(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant context required"})
		return
	}

	params := h.params(c, tc.TenantID)
	params.Limit = 10000
	params.Offset = 0

	entries, _, err := h.store.Query(c.Request.Context(), params)
	if err != nil {
		h.logger.Error("Failed to export audit entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=audit_entries.csv")

	writer := csv.NewWriter(c.Writer)
	writer.Write([]string{"Time", "Correlation ID", "Actor ID", "Actor Type", "Operation", "Resource Type", "Resource ID", "Status", "Latency (ms)"})
	for _, e := range entries {
		writer.Write([]string{
			e.Timestamp.Format(time.RFC3339),
			e.CorrelationID,
			e.ActorID,
			string(e.ActorType),
			e.Operation,
			e.ResourceType,
			e.ResourceID,
			strconv.Itoa(e.HTTPStatus),
			strconv.FormatInt(e.ResponseTimeMs, 10),
		})
	}
	writer.Flush()
}
