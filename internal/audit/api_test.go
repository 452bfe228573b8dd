package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/auth"
	"github.com/dhawalhost/scimgate/pkg/middleware"
)

func queryRouter(s Store, withTenant bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if withTenant {
		r.Use(func(c *gin.Context) {
			middleware.WithTenantContext(c, auth.TenantContext{
				TenantID: "t1", ActorID: "admin-1", ActorType: auth.ActorUser,
			})
		})
	}
	NewHTTPHandler(s, zap.NewNop()).RegisterRoutes(r.Group("/admin/v1"))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestAuditQueryEndpoint(t *testing.T) {
	s := NewMemStore()
	seedEntries(t, s)
	r := queryRouter(s, true)

	w := get(r, "/admin/v1/audit?actor_id=alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var page struct {
		Entries []Entry `json:"entries"`
		Total   int     `json:"total"`
		Limit   int     `json:"limit"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Entries) != 2 {
		t.Errorf("page = %+v", page)
	}
	if page.Limit != 100 {
		t.Errorf("default limit = %d", page.Limit)
	}
}

func TestAuditGetEndpoint(t *testing.T) {
	s := NewMemStore()
	seedEntries(t, s)
	r := queryRouter(s, true)

	w := get(r, "/admin/v1/audit/a1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var e Entry
	json.Unmarshal(w.Body.Bytes(), &e) //nolint:errcheck
	if e.ID != "a1" || e.Operation != "createUser" {
		t.Errorf("entry = %+v", e)
	}

	// a4 belongs to another tenant.
	if w := get(r, "/admin/v1/audit/a4"); w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant status = %d", w.Code)
	}
}

func TestAuditExportCSV(t *testing.T) {
	s := NewMemStore()
	seedEntries(t, s)
	r := queryRouter(s, true)

	w := get(r, "/admin/v1/audit/export")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 { // header + 3 tenant entries
		t.Errorf("csv lines = %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "Operation") {
		t.Errorf("header = %q", lines[0])
	}
}

func TestAuditRequiresTenantContext(t *testing.T) {
	r := queryRouter(NewMemStore(), false)
	if w := get(r, "/admin/v1/audit"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}
