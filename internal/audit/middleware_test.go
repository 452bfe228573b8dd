package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/auth"
	"github.com/dhawalhost/scimgate/internal/redact"
	"github.com/dhawalhost/scimgate/pkg/middleware"
)

func auditRouter(p *Pipeline) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(func(c *gin.Context) {
		middleware.WithTenantContext(c, auth.TenantContext{
			TenantID: "t1", ActorID: "actor-1", ActorType: auth.ActorUser,
		})
	})
	r.Use(Middleware(p, zap.NewNop()))
	r.POST("/scim/v2/Users", func(c *gin.Context) {
		if rec := RecorderFrom(c); rec != nil {
			rec.Operation("createUser", "User", "u1")
		}
		c.JSON(http.StatusCreated, gin.H{"id": "u1"})
	})
	r.GET("/boom", func(c *gin.Context) {
		panic("handler exploded")
	})
	return r
}

func TestMiddlewareEmitsEntry(t *testing.T) {
	sink := newWaitingSink()
	errs := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_mw_errors_total"})
	p := NewPipeline(sink, redact.New(true), errs, Config{}, zap.NewNop())
	r := auditRouter(p)

	req := httptest.NewRequest(http.MethodPost, "/scim/v2/Users", nil)
	req.Header.Set("X-Request-Id", "req-9")
	req.Header.Set("User-Agent", "scim-client/1.0")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	p.Close()

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("entries = %+v", got)
	}
	e := got[0]
	if e.HTTPStatus != http.StatusCreated || e.HTTPMethod != "POST" || e.RequestPath != "/scim/v2/Users" {
		t.Errorf("entry = %+v", e)
	}
	if e.TenantID != "t1" || e.ActorID != "actor-1" || e.ActorType != ActorUser {
		t.Errorf("actor enrichment missing: %+v", e)
	}
	if e.Operation != "createUser" || e.ResourceID != "u1" {
		t.Errorf("operation tagging missing: %+v", e)
	}
	if e.RequestID != "req-9" || e.UserAgent != "scim-client/1.0" {
		t.Errorf("ingress fields = %+v", e)
	}
}

func TestMiddlewareRecordsPanics(t *testing.T) {
	sink := newWaitingSink()
	errs := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_mw_panic_errors_total"})
	p := NewPipeline(sink, redact.New(true), errs, Config{}, zap.NewNop())
	r := auditRouter(p)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	p.Close()

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].HTTPStatus != http.StatusInternalServerError || got[0].ErrorCode != "internalError" {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestRecorderFromWithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if RecorderFrom(c) != nil {
		t.Error("recorder must be nil when the middleware is not mounted")
	}
}
