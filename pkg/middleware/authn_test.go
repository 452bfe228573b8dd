package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/auth"
)

type stubValidator struct {
	claims auth.Claims
	err    error
}

func (s *stubValidator) Validate(context.Context, string) (auth.Claims, error) {
	return s.claims, s.err
}

func authRouter(v TokenValidator, cfg AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.Use(BearerAuth(v, cfg, zap.NewNop()))
	r.GET("/scim/v2/Users", func(c *gin.Context) {
		tc, err := TenantContextFromGin(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tenantId":  tc.TenantID,
			"actorId":   tc.ActorID,
			"actorType": string(tc.ActorType),
		})
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.Use(TenantPath())
	r.GET("/scim/v2/tenants/:tenantId/Users", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doAuth(t *testing.T, r *gin.Engine, path, authz string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.10:41000"
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorDoc(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("body is not JSON: %v: %s", err, w.Body.String())
	}
	return doc
}

func TestBearerAuthMissingHeader(t *testing.T) {
	r := authRouter(&stubValidator{}, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	doc := errorDoc(t, w)
	if doc["status"] != "401" {
		t.Errorf("doc = %v", doc)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, SCIMContentType) {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestBearerAuthRejectsNonBearerScheme(t *testing.T) {
	r := authRouter(&stubValidator{}, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Basic dXNlcjpwYXNz")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestBearerAuthDelegatedToken(t *testing.T) {
	v := &stubValidator{claims: auth.Claims{
		TenantID: "t1", ObjectID: "oid-1", UPN: "alice@example.com",
	}}
	r := authRouter(v, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	if body["tenantId"] != "t1" || body["actorId"] != "oid-1" || body["actorType"] != string(auth.ActorUser) {
		t.Errorf("body = %v", body)
	}
}

func TestBearerAuthAppOnlyToken(t *testing.T) {
	v := &stubValidator{claims: auth.Claims{
		TenantID: "t1", ObjectID: "sp-1", AppID: "app-1",
	}}
	r := authRouter(v, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Bearer tok")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	if body["actorType"] != string(auth.ActorServicePrincipal) {
		t.Errorf("actorType = %q", body["actorType"])
	}
}

func TestBearerAuthExpiredToken(t *testing.T) {
	v := &stubValidator{err: &auth.ExpiredTokenError{ExpiredAt: time.Now().Add(-time.Hour)}}
	r := authRouter(v, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Bearer tok")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	doc := errorDoc(t, w)
	detail, _ := doc["detail"].(string)
	if !strings.Contains(detail, "expired") {
		t.Errorf("detail = %q", detail)
	}
}

func TestBearerAuthInsufficientScope(t *testing.T) {
	v := &stubValidator{err: auth.ErrInsufficientScope}
	r := authRouter(v, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Bearer tok")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
}

func TestBearerAuthTokenWithoutTenant(t *testing.T) {
	v := &stubValidator{claims: auth.Claims{ObjectID: "oid-1"}}
	r := authRouter(v, AuthConfig{})
	w := doAuth(t, r, "/scim/v2/Users", "Bearer tok")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestBearerAuthAnonymousPaths(t *testing.T) {
	v := &stubValidator{err: auth.ErrInvalidSignature}
	r := authRouter(v, AuthConfig{AnonymousPaths: []string{"/healthz"}})
	w := doAuth(t, r, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestTenantPathMatchesToken(t *testing.T) {
	v := &stubValidator{claims: auth.Claims{
		TenantID: "Tenant-1", ObjectID: "oid-1", UPN: "alice@example.com",
	}}
	r := authRouter(v, AuthConfig{})

	// Tenant identifiers compare case-insensitively.
	w := doAuth(t, r, "/scim/v2/tenants/tenant-1/Users", "Bearer tok")
	if w.Code != http.StatusOK {
		t.Errorf("matching tenant status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestTenantPathRejectsForeignTenant(t *testing.T) {
	v := &stubValidator{claims: auth.Claims{
		TenantID: "t1", ObjectID: "oid-1", UPN: "alice@example.com",
	}}
	r := authRouter(v, AuthConfig{})

	w := doAuth(t, r, "/scim/v2/tenants/t2/Users", "Bearer tok")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	doc := errorDoc(t, w)
	if doc["status"] != "403" {
		t.Errorf("doc = %v", doc)
	}
}

func TestBearerAuthLockout(t *testing.T) {
	v := &stubValidator{err: auth.ErrInvalidSignature}
	r := authRouter(v, AuthConfig{MaxFailedAttempts: 2, LockoutDuration: time.Minute})

	for i := 0; i < 2; i++ {
		if w := doAuth(t, r, "/scim/v2/Users", "Bearer bad"); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, w.Code)
		}
	}
	// The IP is now locked out before the token is even inspected.
	w := doAuth(t, r, "/scim/v2/Users", "Bearer bad")
	if w.Code != http.StatusForbidden {
		t.Errorf("locked-out status = %d", w.Code)
	}
}
