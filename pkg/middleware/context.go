// Package middleware provides the Gin middleware chain the gateway mounts in
// front of every SCIM and admin route: request identifiers, bearer
// authentication, tenant scoping, rate limiting, and security headers.
package middleware

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/dhawalhost/scimgate/internal/auth"
)

// contextKey is an unexported key type to avoid collisions in context stores.
type contextKey string

const (
	tenantContextKey contextKey = "tenantContext"
	requestIDKey     contextKey = "requestID"
	correlationIDKey contextKey = "correlationID"
)

// ErrNoTenantContext is returned when a handler runs outside an authenticated
// request.
var ErrNoTenantContext = errors.New("tenant context not found in context")

// WithTenantContext stores the resolved tenant context on both the Gin context
// and the request context so service layers seeing only context.Context can
// recover it.
func WithTenantContext(c *gin.Context, tc auth.TenantContext) {
	c.Set(string(tenantContextKey), tc)
	ctx := context.WithValue(c.Request.Context(), tenantContextKey, tc)
	c.Request = c.Request.WithContext(ctx)
}

// TenantContextFrom extracts the tenant context from a standard context.
func TenantContextFrom(ctx context.Context) (auth.TenantContext, error) {
	if value := ctx.Value(tenantContextKey); value != nil {
		if tc, ok := value.(auth.TenantContext); ok && tc.TenantID != "" {
			return tc, nil
		}
	}
	return auth.TenantContext{}, ErrNoTenantContext
}

// TenantContextFromGin extracts the tenant context stored by the auth
// middleware.
func TenantContextFromGin(c *gin.Context) (auth.TenantContext, error) {
	if value, ok := c.Get(string(tenantContextKey)); ok {
		if tc, ok := value.(auth.TenantContext); ok && tc.TenantID != "" {
			return tc, nil
		}
	}
	return auth.TenantContext{}, ErrNoTenantContext
}

// RequestIDFrom returns the request identifier stamped at ingress, or "".
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// CorrelationIDFrom returns the correlation identifier for the request, or "".
func CorrelationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}
