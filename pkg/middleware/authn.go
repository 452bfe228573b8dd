package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/auth"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// TokenValidator validates a raw bearer token and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (auth.Claims, error)
}

// AuthConfig tunes the bearer authentication middleware.
type AuthConfig struct {
	// AnonymousPaths are path prefixes served without a token (health,
	// metrics, ServiceProviderConfig discovery).
	AnonymousPaths []string `yaml:"anonymousPaths"`
	// MaxFailedAttempts locks a client IP out after this many consecutive
	// authentication failures. Zero disables the lockout.
	MaxFailedAttempts int `yaml:"maxFailedAttempts"`
	// LockoutDuration is how long a locked-out IP stays blocked.
	LockoutDuration time.Duration `yaml:"lockoutDuration"`
}

// failureTracker counts consecutive auth failures per client IP.
type failureTracker struct {
	mu      sync.Mutex
	fails   map[string]int
	blocked map[string]time.Time
	now     func() time.Time
}

func newFailureTracker() *failureTracker {
	return &failureTracker{
		fails:   make(map[string]int),
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (t *failureTracker) isBlocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.blocked[ip]
	if !ok {
		return false
	}
	if t.now().After(until) {
		delete(t.blocked, ip)
		delete(t.fails, ip)
		return false
	}
	return true
}

func (t *failureTracker) recordFailure(ip string, max int, lockout time.Duration) {
	if max <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fails[ip]++
	if t.fails[ip] >= max {
		t.blocked[ip] = t.now().Add(lockout)
	}
}

func (t *failureTracker) recordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fails, ip)
}

// BearerAuth validates the bearer token, builds the tenant context and stores
// it for downstream stages. Failures map onto the SCIM error taxonomy so the
// caller sees a proper error document, never a bare 401.
func BearerAuth(validator TokenValidator, cfg AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	tracker := newFailureTracker()

	return func(c *gin.Context) {
		for _, prefix := range cfg.AnonymousPaths {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		ip := c.ClientIP()
		if tracker.isBlocked(ip) {
			AbortWithError(c, scimerr.Forbidden("Too many failed authentication attempts"))
			return
		}

		raw, err := extractBearer(c.GetHeader("Authorization"))
		if err != nil {
			tracker.recordFailure(ip, cfg.MaxFailedAttempts, cfg.LockoutDuration)
			AbortWithError(c, scimerr.MissingToken())
			return
		}

		claims, err := validator.Validate(c.Request.Context(), raw)
		if err != nil {
			tracker.recordFailure(ip, cfg.MaxFailedAttempts, cfg.LockoutDuration)
			logger.Warn("Token validation failed",
				zap.String("client_ip", ip),
				zap.String("request_id", RequestIDFrom(c.Request.Context())),
				zap.Error(err))
			AbortWithError(c, mapAuthError(err))
			return
		}

		tc, err := auth.BuildTenantContext(claims, RequestIDFrom(c.Request.Context()))
		if err != nil {
			tracker.recordFailure(ip, cfg.MaxFailedAttempts, cfg.LockoutDuration)
			AbortWithError(c, err)
			return
		}

		tracker.recordSuccess(ip)
		WithTenantContext(c, tc)
		c.Next()
	}
}

// TenantPath rejects requests whose tenantId route segment names a different
// tenant than the authenticated one. Routes without the segment pass through.
func TenantPath() gin.HandlerFunc {
	return func(c *gin.Context) {
		pathTenant := c.Param("tenantId")
		if pathTenant == "" {
			c.Next()
			return
		}
		tc, err := TenantContextFromGin(c)
		if err != nil {
			AbortWithError(c, scimerr.InvalidTenant("Request has no tenant context"))
			return
		}
		if err := auth.CheckTenantPath(tc, pathTenant); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func extractBearer(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", auth.ErrMissingToken
	}
	return parts[1], nil
}

// mapAuthError translates token validation failure classes onto the SCIM
// error taxonomy.
func mapAuthError(err error) error {
	var expired *auth.ExpiredTokenError
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return scimerr.MissingToken()
	case errors.As(err, &expired):
		return scimerr.InvalidToken("Token has expired")
	case errors.Is(err, auth.ErrInvalidSignature):
		return scimerr.InvalidToken("Token signature is invalid")
	case errors.Is(err, auth.ErrInvalidIssuer):
		return scimerr.InvalidToken("Token issuer is not trusted")
	case errors.Is(err, auth.ErrInvalidAudience):
		return scimerr.InvalidToken("Token audience does not match this service")
	case errors.Is(err, auth.ErrInsufficientScope):
		return scimerr.Forbidden("Token does not carry the required scope")
	case errors.Is(err, auth.ErrMissingTenant):
		return scimerr.InvalidTenant("Token does not carry a tenant identifier")
	default:
		return scimerr.InvalidToken("Token is invalid")
	}
}
