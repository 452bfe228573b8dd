package middleware

import (
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// RateLimitConfig tunes the per-tenant and per-actor token buckets.
type RateLimitConfig struct {
	TenantRequestsPerSecond float64 `yaml:"tenantRequestsPerSecond"`
	TenantBurst             int     `yaml:"tenantBurst"`
	ActorRequestsPerSecond  float64 `yaml:"actorRequestsPerSecond"`
	ActorBurst              int     `yaml:"actorBurst"`
	// MaxRequestsPerMinute caps a tenant's sustained request total over a
	// minute, on top of the per-second buckets. Zero disables the cap.
	MaxRequestsPerMinute int           `yaml:"maxRequestsPerMinute"`
	QueueOnLimit         bool          `yaml:"queueOnLimit"`
	MaxQueueTime         time.Duration `yaml:"maxQueueTime"`
}

// keyedLimiter manages one token bucket per key.
type keyedLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	r        rate.Limit
	b        int
}

func newKeyedLimiter(r rate.Limit, b int) *keyedLimiter {
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
	}
}

func (k *keyedLimiter) get(key string) *rate.Limiter {
	k.mu.RLock()
	limiter, ok := k.limiters[key]
	k.mu.RUnlock()
	if ok {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if limiter, ok = k.limiters[key]; ok {
		return limiter
	}
	// Bound memory under key churn; buckets for evicted keys simply refill.
	if len(k.limiters) > 10000 {
		k.limiters = make(map[string]*rate.Limiter)
	}
	limiter = rate.NewLimiter(k.r, k.b)
	k.limiters[key] = limiter
	return limiter
}

// RateLimit enforces a per-tenant bucket and a finer per-actor bucket inside
// it. When QueueOnLimit is set, requests wait up to MaxQueueTime for a token
// before being rejected with 429 and a Retry-After hint.
func RateLimit(cfg RateLimitConfig, rejected *prometheus.CounterVec) gin.HandlerFunc {
	if cfg.TenantRequestsPerSecond <= 0 {
		cfg.TenantRequestsPerSecond = 100
	}
	if cfg.TenantBurst <= 0 {
		cfg.TenantBurst = 200
	}
	if cfg.ActorRequestsPerSecond <= 0 {
		cfg.ActorRequestsPerSecond = 20
	}
	if cfg.ActorBurst <= 0 {
		cfg.ActorBurst = 40
	}
	if cfg.MaxQueueTime <= 0 {
		cfg.MaxQueueTime = 2 * time.Second
	}

	tenants := newKeyedLimiter(rate.Limit(cfg.TenantRequestsPerSecond), cfg.TenantBurst)
	actors := newKeyedLimiter(rate.Limit(cfg.ActorRequestsPerSecond), cfg.ActorBurst)
	// The minute bucket refills at n/60 per second and holds the full minute
	// budget, so a burst within the per-second limits still cannot exceed it.
	var minutes *keyedLimiter
	if cfg.MaxRequestsPerMinute > 0 {
		minutes = newKeyedLimiter(rate.Limit(float64(cfg.MaxRequestsPerMinute)/60), cfg.MaxRequestsPerMinute)
	}

	return func(c *gin.Context) {
		tc, err := TenantContextFromGin(c)
		if err != nil {
			// Unauthenticated paths are not rate limited here.
			c.Next()
			return
		}

		tenantBucket := tenants.get(tc.TenantID)
		actorBucket := actors.get(tc.TenantID + "/" + tc.ActorID)
		buckets := []*rate.Limiter{tenantBucket, actorBucket}
		if minutes != nil {
			buckets = append(buckets, minutes.get(tc.TenantID))
		}

		allowed := true
		for _, b := range buckets {
			if !allow(c, b, cfg) {
				allowed = false
				break
			}
		}
		if allowed {
			c.Next()
			return
		}

		if rejected != nil {
			rejected.WithLabelValues(tc.TenantID).Inc()
		}
		AbortWithError(c, scimerr.TooManyRequests(retryAfterSeconds(buckets...)))
	}
}

func allow(c *gin.Context, limiter *rate.Limiter, cfg RateLimitConfig) bool {
	if limiter.Allow() {
		return true
	}
	if !cfg.QueueOnLimit {
		return false
	}
	res := limiter.Reserve()
	if !res.OK() || res.Delay() > cfg.MaxQueueTime {
		if res.OK() {
			res.Cancel()
		}
		return false
	}
	select {
	case <-time.After(res.Delay()):
		return true
	case <-c.Request.Context().Done():
		res.Cancel()
		return false
	}
}

// retryAfterSeconds estimates when the more constrained bucket refills.
func retryAfterSeconds(buckets ...*rate.Limiter) int {
	worst := 1
	for _, b := range buckets {
		if b.Tokens() >= 1 {
			continue
		}
		perToken := 1 / float64(b.Limit())
		wait := int(math.Ceil(perToken * (1 - b.Tokens())))
		if wait > worst {
			worst = wait
		}
	}
	return worst
}
