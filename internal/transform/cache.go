package transform

import (
	"context"
	"sync"
	"time"
)

// RuleSource yields the enabled rule set for a (tenant, provider) pair.
type RuleSource interface {
	ListRules(ctx context.Context, tenantID, providerID string) ([]Rule, error)
}

type cacheEntry struct {
	rules     []Rule
	fetchedAt time.Time
}

type inflight struct {
	done  chan struct{}
	rules []Rule
	err   error
}

// Cache fronts a RuleStore with TTL invalidation. Refreshes for the same key
// are single-flight: concurrent callers wait for the one fetch in progress.
type Cache struct {
	source RuleSource
	ttl    time.Duration

	mu       sync.Mutex
	entries  map[string]cacheEntry
	fetching map[string]*inflight
	now      func() time.Time
}

// NewCache wraps a rule source with a TTL cache.
func NewCache(source RuleSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		source:   source,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		fetching: make(map[string]*inflight),
		now:      time.Now,
	}
}

// ListRules serves cached rules while fresh, refreshing single-flight when
// the TTL lapses.
func (c *Cache) ListRules(ctx context.Context, tenantID, providerID string) ([]Rule, error) {
	key := tenantID + "/" + providerID

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.rules, nil
	}
	if f, ok := c.fetching[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.rules, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	c.fetching[key] = f
	c.mu.Unlock()

	rules, err := c.source.ListRules(ctx, tenantID, providerID)
	f.rules, f.err = rules, err
	close(f.done)

	c.mu.Lock()
	delete(c.fetching, key)
	if err == nil {
		c.entries[key] = cacheEntry{rules: rules, fetchedAt: c.now()}
	}
	c.mu.Unlock()
	return rules, err
}

// Invalidate drops the cached rule set for a (tenant, provider) pair. Call it
// after rule mutations so the next evaluation sees the change.
func (c *Cache) Invalidate(tenantID, providerID string) {
	c.mu.Lock()
	delete(c.entries, tenantID+"/"+providerID)
	c.mu.Unlock()
}
