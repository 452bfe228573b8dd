// Package auth validates inbound bearer tokens against an OIDC-discovered
// JWKS and resolves the tenant context the rest of the pipeline runs under.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// jwksRefreshInterval caps how often the key set is re-fetched.
const jwksRefreshInterval = time.Hour

// JWKSCache fetches and caches the signing key set. Refresh is single-flight
// under the mutex; while a refresh fails, the previous key set keeps serving.
type JWKSCache struct {
	metadataEndpoint string
	httpClient       *http.Client
	logger           *zap.Logger

	mu        sync.Mutex
	keySet    *jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewJWKSCache creates a cache bound to an OIDC metadata endpoint
// (…/.well-known/openid-configuration).
func NewJWKSCache(metadataEndpoint string, logger *zap.Logger) *JWKSCache {
	return &JWKSCache{
		metadataEndpoint: metadataEndpoint,
		httpClient:       &http.Client{Timeout: 10 * time.Second},
		logger:           logger,
	}
}

// Key returns the JSON web keys matching the given kid, refreshing the set
// if it is stale. An unknown kid forces one refresh before giving up.
func (c *JWKSCache) Key(ctx context.Context, kid string) ([]jose.JSONWebKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keySet == nil || time.Since(c.fetchedAt) > jwksRefreshInterval {
		if err := c.refreshLocked(ctx); err != nil {
			if c.keySet == nil {
				return nil, err
			}
			c.logger.Warn("JWKS refresh failed, serving cached keys", zap.Error(err))
		}
	}

	keys := c.keySet.Key(kid)
	if len(keys) == 0 && time.Since(c.fetchedAt) > time.Minute {
		// Key rotation may have outpaced the cache.
		if err := c.refreshLocked(ctx); err == nil {
			keys = c.keySet.Key(kid)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}
	return keys, nil
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	jwksURI, err := c.discoverJWKSURI(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned %d", resp.StatusCode)
	}

	var ks jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return fmt.Errorf("failed to decode JWKS: %w", err)
	}

	c.keySet = &ks
	c.fetchedAt = time.Now()
	c.logger.Info("JWKS refreshed", zap.Int("keys", len(ks.Keys)))
	return nil
}

func (c *JWKSCache) discoverJWKSURI(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metadataEndpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch OIDC metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC metadata endpoint returned %d", resp.StatusCode)
	}

	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("failed to decode OIDC metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("OIDC metadata has no jwks_uri")
	}
	return meta.JWKSURI, nil
}
