package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	jose "gopkg.in/go-jose/go-jose.v2"
)

// newJWKSServer serves an OIDC metadata document pointing at a JWKS endpoint
// with one RSA signing key. fetches counts JWKS endpoint hits.
func newJWKSServer(t *testing.T, fetches *int32) (*httptest.Server, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keySet := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: "kid-1", Algorithm: "RS256", Use: "sig",
	}}}

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": srv.URL + "/keys"}) //nolint:errcheck
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(fetches, 1)
		json.NewEncoder(w).Encode(keySet) //nolint:errcheck
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, "kid-1"
}

func TestJWKSCacheFetchesKey(t *testing.T) {
	var fetches int32
	srv, kid := newJWKSServer(t, &fetches)
	cache := NewJWKSCache(srv.URL+"/.well-known/openid-configuration", zap.NewNop())

	keys, err := cache.Key(context.Background(), kid)
	if err != nil {
		t.Fatalf("Key failed: %v", err)
	}
	if len(keys) != 1 || keys[0].KeyID != kid {
		t.Errorf("keys = %+v", keys)
	}
}

func TestJWKSCacheServesFromCache(t *testing.T) {
	var fetches int32
	srv, kid := newJWKSServer(t, &fetches)
	cache := NewJWKSCache(srv.URL+"/.well-known/openid-configuration", zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := cache.Key(ctx, kid); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	var fetches int32
	srv, _ := newJWKSServer(t, &fetches)
	cache := NewJWKSCache(srv.URL+"/.well-known/openid-configuration", zap.NewNop())

	if _, err := cache.Key(context.Background(), "rotated-away"); err == nil {
		t.Fatal("unknown kid must fail")
	}
}

func TestJWKSCacheMetadataFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	cache := NewJWKSCache(srv.URL, zap.NewNop())

	if _, err := cache.Key(context.Background(), "kid-1"); err == nil {
		t.Fatal("metadata failure with an empty cache must fail")
	}
}
