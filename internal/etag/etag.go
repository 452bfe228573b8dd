// Package etag implements weak entity tags for SCIM optimistic concurrency.
package etag

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// ErrVersionMismatch is returned when an If-Match precondition fails; the
// caller maps it to HTTP 412.
var ErrVersionMismatch = errors.New("version mismatch")

// New returns a fresh weak ETag backed by a random 128-bit token.
func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// content-free constant rather than panicking in a request path.
		return `W/"00000000000000000000000000000000"`
	}
	return `W/"` + hex.EncodeToString(buf) + `"`
}

// FromContent derives a weak ETag from a canonical JSON form of the
// resource: the first 16 hex chars of its SHA-256.
func FromContent(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return New()
	}
	sum := sha256.Sum256(b)
	return `W/"` + hex.EncodeToString(sum[:])[:16] + `"`
}

// Validate enforces the If-Match contract: absent means allowed, "*" means
// allowed, otherwise the opaque values must match case-insensitively.
func Validate(ifMatch, current string) error {
	if ifMatch == "" || ifMatch == "*" {
		return nil
	}
	if strings.EqualFold(opaque(ifMatch), opaque(current)) {
		return nil
	}
	return ErrVersionMismatch
}

// opaque strips the weak envelope W/"..." (and bare quotes) down to the
// value compared for equality.
func opaque(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.TrimPrefix(tag, "w/")
	return strings.Trim(tag, `"`)
}
