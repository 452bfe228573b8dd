package scimerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructorTable(t *testing.T) {
	cases := []struct {
		name     string
		err      *Error
		status   int
		scimType string
	}{
		{"bad syntax", BadSyntax("x"), http.StatusBadRequest, TypeInvalidSyntax},
		{"bad filter", BadFilter("x"), http.StatusBadRequest, TypeInvalidFilter},
		{"bad value", BadValue("x"), http.StatusBadRequest, TypeInvalidValue},
		{"no target", NoTarget("x"), http.StatusBadRequest, TypeNoTarget},
		{"invalid tenant", InvalidTenant("x"), http.StatusBadRequest, TypeInvalidTenant},
		{"missing token", MissingToken(), http.StatusUnauthorized, ""},
		{"invalid token", InvalidToken("x"), http.StatusUnauthorized, TypeInvalidToken},
		{"forbidden", Forbidden("x"), http.StatusForbidden, TypeForbidden},
		{"not found", NotFound("42"), http.StatusNotFound, ""},
		{"uniqueness", Uniqueness("x"), http.StatusConflict, TypeUniqueness},
		{"precondition", PreconditionFailed(), http.StatusPreconditionFailed, ""},
		{"too many", TooManyRequests(3), http.StatusTooManyRequests, TypeTooMany},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError, ""},
		{"unavailable", Unavailable("x"), http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Status != tc.status {
				t.Errorf("status = %d, want %d", tc.err.Status, tc.status)
			}
			if tc.err.ScimType != tc.scimType {
				t.Errorf("scimType = %q, want %q", tc.err.ScimType, tc.scimType)
			}
		})
	}
}

func TestDocRendersSchemaAndStatusString(t *testing.T) {
	doc := NotFound("abc").Doc()
	if len(doc.Schemas) != 1 || doc.Schemas[0] != ErrorSchema {
		t.Errorf("schemas = %v", doc.Schemas)
	}
	if doc.Status != "404" {
		t.Errorf("status = %q, want \"404\"", doc.Status)
	}
}

func TestTooManyRequestsCarriesRetryAfter(t *testing.T) {
	if got := TooManyRequests(7).RetryAfter; got != 7 {
		t.Errorf("RetryAfter = %d, want 7", got)
	}
}

func TestFromPassesTaggedErrorsThrough(t *testing.T) {
	orig := Forbidden("cross-tenant access")
	wrapped := fmt.Errorf("handler: %w", orig)
	if got := From(wrapped); got != orig {
		t.Errorf("From did not unwrap the tagged error: %v", got)
	}
}

func TestFromMapsUnknownErrorsTo500(t *testing.T) {
	got := From(errors.New("driver: connection reset"))
	if got.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", got.Status)
	}
	if got.Detail != "Internal server error" {
		t.Errorf("internal detail leaked: %q", got.Detail)
	}
}

func TestInternalDoesNotLeakCause(t *testing.T) {
	doc := Internal(errors.New("password=hunter2")).Doc()
	if doc.Detail != "Internal server error" {
		t.Errorf("cause leaked into document: %q", doc.Detail)
	}
}
