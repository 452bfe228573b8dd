// Package scimerr defines the gateway's failure taxonomy and its mapping to
// SCIM error documents (RFC 7644 §3.12).
package scimerr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// ErrorSchema is the SCIM error message URN.
const ErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"

// scimType values defined by RFC 7644 plus the tenant extension.
const (
	TypeInvalidSyntax   = "invalidSyntax"
	TypeInvalidFilter   = "invalidFilter"
	TypeInvalidValue    = "invalidValue"
	TypeInvalidToken    = "invalidToken"
	TypeInvalidTenant   = "invalidTenant"
	TypeForbidden       = "forbidden"
	TypeUniqueness      = "uniqueness"
	TypeTooMany         = "tooManyRequests"
	TypeNoTarget        = "noTarget"
	TypeMutability      = "mutability"
	TypeSensitive       = "sensitive"
)

// Error is a tagged failure carried through the request pipeline. Stages
// short-circuit on it and the HTTP layer renders it as a SCIM error body.
type Error struct {
	Status     int
	ScimType   string
	Detail     string
	RetryAfter int // seconds, set for 429
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scim error %d (%s): %s: %v", e.Status, e.ScimType, e.Detail, e.Err)
	}
	return fmt.Sprintf("scim error %d (%s): %s", e.Status, e.ScimType, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Document is the wire form of a SCIM error.
type Document struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Doc renders the error as a SCIM error document.
func (e *Error) Doc() Document {
	return Document{
		Schemas:  []string{ErrorSchema},
		Status:   strconv.Itoa(e.Status),
		ScimType: e.ScimType,
		Detail:   e.Detail,
	}
}

// Constructors for the mandatory status/scimType table.

func BadSyntax(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: TypeInvalidSyntax, Detail: detail}
}

func BadFilter(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: TypeInvalidFilter, Detail: detail}
}

func BadValue(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: TypeInvalidValue, Detail: detail}
}

func NoTarget(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: TypeNoTarget, Detail: detail}
}

func InvalidTenant(detail string) *Error {
	return &Error{Status: http.StatusBadRequest, ScimType: TypeInvalidTenant, Detail: detail}
}

func MissingToken() *Error {
	return &Error{Status: http.StatusUnauthorized, Detail: "Authorization header with Bearer token is required"}
}

func InvalidToken(detail string) *Error {
	return &Error{Status: http.StatusUnauthorized, ScimType: TypeInvalidToken, Detail: detail}
}

func Forbidden(detail string) *Error {
	return &Error{Status: http.StatusForbidden, ScimType: TypeForbidden, Detail: detail}
}

func NotFound(resourceID string) *Error {
	return &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf("Resource %s not found", resourceID)}
}

func Uniqueness(detail string) *Error {
	return &Error{Status: http.StatusConflict, ScimType: TypeUniqueness, Detail: detail}
}

func PreconditionFailed() *Error {
	return &Error{Status: http.StatusPreconditionFailed, Detail: "Version does not match the current resource"}
}

func TooManyRequests(retryAfter int) *Error {
	return &Error{
		Status:     http.StatusTooManyRequests,
		ScimType:   TypeTooMany,
		Detail:     "Rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Detail: "Internal server error", Err: err}
}

func Unavailable(detail string) *Error {
	return &Error{Status: http.StatusServiceUnavailable, Detail: detail}
}

// From normalizes any error into a *Error. Unknown errors map to 500 with no
// internal detail leaked.
func From(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internal(err)
}
