// Package audit implements the gateway's append-only audit trail: one
// redacted entry per request, emitted without blocking the request path.
package audit

import (
	"encoding/json"
	"time"
)

// ActorType identifies what kind of principal performed an operation.
type ActorType string

const (
	ActorUser             ActorType = "User"
	ActorServicePrincipal ActorType = "ServicePrincipal"
	ActorSystem           ActorType = "System"
)

// Entry is a single audit record. Entries are append-only; no update path
// exists.
type Entry struct {
	ID             string          `json:"id" db:"id"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	RequestID      string          `json:"request_id" db:"request_id"`
	CorrelationID  string          `json:"correlation_id" db:"correlation_id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	ActorID        string          `json:"actor_id,omitempty" db:"actor_id"`
	ActorType      ActorType       `json:"actor_type" db:"actor_type"`
	Operation      string          `json:"operation" db:"operation"`
	ResourceType   string          `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID     string          `json:"resource_id,omitempty" db:"resource_id"`
	HTTPStatus     int             `json:"http_status" db:"http_status"`
	HTTPMethod     string          `json:"http_method" db:"http_method"`
	RequestPath    string          `json:"request_path" db:"request_path"`
	ClientIP       string          `json:"client_ip,omitempty" db:"client_ip"`
	UserAgent      string          `json:"user_agent,omitempty" db:"user_agent"`
	ResponseTimeMs int64           `json:"response_time_ms" db:"response_time_ms"`
	OldValue       json.RawMessage `json:"old_value,omitempty" db:"old_value"`
	NewValue       json.RawMessage `json:"new_value,omitempty" db:"new_value"`
	ErrorCode      string          `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// QueryParams filters the audit query API.
type QueryParams struct {
	TenantID     string
	ActorID      string
	Operation    string
	ResourceType string
	ResourceID   string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}
