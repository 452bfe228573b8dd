package audit

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when an audit entry does not exist in the tenant.
var ErrNotFound = errors.New("audit entry not found")

// Store persists and queries audit entries. The write side doubles as the
// pipeline's Sink.
type Store interface {
	Sink
	Query(ctx context.Context, params QueryParams) ([]Entry, int, error)
	Get(ctx context.Context, tenantID, id string) (Entry, error)
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed audit store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, timestamp, request_id, correlation_id, tenant_id, actor_id, actor_type,
		   operation, resource_type, resource_id, http_status, http_method, request_path, client_ip, user_agent,
		   response_time_ms, old_value, new_value, error_code, error_message, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		e.ID, e.Timestamp, e.RequestID, e.CorrelationID, e.TenantID, e.ActorID, e.ActorType,
		e.Operation, e.ResourceType, e.ResourceID, e.HTTPStatus, e.HTTPMethod, e.RequestPath, e.ClientIP, e.UserAgent,
		e.ResponseTimeMs, e.OldValue, e.NewValue, e.ErrorCode, e.ErrorMessage, e.Metadata)
	return err
}

func (s *sqlStore) Query(ctx context.Context, params QueryParams) ([]Entry, int, error) {
	query := `SELECT * FROM audit_entries WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM audit_entries WHERE tenant_id = $1`
	args := []interface{}{params.TenantID}
	argIdx := 2

	addClause := func(clause string, val interface{}) {
		suffix := clause + " $" + strconv.Itoa(argIdx)
		query += suffix
		countQuery += suffix
		args = append(args, val)
		argIdx++
	}

	if params.ActorID != "" {
		addClause(` AND actor_id =`, params.ActorID)
	}
	if params.Operation != "" {
		addClause(` AND operation =`, params.Operation)
	}
	if params.ResourceType != "" {
		addClause(` AND resource_type =`, params.ResourceType)
	}
	if params.ResourceID != "" {
		addClause(` AND resource_id =`, params.ResourceID)
	}
	if params.StartTime != nil {
		addClause(` AND timestamp >=`, *params.StartTime)
	}
	if params.EndTime != nil {
		addClause(` AND timestamp <=`, *params.EndTime)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY timestamp DESC`
	if params.Limit > 0 {
		query += ` LIMIT $` + strconv.Itoa(argIdx)
		args = append(args, params.Limit)
		argIdx++
	}
	if params.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(argIdx)
		args = append(args, params.Offset)
	}

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *sqlStore) Get(ctx context.Context, tenantID, id string) (Entry, error) {
	var e Entry
	err := s.db.GetContext(ctx, &e,
		`SELECT * FROM audit_entries WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return e, err
}

// memStore is an in-memory audit store for tests and the dev profile.
type memStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemStore creates an empty in-memory audit store.
func NewMemStore() Store {
	return &memStore{}
}

func (s *memStore) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Query(_ context.Context, params QueryParams) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.TenantID != params.TenantID {
			continue
		}
		if params.ActorID != "" && e.ActorID != params.ActorID {
			continue
		}
		if params.Operation != "" && e.Operation != params.Operation {
			continue
		}
		if params.ResourceType != "" && e.ResourceType != params.ResourceType {
			continue
		}
		if params.ResourceID != "" && e.ResourceID != params.ResourceID {
			continue
		}
		if params.StartTime != nil && e.Timestamp.Before(*params.StartTime) {
			continue
		}
		if params.EndTime != nil && e.Timestamp.After(*params.EndTime) {
			continue
		}
		out = append(out, e)
	}
	total := len(out)
	if params.Offset > 0 {
		if params.Offset >= len(out) {
			out = nil
		} else {
			out = out[params.Offset:]
		}
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, total, nil
}

func (s *memStore) Get(_ context.Context, tenantID, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}
