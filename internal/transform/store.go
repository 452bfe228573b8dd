package transform

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ErrRuleNotFound is returned when a rule id does not exist in the tenant.
var ErrRuleNotFound = errors.New("transformation rule not found")

// RuleStore persists transformation rules.
type RuleStore interface {
	ListRules(ctx context.Context, tenantID, providerID string) ([]Rule, error)
	GetRule(ctx context.Context, tenantID, id string) (Rule, error)
	CreateRule(ctx context.Context, r Rule) error
	UpdateRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, tenantID, id string) error
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed rule store.
func NewStore(db *sqlx.DB) RuleStore {
	return &sqlStore{db: db}
}

func (s *sqlStore) ListRules(ctx context.Context, tenantID, providerID string) ([]Rule, error) {
	var rules []Rule
	err := s.db.SelectContext(ctx, &rules,
		`SELECT * FROM transform_rules
		 WHERE tenant_id = $1 AND provider_id = $2 AND enabled = true
		 ORDER BY priority ASC, id ASC`,
		tenantID, providerID)
	return rules, err
}

func (s *sqlStore) GetRule(ctx context.Context, tenantID, id string) (Rule, error) {
	var r Rule
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM transform_rules WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrRuleNotFound
	}
	return r, err
}

func (s *sqlStore) CreateRule(ctx context.Context, r Rule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transform_rules (id, tenant_id, provider_id, priority, kind, source_pattern,
		   target_mapping, entitlement_type, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TenantID, r.ProviderID, r.Priority, r.Kind, r.SourcePattern,
		r.TargetMapping, r.EntitlementType, r.Enabled, r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *sqlStore) UpdateRule(ctx context.Context, r Rule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transform_rules
		 SET priority = $3, kind = $4, source_pattern = $5, target_mapping = $6,
		     entitlement_type = $7, enabled = $8, updated_at = $9
		 WHERE id = $1 AND tenant_id = $2`,
		r.ID, r.TenantID, r.Priority, r.Kind, r.SourcePattern, r.TargetMapping,
		r.EntitlementType, r.Enabled, r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *sqlStore) DeleteRule(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transform_rules WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// memRuleStore is an in-memory rule store for tests and the dev profile.
type memRuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule // id -> rule
}

// NewMemStore creates an empty in-memory rule store.
func NewMemStore() RuleStore {
	return &memRuleStore{rules: make(map[string]Rule)}
}

func (s *memRuleStore) ListRules(_ context.Context, tenantID, providerID string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Rule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.ProviderID == providerID && r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (s *memRuleStore) GetRule(_ context.Context, tenantID, id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenantID {
		return Rule{}, ErrRuleNotFound
	}
	return r, nil
}

func (s *memRuleStore) CreateRule(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *memRuleStore) UpdateRule(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.ID]
	if !ok || existing.TenantID != r.TenantID {
		return ErrRuleNotFound
	}
	s.rules[r.ID] = r
	return nil
}

func (s *memRuleStore) DeleteRule(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.TenantID != tenantID {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	return nil
}
