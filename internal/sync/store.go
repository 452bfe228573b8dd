package sync

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"
	gosync "sync"

	"github.com/jmoiron/sqlx"
)

// ErrReportNotFound is returned when a drift or conflict id does not exist in
// the tenant.
var ErrReportNotFound = errors.New("report not found")

// severityCase orders severities in SQL the same way severityRank does.
const severityCase = `CASE severity WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

// Store persists drift reports, conflict reports and sync watermarks.
type Store interface {
	SaveDrift(ctx context.Context, d DriftReport) error
	GetDrift(ctx context.Context, tenantID, id string) (DriftReport, error)
	UpdateDrift(ctx context.Context, d DriftReport) error
	ListDrift(ctx context.Context, q ReportQuery) ([]DriftReport, int, error)
	// FindOpenDrift locates an unreconciled drift for the same divergence so
	// repeated cycles do not duplicate reports.
	FindOpenDrift(ctx context.Context, tenantID, providerID, resourceID string, dt DriftType, attribute string) (DriftReport, bool, error)

	SaveConflict(ctx context.Context, c ConflictReport) error
	GetConflict(ctx context.Context, tenantID, id string) (ConflictReport, error)
	UpdateConflict(ctx context.Context, c ConflictReport) error
	ListConflicts(ctx context.Context, q ReportQuery) ([]ConflictReport, int, error)
	FindOpenConflict(ctx context.Context, tenantID, providerID, resourceID string, ct ConflictType) (ConflictReport, bool, error)

	GetState(ctx context.Context, tenantID, providerID string) (State, error)
	SaveState(ctx context.Context, s State) error
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed sync store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) SaveDrift(ctx context.Context, d DriftReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drift_reports (id, tenant_id, provider_id, resource_type, resource_id, drift_type,
		   severity, attribute, canonical_value, provider_value, detected_at, reconciled, reconciled_at,
		   reconciled_by, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		d.ID, d.TenantID, d.ProviderID, d.ResourceType, d.ResourceID, d.DriftType,
		d.Severity, d.Attribute, d.CanonicalValue, d.ProviderValue, d.DetectedAt, d.Reconciled,
		d.ReconciledAt, d.ReconciledBy, d.Notes)
	return err
}

func (s *sqlStore) GetDrift(ctx context.Context, tenantID, id string) (DriftReport, error) {
	var d DriftReport
	err := s.db.GetContext(ctx, &d,
		`SELECT * FROM drift_reports WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return DriftReport{}, ErrReportNotFound
	}
	return d, err
}

func (s *sqlStore) UpdateDrift(ctx context.Context, d DriftReport) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drift_reports
		 SET reconciled = $3, reconciled_at = $4, reconciled_by = $5, notes = $6
		 WHERE id = $1 AND tenant_id = $2`,
		d.ID, d.TenantID, d.Reconciled, d.ReconciledAt, d.ReconciledBy, d.Notes)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *sqlStore) FindOpenDrift(ctx context.Context, tenantID, providerID, resourceID string, dt DriftType, attribute string) (DriftReport, bool, error) {
	var d DriftReport
	err := s.db.GetContext(ctx, &d,
		`SELECT * FROM drift_reports
		 WHERE tenant_id = $1 AND provider_id = $2 AND resource_id = $3
		   AND drift_type = $4 AND attribute = $5 AND reconciled = false
		 ORDER BY detected_at DESC LIMIT 1`,
		tenantID, providerID, resourceID, dt, attribute)
	if errors.Is(err, sql.ErrNoRows) {
		return DriftReport{}, false, nil
	}
	if err != nil {
		return DriftReport{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) ListDrift(ctx context.Context, q ReportQuery) ([]DriftReport, int, error) {
	where, args := reportFilter(q, "reconciled")
	countQuery := `SELECT COUNT(*) FROM drift_reports` + where
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT * FROM drift_reports` + where + reportOrder(q) + reportPage(q, &args)
	var out []DriftReport
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *sqlStore) SaveConflict(ctx context.Context, c ConflictReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflict_reports (id, tenant_id, provider_id, resource_type, resource_id,
		   conflict_type, canonical_modified, provider_modified, sync_blocked, detected_at,
		   resolved, resolution, resolved_at, resolved_by, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.TenantID, c.ProviderID, c.ResourceType, c.ResourceID,
		c.ConflictType, c.CanonicalModified, c.ProviderModified, c.SyncBlocked, c.DetectedAt,
		c.Resolved, c.Resolution, c.ResolvedAt, c.ResolvedBy, c.Notes)
	return err
}

func (s *sqlStore) GetConflict(ctx context.Context, tenantID, id string) (ConflictReport, error) {
	var c ConflictReport
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM conflict_reports WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictReport{}, ErrReportNotFound
	}
	return c, err
}

func (s *sqlStore) UpdateConflict(ctx context.Context, c ConflictReport) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflict_reports
		 SET resolved = $3, resolution = $4, resolved_at = $5, resolved_by = $6, notes = $7, sync_blocked = $8
		 WHERE id = $1 AND tenant_id = $2`,
		c.ID, c.TenantID, c.Resolved, c.Resolution, c.ResolvedAt, c.ResolvedBy, c.Notes, c.SyncBlocked)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *sqlStore) FindOpenConflict(ctx context.Context, tenantID, providerID, resourceID string, ct ConflictType) (ConflictReport, bool, error) {
	var c ConflictReport
	err := s.db.GetContext(ctx, &c,
		`SELECT * FROM conflict_reports
		 WHERE tenant_id = $1 AND provider_id = $2 AND resource_id = $3
		   AND conflict_type = $4 AND resolved = false
		 ORDER BY detected_at DESC LIMIT 1`,
		tenantID, providerID, resourceID, ct)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictReport{}, false, nil
	}
	if err != nil {
		return ConflictReport{}, false, err
	}
	return c, true, nil
}

func (s *sqlStore) ListConflicts(ctx context.Context, q ReportQuery) ([]ConflictReport, int, error) {
	where, args := reportFilter(q, "resolved")
	countQuery := `SELECT COUNT(*) FROM conflict_reports` + where
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT * FROM conflict_reports` + where + reportOrder(q) + reportPage(q, &args)
	var out []ConflictReport
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *sqlStore) GetState(ctx context.Context, tenantID, providerID string) (State, error) {
	var st State
	err := s.db.GetContext(ctx, &st,
		`SELECT * FROM sync_states WHERE tenant_id = $1 AND provider_id = $2`, tenantID, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return State{TenantID: tenantID, ProviderID: providerID}, nil
	}
	return st, err
}

func (s *sqlStore) SaveState(ctx context.Context, st State) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (tenant_id, provider_id, last_full_sync, last_incremental_sync, cursor, blocked)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, provider_id) DO UPDATE
		 SET last_full_sync = EXCLUDED.last_full_sync,
		     last_incremental_sync = EXCLUDED.last_incremental_sync,
		     cursor = EXCLUDED.cursor,
		     blocked = EXCLUDED.blocked`,
		st.TenantID, st.ProviderID, st.LastFullSync, st.LastIncrement, st.Cursor, st.Blocked)
	return err
}

// reportFilter builds the shared WHERE clause. settledColumn is "reconciled"
// for drift and "resolved" for conflicts.
func reportFilter(q ReportQuery, settledColumn string) (string, []interface{}) {
	clauses := []string{"tenant_id = $1"}
	args := []interface{}{q.TenantID}
	add := func(expr string, val interface{}) {
		args = append(args, val)
		clauses = append(clauses, expr+" $"+strconv.Itoa(len(args)))
	}

	if q.ProviderID != "" {
		add("provider_id =", q.ProviderID)
	}
	if q.ResourceType != "" {
		add("resource_type =", q.ResourceType)
	}
	if q.Severity != "" {
		add("severity =", q.Severity)
	}
	if q.Settled != nil {
		add(settledColumn+" =", *q.Settled)
	}
	if q.StartTime != nil {
		add("detected_at >=", *q.StartTime)
	}
	if q.EndTime != nil {
		add("detected_at <=", *q.EndTime)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func reportOrder(q ReportQuery) string {
	dir := " ASC"
	if strings.EqualFold(q.SortOrder, "descending") || q.SortOrder == "" {
		dir = " DESC"
	}
	switch q.SortBy {
	case "severity":
		return " ORDER BY " + severityCase + dir
	case "resourceType":
		return " ORDER BY resource_type" + dir
	default:
		return " ORDER BY detected_at" + dir
	}
}

func reportPage(q ReportQuery, args *[]interface{}) string {
	out := ""
	if q.Limit > 0 {
		*args = append(*args, q.Limit)
		out += " LIMIT $" + strconv.Itoa(len(*args))
	}
	if q.Offset > 0 {
		*args = append(*args, q.Offset)
		out += " OFFSET $" + strconv.Itoa(len(*args))
	}
	return out
}

// memStore is an in-memory sync store for tests and the dev profile.
type memStore struct {
	mu        gosync.RWMutex
	drift     map[string]DriftReport
	conflicts map[string]ConflictReport
	states    map[string]State
}

// NewMemStore creates an empty in-memory sync store.
func NewMemStore() Store {
	return &memStore{
		drift:     make(map[string]DriftReport),
		conflicts: make(map[string]ConflictReport),
		states:    make(map[string]State),
	}
}

func (s *memStore) SaveDrift(_ context.Context, d DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift[d.ID] = d
	return nil
}

func (s *memStore) GetDrift(_ context.Context, tenantID, id string) (DriftReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drift[id]
	if !ok || d.TenantID != tenantID {
		return DriftReport{}, ErrReportNotFound
	}
	return d, nil
}

func (s *memStore) UpdateDrift(_ context.Context, d DriftReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.drift[d.ID]
	if !ok || existing.TenantID != d.TenantID {
		return ErrReportNotFound
	}
	s.drift[d.ID] = d
	return nil
}

func (s *memStore) FindOpenDrift(_ context.Context, tenantID, providerID, resourceID string, dt DriftType, attribute string) (DriftReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.drift {
		if d.TenantID == tenantID && d.ProviderID == providerID && d.ResourceID == resourceID &&
			d.DriftType == dt && d.Attribute == attribute && !d.Reconciled {
			return d, true, nil
		}
	}
	return DriftReport{}, false, nil
}

func (s *memStore) ListDrift(_ context.Context, q ReportQuery) ([]DriftReport, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DriftReport
	for _, d := range s.drift {
		if matchDrift(d, q) {
			out = append(out, d)
		}
	}
	sortDrift(out, q)
	total := len(out)
	return pageDrift(out, q), total, nil
}

func (s *memStore) SaveConflict(_ context.Context, c ConflictReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c
	return nil
}

func (s *memStore) GetConflict(_ context.Context, tenantID, id string) (ConflictReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok || c.TenantID != tenantID {
		return ConflictReport{}, ErrReportNotFound
	}
	return c, nil
}

func (s *memStore) UpdateConflict(_ context.Context, c ConflictReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conflicts[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return ErrReportNotFound
	}
	s.conflicts[c.ID] = c
	return nil
}

func (s *memStore) FindOpenConflict(_ context.Context, tenantID, providerID, resourceID string, ct ConflictType) (ConflictReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conflicts {
		if c.TenantID == tenantID && c.ProviderID == providerID && c.ResourceID == resourceID &&
			c.ConflictType == ct && !c.Resolved {
			return c, true, nil
		}
	}
	return ConflictReport{}, false, nil
}

func (s *memStore) ListConflicts(_ context.Context, q ReportQuery) ([]ConflictReport, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConflictReport
	for _, c := range s.conflicts {
		if matchConflict(c, q) {
			out = append(out, c)
		}
	}
	sortConflicts(out, q)
	total := len(out)
	return pageConflicts(out, q), total, nil
}

func (s *memStore) GetState(_ context.Context, tenantID, providerID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[tenantID+"/"+providerID]; ok {
		return st, nil
	}
	return State{TenantID: tenantID, ProviderID: providerID}, nil
}

func (s *memStore) SaveState(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.TenantID+"/"+st.ProviderID] = st
	return nil
}

func matchDrift(d DriftReport, q ReportQuery) bool {
	if d.TenantID != q.TenantID {
		return false
	}
	if q.ProviderID != "" && d.ProviderID != q.ProviderID {
		return false
	}
	if q.ResourceType != "" && d.ResourceType != q.ResourceType {
		return false
	}
	if q.Severity != "" && d.Severity != q.Severity {
		return false
	}
	if q.Settled != nil && d.Reconciled != *q.Settled {
		return false
	}
	if q.StartTime != nil && d.DetectedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && d.DetectedAt.After(*q.EndTime) {
		return false
	}
	return true
}

func matchConflict(c ConflictReport, q ReportQuery) bool {
	if c.TenantID != q.TenantID {
		return false
	}
	if q.ProviderID != "" && c.ProviderID != q.ProviderID {
		return false
	}
	if q.ResourceType != "" && c.ResourceType != q.ResourceType {
		return false
	}
	if q.Settled != nil && c.Resolved != *q.Settled {
		return false
	}
	if q.StartTime != nil && c.DetectedAt.Before(*q.StartTime) {
		return false
	}
	if q.EndTime != nil && c.DetectedAt.After(*q.EndTime) {
		return false
	}
	return true
}

func sortDrift(out []DriftReport, q ReportQuery) {
	asc := strings.EqualFold(q.SortOrder, "ascending")
	sort.SliceStable(out, func(a, b int) bool {
		var less bool
		switch q.SortBy {
		case "severity":
			less = severityRank[out[a].Severity] < severityRank[out[b].Severity]
		case "resourceType":
			less = out[a].ResourceType < out[b].ResourceType
		default:
			less = out[a].DetectedAt.Before(out[b].DetectedAt)
		}
		if asc {
			return less
		}
		return !less
	})
}

func sortConflicts(out []ConflictReport, q ReportQuery) {
	asc := strings.EqualFold(q.SortOrder, "ascending")
	sort.SliceStable(out, func(a, b int) bool {
		var less bool
		switch q.SortBy {
		case "resourceType":
			less = out[a].ResourceType < out[b].ResourceType
		default:
			less = out[a].DetectedAt.Before(out[b].DetectedAt)
		}
		if asc {
			return less
		}
		return !less
	})
}

func pageDrift(out []DriftReport, q ReportQuery) []DriftReport {
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func pageConflicts(out []ConflictReport, q ReportQuery) []ConflictReport {
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
