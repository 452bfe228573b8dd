// Package directory owns the canonical, tenant-scoped SCIM resource store
// and the service/HTTP surface that operates on it.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/scim/filter"
)

// MaxPageSize is the hard ceiling on list page sizes; larger requests are
// clamped, negative ones rejected by the handler.
const MaxPageSize = 1000

var (
	// ErrNotFound is returned when a resource does not exist in the tenant.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionConflict is returned when a conditional write lost the race.
	ErrVersionConflict = errors.New("resource version conflict")
)

// ListParams carries the repository-level query shape. Filter evaluation is
// the repository's responsibility; the parser hands over a pure tree.
type ListParams struct {
	Filter     filter.Expr
	StartIndex int // 1-based
	Count      int
	SortBy     string
	SortOrder  string // ascending (default) or descending
}

// Store is the tenant-scoped persistence contract for users and groups.
// Every operation takes the tenant as a first-class parameter; backing
// implementations must partition by it.
type Store interface {
	CreateUser(ctx context.Context, tenantID string, u scim.User) error
	GetUser(ctx context.Context, tenantID, id string) (scim.User, error)
	ListUsers(ctx context.Context, tenantID string, p ListParams) ([]scim.User, int, error)
	// UpdateUser performs a conditional write: it succeeds only while the
	// stored version still equals expectedVersion.
	UpdateUser(ctx context.Context, tenantID string, u scim.User, expectedVersion string) error
	DeleteUser(ctx context.Context, tenantID, id string) error
	// UserNameExists checks case-insensitive uniqueness, optionally skipping
	// one id for update-in-place.
	UserNameExists(ctx context.Context, tenantID, userName, excludeID string) (bool, error)

	CreateGroup(ctx context.Context, tenantID string, g scim.Group) error
	GetGroup(ctx context.Context, tenantID, id string) (scim.Group, error)
	ListGroups(ctx context.Context, tenantID string, p ListParams) ([]scim.Group, int, error)
	UpdateGroup(ctx context.Context, tenantID string, g scim.Group, expectedVersion string) error
	DeleteGroup(ctx context.Context, tenantID, id string) error
	DisplayNameExists(ctx context.Context, tenantID, displayName, excludeID string) (bool, error)
}

// sqlStore is the Postgres-backed store. Resources are stored as JSONB with
// the tenant id and uniqueness columns extracted; (tenant_id, id) is the
// primary key on both tables.
type sqlStore struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed store.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

type resourceRow struct {
	TenantID     string    `db:"tenant_id"`
	ID           string    `db:"id"`
	UniqueName   string    `db:"unique_name"`
	Version      string    `db:"version"`
	Created      time.Time `db:"created"`
	LastModified time.Time `db:"last_modified"`
	Document     []byte    `db:"document"`
}

func (s *sqlStore) CreateUser(ctx context.Context, tenantID string, u scim.User) error {
	return s.create(ctx, "scim_users", tenantID, u.ID, strings.ToLower(u.UserName), u.Meta, u)
}

func (s *sqlStore) CreateGroup(ctx context.Context, tenantID string, g scim.Group) error {
	return s.create(ctx, "scim_groups", tenantID, g.ID, strings.ToLower(g.DisplayName), g.Meta, g)
}

func (s *sqlStore) create(ctx context.Context, table, tenantID, id, uniqueName string, meta scim.Meta, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant_id, id, unique_name, version, created, last_modified, document)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, table),
		tenantID, id, uniqueName, meta.Version, meta.Created, meta.LastModified, raw)
	if err != nil {
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, tenantID, id string) (scim.User, error) {
	var u scim.User
	if err := s.get(ctx, "scim_users", tenantID, id, &u); err != nil {
		return scim.User{}, err
	}
	return u, nil
}

func (s *sqlStore) GetGroup(ctx context.Context, tenantID, id string) (scim.Group, error) {
	var g scim.Group
	if err := s.get(ctx, "scim_groups", tenantID, id, &g); err != nil {
		return scim.Group{}, err
	}
	return g, nil
}

func (s *sqlStore) get(ctx context.Context, table, tenantID, id string, out interface{}) error {
	var row resourceRow
	err := s.db.GetContext(ctx, &row,
		fmt.Sprintf(`SELECT * FROM %s WHERE tenant_id = $1 AND id = $2`, table), tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(row.Document, out)
}

func (s *sqlStore) ListUsers(ctx context.Context, tenantID string, p ListParams) ([]scim.User, int, error) {
	rows, err := s.listRows(ctx, "scim_users", tenantID)
	if err != nil {
		return nil, 0, err
	}
	var users []scim.User
	for _, row := range rows {
		var u scim.User
		if err := json.Unmarshal(row.Document, &u); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return pageUsers(users, p)
}

func (s *sqlStore) ListGroups(ctx context.Context, tenantID string, p ListParams) ([]scim.Group, int, error) {
	rows, err := s.listRows(ctx, "scim_groups", tenantID)
	if err != nil {
		return nil, 0, err
	}
	var groups []scim.Group
	for _, row := range rows {
		var g scim.Group
		if err := json.Unmarshal(row.Document, &g); err != nil {
			return nil, 0, err
		}
		groups = append(groups, g)
	}
	return pageGroups(groups, p)
}

func (s *sqlStore) listRows(ctx context.Context, table, tenantID string) ([]resourceRow, error) {
	var rows []resourceRow
	err := s.db.SelectContext(ctx, &rows,
		fmt.Sprintf(`SELECT * FROM %s WHERE tenant_id = $1 ORDER BY created`, table), tenantID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *sqlStore) UpdateUser(ctx context.Context, tenantID string, u scim.User, expectedVersion string) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}
	return s.update(ctx, "scim_users", tenantID, u.ID, strings.ToLower(u.UserName), u.Meta, raw, expectedVersion)
}

func (s *sqlStore) UpdateGroup(ctx context.Context, tenantID string, g scim.Group, expectedVersion string) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal resource: %w", err)
	}
	return s.update(ctx, "scim_groups", tenantID, g.ID, strings.ToLower(g.DisplayName), g.Meta, raw, expectedVersion)
}

func (s *sqlStore) update(ctx context.Context, table, tenantID, id, uniqueName string, meta scim.Meta, raw []byte, expectedVersion string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET unique_name = $1, version = $2, last_modified = $3, document = $4
		 WHERE tenant_id = $5 AND id = $6 AND version = $7`, table),
		uniqueName, meta.Version, meta.LastModified, raw, tenantID, id, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either gone or a lost race; disambiguate for the caller.
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = $1 AND id = $2)`, table),
			tenantID, id); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *sqlStore) DeleteUser(ctx context.Context, tenantID, id string) error {
	return s.delete(ctx, "scim_users", tenantID, id)
}

func (s *sqlStore) DeleteGroup(ctx context.Context, tenantID, id string) error {
	return s.delete(ctx, "scim_groups", tenantID, id)
}

func (s *sqlStore) delete(ctx context.Context, table, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND id = $2`, table), tenantID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UserNameExists(ctx context.Context, tenantID, userName, excludeID string) (bool, error) {
	return s.uniqueExists(ctx, "scim_users", tenantID, userName, excludeID)
}

func (s *sqlStore) DisplayNameExists(ctx context.Context, tenantID, displayName, excludeID string) (bool, error) {
	return s.uniqueExists(ctx, "scim_groups", tenantID, displayName, excludeID)
}

func (s *sqlStore) uniqueExists(ctx context.Context, table, tenantID, name, excludeID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = $1 AND unique_name = $2 AND id <> $3)`, table),
		tenantID, strings.ToLower(name), excludeID)
	return exists, err
}

// ---- shared filter/sort/page evaluation ----

func pageUsers(users []scim.User, p ListParams) ([]scim.User, int, error) {
	docs := make([]map[string]interface{}, len(users))
	for i, u := range users {
		d, err := scim.ToDoc(u)
		if err != nil {
			return nil, 0, err
		}
		docs[i] = d
	}
	idx, err := evaluate(docs, p)
	if err != nil {
		return nil, 0, err
	}
	total := len(idx)
	idx = slice(idx, p)
	out := make([]scim.User, 0, len(idx))
	for _, i := range idx {
		out = append(out, users[i])
	}
	return out, total, nil
}

func pageGroups(groups []scim.Group, p ListParams) ([]scim.Group, int, error) {
	docs := make([]map[string]interface{}, len(groups))
	for i, g := range groups {
		d, err := scim.ToDoc(g)
		if err != nil {
			return nil, 0, err
		}
		docs[i] = d
	}
	idx, err := evaluate(docs, p)
	if err != nil {
		return nil, 0, err
	}
	total := len(idx)
	idx = slice(idx, p)
	out := make([]scim.Group, 0, len(idx))
	for _, i := range idx {
		out = append(out, groups[i])
	}
	return out, total, nil
}

// evaluate applies the filter tree and sort order over the generic document
// forms, returning the surviving indices in order.
func evaluate(docs []map[string]interface{}, p ListParams) ([]int, error) {
	var idx []int
	for i, d := range docs {
		if p.Filter == nil || filter.Matches(p.Filter, d) {
			idx = append(idx, i)
		}
	}
	if p.SortBy != "" {
		key := func(i int) string {
			return sortValue(docs[i], p.SortBy)
		}
		sort.SliceStable(idx, func(a, b int) bool {
			if strings.EqualFold(p.SortOrder, "descending") {
				return key(idx[a]) > key(idx[b])
			}
			return key(idx[a]) < key(idx[b])
		})
	}
	return idx, nil
}

func sortValue(doc map[string]interface{}, sortBy string) string {
	var cur interface{} = doc
	for _, seg := range strings.Split(sortBy, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = nil
		for k, v := range m {
			if strings.EqualFold(k, seg) {
				cur = v
				break
			}
		}
	}
	if s, ok := cur.(string); ok {
		return strings.ToLower(s)
	}
	return fmt.Sprintf("%v", cur)
}

func slice(idx []int, p ListParams) []int {
	start := p.StartIndex
	if start < 1 {
		start = 1
	}
	offset := start - 1
	if offset >= len(idx) {
		return nil
	}
	count := p.Count
	if count > MaxPageSize {
		count = MaxPageSize
	}
	end := offset + count
	if end > len(idx) {
		end = len(idx)
	}
	return idx[offset:end]
}
