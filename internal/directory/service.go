package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/etag"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/internal/scim/filter"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// DefaultPageSize is the item count served when the caller does not ask for
// one.
const DefaultPageSize = 100

// ListQuery is the HTTP-level list shape before it is compiled into
// repository ListParams.
type ListQuery struct {
	Filter     string
	StartIndex *int // nil means unspecified
	Count      *int // nil means unspecified
	SortBy     string
	SortOrder  string
}

// Hooks receives successful mutations for downstream propagation. Calls
// happen after the canonical write commits; implementations must not block.
type Hooks interface {
	UserSaved(tenantID string, u scim.User, created bool)
	UserDeleted(tenantID, id string)
	GroupSaved(tenantID string, old *scim.Group, g scim.Group, created bool)
}

// Service implements the SCIM resource semantics over a Store: validation,
// uniqueness, version management and PATCH application.
type Service struct {
	store  Store
	hooks  Hooks
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a directory service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// SetHooks attaches the downstream propagation hooks.
func (s *Service) SetHooks(h Hooks) { s.hooks = h }

func (s *Service) compileQuery(q ListQuery) (ListParams, error) {
	p := ListParams{
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
	}
	switch {
	case q.StartIndex == nil:
		p.StartIndex = 1
	case *q.StartIndex < 1:
		return ListParams{}, scimerr.BadValue("startIndex must be 1 or greater")
	default:
		p.StartIndex = *q.StartIndex
	}
	switch {
	case q.Count == nil:
		p.Count = DefaultPageSize
	case *q.Count < 0:
		return ListParams{}, scimerr.BadValue("count must not be negative")
	case *q.Count > MaxPageSize:
		p.Count = MaxPageSize
	default:
		p.Count = *q.Count
	}
	if q.Filter != "" {
		expr, err := filter.Parse(q.Filter)
		if err != nil {
			return ListParams{}, scimerr.BadFilter(err.Error())
		}
		p.Filter = expr
	}
	return p, nil
}

func (s *Service) stamp(meta *scim.Meta, resourceType string, created *time.Time) {
	now := s.now().UTC().Truncate(time.Millisecond)
	meta.ResourceType = resourceType
	if created != nil {
		meta.Created = created
	} else {
		meta.Created = &now
	}
	meta.LastModified = &now
	meta.Version = etag.New()
}

// CreateUser validates and persists a new user.
func (s *Service) CreateUser(ctx context.Context, tenantID string, u scim.User) (scim.User, error) {
	if problems := scim.ValidateUser(u); len(problems) > 0 {
		return scim.User{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	exists, err := s.store.UserNameExists(ctx, tenantID, u.UserName, "")
	if err != nil {
		return scim.User{}, scimerr.Internal(err)
	}
	if exists {
		return scim.User{}, scimerr.Uniqueness(fmt.Sprintf("userName %q is already taken", u.UserName))
	}

	u.ID = uuid.NewString()
	s.stamp(&u.Meta, "User", nil)
	if err := s.store.CreateUser(ctx, tenantID, u); err != nil {
		return scim.User{}, scimerr.Internal(err)
	}
	s.logger.Info("User created",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", u.ID))
	if s.hooks != nil {
		s.hooks.UserSaved(tenantID, u, true)
	}
	return u, nil
}

// GetUser fetches a user by id within the tenant.
func (s *Service) GetUser(ctx context.Context, tenantID, id string) (scim.User, error) {
	u, err := s.store.GetUser(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return scim.User{}, scimerr.NotFound(id)
		}
		return scim.User{}, scimerr.Internal(err)
	}
	return u, nil
}

// ListUsers compiles the query and pages through the tenant's users.
func (s *Service) ListUsers(ctx context.Context, tenantID string, q ListQuery) ([]scim.User, int, int, error) {
	p, err := s.compileQuery(q)
	if err != nil {
		return nil, 0, 0, err
	}
	users, total, err := s.store.ListUsers(ctx, tenantID, p)
	if err != nil {
		return nil, 0, 0, scimerr.Internal(err)
	}
	return users, total, p.StartIndex, nil
}

// ReplaceUser performs a full PUT replace under optimistic concurrency.
func (s *Service) ReplaceUser(ctx context.Context, tenantID, id string, u scim.User, ifMatch string) (scim.User, error) {
	current, err := s.GetUser(ctx, tenantID, id)
	if err != nil {
		return scim.User{}, err
	}
	if u.ID != "" && u.ID != id {
		return scim.User{}, scimerr.BadValue("id in the body does not match the URL")
	}
	if err := etag.Validate(ifMatch, current.Meta.Version); err != nil {
		return scim.User{}, scimerr.PreconditionFailed()
	}
	if problems := scim.ValidateUser(u); len(problems) > 0 {
		return scim.User{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	if !strings.EqualFold(u.UserName, current.UserName) {
		exists, err := s.store.UserNameExists(ctx, tenantID, u.UserName, id)
		if err != nil {
			return scim.User{}, scimerr.Internal(err)
		}
		if exists {
			return scim.User{}, scimerr.Uniqueness(fmt.Sprintf("userName %q is already taken", u.UserName))
		}
	}

	u.ID = id
	s.stamp(&u.Meta, "User", current.Meta.Created)
	if err := s.writeUser(ctx, tenantID, u, current.Meta.Version); err != nil {
		return scim.User{}, err
	}
	if s.hooks != nil {
		s.hooks.UserSaved(tenantID, u, false)
	}
	return u, nil
}

// PatchUser applies a SCIM PatchOp under optimistic concurrency. The
// operation list is all-or-nothing; a failed operation leaves the resource
// untouched.
func (s *Service) PatchUser(ctx context.Context, tenantID, id string, req scim.PatchRequest, ifMatch string) (scim.User, error) {
	if err := checkPatchEnvelope(req); err != nil {
		return scim.User{}, err
	}
	current, err := s.GetUser(ctx, tenantID, id)
	if err != nil {
		return scim.User{}, err
	}
	if err := etag.Validate(ifMatch, current.Meta.Version); err != nil {
		return scim.User{}, scimerr.PreconditionFailed()
	}

	patched, err := scim.PatchUser(current, req.Operations)
	if err != nil {
		return scim.User{}, err
	}
	if problems := scim.ValidateUser(patched); len(problems) > 0 {
		return scim.User{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	if !strings.EqualFold(patched.UserName, current.UserName) {
		exists, err := s.store.UserNameExists(ctx, tenantID, patched.UserName, id)
		if err != nil {
			return scim.User{}, scimerr.Internal(err)
		}
		if exists {
			return scim.User{}, scimerr.Uniqueness(fmt.Sprintf("userName %q is already taken", patched.UserName))
		}
	}

	s.stamp(&patched.Meta, "User", current.Meta.Created)
	if err := s.writeUser(ctx, tenantID, patched, current.Meta.Version); err != nil {
		return scim.User{}, err
	}
	if s.hooks != nil {
		s.hooks.UserSaved(tenantID, patched, false)
	}
	return patched, nil
}

func (s *Service) writeUser(ctx context.Context, tenantID string, u scim.User, expectedVersion string) error {
	err := s.store.UpdateUser(ctx, tenantID, u, expectedVersion)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return scimerr.PreconditionFailed()
	case errors.Is(err, ErrNotFound):
		return scimerr.NotFound(u.ID)
	default:
		return scimerr.Internal(err)
	}
}

// DeleteUser removes a user. Deleting a missing user is a 404, not a no-op.
func (s *Service) DeleteUser(ctx context.Context, tenantID, id string) error {
	err := s.store.DeleteUser(ctx, tenantID, id)
	switch {
	case err == nil:
		s.logger.Info("User deleted",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", id))
		if s.hooks != nil {
			s.hooks.UserDeleted(tenantID, id)
		}
		return nil
	case errors.Is(err, ErrNotFound):
		return scimerr.NotFound(id)
	default:
		return scimerr.Internal(err)
	}
}

// CreateGroup validates and persists a new group.
func (s *Service) CreateGroup(ctx context.Context, tenantID string, g scim.Group) (scim.Group, error) {
	if problems := scim.ValidateGroup(g); len(problems) > 0 {
		return scim.Group{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	exists, err := s.store.DisplayNameExists(ctx, tenantID, g.DisplayName, "")
	if err != nil {
		return scim.Group{}, scimerr.Internal(err)
	}
	if exists {
		return scim.Group{}, scimerr.Uniqueness(fmt.Sprintf("displayName %q is already taken", g.DisplayName))
	}

	g.ID = uuid.NewString()
	g.DedupeMembers()
	s.stamp(&g.Meta, "Group", nil)
	if err := s.store.CreateGroup(ctx, tenantID, g); err != nil {
		return scim.Group{}, scimerr.Internal(err)
	}
	s.logger.Info("Group created",
		zap.String("tenant_id", tenantID),
		zap.String("group_id", g.ID))
	if s.hooks != nil {
		s.hooks.GroupSaved(tenantID, nil, g, true)
	}
	return g, nil
}

// GetGroup fetches a group by id within the tenant.
func (s *Service) GetGroup(ctx context.Context, tenantID, id string) (scim.Group, error) {
	g, err := s.store.GetGroup(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return scim.Group{}, scimerr.NotFound(id)
		}
		return scim.Group{}, scimerr.Internal(err)
	}
	return g, nil
}

// ListGroups compiles the query and pages through the tenant's groups.
func (s *Service) ListGroups(ctx context.Context, tenantID string, q ListQuery) ([]scim.Group, int, int, error) {
	p, err := s.compileQuery(q)
	if err != nil {
		return nil, 0, 0, err
	}
	groups, total, err := s.store.ListGroups(ctx, tenantID, p)
	if err != nil {
		return nil, 0, 0, scimerr.Internal(err)
	}
	return groups, total, p.StartIndex, nil
}

// ReplaceGroup performs a full PUT replace under optimistic concurrency.
func (s *Service) ReplaceGroup(ctx context.Context, tenantID, id string, g scim.Group, ifMatch string) (scim.Group, error) {
	current, err := s.GetGroup(ctx, tenantID, id)
	if err != nil {
		return scim.Group{}, err
	}
	if g.ID != "" && g.ID != id {
		return scim.Group{}, scimerr.BadValue("id in the body does not match the URL")
	}
	if err := etag.Validate(ifMatch, current.Meta.Version); err != nil {
		return scim.Group{}, scimerr.PreconditionFailed()
	}
	if problems := scim.ValidateGroup(g); len(problems) > 0 {
		return scim.Group{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	if !strings.EqualFold(g.DisplayName, current.DisplayName) {
		exists, err := s.store.DisplayNameExists(ctx, tenantID, g.DisplayName, id)
		if err != nil {
			return scim.Group{}, scimerr.Internal(err)
		}
		if exists {
			return scim.Group{}, scimerr.Uniqueness(fmt.Sprintf("displayName %q is already taken", g.DisplayName))
		}
	}

	g.ID = id
	g.DedupeMembers()
	s.stamp(&g.Meta, "Group", current.Meta.Created)
	if err := s.writeGroup(ctx, tenantID, g, current.Meta.Version); err != nil {
		return scim.Group{}, err
	}
	if s.hooks != nil {
		s.hooks.GroupSaved(tenantID, &current, g, false)
	}
	return g, nil
}

// PatchGroup applies a SCIM PatchOp to a group. Membership operations keep
// set semantics: adding an existing member is a no-op, removing an absent one
// succeeds.
func (s *Service) PatchGroup(ctx context.Context, tenantID, id string, req scim.PatchRequest, ifMatch string) (scim.Group, error) {
	if err := checkPatchEnvelope(req); err != nil {
		return scim.Group{}, err
	}
	current, err := s.GetGroup(ctx, tenantID, id)
	if err != nil {
		return scim.Group{}, err
	}
	if err := etag.Validate(ifMatch, current.Meta.Version); err != nil {
		return scim.Group{}, scimerr.PreconditionFailed()
	}

	patched, err := scim.PatchGroup(current, req.Operations)
	if err != nil {
		return scim.Group{}, err
	}
	if problems := scim.ValidateGroup(patched); len(problems) > 0 {
		return scim.Group{}, scimerr.BadValue(strings.Join(problems, "; "))
	}
	if !strings.EqualFold(patched.DisplayName, current.DisplayName) {
		exists, err := s.store.DisplayNameExists(ctx, tenantID, patched.DisplayName, id)
		if err != nil {
			return scim.Group{}, scimerr.Internal(err)
		}
		if exists {
			return scim.Group{}, scimerr.Uniqueness(fmt.Sprintf("displayName %q is already taken", patched.DisplayName))
		}
	}

	s.stamp(&patched.Meta, "Group", current.Meta.Created)
	if err := s.writeGroup(ctx, tenantID, patched, current.Meta.Version); err != nil {
		return scim.Group{}, err
	}
	if s.hooks != nil {
		s.hooks.GroupSaved(tenantID, &current, patched, false)
	}
	return patched, nil
}

func (s *Service) writeGroup(ctx context.Context, tenantID string, g scim.Group, expectedVersion string) error {
	err := s.store.UpdateGroup(ctx, tenantID, g, expectedVersion)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return scimerr.PreconditionFailed()
	case errors.Is(err, ErrNotFound):
		return scimerr.NotFound(g.ID)
	default:
		return scimerr.Internal(err)
	}
}

// DeleteGroup removes a group.
func (s *Service) DeleteGroup(ctx context.Context, tenantID, id string) error {
	err := s.store.DeleteGroup(ctx, tenantID, id)
	switch {
	case err == nil:
		s.logger.Info("Group deleted",
			zap.String("tenant_id", tenantID),
			zap.String("group_id", id))
		return nil
	case errors.Is(err, ErrNotFound):
		return scimerr.NotFound(id)
	default:
		return scimerr.Internal(err)
	}
}

func checkPatchEnvelope(req scim.PatchRequest) error {
	has := false
	for _, s := range req.Schemas {
		if s == scim.PatchSchema {
			has = true
			break
		}
	}
	if !has {
		return scimerr.BadSyntax("PATCH body must declare the PatchOp schema")
	}
	if len(req.Operations) == 0 {
		return scimerr.BadValue("PATCH body must contain at least one operation")
	}
	return nil
}
