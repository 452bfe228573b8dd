package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dhawalhost/scimgate/internal/scim"
)

// memStore is an in-memory Store used by tests and the dev profile. Data is
// partitioned per tenant, mirroring the Postgres layout.
type memStore struct {
	mu     sync.RWMutex
	users  map[string]map[string]scim.User  // tenant -> id -> user
	groups map[string]map[string]scim.Group // tenant -> id -> group
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() Store {
	return &memStore{
		users:  make(map[string]map[string]scim.User),
		groups: make(map[string]map[string]scim.Group),
	}
}

func (s *memStore) CreateUser(_ context.Context, tenantID string, u scim.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[tenantID] == nil {
		s.users[tenantID] = make(map[string]scim.User)
	}
	s.users[tenantID][u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, tenantID, id string) (scim.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[tenantID][id]
	if !ok {
		return scim.User{}, ErrNotFound
	}
	return u, nil
}

func (s *memStore) ListUsers(_ context.Context, tenantID string, p ListParams) ([]scim.User, int, error) {
	s.mu.RLock()
	users := make([]scim.User, 0, len(s.users[tenantID]))
	for _, u := range s.users[tenantID] {
		users = append(users, u)
	}
	s.mu.RUnlock()
	sortByCreated(users)
	return pageUsers(users, p)
}

func (s *memStore) UpdateUser(_ context.Context, tenantID string, u scim.User, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[tenantID][u.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Meta.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.users[tenantID][u.ID] = u
	return nil
}

func (s *memStore) DeleteUser(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[tenantID][id]; !ok {
		return ErrNotFound
	}
	delete(s.users[tenantID], id)
	return nil
}

func (s *memStore) UserNameExists(_ context.Context, tenantID, userName, excludeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, u := range s.users[tenantID] {
		if id != excludeID && strings.EqualFold(u.UserName, userName) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CreateGroup(_ context.Context, tenantID string, g scim.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[tenantID] == nil {
		s.groups[tenantID] = make(map[string]scim.Group)
	}
	s.groups[tenantID][g.ID] = g
	return nil
}

func (s *memStore) GetGroup(_ context.Context, tenantID, id string) (scim.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[tenantID][id]
	if !ok {
		return scim.Group{}, ErrNotFound
	}
	return g, nil
}

func (s *memStore) ListGroups(_ context.Context, tenantID string, p ListParams) ([]scim.Group, int, error) {
	s.mu.RLock()
	groups := make([]scim.Group, 0, len(s.groups[tenantID]))
	for _, g := range s.groups[tenantID] {
		groups = append(groups, g)
	}
	s.mu.RUnlock()
	sortGroupsByCreated(groups)
	return pageGroups(groups, p)
}

func (s *memStore) UpdateGroup(_ context.Context, tenantID string, g scim.Group, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.groups[tenantID][g.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Meta.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.groups[tenantID][g.ID] = g
	return nil
}

func (s *memStore) DeleteGroup(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[tenantID][id]; !ok {
		return ErrNotFound
	}
	delete(s.groups[tenantID], id)
	return nil
}

func (s *memStore) DisplayNameExists(_ context.Context, tenantID, displayName, excludeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, g := range s.groups[tenantID] {
		if id != excludeID && strings.EqualFold(g.DisplayName, displayName) {
			return true, nil
		}
	}
	return false, nil
}

func sortByCreated(users []scim.User) {
	sort.SliceStable(users, func(a, b int) bool {
		ta, tb := users[a].Meta.Created, users[b].Meta.Created
		if ta == nil || tb == nil || ta.Equal(*tb) {
			return users[a].ID < users[b].ID
		}
		return ta.Before(*tb)
	})
}

func sortGroupsByCreated(groups []scim.Group) {
	sort.SliceStable(groups, func(a, b int) bool {
		ta, tb := groups[a].Meta.Created, groups[b].Meta.Created
		if ta == nil || tb == nil || ta.Equal(*tb) {
			return groups[a].ID < groups[b].ID
		}
		return ta.Before(*tb)
	})
}
