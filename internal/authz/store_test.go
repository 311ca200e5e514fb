package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var errBackend = errors.New("store: connection refused")

// memoryStore is an in-memory Store used across the package tests. Setting
// failing makes every call error, for fail-closed coverage.
type memoryStore struct {
	mu            sync.Mutex
	permissions   map[string]Permission
	roles         map[int64]Role
	grants        map[int64]map[int64]bool
	assignments   []RoleAssignment
	resourcePerms map[string]ResourcePermission
	nextRoleID    int64
	nextPermID    int64
	failing       bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		permissions:   make(map[string]Permission),
		roles:         make(map[int64]Role),
		grants:        make(map[int64]map[int64]bool),
		resourcePerms: make(map[string]ResourcePermission),
	}
}

func (s *memoryStore) addPermission(name string) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPermID++
	p := Permission{ID: s.nextPermID, Name: name, IsSystem: true}
	s.permissions[name] = p
	return p
}

func (s *memoryStore) addRole(name string, organizationID *string, isSystem bool, priority int) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRoleID++
	role := Role{
		ID:             s.nextRoleID,
		Name:           name,
		OrganizationID: organizationID,
		IsSystem:       isSystem,
		IsCustom:       !isSystem,
		Priority:       priority,
	}
	s.roles[role.ID] = role
	return role
}

func (s *memoryStore) grant(roleID, permissionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[roleID] == nil {
		s.grants[roleID] = make(map[int64]bool)
	}
	s.grants[roleID][permissionID] = true
}

func (s *memoryStore) assign(userID string, roleID int64, organizationID string, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, RoleAssignment{
		UserID:         userID,
		RoleID:         roleID,
		RoleName:       s.roles[roleID].Name,
		RolePriority:   s.roles[roleID].Priority,
		OrganizationID: organizationID,
		ExpiresAt:      expiresAt,
	})
}

func resourceKey(userID string, permissionID int64, resourceType, resourceID string) string {
	return fmt.Sprintf("%s:%d:%s:%s", userID, permissionID, resourceType, resourceID)
}

func (s *memoryStore) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Permission{}, errBackend
	}
	p, ok := s.permissions[name]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	var perms []Permission
	for _, n := range names {
		if p, ok := s.permissions[n]; ok {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func (s *memoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Role{}, errBackend
	}
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *memoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Role{}, errBackend
	}
	for _, existing := range s.roles {
		if existing.Name == role.Name && stringPtrEqual(existing.OrganizationID, role.OrganizationID) {
			return Role{}, ErrDuplicateRole
		}
	}
	s.nextRoleID++
	role.ID = s.nextRoleID
	s.roles[role.ID] = role
	return role, nil
}

func (s *memoryStore) UpdateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return Role{}, errBackend
	}
	existing, ok := s.roles[role.ID]
	if !ok {
		return Role{}, ErrNotFound
	}
	for id, other := range s.roles {
		if id != role.ID && other.Name == role.Name && stringPtrEqual(other.OrganizationID, existing.OrganizationID) {
			return Role{}, ErrDuplicateRole
		}
	}
	existing.Name = role.Name
	existing.Description = role.Description
	s.roles[role.ID] = existing
	return existing, nil
}

func (s *memoryStore) DeleteRole(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	delete(s.grants, id)
	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.RoleID != id {
			kept = append(kept, a)
		}
	}
	s.assignments = kept
	return nil
}

func (s *memoryStore) ListOrganizationRoles(ctx context.Context, organizationID string) ([]Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	var roles []Role
	for _, role := range s.roles {
		if role.OrganizationID == nil || *role.OrganizationID == organizationID {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Priority > roles[j].Priority })
	return roles, nil
}

func (s *memoryStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	set := make(map[int64]bool, len(permissionIDs))
	for _, id := range permissionIDs {
		set[id] = true
	}
	s.grants[roleID] = set
	return nil
}

func (s *memoryStore) UpsertRolePermission(ctx context.Context, grant RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	if s.grants[grant.RoleID] == nil {
		s.grants[grant.RoleID] = make(map[int64]bool)
	}
	s.grants[grant.RoleID][grant.PermissionID] = grant.Granted
	return nil
}

func (s *memoryStore) ListRoleGrants(ctx context.Context, roleIDs []int64, permissionID int64) ([]RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	var grants []RolePermission
	for _, roleID := range roleIDs {
		if granted, ok := s.grants[roleID][permissionID]; ok {
			grants = append(grants, RolePermission{RoleID: roleID, PermissionID: permissionID, Granted: granted})
		}
	}
	return grants, nil
}

func (s *memoryStore) ListGrantedPermissionNames(ctx context.Context, roleIDs []int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	byID := make(map[int64]string, len(s.permissions))
	for name, p := range s.permissions {
		byID[p.ID] = name
	}
	seen := make(map[string]struct{})
	var names []string
	for _, roleID := range roleIDs {
		for permID, granted := range s.grants[roleID] {
			if !granted {
				continue
			}
			name := byID[permID]
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *memoryStore) CreateAssignment(ctx context.Context, assignment RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	role, ok := s.roles[assignment.RoleID]
	if !ok {
		return ErrNotFound
	}
	assignment.RoleName = role.Name
	assignment.RolePriority = role.Priority
	for i, existing := range s.assignments {
		if existing.UserID == assignment.UserID && existing.RoleID == assignment.RoleID && existing.OrganizationID == assignment.OrganizationID {
			s.assignments[i] = assignment
			return nil
		}
	}
	s.assignments = append(s.assignments, assignment)
	return nil
}

func (s *memoryStore) DeleteAssignment(ctx context.Context, userID string, roleID int64, organizationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	for i, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.OrganizationID == organizationID {
			s.assignments = append(s.assignments[:i], s.assignments[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) ListActiveAssignments(ctx context.Context, userID, organizationID string, now time.Time) ([]RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	var active []RoleAssignment
	for _, a := range s.assignments {
		if a.UserID != userID || a.OrganizationID != organizationID {
			continue
		}
		if !a.ActiveAt(now) {
			continue
		}
		active = append(active, a)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].RolePriority > active[j].RolePriority })
	return active, nil
}

func (s *memoryStore) ListUserRoles(ctx context.Context, userID, organizationID string, now time.Time) ([]Role, error) {
	assignments, err := s.ListActiveAssignments(ctx, userID, organizationID, now)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var roles []Role
	for _, a := range assignments {
		roles = append(roles, s.roles[a.RoleID])
	}
	return roles, nil
}

func (s *memoryStore) ListRoleHolders(ctx context.Context, roleID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackend
	}
	seen := make(map[string]struct{})
	var holders []string
	for _, a := range s.assignments {
		if a.RoleID != roleID {
			continue
		}
		if _, dup := seen[a.UserID]; dup {
			continue
		}
		seen[a.UserID] = struct{}{}
		holders = append(holders, a.UserID)
	}
	return holders, nil
}

func (s *memoryStore) UpsertResourcePermission(ctx context.Context, rp ResourcePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	s.resourcePerms[resourceKey(rp.UserID, rp.PermissionID, rp.ResourceType, rp.ResourceID)] = rp
	return nil
}

func (s *memoryStore) DeleteResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackend
	}
	key := resourceKey(userID, permissionID, resourceType, resourceID)
	if _, ok := s.resourcePerms[key]; !ok {
		return ErrNotFound
	}
	delete(s.resourcePerms, key)
	return nil
}

func (s *memoryStore) GetResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) (ResourcePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ResourcePermission{}, errBackend
	}
	rp, ok := s.resourcePerms[resourceKey(userID, permissionID, resourceType, resourceID)]
	if !ok {
		return ResourcePermission{}, ErrNotFound
	}
	return rp, nil
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
