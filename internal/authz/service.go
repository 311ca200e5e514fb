package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/voxlane/voxlane-access/internal/audit"
)

// Evictor removes cached authorization state for users. The mutation API
// calls it synchronously: by the time a mutation returns, every affected
// user's cached decisions are gone.
type Evictor interface {
	EvictUser(ctx context.Context, userID string) error
	EvictUsers(ctx context.Context, userIDs []string) error
}

// Priority assigned to organization-created custom roles. System role
// priorities come from the catalog.
const customRolePriority = 50

// Audit actions recorded by the mutation API.
const (
	actionRoleAssign      = "role.assign"
	actionRoleRevoke      = "role.revoke"
	actionRoleCreate      = "role.create"
	actionRoleUpdate      = "role.update"
	actionRoleReplace     = "role.permissions.replace"
	actionRoleDelete      = "role.delete"
	actionResourceGrant   = "resource_permission.grant"
	actionResourceRevoke  = "resource_permission.revoke"
)

// Service is the mutation API over authorization state. Every mutation runs
// the store write, then synchronous cache eviction for the affected users,
// then an audit append. Audit failure never fails the mutation.
type Service struct {
	store   Store
	evictor Evictor
	auditor audit.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service with explicit dependencies.
func NewService(store Store, evictor Evictor, auditor audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		evictor: evictor,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

// AssignRole binds the user to a role within the organization, optionally
// time-bounded via expiresAt.
func (s *Service) AssignRole(ctx context.Context, userID string, roleID int64, organizationID, assignedBy string, expiresAt *time.Time) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OrganizationID != nil && *role.OrganizationID != organizationID {
		return ErrNotFound
	}
	if err := s.store.CreateAssignment(ctx, RoleAssignment{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: organizationID,
		AssignedBy:     assignedBy,
		ExpiresAt:      expiresAt,
	}); err != nil {
		return err
	}
	if err := s.evictor.EvictUser(ctx, userID); err != nil {
		return err
	}
	meta := map[string]any{"role_id": roleID, "role_name": role.Name, "user_id": userID}
	if expiresAt != nil {
		meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
	}
	s.record(ctx, assignedBy, organizationID, actionRoleAssign, "role_assignment", assignmentEntityID(userID, roleID), meta)
	return nil
}

// RevokeRole removes the user's assignment by row deletion.
func (s *Service) RevokeRole(ctx context.Context, userID string, roleID int64, organizationID, revokedBy string) error {
	if err := s.store.DeleteAssignment(ctx, userID, roleID, organizationID); err != nil {
		return err
	}
	if err := s.evictor.EvictUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, revokedBy, organizationID, actionRoleRevoke, "role_assignment", assignmentEntityID(userID, roleID), map[string]any{
		"role_id": roleID,
		"user_id": userID,
	})
	return nil
}

// CreateCustomRole creates an organization-scoped role carrying the given
// permission grants. Unknown permission names are rejected before any write.
func (s *Service) CreateCustomRole(ctx context.Context, organizationID, name, description string, permissionNames []string, createdBy string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("authz: role name required")
	}
	perms, err := s.resolvePermissionNames(ctx, permissionNames)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.CreateRole(ctx, Role{
		Name:           name,
		Description:    strings.TrimSpace(description),
		OrganizationID: &organizationID,
		IsSystem:       false,
		IsCustom:       true,
		Priority:       customRolePriority,
	})
	if err != nil {
		return Role{}, err
	}
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	if err := s.store.ReplaceRolePermissions(ctx, role.ID, ids); err != nil {
		return Role{}, err
	}
	// A new role has no holders, so there is nothing to evict.
	s.record(ctx, createdBy, organizationID, actionRoleCreate, "role", strconv.FormatInt(role.ID, 10), map[string]any{
		"name":        role.Name,
		"permissions": permissionNames,
	})
	return role, nil
}

// UpdateRole renames a custom role or rewrites its description. System roles
// are rejected before any store write. Holders are evicted because cached
// decision reasons carry the role name.
func (s *Service) UpdateRole(ctx context.Context, roleID int64, name, description, updatedBy, organizationID string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("authz: role name required")
	}
	if _, err := s.guardMutableRole(ctx, roleID, organizationID); err != nil {
		return Role{}, err
	}
	role, err := s.store.UpdateRole(ctx, Role{ID: roleID, Name: name, Description: strings.TrimSpace(description)})
	if err != nil {
		return Role{}, err
	}
	if err := s.evictRoleHolders(ctx, roleID); err != nil {
		return Role{}, err
	}
	s.record(ctx, updatedBy, organizationID, actionRoleUpdate, "role", strconv.FormatInt(roleID, 10), map[string]any{
		"name": role.Name,
	})
	return role, nil
}

// UpdateRolePermissions replaces the role's grant set. Replacing, not
// merging: permissions absent from the new set are revoked. System roles are
// rejected before any store write.
func (s *Service) UpdateRolePermissions(ctx context.Context, roleID int64, permissionNames []string, updatedBy, organizationID string) error {
	role, err := s.guardMutableRole(ctx, roleID, organizationID)
	if err != nil {
		return err
	}
	perms, err := s.resolvePermissionNames(ctx, permissionNames)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	if err := s.evictRoleHolders(ctx, roleID); err != nil {
		return err
	}
	s.record(ctx, updatedBy, organizationID, actionRoleReplace, "role", strconv.FormatInt(roleID, 10), map[string]any{
		"name":        role.Name,
		"permissions": permissionNames,
	})
	return nil
}

// DeleteRole removes a custom role; grants and assignments cascade. System
// roles are rejected before any store write.
func (s *Service) DeleteRole(ctx context.Context, roleID int64, deletedBy, organizationID string) error {
	role, err := s.guardMutableRole(ctx, roleID, organizationID)
	if err != nil {
		return err
	}
	holders, err := s.store.ListRoleHolders(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.evictor.EvictUsers(ctx, holders); err != nil {
		return err
	}
	s.record(ctx, deletedBy, organizationID, actionRoleDelete, "role", strconv.FormatInt(roleID, 10), map[string]any{
		"name": role.Name,
	})
	return nil
}

// GrantResourcePermission writes a per-object override for the user. The
// granted flag carries the direction: an explicit allow or an explicit deny,
// both of which supersede role-derived grants for that exact resource.
func (s *Service) GrantResourcePermission(ctx context.Context, userID, permissionName, resourceType, resourceID, organizationID string, granted bool, grantedBy string) error {
	perm, err := s.store.GetPermissionByName(ctx, permissionName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, permissionName)
		}
		return err
	}
	if err := s.store.UpsertResourcePermission(ctx, ResourcePermission{
		UserID:         userID,
		PermissionID:   perm.ID,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		OrganizationID: organizationID,
		Granted:        granted,
		GrantedBy:      grantedBy,
	}); err != nil {
		return err
	}
	if err := s.evictor.EvictUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, grantedBy, organizationID, actionResourceGrant, "resource_permission", resourceType+"/"+resourceID, map[string]any{
		"user_id":    userID,
		"permission": permissionName,
		"granted":    granted,
	})
	return nil
}

// RevokeResourcePermission removes a per-object override, restoring
// role-derived resolution for that resource.
func (s *Service) RevokeResourcePermission(ctx context.Context, userID, permissionName, resourceType, resourceID, organizationID, revokedBy string) error {
	perm, err := s.store.GetPermissionByName(ctx, permissionName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, permissionName)
		}
		return err
	}
	if err := s.store.DeleteResourcePermission(ctx, userID, perm.ID, resourceType, resourceID); err != nil {
		return err
	}
	if err := s.evictor.EvictUser(ctx, userID); err != nil {
		return err
	}
	s.record(ctx, revokedBy, organizationID, actionResourceRevoke, "resource_permission", resourceType+"/"+resourceID, map[string]any{
		"user_id":    userID,
		"permission": permissionName,
	})
	return nil
}

// ListUserRoles returns the roles behind the user's active assignments in scope.
func (s *Service) ListUserRoles(ctx context.Context, userID, organizationID string) ([]Role, error) {
	return s.store.ListUserRoles(ctx, userID, organizationID, s.now())
}

// ListOrganizationRoles returns the organization's roles plus system roles.
func (s *Service) ListOrganizationRoles(ctx context.Context, organizationID string) ([]Role, error) {
	return s.store.ListOrganizationRoles(ctx, organizationID)
}

// guardMutableRole loads a role and rejects system roles and out-of-scope
// organization roles before any write happens.
func (s *Service) guardMutableRole(ctx context.Context, roleID int64, organizationID string) (Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, ErrSystemRoleImmutable
	}
	// Organization roles are only mutable from their own organization. A
	// request that names no organization cannot claim scope over one.
	if role.OrganizationID != nil && (organizationID == "" || *role.OrganizationID != organizationID) {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// resolvePermissionNames maps names to catalog rows, failing on any unknown name.
func (s *Service) resolvePermissionNames(ctx context.Context, names []string) ([]Permission, error) {
	if len(names) == 0 {
		return nil, nil
	}
	perms, err := s.store.GetPermissionsByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		known[p.Name] = struct{}{}
	}
	var missing []string
	for _, n := range names {
		if _, ok := known[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, strings.Join(missing, ", "))
	}
	return perms, nil
}

func (s *Service) evictRoleHolders(ctx context.Context, roleID int64) error {
	holders, err := s.store.ListRoleHolders(ctx, roleID)
	if err != nil {
		return err
	}
	return s.evictor.EvictUsers(ctx, holders)
}

// record appends an audit entry. Audit failure is logged and never fails the
// mutation that produced it.
func (s *Service) record(ctx context.Context, actorID, organizationID, action, entity, entityID string, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, audit.Entry{
		ActorID:            actorID,
		OrganizationID:     organizationID,
		Action:             action,
		Entity:             entity,
		EntityID:           entityID,
		Status:             "ok",
		Meta:               meta,
		ComplianceRelevant: true,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}

func assignmentEntityID(userID string, roleID int64) string {
	return userID + "/" + strconv.FormatInt(roleID, 10)
}
