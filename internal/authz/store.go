package authz

import (
	"context"
	"time"
)

// Store is the persistence boundary for authorization state. It is pure data
// access: no precedence or policy logic lives here. All list operations that
// feed the resolver filter expiry at the SQL boundary so the resolver only
// ever passes "now".
type Store interface {
	// Permissions (catalog rows, immutable after seeding).
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error)

	// Roles.
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListOrganizationRoles(ctx context.Context, organizationID string) ([]Role, error)

	// Role permission grants. ReplaceRolePermissions has full-replace
	// semantics: the new set supersedes whatever was attached before;
	// UpsertRolePermission writes a single grant row in place.
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	UpsertRolePermission(ctx context.Context, grant RolePermission) error
	ListRoleGrants(ctx context.Context, roleIDs []int64, permissionID int64) ([]RolePermission, error)
	ListGrantedPermissionNames(ctx context.Context, roleIDs []int64) ([]string, error)

	// User role assignments. ListActiveAssignments is scoped by the
	// organization the assignment was made in (system roles included only
	// through in-organization assignments) and returns rows ordered by
	// role priority descending.
	CreateAssignment(ctx context.Context, assignment RoleAssignment) error
	DeleteAssignment(ctx context.Context, userID string, roleID int64, organizationID string) error
	ListActiveAssignments(ctx context.Context, userID, organizationID string, now time.Time) ([]RoleAssignment, error)
	ListUserRoles(ctx context.Context, userID, organizationID string, now time.Time) ([]Role, error)
	ListRoleHolders(ctx context.Context, roleID int64) ([]string, error)

	// Per-resource overrides.
	UpsertResourcePermission(ctx context.Context, rp ResourcePermission) error
	DeleteResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) error
	GetResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) (ResourcePermission, error)
}
