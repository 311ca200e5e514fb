package authz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxlane/voxlane-access/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for authorization state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const uniqueViolation = "23505"

// GetPermissionByName fetches a catalog permission by its unique name.
func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	var p Permission
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, resource, action, category, description, is_system FROM permissions WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Category, &p.Description, &p.IsSystem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

// GetPermissionsByNames fetches catalog permissions for the given names.
// Missing names are simply absent from the result.
func (r *Repository) GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, resource, action, category, description, is_system FROM permissions WHERE name = ANY($1)`,
		names,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Category, &p.Description, &p.IsSystem); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// GetRole fetches a role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, organization_id, is_system, is_custom, priority, created_at, updated_at FROM roles WHERE id = $1`,
		id,
	).Scan(&role.ID, &role.Name, &role.Description, &role.OrganizationID, &role.IsSystem, &role.IsCustom, &role.Priority, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role. A duplicate name within the same
// organization maps to ErrDuplicateRole.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description, organization_id, is_system, is_custom, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		role.Name, role.Description, role.OrganizationID, role.IsSystem, role.IsCustom, role.Priority,
	).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Role{}, ErrDuplicateRole
		}
		return Role{}, err
	}
	return role, nil
}

// UpdateRole rewrites a role's mutable descriptive fields. A name collision
// within the same scope maps to ErrDuplicateRole.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	err := r.pool.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, name, description, organization_id, is_system, is_custom, priority, created_at, updated_at`,
		role.ID, role.Name, role.Description,
	).Scan(&role.ID, &role.Name, &role.Description, &role.OrganizationID, &role.IsSystem, &role.IsCustom, &role.Priority, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Role{}, ErrDuplicateRole
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role by ID. Grants and assignments follow via
// ON DELETE CASCADE. Returns ErrNotFound if nothing was deleted.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrganizationRoles returns the organization's custom roles together
// with the system-wide roles, ordered by priority descending.
func (r *Repository) ListOrganizationRoles(ctx context.Context, organizationID string) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, organization_id, is_system, is_custom, priority, created_at, updated_at
		 FROM roles
		 WHERE organization_id = $1 OR organization_id IS NULL
		 ORDER BY priority DESC, name`,
		organizationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// ReplaceRolePermissions replaces the role's grant set atomically:
// delete-all-then-insert, full-replace semantics.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, pid := range permissionIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO role_permissions (role_id, permission_id, granted) VALUES ($1, $2, TRUE)`,
				roleID, pid,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertRolePermission writes one grant row, overwriting the granted flag on
// conflict.
func (r *Repository) UpsertRolePermission(ctx context.Context, grant RolePermission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id, granted)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (role_id, permission_id) DO UPDATE SET granted = EXCLUDED.granted`,
		grant.RoleID, grant.PermissionID, grant.Granted,
	)
	return err
}

// ListRoleGrants returns the grant rows for one permission across the given roles.
func (r *Repository) ListRoleGrants(ctx context.Context, roleIDs []int64, permissionID int64) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT role_id, permission_id, granted FROM role_permissions WHERE role_id = ANY($1) AND permission_id = $2`,
		roleIDs, permissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RolePermission
	for rows.Next() {
		var g RolePermission
		if err := rows.Scan(&g.RoleID, &g.PermissionID, &g.Granted); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

// ListGrantedPermissionNames returns the distinct permission names granted
// by any of the given roles.
func (r *Repository) ListGrantedPermissionNames(ctx context.Context, roleIDs []int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT p.name
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = ANY($1) AND rp.granted`,
		roleIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateAssignment inserts a user-role assignment. Conflicting writes on the
// same (user, role, organization) row resolve last-writer-wins.
func (r *Repository) CreateAssignment(ctx context.Context, assignment RoleAssignment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_role_assignments (user_id, role_id, organization_id, assigned_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, role_id, organization_id)
		 DO UPDATE SET assigned_by = EXCLUDED.assigned_by, expires_at = EXCLUDED.expires_at`,
		assignment.UserID, assignment.RoleID, assignment.OrganizationID, assignment.AssignedBy, assignment.ExpiresAt,
	)
	return err
}

// DeleteAssignment revokes an assignment by row deletion.
func (r *Repository) DeleteAssignment(ctx context.Context, userID string, roleID int64, organizationID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_role_assignments WHERE user_id = $1 AND role_id = $2 AND organization_id = $3`,
		userID, roleID, organizationID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAssignments returns the user's assignments that are active at
// the given instant, ordered by role priority descending. Assignments are
// scoped by the organization they were made in, so a system role assigned
// in one organization grants nothing in another.
func (r *Repository) ListActiveAssignments(ctx context.Context, userID, organizationID string, now time.Time) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.user_id, a.role_id, r.name, r.priority, a.organization_id, a.assigned_by, a.expires_at, a.created_at
		 FROM user_role_assignments a
		 JOIN roles r ON r.id = a.role_id
		 WHERE a.user_id = $1
		   AND a.organization_id = $2
		   AND (a.expires_at IS NULL OR a.expires_at > $3)
		 ORDER BY r.priority DESC, r.id`,
		userID, organizationID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.RoleName, &a.RolePriority, &a.OrganizationID, &a.AssignedBy, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// ListUserRoles returns the roles behind the user's active assignments in scope.
func (r *Repository) ListUserRoles(ctx context.Context, userID, organizationID string, now time.Time) ([]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.name, r.description, r.organization_id, r.is_system, r.is_custom, r.priority, r.created_at, r.updated_at
		 FROM user_role_assignments a
		 JOIN roles r ON r.id = a.role_id
		 WHERE a.user_id = $1
		   AND a.organization_id = $2
		   AND (a.expires_at IS NULL OR a.expires_at > $3)
		 ORDER BY r.priority DESC, r.id`,
		userID, organizationID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// ListRoleHolders returns the distinct users currently holding the role,
// regardless of assignment expiry. Used for cache eviction, where evicting
// an already-expired holder is harmless.
func (r *Repository) ListRoleHolders(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM user_role_assignments WHERE role_id = $1`,
		roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// UpsertResourcePermission writes a per-object override, replacing any
// existing row for the same tuple.
func (r *Repository) UpsertResourcePermission(ctx context.Context, rp ResourcePermission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO resource_permissions (user_id, permission_id, resource_type, resource_id, organization_id, granted, granted_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, permission_id, resource_type, resource_id)
		 DO UPDATE SET granted = EXCLUDED.granted, granted_by = EXCLUDED.granted_by, organization_id = EXCLUDED.organization_id`,
		rp.UserID, rp.PermissionID, rp.ResourceType, rp.ResourceID, rp.OrganizationID, rp.Granted, rp.GrantedBy,
	)
	return err
}

// DeleteResourcePermission removes a per-object override.
func (r *Repository) DeleteResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM resource_permissions WHERE user_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4`,
		userID, permissionID, resourceType, resourceID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetResourcePermission fetches the single override row for the tuple.
func (r *Repository) GetResourcePermission(ctx context.Context, userID string, permissionID int64, resourceType, resourceID string) (ResourcePermission, error) {
	var rp ResourcePermission
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, permission_id, resource_type, resource_id, organization_id, granted, granted_by, created_at
		 FROM resource_permissions
		 WHERE user_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4`,
		userID, permissionID, resourceType, resourceID,
	).Scan(&rp.UserID, &rp.PermissionID, &rp.ResourceType, &rp.ResourceID, &rp.OrganizationID, &rp.Granted, &rp.GrantedBy, &rp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResourcePermission{}, ErrNotFound
		}
		return ResourcePermission{}, err
	}
	return rp, nil
}

func scanRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.OrganizationID, &role.IsSystem, &role.IsCustom, &role.Priority, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}
