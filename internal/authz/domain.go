// Package authz implements the authorization resolver for the Voxlane
// platform: role-based grants, per-resource overrides, organization scoping
// and time-bounded assignments, resolved with defined precedence.
package authz

import (
	"fmt"
	"time"

	"github.com/voxlane/voxlane-access/internal/platform/httpx"
)

// Sentinel errors returned by the store and the mutation API. Each wraps an
// httpx sentinel so httpx.RespondError can pick the status without the
// handler enumerating domain errors.
var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("authz: record %w", httpx.ErrNotFound)
	// ErrSystemRoleImmutable indicates an attempted edit or delete of a system role.
	ErrSystemRoleImmutable = fmt.Errorf("authz: system roles are %w", httpx.ErrImmutable)
	// ErrDuplicateRole indicates the role name already exists in the organization.
	ErrDuplicateRole = fmt.Errorf("authz: role name %w", httpx.ErrDuplicate)
	// ErrUnknownPermission indicates a permission name that is not in the catalog.
	ErrUnknownPermission = fmt.Errorf("authz: %w permission name", httpx.ErrValidation)
)

// Permission represents an atomic "resource.action" capability.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Category    string
	Description string
	IsSystem    bool
}

// Role represents a named bundle of permission grants. System roles are
// global (OrganizationID nil) and immutable at runtime; custom roles belong
// to exactly one organization.
type Role struct {
	ID             int64
	Name           string
	Description    string
	OrganizationID *string
	IsSystem       bool
	IsCustom       bool
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RolePermission asserts a grant value for one permission on one role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	Granted      bool
}

// RoleAssignment binds a user to a role within an organization, optionally
// time-bounded. There is no status field: activity is always computed from
// ExpiresAt at check time, and revocation is row deletion.
type RoleAssignment struct {
	UserID         string
	RoleID         int64
	RoleName       string
	RolePriority   int
	OrganizationID string
	AssignedBy     string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// ActiveAt reports whether the assignment is active at the given instant.
func (a RoleAssignment) ActiveAt(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// ResourcePermission is an explicit per-object override. When present it is
// authoritative over all role-derived grants for its exact
// (user, permission, resource type, resource id) tuple, in both directions.
type ResourcePermission struct {
	UserID         string
	PermissionID   int64
	ResourceType   string
	ResourceID     string
	OrganizationID string
	Granted        bool
	GrantedBy      string
	CreatedAt      time.Time
}

// Source identifies which mechanism produced a Decision.
type Source string

// Decision sources.
const (
	SourceRole     Source = "role"
	SourceResource Source = "resource"
	SourceUnknown  Source = "unknown"
)

// Decision is the resolver's typed output.
type Decision struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
	Source  Source `json:"source"`
}

// CheckRequest carries the inputs of a single authorization check.
// ResourceType and ResourceID are optional and only consulted together.
type CheckRequest struct {
	UserID         string
	Permission     string
	ResourceType   string
	ResourceID     string
	OrganizationID string
}
