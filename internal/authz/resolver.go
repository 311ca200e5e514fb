package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Checker is the decision surface consumed by collaborators: HTTP
// middleware, other services, the CLI.
type Checker interface {
	Check(ctx context.Context, req CheckRequest) (Decision, error)
	ListPermissions(ctx context.Context, userID, organizationID string) ([]string, error)
}

// Resolver is the pure decision algorithm over the Store. It holds no cache
// and no mutable state; caching is layered on top as a decorator.
type Resolver struct {
	store Store
	now   func() time.Time
}

// NewResolver constructs a Resolver backed by the provided store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// Check decides whether the user holds the permission, optionally for one
// specific resource. Precedence: a resource-permission row, when present,
// overrides every role-derived grant in both directions; otherwise the
// highest-priority active role with a positive grant wins.
//
// On any unexpected store error Check fails closed: the returned Decision
// denies, and the error is surfaced alongside it for logging.
func (r *Resolver) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	perm, err := r.store.GetPermissionByName(ctx, req.Permission)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Configuration miss, not an authorization decision: callers
			// still get a uniform Decision to act on.
			return Decision{
				Granted: false,
				Reason:  fmt.Sprintf("permission %q does not exist", req.Permission),
				Source:  SourceUnknown,
			}, nil
		}
		return failClosed(err)
	}

	if req.ResourceType != "" && req.ResourceID != "" {
		rp, err := r.store.GetResourcePermission(ctx, req.UserID, perm.ID, req.ResourceType, req.ResourceID)
		switch {
		case err == nil:
			if rp.Granted {
				return Decision{
					Granted: true,
					Reason:  fmt.Sprintf("explicitly granted on %s %s", rp.ResourceType, rp.ResourceID),
					Source:  SourceResource,
				}, nil
			}
			return Decision{
				Granted: false,
				Reason:  fmt.Sprintf("explicitly denied on %s %s", rp.ResourceType, rp.ResourceID),
				Source:  SourceResource,
			}, nil
		case errors.Is(err, ErrNotFound):
			// No override row, fall through to role resolution.
		default:
			return failClosed(err)
		}
	}

	assignments, err := r.store.ListActiveAssignments(ctx, req.UserID, req.OrganizationID, r.now())
	if err != nil {
		return failClosed(err)
	}
	if len(assignments) == 0 {
		return Decision{
			Granted: false,
			Reason:  "user has no active roles",
			Source:  SourceUnknown,
		}, nil
	}

	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	grants, err := r.store.ListRoleGrants(ctx, roleIDs, perm.ID)
	if err != nil {
		return failClosed(err)
	}
	grantedBy := make(map[int64]bool, len(grants))
	for _, g := range grants {
		if g.Granted {
			grantedBy[g.RoleID] = true
		}
	}

	// Assignments arrive ordered by role priority descending, so the first
	// match decides which role name appears in the reason.
	for _, a := range assignments {
		if grantedBy[a.RoleID] {
			return Decision{
				Granted: true,
				Reason:  fmt.Sprintf("granted via role %q", a.RoleName),
				Source:  SourceRole,
			}, nil
		}
	}

	return Decision{
		Granted: false,
		Reason:  fmt.Sprintf("user lacks %q via any active role", req.Permission),
		Source:  SourceRole,
	}, nil
}

// ListPermissions returns the union of granted permission names over the
// user's currently active role assignments in scope. Resource-level
// overrides never contribute: this answers "what can the user generally
// do", separate from per-object exceptions.
func (r *Resolver) ListPermissions(ctx context.Context, userID, organizationID string) ([]string, error) {
	assignments, err := r.store.ListActiveAssignments(ctx, userID, organizationID, r.now())
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return []string{}, nil
	}
	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	names, err := r.store.ListGrantedPermissionNames(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	unique := make(map[string]struct{}, len(names))
	for _, n := range names {
		unique[n] = struct{}{}
	}
	result := make([]string, 0, len(unique))
	for n := range unique {
		result = append(result, n)
	}
	sort.Strings(result)
	return result, nil
}

func failClosed(err error) (Decision, error) {
	return Decision{
		Granted: false,
		Reason:  "authorization backend unavailable",
		Source:  SourceUnknown,
	}, err
}
