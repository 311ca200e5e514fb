// Package catalog defines the immutable, versioned permission catalog and
// the idempotent seeding routine that materialises it at process start.
package catalog

import (
	"fmt"
	"strings"
)

// PermissionDef declares one "resource.action" capability.
type PermissionDef struct {
	Name        string
	Description string
	Category    string
}

// Resource returns the resource half of the permission name.
func (p PermissionDef) Resource() string {
	name, _, _ := strings.Cut(p.Name, ".")
	return name
}

// Action returns the action half of the permission name.
func (p PermissionDef) Action() string {
	_, action, _ := strings.Cut(p.Name, ".")
	return action
}

// RoleTemplate declares a system-wide role and its default grants.
type RoleTemplate struct {
	Name        string
	Description string
	Priority    int
	Grants      []string
}

// Catalog is an immutable value describing the full permission and system
// role set for one product configuration. It is passed explicitly into the
// seeder and into tests, never held as ambient global state.
type Catalog struct {
	Version     string
	Permissions []PermissionDef
	Roles       []RoleTemplate
}

// Validate checks internal consistency: permission names are unique and
// shaped "resource.action", role names are unique, and every grant refers
// to a declared permission.
func (c Catalog) Validate() error {
	permNames := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		resource, action, ok := strings.Cut(p.Name, ".")
		if !ok || resource == "" || action == "" {
			return fmt.Errorf("catalog: permission %q is not resource.action shaped", p.Name)
		}
		if _, dup := permNames[p.Name]; dup {
			return fmt.Errorf("catalog: duplicate permission %q", p.Name)
		}
		permNames[p.Name] = struct{}{}
	}
	roleNames := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("catalog: role with empty name")
		}
		if _, dup := roleNames[r.Name]; dup {
			return fmt.Errorf("catalog: duplicate role %q", r.Name)
		}
		roleNames[r.Name] = struct{}{}
		for _, g := range r.Grants {
			if _, ok := permNames[g]; !ok {
				return fmt.Errorf("catalog: role %q grants unknown permission %q", r.Name, g)
			}
		}
	}
	return nil
}

// Default returns the Voxlane product catalog.
func Default() Catalog {
	return Catalog{
		Version: "2026-07",
		Permissions: []PermissionDef{
			{Name: "meetings.read", Description: "View meetings and their details", Category: "meetings"},
			{Name: "meetings.create", Description: "Schedule and start meetings", Category: "meetings"},
			{Name: "meetings.update", Description: "Edit meeting details", Category: "meetings"},
			{Name: "meetings.delete", Description: "Delete meetings", Category: "meetings"},
			{Name: "recordings.read", Description: "View and play recordings", Category: "recordings"},
			{Name: "recordings.create", Description: "Record meetings", Category: "recordings"},
			{Name: "recordings.delete", Description: "Delete recordings", Category: "recordings"},
			{Name: "transcripts.read", Description: "View transcripts", Category: "transcripts"},
			{Name: "transcripts.update", Description: "Edit and correct transcripts", Category: "transcripts"},
			{Name: "transcripts.export", Description: "Export transcripts", Category: "transcripts"},
			{Name: "clips.read", Description: "View video clips", Category: "clips"},
			{Name: "clips.create", Description: "Generate video clips from recordings", Category: "clips"},
			{Name: "clips.delete", Description: "Delete video clips", Category: "clips"},
			{Name: "ai.summarize", Description: "Request AI summaries", Category: "ai"},
			{Name: "integrations.read", Description: "View CRM and calendar integrations", Category: "integrations"},
			{Name: "integrations.manage", Description: "Connect and configure integrations", Category: "integrations"},
			{Name: "users.read", Description: "View organization members", Category: "admin"},
			{Name: "users.manage", Description: "Invite and manage organization members", Category: "admin"},
			{Name: "roles.read", Description: "View roles and their grants", Category: "admin"},
			{Name: "roles.manage", Description: "Create roles and manage assignments", Category: "admin"},
			{Name: "audit.read", Description: "View the audit log", Category: "admin"},
			{Name: "billing.manage", Description: "Manage subscription and billing", Category: "admin"},
		},
		Roles: []RoleTemplate{
			{
				Name:        "Owner",
				Description: "Organization owner with every capability",
				Priority:    100,
				Grants: []string{
					"meetings.read", "meetings.create", "meetings.update", "meetings.delete",
					"recordings.read", "recordings.create", "recordings.delete",
					"transcripts.read", "transcripts.update", "transcripts.export",
					"clips.read", "clips.create", "clips.delete",
					"ai.summarize",
					"integrations.read", "integrations.manage",
					"users.read", "users.manage",
					"roles.read", "roles.manage",
					"audit.read", "billing.manage",
				},
			},
			{
				Name:        "Admin",
				Description: "Administers members, roles and integrations",
				Priority:    80,
				Grants: []string{
					"meetings.read", "meetings.create", "meetings.update", "meetings.delete",
					"recordings.read", "recordings.create", "recordings.delete",
					"transcripts.read", "transcripts.update", "transcripts.export",
					"clips.read", "clips.create", "clips.delete",
					"ai.summarize",
					"integrations.read", "integrations.manage",
					"users.read", "users.manage",
					"roles.read", "roles.manage",
					"audit.read",
				},
			},
			{
				Name:        "Member",
				Description: "Day-to-day meeting participant",
				Priority:    50,
				Grants: []string{
					"meetings.read", "meetings.create", "meetings.update",
					"recordings.read", "recordings.create",
					"transcripts.read", "transcripts.update", "transcripts.export",
					"clips.read", "clips.create",
					"ai.summarize",
					"integrations.read",
					"users.read",
					"roles.read",
				},
			},
			{
				Name:        "Guest",
				Description: "External participant with read-only access",
				Priority:    10,
				Grants: []string{
					"meetings.read",
					"recordings.read",
					"transcripts.read",
				},
			},
		},
	}
}
