package catalog

import (
	"strings"
	"testing"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	if c.Version == "" {
		t.Fatal("default catalog has no version")
	}
}

func TestDefaultCatalogRolePriorities(t *testing.T) {
	c := Default()
	priorities := make(map[string]int, len(c.Roles))
	for _, r := range c.Roles {
		priorities[r.Name] = r.Priority
	}
	if priorities["Owner"] <= priorities["Admin"] {
		t.Fatalf("Owner must outrank Admin: %v", priorities)
	}
	if priorities["Admin"] <= priorities["Member"] {
		t.Fatalf("Admin must outrank Member: %v", priorities)
	}
	if priorities["Member"] <= priorities["Guest"] {
		t.Fatalf("Member must outrank Guest: %v", priorities)
	}
}

func TestDefaultCatalogGrantsAreSubsets(t *testing.T) {
	c := Default()
	grants := make(map[string]map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		set := make(map[string]struct{}, len(r.Grants))
		for _, g := range r.Grants {
			set[g] = struct{}{}
		}
		grants[r.Name] = set
	}
	// Each lower tier only holds capabilities the tier above it also holds.
	tiers := []string{"Owner", "Admin", "Member", "Guest"}
	for i := 1; i < len(tiers); i++ {
		higher, lower := grants[tiers[i-1]], grants[tiers[i]]
		for g := range lower {
			if _, ok := higher[g]; !ok {
				t.Fatalf("%s grants %q which %s lacks", tiers[i], g, tiers[i-1])
			}
		}
	}
}

func TestPermissionNameHalves(t *testing.T) {
	p := PermissionDef{Name: "recordings.delete"}
	if p.Resource() != "recordings" {
		t.Fatalf("resource = %q", p.Resource())
	}
	if p.Action() != "delete" {
		t.Fatalf("action = %q", p.Action())
	}
}

func TestValidateRejectsBadShape(t *testing.T) {
	c := Catalog{Permissions: []PermissionDef{{Name: "meetings"}}}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "resource.action") {
		t.Fatalf("expected shape error, got %v", err)
	}
}

func TestValidateRejectsDuplicatePermission(t *testing.T) {
	c := Catalog{Permissions: []PermissionDef{
		{Name: "meetings.read"},
		{Name: "meetings.read"},
	}}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate permission") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidateRejectsDuplicateRole(t *testing.T) {
	c := Catalog{
		Permissions: []PermissionDef{{Name: "meetings.read"}},
		Roles: []RoleTemplate{
			{Name: "Member", Priority: 50},
			{Name: "Member", Priority: 10},
		},
	}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate role") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidateRejectsUnknownGrant(t *testing.T) {
	c := Catalog{
		Permissions: []PermissionDef{{Name: "meetings.read"}},
		Roles: []RoleTemplate{
			{Name: "Member", Priority: 50, Grants: []string{"meetings.read", "clips.ghost"}},
		},
	}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "clips.ghost") {
		t.Fatalf("expected unknown grant error, got %v", err)
	}
}
