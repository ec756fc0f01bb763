package auth

import (
	"regexp"
	"slices"
	"strings"
	"time"
)

// RoleCategory scopes default-role selection.
type RoleCategory string

const (
	CategorySystem     RoleCategory = "system"
	CategoryEnterprise RoleCategory = "enterprise"
	CategoryDepartment RoleCategory = "department"
	CategoryEmployee   RoleCategory = "employee"
)

// Valid reports whether c is one of the known categories.
func (c RoleCategory) Valid() bool {
	switch c {
	case CategorySystem, CategoryEnterprise, CategoryDepartment, CategoryEmployee:
		return true
	}
	return false
}

// Seeded role names.
const (
	RoleSuperAdmin      = "super_admin"
	RoleAdmin           = "admin"
	RoleEnterpriseOwner = "enterprise_owner"
	RoleManager         = "manager"
	RoleEmployee        = "employee"
)

const (
	MinRoleLevel = 1
	MaxRoleLevel = 10
)

// Role is a named, ordered bundle of permissions. Level orders roles for
// display and comparison only; it never implies permissions.
type Role struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	Level       int          `json:"level"`
	Category    RoleCategory `json:"category"`
	IsDefault   bool         `json:"isDefault"`
	IsActive    bool         `json:"isActive"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// HasPermission reports whether the role grants p.
func (r *Role) HasPermission(p Permission) bool {
	if r == nil {
		return false
	}
	return slices.Contains(r.Permissions, p)
}

// HasAnyPermission reports whether the role grants at least one of perms.
func (r *Role) HasAnyPermission(perms ...Permission) bool {
	for _, p := range perms {
		if r.HasPermission(p) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the role grants every one of perms.
// An empty list is trivially satisfied.
func (r *Role) HasAllPermissions(perms ...Permission) bool {
	for _, p := range perms {
		if !r.HasPermission(p) {
			return false
		}
	}
	return true
}

var roleSlug = regexp.MustCompile(`^[a-z][a-z0-9_]{1,63}$`)

// Normalize lowercases the name and drops duplicate permissions. The
// permission slice is rebuilt, never edited in place.
func (r *Role) Normalize() {
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	r.Description = strings.TrimSpace(r.Description)
	seen := make(map[Permission]struct{}, len(r.Permissions))
	perms := make([]Permission, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	r.Permissions = perms
}

// Validate checks the role against the registry rules.
func (r *Role) Validate() error {
	verr := &ValidationError{}
	if !roleSlug.MatchString(r.Name) {
		verr.Add("name", "must be a lowercase slug")
	}
	if r.DisplayName == "" {
		verr.Add("displayName", "is required")
	}
	if r.Level < MinRoleLevel || r.Level > MaxRoleLevel {
		verr.Add("level", "must be between 1 and 10")
	}
	if !r.Category.Valid() {
		verr.Add("category", "must be one of system, enterprise, department, employee")
	}
	for _, p := range r.Permissions {
		if !p.Valid() {
			verr.Add("permissions", "unknown permission "+string(p))
		}
	}
	return verr.OrNil()
}

// SeedRoles returns the bootstrap hierarchy. Each tier is curated by hand;
// nothing is derived from Level.
func SeedRoles() []Role {
	employee := []Permission{
		PermViewEmployees,
		PermViewInventory,
		PermViewSales,
	}
	manager := append(slices.Clone(employee),
		PermViewUsers,
		PermManageEmployees,
		PermManageInventory,
		PermManageSales,
		PermManageOrders,
		PermViewFinance,
		PermViewReports,
	)
	owner := append(slices.Clone(manager),
		PermManageUsers,
		PermViewRoles,
		PermViewEnterprises,
		PermManageDepartments,
		PermManageFinance,
		PermExportReports,
		PermManageSettings,
	)
	admin := append(slices.Clone(owner),
		PermManageRoles,
		PermManageEnterprises,
		PermViewAuditLogs,
	)
	superAdmin := slices.Clone(AllPermissions)

	return []Role{
		{
			Name:        RoleSuperAdmin,
			DisplayName: "Super Administrator",
			Description: "Unrestricted access across every enterprise",
			Permissions: superAdmin,
			Level:       10,
			Category:    CategorySystem,
			IsActive:    true,
		},
		{
			Name:        RoleAdmin,
			DisplayName: "Administrator",
			Description: "Platform administration",
			Permissions: admin,
			Level:       9,
			Category:    CategorySystem,
			IsDefault:   true,
			IsActive:    true,
		},
		{
			Name:        RoleEnterpriseOwner,
			DisplayName: "Enterprise Owner",
			Description: "Owns and manages an enterprise",
			Permissions: owner,
			Level:       7,
			Category:    CategoryEnterprise,
			IsDefault:   true,
			IsActive:    true,
		},
		{
			Name:        RoleManager,
			DisplayName: "Manager",
			Description: "Runs a department",
			Permissions: manager,
			Level:       5,
			Category:    CategoryDepartment,
			IsDefault:   true,
			IsActive:    true,
		},
		{
			Name:        RoleEmployee,
			DisplayName: "Employee",
			Description: "Day-to-day access",
			Permissions: employee,
			Level:       1,
			Category:    CategoryEmployee,
			IsDefault:   true,
			IsActive:    true,
		},
	}
}
