package auth

import (
	"fmt"
	"strings"
)

// Permission is an atomic capability. The set is closed: a string that is not
// listed in AllPermissions is rejected wherever permissions cross a storage or
// request boundary.
type Permission string

const (
	PermManageUsers       Permission = "manage_users"
	PermViewUsers         Permission = "view_users"
	PermManageRoles       Permission = "manage_roles"
	PermViewRoles         Permission = "view_roles"
	PermManageEnterprises Permission = "manage_enterprises"
	PermViewEnterprises   Permission = "view_enterprises"
	PermManageEmployees   Permission = "manage_employees"
	PermViewEmployees     Permission = "view_employees"
	PermManageDepartments Permission = "manage_departments"
	PermManageFinance     Permission = "manage_finance"
	PermViewFinance       Permission = "view_finance"
	PermManageInventory   Permission = "manage_inventory"
	PermViewInventory     Permission = "view_inventory"
	PermManageSales       Permission = "manage_sales"
	PermViewSales         Permission = "view_sales"
	PermManageOrders      Permission = "manage_orders"
	PermViewReports       Permission = "view_reports"
	PermExportReports     Permission = "export_reports"
	PermManageSettings    Permission = "manage_settings"
	PermViewAuditLogs     Permission = "view_audit_logs"
	PermSystemAdmin       Permission = "system_admin"
)

// AllPermissions lists the enumeration in display order.
var AllPermissions = []Permission{
	PermManageUsers,
	PermViewUsers,
	PermManageRoles,
	PermViewRoles,
	PermManageEnterprises,
	PermViewEnterprises,
	PermManageEmployees,
	PermViewEmployees,
	PermManageDepartments,
	PermManageFinance,
	PermViewFinance,
	PermManageInventory,
	PermViewInventory,
	PermManageSales,
	PermViewSales,
	PermManageOrders,
	PermViewReports,
	PermExportReports,
	PermManageSettings,
	PermViewAuditLogs,
	PermSystemAdmin,
}

var knownPermissions = func() map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		set[p] = struct{}{}
	}
	return set
}()

// Valid reports whether p belongs to the enumeration.
func (p Permission) Valid() bool {
	_, ok := knownPermissions[p]
	return ok
}

// ParsePermission normalizes and validates a raw permission string.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// ParsePermissions validates raw strings, drops duplicates and keeps order.
func ParsePermissions(raw []string) ([]Permission, error) {
	out := make([]Permission, 0, len(raw))
	seen := make(map[Permission]struct{}, len(raw))
	for _, r := range raw {
		p, err := ParsePermission(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
