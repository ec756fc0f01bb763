package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Resource is what a request targets. Only the tenant matters here.
type Resource struct {
	EnterpriseID string
}

// Check is one authorization requirement. Checks are pure: they only look at
// the principal and the resource.
type Check func(Principal, Resource) error

// Names reported by AuthorizationError.Check.
const (
	CheckPermissions = "permissions"
	CheckRoles       = "roles"
	CheckEnterprise  = "enterprise"
	CheckDelegation  = "delegation"
)

// RequirePermissions passes when the principal holds every permission.
func RequirePermissions(perms ...Permission) Check {
	want := slices.Clone(perms)
	return func(p Principal, _ Resource) error {
		var missing []string
		for _, perm := range want {
			if !slices.Contains(p.Permissions, perm) {
				missing = append(missing, string(perm))
			}
		}
		if len(missing) > 0 {
			return &AuthorizationError{Check: CheckPermissions, Detail: "missing " + strings.Join(missing, ", ")}
		}
		return nil
	}
}

// RequireRoles passes when the principal's role is in the allow-list.
func RequireRoles(roles ...string) Check {
	allowed := slices.Clone(roles)
	return func(p Principal, _ Resource) error {
		if p.User != nil && slices.Contains(allowed, p.User.Role) {
			return nil
		}
		return &AuthorizationError{Check: CheckRoles, Detail: "role not allowed"}
	}
}

// RequireEnterpriseScope passes for super_admin unconditionally and otherwise
// only when the target enterprise is one of the principal's memberships. A
// request with no target enterprise is malformed.
func RequireEnterpriseScope() Check {
	return func(p Principal, res Resource) error {
		if p.IsSuperAdmin() {
			return nil
		}
		id := strings.TrimSpace(res.EnterpriseID)
		if id == "" {
			return (&ValidationError{}).Add("enterpriseId", "is required")
		}
		if p.User == nil || !p.User.MemberOf(id) {
			return &AuthorizationError{Check: CheckEnterprise, Detail: fmt.Sprintf("no access to enterprise %s", id)}
		}
		return nil
	}
}

// Evaluate runs checks in order; the first failure wins.
func Evaluate(p Principal, res Resource, checks ...Check) error {
	for _, check := range checks {
		if err := check(p, res); err != nil {
			return err
		}
	}
	return nil
}
