package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Delegation rules for user administration. super_admin is exempt; everyone
// else may only act on roles ranked below their own and only inside the
// enterprises they belong to.

func actorLevel(actor Principal) (int, error) {
	if actor.User == nil || actor.Role == nil {
		return 0, &AuthorizationError{Check: CheckDelegation, Detail: "no acting principal"}
	}
	return actor.Role.Level, nil
}

// canAssignRole reports whether actor may hand out role.
func canAssignRole(actor Principal, role *Role) error {
	if actor.IsSuperAdmin() {
		return nil
	}
	level, err := actorLevel(actor)
	if err != nil {
		return err
	}
	if role.Category == CategorySystem {
		return &AuthorizationError{Check: CheckDelegation, Detail: fmt.Sprintf("role %s is reserved", role.Name)}
	}
	if role.Level >= level {
		return &AuthorizationError{Check: CheckDelegation, Detail: fmt.Sprintf("role %s is not below your own", role.Name)}
	}
	return nil
}

// canGrantEnterprises checks every membership added or removed when a user
// goes from before to after.
func canGrantEnterprises(actor Principal, before, after []string) error {
	if actor.IsSuperAdmin() {
		return nil
	}
	if _, err := actorLevel(actor); err != nil {
		return err
	}
	var foreign []string
	for _, id := range symmetricDifference(before, after) {
		if !actor.User.MemberOf(id) {
			foreign = append(foreign, id)
		}
	}
	if len(foreign) > 0 {
		return &AuthorizationError{Check: CheckDelegation, Detail: "no access to enterprise " + strings.Join(foreign, ", ")}
	}
	return nil
}

// canManageUser reports whether actor outranks target. With shared set the
// target must also sit in one of the actor's enterprises. A target whose
// role no longer exists ranks as high as possible.
func canManageUser(actor Principal, target *User, targetRole *Role, shared bool) error {
	if actor.IsSuperAdmin() {
		return nil
	}
	level, err := actorLevel(actor)
	if err != nil {
		return err
	}
	targetLevel := MaxRoleLevel
	if targetRole != nil {
		targetLevel = targetRole.Level
	}
	if target.Role == RoleSuperAdmin || targetLevel >= level {
		return &AuthorizationError{Check: CheckDelegation, Detail: "user is not below your role"}
	}
	if shared && !slices.ContainsFunc(target.Enterprises, actor.User.MemberOf) {
		return &AuthorizationError{Check: CheckDelegation, Detail: "user is outside your enterprises"}
	}
	return nil
}

func symmetricDifference(a, b []string) []string {
	var out []string
	for _, id := range a {
		if !slices.Contains(b, id) {
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !slices.Contains(a, id) {
			out = append(out, id)
		}
	}
	return out
}
