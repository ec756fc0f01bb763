package auth

import "context"

type principalContextKey struct{}

// Principal is the authenticated caller as seen by authorization checks.
// It is resolved fresh on every request.
type Principal struct {
	User        *User
	Role        *Role
	Permissions []Permission
}

// IsSuperAdmin reports whether the principal holds the super_admin role.
func (p Principal) IsSuperAdmin() bool {
	return p.User != nil && p.User.Role == RoleSuperAdmin
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil || v.User == nil {
		return Principal{}, false
	}
	return *v, true
}
