package auth

import (
	"context"
	"errors"
	"fmt"

	"bizdesk.io/internal/audit"
	"bizdesk.io/internal/obs"
)

// EnsureSeedRoles inserts seed roles that are missing and then checks the
// registration default exists. Existing roles are never overwritten.
func (s *Service) EnsureSeedRoles(ctx context.Context) error {
	roles := s.store.Roles(ctx)
	for _, r := range SeedRoles() {
		role := r
		inserted, err := roles.InsertIfMissing(ctx, &role)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
		if inserted {
			obs.Logger().WithField("role", role.Name).Info("seeded role")
		}
	}
	return s.CheckDefaultRole(ctx)
}

// CheckDefaultRole fails with ErrNoDefaultRole when registration has no role
// to hand out.
func (s *Service) CheckDefaultRole(ctx context.Context) error {
	_, err := s.store.Roles(ctx).FindDefault(ctx, s.defaultCategory)
	return err
}

// ListRoles returns every role, retired ones included.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// SaveRole validates and upserts a role definition.
func (s *Service) SaveRole(ctx context.Context, role Role) (*Role, error) {
	role.Normalize()
	if err := role.Validate(); err != nil {
		return nil, err
	}
	if role.IsDefault && !role.IsActive {
		return nil, (&ValidationError{}).Add("isDefault", "a retired role cannot be a default")
	}
	if role.Name == RoleSuperAdmin && !role.IsActive {
		return nil, (&ValidationError{}).Add("isActive", "super_admin cannot be retired")
	}
	if err := s.store.Roles(ctx).Save(ctx, &role); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.role_saved", map[string]any{
		"role":        role.Name,
		"permissions": permissionStrings(role.Permissions),
		"is_default":  role.IsDefault,
	})
	return &role, nil
}

// RetireRole deactivates a role. Users holding it lose access on their next
// request.
func (s *Service) RetireRole(ctx context.Context, name string) error {
	roles := s.store.Roles(ctx)
	role, err := roles.Find(ctx, name)
	if err != nil {
		return err
	}
	if role.Name == RoleSuperAdmin {
		return (&ValidationError{}).Add("name", "super_admin cannot be retired")
	}
	if role.IsDefault && role.Category == s.defaultCategory {
		return (&ValidationError{}).Add("name", "the registration default role cannot be retired")
	}
	if err := roles.Retire(ctx, role.Name, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("retire role: %w", err)
	}
	_ = audit.LogEvent(ctx, "auth.role_retired", map[string]any{"role": role.Name})
	return nil
}
