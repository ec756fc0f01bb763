package auth

import (
	"context"
	"errors"
	"testing"
)

func (f *fixture) principalFor(t *testing.T, u *User) Principal {
	t.Helper()
	p, err := f.svc.ResolvePrincipal(context.Background(), Verified{
		Payload:  Payload{UserID: u.ID},
		IssuedAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("ResolvePrincipal(%s): %v", u.Email, err)
	}
	return p
}

func expectDelegationDenied(t *testing.T, err error) {
	t.Helper()
	var aerr *AuthorizationError
	if !errors.As(err, &aerr) || aerr.Check != CheckDelegation {
		t.Fatalf("expected delegation denial, got %v", err)
	}
}

func TestCreateUserRoleMustRankBelowActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.principalFor(t, f.createUser(t, "owner@example.com", "right-password", RoleEnterpriseOwner, "E1"))

	for _, role := range []string{RoleSuperAdmin, RoleAdmin, RoleEnterpriseOwner} {
		_, err := f.svc.CreateUser(ctx, owner, CreateUserInput{
			Name: "Minted", Email: role + "@example.com", Password: "right-password",
			Role: role, Enterprises: []string{"E1"},
		})
		expectDelegationDenied(t, err)
	}

	u, err := f.svc.CreateUser(ctx, owner, CreateUserInput{
		Name: "Manager", Email: "mgr@example.com", Password: "right-password",
		Role: RoleManager, Enterprises: []string{"E1"},
	})
	if err != nil {
		t.Fatalf("manager inside E1: %v", err)
	}
	if u.Role != RoleManager || !u.MemberOf("E1") {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestCreateUserEnterprisesMustBeActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.principalFor(t, f.createUser(t, "owner@example.com", "right-password", RoleEnterpriseOwner, "E1"))

	_, err := f.svc.CreateUser(ctx, owner, CreateUserInput{
		Name: "Spy", Email: "spy@example.com", Password: "right-password",
		Role: RoleEmployee, Enterprises: []string{"E1", "E2"},
	})
	expectDelegationDenied(t, err)
	if _, err := f.store.Users(ctx).FindByEmail(ctx, "spy@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("denied user was stored: %v", err)
	}
}

func TestCreateUserSystemRolesNeedSuperAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.principalFor(t, f.createUser(t, "admin@example.com", "right-password", RoleAdmin, "E1"))
	root := f.principalFor(t, f.createUser(t, "root@example.com", "right-password", RoleSuperAdmin))

	_, err := f.svc.SaveRole(ctx, Role{
		Name: "auditor", DisplayName: "Auditor", Level: 3, Category: CategorySystem,
		Permissions: []Permission{PermViewAuditLogs}, IsActive: true,
	})
	if err != nil {
		t.Fatalf("SaveRole: %v", err)
	}
	_, err = f.svc.CreateUser(ctx, admin, CreateUserInput{
		Name: "Audit", Email: "audit@example.com", Password: "right-password", Role: "auditor",
	})
	expectDelegationDenied(t, err)

	if _, err := f.svc.CreateUser(ctx, root, CreateUserInput{
		Name: "Audit", Email: "audit@example.com", Password: "right-password",
		Role: "auditor", Enterprises: []string{"E9"},
	}); err != nil {
		t.Fatalf("super_admin may assign anything: %v", err)
	}
}

func TestCreateUserValidationBeforeDelegation(t *testing.T) {
	f := newFixture(t)
	owner := f.principalFor(t, f.createUser(t, "owner@example.com", "right-password", RoleEnterpriseOwner, "E1"))

	_, err := f.svc.CreateUser(context.Background(), owner, CreateUserInput{Role: RoleSuperAdmin})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetUserStatusStaysInsideEnterprise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.principalFor(t, f.createUser(t, "owner@example.com", "right-password", RoleEnterpriseOwner, "E1"))
	peer := f.createUser(t, "peer@example.com", "right-password", RoleEnterpriseOwner, "E1")
	inside := f.createUser(t, "in@example.com", "right-password", RoleEmployee, "E1", "E2")
	outside := f.createUser(t, "out@example.com", "right-password", RoleEmployee, "E2")
	loner := f.createUser(t, "loner@example.com", "right-password", RoleEmployee)

	for _, target := range []*User{outside, peer, loner, owner.User} {
		_, err := f.svc.SetUserStatus(ctx, owner, target.ID, StatusSuspended)
		expectDelegationDenied(t, err)
	}
	stored, _ := f.store.Users(ctx).FindByID(ctx, outside.ID)
	if stored.Status != StatusActive {
		t.Fatalf("outside user changed: %s", stored.Status)
	}

	u, err := f.svc.SetUserStatus(ctx, owner, inside.ID, StatusSuspended)
	if err != nil {
		t.Fatalf("SetUserStatus inside E1: %v", err)
	}
	if u.Status != StatusSuspended {
		t.Fatalf("status not applied: %s", u.Status)
	}

	if _, err := f.svc.SetUserStatus(ctx, owner, "missing", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetUserEnterprisesOnlyTouchesActorsEnterprises(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.principalFor(t, f.createUser(t, "admin@example.com", "right-password", RoleAdmin, "E1"))
	emp := f.createUser(t, "emp@example.com", "right-password", RoleEmployee, "E3")
	root := f.createUser(t, "root@example.com", "right-password", RoleSuperAdmin)

	_, err := f.svc.SetUserEnterprises(ctx, admin, emp.ID, []string{"E2", "E3"})
	expectDelegationDenied(t, err)
	_, err = f.svc.SetUserEnterprises(ctx, admin, emp.ID, nil)
	expectDelegationDenied(t, err)
	_, err = f.svc.SetUserEnterprises(ctx, admin, root.ID, []string{"E1"})
	expectDelegationDenied(t, err)

	u, err := f.svc.SetUserEnterprises(ctx, admin, emp.ID, []string{"E1", "E3"})
	if err != nil {
		t.Fatalf("SetUserEnterprises: %v", err)
	}
	if !u.MemberOf("E1") || !u.MemberOf("E3") {
		t.Fatalf("unexpected enterprises: %v", u.Enterprises)
	}
}

func TestDelegationWithoutPrincipal(t *testing.T) {
	expectDelegationDenied(t, canAssignRole(Principal{}, &Role{Name: RoleEmployee, Level: 1, Category: CategoryEmployee}))
	expectDelegationDenied(t, canGrantEnterprises(Principal{}, nil, []string{"E1"}))
}
