package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var userColumnNames = []string{
	"id", "name", "email", "password_hash", "role", "status", "login_attempts", "lock_until",
	"password_reset_token_hash", "password_reset_expires", "email_verification_hash", "email_verified",
	"enterprises", "last_login", "password_changed_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lock := now.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("from users where email = $1")).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(userColumnNames).AddRow(
			"u1", "Ana", "ana@example.com", "hash", "manager", "active", 2, lock,
			nil, nil, nil, true,
			[]byte(`["E1","E2"]`), now, nil, now, now,
		))

	u, err := store.Users(context.Background()).FindByEmail(context.Background(), "Ana@Example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.Status != StatusActive || u.LoginAttempts != 2 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.LockUntil == nil || !u.LockUntil.Equal(lock) || !u.IsLocked(now) {
		t.Fatalf("lock not decoded: %v", u.LockUntil)
	}
	if !u.MemberOf("E2") || u.MemberOf("E3") {
		t.Fatalf("enterprises not decoded: %v", u.Enterprises)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("from users where id = $1")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := store.Users(context.Background()).FindByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGRecordLoginFailureSingleStatement(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lockUntil := now.Add(2 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("update users set")).
		WithArgs("u1", 5, lockUntil, now).
		WillReturnRows(sqlmock.NewRows([]string{"login_attempts", "lock_until", "locked"}).AddRow(0, lockUntil, true))

	res, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "u1", 5, 2*time.Hour, now)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if !res.Locked || res.Attempts != 0 || res.LockUntil == nil || !res.LockUntil.Equal(lockUntil) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRecordLoginSuccessKeepsActiveLock(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("where id = $1 and (lock_until is null or lock_until <= $2)")).
		WithArgs("u1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from users where id = $1)")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Users(context.Background()).RecordLoginSuccess(context.Background(), "u1", now)
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected account locked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGRecordLoginSuccessUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("update users set login_attempts = 0")).
		WithArgs("ghost", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select exists")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Users(context.Background()).RecordLoginSuccess(context.Background(), "ghost", now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPGConsumeResetTokenNoMatch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("where password_reset_token_hash = $1 and password_reset_expires > $3")).
		WithArgs("digest", "newhash", now).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users(context.Background()).ConsumeResetToken(context.Background(), "digest", "newhash", now)
	if !errors.Is(err, ErrInvalidResetToken) {
		t.Fatalf("expected ErrInvalidResetToken, got %v", err)
	}
}

func TestPGCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into users")).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users(context.Background()).Create(context.Background(), &User{
		Name: "Ana", Email: "ana@example.com", PasswordHash: "h", Role: RoleEmployee, Status: StatusActive,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestPGFindDefaultMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("where category = $1 and is_default and is_active")).
		WithArgs("employee").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Roles(context.Background()).FindDefault(context.Background(), CategoryEmployee)
	if !errors.Is(err, ErrNoDefaultRole) {
		t.Fatalf("expected ErrNoDefaultRole, got %v", err)
	}
}

func TestPGRoleDropsUnknownStoredPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("from roles where name = $1")).
		WithArgs("auditor").
		WillReturnRows(sqlmock.NewRows([]string{
			"name", "display_name", "description", "permissions", "level", "category",
			"is_default", "is_active", "created_at", "updated_at",
		}).AddRow("auditor", "Auditor", "", []byte(`["view_audit_logs","launch_rockets"]`), 3, "system", false, true, now, now))

	role, err := store.Roles(context.Background()).Find(context.Background(), "auditor")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(role.Permissions) != 1 || role.Permissions[0] != PermViewAuditLogs {
		t.Fatalf("unexpected permissions: %v", role.Permissions)
	}
}

func TestPGSaveDefaultClearsSiblingsInTx(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update roles set is_default = false")).
		WithArgs("employee", "intern", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("insert into roles")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	err := store.Roles(context.Background()).Save(context.Background(), &Role{
		Name: "intern", DisplayName: "Intern", Level: 1, Category: CategoryEmployee,
		Permissions: []Permission{PermViewInventory}, IsDefault: true, IsActive: true,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGSaveRejectsUnknownPermission(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.Roles(context.Background()).Save(context.Background(), &Role{
		Name: "odd", Permissions: []Permission{"fly"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
