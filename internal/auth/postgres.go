package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"bizdesk.io/internal/ids"
	"bizdesk.io/internal/obs"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL through database/sql and the pgx
// driver.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore { return &userStore{db: s.db} }
func (s *PGStore) Roles(context.Context) RoleStore { return &roleStore{db: s.db} }

func (s *PGStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, name, email, password_hash, role, status, login_attempts, lock_until,
	password_reset_token_hash, password_reset_expires, email_verification_hash, email_verified,
	enterprises, last_login, password_changed_at, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u                          User
		resetHash, verifyHash      sql.NullString
		lockUntil, resetExp        sql.NullTime
		lastLogin, passwordChanged sql.NullTime
		rawEnterprises             []byte
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &u.LoginAttempts, &lockUntil,
		&resetHash, &resetExp, &verifyHash, &u.EmailVerified,
		&rawEnterprises, &lastLogin, &passwordChanged, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.PasswordResetTokenHash = resetHash.String
	u.EmailVerificationHash = verifyHash.String
	u.LockUntil = nullTime(lockUntil)
	u.PasswordResetExpires = nullTime(resetExp)
	u.LastLogin = nullTime(lastLogin)
	u.PasswordChangedAt = nullTime(passwordChanged)
	u.Enterprises = []string{}
	if len(rawEnterprises) > 0 {
		if err := json.Unmarshal(rawEnterprises, &u.Enterprises); err != nil {
			return nil, fmt.Errorf("decode enterprises: %w", err)
		}
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Enterprises == nil {
		u.Enterprises = []string{}
	}
	enterprises, err := json.Marshal(u.Enterprises)
	if err != nil {
		return fmt.Errorf("encode enterprises: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	u.Email = strings.ToLower(u.Email)
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, name, email, password_hash, role, status, email_verification_hash,
			email_verified, enterprises, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, u.ID, u.Name, u.Email, u.PasswordHash, u.Role, string(u.Status), nullIfEmpty(u.EmailVerificationHash),
		u.EmailVerified, enterprises, u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: email %s", ErrAlreadyExists, u.Email)
		}
		return err
	}
	return nil
}

func (s *userStore) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where email = $1`, strings.ToLower(email))
}

func (s *userStore) findOne(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// RecordLoginFailure is one row-locked statement, so concurrent failures
// each see the previous increment. Only the crossing attempt leaves the
// counter at zero.
func (s *userStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LoginFailure, error) {
	lockUntil := now.Add(lockFor)
	var (
		res   LoginFailure
		until sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users set
			login_attempts = case when login_attempts + 1 >= $2::int then 0 else login_attempts + 1 end,
			lock_until = case
				when login_attempts + 1 >= $2::int then $3::timestamptz
				when lock_until <= $4::timestamptz then null
				else lock_until end,
			updated_at = $4::timestamptz
		where id = $1
		returning login_attempts, lock_until, (login_attempts = 0 and lock_until is not null)
	`, id, threshold, lockUntil, now).Scan(&res.Attempts, &until, &res.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginFailure{}, ErrNotFound
	}
	if err != nil {
		return LoginFailure{}, err
	}
	res.LockUntil = nullTime(until)
	return res, nil
}

// RecordLoginSuccess only clears a lock that has already lapsed. A lock set
// by a concurrent failure wins over a verify that started before it.
func (s *userStore) RecordLoginSuccess(ctx context.Context, id string, now time.Time) error {
	err := s.execOne(ctx, `
		update users set login_attempts = 0, lock_until = null, last_login = $2, updated_at = $2
		where id = $1 and (lock_until is null or lock_until <= $2)
	`, id, now)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAccountLocked
	}
	return ErrNotFound
}

func (s *userStore) SetResetToken(ctx context.Context, id, tokenHash string, expires time.Time) error {
	return s.execOne(ctx, `
		update users set password_reset_token_hash = $2, password_reset_expires = $3
		where id = $1
	`, id, tokenHash, expires)
}

func (s *userStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		update users set
			password_hash = $2,
			password_reset_token_hash = null,
			password_reset_expires = null,
			lock_until = null,
			login_attempts = 0,
			password_changed_at = $3,
			updated_at = $3
		where password_reset_token_hash = $1 and password_reset_expires > $3
		returning `+userColumns, tokenHash, passwordHash, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidResetToken
	}
	return u, err
}

func (s *userStore) ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		update users set email_verification_hash = null, email_verified = true, updated_at = $2
		where email_verification_hash = $1
		returning `+userColumns, tokenHash, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidVerificationToken
	}
	return u, err
}

func (s *userStore) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) (*User, error) {
	return s.updateOne(ctx, `
		update users set password_hash = $2, password_changed_at = $3, updated_at = $3,
			password_reset_token_hash = null, password_reset_expires = null
		where id = $1
		returning `+userColumns, id, passwordHash, now)
}

func (s *userStore) SetStatus(ctx context.Context, id string, status UserStatus, now time.Time) (*User, error) {
	return s.updateOne(ctx, `
		update users set status = $2, updated_at = $3 where id = $1
		returning `+userColumns, id, string(status), now)
}

func (s *userStore) SetEnterprises(ctx context.Context, id string, enterprises []string, now time.Time) (*User, error) {
	if enterprises == nil {
		enterprises = []string{}
	}
	raw, err := json.Marshal(enterprises)
	if err != nil {
		return nil, fmt.Errorf("encode enterprises: %w", err)
	}
	return s.updateOne(ctx, `
		update users set enterprises = $2, updated_at = $3 where id = $1
		returning `+userColumns, id, raw, now)
}

func (s *userStore) updateOne(ctx context.Context, query string, args ...any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *userStore) ClearExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update users set
			password_reset_token_hash = case when password_reset_expires <= $1 then null else password_reset_token_hash end,
			password_reset_expires = case when password_reset_expires <= $1 then null else password_reset_expires end,
			lock_until = case when lock_until <= $1 then null else lock_until end
		where password_reset_expires <= $1 or lock_until <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *sql.DB }

const roleColumns = `name, display_name, description, permissions, level, category, is_default, is_active, created_at, updated_at`

func scanRole(row rowScanner) (*Role, error) {
	var (
		r   Role
		raw []byte
	)
	if err := row.Scan(&r.Name, &r.DisplayName, &r.Description, &raw, &r.Level, &r.Category,
		&r.IsDefault, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	perms, err := decodePermissions(r.Name, raw)
	if err != nil {
		return nil, err
	}
	r.Permissions = perms
	return &r, nil
}

// decodePermissions drops strings outside the enumeration and logs them.
func decodePermissions(role string, raw []byte) ([]Permission, error) {
	var stored []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, fmt.Errorf("decode permissions of %s: %w", role, err)
		}
	}
	perms := make([]Permission, 0, len(stored))
	for _, s := range stored {
		p, err := ParsePermission(s)
		if err != nil {
			obs.Logger().WithField("role", role).WithError(err).Error("dropping unknown stored permission")
			continue
		}
		perms = append(perms, p)
	}
	return perms, nil
}

func encodePermissions(perms []Permission) ([]byte, error) {
	for _, p := range perms {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, p)
		}
	}
	return json.Marshal(permissionStrings(perms))
}

func (s *roleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by level desc, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *roleStore) Find(ctx context.Context, name string) (*Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *roleStore) FindDefault(ctx context.Context, category RoleCategory) (*Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where category = $1 and is_default and is_active`, string(category)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: category %s", ErrNoDefaultRole, category)
	}
	return r, err
}

// Save clears sibling defaults and upserts in one transaction.
func (s *roleStore) Save(ctx context.Context, role *Role) error {
	perms, err := encodePermissions(role.Permissions)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if role.IsDefault {
		if _, err := tx.ExecContext(ctx, `
			update roles set is_default = false, updated_at = $3
			where category = $1 and name <> $2 and is_default
		`, string(role.Category), role.Name, now); err != nil {
			return err
		}
	}
	err = tx.QueryRowContext(ctx, `
		insert into roles (`+roleColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		on conflict (name) do update set
			display_name = excluded.display_name,
			description = excluded.description,
			permissions = excluded.permissions,
			level = excluded.level,
			category = excluded.category,
			is_default = excluded.is_default,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
		returning created_at, updated_at
	`, role.Name, role.DisplayName, role.Description, perms, role.Level, string(role.Category),
		role.IsDefault, role.IsActive, now).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// InsertIfMissing never overwrites and never steals a category default.
func (s *roleStore) InsertIfMissing(ctx context.Context, role *Role) (bool, error) {
	perms, err := encodePermissions(role.Permissions)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into roles (`+roleColumns+`)
		select $1, $2, $3, $4::jsonb, $5, $6::text,
			$7::boolean and not exists (select 1 from roles where category = $6::text and is_default and is_active),
			$8, $9, $9
		on conflict (name) do nothing
	`, role.Name, role.DisplayName, role.Description, perms, role.Level, string(role.Category),
		role.IsDefault, role.IsActive, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *roleStore) Retire(ctx context.Context, name string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update roles set is_active = false, is_default = false, updated_at = $2 where name = $1`, name, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
