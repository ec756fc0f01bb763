package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Ping(ctx context.Context) error
}

// UserStore manages credential records. Methods that mutate security state
// are single atomic operations; callers never read-modify-write a user.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)

	// RecordLoginFailure increments the attempt counter. When the increment
	// reaches threshold the account is locked until now+lockFor and the
	// counter restarts at zero.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LoginFailure, error)
	// RecordLoginSuccess clears attempts and a lapsed lock and stamps
	// lastLogin. It returns ErrAccountLocked when a lock is still in force.
	RecordLoginSuccess(ctx context.Context, id string, now time.Time) error

	SetResetToken(ctx context.Context, id, tokenHash string, expires time.Time) error
	// ConsumeResetToken swaps in passwordHash for the user holding a live
	// token with tokenHash. The token, lock and attempt counter are cleared in
	// the same write. No match yields ErrInvalidResetToken.
	ConsumeResetToken(ctx context.Context, tokenHash, passwordHash string, now time.Time) (*User, error)
	ConsumeVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*User, error)

	UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) (*User, error)
	SetStatus(ctx context.Context, id string, status UserStatus, now time.Time) (*User, error)
	SetEnterprises(ctx context.Context, id string, enterprises []string, now time.Time) (*User, error)

	// ClearExpired drops reset tokens and locks whose time has passed and
	// reports how many rows changed.
	ClearExpired(ctx context.Context, now time.Time) (int64, error)
}

// RoleStore manages the role registry.
type RoleStore interface {
	List(ctx context.Context) ([]*Role, error)
	Find(ctx context.Context, name string) (*Role, error)
	// FindDefault returns the active default role of a category, or
	// ErrNoDefaultRole.
	FindDefault(ctx context.Context, category RoleCategory) (*Role, error)
	// Save upserts role. A default role clears the flag on its siblings in
	// the same write.
	Save(ctx context.Context, role *Role) error
	// InsertIfMissing creates role unless one with the same name exists and
	// reports whether it inserted.
	InsertIfMissing(ctx context.Context, role *Role) (bool, error)
	Retire(ctx context.Context, name string, now time.Time) error
}
