package auth

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"bizdesk.io/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps users and roles in process memory. It backs development
// runs and tests; every method holds the single store mutex, which makes the
// counter and token updates atomic.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
	roles   map[string]*Role
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
		roles:   make(map[string]*Role),
		now:     time.Now,
	}
}

func (s *MemoryStore) Users(context.Context) UserStore { return memUsers{s} }
func (s *MemoryStore) Roles(context.Context) RoleStore { return memRoles{s} }
func (s *MemoryStore) Ping(context.Context) error      { return nil }

type memUsers struct{ s *MemoryStore }

func (m memUsers) Create(_ context.Context, u *User) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, taken := s.byEmail[email]; taken {
		return fmt.Errorf("%w: email %s", ErrAlreadyExists, email)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	u.Email = email
	s.users[u.ID] = u.Clone()
	s.byEmail[email] = u.ID
	return nil
}

func (m memUsers) FindByID(_ context.Context, id string) (*User, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (m memUsers) RecordLoginFailure(_ context.Context, id string, threshold int, lockFor time.Duration, now time.Time) (LoginFailure, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return LoginFailure{}, ErrNotFound
	}
	if u.LockUntil != nil && !u.LockUntil.After(now) {
		u.LockUntil = nil
	}
	u.LoginAttempts++
	var res LoginFailure
	if u.LoginAttempts >= threshold {
		until := now.Add(lockFor)
		u.LockUntil = &until
		u.LoginAttempts = 0
		res.Locked = true
	}
	u.UpdatedAt = now
	res.Attempts = u.LoginAttempts
	res.LockUntil = cloneTime(u.LockUntil)
	return res, nil
}

func (m memUsers) RecordLoginSuccess(_ context.Context, id string, now time.Time) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.IsLocked(now) {
		return ErrAccountLocked
	}
	u.LoginAttempts = 0
	u.LockUntil = nil
	u.LastLogin = &now
	u.UpdatedAt = now
	return nil
}

func (m memUsers) SetResetToken(_ context.Context, id, tokenHash string, expires time.Time) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordResetTokenHash = tokenHash
	u.PasswordResetExpires = &expires
	return nil
}

func (m memUsers) ConsumeResetToken(_ context.Context, tokenHash, passwordHash string, now time.Time) (*User, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if tokenHash == "" || u.PasswordResetTokenHash != tokenHash {
			continue
		}
		if u.PasswordResetExpires == nil || !u.PasswordResetExpires.After(now) {
			return nil, ErrInvalidResetToken
		}
		u.PasswordHash = passwordHash
		u.PasswordResetTokenHash = ""
		u.PasswordResetExpires = nil
		u.LockUntil = nil
		u.LoginAttempts = 0
		u.PasswordChangedAt = &now
		u.UpdatedAt = now
		return u.Clone(), nil
	}
	return nil, ErrInvalidResetToken
}

func (m memUsers) ConsumeVerificationToken(_ context.Context, tokenHash string, now time.Time) (*User, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if tokenHash == "" || u.EmailVerificationHash != tokenHash {
			continue
		}
		u.EmailVerificationHash = ""
		u.EmailVerified = true
		u.UpdatedAt = now
		return u.Clone(), nil
	}
	return nil, ErrInvalidVerificationToken
}

func (m memUsers) UpdatePassword(_ context.Context, id, passwordHash string, now time.Time) (*User, error) {
	return m.mutate(id, now, func(u *User) {
		u.PasswordHash = passwordHash
		u.PasswordChangedAt = &now
		u.PasswordResetTokenHash = ""
		u.PasswordResetExpires = nil
	})
}

func (m memUsers) SetStatus(_ context.Context, id string, status UserStatus, now time.Time) (*User, error) {
	return m.mutate(id, now, func(u *User) { u.Status = status })
}

func (m memUsers) SetEnterprises(_ context.Context, id string, enterprises []string, now time.Time) (*User, error) {
	return m.mutate(id, now, func(u *User) { u.Enterprises = slices.Clone(enterprises) })
}

func (m memUsers) mutate(id string, now time.Time, fn func(*User)) (*User, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(u)
	u.UpdatedAt = now
	return u.Clone(), nil
}

func (m memUsers) ClearExpired(_ context.Context, now time.Time) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		changed := false
		if u.PasswordResetExpires != nil && !u.PasswordResetExpires.After(now) {
			u.PasswordResetTokenHash = ""
			u.PasswordResetExpires = nil
			changed = true
		}
		if u.LockUntil != nil && !u.LockUntil.After(now) {
			u.LockUntil = nil
			changed = true
		}
		if changed {
			n++
		}
	}
	return n, nil
}

type memRoles struct{ s *MemoryStore }

func cloneRole(r *Role) *Role {
	c := *r
	c.Permissions = slices.Clone(r.Permissions)
	return &c
}

func (m memRoles) List(context.Context) ([]*Role, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m memRoles) Find(_ context.Context, name string) (*Role, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRole(r), nil
}

func (m memRoles) FindDefault(_ context.Context, category RoleCategory) (*Role, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Category == category && r.IsDefault && r.IsActive {
			return cloneRole(r), nil
		}
	}
	return nil, fmt.Errorf("%w: category %s", ErrNoDefaultRole, category)
}

func (m memRoles) Save(_ context.Context, role *Role) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if existing, ok := s.roles[role.Name]; ok {
		role.CreatedAt = existing.CreatedAt
	} else if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	role.UpdatedAt = now
	s.putRole(role)
	return nil
}

func (m memRoles) InsertIfMissing(_ context.Context, role *Role) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.Name]; ok {
		return false, nil
	}
	if role.IsDefault {
		for _, r := range s.roles {
			if r.Category == role.Category && r.IsDefault && r.IsActive {
				role.IsDefault = false
				break
			}
		}
	}
	now := s.now().UTC()
	role.CreatedAt, role.UpdatedAt = now, now
	s.putRole(role)
	return true, nil
}

// putRole must be called with s.mu held.
func (s *MemoryStore) putRole(role *Role) {
	if role.IsDefault {
		for name, r := range s.roles {
			if name != role.Name && r.Category == role.Category {
				r.IsDefault = false
			}
		}
	}
	s.roles[role.Name] = cloneRole(role)
}

func (m memRoles) Retire(_ context.Context, name string, now time.Time) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[name]
	if !ok {
		return ErrNotFound
	}
	r.IsActive = false
	r.IsDefault = false
	r.UpdatedAt = now
	return nil
}
