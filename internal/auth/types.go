package auth

import (
	"slices"
	"time"
)

// UserStatus is the administrative state of an account.
type UserStatus string

const (
	StatusActive    UserStatus = "active"
	StatusInactive  UserStatus = "inactive"
	StatusSuspended UserStatus = "suspended"
)

// Valid reports whether s is a known status.
func (s UserStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// User is a credential-bearing principal. Secrets are tagged out of JSON.
type User struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Email                  string     `json:"email"`
	PasswordHash           string     `json:"-"`
	Role                   string     `json:"role"`
	Status                 UserStatus `json:"status"`
	LoginAttempts          int        `json:"-"`
	LockUntil              *time.Time `json:"-"`
	PasswordResetTokenHash string     `json:"-"`
	PasswordResetExpires   *time.Time `json:"-"`
	EmailVerificationHash  string     `json:"-"`
	EmailVerified          bool       `json:"emailVerified"`
	Enterprises            []string   `json:"enterprises"`
	LastLogin              *time.Time `json:"lastLogin,omitempty"`
	PasswordChangedAt      *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// IsLocked reports whether the lockout window is still open at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockUntil != nil && u.LockUntil.After(now)
}

// MemberOf reports whether the user may act within the enterprise.
func (u *User) MemberOf(enterpriseID string) bool {
	return enterpriseID != "" && slices.Contains(u.Enterprises, enterpriseID)
}

// Clone returns a deep copy so stores never hand out shared state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Enterprises = slices.Clone(u.Enterprises)
	c.LockUntil = cloneTime(u.LockUntil)
	c.PasswordResetExpires = cloneTime(u.PasswordResetExpires)
	c.LastLogin = cloneTime(u.LastLogin)
	c.PasswordChangedAt = cloneTime(u.PasswordChangedAt)
	return &c
}

// LoginFailure is the state a failed attempt left behind.
type LoginFailure struct {
	Attempts  int
	LockUntil *time.Time
	// Locked is true when this very attempt crossed the threshold.
	Locked bool
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
