package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	// ErrUnauthenticated is the root of every failure that must surface as 401.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden is the root of every authorization denial (403).
	ErrForbidden = errors.New("auth: forbidden")
	// ErrConfiguration marks problems that should abort startup.
	ErrConfiguration = errors.New("auth: configuration error")
)

var (
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", ErrUnauthenticated)
	ErrAccountLocked      = fmt.Errorf("%w: account locked", ErrUnauthenticated)
	ErrAccountInactive    = fmt.Errorf("%w: account inactive", ErrUnauthenticated)
	ErrMissingToken       = fmt.Errorf("%w: missing token", ErrUnauthenticated)
	ErrUserNotFound       = fmt.Errorf("%w: user not found", ErrUnauthenticated)
	ErrRoleUnavailable    = fmt.Errorf("%w: role unavailable", ErrUnauthenticated)
	ErrInvalidResetToken  = fmt.Errorf("%w: reset token invalid or expired", ErrUnauthenticated)

	// ErrInvalidToken covers every token that failed verification. The finer
	// kinds below wrap it so security decisions only ever test this one.
	ErrInvalidToken   = fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	ErrMalformedToken = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrInvalidToken)

	ErrInvalidVerificationToken = fmt.Errorf("%w: verification token invalid", ErrInvalidInput)

	ErrNoDefaultRole = fmt.Errorf("%w: no default role", ErrConfiguration)
	ErrMissingSecret = fmt.Errorf("%w: signing secret", ErrConfiguration)
)

// ValidationError reports malformed input with per-field detail.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrInvalidInput.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrInvalidInput.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Add records a problem for field and returns the receiver for chaining.
func (e *ValidationError) Add(field, problem string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = problem
	}
	return e
}

// OrNil returns nil when no field was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// AuthorizationError is returned by access checks. The caller is already
// identified, so Detail may name what was missing.
type AuthorizationError struct {
	Check  string
	Detail string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrForbidden, e.Check, e.Detail)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }
