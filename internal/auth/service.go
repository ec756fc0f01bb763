package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"bizdesk.io/internal/audit"
	"bizdesk.io/internal/obs"
)

const (
	DefaultLockThreshold = 5
	DefaultLockDuration  = 2 * time.Hour
	DefaultResetTTL      = 10 * time.Minute

	maxNameLength = 100
)

// Service runs the credential state machine and issues sessions.
type Service struct {
	store    Store
	tokens   *TokenService
	hasher   PasswordHasher
	notifier Notifier
	now      func() time.Time

	lockThreshold   int
	lockDuration    time.Duration
	resetTTL        time.Duration
	defaultCategory RoleCategory

	// dummyHash is compared against when the email is unknown so both paths
	// spend the same hashing time.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher swaps the password hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: nil password hasher")
		}
		s.hasher = h
		return nil
	}
}

// WithNotifier sets where reset and verification tokens are sent.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithLockout sets the failure threshold and lock duration.
func WithLockout(threshold int, d time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold < 1 || d <= 0 {
			return fmt.Errorf("%w: lockout threshold %d duration %s", ErrConfiguration, threshold, d)
		}
		s.lockThreshold = threshold
		s.lockDuration = d
		return nil
	}
}

// WithResetTTL sets the password reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.resetTTL = ttl
		}
		return nil
	}
}

// WithDefaultCategory selects which category's default role self-registered
// users receive.
func WithDefaultCategory(c RoleCategory) ServiceOption {
	return func(s *Service) error {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown role category %q", ErrConfiguration, c)
		}
		s.defaultCategory = c
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil {
		return nil, errors.New("auth: store and token service are required")
	}
	svc := &Service{
		store:           store,
		tokens:          tokens,
		hasher:          NewBcryptHasher(0),
		notifier:        LogNotifier{},
		now:             time.Now,
		lockThreshold:   DefaultLockThreshold,
		lockDuration:    DefaultLockDuration,
		resetTTL:        DefaultResetTTL,
		defaultCategory: CategoryEmployee,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := svc.hasher.Hash("bizdesk-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	svc.dummyHash = dummy
	return svc, nil
}

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// Session is what a successful credential exchange returns.
type Session struct {
	User   *User     `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

type LoginInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

// Login verifies credentials and drives the lockout state machine.
func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	email := normalizeEmail(in.Email)
	verr := &ValidationError{}
	if email == "" {
		verr.Add("email", "is required")
	}
	if in.Password == "" {
		verr.Add("password", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return Session{}, err
	}

	now := s.now().UTC()
	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, _ = s.hasher.Verify(s.dummyHash, in.Password)
		s.loginFailed(ctx, "", "unknown_email", "invalid")
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		obs.LoginAttempt("error")
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != StatusActive {
		s.loginFailed(ctx, user.ID, "inactive", "inactive")
		return Session{}, ErrAccountInactive
	}
	if user.IsLocked(now) {
		s.loginFailed(ctx, user.ID, "locked", "locked")
		return Session{}, ErrAccountLocked
	}

	ok, err := s.hasher.Verify(user.PasswordHash, in.Password)
	if err != nil {
		obs.LoginAttempt("error")
		return Session{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		res, err := users.RecordLoginFailure(ctx, user.ID, s.lockThreshold, s.lockDuration, now)
		if err != nil {
			obs.LoginAttempt("error")
			return Session{}, fmt.Errorf("record login failure: %w", err)
		}
		if res.Locked {
			obs.Lockout()
			s.loginFailed(ctx, user.ID, "lockout", "locked")
			_ = audit.LogEvent(ctx, "auth.lockout", map[string]any{
				"user_id":    user.ID,
				"lock_until": res.LockUntil.UTC().Format(time.RFC3339),
			})
			return Session{}, ErrAccountLocked
		}
		s.loginFailed(ctx, user.ID, "bad_password", "invalid")
		return Session{}, ErrInvalidCredentials
	}

	role, err := s.activeRole(ctx, user.Role)
	if err != nil {
		s.loginFailed(ctx, user.ID, "role_unavailable", "invalid")
		return Session{}, err
	}
	if err := users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		if errors.Is(err, ErrAccountLocked) {
			s.loginFailed(ctx, user.ID, "locked", "locked")
			return Session{}, ErrAccountLocked
		}
		obs.LoginAttempt("error")
		return Session{}, fmt.Errorf("record login success: %w", err)
	}
	user.LoginAttempts = 0
	user.LockUntil = nil
	user.LastLogin = &now

	pair, err := s.tokens.IssuePair(payloadFor(user, role), in.RememberMe)
	if err != nil {
		return Session{}, err
	}
	obs.LoginAttempt("success")
	_ = audit.LogEvent(ctx, "auth.login_succeeded", map[string]any{"user_id": user.ID, "remember_me": in.RememberMe})
	return Session{User: user, Tokens: pair}, nil
}

func (s *Service) loginFailed(ctx context.Context, userID, reason, outcome string) {
	obs.LoginAttempt(outcome)
	fields := map[string]any{"reason": reason}
	if userID != "" {
		fields["user_id"] = userID
	}
	_ = audit.LogEvent(ctx, "auth.login_failed", fields)
}

type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a self-service account with the default role of the
// configured category. A missing default role is a configuration error.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	verr := &ValidationError{}
	validateName(name, verr)
	validateEmail(email, verr)
	validatePassword("password", in.Password, verr)
	if err := verr.OrNil(); err != nil {
		return Session{}, err
	}

	role, err := s.store.Roles(ctx).FindDefault(ctx, s.defaultCategory)
	if err != nil {
		return Session{}, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	rawVerify, verifyDigest, err := newOpaqueToken()
	if err != nil {
		return Session{}, err
	}
	user := &User{
		Name:                  name,
		Email:                 email,
		PasswordHash:          hash,
		Role:                  role.Name,
		Status:                StatusActive,
		EmailVerificationHash: verifyDigest,
		Enterprises:           []string{},
		CreatedAt:             s.now().UTC(),
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return Session{}, err
	}
	if err := s.notifier.EmailVerification(ctx, user, rawVerify); err != nil {
		obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("email verification notify failed")
	}
	pair, err := s.tokens.IssuePair(payloadFor(user, role), false)
	if err != nil {
		return Session{}, err
	}
	_ = audit.LogEvent(ctx, "auth.registered", map[string]any{"user_id": user.ID, "role": role.Name})
	user.EmailVerificationHash = ""
	return Session{User: user, Tokens: pair}, nil
}

type CreateUserInput struct {
	Name        string     `json:"name"`
	Email       string     `json:"email"`
	Password    string     `json:"password"`
	Role        string     `json:"role"`
	Enterprises []string   `json:"enterprises"`
	Status      UserStatus `json:"status,omitempty"`
}

// CreateUser is the administrative path. The role is explicit and must be
// active, and actor must be allowed to delegate both the role and every
// enterprise listed.
func (s *Service) CreateUser(ctx context.Context, actor Principal, in CreateUserInput) (*User, error) {
	user, role, err := s.prepareUser(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := canAssignRole(actor, role); err != nil {
		return nil, err
	}
	if err := canGrantEnterprises(actor, nil, user.Enterprises); err != nil {
		return nil, err
	}
	return s.insertUser(ctx, user)
}

// BootstrapAdmin creates a super admin when the email is not yet taken and
// reports whether it did.
func (s *Service) BootstrapAdmin(ctx context.Context, name, email, password string) (bool, error) {
	_, err := s.store.Users(ctx).FindByEmail(ctx, normalizeEmail(email))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if strings.TrimSpace(name) == "" {
		name = "Administrator"
	}
	user, _, err := s.prepareUser(ctx, CreateUserInput{
		Name:     name,
		Email:    email,
		Password: password,
		Role:     RoleSuperAdmin,
	})
	if err != nil {
		return false, err
	}
	if _, err := s.insertUser(ctx, user); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) prepareUser(ctx context.Context, in CreateUserInput) (*User, *Role, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	roleName := strings.ToLower(strings.TrimSpace(in.Role))
	status := in.Status
	if status == "" {
		status = StatusActive
	}
	verr := &ValidationError{}
	validateName(name, verr)
	validateEmail(email, verr)
	validatePassword("password", in.Password, verr)
	if !status.Valid() {
		verr.Add("status", "must be active, inactive or suspended")
	}
	enterprises := normalizeEnterprises(in.Enterprises, verr)
	var role *Role
	if roleName == "" {
		verr.Add("role", "is required")
	} else {
		r, err := s.activeRole(ctx, roleName)
		switch {
		case errors.Is(err, ErrRoleUnavailable):
			verr.Add("role", "unknown or retired role")
		case err != nil:
			return nil, nil, err
		default:
			role = r
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}
	return &User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         roleName,
		Status:       status,
		Enterprises:  enterprises,
		CreatedAt:    s.now().UTC(),
	}, role, nil
}

func (s *Service) insertUser(ctx context.Context, user *User) (*User, error) {
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.user_created", map[string]any{"user_id": user.ID, "role": user.Role})
	return user, nil
}

// Refresh verifies a refresh token against the current user record and
// issues a brand new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	v, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		obs.TokenRejected(rejectionReason(err))
		return TokenPair{}, err
	}
	p, err := s.ResolvePrincipal(ctx, v)
	if err != nil {
		return TokenPair{}, err
	}
	return s.tokens.IssuePair(payloadFor(p.User, p.Role), v.RememberMe)
}

// Authenticate verifies an access token and resolves its principal.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	v, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		obs.TokenRejected(rejectionReason(err))
		return Principal{}, err
	}
	return s.ResolvePrincipal(ctx, v)
}

// ResolvePrincipal loads the current user and role behind a verified token.
// Nothing from the token besides the user id is trusted.
func (s *Service) ResolvePrincipal(ctx context.Context, v Verified) (Principal, error) {
	user, err := s.store.Users(ctx).FindByID(ctx, v.UserID)
	if errors.Is(err, ErrNotFound) {
		obs.TokenRejected("user_not_found")
		return Principal{}, ErrUserNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != StatusActive {
		obs.TokenRejected("inactive")
		return Principal{}, ErrAccountInactive
	}
	if user.PasswordChangedAt != nil && v.IssuedAt.Before(user.PasswordChangedAt.Truncate(time.Second)) {
		obs.TokenRejected("stale")
		return Principal{}, fmt.Errorf("%w: issued before password change", ErrInvalidToken)
	}
	role, err := s.activeRole(ctx, user.Role)
	if err != nil {
		obs.TokenRejected("role_unavailable")
		return Principal{}, err
	}
	return Principal{User: user, Role: role, Permissions: slices.Clone(role.Permissions)}, nil
}

// ForgotPassword issues a reset token when the email belongs to an active
// account. The caller learns nothing either way.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return (&ValidationError{}).Add("email", "is required")
	}
	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = audit.LogEvent(ctx, "auth.password_reset_requested", map[string]any{"known": false})
		return nil
	}
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if user.Status != StatusActive {
		_ = audit.LogEvent(ctx, "auth.password_reset_requested", map[string]any{"user_id": user.ID, "inactive": true})
		return nil
	}
	raw, digest, err := newOpaqueToken()
	if err != nil {
		return err
	}
	expires := s.now().UTC().Add(s.resetTTL)
	if err := users.SetResetToken(ctx, user.ID, digest, expires); err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}
	if err := s.notifier.PasswordReset(ctx, user, raw, expires); err != nil {
		obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("password reset notify failed")
	}
	_ = audit.LogEvent(ctx, "auth.password_reset_requested", map[string]any{"user_id": user.ID})
	return nil
}

// ResetPassword consumes a reset token. The same token never works twice.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) (Session, error) {
	rawToken = strings.TrimSpace(rawToken)
	verr := &ValidationError{}
	if rawToken == "" {
		verr.Add("token", "is required")
	}
	validatePassword("password", newPassword, verr)
	if err := verr.OrNil(); err != nil {
		return Session{}, err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.store.Users(ctx).ConsumeResetToken(ctx, digestToken(rawToken), hash, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrInvalidResetToken) {
			_ = audit.LogEvent(ctx, "auth.password_reset_rejected", nil)
		}
		return Session{}, err
	}
	_ = audit.LogEvent(ctx, "auth.password_reset", map[string]any{"user_id": user.ID})
	if user.Status != StatusActive {
		return Session{}, ErrAccountInactive
	}
	return s.sessionFor(ctx, user)
}

// ChangePassword requires the current password. Lockout does not apply; the
// caller already holds a valid session.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) (Session, error) {
	verr := &ValidationError{}
	if current == "" {
		verr.Add("currentPassword", "is required")
	}
	validatePassword("newPassword", next, verr)
	if current != "" && current == next {
		verr.Add("newPassword", "must differ from the current password")
	}
	if err := verr.OrNil(); err != nil {
		return Session{}, err
	}
	users := s.store.Users(ctx)
	user, err := users.FindByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrUserNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w", err)
	}
	ok, err := s.hasher.Verify(user.PasswordHash, current)
	if err != nil {
		return Session{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		_ = audit.LogEvent(ctx, "auth.password_change_rejected", map[string]any{"user_id": user.ID})
		return Session{}, ErrInvalidCredentials
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	updated, err := users.UpdatePassword(ctx, user.ID, hash, s.now().UTC())
	if err != nil {
		return Session{}, err
	}
	_ = audit.LogEvent(ctx, "auth.password_changed", map[string]any{"user_id": user.ID})
	return s.sessionFor(ctx, updated)
}

// VerifyEmail consumes an email verification token.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return (&ValidationError{}).Add("token", "is required")
	}
	user, err := s.store.Users(ctx).ConsumeVerificationToken(ctx, digestToken(rawToken), s.now().UTC())
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.email_verified", map[string]any{"user_id": user.ID})
	return nil
}

// SetUserStatus transitions an account. Users are never deleted. The actor
// must outrank the target and share an enterprise with it.
func (s *Service) SetUserStatus(ctx context.Context, actor Principal, userID string, status UserStatus) (*User, error) {
	if !status.Valid() {
		return nil, (&ValidationError{}).Add("status", "must be active, inactive or suspended")
	}
	target, targetRole, err := s.findTarget(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := canManageUser(actor, target, targetRole, true); err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).SetStatus(ctx, userID, status, s.now().UTC())
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.user_status_changed", map[string]any{"user_id": userID, "status": string(status)})
	return user, nil
}

// SetUserEnterprises replaces the user's enterprise memberships. Every
// membership added or removed must be one the actor holds.
func (s *Service) SetUserEnterprises(ctx context.Context, actor Principal, userID string, enterprises []string) (*User, error) {
	verr := &ValidationError{}
	list := normalizeEnterprises(enterprises, verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	target, targetRole, err := s.findTarget(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := canManageUser(actor, target, targetRole, false); err != nil {
		return nil, err
	}
	if err := canGrantEnterprises(actor, target.Enterprises, list); err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).SetEnterprises(ctx, userID, list, s.now().UTC())
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.user_enterprises_changed", map[string]any{"user_id": userID, "enterprises": list})
	return user, nil
}

// findTarget loads a user and its role record, retired or not. A missing
// role yields a nil *Role.
func (s *Service) findTarget(ctx context.Context, userID string) (*User, *Role, error) {
	user, err := s.store.Users(ctx).FindByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	role, err := s.store.Roles(ctx).Find(ctx, user.Role)
	if errors.Is(err, ErrNotFound) {
		return user, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find role: %w", err)
	}
	return user, role, nil
}

// ClearExpired purges dead reset tokens and elapsed locks.
func (s *Service) ClearExpired(ctx context.Context) (int64, error) {
	return s.store.Users(ctx).ClearExpired(ctx, s.now().UTC())
}

func (s *Service) sessionFor(ctx context.Context, user *User) (Session, error) {
	role, err := s.activeRole(ctx, user.Role)
	if err != nil {
		return Session{}, err
	}
	pair, err := s.tokens.IssuePair(payloadFor(user, role), false)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Tokens: pair}, nil
}

// activeRole maps missing or retired roles to ErrRoleUnavailable.
func (s *Service) activeRole(ctx context.Context, name string) (*Role, error) {
	role, err := s.store.Roles(ctx).Find(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoleUnavailable, name)
	}
	if err != nil {
		return nil, fmt.Errorf("find role: %w", err)
	}
	if !role.IsActive {
		return nil, fmt.Errorf("%w: %s retired", ErrRoleUnavailable, name)
	}
	return role, nil
}

func payloadFor(u *User, r *Role) Payload {
	return Payload{UserID: u.ID, Email: u.Email, Role: r.Name}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	default:
		return "invalid"
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateName(name string, verr *ValidationError) {
	switch {
	case name == "":
		verr.Add("name", "is required")
	case len(name) > maxNameLength:
		verr.Add("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
}

func validateEmail(email string, verr *ValidationError) {
	if email == "" {
		verr.Add("email", "is required")
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		verr.Add("email", "is not a valid address")
	}
}

func normalizeEnterprises(in []string, verr *ValidationError) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			verr.Add("enterprises", "must not contain empty ids")
			continue
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// newOpaqueToken returns a random hex token and the digest that is stored.
func newOpaqueToken() (raw, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = hex.EncodeToString(buf)
	return raw, digestToken(raw), nil
}

func digestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
