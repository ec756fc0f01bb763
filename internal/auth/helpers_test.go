package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	testAccessSecret  = "access-secret-0123456789abcdef0123456789"
	testRefreshSecret = "refresh-secret-0123456789abcdef012345678"
)

// operator stands in for a super_admin caller in tests that are not about
// delegation.
var operator = Principal{User: &User{ID: "operator", Role: RoleSuperAdmin}}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentToken struct {
	userID string
	raw    string
}

type captureNotifier struct {
	mu     sync.Mutex
	resets []sentToken
	verify []sentToken
}

func (n *captureNotifier) PasswordReset(_ context.Context, u *User, raw string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resets = append(n.resets, sentToken{userID: u.ID, raw: raw})
	return nil
}

func (n *captureNotifier) EmailVerification(_ context.Context, u *User, raw string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verify = append(n.verify, sentToken{userID: u.ID, raw: raw})
	return nil
}

func (n *captureNotifier) lastReset(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.resets) == 0 {
		t.Fatal("no reset token was sent")
	}
	return n.resets[len(n.resets)-1].raw
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *fakeClock
	notifier *captureNotifier
}

func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	store.now = clock.Now
	tokens, err := NewTokenService(testAccessSecret, testRefreshSecret, WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	notifier := &captureNotifier{}
	base := []ServiceOption{
		WithClock(clock.Now),
		WithHasher(NewBcryptHasher(bcrypt.MinCost)),
		WithNotifier(notifier),
	}
	svc, err := NewService(store, tokens, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.EnsureSeedRoles(context.Background()); err != nil {
		t.Fatalf("EnsureSeedRoles: %v", err)
	}
	return &fixture{svc: svc, store: store, clock: clock, notifier: notifier}
}

func (f *fixture) createUser(t *testing.T, email, password, role string, enterprises ...string) *User {
	t.Helper()
	u, err := f.svc.CreateUser(context.Background(), operator, CreateUserInput{
		Name:        "Test User",
		Email:       email,
		Password:    password,
		Role:        role,
		Enterprises: enterprises,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}
