// Package guard limits repeated attempts against sensitive endpoints.
//
// A key gets a fixed window that opens on its first hit. Inside the window
// hits are counted up to Max; further hits are rejected without being counted
// and the window is never extended by rejected traffic.
package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bizdesk.io/internal/audit"
	"bizdesk.io/internal/obs"
)

// ErrRateLimited is returned by Check when a key is over budget.
var ErrRateLimited = errors.New("guard: too many attempts")

// Decision is the outcome of one hit.
type Decision struct {
	Allowed bool
	// Count is the number of hits counted in the current window.
	Count   int
	ResetAt time.Time
}

// RetryAfter is the time left until the window closes, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if left := d.ResetAt.Sub(now); left > 0 {
		return left
	}
	return 0
}

// Store keeps per-key counters. Hit must be atomic per key.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Config is one budget.
type Config struct {
	// Scope names the budget in keys, logs and metrics, e.g. "login".
	Scope  string
	Max    int
	Window time.Duration
	Prefix string
	// KeyFunc derives the client key from a request; RemoteAddr host by default.
	KeyFunc func(*http.Request) string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Scope) == "" {
		return errors.New("guard: scope is required")
	}
	if c.Max < 1 {
		return fmt.Errorf("guard %s: max must be positive", c.Scope)
	}
	if c.Window <= 0 {
		return fmt.Errorf("guard %s: window must be positive", c.Scope)
	}
	return nil
}

// Guard applies one Config against a Store.
type Guard struct {
	cfg   Config
	store Store
	now   func() time.Time
	log   *logrus.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithLogger overrides the shared logger.
func WithLogger(l *logrus.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// New validates cfg and builds a Guard.
func New(cfg Config, store Store, opts ...Option) (*Guard, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("guard: store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "guard"
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RemoteHost
	}
	g := &Guard{cfg: cfg, store: store, now: time.Now, log: obs.Logger()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Guard) key(client string) string {
	return g.cfg.Prefix + ":" + g.cfg.Scope + ":" + client
}

// Check records a hit for client. Over budget yields ErrRateLimited along
// with the decision. A failing store lets the hit through; the failure is
// logged and counted.
func (g *Guard) Check(ctx context.Context, client string) (Decision, error) {
	now := g.now()
	d, err := g.store.Hit(ctx, g.key(client), g.cfg.Max, g.cfg.Window, now)
	if err != nil {
		obs.GuardStoreError(g.cfg.Scope)
		g.log.WithError(err).WithField("scope", g.cfg.Scope).Error("guard store failed, allowing request")
		return Decision{Allowed: true}, nil
	}
	if !d.Allowed {
		obs.GuardRejected(g.cfg.Scope)
		return d, ErrRateLimited
	}
	return d, nil
}

// Middleware rejects over-budget clients with 429 and a Retry-After header.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.Check(r.Context(), g.cfg.KeyFunc(r))
		if errors.Is(err, ErrRateLimited) {
			secs := retrySeconds(d.RetryAfter(g.now()))
			_ = audit.LogEvent(r.Context(), "guard.rejected", map[string]any{
				"scope": g.cfg.Scope,
				"count": d.Count,
			})
			writeRejection(w, r, secs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RemoteHost keys by the TCP peer address.
func RemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
