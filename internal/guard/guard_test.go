package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, int, time.Duration, time.Time) (Decision, error) {
	return Decision{}, errors.New("backend down")
}

func TestGuardWindow(t *testing.T) {
	c := newClock()
	g, err := New(Config{Scope: "login", Max: 3, Window: 15 * time.Minute}, NewMemoryStore(0, time.Hour), WithClock(c.Now))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := g.Check(ctx, "198.51.100.7")
		require.NoError(t, err, "hit %d", i)
		assert.Equal(t, i, d.Count)
	}
	d, err := g.Check(ctx, "198.51.100.7")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, d.Count, "rejected hits are not counted")
	assert.Equal(t, 15*time.Minute, d.RetryAfter(c.Now()))

	_, err = g.Check(ctx, "198.51.100.8")
	require.NoError(t, err, "other clients have their own budget")

	c.Advance(10 * time.Minute)
	d, err = g.Check(ctx, "198.51.100.7")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 5*time.Minute, d.RetryAfter(c.Now()), "rejections do not extend the window")

	c.Advance(5 * time.Minute)
	d, err = g.Check(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count, "elapsed window starts fresh")
}

func TestGuardConcurrentHitsRespectMax(t *testing.T) {
	g, err := New(Config{Scope: "login", Max: 10, Window: time.Minute}, NewMemoryStore(0, time.Minute))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Check(context.Background(), "203.0.113.1"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestGuardFailsOpen(t *testing.T) {
	g, err := New(Config{Scope: "login", Max: 1, Window: time.Minute}, failingStore{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		d, err := g.Check(context.Background(), "x")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestGuardMiddleware(t *testing.T) {
	c := newClock()
	g, err := New(Config{
		Scope:  "forgot",
		Max:    2,
		Window: time.Hour,
		KeyFunc: func(r *http.Request) string {
			return r.Header.Get("X-Test-Client")
		},
	}, NewMemoryStore(0, time.Hour), WithClock(c.Now))
	require.NoError(t, err)

	var served int
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	do := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/forgot-password", nil)
		req.Header.Set("X-Test-Client", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("a").Code)
	assert.Equal(t, http.StatusOK, do("a").Code)

	c.Advance(30 * time.Minute)
	rec := do("a")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "too many attempts, try again in 1800 seconds", body["error"])
	assert.Equal(t, 2, served)

	assert.Equal(t, http.StatusOK, do("b").Code)
}

func TestConfigValidation(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	_, err := New(Config{Max: 1, Window: time.Second}, store)
	assert.Error(t, err)
	_, err = New(Config{Scope: "x", Max: 0, Window: time.Second}, store)
	assert.Error(t, err)
	_, err = New(Config{Scope: "x", Max: 1}, store)
	assert.Error(t, err)
	_, err = New(Config{Scope: "x", Max: 1, Window: time.Second}, nil)
	assert.Error(t, err)
}

func TestMemoryStoreBounded(t *testing.T) {
	store := NewMemoryStore(2, time.Minute)
	now := time.Now()
	for _, k := range []string{"a", "b", "c"} {
		_, err := store.Hit(context.Background(), k, 5, time.Minute, now)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.Len())
}

func TestRemoteHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", RemoteHost(req))
	req.RemoteAddr = "garbage"
	assert.Equal(t, "garbage", RemoteHost(req))
}
