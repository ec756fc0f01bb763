package httpapi

import (
	"testing"
	"time"

	"bizdesk.io/internal/guard"
)

func newTestGuard(t *testing.T, scope string, limit int) *guard.Guard {
	t.Helper()
	g, err := guard.New(guard.Config{
		Scope:   scope,
		Max:     limit,
		Window:  time.Minute,
		KeyFunc: ClientIPFunc(false),
	}, guard.NewMemoryStore(100, time.Minute))
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	return g
}
