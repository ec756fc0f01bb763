package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"bizdesk.io/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "user-42")
	ctx = WithClientIP(ctx, "203.0.113.9")

	if err := LogEvent(ctx, "auth.lockout", map[string]any{"attempts": 5}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.Bytes()
	if len(line) == 0 {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "auth.lockout" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor_id"] != "user-42" {
		t.Fatalf("unexpected actor: %v", entry["actor_id"])
	}
	if entry["client_ip"] != "203.0.113.9" {
		t.Fatalf("unexpected client ip: %v", entry["client_ip"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("timestamp missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["attempts"] != float64(5) {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
