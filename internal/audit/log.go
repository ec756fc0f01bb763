package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"bizdesk.io/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
	clientIPKey  ctxKey = "audit_client_ip"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithActor records the authenticated user id acting in this context.
func WithActor(ctx context.Context, userID string) context.Context {
	return withValue(ctx, actorKey, userID)
}

// WithClientIP records the caller address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return withValue(ctx, clientIPKey, ip)
}

// RequestID returns the request id previously attached, if any.
func RequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// ClientIP returns the caller address previously attached, if any.
func ClientIP(ctx context.Context) string {
	return stringValue(ctx, clientIPKey)
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	v = strings.TrimSpace(v)
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// LogEvent writes an audit log entry enriched with request, actor and client
// address. Callers must never pass secrets in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := stringValue(ctx, requestIDKey); rid != "" {
		entry["request_id"] = rid
	}
	if actor := stringValue(ctx, actorKey); actor != "" {
		entry["actor_id"] = actor
	}
	if ip := stringValue(ctx, clientIPKey); ip != "" {
		entry["client_ip"] = ip
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info("audit")
	return nil
}
