package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bizdesk.io/internal/audit"
	"bizdesk.io/internal/auth"
	"bizdesk.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "bearer "
)

// Authenticate requires a valid access token and attaches the resolved
// principal to the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			if errors.Is(err, auth.ErrMissingToken) {
				obs.TokenRejected("missing")
			} else {
				obs.TokenRejected("malformed")
			}
			unauthorized(w, r, err)
			return
		}
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				_ = audit.LogEvent(r.Context(), "auth.token_rejected", map[string]any{
					"path":   r.URL.Path,
					"reason": publicMessage(err),
				})
			}
			writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r, principal)))
	})
}

// OptionalAuth attaches a principal when the request carries a valid token
// and otherwise lets the request through anonymously.
func (a *API) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				obs.Logger().WithError(err).Warn("optional authentication failed")
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r, principal)))
	})
}

func withPrincipal(r *http.Request, p auth.Principal) context.Context {
	ctx := auth.ContextWithPrincipal(r.Context(), p)
	return audit.WithActor(ctx, p.User.ID)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", auth.ErrMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", fmt.Errorf("%w: authorization scheme", auth.ErrMalformedToken)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", auth.ErrMalformedToken)
	}
	return token, nil
}

// unauthorized writes an opaque 401. Locked, inactive and unknown accounts
// all read the same from outside.
func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	msg := "authentication failed"
	challenge := `Bearer realm="bizdesk"`
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		msg = "authentication required"
	case errors.Is(err, auth.ErrInvalidToken):
		msg = "invalid or expired token"
		challenge += `, error="invalid_token"`
	case errors.Is(err, auth.ErrInvalidResetToken):
		msg = "invalid or expired reset token"
	case errors.Is(err, auth.ErrInvalidCredentials):
		msg = "invalid email or password"
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, r, http.StatusUnauthorized, msg)
}
