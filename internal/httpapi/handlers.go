package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bizdesk.io/internal/auth"
	"bizdesk.io/internal/guard"
	"bizdesk.io/internal/obs"
)

// Options tune the HTTP layer. Zero values fall back to safe defaults.
type Options struct {
	Version string
	// TrustProxy makes the first X-Forwarded-For entry the client address.
	TrustProxy    bool
	CORSOrigins   []string
	MaxBodyBytes  int64
	ThrottleRPS   float64
	ThrottleBurst int
	// LoginGuard and ForgotGuard gate the brute-force-prone endpoints. Nil
	// leaves the endpoint ungated.
	LoginGuard  *guard.Guard
	ForgotGuard *guard.Guard
}

// API is the HTTP surface of the identity service.
type API struct {
	svc      *auth.Service
	router   *mux.Router
	opts     Options
	throttle *throttle
}

func New(svc *auth.Service, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = 20
	}
	if opts.ThrottleBurst < 1 {
		opts.ThrottleBurst = 40
	}
	a := &API{
		svc:      svc,
		router:   mux.NewRouter(),
		opts:     opts,
		throttle: newThrottle(opts.ThrottleRPS, opts.ThrottleBurst, ClientIPFunc(opts.TrustProxy)),
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(obs.Instrument)

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.throttle.Middleware)

	authn := mux.MiddlewareFunc(a.Authenticate)
	adminOnly := RequireRoles(auth.RoleSuperAdmin, auth.RoleAdmin)

	v1.HandleFunc("/auth/register", a.handleRegister).Methods(http.MethodPost)
	v1.Handle("/auth/login", gated(a.opts.LoginGuard, a.handleLogin)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	v1.Handle("/auth/forgot-password", gated(a.opts.ForgotGuard, a.handleForgotPassword)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	v1.HandleFunc("/auth/verify-email", a.handleVerifyEmail).Methods(http.MethodPost)
	v1.Handle("/auth/change-password", chain(a.handleChangePassword, authn)).Methods(http.MethodPost)
	v1.Handle("/auth/me", chain(a.handleMe, authn)).Methods(http.MethodGet)
	v1.Handle("/auth/session", chain(a.handleSession, a.OptionalAuth)).Methods(http.MethodGet)

	v1.Handle("/roles", chain(a.handleListRoles, authn, RequirePermissions(auth.PermViewRoles))).Methods(http.MethodGet)
	v1.Handle("/roles/{name}", chain(a.handleSaveRole, authn, RequirePermissions(auth.PermManageRoles))).Methods(http.MethodPut)
	v1.Handle("/roles/{name}/retire", chain(a.handleRetireRole, authn, adminOnly)).Methods(http.MethodPost)

	v1.Handle("/users", chain(a.handleCreateUser, authn, RequirePermissions(auth.PermManageUsers))).Methods(http.MethodPost)
	v1.Handle("/users/{id}/status", chain(a.handleSetUserStatus, authn, RequirePermissions(auth.PermManageUsers))).Methods(http.MethodPut)
	v1.Handle("/users/{id}/enterprises", chain(a.handleSetUserEnterprises, authn, adminOnly)).Methods(http.MethodPut)

	v1.Handle("/enterprises/{enterpriseId}/access", chain(a.handleEnterpriseAccess, authn, RequireEnterpriseScope())).Methods(http.MethodGet)
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(a.opts.MaxBodyBytes)(h)
	h = CORS(a.opts.CORSOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientAddress(a.opts.TrustProxy)(h)
	return RequestID(h)
}

// chain applies middleware so the first one listed runs first.
func chain(h http.HandlerFunc, mws ...mux.MiddlewareFunc) http.Handler {
	var out http.Handler = h
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

func gated(g *guard.Guard, h http.HandlerFunc) http.Handler {
	if g == nil {
		return h
	}
	return g.Middleware(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "bizdesk-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.svc.Ping(ctx); err != nil {
		obs.Logger().WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOrReject writes a 400 and returns false when the body is unusable.
func decodeOrReject(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps the auth error taxonomy onto HTTP.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *auth.ValidationError
		aerr *auth.AuthorizationError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorBody(w, r, http.StatusBadRequest, map[string]any{
			"error":  "invalid input",
			"fields": verr.Fields,
		})
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, publicMessage(err))
	case errors.Is(err, auth.ErrUnauthenticated):
		unauthorized(w, r, err)
	case errors.As(err, &aerr):
		writeError(w, r, http.StatusForbidden, "forbidden: "+aerr.Detail)
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, guard.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, publicMessage(err))
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, publicMessage(err))
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).
			WithField("path", r.URL.Path).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func publicMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}
