package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	tokenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_rejections_total",
			Help: "Bearer or refresh tokens rejected, by reason.",
		},
		[]string{"reason"},
	)

	authzDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_denials_total",
			Help: "Authorization denials by check.",
		},
		[]string{"check"},
	)

	guardRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_rejections_total",
			Help: "Requests rejected by the brute-force guard.",
		},
		[]string{"scope"},
	)

	guardStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_store_errors_total",
			Help: "Guard store failures; the request was let through.",
		},
		[]string{"scope"},
	)

	initOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, lockouts, tokenRejections, authzDenials,
			guardRejections, guardStoreErrors,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// LoginAttempt counts a login by outcome (success, invalid, locked, inactive, error).
func LoginAttempt(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// Lockout counts an account lock.
func Lockout() { lockouts.Inc() }

// TokenRejected counts a rejected token.
func TokenRejected(reason string) { tokenRejections.WithLabelValues(reason).Inc() }

// AuthzDenied counts an authorization denial.
func AuthzDenied(check string) { authzDenials.WithLabelValues(check).Inc() }

// GuardRejected counts a guard rejection.
func GuardRejected(scope string) { guardRejections.WithLabelValues(scope).Inc() }

// GuardStoreError counts a guard store failure.
func GuardStoreError(scope string) { guardStoreErrors.WithLabelValues(scope).Inc() }

// Instrument records request count, latency and in-flight gauge. Paths are
// labelled by route template so ids do not explode cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := RouteTemplate(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RouteTemplate returns the matched mux template, or "unmatched".
func RouteTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
