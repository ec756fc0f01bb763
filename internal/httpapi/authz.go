package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"bizdesk.io/internal/audit"
	"bizdesk.io/internal/auth"
	"bizdesk.io/internal/obs"
)

const enterpriseParam = "enterpriseId"

// Require runs checks against the authenticated principal. It must sit
// behind Authenticate; a request without a principal gets 401.
func Require(checks ...auth.Check) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, r, auth.ErrMissingToken)
				return
			}
			res, err := resourceFrom(r)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			if err := auth.Evaluate(principal, res, checks...); err != nil {
				var aerr *auth.AuthorizationError
				if errors.As(err, &aerr) {
					obs.AuthzDenied(aerr.Check)
					_ = audit.LogEvent(r.Context(), "authz.denied", map[string]any{
						"check":         aerr.Check,
						"detail":        aerr.Detail,
						"path":          r.URL.Path,
						"role":          principal.User.Role,
						"enterprise_id": res.EnterpriseID,
					})
				}
				writeServiceError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermissions passes only when every permission is held.
func RequirePermissions(perms ...auth.Permission) mux.MiddlewareFunc {
	return Require(auth.RequirePermissions(perms...))
}

// RequireRoles passes when the caller's role is in the allow-list.
func RequireRoles(roles ...string) mux.MiddlewareFunc {
	return Require(auth.RequireRoles(roles...))
}

// RequireEnterpriseScope limits the route to members of the target
// enterprise; super_admin passes everywhere.
func RequireEnterpriseScope() mux.MiddlewareFunc {
	return Require(auth.RequireEnterpriseScope())
}

// resourceFrom finds the target enterprise in the path, the query string or
// a JSON body, in that order. A consumed body is put back for the handler.
func resourceFrom(r *http.Request) (auth.Resource, error) {
	if id := strings.TrimSpace(mux.Vars(r)[enterpriseParam]); id != "" {
		return auth.Resource{EnterpriseID: id}, nil
	}
	if id := strings.TrimSpace(r.URL.Query().Get(enterpriseParam)); id != "" {
		return auth.Resource{EnterpriseID: id}, nil
	}
	if r.Body == nil || r.Body == http.NoBody || !isJSON(r) {
		return auth.Resource{}, nil
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return auth.Resource{}, fmt.Errorf("%w: read body: %v", auth.ErrInvalidInput, err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	var peek struct {
		EnterpriseID string `json:"enterpriseId"`
	}
	// A body that does not parse is left for the handler to reject.
	_ = json.Unmarshal(raw, &peek)
	return auth.Resource{EnterpriseID: strings.TrimSpace(peek.EnterpriseID)}, nil
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
