package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"bizdesk.io/internal/auth"
)

type saveRoleRequest struct {
	DisplayName string            `json:"displayName"`
	Description string            `json:"description"`
	Permissions []string          `json:"permissions"`
	Level       int               `json:"level"`
	Category    auth.RoleCategory `json:"category"`
	IsDefault   bool              `json:"isDefault"`
	// IsActive defaults to true when omitted.
	IsActive *bool `json:"isActive"`
}

type setStatusRequest struct {
	Status auth.UserStatus `json:"status"`
}

type setEnterprisesRequest struct {
	Enterprises []string `json:"enterprises"`
}

type enterpriseAccessResponse struct {
	EnterpriseID string            `json:"enterpriseId"`
	UserID       string            `json:"userId"`
	Role         string            `json:"role"`
	SuperAdmin   bool              `json:"superAdmin"`
	Permissions  []auth.Permission `json:"permissions"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleSaveRole(w http.ResponseWriter, r *http.Request) {
	var req saveRoleRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		writeServiceError(w, r, (&auth.ValidationError{}).Add("permissions", publicMessage(err)))
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := a.svc.SaveRole(r.Context(), auth.Role{
		Name:        mux.Vars(r)["name"],
		DisplayName: req.DisplayName,
		Description: req.Description,
		Permissions: perms,
		Level:       req.Level,
		Category:    req.Category,
		IsDefault:   req.IsDefault,
		IsActive:    active,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRetireRole(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.RetireRole(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateUserInput
	if !decodeOrReject(w, r, &req) {
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.svc.CreateUser(r.Context(), actor, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.svc.SetUserStatus(r.Context(), actor, mux.Vars(r)["id"], req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleSetUserEnterprises(w http.ResponseWriter, r *http.Request) {
	var req setEnterprisesRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.svc.SetUserEnterprises(r.Context(), actor, mux.Vars(r)["id"], req.Enterprises)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleEnterpriseAccess reports what the caller may do inside one tenant.
func (a *API) handleEnterpriseAccess(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, auth.ErrMissingToken)
		return
	}
	perms := principal.Permissions
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, enterpriseAccessResponse{
		EnterpriseID: mux.Vars(r)[enterpriseParam],
		UserID:       principal.User.ID,
		Role:         principal.User.Role,
		SuperAdmin:   principal.IsSuperAdmin(),
		Permissions:  perms,
	})
}
