package httpapi

import (
	"errors"
	"net/http"

	"bizdesk.io/internal/auth"
)

const forgotPasswordMessage = "if the address belongs to an account, a reset link has been sent"

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type meResponse struct {
	User        *auth.User        `json:"user"`
	Role        *auth.Role        `json:"role"`
	Permissions []auth.Permission `json:"permissions"`
}

type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	User          *auth.User `json:"user,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if !decodeOrReject(w, r, &req) {
		return
	}
	session, err := a.svc.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginInput
	if !decodeOrReject(w, r, &req) {
		return
	}
	session, err := a.svc.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			// Unknown, wrong password, locked and inactive look alike.
			unauthorized(w, r, auth.ErrInvalidCredentials)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeServiceError(w, r, (&auth.ValidationError{}).Add("refreshToken", "is required"))
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			unauthorized(w, r, auth.ErrInvalidToken)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if err := a.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		req.Token = tok
	}
	session, err := a.svc.ResetPassword(r.Context(), req.Token, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if tok := r.URL.Query().Get("token"); tok != "" {
		req.Token = tok
	} else if !decodeOrReject(w, r, &req) {
		return
	}
	if err := a.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, auth.ErrMissingToken)
		return
	}
	var req changePasswordRequest
	if !decodeOrReject(w, r, &req) {
		return
	}
	session, err := a.svc.ChangePassword(r.Context(), principal.User.ID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bizdesk"`)
			writeError(w, r, http.StatusUnauthorized, "current password is incorrect")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		unauthorized(w, r, auth.ErrMissingToken)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:        principal.User,
		Role:        principal.Role,
		Permissions: principal.Permissions,
	})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: principal.User})
}
