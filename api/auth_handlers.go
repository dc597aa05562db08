package api

import (
	"errors"
	"net/http"

	"github.com/jmcleod/quire/auth"
)

func identityResponse(id auth.Identity) IdentityResponse {
	return IdentityResponse{
		UserID:    id.ID,
		Username:  id.Username,
		Email:     id.Email,
		CreatedAt: id.CreatedAt,
	}
}

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	id, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		a.audit.logFailure(AuditRegisterFailure, r, failureReason(err))
		a.mapError(w, r, err)
		return
	}

	a.audit.logEvent(AuditRegister, r, id.ID)
	writeJSON(w, http.StatusCreated, identityResponse(id))
}

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	clientIP := a.extractClientIP(r)
	if blocked, retry := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "client ip locked out")
		writeRateLimited(w, retry)
		return
	}
	accountKey := usernameLimiterKey(req.Username, clientIP)
	if blocked, retry := a.usernameLimiter.check(accountKey); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "username locked out")
		writeRateLimited(w, retry)
		return
	}

	id, err := a.auth.Login(r.Context(), w, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.ipLimiter.recordFailure(clientIP)
			a.usernameLimiter.recordFailure(accountKey)
		}
		a.audit.logFailure(AuditLoginFailure, r, failureReason(err))
		a.mapError(w, r, err)
		return
	}

	a.ipLimiter.recordSuccess(clientIP)
	a.usernameLimiter.recordSuccess(accountKey)
	a.audit.logEvent(AuditLoginSuccess, r, id.ID)
	writeJSON(w, http.StatusOK, identityResponse(id))
}

// Logout handles POST /auth/logout. It always succeeds.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.sessions.Resolve(r)
	a.sessions.Destroy(w)
	if ok {
		a.audit.logEvent(AuditLogout, r, claims.UserID)
	} else {
		a.audit.log(AuditLogout, r)
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// ForgotPassword handles POST /auth/forgot-password.
func (a *API) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ForgotPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	err := a.auth.RequestPasswordReset(r.Context(), req.Email)
	switch {
	case err == nil:
		a.audit.log(AuditPasswordResetRequested, r)
	case errors.Is(err, auth.ErrEmailNotFound) && a.concealAccounts:
		a.audit.logFailure(AuditPasswordResetFailed, r, failureReason(err))
	default:
		a.audit.logFailure(AuditPasswordResetFailed, r, failureReason(err))
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

// ResetPassword handles POST /auth/reset-password.
func (a *API) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResetPasswordRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	if err := a.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		a.audit.logFailure(AuditPasswordResetFailed, r, failureReason(err))
		a.mapError(w, r, err)
		return
	}

	a.audit.log(AuditPasswordResetCompleted, r)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "password_updated"})
}

// Session handles GET /auth/session.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	claims, _ := IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{
		UserID:    claims.UserID,
		Username:  claims.Username,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
}

// failureReason gives audit entries a stable reason without the wrapped
// cause of internal errors.
func failureReason(err error) string {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		return "invalid " + verr.Field
	case errors.Is(err, auth.ErrInternal):
		return auth.ErrInternal.Error()
	default:
		return err.Error()
	}
}

