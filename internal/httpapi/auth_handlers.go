package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"claimdesk.org/internal/audit"
	"claimdesk.org/internal/auth"
)

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      auth.User `json:"user"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil || !a.auth.SupportsTokens() {
		writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	token, user, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = audit.LogEvent(r.Context(), "auth.login_failed", map[string]any{
				"email": auth.NormalizeEmail(req.Email),
			})
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		handleError(w, r, a.log, err)
		return
	}

	ctx := auth.ContextWithPrincipal(r.Context(), user.Principal())
	_ = audit.LogEvent(ctx, "auth.token.issued", map[string]any{
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt,
		User:      user,
	})
}
