package api

import (
	"net/http"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/middleware"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	contexts, err := s.tenancy.GetTenantContexts(r.Context(), res.User.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": res.Token,
		"user":         res.User,
		"session":      res.Session,
		"tenant":       res.Tenant,
		"contexts":     contexts,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), middleware.BearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOAuthExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"idToken"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.auth.OAuthExchange(r.Context(), req.IDToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionToken": res.Token,
		"user":         res.User,
		"session":      res.Session,
		"tenant":       res.Tenant,
	})
}

// handlePasswordReset always answers 202 so the response reveals nothing
// about which emails exist.
func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMyContexts(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	contexts, err := s.tenancy.GetTenantContexts(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeContext": p.ActiveContext,
		"contexts":      contexts,
	})
}

func (s *Server) handleSwitchContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context string `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token := middleware.BearerToken(r)
	if token == "" {
		writeError(w, apperr.ErrUnauthenticated)
		return
	}
	p, err := s.auth.SwitchContext(r.Context(), token, authz.Context(req.Context))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeContext":   p.ActiveContext,
		"activeContextId": p.ActiveContextID,
	})
}
