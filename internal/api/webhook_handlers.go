package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/webhooks"
)

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var in webhooks.RegisterInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	hook, secret, err := s.webhooks.Register(r.Context(), p.TenantID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	// The signing secret is shown exactly once, at registration.
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": hook, "secret": secret})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	hooks, err := s.webhooks.List(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks, "count": len(hooks)})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.webhooks.Delete(r.Context(), p.TenantID, mux.Vars(r)["webhookId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChainVerify walks the full evidence chain and reports the first
// break, if any. Internal users only.
func (s *Server) handleChainVerify(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !p.Internal() {
		writeError(w, apperr.ErrForbidden)
		return
	}
	report, err := s.appender.VerifyAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
