package api

import (
	"net/http"
	"strconv"

	"github.com/vendornexus/backend/internal/authz"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	unreadOnly := q.Get("unreadOnly") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))
	notifications, err := s.notify.List(r.Context(), p.UserID, unreadOnly, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		NotificationIDs []string `json:"notificationIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.notify.MarkRead(r.Context(), p.UserID, req.NotificationIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.notify.UnreadCount(r.Context(), p.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
