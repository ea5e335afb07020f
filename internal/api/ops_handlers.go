package api

import (
	"net/http"
)

func (s *Server) handleOrgTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.ops.OrgTree(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.ops.Dashboard(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (s *Server) handleCaseQueue(w http.ResponseWriter, r *http.Request) {
	f := caseFilterFromQuery(r)
	f.Page, f.Limit = s.clampPage(f.Page, f.Limit)
	queue, total, err := s.ops.CaseQueue(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageBody("cases", queue, f.Page, f.Limit, total))
}

func (s *Server) handleVendorDirectory(w http.ResponseWriter, r *http.Request) {
	vendors, err := s.ops.VendorDirectory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vendors": vendors, "count": len(vendors)})
}
