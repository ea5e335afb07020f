package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/messaging"
)

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var in cases.CreateCaseInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.CreateCase(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func caseFilterFromQuery(r *http.Request) database.CaseFilter {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return database.CaseFilter{
		Facing:    q.Get("facing"),
		Status:    q.Get("status"),
		Priority:  q.Get("priority"),
		CaseType:  q.Get("caseType"),
		OwnerTeam: q.Get("ownerTeam"),
		CompanyID: q.Get("companyId"),
		VendorID:  q.Get("vendorId"),
		Page:      page,
		Limit:     limit,
	}
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	list, err := s.cases.ListCases(r.Context(), caseFilterFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	detail, err := s.cases.GetCase(r.Context(), mux.Vars(r)["caseId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	var in cases.UpdateCaseInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.UpdateCase(r.Context(), mux.Vars(r)["caseId"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var in messaging.CreateMessageInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.messaging.CreateMessage(r.Context(), mux.Vars(r)["caseId"], in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messaging.GetMessages(r.Context(), mux.Vars(r)["caseId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerTeam  string `json:"ownerTeam"`
		AssignedTo string `json:"assignedTo"`
		Reason     string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.Reassign(r.Context(), mux.Vars(r)["caseId"], req.OwnerTeam, req.AssignedTo, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level  int    `json:"level"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.Escalate(r.Context(), mux.Vars(r)["caseId"], req.Level, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.Approve(r.Context(), mux.Vars(r)["caseId"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.Close(r.Context(), mux.Vars(r)["caseId"], req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.UpdateStatus(r.Context(), mux.Vars(r)["caseId"], req.Status, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleBankChange(w http.ResponseWriter, r *http.Request) {
	var in cases.BankChangeInput
	if err := decode(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.cases.RequestBankChange(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}
