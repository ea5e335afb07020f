package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/tenancy"
)

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Email      string   `json:"email"`
		VendorName string   `json:"vendorName"`
		CompanyIDs []string `json:"companyIds"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.tenancy.CreateInvite(r.Context(), p.TenantID, req.Email, req.VendorName, req.CompanyIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handlePreviewInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := s.tenancy.PreviewInvite(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vendor tenancy.VendorSignup `json:"vendor"`
		User   tenancy.UserSignup   `json:"user"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.tenancy.AcceptInvite(r.Context(), mux.Vars(r)["token"], req.Vendor, req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name    string `json:"name"`
		GroupID string `json:"groupId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	company, err := s.tenancy.CreateCompany(r.Context(), p.TenantID, req.Name, req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, company)
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	companies, err := s.tenancy.ListCompanies(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"companies": companies, "count": len(companies)})
}
