package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
)

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	access, err := authz.AccessFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, limit = s.clampPage(page, limit)
	invoices, total, err := s.store.ListInvoices(r.Context(), access, database.InvoiceFilter{
		Status: q.Get("status"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageBody("invoices", invoices, page, limit, total))
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	access, err := authz.AccessFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	inv, err := s.store.GetInvoice(r.Context(), access, mux.Vars(r)["invoiceId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	access, err := authz.AccessFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, limit = s.clampPage(page, limit)
	payments, total, err := s.store.ListPayments(r.Context(), access, database.PaymentFilter{
		Status: q.Get("status"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageBody("payments", payments, page, limit, total))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	access, err := authz.AccessFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	pay, err := s.store.GetPayment(r.Context(), access, mux.Vars(r)["paymentId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pay)
}

func (s *Server) clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.cfg.Tuning.PageLimitDefault
	}
	if limit > s.cfg.Tuning.PageLimitMax {
		limit = s.cfg.Tuning.PageLimitMax
	}
	return page, limit
}

func pageBody[T any](key string, items []T, page, limit, total int) map[string]any {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return map[string]any{
		key:     items,
		"page":  page,
		"limit": limit,
		"total": total,
		"pages": pages,
	}
}
