// Package api wires the HTTP surface: routing, middleware order, and the
// JSON handlers over the domain services.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/chain"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/evidence"
	"github.com/vendornexus/backend/internal/messaging"
	"github.com/vendornexus/backend/internal/metrics"
	"github.com/vendornexus/backend/internal/middleware"
	"github.com/vendornexus/backend/internal/notify"
	"github.com/vendornexus/backend/internal/ops"
	"github.com/vendornexus/backend/internal/storage"
	"github.com/vendornexus/backend/internal/tenancy"
	"github.com/vendornexus/backend/internal/webhooks"
)

// Server owns the router and the domain services the handlers call.
type Server struct {
	cfg       *config.Config
	store     database.Store
	blobs     storage.Gateway
	auth      *auth.Service
	tenancy   *tenancy.Service
	cases     *cases.Service
	messaging *messaging.Service
	evidence  *evidence.Service
	notify    *notify.Service
	hub       *notify.Hub
	ops       *ops.Service
	webhooks  *webhooks.Registry
	appender  *chain.Appender
	m         *metrics.Metrics
	logger    *log.Logger

	httpServer *http.Server
}

// Deps carries the constructed services into the server.
type Deps struct {
	Config    *config.Config
	Store     database.Store
	Blobs     storage.Gateway
	Auth      *auth.Service
	Tenancy   *tenancy.Service
	Cases     *cases.Service
	Messaging *messaging.Service
	Evidence  *evidence.Service
	Notify    *notify.Service
	Hub       *notify.Hub
	Ops       *ops.Service
	Webhooks  *webhooks.Registry
	Appender  *chain.Appender
	Metrics   *metrics.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		blobs:     d.Blobs,
		auth:      d.Auth,
		tenancy:   d.Tenancy,
		cases:     d.Cases,
		messaging: d.Messaging,
		evidence:  d.Evidence,
		notify:    d.Notify,
		hub:       d.Hub,
		ops:       d.Ops,
		webhooks:  d.Webhooks,
		appender:  d.Appender,
		m:         d.Metrics,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table with the middleware stack applied in
// order: recovery, CORS, logging, metrics, auth. The login rate limiter
// wraps only the credential endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.CORS(s.cfg.AllowedOrigins))
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Metrics(s.m))
	r.Use(middleware.Authenticate(s.auth, authz.NewResolver(s.store)))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/notifications", s.handleWebsocket).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	limited := middleware.NewRateLimiter(s.cfg.Tuning.LoginRatePerMinute).Middleware()
	v1.Handle("/auth/login", limited(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	v1.Handle("/auth/password-reset", limited(http.HandlerFunc(s.handlePasswordReset))).Methods(http.MethodPost)
	v1.HandleFunc("/auth/password-reset/confirm", s.handlePasswordResetConfirm).Methods(http.MethodPost)
	v1.HandleFunc("/auth/oauth/exchange", s.handleOAuthExchange).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	v1.HandleFunc("/invites", s.handleCreateInvite).Methods(http.MethodPost)
	v1.HandleFunc("/invites/{token}", s.handlePreviewInvite).Methods(http.MethodGet)
	v1.HandleFunc("/invites/{token}/accept", s.handleAcceptInvite).Methods(http.MethodPost)

	v1.HandleFunc("/me/contexts", s.handleMyContexts).Methods(http.MethodGet)
	v1.HandleFunc("/me/context", s.handleSwitchContext).Methods(http.MethodPost)

	v1.HandleFunc("/companies", s.handleCreateCompany).Methods(http.MethodPost)
	v1.HandleFunc("/companies", s.handleListCompanies).Methods(http.MethodGet)

	v1.HandleFunc("/cases", s.handleCreateCase).Methods(http.MethodPost)
	v1.HandleFunc("/cases", s.handleListCases).Methods(http.MethodGet)
	v1.HandleFunc("/cases/{caseId}", s.handleGetCase).Methods(http.MethodGet)
	v1.HandleFunc("/cases/{caseId}", s.handleUpdateCase).Methods(http.MethodPatch)
	v1.HandleFunc("/cases/{caseId}/messages", s.handlePostMessage).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/messages", s.handleGetMessages).Methods(http.MethodGet)
	v1.HandleFunc("/cases/{caseId}/evidence", s.handleUploadEvidence).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/reassign", s.handleReassign).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/escalate", s.handleEscalate).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/close", s.handleClose).Methods(http.MethodPost)
	v1.HandleFunc("/cases/{caseId}/status", s.handleUpdateStatus).Methods(http.MethodPost)
	v1.HandleFunc("/bank-changes", s.handleBankChange).Methods(http.MethodPost)

	v1.HandleFunc("/evidence/steps/{stepId}/verify", s.handleVerifyStep).Methods(http.MethodPost)
	v1.HandleFunc("/evidence/steps/{stepId}/reject", s.handleRejectStep).Methods(http.MethodPost)
	v1.HandleFunc("/evidence/steps/{stepId}/waive", s.handleWaiveStep).Methods(http.MethodPost)
	v1.HandleFunc("/evidence/{evidenceId}/url", s.handleEvidenceURL).Methods(http.MethodGet)

	v1.HandleFunc("/invoices", s.handleListInvoices).Methods(http.MethodGet)
	v1.HandleFunc("/invoices/{invoiceId}", s.handleGetInvoice).Methods(http.MethodGet)
	v1.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	v1.HandleFunc("/payments/{paymentId}", s.handleGetPayment).Methods(http.MethodGet)

	v1.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/read", s.handleMarkRead).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/unread-count", s.handleUnreadCount).Methods(http.MethodGet)

	v1.HandleFunc("/ops/org-tree", s.handleOrgTree).Methods(http.MethodGet)
	v1.HandleFunc("/ops/dashboard", s.handleDashboard).Methods(http.MethodGet)
	v1.HandleFunc("/ops/case-queue", s.handleCaseQueue).Methods(http.MethodGet)
	v1.HandleFunc("/ops/vendors", s.handleVendorDirectory).Methods(http.MethodGet)

	v1.HandleFunc("/webhooks", s.handleCreateWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks", s.handleListWebhooks).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{webhookId}", s.handleDeleteWebhook).Methods(http.MethodDelete)

	v1.HandleFunc("/chain/verify", s.handleChainVerify).Methods(http.MethodGet)

	return r
}

// Start serves until ctx is cancelled, then drains connections within the
// configured grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(s.cfg.Tuning.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Tuning.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Tuning.IdleTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.cfg.Tuning.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.logger.Printf("shutting down, draining for up to %s", grace)
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{"database": "ok", "storage": "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.blobs != nil {
		if err := s.blobs.Healthy(r.Context()); err != nil {
			checks["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	p, err := authz.PrincipalFrom(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.ServeUser(w, r, p.UserID)
}
