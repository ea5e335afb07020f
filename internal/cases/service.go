package cases

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/metrics"
	"github.com/vendornexus/backend/internal/notify"
)

// Service owns the case lifecycle. Principal and access ride the request
// context; every scoped read goes through the access set.
type Service struct {
	store  database.Store
	notify *notify.Service
	bus    events.Emitter
	clock  ids.Clock
	m      *metrics.Metrics
	logger *log.Logger
}

func NewService(store database.Store, notifySvc *notify.Service, bus events.Emitter, clock ids.Clock, m *metrics.Metrics) *Service {
	return &Service{
		store:  store,
		notify: notifySvc,
		bus:    bus,
		clock:  clock,
		m:      m,
		logger: log.New(log.Writer(), "[Cases] ", log.LstdFlags),
	}
}

// CreateCaseInput is the payload for a new case. ClientID is only read for
// vendor-context callers (who must name which client the case is against);
// VendorID only for client/internal callers.
type CreateCaseInput struct {
	CaseType       string         `json:"caseType"`
	Subject        string         `json:"subject"`
	Description    string         `json:"description"`
	Priority       string         `json:"priority"`
	ClientID       string         `json:"clientId"`
	VendorID       string         `json:"vendorId"`
	CompanyID      string         `json:"companyId"`
	InvoiceID      string         `json:"invoiceId"`
	PaymentID      string         `json:"paymentId"`
	DisputedAmount *float64       `json:"disputedAmount"`
	Currency       string         `json:"currency"`
	SLADueAt       *time.Time     `json:"slaDueAt"`
	Metadata       map[string]any `json:"metadata"`
}

// CreateCase opens a case and seeds its checklist in one transaction.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (*database.Case, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}

	rules, known := RulesFor(in.CaseType)
	if !known {
		return nil, apperr.Newf(apperr.Validation, "unknown case type %q", in.CaseType)
	}
	if in.Subject == "" {
		return nil, apperr.New(apperr.Validation, "subject is required")
	}
	if in.Priority == "" {
		in.Priority = database.PriorityNormal
	}
	if !validPriority(in.Priority) {
		return nil, apperr.Newf(apperr.Validation, "unknown priority %q", in.Priority)
	}

	var clientID, vendorID string
	switch access.Context {
	case authz.ContextVendor:
		if !vendorCreatable[in.CaseType] {
			return nil, apperr.Newf(apperr.Validation, "vendors cannot open %s cases", in.CaseType)
		}
		clientID, vendorID = in.ClientID, p.VendorID
		if clientID == "" {
			return nil, apperr.New(apperr.Validation, "clientId is required")
		}
	default:
		clientID, vendorID = p.ClientID, in.VendorID
		if vendorID == "" {
			return nil, apperr.New(apperr.Validation, "vendorId is required")
		}
		if !access.AllowsVendor(vendorID) {
			return nil, apperr.ErrNotFound
		}
	}
	if in.CompanyID != "" && !access.AllowsCompany(in.CompanyID) {
		return nil, apperr.ErrNotFound
	}

	// The edge must exist; its absence reads as absence.
	if _, err := s.store.GetActiveRelationship(ctx, clientID, vendorID); err != nil {
		return nil, err
	}

	var groupID string
	if in.CompanyID != "" {
		if company, err := s.store.GetCompany(ctx, in.CompanyID); err == nil {
			groupID = company.GroupID
		}
	}

	c := &database.Case{
		CaseID:          ids.NewID(ids.PrefixCase, in.CaseType),
		CaseType:        in.CaseType,
		Status:          database.StatusOpen,
		Priority:        in.Priority,
		OwnerTeam:       defaultOwnerTeam(in.CaseType),
		ClientID:        clientID,
		VendorID:        vendorID,
		CompanyID:       in.CompanyID,
		GroupID:         groupID,
		Subject:         in.Subject,
		Description:     in.Description,
		SLADueAt:        in.SLADueAt,
		InvoiceID:       in.InvoiceID,
		PaymentID:       in.PaymentID,
		DisputedAmount:  in.DisputedAmount,
		Currency:        in.Currency,
		Metadata:        in.Metadata,
		EscalationLevel: 0,
	}

	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.CreateCase(ctx, c); err != nil {
			return fmt.Errorf("creating case: %w", err)
		}
		return s.ensureChecklist(ctx, tx, c.CaseID, rules)
	})
	if err != nil {
		return nil, err
	}

	if s.m != nil {
		s.m.CasesCreated.WithLabelValues(c.CaseType).Inc()
	}
	s.emit(events.CaseCreated, p.TenantID, map[string]any{
		"caseId":   c.CaseID,
		"caseType": c.CaseType,
		"clientId": c.ClientID,
		"vendorId": c.VendorID,
	})
	s.notifyCounterpart(ctx, c, access.Context, notify.TypeCaseCreated,
		"New case: "+c.Subject, fmt.Sprintf("A %s case was opened.", c.CaseType))
	return c, nil
}

func validPriority(p string) bool {
	switch p {
	case database.PriorityLow, database.PriorityNormal, database.PriorityHigh, database.PriorityUrgent:
		return true
	}
	return false
}

// ensureChecklist seeds the checklist if the case has none yet.
func (s *Service) ensureChecklist(ctx context.Context, tx database.Store, caseID string, rules []ChecklistRule) error {
	existing, err := tx.ListChecklistSteps(ctx, caseID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i, rule := range rules {
		step := &database.ChecklistStep{
			StepID:       ids.NewID(ids.PrefixChecklist, rule.EvidenceType),
			CaseID:       caseID,
			Label:        rule.Label,
			EvidenceType: rule.EvidenceType,
			Status:       database.StepPending,
			Position:     i + 1,
		}
		if err := tx.CreateChecklistStep(ctx, step); err != nil {
			return fmt.Errorf("seeding checklist: %w", err)
		}
	}
	return nil
}

// CaseDetail is a case with its owned collections embedded. Internal notes
// are already stripped for vendor callers.
type CaseDetail struct {
	database.Case
	Checklist []database.ChecklistStep `json:"checklist"`
	Evidence  []database.Evidence      `json:"evidence"`
	Messages  []database.Message       `json:"messages"`
	Activity  []database.Activity      `json:"activity"`
}

// GetCase loads a case with everything on it. Out-of-scope and nonexistent
// cases are indistinguishable.
func (s *Service) GetCase(ctx context.Context, caseID string) (*CaseDetail, error) {
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.store.GetCase(ctx, access, caseID)
	if err != nil {
		return nil, err
	}

	detail := &CaseDetail{Case: *c}
	if detail.Checklist, err = s.store.ListChecklistSteps(ctx, caseID); err != nil {
		return nil, err
	}
	if detail.Evidence, err = s.store.ListEvidence(ctx, caseID); err != nil {
		return nil, err
	}
	includeInternal := access.Context != authz.ContextVendor
	if detail.Messages, err = s.store.ListMessages(ctx, caseID, includeInternal); err != nil {
		return nil, err
	}
	if detail.Activity, err = s.store.ListActivity(ctx, caseID); err != nil {
		return nil, err
	}
	return detail, nil
}

// CaseList is one page of cases.
type CaseList struct {
	Cases []database.Case `json:"cases"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
	Total int             `json:"total"`
	Pages int             `json:"pages"`
}

// ListCases pages through the caller's visible cases.
func (s *Service) ListCases(ctx context.Context, f database.CaseFilter) (*CaseList, error) {
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if access.Context == authz.ContextVendor {
		f.Facing = "vendor"
	} else if f.Facing == "" {
		f.Facing = "client"
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}

	rows, total, err := s.store.ListCases(ctx, access, f)
	if err != nil {
		return nil, err
	}
	pages := (total + f.Limit - 1) / f.Limit
	if pages == 0 {
		pages = 1
	}
	return &CaseList{Cases: rows, Page: f.Page, Limit: f.Limit, Total: total, Pages: pages}, nil
}

// UpdateCaseInput is the PATCH surface of a case. Nil pointers leave the
// field alone.
type UpdateCaseInput struct {
	Subject     *string    `json:"subject"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	AssignedTo  *string    `json:"assignedTo"`
	SLADueAt    *time.Time `json:"slaDueAt"`
}

// UpdateCase applies a partial update. Vendor contexts cannot edit case
// attributes.
func (s *Service) UpdateCase(ctx context.Context, caseID string, in UpdateCaseInput) (*database.Case, error) {
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if access.Context == authz.ContextVendor {
		return nil, apperr.New(apperr.Forbidden, "vendors cannot edit case attributes")
	}
	if in.Priority != nil && !validPriority(*in.Priority) {
		return nil, apperr.Newf(apperr.Validation, "unknown priority %q", *in.Priority)
	}

	var updated *database.Case
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		c, err := tx.GetCase(ctx, access, caseID)
		if err != nil {
			return err
		}
		if in.Subject != nil {
			c.Subject = *in.Subject
		}
		if in.Description != nil {
			c.Description = *in.Description
		}
		if in.Priority != nil {
			c.Priority = *in.Priority
		}
		if in.AssignedTo != nil {
			c.AssignedTo = *in.AssignedTo
		}
		if in.SLADueAt != nil {
			c.SLADueAt = in.SLADueAt
		}
		updated = c
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RederiveStatus recomputes the checklist-driven status inside the caller's
// transaction and persists the case when it changed. The caller emits any
// events after its transaction commits.
func (s *Service) RederiveStatus(ctx context.Context, tx database.Store, c *database.Case) (bool, error) {
	steps, err := tx.ListChecklistSteps(ctx, c.CaseID)
	if err != nil {
		return false, err
	}
	next := DeriveStatus(c.Status, steps)
	if next == c.Status {
		return false, nil
	}
	c.Status = next
	return true, tx.UpdateCase(ctx, c)
}

// logActivity appends one decision-log entry inside the transaction.
func (s *Service) logActivity(ctx context.Context, tx database.Store, caseID, decisionType string, p *authz.Principal, what, why string) error {
	return tx.CreateActivity(ctx, &database.Activity{
		ActivityID:   ids.NewID(ids.PrefixActivity, decisionType),
		CaseID:       caseID,
		DecisionType: decisionType,
		ActorUserID:  p.UserID,
		ActorContext: string(p.ActiveContext),
		What:         what,
		Why:          why,
	})
}

func (s *Service) emit(eventType, tenantID string, data map[string]any) {
	if s.bus != nil {
		s.bus.Emit(eventType, "cases", tenantID, data)
	}
}

// notifyVendor fans a notification out to the vendor side of the case.
func (s *Service) notifyVendor(ctx context.Context, c *database.Case, ntype, title, body string) {
	if s.notify != nil {
		s.notify.NotifyVendorUsers(ctx, c.VendorID, ntype, title, body, "case", c.CaseID)
	}
}

// notifyCounterpart fans a notification out to the other side of the case.
func (s *Service) notifyCounterpart(ctx context.Context, c *database.Case, from authz.Context, ntype, title, body string) {
	if s.notify == nil {
		return
	}
	if from == authz.ContextVendor {
		if client, err := s.store.GetTenantByClientID(ctx, c.ClientID); err == nil {
			s.notify.NotifyTenantAdmins(ctx, client.TenantID, ntype, title, body, "case", c.CaseID)
		}
		return
	}
	s.notify.NotifyVendorUsers(ctx, c.VendorID, ntype, title, body, "case", c.CaseID)
}
