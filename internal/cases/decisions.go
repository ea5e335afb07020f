package cases

import (
	"context"
	"fmt"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

// decisionCaller checks that the caller may run decision operations: the
// client and internal sides work cases, vendors respond to them.
func decisionCaller(ctx context.Context) (*authz.Principal, *authz.Access, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	if access.Context == authz.ContextVendor {
		return nil, nil, apperr.New(apperr.Forbidden, "vendors cannot run case decisions")
	}
	return p, access, nil
}

// Reassign moves a case to another team and optionally a named assignee.
func (s *Service) Reassign(ctx context.Context, caseID, ownerTeam, assignedTo, why string) (*database.Case, error) {
	p, access, err := decisionCaller(ctx)
	if err != nil {
		return nil, err
	}
	switch ownerTeam {
	case database.TeamProcurement, database.TeamAP, database.TeamFinance:
	default:
		return nil, apperr.Newf(apperr.Validation, "unknown owner team %q", ownerTeam)
	}

	var c *database.Case
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}
		c.OwnerTeam = ownerTeam
		c.AssignedTo = assignedTo
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		what := "reassigned to " + ownerTeam
		if assignedTo != "" {
			what += " (" + assignedTo + ")"
		}
		return s.logActivity(ctx, tx, caseID, database.DecisionReassign, p, what, why)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateStatus sets the case status directly. Blocked is unreachable this
// way; only a level-3 escalation blocks a case.
func (s *Service) UpdateStatus(ctx context.Context, caseID, status, why string) (*database.Case, error) {
	p, access, err := decisionCaller(ctx)
	if err != nil {
		return nil, err
	}
	switch status {
	case database.StatusOpen, database.StatusWaitingSupplier, database.StatusWaitingInternal, database.StatusResolved:
	case database.StatusBlocked:
		return nil, apperr.New(apperr.Validation, "blocked is only reachable through escalation")
	default:
		return nil, apperr.Newf(apperr.Validation, "unknown status %q", status)
	}

	var c *database.Case
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}
		if c.Status == status {
			return nil
		}
		c.Status = status
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		return s.logActivity(ctx, tx, caseID, database.DecisionStatusUpdate, p, "status set to "+status, why)
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.CaseStatusChanged, p.TenantID, map[string]any{
		"caseId": c.CaseID,
		"status": c.Status,
	})
	return c, nil
}

// Escalate raises the escalation level. Levels only go up; level 3 blocks
// the case and records the break-glass note.
func (s *Service) Escalate(ctx context.Context, caseID string, level int, reason string) (*database.Case, error) {
	p, access, err := decisionCaller(ctx)
	if err != nil {
		return nil, err
	}
	if level < 1 || level > 3 {
		return nil, apperr.Newf(apperr.Validation, "escalation level must be 1..3, got %d", level)
	}

	var c *database.Case
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}
		if level <= c.EscalationLevel {
			return apperr.Newf(apperr.Validation, "case is already at escalation level %d", c.EscalationLevel)
		}
		c.EscalationLevel = level
		c.OwnerTeam = database.TeamAP
		if level == 3 {
			c.Status = database.StatusBlocked
		} else {
			c.Status = database.StatusWaitingInternal
		}
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}

		note := fmt.Sprintf("Escalated to level %d: %s", level, reason)
		if level == 3 {
			note = fmt.Sprintf("BREAK GLASS — escalated to level 3, case blocked: %s", reason)
		}
		if err := tx.CreateMessage(ctx, &database.Message{
			MessageID:      ids.NewID(ids.PrefixMessage, "escalation"),
			CaseID:         caseID,
			SenderContext:  database.SenderSystem,
			SenderUserID:   p.UserID,
			Channel:        database.ChannelPortal,
			Body:           note,
			IsInternalNote: true,
		}); err != nil {
			return err
		}
		return s.logActivity(ctx, tx, caseID, database.DecisionEscalate, p,
			fmt.Sprintf("escalated to level %d", level), reason)
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.CaseEscalated, p.TenantID, map[string]any{
		"caseId": c.CaseID,
		"level":  c.EscalationLevel,
		"status": c.Status,
	})
	return c, nil
}

// Approve resolves a case whose checklist is complete. Onboarding approval
// also activates the vendor's users; bank-change approval hands the
// proposed details to the downstream applier via the event payload.
func (s *Service) Approve(ctx context.Context, caseID, why string) (*database.Case, error) {
	p, access, err := decisionCaller(ctx)
	if err != nil {
		return nil, err
	}

	var c *database.Case
	var vendorTenant *database.Tenant
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}
		steps, err := tx.ListChecklistSteps(ctx, caseID)
		if err != nil {
			return err
		}
		if !checklistComplete(steps) {
			return apperr.New(apperr.Precondition, "all checklist steps must be verified or waived")
		}
		c.Status = database.StatusResolved
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		if err := s.logActivity(ctx, tx, caseID, database.DecisionApprove, p, "case approved", why); err != nil {
			return err
		}

		if c.CaseType == database.CaseOnboarding {
			if vendorTenant, err = tx.GetTenantByVendorID(ctx, c.VendorID); err != nil {
				return err
			}
			if err := tx.ActivateTenantUsers(ctx, vendorTenant.TenantID); err != nil {
				return fmt.Errorf("activating vendor users: %w", err)
			}
			return tx.UpdateTenantStatus(ctx, vendorTenant.TenantID, database.TenantActive, database.OnboardingComplete)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch c.CaseType {
	case database.CaseOnboarding:
		s.emit(events.OnboardingApproved, vendorTenant.TenantID, map[string]any{
			"caseId":   c.CaseID,
			"vendorId": c.VendorID,
		})
		s.notifyVendor(ctx, c, notify.TypeOnboardingApproved,
			"Onboarding approved", "Your onboarding is complete and your account is active.")
	case database.CaseBankChange:
		s.emit(events.BankChangeApproved, p.TenantID, map[string]any{
			"caseId":   c.CaseID,
			"vendorId": c.VendorID,
			"proposed": c.Metadata["proposedBankDetails"],
		})
		s.notifyVendor(ctx, c, notify.TypePaymentBankChange,
			"Bank details approved", "Your bank detail change was approved.")
	default:
		s.notifyVendor(ctx, c, notify.TypeCaseApproved, "Case approved: "+c.Subject, "")
	}
	return c, nil
}

// Close resolves a case without the approval preconditions.
func (s *Service) Close(ctx context.Context, caseID, why string) (*database.Case, error) {
	p, access, err := decisionCaller(ctx)
	if err != nil {
		return nil, err
	}

	var c *database.Case
	err = s.store.Tx(ctx, func(tx database.Store) error {
		if err := tx.LockCase(ctx, caseID); err != nil {
			return err
		}
		if c, err = tx.GetCase(ctx, access, caseID); err != nil {
			return err
		}
		c.Status = database.StatusResolved
		if err := tx.UpdateCase(ctx, c); err != nil {
			return err
		}
		return s.logActivity(ctx, tx, caseID, database.DecisionClose, p, "case closed", why)
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.CaseClosed, p.TenantID, map[string]any{"caseId": c.CaseID})
	s.notifyCounterpart(ctx, c, access.Context, notify.TypeCaseStatusChanged,
		"Case closed: "+c.Subject, "")
	return c, nil
}

// BankChangeInput is a vendor's request to change its bank details.
type BankChangeInput struct {
	ClientID        string         `json:"clientId"`
	Subject         string         `json:"subject"`
	ProposedDetails map[string]any `json:"proposedDetails"`
}

// RequestBankChange opens the bank-change workflow: a finance-owned case
// whose checklist demands the new bank letter and an authorization letter.
// The proposed details live in case metadata until approval emits them.
func (s *Service) RequestBankChange(ctx context.Context, in BankChangeInput) (*database.Case, error) {
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if access.Context != authz.ContextVendor {
		return nil, apperr.New(apperr.Forbidden, "only vendors request bank detail changes")
	}
	if len(in.ProposedDetails) == 0 {
		return nil, apperr.New(apperr.Validation, "proposedDetails is required")
	}
	subject := in.Subject
	if subject == "" {
		subject = "Bank detail change request"
	}

	c, err := s.CreateCase(ctx, CreateCaseInput{
		CaseType: database.CaseBankChange,
		Subject:  subject,
		Priority: database.PriorityHigh,
		ClientID: in.ClientID,
		Metadata: map[string]any{"proposedBankDetails": in.ProposedDetails},
	})
	if err != nil {
		return nil, err
	}

	// The client side treats bank changes as payment-critical.
	s.notifyCounterpart(ctx, c, authz.ContextVendor, notify.TypePaymentBankChange,
		"Bank detail change requested", "A vendor requested a bank detail change. Verification required.")
	return c, nil
}
