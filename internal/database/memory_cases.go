package database

import (
	"context"
	"sort"
	"strings"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
)

// ---------------------------------------------------------------------------
// Cases
// ---------------------------------------------------------------------------

func (m *Memory) CreateCase(ctx context.Context, c *Case) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.cases[c.CaseID]; ok {
		return conflict("case")
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.s.cases[c.CaseID] = *c
	return nil
}

func (m *Memory) GetCase(ctx context.Context, access *authz.Access, caseID string) (*Case, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	c, ok := m.s.cases[caseID]
	if !ok || c.DeletedAt != nil || !access.AllowsCase(c.ClientID, c.VendorID, c.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ListCases(ctx context.Context, access *authz.Access, f CaseFilter) ([]Case, int, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	facing := f.Facing
	if facing == "" {
		if access.Context == authz.ContextVendor {
			facing = "vendor"
		} else {
			facing = "client"
		}
	}
	if facing != "client" && facing != "vendor" {
		return nil, 0, apperr.Newf(apperr.Validation, "unknown facing %q", facing)
	}

	var all []Case
	for _, c := range m.s.cases {
		if c.DeletedAt != nil {
			continue
		}
		switch facing {
		case "vendor":
			if access.VendorID == "" || c.VendorID != access.VendorID {
				continue
			}
		case "client":
			if access.Context == authz.ContextVendor || c.ClientID != access.ClientID {
				continue
			}
			if access.CompanyScoped && !access.AllowsCompany(c.CompanyID) {
				continue
			}
			if access.CompanyScoped && c.CompanyID == "" {
				continue
			}
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Priority != "" && c.Priority != f.Priority {
			continue
		}
		if f.CaseType != "" && c.CaseType != f.CaseType {
			continue
		}
		if f.OwnerTeam != "" && c.OwnerTeam != f.OwnerTeam {
			continue
		}
		if f.CompanyID != "" && c.CompanyID != f.CompanyID {
			continue
		}
		if f.VendorID != "" && c.VendorID != f.VendorID {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	offset, limit := pageWindow(f.Page, f.Limit)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *Memory) UpdateCase(ctx context.Context, c *Case) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	existing, ok := m.s.cases[c.CaseID]
	if !ok || existing.DeletedAt != nil {
		return apperr.ErrNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = m.now()
	m.s.cases[c.CaseID] = *c
	return nil
}

// ---------------------------------------------------------------------------
// Checklist
// ---------------------------------------------------------------------------

func (m *Memory) CreateChecklistStep(ctx context.Context, s *ChecklistStep) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.steps[s.StepID]; ok {
		return conflict("checklist step")
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.s.steps[s.StepID] = *s
	return nil
}

func (m *Memory) GetChecklistStep(ctx context.Context, stepID string) (*ChecklistStep, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	s, ok := m.s.steps[stepID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) ListChecklistSteps(ctx context.Context, caseID string) ([]ChecklistStep, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []ChecklistStep
	for _, s := range m.s.steps {
		if s.CaseID == caseID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateChecklistStep(ctx context.Context, s *ChecklistStep) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	existing, ok := m.s.steps[s.StepID]
	if !ok {
		return apperr.ErrNotFound
	}
	existing.Status = s.Status
	existing.WaivedReason = s.WaivedReason
	existing.UpdatedAt = m.now()
	m.s.steps[s.StepID] = existing
	*s = existing
	return nil
}

// ---------------------------------------------------------------------------
// Evidence
// ---------------------------------------------------------------------------

func (m *Memory) CreateEvidence(ctx context.Context, e *Evidence) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range m.s.evidence {
		if existing.StorageKey == e.StorageKey {
			return conflict("storage key")
		}
		if existing.CaseID == e.CaseID && existing.EvidenceType == e.EvidenceType &&
			existing.Version == e.Version {
			return conflict("evidence version")
		}
	}
	now := m.now()
	e.CreatedAt, e.UpdatedAt = now, now
	m.s.evidence[e.EvidenceID] = *e
	return nil
}

func (m *Memory) GetEvidence(ctx context.Context, evidenceID string) (*Evidence, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	e, ok := m.s.evidence[evidenceID]
	if !ok || e.DeletedAt != nil {
		return nil, apperr.ErrNotFound
	}
	return &e, nil
}

func (m *Memory) ListEvidence(ctx context.Context, caseID string) ([]Evidence, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Evidence
	for _, e := range m.s.evidence {
		if e.DeletedAt == nil && e.CaseID == caseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvidenceType != out[j].EvidenceType {
			return out[i].EvidenceType < out[j].EvidenceType
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) MaxEvidenceVersion(ctx context.Context, caseID, evidenceType string) (int, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	max := 0
	for _, e := range m.s.evidence {
		if e.CaseID == caseID && e.EvidenceType == evidenceType && e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (m *Memory) UpdateEvidenceStatus(ctx context.Context, evidenceID, status string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	e, ok := m.s.evidence[evidenceID]
	if !ok || e.DeletedAt != nil {
		return apperr.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = m.now()
	m.s.evidence[evidenceID] = e
	return nil
}

// ---------------------------------------------------------------------------
// Messages & activity
// ---------------------------------------------------------------------------

func (m *Memory) CreateMessage(ctx context.Context, msg *Message) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	m.s.messageSeq++
	msg.Seq = m.s.messageSeq
	msg.CreatedAt = m.now()
	m.s.messages = append(m.s.messages, *msg)
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, caseID string, includeInternal bool) ([]Message, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Message
	for _, msg := range m.s.messages {
		if msg.CaseID != caseID {
			continue
		}
		if msg.IsInternalNote && !includeInternal {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *Memory) CreateActivity(ctx context.Context, a *Activity) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	a.CreatedAt = m.now()
	m.s.activity = append(m.s.activity, *a)
	return nil
}

func (m *Memory) ListActivity(ctx context.Context, caseID string) ([]Activity, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Activity
	for _, a := range m.s.activity {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (m *Memory) CreateNotification(ctx context.Context, n *Notification) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.notifications[n.NotificationID]; ok {
		return conflict("notification")
	}
	n.CreatedAt = m.now()
	m.s.notifications[n.NotificationID] = *n
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Notification
	for _, n := range m.s.notifications {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.IsRead {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountUnread(ctx context.Context, userID string) (UnreadCounts, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return UnreadCounts{}, err
	}
	defer unlock()
	var c UnreadCounts
	for _, n := range m.s.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		c.Total++
		if strings.HasPrefix(n.Type, "payment_") {
			c.Payment++
		}
		if strings.HasPrefix(n.Type, "case_") {
			c.Case++
		}
		if n.Priority == NotifyCritical {
			c.Critical++
		}
	}
	return c, nil
}

func (m *Memory) MarkRead(ctx context.Context, userID string, notificationIDs []string) (int64, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	wanted := map[string]bool{}
	for _, id := range notificationIDs {
		wanted[id] = true
	}
	now := m.now()
	var count int64
	for id, n := range m.s.notifications {
		if n.UserID != userID || n.IsRead {
			continue
		}
		if len(notificationIDs) > 0 && !wanted[id] {
			continue
		}
		n.IsRead = true
		n.ReadAt = &now
		m.s.notifications[id] = n
		count++
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Document hash chain
// ---------------------------------------------------------------------------

func (m *Memory) ChainTail(ctx context.Context) (*ChainEntry, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if len(m.s.chain) == 0 {
		return nil, apperr.ErrNotFound
	}
	tail := m.s.chain[len(m.s.chain)-1]
	return &tail, nil
}

func (m *Memory) AppendChainEntry(ctx context.Context, e *ChainEntry) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range m.s.chain {
		if existing.SequenceID == e.SequenceID {
			return conflict("chain sequence")
		}
		if existing.ChainHash == e.ChainHash {
			return conflict("chain hash")
		}
	}
	m.s.chain = append(m.s.chain, *e)
	return nil
}

func (m *Memory) ListChainEntries(ctx context.Context, afterSeq int64, limit int) ([]ChainEntry, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if limit <= 0 {
		limit = 500
	}
	var out []ChainEntry
	for _, e := range m.s.chain {
		if e.SequenceID > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TamperChainEntry rewrites a stored entry in place, bypassing the append
// path. Test-only hook for verifying tamper detection.
func (m *Memory) TamperChainEntry(sequenceID int64, mutate func(*ChainEntry)) {
	for i := range m.s.chain {
		if m.s.chain[i].SequenceID == sequenceID {
			mutate(&m.s.chain[i])
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Invoice / payment read model
// ---------------------------------------------------------------------------

func (m *Memory) ListInvoices(ctx context.Context, access *authz.Access, f InvoiceFilter) ([]Invoice, int, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()
	var all []Invoice
	for _, inv := range m.s.invoices {
		if !ledgerVisible(access, inv.VendorID, inv.CompanyID) {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		all = append(all, inv)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DueDate.After(all[j].DueDate) })
	total := len(all)
	offset, limit := pageWindow(f.Page, f.Limit)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func ledgerVisible(access *authz.Access, vendorID, companyID string) bool {
	if access.Context == authz.ContextVendor {
		return vendorID == access.VendorID
	}
	return access.AllowsVendor(vendorID) && access.AllowsCompany(companyID)
}

func (m *Memory) GetInvoice(ctx context.Context, access *authz.Access, invoiceID string) (*Invoice, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	inv, ok := m.s.invoices[invoiceID]
	if !ok || !ledgerVisible(access, inv.VendorID, inv.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return &inv, nil
}

func (m *Memory) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	now := m.now()
	for id, existing := range m.s.invoices {
		if existing.VendorID == inv.VendorID && existing.CompanyID == inv.CompanyID &&
			existing.InvoiceNum == inv.InvoiceNum {
			inv.InvoiceID = existing.InvoiceID
			inv.CreatedAt = existing.CreatedAt
			inv.UpdatedAt = now
			m.s.invoices[id] = *inv
			return nil
		}
	}
	inv.CreatedAt, inv.UpdatedAt = now, now
	m.s.invoices[inv.InvoiceID] = *inv
	return nil
}

func (m *Memory) ListPayments(ctx context.Context, access *authz.Access, f PaymentFilter) ([]Payment, int, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()
	var all []Payment
	for _, p := range m.s.payments {
		if !ledgerVisible(access, p.VendorID, p.CompanyID) {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ValueDate.After(all[j].ValueDate) })
	total := len(all)
	offset, limit := pageWindow(f.Page, f.Limit)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *Memory) GetPayment(ctx context.Context, access *authz.Access, paymentID string) (*Payment, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	p, ok := m.s.payments[paymentID]
	if !ok || !ledgerVisible(access, p.VendorID, p.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) UpsertPayment(ctx context.Context, pay *Payment) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	now := m.now()
	for id, existing := range m.s.payments {
		if existing.VendorID == pay.VendorID && existing.CompanyID == pay.CompanyID &&
			existing.PaymentRef == pay.PaymentRef {
			pay.PaymentID = existing.PaymentID
			pay.CreatedAt = existing.CreatedAt
			pay.UpdatedAt = now
			m.s.payments[id] = *pay
			return nil
		}
	}
	pay.CreatedAt, pay.UpdatedAt = now, now
	m.s.payments[pay.PaymentID] = *pay
	return nil
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func (m *Memory) CreateWebhook(ctx context.Context, w *Webhook) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.webhooks[w.WebhookID]; ok {
		return conflict("webhook")
	}
	now := m.now()
	w.CreatedAt, w.UpdatedAt = now, now
	m.s.webhooks[w.WebhookID] = *w
	return nil
}

func (m *Memory) ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Webhook
	for _, w := range m.s.webhooks {
		if w.TenantID == tenantID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Webhook
	for _, w := range m.s.webhooks {
		if !w.IsActive {
			continue
		}
		for _, e := range w.Events {
			if e == eventType {
				out = append(out, w)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WebhookID < out[j].WebhookID })
	return out, nil
}

func (m *Memory) MarkWebhookFailed(ctx context.Context, webhookID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	w, ok := m.s.webhooks[webhookID]
	if !ok {
		return nil
	}
	w.FailCount++
	if w.FailCount >= 10 {
		w.IsActive = false
	}
	w.UpdatedAt = m.now()
	m.s.webhooks[webhookID] = w
	return nil
}

func (m *Memory) MarkWebhookDelivered(ctx context.Context, webhookID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	w, ok := m.s.webhooks[webhookID]
	if !ok {
		return nil
	}
	w.FailCount = 0
	w.UpdatedAt = m.now()
	m.s.webhooks[webhookID] = w
	return nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, tenantID, webhookID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	w, ok := m.s.webhooks[webhookID]
	if !ok || w.TenantID != tenantID {
		return apperr.ErrNotFound
	}
	delete(m.s.webhooks, webhookID)
	return nil
}

// compile-time check: both implementations satisfy the full contract.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
