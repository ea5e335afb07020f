package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
)

const caseColumns = `case_id, case_type, status, priority, owner_team, assigned_to,
	client_id, vendor_id, company_id, group_id, subject, description, sla_due_at,
	escalation_level, invoice_id, payment_id, disputed_amount, currency, metadata,
	created_at, updated_at`

func (p *Postgres) CreateCase(ctx context.Context, c *Case) error {
	metadata, err := jsonText(c.Metadata)
	if err != nil {
		return fmt.Errorf("database: encoding case metadata: %w", err)
	}
	now := p.now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO nexus_cases (case_id, case_type, status, priority, owner_team, assigned_to,
			client_id, vendor_id, company_id, group_id, subject, description, sla_due_at,
			escalation_level, invoice_id, payment_id, disputed_amount, currency, metadata,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		c.CaseID, c.CaseType, c.Status, c.Priority, c.OwnerTeam, c.AssignedTo,
		c.ClientID, c.VendorID, c.CompanyID, c.GroupID, c.Subject, c.Description, c.SLADueAt,
		c.EscalationLevel, c.InvoiceID, c.PaymentID, c.DisputedAmount, c.Currency, metadata,
		c.CreatedAt, c.UpdatedAt)
	return mapPQError(err)
}

// caseScope renders the access set as SQL predicates. An out-of-scope or
// unknown case is indistinguishably absent at this layer.
func caseScope(access *authz.Access, facing string, args *[]any) (string, error) {
	if facing == "" {
		if access.Context == authz.ContextVendor {
			facing = "vendor"
		} else {
			facing = "client"
		}
	}
	switch facing {
	case "vendor":
		// The caller's tenant on the vendor side of its relationships.
		if access.Context != authz.ContextVendor && access.VendorID == "" {
			return "FALSE", nil
		}
		*args = append(*args, access.VendorID)
		return fmt.Sprintf("vendor_id = $%d", len(*args)), nil
	case "client":
		if access.Context == authz.ContextVendor {
			return "FALSE", nil
		}
		*args = append(*args, access.ClientID)
		cond := fmt.Sprintf("client_id = $%d", len(*args))
		if access.CompanyScoped {
			*args = append(*args, pq.Array(access.CompanyIDs))
			cond += fmt.Sprintf(" AND company_id <> '' AND company_id = ANY($%d)", len(*args))
		}
		return cond, nil
	}
	return "", apperr.Newf(apperr.Validation, "unknown facing %q", facing)
}

func (p *Postgres) GetCase(ctx context.Context, access *authz.Access, caseID string) (*Case, error) {
	c, err := p.getCaseRaw(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !access.AllowsCase(c.ClientID, c.VendorID, c.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return c, nil
}

func (p *Postgres) getCaseRaw(ctx context.Context, caseID string) (*Case, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+caseColumns+`
		FROM nexus_cases WHERE case_id = $1 AND deleted_at IS NULL`, caseID)
	return scanCase(row.Scan)
}

func scanCase(scan func(...any) error) (*Case, error) {
	var c Case
	var metadata []byte
	err := scan(&c.CaseID, &c.CaseType, &c.Status, &c.Priority, &c.OwnerTeam, &c.AssignedTo,
		&c.ClientID, &c.VendorID, &c.CompanyID, &c.GroupID, &c.Subject, &c.Description,
		&c.SLADueAt, &c.EscalationLevel, &c.InvoiceID, &c.PaymentID, &c.DisputedAmount,
		&c.Currency, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := scanJSONMap(metadata, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) ListCases(ctx context.Context, access *authz.Access, f CaseFilter) ([]Case, int, error) {
	var args []any
	scope, err := caseScope(access, f.Facing, &args)
	if err != nil {
		return nil, 0, err
	}
	conds := []string{"deleted_at IS NULL", scope}
	add := func(column, value string) {
		if value != "" {
			args = append(args, value)
			conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
		}
	}
	add("status", f.Status)
	add("priority", f.Priority)
	add("case_type", f.CaseType)
	add("owner_team", f.OwnerTeam)
	add("company_id", f.CompanyID)
	add("vendor_id", f.VendorID)
	where := strings.Join(conds, " AND ")

	var total int
	if err := p.q.QueryRowContext(ctx,
		`SELECT count(*) FROM nexus_cases WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset, limit := pageWindow(f.Page, f.Limit)
	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM nexus_cases WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		caseColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (p *Postgres) UpdateCase(ctx context.Context, c *Case) error {
	metadata, err := jsonText(c.Metadata)
	if err != nil {
		return fmt.Errorf("database: encoding case metadata: %w", err)
	}
	c.UpdatedAt = p.now()
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_cases SET status = $2, priority = $3, owner_team = $4, assigned_to = $5,
			subject = $6, description = $7, sla_due_at = $8, escalation_level = $9,
			disputed_amount = $10, currency = $11, metadata = $12, updated_at = $13
		WHERE case_id = $1 AND deleted_at IS NULL`,
		c.CaseID, c.Status, c.Priority, c.OwnerTeam, c.AssignedTo,
		c.Subject, c.Description, c.SLADueAt, c.EscalationLevel,
		c.DisputedAmount, c.Currency, metadata, c.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// Checklist
// ---------------------------------------------------------------------------

func (p *Postgres) CreateChecklistStep(ctx context.Context, s *ChecklistStep) error {
	now := p.now()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_case_checklist (step_id, case_id, label, evidence_type, status,
			waived_reason, position, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.StepID, s.CaseID, s.Label, s.EvidenceType, s.Status,
		s.WaivedReason, s.Position, s.CreatedAt, s.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetChecklistStep(ctx context.Context, stepID string) (*ChecklistStep, error) {
	var s ChecklistStep
	err := p.q.QueryRowContext(ctx, `
		SELECT step_id, case_id, label, evidence_type, status, waived_reason, position,
			created_at, updated_at
		FROM nexus_case_checklist WHERE step_id = $1`, stepID).
		Scan(&s.StepID, &s.CaseID, &s.Label, &s.EvidenceType, &s.Status, &s.WaivedReason,
			&s.Position, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (p *Postgres) ListChecklistSteps(ctx context.Context, caseID string) ([]ChecklistStep, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT step_id, case_id, label, evidence_type, status, waived_reason, position,
			created_at, updated_at
		FROM nexus_case_checklist WHERE case_id = $1 ORDER BY position, created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChecklistStep
	for rows.Next() {
		var s ChecklistStep
		if err := rows.Scan(&s.StepID, &s.CaseID, &s.Label, &s.EvidenceType, &s.Status,
			&s.WaivedReason, &s.Position, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateChecklistStep(ctx context.Context, s *ChecklistStep) error {
	s.UpdatedAt = p.now()
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_case_checklist SET status = $2, waived_reason = $3, updated_at = $4
		WHERE step_id = $1`, s.StepID, s.Status, s.WaivedReason, s.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// Evidence rows
// ---------------------------------------------------------------------------

const evidenceColumns = `evidence_id, case_id, step_id, evidence_type, version, filename,
	storage_key, mime_type, size_bytes, content_hash, uploader_context, uploader_user_id,
	status, created_at, updated_at`

func (p *Postgres) CreateEvidence(ctx context.Context, e *Evidence) error {
	now := p.now()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_case_evidence (evidence_id, case_id, step_id, evidence_type, version,
			filename, storage_key, mime_type, size_bytes, content_hash, uploader_context,
			uploader_user_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.EvidenceID, e.CaseID, e.StepID, e.EvidenceType, e.Version,
		e.Filename, e.StorageKey, e.MimeType, e.SizeBytes, e.ContentHash, e.UploaderContext,
		e.UploaderUserID, e.Status, e.CreatedAt, e.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetEvidence(ctx context.Context, evidenceID string) (*Evidence, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+evidenceColumns+`
		FROM nexus_case_evidence WHERE evidence_id = $1 AND deleted_at IS NULL`, evidenceID)
	return scanEvidence(row.Scan)
}

func scanEvidence(scan func(...any) error) (*Evidence, error) {
	var e Evidence
	err := scan(&e.EvidenceID, &e.CaseID, &e.StepID, &e.EvidenceType, &e.Version,
		&e.Filename, &e.StorageKey, &e.MimeType, &e.SizeBytes, &e.ContentHash,
		&e.UploaderContext, &e.UploaderUserID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (p *Postgres) ListEvidence(ctx context.Context, caseID string) ([]Evidence, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+evidenceColumns+`
		FROM nexus_case_evidence WHERE case_id = $1 AND deleted_at IS NULL
		ORDER BY evidence_type, version`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Evidence
	for rows.Next() {
		e, err := scanEvidence(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *Postgres) MaxEvidenceVersion(ctx context.Context, caseID, evidenceType string) (int, error) {
	var v int
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(max(version), 0) FROM nexus_case_evidence
		WHERE case_id = $1 AND evidence_type = $2`, caseID, evidenceType).Scan(&v)
	return v, err
}

func (p *Postgres) UpdateEvidenceStatus(ctx context.Context, evidenceID, status string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_case_evidence SET status = $2, updated_at = $3
		WHERE evidence_id = $1 AND deleted_at IS NULL`, evidenceID, status, p.now())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// Messages & activity
// ---------------------------------------------------------------------------

func (p *Postgres) CreateMessage(ctx context.Context, m *Message) error {
	metadata, err := jsonText(m.Metadata)
	if err != nil {
		return fmt.Errorf("database: encoding message metadata: %w", err)
	}
	m.CreatedAt = p.now()
	err = p.q.QueryRowContext(ctx, `
		INSERT INTO nexus_case_messages (message_id, case_id, sender_context, sender_user_id,
			channel, body, is_internal_note, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING seq`,
		m.MessageID, m.CaseID, m.SenderContext, m.SenderUserID,
		m.Channel, m.Body, m.IsInternalNote, metadata, m.CreatedAt).Scan(&m.Seq)
	return mapPQError(err)
}

func (p *Postgres) ListMessages(ctx context.Context, caseID string, includeInternal bool) ([]Message, error) {
	query := `
		SELECT message_id, case_id, sender_context, sender_user_id, channel, body,
			is_internal_note, metadata, seq, created_at
		FROM nexus_case_messages WHERE case_id = $1`
	if !includeInternal {
		query += ` AND is_internal_note = false`
	}
	query += ` ORDER BY created_at, seq`
	rows, err := p.q.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var metadata []byte
		if err := rows.Scan(&m.MessageID, &m.CaseID, &m.SenderContext, &m.SenderUserID,
			&m.Channel, &m.Body, &m.IsInternalNote, &metadata, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := scanJSONMap(metadata, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateActivity(ctx context.Context, a *Activity) error {
	a.CreatedAt = p.now()
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_case_activity (activity_id, case_id, decision_type, actor_user_id,
			actor_context, what, why, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ActivityID, a.CaseID, a.DecisionType, a.ActorUserID,
		a.ActorContext, a.What, a.Why, a.CreatedAt)
	return mapPQError(err)
}

func (p *Postgres) ListActivity(ctx context.Context, caseID string) ([]Activity, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT activity_id, case_id, decision_type, actor_user_id, actor_context, what, why, created_at
		FROM nexus_case_activity WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ActivityID, &a.CaseID, &a.DecisionType, &a.ActorUserID,
			&a.ActorContext, &a.What, &a.Why, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
