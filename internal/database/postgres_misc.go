package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
)

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

const notificationColumns = `notification_id, user_id, tenant_id, type, priority, title, body,
	reference_type, reference_id, action_url, is_read, read_at, created_at`

func (p *Postgres) CreateNotification(ctx context.Context, n *Notification) error {
	n.CreatedAt = p.now()
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_notifications (notification_id, user_id, tenant_id, type, priority,
			title, body, reference_type, reference_id, action_url, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		n.NotificationID, n.UserID, n.TenantID, n.Type, n.Priority,
		n.Title, n.Body, n.ReferenceType, n.ReferenceID, n.ActionURL, n.IsRead, n.CreatedAt)
	return mapPQError(err)
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + notificationColumns + ` FROM nexus_notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := p.q.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.NotificationID, &n.UserID, &n.TenantID, &n.Type, &n.Priority,
			&n.Title, &n.Body, &n.ReferenceType, &n.ReferenceID, &n.ActionURL,
			&n.IsRead, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) CountUnread(ctx context.Context, userID string) (UnreadCounts, error) {
	var c UnreadCounts
	err := p.q.QueryRowContext(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE type LIKE 'payment_%'),
			count(*) FILTER (WHERE type LIKE 'case_%'),
			count(*) FILTER (WHERE priority = 'critical')
		FROM nexus_notifications WHERE user_id = $1 AND is_read = false`, userID).
		Scan(&c.Total, &c.Payment, &c.Case, &c.Critical)
	return c, err
}

func (p *Postgres) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	now := p.now()
	var query string
	args := []any{userID, now}
	if len(ids) == 0 {
		query = `UPDATE nexus_notifications SET is_read = true, read_at = $2
			WHERE user_id = $1 AND is_read = false`
	} else {
		query = `UPDATE nexus_notifications SET is_read = true, read_at = $2
			WHERE user_id = $1 AND is_read = false AND notification_id = ANY($3)`
		args = append(args, pq.Array(ids))
	}
	res, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Document hash chain
// ---------------------------------------------------------------------------

const chainColumns = `sequence_id, document_id, user_id, payload_hash, metadata,
	previous_hash, chain_hash, created_at`

func (p *Postgres) ChainTail(ctx context.Context) (*ChainEntry, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+chainColumns+`
		FROM nexus_document_hash_chain ORDER BY sequence_id DESC LIMIT 1`)
	e, err := scanChainEntry(row.Scan)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *Postgres) AppendChainEntry(ctx context.Context, e *ChainEntry) error {
	metadata, err := jsonText(e.Metadata)
	if err != nil {
		return fmt.Errorf("database: encoding chain metadata: %w", err)
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO nexus_document_hash_chain (sequence_id, document_id, user_id, payload_hash,
			metadata, previous_hash, chain_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.SequenceID, e.DocumentID, e.UserID, e.PayloadHash,
		metadata, e.PreviousHash, e.ChainHash, e.CreatedAt)
	return mapPQError(err)
}

func (p *Postgres) ListChainEntries(ctx context.Context, afterSeq int64, limit int) ([]ChainEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.q.QueryContext(ctx, `SELECT `+chainColumns+`
		FROM nexus_document_hash_chain WHERE sequence_id > $1
		ORDER BY sequence_id LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChainEntry
	for rows.Next() {
		e, err := scanChainEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanChainEntry(scan func(...any) error) (*ChainEntry, error) {
	var e ChainEntry
	var metadata []byte
	err := scan(&e.SequenceID, &e.DocumentID, &e.UserID, &e.PayloadHash, &metadata,
		&e.PreviousHash, &e.ChainHash, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := scanJSONMap(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}

// ---------------------------------------------------------------------------
// Invoice / payment read model
// ---------------------------------------------------------------------------

// ledgerScope filters ERP rows by the caller's allow-sets. Vendors see their
// own rows; client-side callers see rows of their visible vendors, narrowed
// to their companies when scoped.
func ledgerScope(access *authz.Access, args *[]any) string {
	if access.Context == authz.ContextVendor {
		*args = append(*args, access.VendorID)
		return fmt.Sprintf("vendor_id = $%d", len(*args))
	}
	*args = append(*args, pq.Array(access.VendorIDs))
	cond := fmt.Sprintf("vendor_id = ANY($%d)", len(*args))
	if access.CompanyScoped {
		*args = append(*args, pq.Array(access.CompanyIDs))
		cond += fmt.Sprintf(" AND company_id = ANY($%d)", len(*args))
	}
	return cond
}

const invoiceColumns = `invoice_id, vendor_id, company_id, invoice_num, po_ref, grn_ref,
	amount, currency, status, issue_date, due_date, paid_date, created_at, updated_at`

func (p *Postgres) ListInvoices(ctx context.Context, access *authz.Access, f InvoiceFilter) ([]Invoice, int, error) {
	var args []any
	conds := []string{ledgerScope(access, &args)}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := p.q.QueryRowContext(ctx,
		`SELECT count(*) FROM nexus_invoices WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset, limit := pageWindow(f.Page, f.Limit)
	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM nexus_invoices WHERE %s ORDER BY due_date DESC LIMIT $%d OFFSET $%d`,
		invoiceColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.InvoiceID, &inv.VendorID, &inv.CompanyID, &inv.InvoiceNum,
			&inv.PORef, &inv.GRNRef, &inv.Amount, &inv.Currency, &inv.Status,
			&inv.IssueDate, &inv.DueDate, &inv.PaidDate, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

func (p *Postgres) GetInvoice(ctx context.Context, access *authz.Access, invoiceID string) (*Invoice, error) {
	var inv Invoice
	err := p.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+`
		FROM nexus_invoices WHERE invoice_id = $1`, invoiceID).
		Scan(&inv.InvoiceID, &inv.VendorID, &inv.CompanyID, &inv.InvoiceNum,
			&inv.PORef, &inv.GRNRef, &inv.Amount, &inv.Currency, &inv.Status,
			&inv.IssueDate, &inv.DueDate, &inv.PaidDate, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if access.Context == authz.ContextVendor {
		if inv.VendorID != access.VendorID {
			return nil, apperr.ErrNotFound
		}
	} else if !access.AllowsVendor(inv.VendorID) || !access.AllowsCompany(inv.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return &inv, nil
}

// UpsertInvoice inserts-or-updates by the (vendor, company, invoice number)
// natural key, matching the external ingest contract.
func (p *Postgres) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	now := p.now()
	inv.UpdatedAt = now
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_invoices (invoice_id, vendor_id, company_id, invoice_num, po_ref,
			grn_ref, amount, currency, status, issue_date, due_date, paid_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (vendor_id, company_id, invoice_num) DO UPDATE SET
			po_ref = EXCLUDED.po_ref, grn_ref = EXCLUDED.grn_ref, amount = EXCLUDED.amount,
			currency = EXCLUDED.currency, status = EXCLUDED.status,
			issue_date = EXCLUDED.issue_date, due_date = EXCLUDED.due_date,
			paid_date = EXCLUDED.paid_date, updated_at = EXCLUDED.updated_at`,
		inv.InvoiceID, inv.VendorID, inv.CompanyID, inv.InvoiceNum, inv.PORef,
		inv.GRNRef, inv.Amount, inv.Currency, inv.Status, inv.IssueDate, inv.DueDate,
		inv.PaidDate, inv.CreatedAt, inv.UpdatedAt)
	return err
}

const paymentColumns = `payment_id, vendor_id, company_id, payment_ref, amount, currency,
	status, value_date, remittance_ref, created_at, updated_at`

func (p *Postgres) ListPayments(ctx context.Context, access *authz.Access, f PaymentFilter) ([]Payment, int, error) {
	var args []any
	conds := []string{ledgerScope(access, &args)}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := p.q.QueryRowContext(ctx,
		`SELECT count(*) FROM nexus_payments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset, limit := pageWindow(f.Page, f.Limit)
	args = append(args, limit, offset)
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM nexus_payments WHERE %s ORDER BY value_date DESC LIMIT $%d OFFSET $%d`,
		paymentColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var pay Payment
		if err := rows.Scan(&pay.PaymentID, &pay.VendorID, &pay.CompanyID, &pay.PaymentRef,
			&pay.Amount, &pay.Currency, &pay.Status, &pay.ValueDate, &pay.RemittanceRef,
			&pay.CreatedAt, &pay.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, pay)
	}
	return out, total, rows.Err()
}

func (p *Postgres) GetPayment(ctx context.Context, access *authz.Access, paymentID string) (*Payment, error) {
	var pay Payment
	err := p.q.QueryRowContext(ctx, `SELECT `+paymentColumns+`
		FROM nexus_payments WHERE payment_id = $1`, paymentID).
		Scan(&pay.PaymentID, &pay.VendorID, &pay.CompanyID, &pay.PaymentRef,
			&pay.Amount, &pay.Currency, &pay.Status, &pay.ValueDate, &pay.RemittanceRef,
			&pay.CreatedAt, &pay.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if access.Context == authz.ContextVendor {
		if pay.VendorID != access.VendorID {
			return nil, apperr.ErrNotFound
		}
	} else if !access.AllowsVendor(pay.VendorID) || !access.AllowsCompany(pay.CompanyID) {
		return nil, apperr.ErrNotFound
	}
	return &pay, nil
}

// UpsertPayment inserts-or-updates by (vendor, company, payment reference).
func (p *Postgres) UpsertPayment(ctx context.Context, pay *Payment) error {
	now := p.now()
	pay.UpdatedAt = now
	if pay.CreatedAt.IsZero() {
		pay.CreatedAt = now
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_payments (payment_id, vendor_id, company_id, payment_ref, amount,
			currency, status, value_date, remittance_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (vendor_id, company_id, payment_ref) DO UPDATE SET
			amount = EXCLUDED.amount, currency = EXCLUDED.currency, status = EXCLUDED.status,
			value_date = EXCLUDED.value_date, remittance_ref = EXCLUDED.remittance_ref,
			updated_at = EXCLUDED.updated_at`,
		pay.PaymentID, pay.VendorID, pay.CompanyID, pay.PaymentRef, pay.Amount,
		pay.Currency, pay.Status, pay.ValueDate, pay.RemittanceRef, pay.CreatedAt, pay.UpdatedAt)
	return err
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

const webhookColumns = `webhook_id, tenant_id, url, secret, events, is_active, fail_count,
	created_at, updated_at`

func (p *Postgres) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := jsonList(w.Events)
	if err != nil {
		return err
	}
	now := p.now()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO nexus_webhooks (webhook_id, tenant_id, url, secret, events, is_active,
			fail_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.WebhookID, w.TenantID, w.URL, w.Secret, events, w.IsActive,
		w.FailCount, w.CreatedAt, w.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+webhookColumns+`
		FROM nexus_webhooks WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func (p *Postgres) ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+webhookColumns+`
		FROM nexus_webhooks WHERE is_active = true AND events @> $1::jsonb`,
		fmt.Sprintf(`["%s"]`, eventType))
	if err != nil {
		return nil, err
	}
	return collectWebhooks(rows)
}

func collectWebhooks(rows rowsScanner) ([]Webhook, error) {
	defer rows.Close()
	var out []Webhook
	for rows.Next() {
		var w Webhook
		var events []byte
		if err := rows.Scan(&w.WebhookID, &w.TenantID, &w.URL, &w.Secret, &events,
			&w.IsActive, &w.FailCount, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scanJSONList(events, &w.Events); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowsScanner interface {
	Next() bool
	Scan(...any) error
	Close() error
	Err() error
}

// MarkWebhookFailed bumps the failure counter and disables the hook after
// ten consecutive failures.
func (p *Postgres) MarkWebhookFailed(ctx context.Context, webhookID string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE nexus_webhooks
		SET fail_count = fail_count + 1,
			is_active = (fail_count + 1) < 10,
			updated_at = $2
		WHERE webhook_id = $1`, webhookID, p.now())
	return err
}

func (p *Postgres) MarkWebhookDelivered(ctx context.Context, webhookID string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE nexus_webhooks SET fail_count = 0, updated_at = $2
		WHERE webhook_id = $1`, webhookID, p.now())
	return err
}

func (p *Postgres) DeleteWebhook(ctx context.Context, tenantID, webhookID string) error {
	res, err := p.q.ExecContext(ctx, `
		DELETE FROM nexus_webhooks WHERE webhook_id = $1 AND tenant_id = $2`,
		webhookID, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

