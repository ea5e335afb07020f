package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema is the full DDL for the nexus_* tables. Statements are idempotent
// so cmd/migrate can re-apply them.
const Schema = `
CREATE TABLE IF NOT EXISTS nexus_tenants (
    tenant_id          TEXT PRIMARY KEY,
    client_id          TEXT NOT NULL UNIQUE,
    vendor_id          TEXT NOT NULL UNIQUE,
    name               TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'active',
    onboarding_status  TEXT NOT NULL DEFAULT 'pending',
    email              TEXT NOT NULL DEFAULT '',
    phone              TEXT NOT NULL DEFAULT '',
    address            TEXT NOT NULL DEFAULT '',
    settings           JSONB NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at         TIMESTAMPTZ,
    deleted_by         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS nexus_companies (
    company_id  TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL REFERENCES nexus_tenants(tenant_id),
    group_id    TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at  TIMESTAMPTZ,
    deleted_by  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS nexus_users (
    user_id           TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL REFERENCES nexus_tenants(tenant_id),
    email             TEXT NOT NULL,
    display_name      TEXT NOT NULL DEFAULT '',
    password_hash     TEXT NOT NULL DEFAULT '',
    external_auth_id  TEXT NOT NULL DEFAULT '',
    role              TEXT NOT NULL DEFAULT 'member',
    scope_type        TEXT NOT NULL DEFAULT '',
    scope_id          TEXT NOT NULL DEFAULT '',
    is_active         BOOLEAN NOT NULL DEFAULT true,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at        TIMESTAMPTZ,
    deleted_by        TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS nexus_users_email_uq
    ON nexus_users (lower(email)) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS nexus_users_external_auth_uq
    ON nexus_users (external_auth_id) WHERE external_auth_id <> '' AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS nexus_relationships (
    relationship_id  TEXT PRIMARY KEY,
    client_id        TEXT NOT NULL,
    vendor_id        TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'active',
    effective_from   TIMESTAMPTZ NOT NULL DEFAULT now(),
    effective_to     TIMESTAMPTZ,
    metadata         JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS nexus_relationships_active_uq
    ON nexus_relationships (client_id, vendor_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS nexus_relationship_companies (
    relationship_id  TEXT NOT NULL REFERENCES nexus_relationships(relationship_id),
    company_id       TEXT NOT NULL REFERENCES nexus_companies(company_id),
    UNIQUE (relationship_id, company_id)
);

CREATE TABLE IF NOT EXISTS nexus_invites (
    invite_id           TEXT PRIMARY KEY,
    token               TEXT NOT NULL UNIQUE,
    inviting_tenant_id  TEXT NOT NULL,
    inviting_client_id  TEXT NOT NULL,
    invitee_email       TEXT NOT NULL,
    vendor_name         TEXT NOT NULL DEFAULT '',
    company_ids         JSONB NOT NULL DEFAULT '[]',
    status              TEXT NOT NULL DEFAULT 'pending',
    expires_at          TIMESTAMPTZ NOT NULL,
    accepted_at         TIMESTAMPTZ,
    accepted_tenant_id  TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nexus_sessions (
    token_hash         TEXT PRIMARY KEY,
    user_id            TEXT NOT NULL,
    tenant_id          TEXT NOT NULL,
    active_context     TEXT NOT NULL,
    active_context_id  TEXT NOT NULL,
    expires_at         TIMESTAMPTZ NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS nexus_password_resets (
    token_hash  TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    used_at     TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nexus_cases (
    case_id          TEXT PRIMARY KEY,
    case_type        TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'open',
    priority         TEXT NOT NULL DEFAULT 'normal',
    owner_team       TEXT NOT NULL DEFAULT 'procurement',
    assigned_to      TEXT NOT NULL DEFAULT '',
    client_id        TEXT NOT NULL,
    vendor_id        TEXT NOT NULL,
    company_id       TEXT NOT NULL DEFAULT '',
    group_id         TEXT NOT NULL DEFAULT '',
    subject          TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    sla_due_at       TIMESTAMPTZ,
    escalation_level INTEGER NOT NULL DEFAULT 0,
    invoice_id       TEXT NOT NULL DEFAULT '',
    payment_id       TEXT NOT NULL DEFAULT '',
    disputed_amount  NUMERIC,
    currency         TEXT NOT NULL DEFAULT '',
    metadata         JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at       TIMESTAMPTZ,
    deleted_by       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS nexus_cases_client_idx ON nexus_cases (client_id, status);
CREATE INDEX IF NOT EXISTS nexus_cases_vendor_idx ON nexus_cases (vendor_id, status);

CREATE TABLE IF NOT EXISTS nexus_case_checklist (
    step_id        TEXT PRIMARY KEY,
    case_id        TEXT NOT NULL REFERENCES nexus_cases(case_id),
    label          TEXT NOT NULL,
    evidence_type  TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    waived_reason  TEXT NOT NULL DEFAULT '',
    position       INTEGER NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS nexus_case_checklist_case_idx ON nexus_case_checklist (case_id);

CREATE TABLE IF NOT EXISTS nexus_case_evidence (
    evidence_id       TEXT PRIMARY KEY,
    case_id           TEXT NOT NULL REFERENCES nexus_cases(case_id),
    step_id           TEXT NOT NULL DEFAULT '',
    evidence_type     TEXT NOT NULL,
    version           INTEGER NOT NULL,
    filename          TEXT NOT NULL,
    storage_key       TEXT NOT NULL UNIQUE,
    mime_type         TEXT NOT NULL DEFAULT '',
    size_bytes        BIGINT NOT NULL DEFAULT 0,
    content_hash      TEXT NOT NULL,
    uploader_context  TEXT NOT NULL,
    uploader_user_id  TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'submitted',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at        TIMESTAMPTZ,
    deleted_by        TEXT NOT NULL DEFAULT '',
    UNIQUE (case_id, evidence_type, version)
);

CREATE TABLE IF NOT EXISTS nexus_case_messages (
    message_id        TEXT PRIMARY KEY,
    case_id           TEXT NOT NULL REFERENCES nexus_cases(case_id),
    sender_context    TEXT NOT NULL,
    sender_user_id    TEXT NOT NULL DEFAULT '',
    channel           TEXT NOT NULL DEFAULT 'portal',
    body              TEXT NOT NULL,
    is_internal_note  BOOLEAN NOT NULL DEFAULT false,
    metadata          JSONB NOT NULL DEFAULT '{}',
    seq               BIGSERIAL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS nexus_case_messages_case_idx ON nexus_case_messages (case_id, created_at, seq);

CREATE TABLE IF NOT EXISTS nexus_case_activity (
    activity_id    TEXT PRIMARY KEY,
    case_id        TEXT NOT NULL REFERENCES nexus_cases(case_id),
    decision_type  TEXT NOT NULL,
    actor_user_id  TEXT NOT NULL DEFAULT '',
    actor_context  TEXT NOT NULL DEFAULT '',
    what           TEXT NOT NULL,
    why            TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS nexus_case_activity_case_idx ON nexus_case_activity (case_id, created_at);

CREATE TABLE IF NOT EXISTS nexus_notifications (
    notification_id  TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    tenant_id        TEXT NOT NULL,
    type             TEXT NOT NULL,
    priority         TEXT NOT NULL DEFAULT 'normal',
    title            TEXT NOT NULL,
    body             TEXT NOT NULL DEFAULT '',
    reference_type   TEXT NOT NULL DEFAULT '',
    reference_id     TEXT NOT NULL DEFAULT '',
    action_url       TEXT NOT NULL DEFAULT '',
    is_read          BOOLEAN NOT NULL DEFAULT false,
    read_at          TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS nexus_notifications_user_idx ON nexus_notifications (user_id, is_read, created_at DESC);

CREATE TABLE IF NOT EXISTS nexus_document_hash_chain (
    sequence_id    BIGINT PRIMARY KEY,
    document_id    TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    payload_hash   TEXT NOT NULL,
    metadata       JSONB NOT NULL DEFAULT '{}',
    previous_hash  TEXT NOT NULL,
    chain_hash     TEXT NOT NULL UNIQUE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nexus_invoices (
    invoice_id   TEXT PRIMARY KEY,
    vendor_id    TEXT NOT NULL,
    company_id   TEXT NOT NULL,
    invoice_num  TEXT NOT NULL,
    po_ref       TEXT NOT NULL DEFAULT '',
    grn_ref      TEXT NOT NULL DEFAULT '',
    amount       NUMERIC NOT NULL DEFAULT 0,
    currency     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'open',
    issue_date   TIMESTAMPTZ NOT NULL,
    due_date     TIMESTAMPTZ NOT NULL,
    paid_date    TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (vendor_id, company_id, invoice_num)
);

CREATE TABLE IF NOT EXISTS nexus_payments (
    payment_id      TEXT PRIMARY KEY,
    vendor_id       TEXT NOT NULL,
    company_id      TEXT NOT NULL,
    payment_ref     TEXT NOT NULL,
    amount          NUMERIC NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'scheduled',
    value_date      TIMESTAMPTZ NOT NULL,
    remittance_ref  TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (vendor_id, company_id, payment_ref)
);

CREATE TABLE IF NOT EXISTS nexus_webhooks (
    webhook_id  TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    url         TEXT NOT NULL,
    secret      TEXT NOT NULL DEFAULT '',
    events      JSONB NOT NULL DEFAULT '[]',
    is_active   BOOLEAN NOT NULL DEFAULT true,
    fail_count  INTEGER NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// RequiredTables is checked by cmd/migrate after applying the schema.
var RequiredTables = []string{
	"nexus_tenants",
	"nexus_companies",
	"nexus_users",
	"nexus_relationships",
	"nexus_relationship_companies",
	"nexus_invites",
	"nexus_sessions",
	"nexus_password_resets",
	"nexus_cases",
	"nexus_case_checklist",
	"nexus_case_evidence",
	"nexus_case_messages",
	"nexus_case_activity",
	"nexus_notifications",
	"nexus_document_hash_chain",
	"nexus_invoices",
	"nexus_payments",
	"nexus_webhooks",
}

// Migrate applies the schema to the connected database.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("database: applying schema: %w", err)
	}
	return nil
}

// VerifyTables reports which required tables are missing.
func VerifyTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_name LIKE 'nexus_%'`)
	if err != nil {
		return nil, fmt.Errorf("database: listing tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		present[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range RequiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}
