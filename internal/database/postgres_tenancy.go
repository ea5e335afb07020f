package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// ---------------------------------------------------------------------------
// Tenants & companies
// ---------------------------------------------------------------------------

const tenantColumns = `tenant_id, client_id, vendor_id, name, status, onboarding_status,
	email, phone, address, settings, created_at, updated_at`

func (p *Postgres) CreateTenant(ctx context.Context, t *Tenant) error {
	settings, err := jsonText(t.Settings)
	if err != nil {
		return fmt.Errorf("database: encoding tenant settings: %w", err)
	}
	now := p.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO nexus_tenants (tenant_id, client_id, vendor_id, name, status,
			onboarding_status, email, phone, address, settings, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.TenantID, t.ClientID, t.VendorID, t.Name, t.Status, t.OnboardingStatus,
		t.Email, t.Phone, t.Address, settings, t.CreatedAt, t.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return p.tenantBy(ctx, "tenant_id", tenantID)
}

func (p *Postgres) GetTenantByClientID(ctx context.Context, clientID string) (*Tenant, error) {
	return p.tenantBy(ctx, "client_id", clientID)
}

func (p *Postgres) GetTenantByVendorID(ctx context.Context, vendorID string) (*Tenant, error) {
	return p.tenantBy(ctx, "vendor_id", vendorID)
}

func (p *Postgres) tenantBy(ctx context.Context, column, value string) (*Tenant, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+tenantColumns+`
		FROM nexus_tenants WHERE `+column+` = $1 AND deleted_at IS NULL`, value)
	return scanTenant(row)
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var settings []byte
	err := row.Scan(&t.TenantID, &t.ClientID, &t.VendorID, &t.Name, &t.Status,
		&t.OnboardingStatus, &t.Email, &t.Phone, &t.Address, &settings,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := scanJSONMap(settings, &t.Settings); err != nil {
		return nil, fmt.Errorf("database: decoding tenant settings: %w", err)
	}
	return &t, nil
}

func (p *Postgres) UpdateTenantStatus(ctx context.Context, tenantID, status, onboardingStatus string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_tenants SET status = $2, onboarding_status = $3, updated_at = $4
		WHERE tenant_id = $1 AND deleted_at IS NULL`,
		tenantID, status, onboardingStatus, p.now())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) CreateCompany(ctx context.Context, c *Company) error {
	now := p.now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_companies (company_id, tenant_id, group_id, name, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.CompanyID, c.TenantID, c.GroupID, c.Name, c.CreatedAt, c.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetCompany(ctx context.Context, companyID string) (*Company, error) {
	var c Company
	err := p.q.QueryRowContext(ctx, `
		SELECT company_id, tenant_id, group_id, name, created_at, updated_at
		FROM nexus_companies WHERE company_id = $1 AND deleted_at IS NULL`, companyID).
		Scan(&c.CompanyID, &c.TenantID, &c.GroupID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (p *Postgres) ListCompanies(ctx context.Context, tenantID string) ([]Company, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT company_id, tenant_id, group_id, name, created_at, updated_at
		FROM nexus_companies WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.CompanyID, &c.TenantID, &c.GroupID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// authz.ScopeSource
// ---------------------------------------------------------------------------

func (p *Postgres) ListCompanyIDs(ctx context.Context, tenantID string) ([]string, error) {
	return p.stringColumn(ctx, `
		SELECT company_id FROM nexus_companies
		WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY company_id`, tenantID)
}

func (p *Postgres) ListCompanyIDsByGroup(ctx context.Context, tenantID, groupID string) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT company_id FROM nexus_companies
		WHERE tenant_id = $1 AND group_id = $2 AND deleted_at IS NULL ORDER BY company_id`,
		tenantID, groupID)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (p *Postgres) ListVendorIDsForClient(ctx context.Context, clientID string) ([]string, error) {
	return p.stringColumn(ctx, `
		SELECT vendor_id FROM nexus_relationships
		WHERE client_id = $1 AND status = 'active' ORDER BY vendor_id`, clientID)
}

func (p *Postgres) ListVendorIDsForCompanies(ctx context.Context, clientID string, companyIDs []string) ([]string, error) {
	if len(companyIDs) == 0 {
		return nil, nil
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT DISTINCT r.vendor_id
		FROM nexus_relationships r
		JOIN nexus_relationship_companies rc ON rc.relationship_id = r.relationship_id
		WHERE r.client_id = $1 AND r.status = 'active' AND rc.company_id = ANY($2)
		ORDER BY r.vendor_id`, clientID, pq.Array(companyIDs))
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func (p *Postgres) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `user_id, tenant_id, email, display_name, password_hash,
	external_auth_id, role, scope_type, scope_id, is_active, created_at, updated_at`

func (p *Postgres) CreateUser(ctx context.Context, u *User) error {
	now := p.now()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_users (user_id, tenant_id, email, display_name, password_hash,
			external_auth_id, role, scope_type, scope_id, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		u.UserID, u.TenantID, u.Email, u.DisplayName, u.PasswordHash,
		u.ExternalAuthID, u.Role, u.ScopeType, u.ScopeID, u.IsActive,
		u.CreatedAt, u.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*User, error) {
	return p.userBy(ctx, `user_id = $1`, userID)
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.userBy(ctx, `lower(email) = lower($1)`, email)
}

func (p *Postgres) GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*User, error) {
	return p.userBy(ctx, `external_auth_id = $1 AND external_auth_id <> ''`, externalAuthID)
}

func (p *Postgres) userBy(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := p.q.QueryRowContext(ctx, `SELECT `+userColumns+`
		FROM nexus_users WHERE `+where+` AND deleted_at IS NULL`, arg).
		Scan(&u.UserID, &u.TenantID, &u.Email, &u.DisplayName, &u.PasswordHash,
			&u.ExternalAuthID, &u.Role, &u.ScopeType, &u.ScopeID, &u.IsActive,
			&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (p *Postgres) ListUsersByTenant(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+userColumns+`
		FROM nexus_users WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.UserID, &u.TenantID, &u.Email, &u.DisplayName, &u.PasswordHash,
			&u.ExternalAuthID, &u.Role, &u.ScopeType, &u.ScopeID, &u.IsActive,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_users SET password_hash = $2, updated_at = $3
		WHERE user_id = $1 AND deleted_at IS NULL`, userID, passwordHash, p.now())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) UpdateUserExternalAuth(ctx context.Context, userID, externalAuthID string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_users SET external_auth_id = $2, updated_at = $3
		WHERE user_id = $1 AND deleted_at IS NULL`, userID, externalAuthID, p.now())
	if err != nil {
		return mapPQError(err)
	}
	return requireRow(res)
}

func (p *Postgres) ActivateTenantUsers(ctx context.Context, tenantID string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE nexus_users SET is_active = true, updated_at = $2
		WHERE tenant_id = $1 AND deleted_at IS NULL`, tenantID, p.now())
	return err
}

// ---------------------------------------------------------------------------
// Relationships & invites
// ---------------------------------------------------------------------------

func (p *Postgres) CreateRelationship(ctx context.Context, r *Relationship) error {
	metadata, err := jsonText(r.Metadata)
	if err != nil {
		return fmt.Errorf("database: encoding relationship metadata: %w", err)
	}
	now := p.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = now
	}
	if _, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_relationships (relationship_id, client_id, vendor_id, status,
			effective_from, effective_to, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.RelationshipID, r.ClientID, r.VendorID, r.Status,
		r.EffectiveFrom, r.EffectiveTo, metadata, r.CreatedAt, r.UpdatedAt); err != nil {
		return mapPQError(err)
	}
	for _, companyID := range r.CompanyIDs {
		if _, err := p.q.ExecContext(ctx, `
			INSERT INTO nexus_relationship_companies (relationship_id, company_id)
			VALUES ($1,$2) ON CONFLICT DO NOTHING`, r.RelationshipID, companyID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) GetActiveRelationship(ctx context.Context, clientID, vendorID string) (*Relationship, error) {
	row := p.q.QueryRowContext(ctx, `
		SELECT relationship_id, client_id, vendor_id, status, effective_from, effective_to,
			metadata, created_at, updated_at
		FROM nexus_relationships
		WHERE client_id = $1 AND vendor_id = $2 AND status = 'active'`, clientID, vendorID)
	r, err := scanRelationship(row)
	if err != nil {
		return nil, err
	}
	r.CompanyIDs, err = p.stringColumn(ctx, `
		SELECT company_id FROM nexus_relationship_companies
		WHERE relationship_id = $1 ORDER BY company_id`, r.RelationshipID)
	return r, err
}

func scanRelationship(row *sql.Row) (*Relationship, error) {
	var r Relationship
	var metadata []byte
	err := row.Scan(&r.RelationshipID, &r.ClientID, &r.VendorID, &r.Status,
		&r.EffectiveFrom, &r.EffectiveTo, &metadata, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := scanJSONMap(metadata, &r.Metadata); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) ListRelationshipsByClient(ctx context.Context, clientID string) ([]Relationship, error) {
	return p.listRelationships(ctx, "client_id", clientID)
}

func (p *Postgres) ListRelationshipsByVendor(ctx context.Context, vendorID string) ([]Relationship, error) {
	return p.listRelationships(ctx, "vendor_id", vendorID)
}

func (p *Postgres) listRelationships(ctx context.Context, column, value string) ([]Relationship, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT relationship_id, client_id, vendor_id, status, effective_from, effective_to,
			metadata, created_at, updated_at
		FROM nexus_relationships WHERE `+column+` = $1 ORDER BY created_at`, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		var r Relationship
		var metadata []byte
		if err := rows.Scan(&r.RelationshipID, &r.ClientID, &r.VendorID, &r.Status,
			&r.EffectiveFrom, &r.EffectiveTo, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := scanJSONMap(metadata, &r.Metadata); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const inviteColumns = `invite_id, token, inviting_tenant_id, inviting_client_id, invitee_email,
	vendor_name, company_ids, status, expires_at, accepted_at, accepted_tenant_id,
	created_at, updated_at`

func (p *Postgres) CreateInvite(ctx context.Context, inv *Invite) error {
	companyIDs, err := jsonList(inv.CompanyIDs)
	if err != nil {
		return err
	}
	now := p.now()
	inv.CreatedAt, inv.UpdatedAt = now, now
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO nexus_invites (invite_id, token, inviting_tenant_id, inviting_client_id,
			invitee_email, vendor_name, company_ids, status, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inv.InviteID, inv.Token, inv.InvitingTenantID, inv.InvitingClientID,
		inv.InviteeEmail, inv.VendorName, companyIDs, inv.Status, inv.ExpiresAt,
		inv.CreatedAt, inv.UpdatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetInviteByToken(ctx context.Context, token string) (*Invite, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+inviteColumns+`
		FROM nexus_invites WHERE token = $1`, token)
	return scanInvite(row)
}

func (p *Postgres) GetPendingInvite(ctx context.Context, invitingClientID, inviteeEmail string) (*Invite, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+inviteColumns+`
		FROM nexus_invites
		WHERE inviting_client_id = $1 AND lower(invitee_email) = lower($2) AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, invitingClientID, inviteeEmail)
	return scanInvite(row)
}

func scanInvite(row *sql.Row) (*Invite, error) {
	var inv Invite
	var companyIDs []byte
	err := row.Scan(&inv.InviteID, &inv.Token, &inv.InvitingTenantID, &inv.InvitingClientID,
		&inv.InviteeEmail, &inv.VendorName, &companyIDs, &inv.Status, &inv.ExpiresAt,
		&inv.AcceptedAt, &inv.AcceptedTenantID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := scanJSONList(companyIDs, &inv.CompanyIDs); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (p *Postgres) UpdateInviteStatus(ctx context.Context, inviteID, status, acceptedTenantID string) error {
	now := p.now()
	var res sql.Result
	var err error
	if status == InviteAccepted {
		res, err = p.q.ExecContext(ctx, `
			UPDATE nexus_invites SET status = $2, accepted_at = $3, accepted_tenant_id = $4, updated_at = $3
			WHERE invite_id = $1`, inviteID, status, now, acceptedTenantID)
	} else {
		res, err = p.q.ExecContext(ctx, `
			UPDATE nexus_invites SET status = $2, updated_at = $3
			WHERE invite_id = $1`, inviteID, status, now)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// Sessions & password resets
// ---------------------------------------------------------------------------

func (p *Postgres) CreateSession(ctx context.Context, s *Session) error {
	s.CreatedAt = p.now()
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_sessions (token_hash, user_id, tenant_id, active_context,
			active_context_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.TokenHash, s.UserID, s.TenantID, s.ActiveContext, s.ActiveContextID,
		s.ExpiresAt, s.CreatedAt)
	return mapPQError(err)
}

func (p *Postgres) GetSession(ctx context.Context, tokenHash string) (*Session, error) {
	var s Session
	err := p.q.QueryRowContext(ctx, `
		SELECT token_hash, user_id, tenant_id, active_context, active_context_id,
			expires_at, created_at, revoked_at
		FROM nexus_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&s.TokenHash, &s.UserID, &s.TenantID, &s.ActiveContext, &s.ActiveContextID,
			&s.ExpiresAt, &s.CreatedAt, &s.RevokedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (p *Postgres) UpdateSessionContext(ctx context.Context, tokenHash, activeContext, activeContextID string) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE nexus_sessions SET active_context = $2, active_context_id = $3
		WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash, activeContext, activeContextID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE nexus_sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash, p.now())
	return err
}

func (p *Postgres) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := p.q.ExecContext(ctx, `DELETE FROM nexus_sessions WHERE expires_at < $1`, p.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) CreatePasswordReset(ctx context.Context, pr *PasswordReset) error {
	pr.CreatedAt = p.now()
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO nexus_password_resets (token_hash, user_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4)`,
		pr.TokenHash, pr.UserID, pr.ExpiresAt, pr.CreatedAt)
	return mapPQError(err)
}

// ConsumePasswordReset marks an unused, unexpired token as used and returns
// it. A second call for the same token misses.
func (p *Postgres) ConsumePasswordReset(ctx context.Context, tokenHash string) (*PasswordReset, error) {
	now := p.now()
	var pr PasswordReset
	err := p.q.QueryRowContext(ctx, `
		UPDATE nexus_password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING token_hash, user_id, expires_at, used_at, created_at`, tokenHash, now).
		Scan(&pr.TokenHash, &pr.UserID, &pr.ExpiresAt, &pr.UsedAt, &pr.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &pr, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(sql.ErrNoRows)
	}
	return nil
}
