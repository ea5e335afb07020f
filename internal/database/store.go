package database

import (
	"context"

	"github.com/vendornexus/backend/internal/authz"
)

// CaseFilter narrows case listings. Zero values mean "any".
type CaseFilter struct {
	Facing    string // "client" or "vendor": which side of the relationship the caller is viewing
	Status    string
	Priority  string
	CaseType  string
	OwnerTeam string
	CompanyID string
	VendorID  string
	Page      int
	Limit     int
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	Status string
	Page   int
	Limit  int
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	Status string
	Page   int
	Limit  int
}

// TenantStore covers tenants and companies.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetTenantByClientID(ctx context.Context, clientID string) (*Tenant, error)
	GetTenantByVendorID(ctx context.Context, vendorID string) (*Tenant, error)
	UpdateTenantStatus(ctx context.Context, tenantID, status, onboardingStatus string) error

	CreateCompany(ctx context.Context, c *Company) error
	GetCompany(ctx context.Context, companyID string) (*Company, error)
	ListCompanies(ctx context.Context, tenantID string) ([]Company, error)
}

// UserStore covers users. Email lookups are case-insensitive.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*User, error)
	ListUsersByTenant(ctx context.Context, tenantID string) ([]User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	UpdateUserExternalAuth(ctx context.Context, userID, externalAuthID string) error
	ActivateTenantUsers(ctx context.Context, tenantID string) error
}

// RelationshipStore covers the client→vendor edges and invites.
type RelationshipStore interface {
	CreateRelationship(ctx context.Context, r *Relationship) error
	GetActiveRelationship(ctx context.Context, clientID, vendorID string) (*Relationship, error)
	ListRelationshipsByClient(ctx context.Context, clientID string) ([]Relationship, error)
	ListRelationshipsByVendor(ctx context.Context, vendorID string) ([]Relationship, error)

	CreateInvite(ctx context.Context, inv *Invite) error
	GetInviteByToken(ctx context.Context, token string) (*Invite, error)
	GetPendingInvite(ctx context.Context, invitingClientID, inviteeEmail string) (*Invite, error)
	UpdateInviteStatus(ctx context.Context, inviteID, status, acceptedTenantID string) error
}

// SessionStore covers opaque bearer sessions and password-reset tokens.
// Tokens are stored hashed; lookups take the hash.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tokenHash string) (*Session, error)
	UpdateSessionContext(ctx context.Context, tokenHash, activeContext, activeContextID string) error
	RevokeSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	CreatePasswordReset(ctx context.Context, pr *PasswordReset) error
	ConsumePasswordReset(ctx context.Context, tokenHash string) (*PasswordReset, error)
}

// CaseStore covers cases and their owned collections. Scoped reads filter by
// the access set and report out-of-scope rows as absent.
type CaseStore interface {
	CreateCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, access *authz.Access, caseID string) (*Case, error)
	ListCases(ctx context.Context, access *authz.Access, f CaseFilter) ([]Case, int, error)
	UpdateCase(ctx context.Context, c *Case) error

	CreateChecklistStep(ctx context.Context, s *ChecklistStep) error
	GetChecklistStep(ctx context.Context, stepID string) (*ChecklistStep, error)
	ListChecklistSteps(ctx context.Context, caseID string) ([]ChecklistStep, error)
	UpdateChecklistStep(ctx context.Context, s *ChecklistStep) error

	CreateEvidence(ctx context.Context, e *Evidence) error
	GetEvidence(ctx context.Context, evidenceID string) (*Evidence, error)
	ListEvidence(ctx context.Context, caseID string) ([]Evidence, error)
	MaxEvidenceVersion(ctx context.Context, caseID, evidenceType string) (int, error)
	UpdateEvidenceStatus(ctx context.Context, evidenceID, status string) error

	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, caseID string, includeInternal bool) ([]Message, error)

	CreateActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, caseID string) ([]Activity, error)
}

// NotificationStore covers in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, userID string) (UnreadCounts, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
}

// UnreadCounts is the per-bucket unread breakdown.
type UnreadCounts struct {
	Total    int `json:"total"`
	Payment  int `json:"payment"`
	Case     int `json:"case"`
	Critical int `json:"critical"`
}

// ChainStore persists the document hash chain. Tail and Append must only be
// used inside a transaction holding the chain lock.
type ChainStore interface {
	ChainTail(ctx context.Context) (*ChainEntry, error)
	AppendChainEntry(ctx context.Context, e *ChainEntry) error
	ListChainEntries(ctx context.Context, afterSeq int64, limit int) ([]ChainEntry, error)
}

// LedgerStore covers the ERP-ingested invoice/payment read model.
type LedgerStore interface {
	ListInvoices(ctx context.Context, access *authz.Access, f InvoiceFilter) ([]Invoice, int, error)
	GetInvoice(ctx context.Context, access *authz.Access, invoiceID string) (*Invoice, error)
	UpsertInvoice(ctx context.Context, inv *Invoice) error
	ListPayments(ctx context.Context, access *authz.Access, f PaymentFilter) ([]Payment, int, error)
	GetPayment(ctx context.Context, access *authz.Access, paymentID string) (*Payment, error)
	UpsertPayment(ctx context.Context, p *Payment) error
}

// WebhookStore covers tenant webhook subscriptions.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *Webhook) error
	ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error)
	ListActiveWebhooksForEvent(ctx context.Context, eventType string) ([]Webhook, error)
	MarkWebhookFailed(ctx context.Context, webhookID string) error
	MarkWebhookDelivered(ctx context.Context, webhookID string) error
	DeleteWebhook(ctx context.Context, tenantID, webhookID string) error
}

// Store is the full persistence contract. Tx runs fn against a transactional
// view of the store: all writes commit or roll back together. LockCase and
// LockChain serialize writers and are only meaningful inside Tx.
type Store interface {
	TenantStore
	UserStore
	RelationshipStore
	SessionStore
	CaseStore
	NotificationStore
	ChainStore
	LedgerStore
	WebhookStore
	authz.ScopeSource

	Tx(ctx context.Context, fn func(tx Store) error) error
	LockCase(ctx context.Context, caseID string) error
	LockChain(ctx context.Context) error
	Ping(ctx context.Context) error
}
