// Package database holds the row types, the store contract, the Postgres
// implementation and the in-memory implementation used by tests and local
// development. Every scoped read takes an *authz.Access; there is no way to
// ask the store for rows without one.
package database

import "time"

// Tenant statuses.
const (
	TenantActive     = "active"
	TenantSuspended  = "suspended"
	TenantTerminated = "terminated"
)

// Onboarding statuses on a tenant.
const (
	OnboardingPending  = "pending"
	OnboardingComplete = "complete"
)

// Relationship statuses.
const (
	RelationshipActive     = "active"
	RelationshipSuspended  = "suspended"
	RelationshipTerminated = "terminated"
)

// Invite statuses.
const (
	InvitePending  = "pending"
	InviteAccepted = "accepted"
	InviteExpired  = "expired"
	InviteRevoked  = "revoked"
)

// Case types.
const (
	CaseGeneral    = "general"
	CaseInvoice    = "invoice"
	CasePayment    = "payment"
	CaseOnboarding = "onboarding"
	CaseContract   = "contract"
	CaseCompliance = "compliance"
	CaseBankChange = "bank_change"
)

// Case statuses.
const (
	StatusOpen            = "open"
	StatusWaitingSupplier = "waiting_supplier"
	StatusWaitingInternal = "waiting_internal"
	StatusResolved        = "resolved"
	StatusBlocked         = "blocked"
)

// Case priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Owner teams.
const (
	TeamProcurement = "procurement"
	TeamAP          = "ap"
	TeamFinance     = "finance"
)

// Checklist step statuses.
const (
	StepPending   = "pending"
	StepSubmitted = "submitted"
	StepVerified  = "verified"
	StepRejected  = "rejected"
	StepWaived    = "waived"
)

// Evidence statuses.
const (
	EvidenceSubmitted = "submitted"
	EvidenceVerified  = "verified"
	EvidenceRejected  = "rejected"
)

// Message sender contexts.
const (
	SenderClient   = "client"
	SenderVendor   = "vendor"
	SenderInternal = "internal"
	SenderSystem   = "system"
	SenderAI       = "ai"
)

// Message channels.
const (
	ChannelPortal   = "portal"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelSlack    = "slack"
)

// Decision types recorded in the case activity log.
const (
	DecisionVerify       = "verify"
	DecisionReject       = "reject"
	DecisionWaive        = "waive"
	DecisionReassign     = "reassign"
	DecisionStatusUpdate = "status_update"
	DecisionEscalate     = "escalate"
	DecisionApprove      = "approve"
	DecisionClose        = "close"
)

// Notification priorities.
const (
	NotifyCritical = "critical"
	NotifyNormal   = "normal"
)

// Tenant is a principal organization. The three IDs are reserved together
// at creation and never reassigned; they share one suffix code.
type Tenant struct {
	TenantID         string         `json:"tenantId"`
	ClientID         string         `json:"clientId"`
	VendorID         string         `json:"vendorId"`
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	OnboardingStatus string         `json:"onboardingStatus"`
	Email            string         `json:"email,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	Address          string         `json:"address,omitempty"`
	Settings         map[string]any `json:"settings,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	DeletedAt        *time.Time     `json:"-"`
	DeletedBy        string         `json:"-"`
}

// Company is a client-side legal entity. GroupID clusters companies for
// group-scoped internal users.
type Company struct {
	CompanyID string     `json:"companyId"`
	TenantID  string     `json:"tenantId"`
	GroupID   string     `json:"groupId,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"-"`
	DeletedBy string     `json:"-"`
}

// User is a human principal belonging to exactly one tenant. Either
// PasswordHash or ExternalAuthID is set. ScopeType/ScopeID only apply to
// internal-role users.
type User struct {
	UserID         string     `json:"userId"`
	TenantID       string     `json:"tenantId"`
	Email          string     `json:"email"`
	DisplayName    string     `json:"displayName,omitempty"`
	PasswordHash   string     `json:"-"`
	ExternalAuthID string     `json:"-"`
	Role           string     `json:"role"`
	ScopeType      string     `json:"scopeType,omitempty"`
	ScopeID        string     `json:"scopeId,omitempty"`
	IsActive       bool       `json:"isActive"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"-"`
	DeletedBy      string     `json:"-"`
}

// Relationship is the directed client→vendor edge. At most one active row
// per (ClientID, VendorID) pair.
type Relationship struct {
	RelationshipID string         `json:"relationshipId"`
	ClientID       string         `json:"clientId"`
	VendorID       string         `json:"vendorId"`
	Status         string         `json:"status"`
	EffectiveFrom  time.Time      `json:"effectiveFrom"`
	EffectiveTo    *time.Time     `json:"effectiveTo,omitempty"`
	CompanyIDs     []string       `json:"companyIds,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Invite is a pending vendor-onboarding token. The token is stored as
// issued (it is single-use and expiring); acceptance is transactional.
type Invite struct {
	InviteID         string     `json:"inviteId"`
	Token            string     `json:"-"`
	InvitingTenantID string     `json:"invitingTenantId"`
	InvitingClientID string     `json:"invitingClientId"`
	InviteeEmail     string     `json:"inviteeEmail"`
	VendorName       string     `json:"vendorName,omitempty"`
	CompanyIDs       []string   `json:"companyIds,omitempty"`
	Status           string     `json:"status"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	AcceptedAt       *time.Time `json:"acceptedAt,omitempty"`
	AcceptedTenantID string     `json:"acceptedTenantId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Session is an opaque bearer session. Only the SHA-256 digest of the token
// is stored; the cleartext exists once, in the login response.
type Session struct {
	TokenHash       string     `json:"-"`
	UserID          string     `json:"userId"`
	TenantID        string     `json:"tenantId"`
	ActiveContext   string     `json:"activeContext"`
	ActiveContextID string     `json:"activeContextId"`
	ExpiresAt       time.Time  `json:"expiresAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	RevokedAt       *time.Time `json:"-"`
}

// PasswordReset is a hashed one-hour reset token.
type PasswordReset struct {
	TokenHash string     `json:"-"`
	UserID    string     `json:"-"`
	ExpiresAt time.Time  `json:"-"`
	UsedAt    *time.Time `json:"-"`
	CreatedAt time.Time  `json:"-"`
}

// Case is the unit of work between a client and a vendor.
type Case struct {
	CaseID          string         `json:"caseId"`
	CaseType        string         `json:"caseType"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	OwnerTeam       string         `json:"ownerTeam"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	ClientID        string         `json:"clientId"`
	VendorID        string         `json:"vendorId"`
	CompanyID       string         `json:"companyId,omitempty"`
	GroupID         string         `json:"groupId,omitempty"`
	Subject         string         `json:"subject"`
	Description     string         `json:"description,omitempty"`
	SLADueAt        *time.Time     `json:"slaDueAt,omitempty"`
	EscalationLevel int            `json:"escalationLevel"`
	InvoiceID       string         `json:"invoiceId,omitempty"`
	PaymentID       string         `json:"paymentId,omitempty"`
	DisputedAmount  *float64       `json:"disputedAmount,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeletedAt       *time.Time     `json:"-"`
	DeletedBy       string         `json:"-"`
}

// ChecklistStep is one required evidentiary step of a case.
type ChecklistStep struct {
	StepID       string    `json:"stepId"`
	CaseID       string    `json:"caseId"`
	Label        string    `json:"label"`
	EvidenceType string    `json:"evidenceType,omitempty"`
	Status       string    `json:"status"`
	WaivedReason string    `json:"waivedReason,omitempty"`
	Position     int       `json:"position"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Evidence is one versioned upload tied to a case and optionally a step.
// (CaseID, EvidenceType, Version) is unique; storage keys are never reused.
type Evidence struct {
	EvidenceID      string     `json:"evidenceId"`
	CaseID          string     `json:"caseId"`
	StepID          string     `json:"stepId,omitempty"`
	EvidenceType    string     `json:"evidenceType"`
	Version         int        `json:"version"`
	Filename        string     `json:"filename"`
	StorageKey      string     `json:"-"`
	MimeType        string     `json:"mimeType"`
	SizeBytes       int64      `json:"sizeBytes"`
	ContentHash     string     `json:"contentHash"`
	UploaderContext string     `json:"uploaderContext"`
	UploaderUserID  string     `json:"uploaderUserId,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	DeletedAt       *time.Time `json:"-"`
	DeletedBy       string     `json:"-"`
}

// Message is one thread entry on a case. Seq breaks createdAt ties in
// insertion order.
type Message struct {
	MessageID      string         `json:"messageId"`
	CaseID         string         `json:"caseId"`
	SenderContext  string         `json:"senderContext"`
	SenderUserID   string         `json:"senderUserId,omitempty"`
	Channel        string         `json:"channel"`
	Body           string         `json:"body"`
	IsInternalNote bool           `json:"isInternalNote"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Seq            int64          `json:"-"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Activity is one append-only decision-log entry on a case.
type Activity struct {
	ActivityID   string    `json:"activityId"`
	CaseID       string    `json:"caseId"`
	DecisionType string    `json:"decisionType"`
	ActorUserID  string    `json:"actorUserId,omitempty"`
	ActorContext string    `json:"actorContext"`
	What         string    `json:"what"`
	Why          string    `json:"why,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Notification is one in-app notification row.
type Notification struct {
	NotificationID string     `json:"notificationId"`
	UserID         string     `json:"userId"`
	TenantID       string     `json:"tenantId"`
	Type           string     `json:"type"`
	Priority       string     `json:"priority"`
	Title          string     `json:"title"`
	Body           string     `json:"body,omitempty"`
	ReferenceType  string     `json:"referenceType,omitempty"`
	ReferenceID    string     `json:"referenceId,omitempty"`
	ActionURL      string     `json:"actionUrl,omitempty"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Invoice is a denormalized read-model row ingested from the client's ERP.
// Its natural key is (VendorID, CompanyID, InvoiceNum).
type Invoice struct {
	InvoiceID  string     `json:"invoiceId"`
	VendorID   string     `json:"vendorId"`
	CompanyID  string     `json:"companyId"`
	InvoiceNum string     `json:"invoiceNum"`
	PORef      string     `json:"poRef,omitempty"`
	GRNRef     string     `json:"grnRef,omitempty"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	Status     string     `json:"status"`
	IssueDate  time.Time  `json:"issueDate"`
	DueDate    time.Time  `json:"dueDate"`
	PaidDate   *time.Time `json:"paidDate,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Payment is a denormalized read-model row; natural key
// (VendorID, CompanyID, PaymentRef).
type Payment struct {
	PaymentID     string    `json:"paymentId"`
	VendorID      string    `json:"vendorId"`
	CompanyID     string    `json:"companyId"`
	PaymentRef    string    `json:"paymentRef"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	ValueDate     time.Time `json:"valueDate"`
	RemittanceRef string    `json:"remittanceRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ChainEntry is one persisted link of the document hash chain. It mirrors
// chain.Entry; the store keeps its own copy so the chain package stays free
// of persistence concerns.
type ChainEntry struct {
	SequenceID   int64          `json:"sequenceId"`
	DocumentID   string         `json:"documentId"`
	UserID       string         `json:"userId"`
	PayloadHash  string         `json:"payloadHash"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PreviousHash string         `json:"previousHash"`
	ChainHash    string         `json:"chainHash"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Webhook is a tenant-registered event subscription.
type Webhook struct {
	WebhookID string    `json:"webhookId"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"isActive"`
	FailCount int       `json:"failCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
