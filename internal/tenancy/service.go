// Package tenancy manages tenants, users, companies, the client→vendor
// relationship graph and the invite-driven vendor onboarding flow.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

// Service owns the tenant and relationship model.
type Service struct {
	store  database.Store
	auth   *auth.Service
	notify *notify.Service
	bus    events.Emitter
	clock  ids.Clock
	cfg    *config.Config
	logger *log.Logger
}

func NewService(store database.Store, authSvc *auth.Service, notifySvc *notify.Service, bus events.Emitter, clock ids.Clock, cfg *config.Config) *Service {
	return &Service{
		store:  store,
		auth:   authSvc,
		notify: notifySvc,
		bus:    bus,
		clock:  clock,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[Tenancy] ", log.LstdFlags),
	}
}

// CreateTenantInput is the payload for a new tenant.
type CreateTenantInput struct {
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Phone    string         `json:"phone"`
	Address  string         `json:"address"`
	Settings map[string]any `json:"settings"`
}

// CreateTenant provisions a tenant with its triple identity.
func (s *Service) CreateTenant(ctx context.Context, in CreateTenantInput) (*database.Tenant, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.New(apperr.Validation, "tenant name is required")
	}
	tenantID, clientID, vendorID := ids.NewTenantIDs(in.Name)
	t := &database.Tenant{
		TenantID:         tenantID,
		ClientID:         clientID,
		VendorID:         vendorID,
		Name:             strings.TrimSpace(in.Name),
		Status:           database.TenantActive,
		OnboardingStatus: database.OnboardingPending,
		Email:            in.Email,
		Phone:            in.Phone,
		Address:          in.Address,
		Settings:         in.Settings,
	}
	if err := s.store.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("tenancy: creating tenant: %w", err)
	}
	return t, nil
}

// CreateUserInput is the payload for a new user. Exactly one of Password
// and ExternalAuthID must be set.
type CreateUserInput struct {
	TenantID       string `json:"tenantId"`
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	Password       string `json:"password"`
	ExternalAuthID string `json:"externalAuthId"`
	Role           string `json:"role"`
	ScopeType      string `json:"scopeType"`
	ScopeID        string `json:"scopeId"`
	IsActive       *bool  `json:"isActive"`
}

// CreateUser creates a user under a tenant. Email is unique across all
// tenants, case-insensitively.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*database.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.Validation, "a valid email is required")
	}
	if in.Password == "" && in.ExternalAuthID == "" {
		return nil, apperr.New(apperr.Validation, "either password or externalAuthId is required")
	}
	if in.Password != "" && len(in.Password) < 8 {
		return nil, apperr.New(apperr.Validation, "password must be at least 8 characters")
	}
	if !authz.Role(in.Role).Valid() {
		return nil, apperr.Newf(apperr.Validation, "unknown role %q", in.Role)
	}
	if in.ScopeType != "" && !authz.ScopeType(in.ScopeType).Valid() {
		return nil, apperr.Newf(apperr.Validation, "unknown scope type %q", in.ScopeType)
	}
	if _, err := s.store.GetTenant(ctx, in.TenantID); err != nil {
		return nil, err
	}

	var hash string
	if in.Password != "" {
		var err error
		if hash, err = s.auth.HashPassword(ctx, in.Password); err != nil {
			return nil, err
		}
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	u := &database.User{
		UserID:         ids.NewID(ids.PrefixUser, emailSeed(email)),
		TenantID:       in.TenantID,
		Email:          email,
		DisplayName:    in.DisplayName,
		PasswordHash:   hash,
		ExternalAuthID: in.ExternalAuthID,
		Role:           in.Role,
		ScopeType:      in.ScopeType,
		ScopeID:        in.ScopeID,
		IsActive:       active,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if apperr.IsKind(err, apperr.Conflict) {
			return nil, apperr.ErrDuplicateEmail
		}
		return nil, fmt.Errorf("tenancy: creating user: %w", err)
	}
	return u, nil
}

// emailSeed derives an ID seed from the local part of an email.
func emailSeed(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// CreateCompany adds a legal entity under a tenant.
func (s *Service) CreateCompany(ctx context.Context, tenantID, name, groupID string) (*database.Company, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.Validation, "company name is required")
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	c := &database.Company{
		CompanyID: ids.NewID(ids.PrefixCompany, name),
		TenantID:  tenantID,
		GroupID:   groupID,
		Name:      strings.TrimSpace(name),
	}
	if err := s.store.CreateCompany(ctx, c); err != nil {
		return nil, fmt.Errorf("tenancy: creating company: %w", err)
	}
	return c, nil
}

// ListCompanies returns the tenant's companies.
func (s *Service) ListCompanies(ctx context.Context, tenantID string) ([]database.Company, error) {
	return s.store.ListCompanies(ctx, tenantID)
}

// RelationshipOptions parameterize a new client→vendor edge.
type RelationshipOptions struct {
	CompanyIDs []string
	Metadata   map[string]any
}

// CreateRelationship links a client to a vendor. Both sides must be
// distinct active tenants; at most one active edge exists per pair.
func (s *Service) CreateRelationship(ctx context.Context, clientID, vendorID string, opts RelationshipOptions) (*database.Relationship, error) {
	if !strings.HasPrefix(clientID, ids.PrefixClient+"-") {
		return nil, apperr.Newf(apperr.Validation, "clientId must carry the %s- prefix", ids.PrefixClient)
	}
	if !strings.HasPrefix(vendorID, ids.PrefixVendor+"-") {
		return nil, apperr.Newf(apperr.Validation, "vendorId must carry the %s- prefix", ids.PrefixVendor)
	}

	client, err := s.store.GetTenantByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	vendor, err := s.store.GetTenantByVendorID(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	if client.TenantID == vendor.TenantID {
		return nil, apperr.New(apperr.Validation, "a tenant cannot be its own vendor")
	}
	if client.Status != database.TenantActive || vendor.Status != database.TenantActive {
		return nil, apperr.ErrTenantInactive
	}

	r := &database.Relationship{
		RelationshipID: ids.NewID(ids.PrefixRelationship, client.Name+vendor.Name),
		ClientID:       clientID,
		VendorID:       vendorID,
		Status:         database.RelationshipActive,
		EffectiveFrom:  s.clock.Now(),
		CompanyIDs:     opts.CompanyIDs,
		Metadata:       opts.Metadata,
	}
	if err := s.store.CreateRelationship(ctx, r); err != nil {
		return nil, fmt.Errorf("tenancy: creating relationship: %w", err)
	}
	return r, nil
}

// InviteResult pairs the persisted invite with its acceptance URL. The
// cleartext token only ever leaves through this.
type InviteResult struct {
	Invite   *database.Invite `json:"invite"`
	TokenURL string           `json:"tokenUrl"`
}

// CreateInvite issues (or re-issues) a vendor onboarding invite. For an
// unexpired pending invite to the same email the existing token is
// returned, so re-sending is safe.
func (s *Service) CreateInvite(ctx context.Context, invitingTenantID, inviteeEmail, vendorName string, companyIDs []string) (*InviteResult, error) {
	email := strings.TrimSpace(strings.ToLower(inviteeEmail))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.Validation, "a valid invitee email is required")
	}
	tenant, err := s.store.GetTenant(ctx, invitingTenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status != database.TenantActive {
		return nil, apperr.ErrTenantInactive
	}

	now := s.clock.Now()
	if existing, err := s.store.GetPendingInvite(ctx, tenant.ClientID, email); err == nil {
		if existing.ExpiresAt.After(now) {
			return &InviteResult{Invite: existing, TokenURL: s.cfg.InviteURL(existing.Token)}, nil
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	inv := &database.Invite{
		InviteID:         ids.NewID(ids.PrefixInvite, emailSeed(email)),
		Token:            auth.NewToken(),
		InvitingTenantID: tenant.TenantID,
		InvitingClientID: tenant.ClientID,
		InviteeEmail:     email,
		VendorName:       vendorName,
		CompanyIDs:       companyIDs,
		Status:           database.InvitePending,
		ExpiresAt:        now.Add(s.cfg.InviteTTL),
	}
	if err := s.store.CreateInvite(ctx, inv); err != nil {
		return nil, fmt.Errorf("tenancy: creating invite: %w", err)
	}

	s.emit(events.InviteCreated, tenant.TenantID, map[string]any{
		"inviteId":     inv.InviteID,
		"inviteeEmail": inv.InviteeEmail,
		"expiresAt":    inv.ExpiresAt,
	})
	return &InviteResult{Invite: inv, TokenURL: s.cfg.InviteURL(inv.Token)}, nil
}

// PreviewInvite returns the invite for its public acceptance page. Expired
// and consumed invites answer with their specific failure.
func (s *Service) PreviewInvite(ctx context.Context, token string) (*database.Invite, error) {
	inv, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkPending(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) checkPending(inv *database.Invite) error {
	switch inv.Status {
	case database.InvitePending:
	case database.InviteAccepted:
		return apperr.ErrInviteAlreadyUsed
	default:
		return apperr.ErrInviteExpired
	}
	if !inv.ExpiresAt.After(s.clock.Now()) {
		return apperr.ErrInviteExpired
	}
	return nil
}
