package tenancy

import (
	"context"
	"fmt"
	"strings"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

// VendorSignup carries the vendor tenant details supplied on acceptance.
type VendorSignup struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// UserSignup carries the owner account details supplied on acceptance.
type UserSignup struct {
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// AcceptResult is everything acceptance produced: the new tenant, its owner
// and an already-minted session so the owner lands signed in.
type AcceptResult struct {
	Tenant       *database.Tenant       `json:"tenant"`
	User         *database.User         `json:"user"`
	Relationship *database.Relationship `json:"relationship"`
	SessionToken string                 `json:"sessionToken,omitempty"`
}

// AcceptInvite consumes an invite: vendor tenant, owner user, active
// relationship and the accepted mark are created in one transaction.
// Nothing is visible until all of it is.
func (s *Service) AcceptInvite(ctx context.Context, token string, vendor VendorSignup, signup UserSignup) (*AcceptResult, error) {
	inv, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.checkPending(inv); err != nil {
		return nil, err
	}

	vendorName := strings.TrimSpace(vendor.Name)
	if vendorName == "" {
		vendorName = inv.VendorName
	}
	if vendorName == "" {
		return nil, apperr.New(apperr.Validation, "vendor name is required")
	}
	if len(signup.Password) < 8 {
		return nil, apperr.New(apperr.Validation, "password must be at least 8 characters")
	}

	// The KDF runs before the transaction opens; it is far too slow to
	// hold locks across.
	hash, err := s.auth.HashPassword(ctx, signup.Password)
	if err != nil {
		return nil, err
	}

	tenantID, clientID, vendorID := ids.NewTenantIDs(vendorName)
	result := &AcceptResult{
		Tenant: &database.Tenant{
			TenantID:         tenantID,
			ClientID:         clientID,
			VendorID:         vendorID,
			Name:             vendorName,
			Status:           database.TenantActive,
			OnboardingStatus: database.OnboardingPending,
			Email:            vendor.Email,
			Phone:            vendor.Phone,
			Address:          vendor.Address,
		},
		User: &database.User{
			UserID:       ids.NewID(ids.PrefixUser, emailSeed(inv.InviteeEmail)),
			TenantID:     tenantID,
			Email:        inv.InviteeEmail,
			DisplayName:  signup.DisplayName,
			PasswordHash: hash,
			Role:         "owner",
			IsActive:     true,
		},
		Relationship: &database.Relationship{
			RelationshipID: ids.NewID(ids.PrefixRelationship, vendorName),
			ClientID:       inv.InvitingClientID,
			VendorID:       vendorID,
			Status:         database.RelationshipActive,
			EffectiveFrom:  s.clock.Now(),
			CompanyIDs:     inv.CompanyIDs,
		},
	}

	err = s.store.Tx(ctx, func(tx database.Store) error {
		// Re-check under the transaction so two concurrent accepts
		// cannot both pass the pending gate.
		current, err := tx.GetInviteByToken(ctx, token)
		if err != nil {
			return err
		}
		if err := s.checkPending(current); err != nil {
			return err
		}
		if err := tx.CreateTenant(ctx, result.Tenant); err != nil {
			return fmt.Errorf("creating vendor tenant: %w", err)
		}
		if err := tx.CreateUser(ctx, result.User); err != nil {
			if apperr.IsKind(err, apperr.Conflict) {
				return apperr.ErrDuplicateEmail
			}
			return fmt.Errorf("creating owner user: %w", err)
		}
		if err := tx.CreateRelationship(ctx, result.Relationship); err != nil {
			return fmt.Errorf("creating relationship: %w", err)
		}
		return tx.UpdateInviteStatus(ctx, inv.InviteID, database.InviteAccepted, tenantID)
	})
	if err != nil {
		return nil, err
	}

	if session, err := s.auth.MintSession(ctx, result.User.UserID); err != nil {
		s.logger.Printf("minting session for %s: %v", result.User.UserID, err)
	} else {
		result.SessionToken = session.Token
	}

	s.notify.NotifyTenantAdmins(ctx, inv.InvitingTenantID,
		notify.TypeVendorInviteAccepted,
		vendorName+" accepted your invite",
		fmt.Sprintf("%s finished signup and is now an active vendor.", vendorName),
		"invite", inv.InviteID)
	s.emit(events.InviteAccepted, inv.InvitingTenantID, map[string]any{
		"inviteId":       inv.InviteID,
		"vendorTenantId": tenantID,
		"vendorId":       vendorID,
		"relationshipId": result.Relationship.RelationshipID,
	})
	return result, nil
}

// RelationshipSummary is one edge as seen from a tenant.
type RelationshipSummary struct {
	RelationshipID  string `json:"relationshipId"`
	ClientID        string `json:"clientId"`
	VendorID        string `json:"vendorId"`
	CounterpartName string `json:"counterpartName,omitempty"`
	Status          string `json:"status"`
}

// ContextSide groups the relationships a tenant holds in one role.
type ContextSide struct {
	Count         int                   `json:"count"`
	Relationships []RelationshipSummary `json:"relationships"`
}

// TenantContexts answers "which roles can this tenant play".
type TenantContexts struct {
	TenantID string      `json:"tenantId"`
	AsClient ContextSide `json:"asClient"`
	AsVendor ContextSide `json:"asVendor"`
}

// GetTenantContexts summarizes both sides of the relationship graph for a
// tenant. The UI drives its context switcher off this.
func (s *Service) GetTenantContexts(ctx context.Context, tenantID string) (*TenantContexts, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := &TenantContexts{TenantID: tenantID}

	asClient, err := s.store.ListRelationshipsByClient(ctx, tenant.ClientID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: listing client relationships: %w", err)
	}
	for _, r := range asClient {
		summary := RelationshipSummary{
			RelationshipID: r.RelationshipID,
			ClientID:       r.ClientID,
			VendorID:       r.VendorID,
			Status:         r.Status,
		}
		if counterpart, err := s.store.GetTenantByVendorID(ctx, r.VendorID); err == nil {
			summary.CounterpartName = counterpart.Name
		}
		out.AsClient.Relationships = append(out.AsClient.Relationships, summary)
	}
	out.AsClient.Count = len(out.AsClient.Relationships)

	asVendor, err := s.store.ListRelationshipsByVendor(ctx, tenant.VendorID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: listing vendor relationships: %w", err)
	}
	for _, r := range asVendor {
		summary := RelationshipSummary{
			RelationshipID: r.RelationshipID,
			ClientID:       r.ClientID,
			VendorID:       r.VendorID,
			Status:         r.Status,
		}
		if counterpart, err := s.store.GetTenantByClientID(ctx, r.ClientID); err == nil {
			summary.CounterpartName = counterpart.Name
		}
		out.AsVendor.Relationships = append(out.AsVendor.Relationships, summary)
	}
	out.AsVendor.Count = len(out.AsVendor.Relationships)

	return out, nil
}

func (s *Service) emit(eventType, tenantID string, data map[string]any) {
	if s.bus != nil {
		s.bus.Emit(eventType, "tenancy", tenantID, data)
	}
}
