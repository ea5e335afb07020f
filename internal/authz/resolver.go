package authz

import (
	"context"
	"fmt"

	"github.com/vendornexus/backend/internal/apperr"
)

// ScopeSource supplies the relationship and company lookups the resolver
// needs. The persistence layer implements it.
type ScopeSource interface {
	ListCompanyIDs(ctx context.Context, tenantID string) ([]string, error)
	ListCompanyIDsByGroup(ctx context.Context, tenantID, groupID string) ([]string, error)
	ListVendorIDsForClient(ctx context.Context, clientID string) ([]string, error)
	ListVendorIDsForCompanies(ctx context.Context, clientID string, companyIDs []string) ([]string, error)
}

// Resolver derives the Access allow-set from a Principal. Derivation runs
// once per request; the result rides the request context.
type Resolver struct {
	src ScopeSource
}

func NewResolver(src ScopeSource) *Resolver {
	return &Resolver{src: src}
}

// Derive materializes the allow-sets for the principal's active context.
func (r *Resolver) Derive(ctx context.Context, p *Principal) (*Access, error) {
	a := &Access{
		TenantID:  p.TenantID,
		ClientID:  p.ClientID,
		VendorID:  p.VendorID,
		Context:   p.ActiveContext,
		ScopeType: p.ScopeType,
	}

	switch p.ActiveContext {
	case ContextVendor:
		a.VendorIDs = []string{p.VendorID}
		return a, nil

	case ContextClient:
		companies, err := r.src.ListCompanyIDs(ctx, p.TenantID)
		if err != nil {
			return nil, fmt.Errorf("authz: listing companies: %w", err)
		}
		vendors, err := r.src.ListVendorIDsForClient(ctx, p.ClientID)
		if err != nil {
			return nil, fmt.Errorf("authz: listing vendors: %w", err)
		}
		a.CompanyIDs = companies
		a.VendorIDs = vendors
		return a, nil

	case ContextInternal:
		if p.Role != RoleInternal {
			return nil, fmt.Errorf("authz: %s cannot use internal context: %w", p.UserID, apperr.ErrForbidden)
		}
		return r.deriveInternal(ctx, p, a)
	}
	return nil, apperr.Newf(apperr.Validation, "unknown context %q", p.ActiveContext)
}

func (r *Resolver) deriveInternal(ctx context.Context, p *Principal, a *Access) (*Access, error) {
	switch p.ScopeType {
	case ScopeSuper:
		companies, err := r.src.ListCompanyIDs(ctx, p.TenantID)
		if err != nil {
			return nil, fmt.Errorf("authz: listing companies: %w", err)
		}
		vendors, err := r.src.ListVendorIDsForClient(ctx, p.ClientID)
		if err != nil {
			return nil, fmt.Errorf("authz: listing vendors: %w", err)
		}
		a.CompanyIDs = companies
		a.VendorIDs = vendors
		return a, nil

	case ScopeGroup:
		companies, err := r.src.ListCompanyIDsByGroup(ctx, p.TenantID, p.ScopeID)
		if err != nil {
			return nil, fmt.Errorf("authz: listing group companies: %w", err)
		}
		return r.scopedAccess(ctx, p, a, companies)

	case ScopeCompany:
		return r.scopedAccess(ctx, p, a, []string{p.ScopeID})

	default:
		// Internal users must carry a scope before they can act.
		return nil, fmt.Errorf("authz: user %s: %w", p.UserID, apperr.ErrContextMissing)
	}
}

func (r *Resolver) scopedAccess(ctx context.Context, p *Principal, a *Access, companyIDs []string) (*Access, error) {
	vendors, err := r.src.ListVendorIDsForCompanies(ctx, p.ClientID, companyIDs)
	if err != nil {
		return nil, fmt.Errorf("authz: listing scoped vendors: %w", err)
	}
	a.CompanyScoped = true
	a.CompanyIDs = companyIDs
	a.VendorIDs = vendors
	return a, nil
}
