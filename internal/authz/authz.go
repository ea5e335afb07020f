// Package authz owns the authorization vocabulary of the platform: who the
// caller is (Principal), which role they are playing (client, vendor,
// internal), and the materialized allow-sets (Access) every scoped read must
// be filtered by. The filters here are the single source of truth; storage
// backends that do their own row filtering are defense in depth only.
package authz

import (
	"context"

	"github.com/vendornexus/backend/internal/apperr"
)

// Context is the role a principal is playing for the current request.
type Context string

const (
	ContextClient   Context = "client"
	ContextVendor   Context = "vendor"
	ContextInternal Context = "internal"
)

// Valid reports whether c is a known context.
func (c Context) Valid() bool {
	switch c {
	case ContextClient, ContextVendor, ContextInternal:
		return true
	}
	return false
}

// Role is a user's role inside their tenant.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleInternal Role = "internal"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleInternal:
		return true
	}
	return false
}

// ScopeType bounds what an internal user may see.
type ScopeType string

const (
	ScopeSuper   ScopeType = "super"
	ScopeGroup   ScopeType = "group"
	ScopeCompany ScopeType = "company"
)

func (s ScopeType) Valid() bool {
	switch s {
	case ScopeSuper, ScopeGroup, ScopeCompany:
		return true
	}
	return false
}

// Principal is the resolved caller of one request. It is flat on purpose:
// no live references into the persistence layer, so it can cross package
// boundaries freely.
type Principal struct {
	UserID      string
	TenantID    string
	ClientID    string
	VendorID    string
	Email       string
	DisplayName string
	Role        Role
	ScopeType   ScopeType
	ScopeID     string

	ActiveContext   Context
	ActiveContextID string
}

// Internal reports whether the principal is an internal-role (ops) user.
func (p *Principal) Internal() bool { return p.Role == RoleInternal }

// Access is the materialized allow-set for one request, derived once and
// memoized in the request context. Scoped store reads are unanswerable
// without one.
type Access struct {
	TenantID string
	ClientID string
	VendorID string

	Context   Context
	ScopeType ScopeType

	// CompanyScoped is true when company predicates must be applied
	// (internal users with group or company scope).
	CompanyScoped bool

	// CompanyIDs are the client-side companies visible to the caller.
	// Nil for vendor contexts.
	CompanyIDs []string

	// VendorIDs are the vendor tenants visible to the caller. For vendor
	// contexts this is exactly the caller's own vendor ID.
	VendorIDs []string
}

// AllowsCompany reports whether the access set covers a company. Unscoped
// client/internal access covers every company of the tenant, including
// rows with no company at all.
func (a *Access) AllowsCompany(companyID string) bool {
	if a.Context == ContextVendor {
		return false
	}
	if !a.CompanyScoped {
		return true
	}
	for _, id := range a.CompanyIDs {
		if id == companyID {
			return true
		}
	}
	return false
}

// AllowsVendor reports whether the access set covers a vendor tenant.
func (a *Access) AllowsVendor(vendorID string) bool {
	for _, id := range a.VendorIDs {
		if id == vendorID {
			return true
		}
	}
	return false
}

// AllowsCase applies the case visibility rule: vendors see their side,
// client users see their tenant's cases, company-scoped internal users only
// see cases attributed to their companies.
func (a *Access) AllowsCase(clientID, vendorID, companyID string) bool {
	switch a.Context {
	case ContextVendor:
		return vendorID == a.VendorID
	case ContextClient, ContextInternal:
		if clientID != a.ClientID {
			return false
		}
		if !a.CompanyScoped {
			return true
		}
		return companyID != "" && a.AllowsCompany(companyID)
	}
	return false
}

type ctxKey int

const (
	principalKey ctxKey = iota
	accessKey
)

// WithPrincipal stores the resolved principal on the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the request principal or ErrUnauthenticated.
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, apperr.ErrUnauthenticated
	}
	return p, nil
}

// WithAccess stores the derived allow-set on the request context.
func WithAccess(ctx context.Context, a *Access) context.Context {
	return context.WithValue(ctx, accessKey, a)
}

// AccessFrom returns the request allow-set or ErrUnauthenticated.
func AccessFrom(ctx context.Context) (*Access, error) {
	a, ok := ctx.Value(accessKey).(*Access)
	if !ok || a == nil {
		return nil, apperr.ErrUnauthenticated
	}
	return a, nil
}
