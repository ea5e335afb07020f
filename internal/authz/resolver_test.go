package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendornexus/backend/internal/apperr"
)

type fakeSource struct {
	companies map[string][]string          // tenantID -> company IDs
	groups    map[string][]string          // groupID -> company IDs
	vendors   map[string][]string          // clientID -> vendor IDs
	byCompany map[string][]string          // companyID -> vendor IDs
}

func (f *fakeSource) ListCompanyIDs(_ context.Context, tenantID string) ([]string, error) {
	return f.companies[tenantID], nil
}

func (f *fakeSource) ListCompanyIDsByGroup(_ context.Context, _, groupID string) ([]string, error) {
	return f.groups[groupID], nil
}

func (f *fakeSource) ListVendorIDsForClient(_ context.Context, clientID string) ([]string, error) {
	return f.vendors[clientID], nil
}

func (f *fakeSource) ListVendorIDsForCompanies(_ context.Context, _ string, companyIDs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, c := range companyIDs {
		for _, v := range f.byCompany[c] {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		companies: map[string][]string{"TNT-ACME0001": {"CMP-A", "CMP-B", "CMP-C"}},
		groups:    map[string][]string{"GRP-NORTH": {"CMP-A", "CMP-B"}},
		vendors:   map[string][]string{"TC-ACME0001": {"TV-FOO1aaaa", "TV-BAR2bbbb"}},
		byCompany: map[string][]string{
			"CMP-A": {"TV-FOO1aaaa"},
			"CMP-B": {"TV-FOO1aaaa", "TV-BAR2bbbb"},
		},
	}
}

func principal(ctx Context, role Role, scope ScopeType, scopeID string) *Principal {
	return &Principal{
		UserID:        "USR-X",
		TenantID:      "TNT-ACME0001",
		ClientID:      "TC-ACME0001",
		VendorID:      "TV-ACME0001",
		Role:          role,
		ScopeType:     scope,
		ScopeID:       scopeID,
		ActiveContext: ctx,
	}
}

func TestDeriveVendorContext(t *testing.T) {
	r := NewResolver(newFakeSource())

	a, err := r.Derive(context.Background(), principal(ContextVendor, RoleMember, "", ""))
	require.NoError(t, err)

	assert.Equal(t, []string{"TV-ACME0001"}, a.VendorIDs)
	assert.Empty(t, a.CompanyIDs)
	assert.False(t, a.CompanyScoped)
	assert.False(t, a.AllowsCompany("CMP-A"))
}

func TestDeriveClientContext(t *testing.T) {
	r := NewResolver(newFakeSource())

	a, err := r.Derive(context.Background(), principal(ContextClient, RoleAdmin, "", ""))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"CMP-A", "CMP-B", "CMP-C"}, a.CompanyIDs)
	assert.ElementsMatch(t, []string{"TV-FOO1aaaa", "TV-BAR2bbbb"}, a.VendorIDs)
	assert.False(t, a.CompanyScoped)
	// Unscoped access covers rows with no company attribution.
	assert.True(t, a.AllowsCompany(""))
}

func TestDeriveInternalSuper(t *testing.T) {
	r := NewResolver(newFakeSource())

	a, err := r.Derive(context.Background(), principal(ContextInternal, RoleInternal, ScopeSuper, ""))
	require.NoError(t, err)

	assert.False(t, a.CompanyScoped)
	assert.Len(t, a.CompanyIDs, 3)
	assert.Len(t, a.VendorIDs, 2)
}

func TestDeriveInternalGroupScope(t *testing.T) {
	r := NewResolver(newFakeSource())

	a, err := r.Derive(context.Background(), principal(ContextInternal, RoleInternal, ScopeGroup, "GRP-NORTH"))
	require.NoError(t, err)

	assert.True(t, a.CompanyScoped)
	assert.ElementsMatch(t, []string{"CMP-A", "CMP-B"}, a.CompanyIDs)
	assert.ElementsMatch(t, []string{"TV-FOO1aaaa", "TV-BAR2bbbb"}, a.VendorIDs)
	assert.True(t, a.AllowsCompany("CMP-A"))
	assert.False(t, a.AllowsCompany("CMP-C"))
}

func TestDeriveInternalCompanyScope(t *testing.T) {
	r := NewResolver(newFakeSource())

	a, err := r.Derive(context.Background(), principal(ContextInternal, RoleInternal, ScopeCompany, "CMP-A"))
	require.NoError(t, err)

	assert.True(t, a.CompanyScoped)
	assert.Equal(t, []string{"CMP-A"}, a.CompanyIDs)
	assert.Equal(t, []string{"TV-FOO1aaaa"}, a.VendorIDs)
}

func TestDeriveInternalWithoutScopeFails(t *testing.T) {
	r := NewResolver(newFakeSource())

	_, err := r.Derive(context.Background(), principal(ContextInternal, RoleInternal, "", ""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrContextMissing))
}

func TestDeriveInternalContextRequiresInternalRole(t *testing.T) {
	r := NewResolver(newFakeSource())

	_, err := r.Derive(context.Background(), principal(ContextInternal, RoleMember, ScopeSuper, ""))
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestAllowsCase(t *testing.T) {
	vendor := &Access{Context: ContextVendor, VendorID: "TV-FOO1aaaa"}
	assert.True(t, vendor.AllowsCase("TC-ACME0001", "TV-FOO1aaaa", ""))
	assert.False(t, vendor.AllowsCase("TC-ACME0001", "TV-OTHER", ""))

	client := &Access{Context: ContextClient, ClientID: "TC-ACME0001"}
	assert.True(t, client.AllowsCase("TC-ACME0001", "TV-FOO1aaaa", "CMP-A"))
	assert.False(t, client.AllowsCase("TC-OTHER", "TV-FOO1aaaa", "CMP-A"))

	scoped := &Access{
		Context:       ContextInternal,
		ClientID:      "TC-ACME0001",
		CompanyScoped: true,
		CompanyIDs:    []string{"CMP-A"},
	}
	assert.True(t, scoped.AllowsCase("TC-ACME0001", "TV-X", "CMP-A"))
	assert.False(t, scoped.AllowsCase("TC-ACME0001", "TV-X", "CMP-B"))
	// Unattributed cases are invisible to company-scoped users.
	assert.False(t, scoped.AllowsCase("TC-ACME0001", "TV-X", ""))
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, err := PrincipalFrom(ctx)
	assert.True(t, errors.Is(err, apperr.ErrUnauthenticated))

	p := principal(ContextClient, RoleOwner, "", "")
	ctx = WithPrincipal(ctx, p)
	got, err := PrincipalFrom(ctx)
	require.NoError(t, err)
	assert.Same(t, p, got)

	a := &Access{TenantID: p.TenantID}
	ctx = WithAccess(ctx, a)
	gotA, err := AccessFrom(ctx)
	require.NoError(t, err)
	assert.Same(t, a, gotA)
}
