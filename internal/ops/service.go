// Package ops serves the internal-side views: the org tree, scoped
// dashboards, the case queue, and the vendor directory. Every operation
// requires the internal context; scope narrowing comes from the caller's
// derived allow-set, not from request parameters.
package ops

import (
	"context"
	"log"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
)

type Service struct {
	store  database.Store
	logger *log.Logger
}

func NewService(store database.Store) *Service {
	return &Service{
		store:  store,
		logger: log.New(log.Writer(), "[Ops] ", log.LstdFlags),
	}
}

func internalCaller(ctx context.Context) (*authz.Principal, *authz.Access, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	if access.Context != authz.ContextInternal {
		return nil, nil, apperr.New(apperr.Forbidden, "internal context required")
	}
	return p, access, nil
}

// GroupNode is one group of companies in the org tree.
type GroupNode struct {
	GroupID   string             `json:"groupId"`
	Companies []database.Company `json:"companies"`
}

// OrgTree is the tenant's company structure as the internal side sees it,
// narrowed to the caller's scope.
type OrgTree struct {
	TenantID  string             `json:"tenantId"`
	Groups    []GroupNode        `json:"groups"`
	Ungrouped []database.Company `json:"ungrouped,omitempty"`
}

func (s *Service) OrgTree(ctx context.Context) (*OrgTree, error) {
	p, access, err := internalCaller(ctx)
	if err != nil {
		return nil, err
	}
	companies, err := s.store.ListCompanies(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	tree := &OrgTree{TenantID: p.TenantID}
	byGroup := make(map[string][]database.Company)
	var order []string
	for _, c := range companies {
		if !access.AllowsCompany(c.CompanyID) {
			continue
		}
		if c.GroupID == "" {
			tree.Ungrouped = append(tree.Ungrouped, c)
			continue
		}
		if _, seen := byGroup[c.GroupID]; !seen {
			order = append(order, c.GroupID)
		}
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}
	for _, gid := range order {
		tree.Groups = append(tree.Groups, GroupNode{GroupID: gid, Companies: byGroup[gid]})
	}
	return tree, nil
}

// Dashboard is the case workload summary for the caller's scope.
type Dashboard struct {
	ScopeType     string         `json:"scopeType"`
	ScopeID       string         `json:"scopeId,omitempty"`
	CasesByStatus map[string]int `json:"casesByStatus"`
	OpenTotal     int            `json:"openTotal"`
	Blocked       int            `json:"blocked"`
	Vendors       int            `json:"vendors"`
}

var dashboardStatuses = []string{
	database.StatusOpen,
	database.StatusWaitingSupplier,
	database.StatusWaitingInternal,
	database.StatusBlocked,
	database.StatusResolved,
}

func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	p, access, err := internalCaller(ctx)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{
		ScopeType:     string(p.ScopeType),
		ScopeID:       p.ScopeID,
		CasesByStatus: make(map[string]int, len(dashboardStatuses)),
		Vendors:       len(access.VendorIDs),
	}
	for _, status := range dashboardStatuses {
		_, total, err := s.store.ListCases(ctx, access, database.CaseFilter{Status: status, Limit: 1})
		if err != nil {
			return nil, err
		}
		d.CasesByStatus[status] = total
		if status != database.StatusResolved {
			d.OpenTotal += total
		}
	}
	d.Blocked = d.CasesByStatus[database.StatusBlocked]
	return d, nil
}

// CaseQueue lists the cases waiting on the internal side, oldest first as
// the store orders them.
func (s *Service) CaseQueue(ctx context.Context, f database.CaseFilter) ([]database.Case, int, error) {
	_, access, err := internalCaller(ctx)
	if err != nil {
		return nil, 0, err
	}
	if f.Status == "" {
		f.Status = database.StatusWaitingInternal
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	return s.store.ListCases(ctx, access, f)
}

// VendorEntry is one row of the vendor directory.
type VendorEntry struct {
	VendorID         string `json:"vendorId"`
	TenantID         string `json:"tenantId"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	OnboardingStatus string `json:"onboardingStatus"`
	OpenCases        int    `json:"openCases"`
}

// VendorDirectory lists the vendors visible to the caller's scope with
// their onboarding state and open-case load.
func (s *Service) VendorDirectory(ctx context.Context) ([]VendorEntry, error) {
	_, access, err := internalCaller(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]VendorEntry, 0, len(access.VendorIDs))
	for _, vendorID := range access.VendorIDs {
		tenant, err := s.store.GetTenantByVendorID(ctx, vendorID)
		if err != nil {
			s.logger.Printf("vendor %s lookup: %v", vendorID, err)
			continue
		}
		_, open, err := s.store.ListCases(ctx, access, database.CaseFilter{
			VendorID: vendorID,
			Status:   database.StatusOpen,
			Limit:    1,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, VendorEntry{
			VendorID:         vendorID,
			TenantID:         tenant.TenantID,
			Name:             tenant.Name,
			Status:           tenant.Status,
			OnboardingStatus: tenant.OnboardingStatus,
			OpenCases:        open,
		})
	}
	return out, nil
}
