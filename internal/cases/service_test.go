package cases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

type fixture struct {
	svc    *Service
	store  *database.Memory
	clock  *ids.FixedClock
	bus    *events.Bus
	client *database.Tenant
	vendor *database.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &ids.FixedClock{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := database.NewMemory(clock)
	bus := events.NewBus()
	notifySvc := notify.NewService(store, clock, nil, nil, nil)

	client := &database.Tenant{
		TenantID: "TNT-ACME0001", ClientID: "TC-ACME0001", VendorID: "TV-ACME0001",
		Name: "Acme", Status: database.TenantActive,
	}
	vendor := &database.Tenant{
		TenantID: "TNT-FOO10001", ClientID: "TC-FOO10001", VendorID: "TV-FOO10001",
		Name: "Foo Ltd", Status: database.TenantActive, OnboardingStatus: database.OnboardingPending,
	}
	require.NoError(t, store.CreateTenant(ctx, client))
	require.NoError(t, store.CreateTenant(ctx, vendor))
	require.NoError(t, store.CreateRelationship(ctx, &database.Relationship{
		RelationshipID: "REL-00000001",
		ClientID:       client.ClientID,
		VendorID:       vendor.VendorID,
		Status:         database.RelationshipActive,
	}))

	return &fixture{
		svc:    NewService(store, notifySvc, bus, clock, nil),
		store:  store,
		clock:  clock,
		bus:    bus,
		client: client,
		vendor: vendor,
	}
}

// asUser builds a request context for a principal of the given tenant and
// role, with the allow-sets already derived.
func (f *fixture) asUser(t *testing.T, tenant *database.Tenant, ctxRole authz.Context) context.Context {
	t.Helper()
	p := &authz.Principal{
		UserID:        "USR-" + string(ctxRole),
		TenantID:      tenant.TenantID,
		ClientID:      tenant.ClientID,
		VendorID:      tenant.VendorID,
		Role:          authz.RoleMember,
		ActiveContext: ctxRole,
	}
	if ctxRole == authz.ContextInternal {
		p.Role = authz.RoleInternal
		p.ScopeType = authz.ScopeSuper
	}
	access, err := authz.NewResolver(f.store).Derive(context.Background(), p)
	require.NoError(t, err)
	ctx := authz.WithPrincipal(context.Background(), p)
	return authz.WithAccess(ctx, access)
}

func (f *fixture) createCase(t *testing.T, ctx context.Context, in CreateCaseInput) *database.Case {
	t.Helper()
	c, err := f.svc.CreateCase(ctx, in)
	require.NoError(t, err)
	return c
}

func TestCreateCaseSeedsChecklist(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)

	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseOnboarding,
		Subject:  "Onboard Foo Ltd",
		VendorID: f.vendor.VendorID,
	})

	assert.Equal(t, database.StatusOpen, c.Status)
	assert.Equal(t, database.TeamProcurement, c.OwnerTeam)
	assert.Equal(t, f.client.ClientID, c.ClientID)

	steps, err := f.store.ListChecklistSteps(ctx, c.CaseID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, EvidenceBankLetter, steps[0].EvidenceType)
	assert.Equal(t, database.StepPending, steps[0].Status)
	assert.Equal(t, 1, steps[0].Position)
}

func TestCreateCaseValidation(t *testing.T) {
	f := newFixture(t)
	clientCtx := f.asUser(t, f.client, authz.ContextClient)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)

	_, err := f.svc.CreateCase(clientCtx, CreateCaseInput{CaseType: "audit", Subject: "x", VendorID: f.vendor.VendorID})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = f.svc.CreateCase(vendorCtx, CreateCaseInput{
		CaseType: database.CaseOnboarding, Subject: "x", ClientID: f.client.ClientID,
	})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err), "vendors cannot open onboarding cases")

	// A vendor outside the caller's allow-set reads as absent.
	_, err = f.svc.CreateCase(clientCtx, CreateCaseInput{
		CaseType: database.CaseGeneral, Subject: "x", VendorID: "TV-GHOST001",
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVendorCreatesInvoiceDispute(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.vendor, authz.ContextVendor)

	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseInvoice,
		Subject:  "Invoice INV-1001 unpaid",
		ClientID: f.client.ClientID,
	})
	assert.Equal(t, database.TeamAP, c.OwnerTeam)
	assert.Equal(t, f.vendor.VendorID, c.VendorID)
}

func TestDeriveStatusTable(t *testing.T) {
	step := func(status string) database.ChecklistStep {
		return database.ChecklistStep{Status: status}
	}
	for _, tc := range []struct {
		name    string
		current string
		steps   []database.ChecklistStep
		want    string
	}{
		{"no steps leaves status", database.StatusOpen, nil, database.StatusOpen},
		{"all verified resolves", database.StatusWaitingInternal,
			[]database.ChecklistStep{step(database.StepVerified), step(database.StepWaived)},
			database.StatusResolved},
		{"rejection wins over submission", database.StatusOpen,
			[]database.ChecklistStep{step(database.StepRejected), step(database.StepSubmitted)},
			database.StatusWaitingSupplier},
		{"submission waits internal", database.StatusOpen,
			[]database.ChecklistStep{step(database.StepSubmitted), step(database.StepPending)},
			database.StatusWaitingInternal},
		{"all pending unchanged", database.StatusOpen,
			[]database.ChecklistStep{step(database.StepPending)},
			database.StatusOpen},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.current, tc.steps))
		})
	}
}

func TestEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseInvoice, Subject: "dispute", VendorID: f.vendor.VendorID,
	})

	got, err := f.svc.Escalate(ctx, c.CaseID, 1, "no response for a week")
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, database.TeamAP, got.OwnerTeam)
	assert.Equal(t, database.StatusWaitingInternal, got.Status)

	// Levels are monotonic.
	_, err = f.svc.Escalate(ctx, c.CaseID, 1, "again")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	got, err = f.svc.Escalate(ctx, c.CaseID, 3, "fraud suspicion")
	require.NoError(t, err)
	assert.Equal(t, database.StatusBlocked, got.Status)

	msgs, err := f.store.ListMessages(ctx, c.CaseID, true)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsInternalNote)
	assert.Contains(t, msgs[1].Body, "BREAK GLASS")

	activity, err := f.store.ListActivity(ctx, c.CaseID)
	require.NoError(t, err)
	var escalations int
	for _, a := range activity {
		if a.DecisionType == database.DecisionEscalate {
			escalations++
		}
	}
	assert.Equal(t, 2, escalations)

	// Vendors never see escalation machinery.
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	_, err = f.svc.Escalate(vendorCtx, c.CaseID, 2, "x")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func setStepStatuses(t *testing.T, store *database.Memory, caseID, status string) {
	t.Helper()
	ctx := context.Background()
	steps, err := store.ListChecklistSteps(ctx, caseID)
	require.NoError(t, err)
	for i := range steps {
		steps[i].Status = status
		require.NoError(t, store.Tx(ctx, func(tx database.Store) error {
			return tx.UpdateChecklistStep(ctx, &steps[i])
		}))
	}
}

func TestApproveRequiresCompleteChecklist(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseOnboarding, Subject: "Onboard", VendorID: f.vendor.VendorID,
	})

	_, err := f.svc.Approve(ctx, c.CaseID, "looks good")
	assert.Equal(t, apperr.Precondition, apperr.KindOf(err))

	setStepStatuses(t, f.store, c.CaseID, database.StepVerified)
	got, err := f.svc.Approve(ctx, c.CaseID, "looks good")
	require.NoError(t, err)
	assert.Equal(t, database.StatusResolved, got.Status)
}

func TestApproveOnboardingActivatesVendor(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)

	require.NoError(t, f.store.CreateUser(context.Background(), &database.User{
		UserID: "USR-SUPPLIER", TenantID: f.vendor.TenantID,
		Email: "supplier@foo.test", Role: "owner", IsActive: false,
	}))

	approved := f.bus.Subscribe(events.OnboardingApproved)
	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseOnboarding, Subject: "Onboard", VendorID: f.vendor.VendorID,
	})
	setStepStatuses(t, f.store, c.CaseID, database.StepWaived)

	_, err := f.svc.Approve(ctx, c.CaseID, "complete")
	require.NoError(t, err)

	user, err := f.store.GetUser(context.Background(), "USR-SUPPLIER")
	require.NoError(t, err)
	assert.True(t, user.IsActive)

	tenant, err := f.store.GetTenant(context.Background(), f.vendor.TenantID)
	require.NoError(t, err)
	assert.Equal(t, database.OnboardingComplete, tenant.OnboardingStatus)

	select {
	case ev := <-approved:
		assert.Equal(t, c.CaseID, ev.Data["caseId"])
	default:
		t.Fatal("expected an onboarding.approved event")
	}

	require.Eventually(t, func() bool {
		list, err := f.store.ListNotifications(context.Background(), "USR-SUPPLIER", true, 0)
		return err == nil && len(list) == 1 && list[0].Type == notify.TypeOnboardingApproved
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateStatusRejectsBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseGeneral, Subject: "q", VendorID: f.vendor.VendorID,
	})

	_, err := f.svc.UpdateStatus(ctx, c.CaseID, database.StatusBlocked, "")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	got, err := f.svc.UpdateStatus(ctx, c.CaseID, database.StatusWaitingSupplier, "waiting on docs")
	require.NoError(t, err)
	assert.Equal(t, database.StatusWaitingSupplier, got.Status)
}

func TestRequestBankChange(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)

	c, err := f.svc.RequestBankChange(vendorCtx, BankChangeInput{
		ClientID:        f.client.ClientID,
		ProposedDetails: map[string]any{"iban": "DE02120300000000202051", "bank": "Test Bank"},
	})
	require.NoError(t, err)
	assert.Equal(t, database.CaseBankChange, c.CaseType)
	assert.Equal(t, database.TeamFinance, c.OwnerTeam)
	assert.Equal(t, database.PriorityHigh, c.Priority)

	steps, err := f.store.ListChecklistSteps(context.Background(), c.CaseID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, EvidenceBankLetterNew, steps[0].EvidenceType)

	proposed, _ := c.Metadata["proposedBankDetails"].(map[string]any)
	assert.Equal(t, "DE02120300000000202051", proposed["iban"])

	clientCtx := f.asUser(t, f.client, authz.ContextClient)
	_, err = f.svc.RequestBankChange(clientCtx, BankChangeInput{ProposedDetails: map[string]any{"iban": "x"}})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCaseVisibilityIsScoped(t *testing.T) {
	f := newFixture(t)
	clientCtx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, clientCtx, CreateCaseInput{
		CaseType: database.CaseGeneral, Subject: "private", VendorID: f.vendor.VendorID,
	})

	// Another vendor tenant with no relationship to the client.
	other := &database.Tenant{
		TenantID: "TNT-BAR10001", ClientID: "TC-BAR10001", VendorID: "TV-BAR10001",
		Name: "Bar Inc", Status: database.TenantActive,
	}
	require.NoError(t, f.store.CreateTenant(context.Background(), other))
	otherCtx := f.asUser(t, other, authz.ContextVendor)

	_, err := f.svc.GetCase(otherCtx, c.CaseID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// Identical answer for a case that does not exist at all.
	_, err = f.svc.GetCase(otherCtx, "CASE-NOPE0000")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.svc.ListCases(otherCtx, database.CaseFilter{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)

	// The rightful vendor sees it.
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	detail, err := f.svc.GetCase(vendorCtx, c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, c.CaseID, detail.CaseID)
}

func TestGetCaseHidesInternalNotesFromVendors(t *testing.T) {
	f := newFixture(t)
	clientCtx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, clientCtx, CreateCaseInput{
		CaseType: database.CaseInvoice, Subject: "dispute", VendorID: f.vendor.VendorID,
	})
	_, err := f.svc.Escalate(clientCtx, c.CaseID, 1, "internal only")
	require.NoError(t, err)

	detail, err := f.svc.GetCase(clientCtx, c.CaseID)
	require.NoError(t, err)
	assert.Len(t, detail.Messages, 1)

	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	detail, err = f.svc.GetCase(vendorCtx, c.CaseID)
	require.NoError(t, err)
	assert.Empty(t, detail.Messages)
}

func TestCloseLogsDecision(t *testing.T) {
	f := newFixture(t)
	ctx := f.asUser(t, f.client, authz.ContextClient)
	c := f.createCase(t, ctx, CreateCaseInput{
		CaseType: database.CaseGeneral, Subject: "q", VendorID: f.vendor.VendorID,
	})

	got, err := f.svc.Close(ctx, c.CaseID, "answered by phone")
	require.NoError(t, err)
	assert.Equal(t, database.StatusResolved, got.Status)

	activity, err := f.store.ListActivity(ctx, c.CaseID)
	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, database.DecisionClose, activity[0].DecisionType)
	assert.Equal(t, "answered by phone", activity[0].Why)
}
