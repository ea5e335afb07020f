// Command seed loads a local database with demo data: a client tenant with
// companies and an accepted vendor, internal users with scopes, a ledger of
// invoices and payments, and an onboarding case part-way through its
// checklist. It refuses to run against production.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

const demoPassword = "nexus-demo-1"

func main() {
	_ = godotenv.Load()
	logger := log.New(log.Writer(), "[Seed] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("configuration: %v", err)
		os.Exit(1)
	}
	if cfg.IsProduction() {
		logger.Println("refusing to seed a production database")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Printf("opening database: %v", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	clock := ids.SystemClock()
	store := database.NewPostgresFromDB(db, clock)
	authSvc := auth.NewService(store, clock, cfg)
	notifySvc := notify.NewService(store, clock, nil, nil, nil)
	caseSvc := cases.NewService(store, notifySvc, events.NewBus(), clock, nil)

	if err := seed(ctx, logger, store, authSvc, caseSvc); err != nil {
		logger.Printf("seeding: %v", err)
		os.Exit(2)
	}
	logger.Printf("done; demo users log in with password %q", demoPassword)
}

func seed(ctx context.Context, logger *log.Logger, store database.Store, authSvc *auth.Service, caseSvc *cases.Service) error {
	now := time.Now().UTC()

	clientTID, clientCID, clientVID := ids.NewTenantIDs("Acme Industries")
	vendorTID, vendorCID, vendorVID := ids.NewTenantIDs("Foo Logistics")

	client := &database.Tenant{
		TenantID: clientTID, ClientID: clientCID, VendorID: clientVID,
		Name: "Acme Industries", Status: database.TenantActive,
		OnboardingStatus: database.OnboardingComplete,
	}
	vendor := &database.Tenant{
		TenantID: vendorTID, ClientID: vendorCID, VendorID: vendorVID,
		Name: "Foo Logistics", Status: database.TenantActive,
		OnboardingStatus: database.OnboardingPending,
	}
	for _, t := range []*database.Tenant{client, vendor} {
		if err := store.CreateTenant(ctx, t); err != nil {
			return err
		}
		logger.Printf("tenant %s (%s)", t.Name, t.TenantID)
	}

	if err := store.CreateRelationship(ctx, &database.Relationship{
		RelationshipID: ids.NewID("REL", clientCID+vendorVID),
		ClientID:       client.ClientID,
		VendorID:       vendor.VendorID,
		Status:         database.RelationshipActive,
	}); err != nil {
		return err
	}

	north := &database.Company{
		CompanyID: ids.NewID("CMP", "acme-north"), TenantID: client.TenantID,
		GroupID: "GRP-NORTH", Name: "Acme North GmbH",
	}
	south := &database.Company{
		CompanyID: ids.NewID("CMP", "acme-south"), TenantID: client.TenantID,
		Name: "Acme South SA",
	}
	for _, c := range []*database.Company{north, south} {
		if err := store.CreateCompany(ctx, c); err != nil {
			return err
		}
	}

	users := []struct {
		email, name, tenantID, role, scopeType, scopeID string
	}{
		{"buyer@acme.test", "Bea Buyer", client.TenantID, "admin", "", ""},
		{"sales@foo.test", "Sam Sales", vendor.TenantID, "admin", "", ""},
		{"ops@nexus.test", "Olive Ops", client.TenantID, "internal", "super", ""},
		{"north-ops@nexus.test", "Niko North", client.TenantID, "internal", "group", "GRP-NORTH"},
	}
	for _, u := range users {
		hash, err := authSvc.HashPassword(ctx, demoPassword)
		if err != nil {
			return err
		}
		if err := store.CreateUser(ctx, &database.User{
			UserID:       ids.NewID("USR", u.email),
			TenantID:     u.tenantID,
			Email:        u.email,
			DisplayName:  u.name,
			PasswordHash: hash,
			Role:         u.role,
			ScopeType:    u.scopeType,
			ScopeID:      u.scopeID,
			IsActive:     true,
		}); err != nil {
			return err
		}
		logger.Printf("user %s (%s)", u.email, u.role)
	}

	invoices := []*database.Invoice{
		{InvoiceID: ids.NewID("INV", "1001"), VendorID: vendor.VendorID, CompanyID: north.CompanyID,
			InvoiceNum: "INV-1001", PORef: "PO-7001", Amount: 12500, Currency: "EUR",
			Status: "approved", IssueDate: now.AddDate(0, 0, -30), DueDate: now.AddDate(0, 0, 15)},
		{InvoiceID: ids.NewID("INV", "1002"), VendorID: vendor.VendorID, CompanyID: south.CompanyID,
			InvoiceNum: "INV-1002", Amount: 830.50, Currency: "EUR",
			Status: "received", IssueDate: now.AddDate(0, 0, -7), DueDate: now.AddDate(0, 0, 23)},
	}
	for _, inv := range invoices {
		if err := store.UpsertInvoice(ctx, inv); err != nil {
			return err
		}
	}
	if err := store.UpsertPayment(ctx, &database.Payment{
		PaymentID: ids.NewID("PAY", "2001"), VendorID: vendor.VendorID, CompanyID: north.CompanyID,
		PaymentRef: "PAY-2001", Amount: 12500, Currency: "EUR",
		Status: "scheduled", ValueDate: now.AddDate(0, 0, 14),
	}); err != nil {
		return err
	}

	// Open the onboarding case as the client admin so the checklist is
	// seeded through the same path the API uses.
	p := &authz.Principal{
		UserID:        ids.NewID("USR", "buyer@acme.test"),
		TenantID:      client.TenantID,
		ClientID:      client.ClientID,
		VendorID:      client.VendorID,
		Role:          authz.RoleAdmin,
		ActiveContext: authz.ContextClient,
	}
	access, err := authz.NewResolver(store).Derive(ctx, p)
	if err != nil {
		return err
	}
	caseCtx := authz.WithAccess(authz.WithPrincipal(ctx, p), access)

	c, err := caseSvc.CreateCase(caseCtx, cases.CreateCaseInput{
		CaseType: database.CaseOnboarding,
		Subject:  "Onboard Foo Logistics",
		VendorID: vendor.VendorID,
	})
	if err != nil {
		return err
	}

	// Leave the case mid-checklist: bank letter submitted, the rest pending.
	steps, err := store.ListChecklistSteps(ctx, c.CaseID)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		steps[0].Status = database.StepSubmitted
		if err := store.Tx(ctx, func(tx database.Store) error {
			return tx.UpdateChecklistStep(ctx, &steps[0])
		}); err != nil {
			return err
		}
	}
	logger.Printf("case %s (%s) with %d checklist steps", c.CaseID, c.CaseType, len(steps))
	return nil
}
