package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/chain"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/storage"
)

type fixture struct {
	svc      *Service
	cases    *cases.Service
	store    *database.Memory
	blobs    *storage.Memory
	appender *chain.Appender
	clock    *ids.FixedClock
	client   *database.Tenant
	vendor   *database.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &ids.FixedClock{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := database.NewMemory(clock)
	blobs := storage.NewMemory()

	client := &database.Tenant{
		TenantID: "TNT-ACME0001", ClientID: "TC-ACME0001", VendorID: "TV-ACME0001",
		Name: "Acme", Status: database.TenantActive,
	}
	vendor := &database.Tenant{
		TenantID: "TNT-FOO10001", ClientID: "TC-FOO10001", VendorID: "TV-FOO10001",
		Name: "Foo Ltd", Status: database.TenantActive,
	}
	require.NoError(t, store.CreateTenant(ctx, client))
	require.NoError(t, store.CreateTenant(ctx, vendor))
	require.NoError(t, store.CreateRelationship(ctx, &database.Relationship{
		RelationshipID: "REL-00000001",
		ClientID:       client.ClientID,
		VendorID:       vendor.VendorID,
		Status:         database.RelationshipActive,
	}))

	appender := chain.NewAppender(store, clock, nil)
	caseSvc := cases.NewService(store, nil, nil, clock, nil)
	return &fixture{
		svc:      NewService(store, blobs, appender, caseSvc, nil, nil, clock, nil),
		cases:    caseSvc,
		store:    store,
		blobs:    blobs,
		appender: appender,
		clock:    clock,
		client:   client,
		vendor:   vendor,
	}
}

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
	access, err := authz.NewResolver(f.store).Derive(context.Background(), p)
	require.NoError(t, err)
	ctx := authz.WithPrincipal(context.Background(), p)
	return authz.WithAccess(ctx, access)
}

// newCase makes a bank-change case, which seeds a two-step checklist.
func (f *fixture) newCase(t *testing.T, ctx context.Context) (*database.Case, []database.ChecklistStep) {
	t.Helper()
	c, err := f.cases.CreateCase(ctx, cases.CreateCaseInput{
		CaseType: database.CaseBankChange,
		Subject:  "New bank details",
		ClientID: f.client.ClientID,
	})
	require.NoError(t, err)
	steps, err := f.store.ListChecklistSteps(context.Background(), c.CaseID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	return c, steps
}

func TestUploadPipeline(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, steps := f.newCase(t, vendorCtx)

	payload := []byte("signed bank letter")
	ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
		EvidenceType: cases.EvidenceBankLetterNew,
		StepID:       steps[0].StepID,
		Filename:     "bank letter (final).pdf",
		MimeType:     "application/pdf",
		Bytes:        payload,
		ClientIP:     "203.0.113.9",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, chain.HashPayload(payload), ev.ContentHash)
	assert.Equal(t, database.EvidenceSubmitted, ev.Status)
	assert.Equal(t, "bank_letter_final_.pdf", ev.Filename)

	blob, ok := f.blobs.Get(ev.StorageKey)
	require.True(t, ok)
	assert.Equal(t, payload, blob)

	step, err := f.store.GetChecklistStep(context.Background(), steps[0].StepID)
	require.NoError(t, err)
	assert.Equal(t, database.StepSubmitted, step.Status)

	access, err := authz.AccessFrom(vendorCtx)
	require.NoError(t, err)
	got, err := f.store.GetCase(context.Background(), access, c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusWaitingInternal, got.Status)

	tail, err := f.store.ChainTail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ev.EvidenceID, tail.DocumentID)
	assert.Equal(t, ev.ContentHash, tail.PayloadHash)
	assert.Equal(t, "UPLOAD", tail.Metadata["action"])
	assert.Equal(t, "203.0.113.9", tail.Metadata["ip"])

	report, err := f.appender.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestUploadVersionsIncrement(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, _ := f.newCase(t, vendorCtx)

	for i, body := range []string{"v1", "v2", "v3"} {
		f.clock.Advance(time.Minute)
		ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
			EvidenceType: cases.EvidenceBankLetterNew,
			Filename:     "letter.pdf",
			Bytes:        []byte(body),
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, ev.Version)
	}

	// Another evidence type gets its own version sequence.
	ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
		EvidenceType: cases.EvidenceAuthorization,
		Filename:     "auth.pdf",
		Bytes:        []byte("mandate"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Version)
	assert.Equal(t, 4, f.blobs.Len())
}

func TestSignedURLTTLCappedAtOneHour(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, _ := f.newCase(t, vendorCtx)

	ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
		EvidenceType: cases.EvidenceBankLetterNew,
		Filename:     "letter.pdf",
		Bytes:        []byte("content"),
	})
	require.NoError(t, err)

	// Oversized and zero requests both collapse to the one-hour ceiling.
	url, err := f.svc.SignedURL(vendorCtx, ev.EvidenceID, 24*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=3600")

	url, err = f.svc.SignedURL(vendorCtx, ev.EvidenceID, 0)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=3600")

	url, err = f.svc.SignedURL(vendorCtx, ev.EvidenceID, 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=600")

	// A configured default tightens the ceiling further.
	f.svc.SetURLTTL(30 * time.Minute)
	url, err = f.svc.SignedURL(vendorCtx, ev.EvidenceID, 2*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=1800")

	// But it can never widen past one hour.
	f.svc.SetURLTTL(48 * time.Hour)
	url, err = f.svc.SignedURL(vendorCtx, ev.EvidenceID, 24*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=3600")
}

func TestConcurrentUploadsVersionContiguously(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, _ := f.newCase(t, vendorCtx)

	const writers = 8
	versions := make(chan int, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
				EvidenceType: cases.EvidenceBankLetterNew,
				Filename:     "letter.pdf",
				Bytes:        []byte{byte(n)},
			})
			if err != nil {
				t.Errorf("upload %d: %v", n, err)
				return
			}
			versions <- ev.Version
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	require.Len(t, seen, writers)
	for v := 1; v <= writers; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}

	// Each version landed under its own storage key.
	assert.Equal(t, writers, f.blobs.Len())

	report, err := f.appender.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, writers, report.Entries)
}

func TestUploadRollsBackBlobOnFailure(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, steps := f.newCase(t, vendorCtx)

	// Point the upload at a step from a different case.
	otherCtx := f.asUser(t, f.client, authz.ContextClient)
	other, otherSteps := func() (*database.Case, []database.ChecklistStep) {
		oc, err := f.cases.CreateCase(otherCtx, cases.CreateCaseInput{
			CaseType: database.CaseOnboarding, Subject: "Onboard", VendorID: f.vendor.VendorID,
		})
		require.NoError(t, err)
		ss, err := f.store.ListChecklistSteps(context.Background(), oc.CaseID)
		require.NoError(t, err)
		return oc, ss
	}()
	_ = other

	_, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
		EvidenceType: cases.EvidenceBankLetterNew,
		StepID:       otherSteps[0].StepID,
		Filename:     "letter.pdf",
		Bytes:        []byte("x"),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	// The orphaned blob was cleaned up and nothing was committed.
	assert.Zero(t, f.blobs.Len())
	list, lerr := f.store.ListEvidence(context.Background(), c.CaseID)
	require.NoError(t, lerr)
	assert.Empty(t, list)
	_, terr := f.store.ChainTail(context.Background())
	assert.ErrorIs(t, terr, apperr.ErrNotFound)

	step, serr := f.store.GetChecklistStep(context.Background(), steps[0].StepID)
	require.NoError(t, serr)
	assert.Equal(t, database.StepPending, step.Status)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, _ := f.newCase(t, vendorCtx)

	_, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{Filename: "x", Bytes: []byte("x")})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err), "missing evidence type")

	_, err = f.svc.Upload(vendorCtx, c.CaseID, UploadInput{EvidenceType: "bank_letter_new"})
	assert.Equal(t, apperr.Validation, apperr.KindOf(err), "empty file")

	_, err = f.svc.Upload(vendorCtx, "CASE-NOPE0000", UploadInput{
		EvidenceType: "bank_letter_new", Bytes: []byte("x"),
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSignedURLAppendsDownloadEntry(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	c, _ := f.newCase(t, vendorCtx)

	ev, err := f.svc.Upload(vendorCtx, c.CaseID, UploadInput{
		EvidenceType: cases.EvidenceBankLetterNew,
		Filename:     "letter.pdf",
		Bytes:        []byte("content"),
	})
	require.NoError(t, err)

	url, err := f.svc.SignedURL(vendorCtx, ev.EvidenceID, 24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	tail, err := f.store.ChainTail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DOWNLOAD", tail.Metadata["action"])
	assert.Equal(t, ev.EvidenceID, tail.DocumentID)
	assert.EqualValues(t, 2, tail.SequenceID)

	// Entry appended even for download, chain stays valid.
	report, err := f.appender.VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)

	// Out-of-scope callers get a uniform not-found.
	other := &database.Tenant{
		TenantID: "TNT-BAR10001", ClientID: "TC-BAR10001", VendorID: "TV-BAR10001",
		Name: "Bar", Status: database.TenantActive,
	}
	require.NoError(t, f.store.CreateTenant(context.Background(), other))
	otherCtx := f.asUser(t, other, authz.ContextVendor)
	_, err = f.svc.SignedURL(otherCtx, ev.EvidenceID, time.Minute)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStepDecisions(t *testing.T) {
	f := newFixture(t)
	vendorCtx := f.asUser(t, f.vendor, authz.ContextVendor)
	clientCtx := f.asUser(t, f.client, authz.ContextClient)
	c, steps := f.newCase(t, vendorCtx)

	_, err := f.svc.VerifyStep(vendorCtx, steps[0].StepID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.RejectStep(clientCtx, steps[0].StepID, "")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err), "reject needs a reason")

	step, err := f.svc.RejectStep(clientCtx, steps[0].StepID, "stamp missing")
	require.NoError(t, err)
	assert.Equal(t, database.StepRejected, step.Status)
	assert.Equal(t, "stamp missing", step.WaivedReason)

	access, err := authz.AccessFrom(clientCtx)
	require.NoError(t, err)
	got, err := f.store.GetCase(context.Background(), access, c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusWaitingSupplier, got.Status, "rejection bounces the case back")

	_, err = f.svc.VerifyStep(clientCtx, steps[0].StepID, "fixed")
	require.NoError(t, err)
	step, err = f.svc.WaiveStep(clientCtx, steps[1].StepID, "covered by existing mandate")
	require.NoError(t, err)
	assert.Equal(t, database.StepWaived, step.Status)

	got, err = f.store.GetCase(context.Background(), access, c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusResolved, got.Status, "all steps verified or waived")

	activity, err := f.store.ListActivity(context.Background(), c.CaseID)
	require.NoError(t, err)
	require.Len(t, activity, 3)
	assert.Equal(t, database.DecisionReject, activity[0].DecisionType)
	assert.Equal(t, database.DecisionVerify, activity[1].DecisionType)
	assert.Equal(t, database.DecisionWaive, activity[2].DecisionType)
}

func TestChainAppendRetriesOnConflict(t *testing.T) {
	f := newFixture(t)

	// Simulate a racing writer by pre-inserting an entry the appender will
	// collide with on its first attempt.
	ctx := context.Background()
	first, err := f.appender.AppendNew(ctx, chain.Draft{
		DocumentID: "EVD-A", UserID: "USR-1", PayloadHash: chain.HashPayload([]byte("a")),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, first.SequenceID)

	second, err := f.appender.AppendNew(ctx, chain.Draft{
		DocumentID: "EVD-B", UserID: "USR-1", PayloadHash: chain.HashPayload([]byte("b")),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.SequenceID)
	assert.Equal(t, first.ChainHash, second.PreviousHash)

	report, err := f.appender.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.EqualValues(t, 2, report.Entries)
}

func TestAppendNewFailsOutsideTxWrapper(t *testing.T) {
	f := newFixture(t)
	// LockChain outside a transaction is a programming error the memory
	// store surfaces loudly.
	err := f.store.LockChain(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
}
