package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/cases"
	"github.com/vendornexus/backend/internal/chain"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/evidence"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/messaging"
	"github.com/vendornexus/backend/internal/metrics"
	"github.com/vendornexus/backend/internal/notify"
	"github.com/vendornexus/backend/internal/ops"
	"github.com/vendornexus/backend/internal/storage"
	"github.com/vendornexus/backend/internal/tenancy"
	"github.com/vendornexus/backend/internal/webhooks"
)

type apiFixture struct {
	ts    *httptest.Server
	store *database.Memory
	blobs *storage.Memory
	auth  *auth.Service

	clientToken   string
	vendorToken   string
	internalToken string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	clock := &ids.FixedClock{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := database.NewMemory(clock)
	blobs := storage.NewMemory()
	m := metrics.New(prometheus.NewRegistry())
	bus := events.NewBus()

	cfg := &config.Config{
		Env:           "test",
		Port:          0,
		BaseURL:       "http://localhost:8080",
		KDFWorkFactor: bcrypt.MinCost,
		SessionTTL:    24 * time.Hour,
		InviteTTL:     72 * time.Hour,
		Tuning: config.Tuning{
			ShutdownGraceSeconds: 1,
			DBCallTimeoutSeconds: 5,
			LoginRatePerMinute:   100,
			KDFConcurrency:       2,
			PageLimitDefault:     20,
			PageLimitMax:         100,
		},
	}

	authSvc := auth.NewService(store, clock, cfg)
	notifySvc := notify.NewService(store, clock, nil, nil, m)
	hub := notify.NewHub(nil, false, m)
	tenancySvc := tenancy.NewService(store, authSvc, notifySvc, bus, clock, cfg)
	caseSvc := cases.NewService(store, notifySvc, bus, clock, m)
	msgSvc := messaging.NewService(store, notifySvc, bus, clock)
	appender := chain.NewAppender(store, clock, m)
	evidenceSvc := evidence.NewService(store, blobs, appender, caseSvc, notifySvc, bus, clock, m)

	srv := NewServer(Deps{
		Config:    cfg,
		Store:     store,
		Blobs:     blobs,
		Auth:      authSvc,
		Tenancy:   tenancySvc,
		Cases:     caseSvc,
		Messaging: msgSvc,
		Evidence:  evidenceSvc,
		Notify:    notifySvc,
		Hub:       hub,
		Ops:       ops.NewService(store),
		Webhooks:  webhooks.NewRegistry(store, clock),
		Appender:  appender,
		Metrics:   m,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	client := &database.Tenant{
		TenantID: "TNT-ACME0001", ClientID: "TC-ACME0001", VendorID: "TV-ACME0001",
		Name: "Acme", Status: database.TenantActive,
	}
	vendor := &database.Tenant{
		TenantID: "TNT-FOO10001", ClientID: "TC-FOO10001", VendorID: "TV-FOO10001",
		Name: "Foo Ltd", Status: database.TenantActive, OnboardingStatus: database.OnboardingPending,
	}
	internal := &database.Tenant{
		TenantID: "TNT-NEXUS001", ClientID: "TC-NEXUS001", VendorID: "TV-NEXUS001",
		Name: "Nexus Ops", Status: database.TenantActive,
	}
	require.NoError(t, store.CreateTenant(ctx, client))
	require.NoError(t, store.CreateTenant(ctx, vendor))
	require.NoError(t, store.CreateTenant(ctx, internal))
	require.NoError(t, store.CreateRelationship(ctx, &database.Relationship{
		RelationshipID: "REL-00000001",
		ClientID:       client.ClientID,
		VendorID:       vendor.VendorID,
		Status:         database.RelationshipActive,
	}))

	f := &apiFixture{ts: ts, store: store, blobs: blobs, auth: authSvc}
	f.clientToken = seedLogin(t, ts, store, authSvc, client.TenantID, "buyer@acme.test", "member", "")
	f.vendorToken = seedLogin(t, ts, store, authSvc, vendor.TenantID, "sales@foo.test", "member", "")
	f.internalToken = seedLogin(t, ts, store, authSvc, internal.TenantID, "ops@nexus.test", "internal", "super")
	return f
}

func seedLogin(t *testing.T, ts *httptest.Server, store *database.Memory, authSvc *auth.Service, tenantID, email, role, scopeType string) string {
	t.Helper()
	ctx := context.Background()
	hash, err := authSvc.HashPassword(ctx, "correct-horse")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, &database.User{
		UserID:       "USR-" + email[:4],
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		ScopeType:    scopeType,
		IsActive:     true,
	}))

	status, body := doJSON(t, ts, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"email": email, "password": "correct-horse"})
	require.Equal(t, http.StatusOK, status, "login %s: %v", email, body)
	token, _ := body["sessionToken"].(string)
	require.NotEmpty(t, token)
	return token
}

// doJSON fires a request and decodes the JSON response. A nil body sends no
// payload; a non-2xx status still decodes the error envelope.
func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "response body: %s", raw)
	}
	return resp.StatusCode, out
}

// inviteToken pulls the raw token out of the invite URL, since the token
// itself is never serialized on the invite record.
func inviteToken(t *testing.T, created map[string]any) string {
	t.Helper()
	tokenURL, _ := created["tokenUrl"].(string)
	require.NotEmpty(t, tokenURL)
	trimmed := strings.TrimSuffix(tokenURL, "/accept")
	token := trimmed[strings.LastIndex(trimmed, "/")+1:]
	require.NotEmpty(t, token)
	return token
}

func errKind(body map[string]any) string {
	env, _ := body["error"].(map[string]any)
	kind, _ := env["kind"].(string)
	return kind
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	status, body := doJSON(t, f.ts, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	checks, _ := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	status, body := doJSON(t, f.ts, http.MethodPost, "/api/v1/auth/login", "",
		map[string]any{"email": "buyer@acme.test", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", errKind(body))
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	status, body := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", errKind(body))

	status, _ = doJSON(t, f.ts, http.MethodGet, "/api/v1/cases", "not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestUnknownBodyFieldIsValidationError(t *testing.T) {
	f := newAPIFixture(t)
	status, body := doJSON(t, f.ts, http.MethodPost, "/api/v1/cases", f.clientToken,
		map[string]any{"caseType": "general", "subjectt": "typo"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION", errKind(body))
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/cases", f.clientToken, map[string]any{
		"caseType": "onboarding",
		"subject":  "Onboard Foo Ltd",
		"vendorId": "TV-FOO10001",
	})
	require.Equal(t, http.StatusCreated, status, "create: %v", created)
	caseID, _ := created["caseId"].(string)
	require.NotEmpty(t, caseID)
	assert.Equal(t, "open", created["status"])

	status, list := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases?status=open", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, list["total"])

	// The counterpart vendor sees the same case.
	status, _ = doJSON(t, f.ts, http.MethodGet, "/api/v1/cases/"+caseID, f.vendorToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, msg := doJSON(t, f.ts, http.MethodPost, "/api/v1/cases/"+caseID+"/messages", f.vendorToken,
		map[string]any{"body": "Documents on the way."})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "vendor", msg["senderContext"])

	status, thread := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases/"+caseID+"/messages", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, thread["count"])
}

// A case outside the caller's scope answers exactly like a case that does
// not exist, so probing for foreign identifiers yields nothing.
func TestForeignCaseIndistinguishableFromMissing(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/cases", f.clientToken, map[string]any{
		"caseType": "general",
		"subject":  "Internal pricing discussion",
		"vendorId": "TV-FOO10001",
	})
	require.Equal(t, http.StatusCreated, status)
	caseID := created["caseId"].(string)

	// A tenant with no relationship to either party.
	ctx := context.Background()
	ghost := &database.Tenant{
		TenantID: "TNT-GHOST001", ClientID: "TC-GHOST001", VendorID: "TV-GHOST001",
		Name: "Ghost Corp", Status: database.TenantActive,
	}
	require.NoError(t, f.store.CreateTenant(ctx, ghost))
	ghostToken := seedLogin(t, f.ts, f.store, f.auth, ghost.TenantID, "ceo@ghost.test", "member", "")

	statusMissing, bodyMissing := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases/CASE-NOPE0001", ghostToken, nil)
	statusForeign, bodyForeign := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases/"+caseID, ghostToken, nil)

	assert.Equal(t, http.StatusNotFound, statusMissing)
	assert.Equal(t, http.StatusNotFound, statusForeign)
	assert.Equal(t, "NOT_FOUND", errKind(bodyMissing))
	assert.Equal(t, errKind(bodyMissing), errKind(bodyForeign))

	// Super-scoped internal users are the exception.
	statusInternal, _ := doJSON(t, f.ts, http.MethodGet, "/api/v1/cases/"+caseID, f.internalToken, nil)
	assert.Equal(t, http.StatusOK, statusInternal)
}

func TestEvidenceUploadOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/cases", f.clientToken, map[string]any{
		"caseType": "onboarding",
		"subject":  "Onboard Foo Ltd",
		"vendorId": "TV-FOO10001",
	})
	require.Equal(t, http.StatusCreated, status)
	caseID := created["caseId"].(string)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("evidenceType", "bank_letter"))
	part, err := mw.CreateFormFile("file", "bank letter.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/cases/"+caseID+"/evidence", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+f.vendorToken)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var ev map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	require.Equal(t, http.StatusCreated, resp.StatusCode, "upload: %v", ev)
	assert.EqualValues(t, 1, ev["version"])
	assert.Equal(t, 1, f.blobs.Len())

	evidenceID := ev["evidenceId"].(string)
	status, urlBody := doJSON(t, f.ts, http.MethodGet, "/api/v1/evidence/"+evidenceID+"/url", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, urlBody["url"])
}

func TestWebhookRegistrationAndChainVerify(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/webhooks", f.clientToken, map[string]any{
		"url":    "https://hooks.acme.test/nexus",
		"events": []string{"case.created"},
	})
	require.Equal(t, http.StatusCreated, status, "register: %v", created)
	assert.NotEmpty(t, created["secret"], "secret is returned exactly once")
	hook := created["webhook"].(map[string]any)
	hookID := hook["webhookId"].(string)

	status, listed := doJSON(t, f.ts, http.MethodGet, "/api/v1/webhooks", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, listed["count"])

	status, _ = doJSON(t, f.ts, http.MethodDelete, "/api/v1/webhooks/"+hookID, f.clientToken, nil)
	assert.Equal(t, http.StatusNoContent, status)

	// Chain verification is an internal-only surface.
	status, body := doJSON(t, f.ts, http.MethodGet, "/api/v1/chain/verify", f.clientToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errKind(body))

	status, report := doJSON(t, f.ts, http.MethodGet, "/api/v1/chain/verify", f.internalToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, report["valid"])
}

func TestContextSwitching(t *testing.T) {
	f := newAPIFixture(t)

	status, body := doJSON(t, f.ts, http.MethodGet, "/api/v1/me/contexts", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "client", body["activeContext"])

	// Acme is also registered as a vendor, so the switch is permitted even
	// though no vendor relationship exists yet.
	status, switched := doJSON(t, f.ts, http.MethodPost, "/api/v1/me/context", f.clientToken,
		map[string]any{"context": "vendor"})
	require.Equal(t, http.StatusOK, status, "switch: %v", switched)
	assert.Equal(t, "vendor", switched["activeContext"])

	// Non-internal users cannot enter the internal context.
	status, denied := doJSON(t, f.ts, http.MethodPost, "/api/v1/me/context", f.vendorToken,
		map[string]any{"context": "internal"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errKind(denied))
}

func TestNotificationEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	status, counts := doJSON(t, f.ts, http.MethodGet, "/api/v1/notifications/unread-count", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, counts["total"])

	status, listed := doJSON(t, f.ts, http.MethodGet, "/api/v1/notifications?unreadOnly=true", f.clientToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, listed["count"])
}

func TestOpsSurfacesRequireInternalContext(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/api/v1/ops/dashboard", "/api/v1/ops/case-queue", "/api/v1/ops/vendors", "/api/v1/ops/org-tree"} {
		status, body := doJSON(t, f.ts, http.MethodGet, path, f.clientToken, nil)
		assert.Equal(t, http.StatusForbidden, status, path)
		assert.Equal(t, "FORBIDDEN", errKind(body), path)
	}

	status, dash := doJSON(t, f.ts, http.MethodGet, "/api/v1/ops/dashboard", f.internalToken, nil)
	require.Equal(t, http.StatusOK, status, "dashboard: %v", dash)
	assert.Equal(t, "super", dash["scopeType"])
}

func TestInvitePreviewIsPublicAndManagementIsNot(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/invites", f.clientToken, map[string]any{
		"email":      "new@supplier.test",
		"vendorName": "New Supplier GmbH",
	})
	require.Equal(t, http.StatusCreated, status, "invite: %v", created)
	token := inviteToken(t, created)

	// Preview needs no session.
	status, preview := doJSON(t, f.ts, http.MethodGet, "/api/v1/invites/"+token, "", nil)
	require.Equal(t, http.StatusOK, status, "preview: %v", preview)
	assert.Equal(t, "new@supplier.test", preview["inviteeEmail"])

	// Creating invites does.
	status, _ = doJSON(t, f.ts, http.MethodPost, "/api/v1/invites", "", map[string]any{"email": "x@y.test"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAcceptInviteCreatesVendorSession(t *testing.T) {
	f := newAPIFixture(t)

	status, created := doJSON(t, f.ts, http.MethodPost, "/api/v1/invites", f.clientToken, map[string]any{
		"email":      "founder@bar.test",
		"vendorName": "Bar Logistics",
	})
	require.Equal(t, http.StatusCreated, status)
	token := inviteToken(t, created)

	status, accepted := doJSON(t, f.ts, http.MethodPost, fmt.Sprintf("/api/v1/invites/%s/accept", token), "", map[string]any{
		"vendor": map[string]any{"name": "Bar Logistics", "email": "founder@bar.test"},
		"user":   map[string]any{"displayName": "Pat Founder", "password": "s3cret-enough"},
	})
	require.Equal(t, http.StatusCreated, status, "accept: %v", accepted)
	require.NotEmpty(t, accepted["sessionToken"])

	// The minted session is immediately usable in vendor context.
	sessionToken := accepted["sessionToken"].(string)
	status, contexts := doJSON(t, f.ts, http.MethodGet, "/api/v1/me/contexts", sessionToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "vendor", contexts["activeContext"])
}
