package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/ids"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: 3,
		logger:    log.New(log.Writer(), "", 0),
	}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("1.2.3.4"))
	}
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("1.2.3.4"), "window resets")
}

func TestRateLimiterMiddlewareEnvelope(t *testing.T) {
	rl := NewRateLimiter(1)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Kind)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:9999"
	assert.Equal(t, "192.0.2.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestIsPublic(t *testing.T) {
	pub := func(method, path string) bool {
		return isPublic(httptest.NewRequest(method, path, nil))
	}
	assert.True(t, pub(http.MethodPost, "/api/v1/auth/login"))
	assert.True(t, pub(http.MethodGet, "/health"))
	assert.True(t, pub(http.MethodGet, "/api/v1/invites/a1b2c3"))
	assert.True(t, pub(http.MethodPost, "/api/v1/invites/a1b2c3/accept"))

	assert.False(t, pub(http.MethodPost, "/api/v1/invites"))
	assert.False(t, pub(http.MethodDelete, "/api/v1/invites/INV-00000001"))
	assert.False(t, pub(http.MethodGet, "/api/v1/cases"))
}

func TestAuthenticateInjectsPrincipal(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	clock := &ids.FixedClock{T: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := database.NewMemory(clock)
	cfg := &config.Config{
		KDFWorkFactor: bcrypt.MinCost,
		SessionTTL:    24 * time.Hour,
		Tuning:        config.Tuning{KDFConcurrency: 2},
	}
	authSvc := auth.NewService(store, clock, cfg)

	tenant := &database.Tenant{
		TenantID: "TNT-ACME0001", ClientID: "TC-ACME0001", VendorID: "TV-ACME0001",
		Name: "Acme", Status: database.TenantActive,
	}
	require.NoError(t, store.CreateTenant(ctx, tenant))
	hash, err := authSvc.HashPassword(ctx, "correct-horse")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, &database.User{
		UserID: "USR-JANE0001", TenantID: tenant.TenantID,
		Email: "jane@acme.test", PasswordHash: hash, Role: "member", IsActive: true,
	}))

	res, err := authSvc.Login(ctx, "jane@acme.test", "correct-horse")
	require.NoError(t, err)

	var seen *authz.Principal
	r := mux.NewRouter()
	r.Use(Authenticate(authSvc, authz.NewResolver(store)))
	r.HandleFunc("/api/v1/me", func(w http.ResponseWriter, req *http.Request) {
		seen, _ = authz.PrincipalFrom(req.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.Token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "USR-JANE0001", seen.UserID)

	// Missing and garbage tokens are both 401.
	for _, header := range []string{"", "Bearer deadbeef"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}
