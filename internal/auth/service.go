package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/config"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/ids"
)

const resetTTL = time.Hour

// Service owns sessions and credentials.
type Service struct {
	store  database.Store
	clock  ids.Clock
	logger *log.Logger

	sessionTTL time.Duration
	workFactor int
	jwtSecret  []byte

	// kdfSem caps concurrent bcrypt work so a login burst cannot starve
	// the process of CPU.
	kdfSem chan struct{}

	// dummyHash is compared against for unknown emails so the response
	// time does not reveal whether an account exists.
	dummyHash []byte
}

// LoginResult is what every credential pathway mints.
type LoginResult struct {
	Token   string            `json:"sessionToken"`
	User    *database.User    `json:"user"`
	Session *database.Session `json:"session"`
	Tenant  *database.Tenant  `json:"tenant"`
}

// NewService wires the auth service. The dummy hash is generated once at
// startup at the configured work factor.
func NewService(store database.Store, clock ids.Clock, cfg *config.Config) *Service {
	concurrency := cfg.Tuning.KDFConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(NewToken()), cfg.KDFWorkFactor)
	if err != nil {
		panic("auth: generating dummy hash: " + err.Error())
	}
	return &Service{
		store:      store,
		clock:      clock,
		logger:     log.New(log.Writer(), "[Auth] ", log.LstdFlags),
		sessionTTL: cfg.SessionTTL,
		workFactor: cfg.KDFWorkFactor,
		jwtSecret:  []byte(cfg.OAuthJWTSecret),
		kdfSem:     make(chan struct{}, concurrency),
		dummyHash:  dummy,
	}
}

// HashPassword derives the at-rest form of a password under the KDF
// concurrency cap.
func (s *Service) HashPassword(ctx context.Context, password string) (string, error) {
	if err := s.acquireKDF(ctx); err != nil {
		return "", err
	}
	defer s.releaseKDF()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.workFactor)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) acquireKDF(ctx context.Context) error {
	select {
	case s.kdfSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(ctx.Err(), apperr.Unavailable, "password verification queue full")
	}
}

func (s *Service) releaseKDF() { <-s.kdfSem }

// Login verifies a password and mints a session. Unknown emails and wrong
// passwords are indistinguishable to the caller, in both answer and timing.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		s.burnHash(ctx, password)
		return nil, apperr.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	if err := s.acquireKDF(ctx); err != nil {
		return nil, err
	}
	match := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	s.releaseKDF()
	if match != nil {
		return nil, apperr.ErrUnauthenticated
	}

	return s.mintSession(ctx, user)
}

// MintSession issues a session for an already-authenticated user. Invite
// acceptance uses it so the new owner lands signed in.
func (s *Service) MintSession(ctx context.Context, userID string) (*LoginResult, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.mintSession(ctx, user)
}

// burnHash spends one bcrypt comparison against the dummy hash.
func (s *Service) burnHash(ctx context.Context, password string) {
	if err := s.acquireKDF(ctx); err != nil {
		return
	}
	defer s.releaseKDF()
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

// mintSession runs the checks and context defaulting shared by the password
// and OAuth pathways.
func (s *Service) mintSession(ctx context.Context, user *database.User) (*LoginResult, error) {
	if !user.IsActive {
		return nil, apperr.New(apperr.Forbidden, "account is not active")
	}
	tenant, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: loading tenant %s: %w", user.TenantID, err)
	}
	if tenant.Status != database.TenantActive {
		return nil, apperr.ErrTenantInactive
	}

	activeContext, activeContextID, err := s.defaultContext(ctx, user, tenant)
	if err != nil {
		return nil, err
	}

	token := NewToken()
	now := s.clock.Now()
	session := &database.Session{
		TokenHash:       HashToken(token),
		UserID:          user.UserID,
		TenantID:        user.TenantID,
		ActiveContext:   string(activeContext),
		ActiveContextID: activeContextID,
		ExpiresAt:       now.Add(s.sessionTTL),
		CreatedAt:       now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("auth: creating session: %w", err)
	}
	return &LoginResult{Token: token, User: user, Session: session, Tenant: tenant}, nil
}

// defaultContext picks the context a fresh session starts in: internal for
// ops users, vendor for tenants that only ever act as a vendor, client
// otherwise.
func (s *Service) defaultContext(ctx context.Context, user *database.User, tenant *database.Tenant) (authz.Context, string, error) {
	if user.Role == string(authz.RoleInternal) {
		return authz.ContextInternal, tenant.ClientID, nil
	}
	asClient, err := s.store.ListRelationshipsByClient(ctx, tenant.ClientID)
	if err != nil {
		return "", "", fmt.Errorf("auth: listing client relationships: %w", err)
	}
	if len(asClient) > 0 {
		return authz.ContextClient, tenant.ClientID, nil
	}
	asVendor, err := s.store.ListRelationshipsByVendor(ctx, tenant.VendorID)
	if err != nil {
		return "", "", fmt.Errorf("auth: listing vendor relationships: %w", err)
	}
	if len(asVendor) > 0 {
		return authz.ContextVendor, tenant.VendorID, nil
	}
	return authz.ContextClient, tenant.ClientID, nil
}

// Resolve turns a bearer token into the caller's Principal.
func (s *Service) Resolve(ctx context.Context, token string) (*authz.Principal, error) {
	p, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	// Internal context is unusable until ops assigns the user a scope.
	if p.ActiveContext == authz.ContextInternal && p.ScopeType == "" {
		return nil, fmt.Errorf("auth: user %s: %w", p.UserID, apperr.ErrContextMissing)
	}
	return p, nil
}

func (s *Service) resolve(ctx context.Context, token string) (*authz.Principal, error) {
	session, err := s.store.GetSession(ctx, HashToken(token))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if session.RevokedAt != nil || !now.Before(session.ExpiresAt) {
		return nil, apperr.ErrUnauthenticated
	}

	user, err := s.store.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, apperr.ErrUnauthenticated
	}
	if !user.IsActive {
		return nil, apperr.New(apperr.Forbidden, "account is not active")
	}
	tenant, err := s.store.GetTenant(ctx, user.TenantID)
	if err != nil {
		return nil, fmt.Errorf("auth: loading tenant %s: %w", user.TenantID, err)
	}
	if tenant.Status != database.TenantActive {
		return nil, apperr.ErrTenantInactive
	}

	return &authz.Principal{
		UserID:      user.UserID,
		TenantID:    user.TenantID,
		ClientID:    tenant.ClientID,
		VendorID:    tenant.VendorID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        authz.Role(user.Role),
		ScopeType:   authz.ScopeType(user.ScopeType),
		ScopeID:     user.ScopeID,

		ActiveContext:   authz.Context(session.ActiveContext),
		ActiveContextID: session.ActiveContextID,
	}, nil
}

// SwitchContext re-points an existing session at another role. Internal
// context is reserved for internal-role users.
func (s *Service) SwitchContext(ctx context.Context, token string, target authz.Context) (*authz.Principal, error) {
	if !target.Valid() {
		return nil, apperr.Newf(apperr.Validation, "unknown context %q", target)
	}
	// The scopeless-internal check is skipped here so such users can
	// still switch back to a usable context.
	p, err := s.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	var contextID string
	switch target {
	case authz.ContextInternal:
		if p.Role != authz.RoleInternal {
			return nil, apperr.ErrForbidden
		}
		contextID = p.ClientID
	case authz.ContextClient:
		contextID = p.ClientID
	case authz.ContextVendor:
		contextID = p.VendorID
	}

	if err := s.store.UpdateSessionContext(ctx, HashToken(token), string(target), contextID); err != nil {
		return nil, fmt.Errorf("auth: switching context: %w", err)
	}
	p.ActiveContext = target
	p.ActiveContextID = contextID
	return p, nil
}

// Logout revokes the session. Unknown tokens are a no-op so logout is
// idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	err := s.store.RevokeSession(ctx, HashToken(token))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// OAuthExchange validates an HS256 ID token and mints a session. Users are
// matched by external auth ID, falling back to email; the first exchange
// binds the external ID to the account.
func (s *Service) OAuthExchange(ctx context.Context, idToken string) (*LoginResult, error) {
	if len(s.jwtSecret) == 0 {
		return nil, apperr.New(apperr.Precondition, "oauth exchange is not configured")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.Unauthenticated, "invalid id token")
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" || email == "" {
		return nil, apperr.New(apperr.Unauthenticated, "id token missing sub or email")
	}

	user, err := s.store.GetUserByExternalAuthID(ctx, sub)
	if errors.Is(err, apperr.ErrNotFound) {
		user, err = s.store.GetUserByEmail(ctx, email)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrUnauthenticated
		}
		if err != nil {
			return nil, err
		}
		if user.ExternalAuthID != "" && user.ExternalAuthID != sub {
			return nil, apperr.New(apperr.Conflict, "account is bound to another identity")
		}
		if err := s.store.UpdateUserExternalAuth(ctx, user.UserID, sub); err != nil {
			return nil, fmt.Errorf("auth: binding external identity: %w", err)
		}
		user.ExternalAuthID = sub
	} else if err != nil {
		return nil, err
	}

	return s.mintSession(ctx, user)
}

// RequestPasswordReset issues a one-hour reset token. The empty-token
// return for unknown emails is deliberate: callers answer 202 either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	token := NewToken()
	now := s.clock.Now()
	pr := &database.PasswordReset{
		TokenHash: HashToken(token),
		UserID:    user.UserID,
		ExpiresAt: now.Add(resetTTL),
		CreatedAt: now,
	}
	if err := s.store.CreatePasswordReset(ctx, pr); err != nil {
		return "", fmt.Errorf("auth: creating password reset: %w", err)
	}
	return token, nil
}

// ConfirmPasswordReset consumes a reset token and installs the new
// password. The token is single use.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return apperr.New(apperr.Validation, "password must be at least 8 characters")
	}
	pr, err := s.store.ConsumePasswordReset(ctx, HashToken(token))
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.New(apperr.Validation, "reset token is invalid or expired")
	}
	if err != nil {
		return err
	}
	hash, err := s.HashPassword(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserPassword(ctx, pr.UserID, hash); err != nil {
		return fmt.Errorf("auth: updating password: %w", err)
	}
	return nil
}

// SweepExpiredSessions deletes expired session rows once.
func (s *Service) SweepExpiredSessions(ctx context.Context) {
	n, err := s.store.DeleteExpiredSessions(ctx)
	if err != nil {
		s.logger.Printf("session sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("swept %d expired sessions", n)
	}
}

// RunSweeper sweeps expired sessions on an interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpiredSessions(ctx)
		}
	}
}
