package database

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/ids"
)

// Memory is the in-memory Store used by tests and local development. It
// mirrors the Postgres semantics: soft-delete filtering, unique-key
// conflicts, scoped reads, and transactional rollback. A single mutex
// serializes transactions, which also satisfies the per-case and chain
// single-writer guarantees.
type Memory struct {
	s    *memState
	inTx bool
}

type memState struct {
	mu    chanMutex
	clock ids.Clock

	tenants       map[string]Tenant
	companies     map[string]Company
	users         map[string]User
	relationships map[string]Relationship
	invites       map[string]Invite
	sessions      map[string]Session
	resets        map[string]PasswordReset
	cases         map[string]Case
	steps         map[string]ChecklistStep
	evidence      map[string]Evidence
	messages      []Message
	activity      []Activity
	notifications map[string]Notification
	chain         []ChainEntry
	invoices      map[string]Invoice
	payments      map[string]Payment
	webhooks      map[string]Webhook
	messageSeq    int64
}

// chanMutex is a context-aware mutex so canceled callers do not block on a
// long transaction.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { m <- struct{}{} }

// NewMemory builds an empty in-memory store.
func NewMemory(clock ids.Clock) *Memory {
	return &Memory{s: &memState{
		mu:            newChanMutex(),
		clock:         clock,
		tenants:       map[string]Tenant{},
		companies:     map[string]Company{},
		users:         map[string]User{},
		relationships: map[string]Relationship{},
		invites:       map[string]Invite{},
		sessions:      map[string]Session{},
		resets:        map[string]PasswordReset{},
		cases:         map[string]Case{},
		steps:         map[string]ChecklistStep{},
		evidence:      map[string]Evidence{},
		notifications: map[string]Notification{},
		invoices:      map[string]Invoice{},
		payments:      map[string]Payment{},
		webhooks:      map[string]Webhook{},
	}}
}

func (m *Memory) lock(ctx context.Context) (func(), error) {
	if m.inTx {
		return func() {}, nil
	}
	if err := m.s.mu.lock(ctx); err != nil {
		return nil, err
	}
	return m.s.mu.unlock, nil
}

func (m *Memory) now() time.Time { return m.s.clock.Now() }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Tx serializes against all other transactions and rolls the state back
// when fn fails.
func (m *Memory) Tx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := m.s.mu.lock(ctx); err != nil {
		return err
	}
	defer m.s.mu.unlock()

	snap := m.s.snapshot()
	if err := fn(&Memory{s: m.s, inTx: true}); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

// LockCase is a no-op inside Tx: the transaction mutex already serializes
// all case mutations.
func (m *Memory) LockCase(ctx context.Context, caseID string) error {
	if !m.inTx {
		return apperr.New(apperr.Internal, "case lock outside transaction")
	}
	return ctx.Err()
}

func (m *Memory) LockChain(ctx context.Context) error {
	if !m.inTx {
		return apperr.New(apperr.Internal, "chain lock outside transaction")
	}
	return ctx.Err()
}

func (s *memState) snapshot() *memState {
	snap := &memState{
		tenants:       copyMap(s.tenants),
		companies:     copyMap(s.companies),
		users:         copyMap(s.users),
		relationships: copyMap(s.relationships),
		invites:       copyMap(s.invites),
		sessions:      copyMap(s.sessions),
		resets:        copyMap(s.resets),
		cases:         copyMap(s.cases),
		steps:         copyMap(s.steps),
		evidence:      copyMap(s.evidence),
		messages:      append([]Message(nil), s.messages...),
		activity:      append([]Activity(nil), s.activity...),
		notifications: copyMap(s.notifications),
		chain:         append([]ChainEntry(nil), s.chain...),
		invoices:      copyMap(s.invoices),
		payments:      copyMap(s.payments),
		webhooks:      copyMap(s.webhooks),
		messageSeq:    s.messageSeq,
	}
	return snap
}

func (s *memState) restore(snap *memState) {
	s.tenants, s.companies, s.users = snap.tenants, snap.companies, snap.users
	s.relationships, s.invites, s.sessions, s.resets = snap.relationships, snap.invites, snap.sessions, snap.resets
	s.cases, s.steps, s.evidence = snap.cases, snap.steps, snap.evidence
	s.messages, s.activity = snap.messages, snap.activity
	s.notifications, s.chain = snap.notifications, snap.chain
	s.invoices, s.payments, s.webhooks = snap.invoices, snap.payments, snap.webhooks
	s.messageSeq = snap.messageSeq
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func conflict(what string) error {
	return apperr.Newf(apperr.Conflict, "%s already exists", what)
}

// ---------------------------------------------------------------------------
// Tenants & companies
// ---------------------------------------------------------------------------

func (m *Memory) CreateTenant(ctx context.Context, t *Tenant) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.tenants[t.TenantID]; ok {
		return conflict("tenant")
	}
	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	m.s.tenants[t.TenantID] = *t
	return nil
}

func (m *Memory) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	return m.findTenant(ctx, func(t Tenant) bool { return t.TenantID == tenantID })
}

func (m *Memory) GetTenantByClientID(ctx context.Context, clientID string) (*Tenant, error) {
	return m.findTenant(ctx, func(t Tenant) bool { return t.ClientID == clientID })
}

func (m *Memory) GetTenantByVendorID(ctx context.Context, vendorID string) (*Tenant, error) {
	return m.findTenant(ctx, func(t Tenant) bool { return t.VendorID == vendorID })
}

func (m *Memory) findTenant(ctx context.Context, match func(Tenant) bool) (*Tenant, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, t := range m.s.tenants {
		if t.DeletedAt == nil && match(t) {
			out := t
			return &out, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *Memory) UpdateTenantStatus(ctx context.Context, tenantID, status, onboardingStatus string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	t, ok := m.s.tenants[tenantID]
	if !ok || t.DeletedAt != nil {
		return apperr.ErrNotFound
	}
	t.Status, t.OnboardingStatus, t.UpdatedAt = status, onboardingStatus, m.now()
	m.s.tenants[tenantID] = t
	return nil
}

func (m *Memory) CreateCompany(ctx context.Context, c *Company) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.companies[c.CompanyID]; ok {
		return conflict("company")
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.s.companies[c.CompanyID] = *c
	return nil
}

func (m *Memory) GetCompany(ctx context.Context, companyID string) (*Company, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	c, ok := m.s.companies[companyID]
	if !ok || c.DeletedAt != nil {
		return nil, apperr.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) ListCompanies(ctx context.Context, tenantID string) ([]Company, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Company
	for _, c := range m.s.companies {
		if c.DeletedAt == nil && c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// authz.ScopeSource
// ---------------------------------------------------------------------------

func (m *Memory) ListCompanyIDs(ctx context.Context, tenantID string) ([]string, error) {
	companies, err := m.ListCompanies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(companies))
	for _, c := range companies {
		out = append(out, c.CompanyID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListCompanyIDsByGroup(ctx context.Context, tenantID, groupID string) ([]string, error) {
	companies, err := m.ListCompanies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range companies {
		if c.GroupID == groupID {
			out = append(out, c.CompanyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListVendorIDsForClient(ctx context.Context, clientID string) ([]string, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []string
	for _, r := range m.s.relationships {
		if r.ClientID == clientID && r.Status == RelationshipActive {
			out = append(out, r.VendorID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListVendorIDsForCompanies(ctx context.Context, clientID string, companyIDs []string) ([]string, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	allowed := map[string]bool{}
	for _, id := range companyIDs {
		allowed[id] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range m.s.relationships {
		if r.ClientID != clientID || r.Status != RelationshipActive {
			continue
		}
		for _, companyID := range r.CompanyIDs {
			if allowed[companyID] && !seen[r.VendorID] {
				seen[r.VendorID] = true
				out = append(out, r.VendorID)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (m *Memory) CreateUser(ctx context.Context, u *User) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range m.s.users {
		if existing.DeletedAt == nil && strings.EqualFold(existing.Email, u.Email) {
			return conflict("user email")
		}
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.s.users[u.UserID] = *u
	return nil
}

func (m *Memory) GetUser(ctx context.Context, userID string) (*User, error) {
	return m.findUser(ctx, func(u User) bool { return u.UserID == userID })
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return m.findUser(ctx, func(u User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *Memory) GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*User, error) {
	if externalAuthID == "" {
		return nil, apperr.ErrNotFound
	}
	return m.findUser(ctx, func(u User) bool { return u.ExternalAuthID == externalAuthID })
}

func (m *Memory) findUser(ctx context.Context, match func(User) bool) (*User, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, u := range m.s.users {
		if u.DeletedAt == nil && match(u) {
			out := u
			return &out, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *Memory) ListUsersByTenant(ctx context.Context, tenantID string) ([]User, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []User
	for _, u := range m.s.users {
		if u.DeletedAt == nil && u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	return m.mutateUser(ctx, userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (m *Memory) UpdateUserExternalAuth(ctx context.Context, userID, externalAuthID string) error {
	return m.mutateUser(ctx, userID, func(u *User) { u.ExternalAuthID = externalAuthID })
}

func (m *Memory) mutateUser(ctx context.Context, userID string, mutate func(*User)) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	u, ok := m.s.users[userID]
	if !ok || u.DeletedAt != nil {
		return apperr.ErrNotFound
	}
	mutate(&u)
	u.UpdatedAt = m.now()
	m.s.users[userID] = u
	return nil
}

func (m *Memory) ActivateTenantUsers(ctx context.Context, tenantID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	now := m.now()
	for id, u := range m.s.users {
		if u.DeletedAt == nil && u.TenantID == tenantID {
			u.IsActive = true
			u.UpdatedAt = now
			m.s.users[id] = u
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Relationships & invites
// ---------------------------------------------------------------------------

func (m *Memory) CreateRelationship(ctx context.Context, r *Relationship) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if r.Status == RelationshipActive {
		for _, existing := range m.s.relationships {
			if existing.ClientID == r.ClientID && existing.VendorID == r.VendorID &&
				existing.Status == RelationshipActive {
				return conflict("active relationship")
			}
		}
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.EffectiveFrom.IsZero() {
		r.EffectiveFrom = now
	}
	m.s.relationships[r.RelationshipID] = *r
	return nil
}

func (m *Memory) GetActiveRelationship(ctx context.Context, clientID, vendorID string) (*Relationship, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, r := range m.s.relationships {
		if r.ClientID == clientID && r.VendorID == vendorID && r.Status == RelationshipActive {
			out := r
			return &out, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *Memory) ListRelationshipsByClient(ctx context.Context, clientID string) ([]Relationship, error) {
	return m.listRelationships(ctx, func(r Relationship) bool { return r.ClientID == clientID })
}

func (m *Memory) ListRelationshipsByVendor(ctx context.Context, vendorID string) ([]Relationship, error) {
	return m.listRelationships(ctx, func(r Relationship) bool { return r.VendorID == vendorID })
}

func (m *Memory) listRelationships(ctx context.Context, match func(Relationship) bool) ([]Relationship, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []Relationship
	for _, r := range m.s.relationships {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateInvite(ctx context.Context, inv *Invite) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range m.s.invites {
		if existing.Token == inv.Token {
			return conflict("invite token")
		}
	}
	now := m.now()
	inv.CreatedAt, inv.UpdatedAt = now, now
	m.s.invites[inv.InviteID] = *inv
	return nil
}

func (m *Memory) GetInviteByToken(ctx context.Context, token string) (*Invite, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, inv := range m.s.invites {
		if inv.Token == token {
			out := inv
			return &out, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *Memory) GetPendingInvite(ctx context.Context, invitingClientID, inviteeEmail string) (*Invite, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var latest *Invite
	for _, inv := range m.s.invites {
		if inv.InvitingClientID == invitingClientID &&
			strings.EqualFold(inv.InviteeEmail, inviteeEmail) && inv.Status == InvitePending {
			out := inv
			if latest == nil || out.CreatedAt.After(latest.CreatedAt) {
				latest = &out
			}
		}
	}
	if latest == nil {
		return nil, apperr.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) UpdateInviteStatus(ctx context.Context, inviteID, status, acceptedTenantID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	inv, ok := m.s.invites[inviteID]
	if !ok {
		return apperr.ErrNotFound
	}
	now := m.now()
	inv.Status = status
	inv.UpdatedAt = now
	if status == InviteAccepted {
		inv.AcceptedAt = &now
		inv.AcceptedTenantID = acceptedTenantID
	}
	m.s.invites[inviteID] = inv
	return nil
}

// ---------------------------------------------------------------------------
// Sessions & password resets
// ---------------------------------------------------------------------------

func (m *Memory) CreateSession(ctx context.Context, s *Session) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.sessions[s.TokenHash]; ok {
		return conflict("session")
	}
	s.CreatedAt = m.now()
	m.s.sessions[s.TokenHash] = *s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, tokenHash string) (*Session, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	s, ok := m.s.sessions[tokenHash]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) UpdateSessionContext(ctx context.Context, tokenHash, activeContext, activeContextID string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	s, ok := m.s.sessions[tokenHash]
	if !ok || s.RevokedAt != nil {
		return apperr.ErrNotFound
	}
	s.ActiveContext, s.ActiveContextID = activeContext, activeContextID
	m.s.sessions[tokenHash] = s
	return nil
}

func (m *Memory) RevokeSession(ctx context.Context, tokenHash string) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	s, ok := m.s.sessions[tokenHash]
	if !ok || s.RevokedAt != nil {
		return nil
	}
	now := m.now()
	s.RevokedAt = &now
	m.s.sessions[tokenHash] = s
	return nil
}

func (m *Memory) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	now := m.now()
	var n int64
	for hash, s := range m.s.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.s.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreatePasswordReset(ctx context.Context, pr *PasswordReset) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.s.resets[pr.TokenHash]; ok {
		return conflict("password reset")
	}
	pr.CreatedAt = m.now()
	m.s.resets[pr.TokenHash] = *pr
	return nil
}

func (m *Memory) ConsumePasswordReset(ctx context.Context, tokenHash string) (*PasswordReset, error) {
	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	pr, ok := m.s.resets[tokenHash]
	now := m.now()
	if !ok || pr.UsedAt != nil || !pr.ExpiresAt.After(now) {
		return nil, apperr.ErrNotFound
	}
	pr.UsedAt = &now
	m.s.resets[tokenHash] = pr
	return &pr, nil
}
