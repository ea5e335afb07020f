// Package notify owns in-app notifications: creation with priority
// escalation, unread counts, bulk mark-read, fan-out helpers and the
// realtime websocket push. Notification delivery is fire-and-forget by
// contract; no originating operation ever fails because a notification
// could not be written.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/metrics"
)

// Notification types used across the platform.
const (
	TypeVendorInviteAccepted = "vendor_invite_accepted"
	TypeCaseCreated          = "case_created"
	TypeCaseMessage          = "case_message"
	TypeCaseStatusChanged    = "case_status_changed"
	TypeCaseEscalated        = "case_escalated"
	TypeCaseApproved         = "case_approved"
	TypeEvidenceVerified     = "case_evidence_verified"
	TypeEvidenceRejected     = "case_evidence_rejected"
	TypeOnboardingApproved   = "case_onboarding_approved"
	TypePaymentBankChange    = "payment_bank_change"
)

// Service creates and serves notifications.
type Service struct {
	store  database.Store
	clock  ids.Clock
	hub    *Hub  // optional realtime push
	cache  Cache // optional unread-count cache
	m      *metrics.Metrics
	logger *log.Logger
}

// NewService wires the notification service. hub, cache and m may be nil.
func NewService(store database.Store, clock ids.Clock, hub *Hub, cache Cache, m *metrics.Metrics) *Service {
	return &Service{
		store:  store,
		clock:  clock,
		hub:    hub,
		cache:  cache,
		m:      m,
		logger: log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}
}

// Create persists one notification. Priority escalates to critical for
// payment and invoice types regardless of what the caller asked for.
func (s *Service) Create(ctx context.Context, n *database.Notification) error {
	if n.NotificationID == "" {
		n.NotificationID = ids.NewID(ids.PrefixNotification, n.Type)
	}
	if n.Priority == "" {
		n.Priority = database.NotifyNormal
	}
	if strings.HasPrefix(n.Type, "payment_") || strings.HasPrefix(n.Type, "invoice_") {
		n.Priority = database.NotifyCritical
	}
	n.CreatedAt = s.clock.Now()

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("notify: creating notification: %w", err)
	}
	if s.m != nil {
		s.m.Notifications.WithLabelValues(n.Priority).Inc()
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, n.UserID)
	}
	if s.hub != nil {
		s.hub.Push(n.UserID, n)
	}
	return nil
}

// NotifyUser creates one notification in the background. Failures are
// logged, never surfaced.
func (s *Service) NotifyUser(ctx context.Context, userID, tenantID, ntype, title, body, refType, refID string) {
	go s.deliver(ctx, &database.Notification{
		UserID:        userID,
		TenantID:      tenantID,
		Type:          ntype,
		Title:         title,
		Body:          body,
		ReferenceType: refType,
		ReferenceID:   refID,
	})
}

// NotifyVendorUsers fans one notification out to every active user of the
// vendor tenant on a case.
func (s *Service) NotifyVendorUsers(ctx context.Context, vendorID, ntype, title, body, refType, refID string) {
	go func() {
		defer s.recover("vendor fan-out")
		ctx := context.WithoutCancel(ctx)
		tenant, err := s.store.GetTenantByVendorID(ctx, vendorID)
		if err != nil {
			s.logger.Printf("vendor fan-out: resolving %s: %v", vendorID, err)
			return
		}
		s.fanOut(ctx, tenant.TenantID, nil, ntype, title, body, refType, refID)
	}()
}

// NotifyTenantAdmins fans one notification out to the owners and admins of
// a tenant.
func (s *Service) NotifyTenantAdmins(ctx context.Context, tenantID, ntype, title, body, refType, refID string) {
	go func() {
		defer s.recover("admin fan-out")
		roles := map[string]bool{"owner": true, "admin": true}
		s.fanOut(context.WithoutCancel(ctx), tenantID, roles, ntype, title, body, refType, refID)
	}()
}

func (s *Service) fanOut(ctx context.Context, tenantID string, roles map[string]bool, ntype, title, body, refType, refID string) {
	users, err := s.store.ListUsersByTenant(ctx, tenantID)
	if err != nil {
		s.logger.Printf("fan-out: listing users of %s: %v", tenantID, err)
		return
	}
	for _, u := range users {
		if !u.IsActive {
			continue
		}
		if roles != nil && !roles[u.Role] {
			continue
		}
		s.deliver(ctx, &database.Notification{
			UserID:        u.UserID,
			TenantID:      tenantID,
			Type:          ntype,
			Title:         title,
			Body:          body,
			ReferenceType: refType,
			ReferenceID:   refID,
		})
	}
}

func (s *Service) deliver(ctx context.Context, n *database.Notification) {
	defer s.recover("deliver")
	if err := s.Create(context.WithoutCancel(ctx), n); err != nil {
		s.logger.Printf("delivering %s to %s: %v", n.Type, n.UserID, err)
	}
}

func (s *Service) recover(op string) {
	if r := recover(); r != nil {
		s.logger.Printf("panic in %s: %v", op, r)
	}
}

// List returns the caller's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]database.Notification, error) {
	return s.store.ListNotifications(ctx, userID, unreadOnly, limit)
}

// UnreadCount serves the per-bucket unread breakdown, preferring the cache.
// The database stays authoritative; the cache only absorbs polling.
func (s *Service) UnreadCount(ctx context.Context, userID string) (database.UnreadCounts, error) {
	if s.cache != nil {
		if counts, ok := s.cache.GetUnread(ctx, userID); ok {
			return counts, nil
		}
	}
	counts, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return database.UnreadCounts{}, err
	}
	if s.cache != nil {
		s.cache.SetUnread(ctx, userID, counts)
	}
	return counts, nil
}

// MarkRead marks the caller's notifications read and reports how many rows
// changed. With no IDs it marks everything. Repeat calls mark zero.
func (s *Service) MarkRead(ctx context.Context, userID string, notificationIDs []string) (int64, error) {
	n, err := s.store.MarkRead(ctx, userID, notificationIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 && s.cache != nil {
		s.cache.Invalidate(ctx, userID)
	}
	return n, nil
}
