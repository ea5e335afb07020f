// Package messaging holds the per-case conversation thread. Messages are
// append-only and ordered by creation time with insertion order breaking
// ties; internal notes never reach vendor contexts.
package messaging

import (
	"context"
	"log"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/authz"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
	"github.com/vendornexus/backend/internal/notify"
)

type Service struct {
	store      database.Store
	notify     *notify.Service
	bus        events.Emitter
	clock      ids.Clock
	classifier Classifier
	logger     *log.Logger
}

func NewService(store database.Store, notifySvc *notify.Service, bus events.Emitter, clock ids.Clock) *Service {
	if clock == nil {
		clock = ids.SystemClock()
	}
	return &Service{
		store:  store,
		notify: notifySvc,
		bus:    bus,
		clock:  clock,
		logger: log.New(log.Writer(), "[Messaging] ", log.LstdFlags),
	}
}

// SetClassifier attaches an optional post-message classifier. Classifier
// output is advisory: its failures never fail message creation.
func (s *Service) SetClassifier(c Classifier) { s.classifier = c }

type CreateMessageInput struct {
	Body           string         `json:"body"`
	Channel        string         `json:"channel"`
	IsInternalNote bool           `json:"isInternalNote"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

var validChannels = map[string]bool{
	database.ChannelPortal:   true,
	database.ChannelWhatsApp: true,
	database.ChannelEmail:    true,
	database.ChannelSlack:    true,
}

// CreateMessage appends a message to the case thread. The sender context is
// taken from the caller's principal, never from the request body.
func (s *Service) CreateMessage(ctx context.Context, caseID string, in CreateMessageInput) (*database.Message, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if in.Body == "" {
		return nil, apperr.New(apperr.Validation, "message body is required")
	}
	if in.Channel == "" {
		in.Channel = database.ChannelPortal
	}
	if !validChannels[in.Channel] {
		return nil, apperr.Newf(apperr.Validation, "unknown channel %q", in.Channel)
	}
	if in.IsInternalNote && p.ActiveContext == authz.ContextVendor {
		return nil, apperr.New(apperr.Validation, "vendor users cannot create internal notes")
	}

	c, err := s.store.GetCase(ctx, access, caseID)
	if err != nil {
		return nil, err
	}

	msg := &database.Message{
		MessageID:      ids.NewID(ids.PrefixMessage, caseID),
		CaseID:         c.CaseID,
		SenderContext:  string(p.ActiveContext),
		SenderUserID:   p.UserID,
		Channel:        in.Channel,
		Body:           in.Body,
		IsInternalNote: in.IsInternalNote,
		Metadata:       in.Metadata,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.store.Tx(ctx, func(tx database.Store) error {
		return tx.CreateMessage(ctx, msg)
	}); err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Emit(events.MessageCreated, "messaging", p.TenantID, map[string]any{
			"messageId": msg.MessageID,
			"caseId":    msg.CaseID,
			"sender":    msg.SenderContext,
			"channel":   msg.Channel,
			"internal":  msg.IsInternalNote,
		})
	}
	s.notifyCounterpart(ctx, c, msg)
	s.runClassifier(ctx, c, msg)
	return msg, nil
}

// GetMessages returns the thread in creation order. Vendor contexts never
// see internal notes.
func (s *Service) GetMessages(ctx context.Context, caseID string) ([]database.Message, error) {
	p, err := authz.PrincipalFrom(ctx)
	if err != nil {
		return nil, err
	}
	access, err := authz.AccessFrom(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetCase(ctx, access, caseID); err != nil {
		return nil, err
	}
	includeInternal := p.ActiveContext != authz.ContextVendor
	return s.store.ListMessages(ctx, caseID, includeInternal)
}

// notifyCounterpart pings the other side of the case about a new external
// message. Internal notes stay internal.
func (s *Service) notifyCounterpart(ctx context.Context, c *database.Case, msg *database.Message) {
	if s.notify == nil || msg.IsInternalNote {
		return
	}
	title := "New message on case " + c.CaseID
	body := c.Subject
	if msg.SenderContext == database.SenderVendor {
		tenant, err := s.store.GetTenantByClientID(ctx, c.ClientID)
		if err != nil {
			s.logger.Printf("counterpart lookup for case %s: %v", c.CaseID, err)
			return
		}
		s.notify.NotifyTenantAdmins(ctx, tenant.TenantID, notify.TypeCaseMessage, title, body, "case", c.CaseID)
		return
	}
	s.notify.NotifyVendorUsers(ctx, c.VendorID, notify.TypeCaseMessage, title, body, "case", c.CaseID)
}

func (s *Service) runClassifier(ctx context.Context, c *database.Case, msg *database.Message) {
	if s.classifier == nil {
		return
	}
	hint, err := s.classifier.Classify(ctx, c, msg)
	if err != nil {
		s.logger.Printf("classifier on case %s: %v", c.CaseID, err)
		return
	}
	if hint == nil {
		return
	}
	hint.MessageID = ids.NewID(ids.PrefixMessage, c.CaseID)
	hint.CaseID = c.CaseID
	hint.SenderContext = database.SenderAI
	hint.Channel = database.ChannelPortal
	hint.CreatedAt = s.clock.Now()
	if err := s.store.Tx(ctx, func(tx database.Store) error {
		return tx.CreateMessage(ctx, hint)
	}); err != nil {
		s.logger.Printf("classifier hint on case %s: %v", c.CaseID, err)
	}
}
