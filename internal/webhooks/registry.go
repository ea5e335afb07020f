// Package webhooks delivers platform events to tenant-registered HTTP
// endpoints. Subscriptions live in the database; payloads are the same
// CloudEvents envelopes the bus carries, signed with the subscriber's
// secret.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net/url"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/auth"
	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/ids"
)

// Registry manages webhook subscriptions for tenants. A subscription is
// disabled by the store after ten consecutive delivery failures.
type Registry struct {
	store  database.Store
	clock  ids.Clock
	logger *log.Logger
}

func NewRegistry(store database.Store, clock ids.Clock) *Registry {
	if clock == nil {
		clock = ids.SystemClock()
	}
	return &Registry{
		store:  store,
		clock:  clock,
		logger: log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
}

type RegisterInput struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// Register creates a subscription. When no secret is supplied one is
// generated and returned once; it is never readable again afterwards.
func (r *Registry) Register(ctx context.Context, tenantID string, in RegisterInput) (*database.Webhook, string, error) {
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", apperr.New(apperr.Validation, "webhook URL must be an absolute http(s) URL")
	}
	if len(in.Events) == 0 {
		return nil, "", apperr.New(apperr.Validation, "at least one event type is required")
	}
	for _, et := range in.Events {
		if !events.Known(et) {
			return nil, "", apperr.Newf(apperr.Validation, "unknown event type %q", et)
		}
	}

	secret := in.Secret
	if secret == "" {
		secret = auth.NewToken()
	}
	hook := &database.Webhook{
		WebhookID: ids.NewID(ids.PrefixWebhook, in.URL),
		TenantID:  tenantID,
		URL:       in.URL,
		Secret:    secret,
		Events:    in.Events,
		IsActive:  true,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.CreateWebhook(ctx, hook); err != nil {
		return nil, "", err
	}
	r.logger.Printf("registered webhook %s for %s (%d event types)", hook.WebhookID, tenantID, len(in.Events))
	return hook, secret, nil
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]database.Webhook, error) {
	return r.store.ListWebhooks(ctx, tenantID)
}

func (r *Registry) Delete(ctx context.Context, tenantID, webhookID string) error {
	return r.store.DeleteWebhook(ctx, tenantID, webhookID)
}

// Subscribers returns the active subscriptions matching an event type.
func (r *Registry) Subscribers(ctx context.Context, eventType string) ([]database.Webhook, error) {
	return r.store.ListActiveWebhooksForEvent(ctx, eventType)
}

// MarkFailed records a delivery failure; the store disables the hook once
// the failure count crosses the threshold.
func (r *Registry) MarkFailed(ctx context.Context, webhookID string) {
	if err := r.store.MarkWebhookFailed(ctx, webhookID); err != nil {
		r.logger.Printf("mark webhook %s failed: %v", webhookID, err)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(ctx context.Context, webhookID string) {
	if err := r.store.MarkWebhookDelivered(ctx, webhookID); err != nil {
		r.logger.Printf("mark webhook %s delivered: %v", webhookID, err)
	}
}

// SignPayload computes the hex HMAC-SHA256 subscribers use to verify that a
// delivery really came from the platform.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
