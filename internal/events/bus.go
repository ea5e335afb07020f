// Package events carries the platform's domain events. Envelopes follow
// CloudEvents 1.0 so downstream consumers (webhooks, Pub/Sub subscribers)
// need no platform-specific decoding.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the platform.
const (
	CaseCreated        = "case.created"
	CaseStatusChanged  = "case.status_changed"
	CaseEscalated      = "case.escalated"
	CaseClosed         = "case.closed"
	EvidenceUploaded   = "evidence.uploaded"
	EvidenceVerified   = "evidence.verified"
	EvidenceRejected   = "evidence.rejected"
	MessageCreated     = "message.created"
	InviteCreated      = "invite.created"
	InviteAccepted     = "invite.accepted"
	OnboardingApproved = "onboarding.approved"
	BankChangeApproved = "bank_change.approved"
)

var allTypes = map[string]bool{
	CaseCreated:        true,
	CaseStatusChanged:  true,
	CaseEscalated:      true,
	CaseClosed:         true,
	EvidenceUploaded:   true,
	EvidenceVerified:   true,
	EvidenceRejected:   true,
	MessageCreated:     true,
	InviteCreated:      true,
	InviteAccepted:     true,
	OnboardingApproved: true,
	BankChangeApproved: true,
}

// Known reports whether s is an event type the platform emits.
func Known(s string) bool { return allTypes[s] }

// Emitter is the publishing side of the bus. The in-memory Bus and the
// Pub/Sub-backed bus both satisfy it; services depend on this, not on a
// concrete bus.
type Emitter interface {
	Emit(eventType, source, tenantID string, data map[string]any)
}

// Event is the CloudEvents 1.0 envelope for all platform events.
type Event struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	TenantID    string         `json:"tenantid,omitempty"`
	Data        map[string]any `json:"data"`
}

// NewEvent builds a CloudEvents 1.0 compliant envelope.
func NewEvent(eventType, source, tenantID string, data map[string]any) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		TenantID:    tenantID,
		Data:        data,
	}
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Delivery is non-blocking: a
// subscriber that cannot keep up loses events rather than stalling the
// emitting operation.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = withoutChannel(subs, ch)
	}
	b.allSubs = withoutChannel(b.allSubs, ch)
	close(ch)
}

func withoutChannel(subs []chan *Event, ch chan *Event) []chan *Event {
	filtered := subs[:0:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish fans an event out to matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is full; drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, tenantID string, data map[string]any) {
	b.Publish(NewEvent(eventType, source, tenantID, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
