package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
	"github.com/vendornexus/backend/internal/metrics"
)

const (
	maxDeliveryAttempts = 3
	deliveryTimeout     = 10 * time.Second
	queueDepth          = 1000
)

// Dispatcher consumes the event bus and POSTs matching events to
// subscribers through a bounded worker pool.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	m          *metrics.Metrics
	retryDelay time.Duration
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

type deliveryJob struct {
	hook    database.Webhook
	event   *events.Event
	payload []byte
}

func NewDispatcher(registry *Registry, workers int, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		queue:      make(chan *deliveryJob, queueDepth),
		logger:     log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
		m:          m,
		retryDelay: time.Second,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Run consumes the bus until ctx is cancelled. Call it in its own
// goroutine; it subscribes to all event types.
func (d *Dispatcher) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch fans one event out to its subscribers. Subscriptions are scoped
// to the emitting tenant.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *events.Event) {
	hooks, err := d.registry.Subscribers(ctx, ev.Type)
	if err != nil {
		d.logger.Printf("subscriber lookup for %s: %v", ev.Type, err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Printf("marshal event %s: %v", ev.ID, err)
		return
	}
	for _, hook := range hooks {
		if hook.TenantID != "" && ev.TenantID != "" && hook.TenantID != ev.TenantID {
			continue
		}
		select {
		case d.queue <- &deliveryJob{hook: hook, event: ev, payload: payload}:
		default:
			d.result("dropped")
			d.logger.Printf("queue full, dropping event %s for webhook %s", ev.ID, hook.WebhookID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// deliver makes up to maxDeliveryAttempts POSTs with linear backoff. Each
// failed attempt counts against the subscriber's failure threshold.
func (d *Dispatcher) deliver(job *deliveryJob) {
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * d.retryDelay)
		}
		err := d.post(job, attempt)
		if err == nil {
			d.result("ok")
			d.registry.MarkDelivered(context.Background(), job.hook.WebhookID)
			return
		}
		d.logger.Printf("delivery to %s failed (attempt %d): %v", job.hook.URL, attempt, err)
		d.registry.MarkFailed(context.Background(), job.hook.WebhookID)
	}
	d.result("failed")
}

func (d *Dispatcher) post(job *deliveryJob, attempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.hook.URL, bytes.NewReader(job.payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nexus-Event-Type", job.event.Type)
	req.Header.Set("X-Nexus-Event-ID", job.event.ID)
	req.Header.Set("X-Nexus-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if job.hook.Secret != "" {
		req.Header.Set("X-Nexus-Signature", "sha256="+SignPayload(job.payload, job.hook.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) result(label string) {
	if d.m != nil {
		d.m.WebhookDeliveries.WithLabelValues(label).Inc()
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}
