package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/vendornexus/backend/internal/database"
	"github.com/vendornexus/backend/internal/events"
)

// CloudDispatcher enqueues webhook deliveries on Google Cloud Tasks for
// durable at-least-once delivery. The queue handles retry backoff and
// dead-lettering; the in-memory Dispatcher remains the fallback when a
// task cannot be enqueued.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. fallback may be nil.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallback *Dispatcher) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
		fallback:  fallback,
	}
	cd.logger.Printf("connected to queue %s", cd.queuePath)
	return cd, nil
}

// Run consumes the bus until ctx is cancelled.
func (cd *CloudDispatcher) Run(ctx context.Context, bus *events.Bus) {
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
			cd.Dispatch(ctx, ev)
		}
	}
}

// Dispatch enqueues one task per matching subscriber.
func (cd *CloudDispatcher) Dispatch(ctx context.Context, ev *events.Event) {
	hooks, err := cd.registry.Subscribers(ctx, ev.Type)
	if err != nil {
		cd.logger.Printf("subscriber lookup for %s: %v", ev.Type, err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		cd.logger.Printf("marshal event %s: %v", ev.ID, err)
		return
	}
	for _, hook := range hooks {
		if hook.TenantID != "" && ev.TenantID != "" && hook.TenantID != ev.TenantID {
			continue
		}
		cd.enqueueTask(hook, ev, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(hook database.Webhook, ev *events.Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":             "application/json",
		"X-Nexus-Event-Type":       ev.Type,
		"X-Nexus-Event-ID":         ev.ID,
		"X-Nexus-Delivery-Attempt": "1",
	}
	if hook.Secret != "" {
		headers["X-Nexus-Signature"] = "sha256=" + SignPayload(payload, hook.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        hook.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; fall back to direct delivery on failure.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Printf("enqueue for webhook %s failed: %v", hook.WebhookID, err)
			if cd.fallback != nil {
				cd.fallback.Dispatch(ctx, ev)
			}
		}
	}()
}

// Shutdown closes the Cloud Tasks client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("client close: %v", err)
	}
}
