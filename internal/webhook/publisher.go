package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/web/models"
)

// Subscriptions finds the active webhooks of an organization that want an
// event type
type Subscriptions interface {
	ListSubscribed(ctx context.Context, orgID, eventType string) ([]models.Webhook, error)
}

// Enqueuer stores new deliveries
type Enqueuer interface {
	Enqueue(ctx context.Context, d *Delivery) error
}

// Publisher turns an organization event into one queued delivery per
// subscribed webhook
type Publisher struct {
	subs   Subscriptions
	queue  Enqueuer
	clock  clock.Clock
	logger *slog.Logger
}

func NewPublisher(subs Subscriptions, queue Enqueuer, clk clock.Clock, logger *slog.Logger) *Publisher {
	return &Publisher{
		subs:   subs,
		queue:  queue,
		clock:  clk,
		logger: logger.With("component", "webhook_publisher"),
	}
}

// Publish queues eventType for orgID. It returns the number of deliveries
// queued; zero when nobody is subscribed.
func (p *Publisher) Publish(ctx context.Context, orgID, eventType string, data map[string]any) (int, error) {
	hooks, err := p.subs.ListSubscribed(ctx, orgID, eventType)
	if err != nil {
		return 0, fmt.Errorf("failed to list webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return 0, nil
	}

	now := p.clock.Now().UTC()
	event := Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      eventType,
		CreatedAt: now,
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	queued := 0
	for _, h := range hooks {
		d := &Delivery{
			ID:             uuid.New().String(),
			WebhookID:      h.ID,
			OrganizationID: orgID,
			URL:            h.URL,
			Secret:         h.Secret,
			EventType:      eventType,
			Payload:        payload,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := p.queue.Enqueue(ctx, d); err != nil {
			return queued, fmt.Errorf("failed to enqueue delivery: %w", err)
		}
		queued++
	}

	p.logger.Debug("event queued", "event", eventType, "event_id", event.ID, "deliveries", queued)
	return queued, nil
}
