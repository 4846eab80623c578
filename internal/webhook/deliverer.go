package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/unosend/unosend/internal/clock"
)

// Queue is the delivery storage used by the Deliverer
type Queue interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, d *Delivery) error
	Kill(ctx context.Context, d *Delivery) error
}

// Recorder counts delivery outcomes: delivered, retry or dead
type Recorder interface {
	WebhookDelivery(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) WebhookDelivery(string) {}

// DelivererConfig contains deliverer configuration
type DelivererConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Concurrency  int
}

// Deliverer polls the queue and POSTs due deliveries
type Deliverer struct {
	queue    Queue
	client   *http.Client
	clock    clock.Clock
	recorder Recorder
	cfg      DelivererConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeliverer creates a new deliverer. recorder may be nil.
func NewDeliverer(q Queue, cfg DelivererConfig, clk clock.Clock, recorder Recorder, logger *slog.Logger) *Deliverer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Deliverer{
		queue:    q,
		client:   &http.Client{Timeout: cfg.Timeout},
		clock:    clk,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With("component", "webhook_deliverer"),
	}
}

// Start starts the polling loop
func (d *Deliverer) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(1)
	go d.run()

	d.logger.Info("webhook deliverer started", "poll_interval", d.cfg.PollInterval, "concurrency", d.cfg.Concurrency)
}

// Stop waits for in-flight deliveries to finish
func (d *Deliverer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("webhook deliverer stopped")
}

func (d *Deliverer) run() {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.ProcessDue(d.ctx)
		}
	}
}

// ProcessDue attempts every delivery that is due now and returns how many
// were attempted.
func (d *Deliverer) ProcessDue(ctx context.Context) int {
	items, err := d.queue.ClaimDue(ctx, d.clock.Now(), d.cfg.Concurrency*10)
	if err != nil {
		d.logger.Error("failed to claim due deliveries", "error", err)
		return 0
	}

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			d.attempt(ctx, item)
		}(item)
	}
	wg.Wait()

	return len(items)
}

func (d *Deliverer) attempt(ctx context.Context, item *Delivery) {
	logger := d.logger.With("delivery_id", item.ID, "webhook_id", item.WebhookID, "event", item.EventType)

	status, err := d.post(ctx, item)
	if err == nil {
		if err := d.queue.Complete(ctx, item.ID); err != nil {
			logger.Error("failed to complete delivery", "error", err)
		}
		d.recorder.WebhookDelivery("delivered")
		logger.Debug("webhook delivered", "status", status)
		return
	}

	now := d.clock.Now()
	item.Attempts++
	item.LastError = err.Error()
	item.LastStatusCode = status
	item.UpdatedAt = now

	wait, ok := nextRetry(item.Attempts)
	if !ok {
		if err := d.queue.Kill(ctx, item); err != nil {
			logger.Error("failed to move delivery to dead", "error", err)
		}
		d.recorder.WebhookDelivery("dead")
		logger.Warn("webhook delivery gave up", "attempts", item.Attempts, "error", item.LastError)
		return
	}

	item.NextAttemptAt = now.Add(wait)
	if err := d.queue.Retry(ctx, item); err != nil {
		logger.Error("failed to reschedule delivery", "error", err)
	}
	d.recorder.WebhookDelivery("retry")
	logger.Info("webhook delivery deferred", "attempts", item.Attempts, "next_attempt_at", item.NextAttemptAt, "error", item.LastError)
}

// post sends the signed payload. Any 2xx response counts as delivered.
func (d *Deliverer) post(ctx context.Context, item *Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Unosend-Webhooks/1.0")
	req.Header.Set(SignatureHeader, Sign(item.Secret, item.Payload))
	req.Header.Set(EventHeader, item.EventType)
	req.Header.Set(DeliveryHeader, item.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
