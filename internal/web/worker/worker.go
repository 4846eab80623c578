package worker

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
	"github.com/unosend/unosend/internal/web/sendry"
)

// Mailer hands one message to a mail API server
type Mailer interface {
	Send(ctx context.Context, req *sendry.SendRequest) (*sendry.SendResponse, string, error)
}

// Publisher queues webhook events for an organization
type Publisher interface {
	Publish(ctx context.Context, orgID, eventType string, data map[string]any) (int, error)
}

// Recorder receives delivery counts, e.g. for metrics
type Recorder interface {
	EmailDelivered(server string)
	EmailFailed(errorType string)
	BroadcastSent()
}

type nopRecorder struct{}

func (nopRecorder) EmailDelivered(string) {}
func (nopRecorder) EmailFailed(string)    {}
func (nopRecorder) BroadcastSent()        {}

// Worker delivers sending broadcasts in the background
type Worker struct {
	logger   *slog.Logger
	drafts   *repository.DraftRepository
	refs     *repository.ReferenceRepository
	mailer   Mailer
	events   Publisher
	recorder Recorder
	clock    clock.Clock

	batchSize    int
	pollInterval time.Duration
	concurrency  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Config holds worker configuration
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 5 * time.Second,
		Concurrency:  5,
	}
}

// Deps are the collaborators of a Worker. Events and Recorder are optional.
type Deps struct {
	Drafts     *repository.DraftRepository
	References *repository.ReferenceRepository
	Mailer     Mailer
	Events     Publisher
	Recorder   Recorder
	Clock      clock.Clock
}

// New creates a new worker
func New(deps Deps, workerCfg Config, logger *slog.Logger) *Worker {
	def := DefaultConfig()
	if workerCfg.BatchSize <= 0 {
		workerCfg.BatchSize = def.BatchSize
	}
	if workerCfg.PollInterval <= 0 {
		workerCfg.PollInterval = def.PollInterval
	}
	if workerCfg.Concurrency <= 0 {
		workerCfg.Concurrency = def.Concurrency
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		logger:       logger.With("component", "worker"),
		drafts:       deps.Drafts,
		refs:         deps.References,
		mailer:       deps.Mailer,
		events:       deps.Events,
		recorder:     deps.Recorder,
		clock:        deps.Clock,
		batchSize:    workerCfg.BatchSize,
		pollInterval: workerCfg.PollInterval,
		concurrency:  workerCfg.Concurrency,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the worker
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.logger.Info("worker started", "batch_size", w.batchSize, "poll_interval", w.pollInterval, "concurrency", w.concurrency)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Tick(w.ctx)
		}
	}
}

// Tick promotes due scheduled broadcasts and advances every sending
// broadcast by at most one batch
func (w *Worker) Tick(ctx context.Context) {
	promoted, err := w.drafts.PromoteDue(ctx, w.clock.Now())
	if err != nil {
		w.logger.Error("failed to promote scheduled broadcasts", "error", err)
	}
	for _, id := range promoted {
		w.logger.Info("started scheduled broadcast", "draft_id", id)
	}

	broadcasts, err := w.drafts.ListSending(ctx, 0)
	if err != nil {
		w.logger.Error("failed to get sending broadcasts", "error", err)
		return
	}

	for i := range broadcasts {
		select {
		case <-ctx.Done():
			return
		default:
			w.processBroadcast(ctx, &broadcasts[i])
		}
	}
}

func (w *Worker) processBroadcast(ctx context.Context, b *models.Draft) {
	logger := w.logger.With("draft_id", b.ID)

	// The audience was deleted after the send was accepted
	if b.AudienceID == nil {
		logger.Warn("broadcast has no audience, completing without delivery")
		w.complete(ctx, b, logger)
		return
	}

	cursor, err := w.drafts.DeliveryCursor(ctx, b.ID)
	if err != nil {
		logger.Error("failed to get delivery cursor", "error", err)
		return
	}

	contacts, err := w.refs.SubscribedContacts(ctx, *b.AudienceID, cursor, w.batchSize)
	if err != nil {
		logger.Error("failed to get contacts", "error", err)
		return
	}

	if len(contacts) == 0 {
		w.complete(ctx, b, logger)
		return
	}

	sem := make(chan struct{}, w.concurrency)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)

	for _, c := range contacts {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(c models.Contact) {
			defer func() {
				<-sem
				wg.Done()
			}()

			if w.deliver(ctx, b, c, logger) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(c)
	}

	wg.Wait()

	last := contacts[len(contacts)-1].ID
	if err := w.drafts.RecordProgress(ctx, b.ID, delivered, last); err != nil {
		logger.Error("failed to record progress", "error", err)
		return
	}

	logger.Debug("batch delivered", "contacts", len(contacts), "delivered", delivered)
}

// deliver sends one message. Each contact gets a single handoff; the
// mailer already fails over between servers.
func (w *Worker) deliver(ctx context.Context, b *models.Draft, c models.Contact, logger *slog.Logger) bool {
	vars := map[string]string{
		"email":           c.Email,
		"recipient_email": c.Email,
		"name":            c.Name,
		"recipient_name":  c.Name,
	}

	req := &sendry.SendRequest{
		From:    formatFrom(b.FromEmail, b.FromName),
		To:      []string{c.Email},
		Subject: renderTemplate(b.Subject, vars),
	}
	if b.HTMLContent != nil {
		req.HTML = renderTemplate(*b.HTMLContent, vars)
	}
	if b.TextContent != nil {
		req.Body = renderTemplate(*b.TextContent, vars)
	}
	if b.ReplyTo != "" {
		req.Headers = map[string]string{"Reply-To": b.ReplyTo}
	}

	resp, server, err := w.mailer.Send(ctx, req)
	if err != nil {
		w.recorder.EmailFailed(errorType(err))
		w.publish(ctx, b.OrganizationID, models.EventEmailFailed, map[string]any{
			"broadcast_id": b.ID,
			"contact_id":   c.ID,
			"email":        c.Email,
			"error":        err.Error(),
		})
		logger.Debug("failed to send email", "email", c.Email, "error", err)
		return false
	}

	w.recorder.EmailDelivered(server)
	w.publish(ctx, b.OrganizationID, models.EventEmailSent, map[string]any{
		"broadcast_id": b.ID,
		"contact_id":   c.ID,
		"email":        c.Email,
		"message_id":   resp.ID,
	})
	logger.Debug("email queued", "email", c.Email, "server", server, "message_id", resp.ID)
	return true
}

func (w *Worker) complete(ctx context.Context, b *models.Draft, logger *slog.Logger) {
	now := w.clock.Now()
	if err := w.drafts.MarkSent(ctx, b.ID, now); err != nil {
		logger.Error("failed to mark broadcast sent", "error", err)
		return
	}

	sent := b.SentCount
	if current, err := w.drafts.Get(ctx, b.ID); err == nil {
		sent = current.SentCount
	}

	w.recorder.BroadcastSent()
	w.publish(ctx, b.OrganizationID, models.EventBroadcastSent, map[string]any{
		"broadcast_id":     b.ID,
		"name":             b.Name,
		"sent_count":       sent,
		"total_recipients": b.TotalRecipients,
		"sent_at":          now.UTC(),
	})
	logger.Info("broadcast sent", "sent", sent, "total_recipients", b.TotalRecipients)
}

func (w *Worker) publish(ctx context.Context, orgID, eventType string, data map[string]any) {
	if w.events == nil {
		return
	}
	if _, err := w.events.Publish(ctx, orgID, eventType, data); err != nil {
		w.logger.Error("failed to publish event", "event", eventType, "error", err)
	}
}

func errorType(err error) string {
	var apiErr *sendry.APIError
	if errors.As(err, &apiErr) && apiErr.Permanent() {
		return "permanent"
	}
	return "transient"
}

// renderTemplate substitutes {{variable}} patterns in template string
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		// Keep original if variable not found
		return match
	})
}

func formatFrom(email, name string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
