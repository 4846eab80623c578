package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unosend/unosend/internal/web/models"
)

// Metrics holds all Prometheus metrics for Unosend
type Metrics struct {
	// Composer
	DraftSavesTotal *prometheus.CounterVec
	SendsTotal      *prometheus.CounterVec
	SessionsOpen    prometheus.Gauge

	// Delivery
	EmailsDeliveredTotal *prometheus.CounterVec
	EmailsFailedTotal    *prometheus.CounterVec
	BroadcastsSentTotal  prometheus.Counter

	// Webhooks
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookQueuePending    prometheus.Gauge
	WebhookQueueDead       prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec
	RateLimitExceededTotal    prometheus.Counter

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DraftSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_draft_saves_total",
				Help: "Total number of draft persist calls by kind, operation and outcome",
			},
			[]string{"kind", "op", "outcome"},
		),
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_sends_total",
				Help: "Total number of broadcast send requests by outcome",
			},
			[]string{"outcome"},
		),
		SessionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unosend_composer_sessions_open",
				Help: "Number of open composer sessions",
			},
		),

		EmailsDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_emails_delivered_total",
				Help: "Total number of broadcast emails accepted by a mail server",
			},
			[]string{"server"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_emails_failed_total",
				Help: "Total number of broadcast emails that could not be handed off",
			},
			[]string{"error_type"},
		),
		BroadcastsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "unosend_broadcasts_sent_total",
				Help: "Total number of broadcasts that finished delivery",
			},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		WebhookQueuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unosend_webhook_queue_pending",
				Help: "Number of webhook deliveries waiting for an attempt",
			},
		),
		WebhookQueueDead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unosend_webhook_queue_dead",
				Help: "Number of webhook deliveries that exhausted their retries",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unosend_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unosend_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		RateLimitExceededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "unosend_ratelimit_exceeded_total",
				Help: "Total number of requests rejected by the API key rate limit",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unosend_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "unosend_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DraftSavesTotal,
		m.SendsTotal,
		m.SessionsOpen,
		m.EmailsDeliveredTotal,
		m.EmailsFailedTotal,
		m.BroadcastsSentTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookQueuePending,
		m.WebhookQueueDead,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Outcome maps an error onto a low-cardinality label value
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrPermission):
		return "permission"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrBackend):
		return "backend"
	default:
		return "error"
	}
}

// ObserveSave records one create or update issued by a composer
func (m *Metrics) ObserveSave(kind models.DraftKind, op string, err error) {
	m.DraftSavesTotal.WithLabelValues(string(kind), op, Outcome(err)).Inc()
}

// ObserveSend records one send request issued by a composer
func (m *Metrics) ObserveSend(err error) {
	m.SendsTotal.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) SessionOpened() { m.SessionsOpen.Inc() }
func (m *Metrics) SessionClosed() { m.SessionsOpen.Dec() }

// EmailDelivered counts a message accepted by the named mail server
func (m *Metrics) EmailDelivered(server string) {
	m.EmailsDeliveredTotal.WithLabelValues(server).Inc()
}

// EmailFailed counts a message that could not be handed off
func (m *Metrics) EmailFailed(errorType string) {
	m.EmailsFailedTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) BroadcastSent() { m.BroadcastsSentTotal.Inc() }

// WebhookDelivery counts one webhook attempt. outcome is delivered, retry or dead.
func (m *Metrics) WebhookDelivery(outcome string) {
	m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimitExceeded() { m.RateLimitExceededTotal.Inc() }
