package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/dnscheck"
	"github.com/unosend/unosend/internal/metrics"
	"github.com/unosend/unosend/internal/web/composer"
	"github.com/unosend/unosend/internal/web/config"
	"github.com/unosend/unosend/internal/web/db"
	"github.com/unosend/unosend/internal/web/handlers"
	"github.com/unosend/unosend/internal/web/middleware"
	"github.com/unosend/unosend/internal/web/repository"
	"github.com/unosend/unosend/internal/web/sendry"
	"github.com/unosend/unosend/internal/web/worker"
	"github.com/unosend/unosend/internal/webhook"
)

// Options tune a Server beyond its configuration
type Options struct {
	Version string
	Clock   clock.Clock
	// DNS overrides the resolver used for domain verification
	DNS dnscheck.Resolver
}

type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *db.DB
	http   *http.Server

	metrics   *metrics.Metrics
	collector *metrics.Collector
	composer  *composer.Registry
	worker    *worker.Worker
	queue     *webhook.BoltStorage
	deliverer *webhook.Deliverer
	limiter   *middleware.RateLimiter
}

func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run migrations
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		db:      database,
		metrics: metrics.New(),
		limiter: middleware.NewRateLimiter(),
	}

	drafts := repository.NewDraftRepository(database.DB)
	refs := repository.NewReferenceRepository(database.DB)
	hooks := repository.NewWebhookRepository(database.DB)
	apiKeys := repository.NewAPIKeyRepository(database.DB)

	// Webhook queue and deliverer
	var events worker.Publisher
	var queueStats metrics.QueueStatsProvider
	if cfg.Webhooks.Enabled {
		s.queue, err = webhook.NewBoltStorage(cfg.Webhooks.QueuePath)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to open webhook queue: %w", err)
		}
		s.deliverer = webhook.NewDeliverer(s.queue, webhook.DelivererConfig{
			PollInterval: cfg.Webhooks.PollInterval,
			Timeout:      cfg.Webhooks.Timeout,
			Concurrency:  cfg.Webhooks.Concurrency,
		}, opts.Clock, s.metrics, logger)
		events = webhook.NewPublisher(hooks, s.queue, opts.Clock, logger)
		queueStats = s.queue
	}
	s.collector = metrics.NewCollector(s.metrics, queueStats, 0)

	// Broadcast delivery
	if cfg.Delivery.Enabled {
		s.worker = worker.New(worker.Deps{
			Drafts:     drafts,
			References: refs,
			Mailer:     sendry.NewManager(cfg.Delivery.Servers, cfg.Delivery.Failover),
			Events:     events,
			Recorder:   s.metrics,
			Clock:      opts.Clock,
		}, worker.Config{
			BatchSize:    cfg.Delivery.BatchSize,
			PollInterval: cfg.Delivery.PollInterval,
			Concurrency:  cfg.Delivery.Concurrency,
		}, logger)
	}

	loc, err := cfg.Composer.Location()
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("invalid composer timezone: %w", err)
	}
	s.composer = composer.NewRegistry(composer.Config{
		DebounceDelay: cfg.Composer.DebounceDelay,
		Location:      loc,
		SessionTTL:    cfg.Composer.SessionTTL,
		SaveTimeout:   cfg.Composer.SaveTimeout,
	}, composer.Deps{
		Drafts:     drafts,
		References: refs,
		Senders:    worker.NewDispatcher(drafts, opts.Clock, logger),
		Clock:      opts.Clock,
		Logger:     logger,
		Observer:   s.metrics,
		Recorder:   s.metrics,
	})

	h := handlers.New(handlers.Deps{
		Drafts:     drafts,
		References: refs,
		Webhooks:   hooks,
		Composer:   s.composer,
		DNS:        dnscheck.NewChecker(opts.DNS),
		Clock:      opts.Clock,
		Version:    opts.Version,
	}, logger)

	auth := middleware.APIAuth(middleware.APIAuthConfig{
		Keys:     apiKeys,
		Hash:     repository.HashKey,
		Limiter:  s.limiter,
		Recorder: s.metrics,
		Logger:   logger,
	})

	s.http = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.routes(h, auth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes(h *handlers.Handlers, auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(metrics.HTTPMiddleware(s.metrics))

	r.Get("/health", h.Health)
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, metrics.Handler(s.metrics, s.cfg.Metrics.AllowedIPs, s.logger))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		h.Routes(r)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	s.collector.Start(bgCtx)
	go s.limiter.Run(bgCtx)
	s.composer.Start()
	if s.deliverer != nil {
		s.deliverer.Start()
	}
	if s.worker != nil {
		s.worker.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting web server", "addr", s.cfg.Server.ListenAddr)
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.http.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		s.logger.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown error", "error", err)
		}
		cancel()
	}

	s.stopBackground()
	return runErr
}

// stopBackground stops producers before consumers: no new edits, then no
// new deliveries, then no webhook attempts
func (s *Server) stopBackground() {
	s.composer.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.deliverer != nil {
		s.deliverer.Stop()
	}
	s.collector.Stop()
	s.closeStores()
}

func (s *Server) closeStores() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.logger.Error("failed to close webhook queue", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close database", "error", err)
	}
}
