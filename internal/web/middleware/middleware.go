package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/unosend/unosend/internal/web/models"
)

// RateLimiter keeps one token bucket per API key
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*rateClient
	idle    time.Duration
}

type rateClient struct {
	limiter  *rate.Limiter
	perMin   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rateClient),
		idle:    10 * time.Minute,
	}
}

// Allow reports whether one more request fits keyID's per-minute budget.
// A limit of zero or less means unlimited.
func (rl *RateLimiter) Allow(keyID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	rl.mu.Lock()
	cl, ok := rl.clients[keyID]
	if !ok || cl.perMin != perMinute {
		cl = &rateClient{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
			perMin:  perMinute,
		}
		rl.clients[keyID] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Cleanup forgets keys not seen for a while
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, cl := range rl.clients {
		if time.Since(cl.lastSeen) > rl.idle {
			delete(rl.clients, id)
		}
	}
}

// Run calls Cleanup every five minutes until ctx is done
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}

type ctxKey string

const ctxKeyAPIKey ctxKey = "api_key"

// Logger middleware logs HTTP requests
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", chimw.GetReqID(r.Context()),
				"ip", r.RemoteAddr,
			)
		})
	}
}

// Recovery middleware recovers from panics
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
					)
					sendAPIError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// KeyLookup resolves API keys by hash
type KeyLookup interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// LimitRecorder counts rejected requests
type LimitRecorder interface {
	RateLimitExceeded()
}

// APIAuthConfig configures APIAuth
type APIAuthConfig struct {
	Keys    KeyLookup
	Hash    func(key string) string
	Limiter *RateLimiter
	// Recorder is optional
	Recorder LimitRecorder
	Logger   *slog.Logger
}

// APIAuth middleware authenticates API requests using API keys
func APIAuth(cfg APIAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				auth = r.Header.Get("X-API-Key")
			}
			auth = strings.TrimPrefix(auth, "Bearer ")

			if auth == "" {
				sendAPIError(w, http.StatusUnauthorized, "API key required", "UNAUTHORIZED")
				return
			}

			apiKey, err := cfg.Keys.GetByHash(r.Context(), cfg.Hash(auth))
			if err != nil {
				cfg.Logger.Error("API key lookup failed", "error", err)
				sendAPIError(w, http.StatusInternalServerError, "Authentication failed", "INTERNAL_ERROR")
				return
			}

			if apiKey == nil {
				sendAPIError(w, http.StatusUnauthorized, "Invalid API key", "UNAUTHORIZED")
				return
			}

			if !apiKey.Active {
				sendAPIError(w, http.StatusUnauthorized, "API key is inactive", "UNAUTHORIZED")
				return
			}

			if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
				sendAPIError(w, http.StatusUnauthorized, "API key expired", "UNAUTHORIZED")
				return
			}

			if cfg.Limiter != nil && !cfg.Limiter.Allow(apiKey.ID, apiKey.RateLimitMinute) {
				if cfg.Recorder != nil {
					cfg.Recorder.RateLimitExceeded()
				}
				w.Header().Set("Retry-After", "60")
				sendAPIError(w, http.StatusTooManyRequests, "Rate limit exceeded", "RATE_LIMITED")
				return
			}

			// Update last used without holding up the request
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := cfg.Keys.UpdateLastUsed(ctx, id); err != nil {
					cfg.Logger.Warn("failed to update API key last used", "error", err)
				}
			}(apiKey.ID)

			ctx := context.WithValue(r.Context(), ctxKeyAPIKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKeyFromContext returns the API key from request context
func GetAPIKeyFromContext(r *http.Request) *models.APIKey {
	if key, ok := r.Context().Value(ctxKeyAPIKey).(*models.APIKey); ok {
		return key
	}
	return nil
}

// WithAPIKey stores key in ctx the way APIAuth does
func WithAPIKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxKeyAPIKey, key)
}

// ActorFromRequest returns the actor of the authenticated key. The zero
// Actor has no organization and no rights.
func ActorFromRequest(r *http.Request) models.Actor {
	if key := GetAPIKeyFromContext(r); key != nil {
		return key.Actor()
	}
	return models.Actor{}
}

func sendAPIError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
