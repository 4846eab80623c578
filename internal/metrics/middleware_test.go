package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := wrapResponseWriter(w)

	if rw.status != http.StatusOK {
		t.Errorf("Expected initial status %d, got %d", http.StatusOK, rw.status)
	}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.status != http.StatusNotFound {
		t.Errorf("Expected status to remain %d, got %d", http.StatusNotFound, rw.status)
	}
}

func TestHTTPMiddlewareRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(m))
	r.Get("/api/v1/broadcasts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/broadcasts/"+id, nil))
	}

	got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/broadcasts/{id}", "404"))
	if got != 3 {
		t.Errorf("requests for route pattern = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 3 {
		t.Errorf("not_found errors = %v, want 3", got)
	}
}

func TestHTTPMiddlewareNil(t *testing.T) {
	called := false
	h := HTTPMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("handler not called")
	}
}

func TestNormalizePathFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/composer/550e8400-e29b-41d4-a716-446655440000/save", nil)
	if got := normalizePath(req); got != "/composer/{id}/save" {
		t.Errorf("normalizePath() = %q", got)
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{500, "server_error"},
		{502, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{422, "validation"},
		{400, "client_error"},
	}
	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.want {
			t.Errorf("categorizeStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHandlerAllowedIPs(t *testing.T) {
	m := New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Handler(m, []string{"10.0.0.0/8", "192.168.1.5", "not-an-ip"}, logger)

	tests := []struct {
		remote string
		want   int
	}{
		{"10.1.2.3:5000", http.StatusOK},
		{"192.168.1.5:80", http.StatusOK},
		{"192.168.1.6:80", http.StatusForbidden},
		{"172.16.0.1", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.RemoteAddr = tt.remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.remote, rec.Code, tt.want)
		}
	}
}

func TestHandlerOpen(t *testing.T) {
	m := New()
	m.BroadcastSent()
	h := Handler(m, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "unosend_broadcasts_sent_total 1") {
		t.Errorf("body missing counter:\n%s", rec.Body.String())
	}
}

type stubQueue struct{}

func (stubQueue) QueueStats(context.Context) (*QueueStats, error) {
	return &QueueStats{Pending: 4, Dead: 1}, nil
}

func TestCollectorCollect(t *testing.T) {
	m := New()
	c := NewCollector(m, stubQueue{}, 0)
	c.Collect(context.Background())

	if got := testutil.ToFloat64(m.WebhookQueuePending); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.WebhookQueueDead); got != 1 {
		t.Errorf("dead = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Goroutines); got < 1 {
		t.Errorf("goroutines = %v", got)
	}

	c.Start(context.Background())
	c.Stop()
}
