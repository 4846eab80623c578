// Package handlers implements the JSON API of the dashboard.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/dnscheck"
	"github.com/unosend/unosend/internal/web/composer"
	"github.com/unosend/unosend/internal/web/middleware"
	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
)

// APIErrorResponse represents an API error
type APIErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Deps are the collaborators the handlers need
type Deps struct {
	Drafts     *repository.DraftRepository
	References *repository.ReferenceRepository
	Webhooks   *repository.WebhookRepository
	Composer   *composer.Registry
	DNS        *dnscheck.Checker
	Clock      clock.Clock
	Version    string
}

type Handlers struct {
	drafts    *repository.DraftRepository
	refs      *repository.ReferenceRepository
	webhooks  *repository.WebhookRepository
	composer  *composer.Registry
	dns       *dnscheck.Checker
	clock     clock.Clock
	version   string
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

func New(deps Deps, logger *slog.Logger) *Handlers {
	if deps.DNS == nil {
		deps.DNS = dnscheck.NewChecker(nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &Handlers{
		drafts:    deps.Drafts,
		refs:      deps.References,
		webhooks:  deps.Webhooks,
		composer:  deps.Composer,
		dns:       deps.DNS,
		clock:     deps.Clock,
		version:   deps.Version,
		sanitizer: newPreviewPolicy(),
		logger:    logger.With("component", "api"),
	}
}

// Routes registers the authenticated /api/v1 endpoints on r
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/audiences", h.ListAudiences)
	r.Post("/audiences", h.CreateAudience)
	r.Post("/audiences/{id}/contacts", h.AddContacts)
	r.Get("/audiences/{id}/contacts/count", h.CountContacts)

	r.Get("/domains", h.ListDomains)
	r.Post("/domains", h.CreateDomain)
	r.Post("/domains/{id}/verify", h.VerifyDomain)

	r.Route("/broadcasts", h.draftRoutes(models.KindBroadcast))
	r.Route("/templates", h.draftRoutes(models.KindTemplate))

	r.Route("/composer", func(r chi.Router) {
		r.Post("/", h.OpenComposer)
		r.Get("/{sid}", h.ComposerState)
		r.Patch("/{sid}", h.ComposerChange)
		r.Post("/{sid}/save", h.ComposerSave)
		r.Post("/{sid}/send", h.ComposerSend)
		r.Delete("/{sid}", h.CloseComposer)
		r.Delete("/{sid}/draft", h.ComposerDeleteDraft)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", h.ListWebhooks)
		r.Post("/", h.CreateWebhook)
		r.Get("/{id}", h.GetWebhook)
		r.Put("/{id}", h.UpdateWebhook)
		r.Delete("/{id}", h.DeleteWebhook)
		r.Post("/{id}/rotate-secret", h.RotateWebhookSecret)
	})
}

func (h *Handlers) draftRoutes(kind models.DraftKind) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", h.ListDrafts(kind))
		r.Get("/{id}", h.GetDraft(kind))
		r.Delete("/{id}", h.DeleteDraft(kind))
		r.Post("/{id}/duplicate", h.DuplicateDraft(kind))
		r.Get("/{id}/preview", h.PreviewDraft(kind))
	}
}

// Health check
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.apiJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func (h *Handlers) apiJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) apiError(w http.ResponseWriter, status int, message, code string) {
	h.apiJSON(w, status, APIErrorResponse{Error: message, Code: code})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an API error. Internal errors are logged and their
// text is not exposed.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "Internal server error"
	} else if status == http.StatusBadGateway {
		h.logger.Warn("backend failure", "path", r.URL.Path, "error", err)
	}
	h.apiError(w, status, msg, models.ErrorCode(err))
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 2<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.apiError(w, http.StatusBadRequest, "Invalid request body", "INVALID_JSON")
		return false
	}
	return true
}

func requireWrite(actor models.Actor) error {
	if !actor.Role.CanWrite() {
		return fmt.Errorf("%w: role %q cannot modify data", models.ErrPermission, actor.Role)
	}
	return nil
}

func requireManage(actor models.Actor) error {
	if !actor.Role.CanManage() {
		return fmt.Errorf("%w: role %q cannot manage settings", models.ErrPermission, actor.Role)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v >= 0 {
		return v
	}
	return def
}

func (h *Handlers) now() time.Time {
	return h.clock.Now().UTC()
}

func actor(r *http.Request) models.Actor {
	return middleware.ActorFromRequest(r)
}
