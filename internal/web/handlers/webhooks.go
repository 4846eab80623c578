package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unosend/unosend/internal/web/models"
)

// WebhookRequest is the body of create and update calls
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active,omitempty"`
}

func redact(w models.Webhook) models.Webhook {
	w.Secret = ""
	return w
}

// ListWebhooks handles GET /webhooks
func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	hooks, err := h.webhooks.List(r.Context(), a.OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	data := make([]models.Webhook, 0, len(hooks))
	for _, hook := range hooks {
		data = append(data, redact(hook))
	}
	h.apiJSON(w, http.StatusOK, map[string]any{"data": data})
}

// CreateWebhook handles POST /webhooks. The secret is returned only here
// and from rotate-secret.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	var req WebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	hook := &models.Webhook{
		OrganizationID: a.OrganizationID,
		URL:            req.URL,
		Events:         req.Events,
	}
	if err := h.webhooks.Create(r.Context(), hook); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("webhook created", "webhook_id", hook.ID, "url", hook.URL)
	h.apiJSON(w, http.StatusCreated, hook)
}

// GetWebhook handles GET /webhooks/{id}
func (h *Handlers) GetWebhook(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	hook, err := h.webhooks.GetByID(r.Context(), a.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusOK, redact(*hook))
}

// UpdateWebhook handles PUT /webhooks/{id}. Omitted fields keep their value.
func (h *Handlers) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	hook, err := h.webhooks.GetByID(r.Context(), a.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req WebhookRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.URL != "" {
		hook.URL = req.URL
	}
	if req.Events != nil {
		hook.Events = req.Events
	}
	if req.Active != nil {
		hook.Active = *req.Active
	}

	if err := h.webhooks.Update(r.Context(), hook); err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusOK, redact(*hook))
}

// DeleteWebhook handles DELETE /webhooks/{id}
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.webhooks.Delete(r.Context(), a.OrganizationID, id); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("webhook deleted", "webhook_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// RotateWebhookSecret handles POST /webhooks/{id}/rotate-secret
func (h *Handlers) RotateWebhookSecret(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	secret, err := h.webhooks.RotateSecret(r.Context(), a.OrganizationID, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("webhook secret rotated", "webhook_id", id)
	h.apiJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}
