package handlers

import (
	"fmt"
	"html"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"

	"github.com/unosend/unosend/internal/web/models"
)

// DraftListResponse is one page of drafts
type DraftListResponse struct {
	Data   []models.Draft `json:"data"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// newPreviewPolicy allows the markup commonly found in email bodies and
// nothing that can run script
func newPreviewPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "center", "font")
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("align", "valign", "width", "height", "bgcolor", "cellpadding", "cellspacing", "border").
		OnElements("table", "tr", "td", "th")
	p.AllowAttrs("style").OnElements("span", "div", "p", "td", "th", "table")
	p.AllowAttrs("class").Globally()
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}

// ListDrafts handles GET /broadcasts and GET /templates
func (h *Handlers) ListDrafts(kind models.DraftKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.DraftListFilter{
			Kind:   kind,
			Status: models.DraftStatus(q.Get("status")),
			Search: q.Get("search"),
			Limit:  min(queryInt(r, "limit", 50), 200),
			Offset: queryInt(r, "offset", 0),
		}

		drafts, total, err := h.drafts.List(r.Context(), actor(r).OrganizationID, filter)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		h.apiJSON(w, http.StatusOK, DraftListResponse{
			Data:   drafts,
			Total:  total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		})
	}
}

// getDraft loads a draft of the caller's organization and checks its kind,
// so a template id is not found under /broadcasts
func (h *Handlers) getDraft(r *http.Request, kind models.DraftKind) (*models.Draft, error) {
	id := chi.URLParam(r, "id")
	d, err := h.drafts.GetByID(r.Context(), actor(r).OrganizationID, id)
	if err != nil {
		return nil, err
	}
	if d.Kind != kind {
		return nil, fmt.Errorf("%w: %s %s", models.ErrNotFound, kind, id)
	}
	return d, nil
}

// GetDraft handles GET /{kind}s/{id}
func (h *Handlers) GetDraft(kind models.DraftKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := h.getDraft(r, kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.apiJSON(w, http.StatusOK, d)
	}
}

// DeleteDraft handles DELETE /{kind}s/{id}
func (h *Handlers) DeleteDraft(kind models.DraftKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := actor(r)
		if err := requireWrite(a); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.getDraft(r, kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.drafts.Delete(r.Context(), a.OrganizationID, d.ID); err != nil {
			h.fail(w, r, err)
			return
		}

		h.logger.Info("draft deleted", "draft_id", d.ID, "kind", kind)
		w.WriteHeader(http.StatusNoContent)
	}
}

// DuplicateDraft handles POST /{kind}s/{id}/duplicate
func (h *Handlers) DuplicateDraft(kind models.DraftKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a := actor(r)
		if err := requireWrite(a); err != nil {
			h.fail(w, r, err)
			return
		}
		d, err := h.getDraft(r, kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		dup, err := h.drafts.Duplicate(r.Context(), a.OrganizationID, d.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.apiJSON(w, http.StatusCreated, dup)
	}
}

// PreviewDraft handles GET /{kind}s/{id}/preview. It serves the body as
// sanitized HTML, falling back to the escaped text part.
func (h *Handlers) PreviewDraft(kind models.DraftKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := h.getDraft(r, kind)
		if err != nil {
			h.fail(w, r, err)
			return
		}

		var body string
		switch {
		case d.HTMLContent != nil && *d.HTMLContent != "":
			body = h.sanitizer.Sanitize(*d.HTMLContent)
		case d.TextContent != nil:
			body = "<pre>" + html.EscapeString(*d.TextContent) + "</pre>"
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src https: data:; style-src 'unsafe-inline'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}
}
