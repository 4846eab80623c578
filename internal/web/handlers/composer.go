package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unosend/unosend/internal/draft"
	"github.com/unosend/unosend/internal/web/composer"
	"github.com/unosend/unosend/internal/web/models"
)

// ComposerResponse is returned by every composer endpoint
type ComposerResponse struct {
	SessionID string      `json:"session_id"`
	State     draft.State `json:"state"`
	// Redirect tells the client to leave the composer; the session is gone
	Redirect bool `json:"redirect,omitempty"`
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*composer.Session, bool) {
	s, err := h.composer.Get(actor(r), chi.URLParam(r, "sid"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return s, true
}

// ComposerErrorResponse is an API error that may end the session
type ComposerErrorResponse struct {
	APIErrorResponse
	Redirect bool `json:"redirect,omitempty"`
}

// composerFail writes err. When the draft was deleted elsewhere the
// session is dropped and the client is sent back to the list.
func (h *Handlers) composerFail(w http.ResponseWriter, r *http.Request, s *composer.Session, err error) {
	if !s.Coordinator.Gone() {
		h.fail(w, r, err)
		return
	}
	h.composer.Discard(s)
	h.apiJSON(w, statusFor(err), ComposerErrorResponse{
		APIErrorResponse: APIErrorResponse{Error: err.Error(), Code: models.ErrorCode(err)},
		Redirect:         true,
	})
}

func (h *Handlers) composerState(w http.ResponseWriter, status int, s *composer.Session, redirect bool) {
	h.apiJSON(w, status, ComposerResponse{
		SessionID: s.ID,
		State:     s.Coordinator.State(),
		Redirect:  redirect,
	})
}

// OpenComposer handles POST /composer
func (h *Handlers) OpenComposer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    models.DraftKind `json:"kind"`
		DraftID string           `json:"draft_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.composer.Open(r.Context(), actor(r), req.Kind, req.DraftID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.composerState(w, http.StatusCreated, s, false)
}

// ComposerState handles GET /composer/{sid}
func (h *Handlers) ComposerState(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.composerState(w, http.StatusOK, s, false)
}

// ComposerChange handles PATCH /composer/{sid} with one field edit
func (h *Handlers) ComposerChange(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Field draft.Field `json:"field"`
		Value string      `json:"value"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := s.Coordinator.OnFieldChange(r.Context(), req.Field, req.Value); err != nil {
		h.composerFail(w, r, s, err)
		return
	}
	h.composerState(w, http.StatusOK, s, false)
}

// ComposerSave handles POST /composer/{sid}/save. A successful save ends
// the session.
func (h *Handlers) ComposerSave(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	res, err := s.Coordinator.Save(r.Context())
	if err != nil {
		h.composerFail(w, r, s, err)
		return
	}
	if res.Redirect {
		h.composer.Discard(s)
	}
	h.composerState(w, http.StatusOK, s, res.Redirect)
}

// ComposerSend handles POST /composer/{sid}/send
func (h *Handlers) ComposerSend(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	res, err := s.Coordinator.Send(r.Context())
	if err != nil {
		h.composerFail(w, r, s, err)
		return
	}

	if res.Redirect {
		h.composer.Discard(s)
	}
	h.composerState(w, http.StatusAccepted, s, res.Redirect)
}

// CloseComposer handles DELETE /composer/{sid}. Unsaved edits that are
// still waiting for autosave are dropped.
func (h *Handlers) CloseComposer(w http.ResponseWriter, r *http.Request) {
	if err := h.composer.Close(actor(r), chi.URLParam(r, "sid")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ComposerDeleteDraft handles DELETE /composer/{sid}/draft
func (h *Handlers) ComposerDeleteDraft(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	if err := s.Coordinator.Delete(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.composer.Discard(s)
	w.WriteHeader(http.StatusNoContent)
}
