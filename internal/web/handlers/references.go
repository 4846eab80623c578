package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unosend/unosend/internal/dnscheck"
	"github.com/unosend/unosend/internal/web/models"
)

// ListAudiences handles GET /audiences
func (h *Handlers) ListAudiences(w http.ResponseWriter, r *http.Request) {
	audiences, err := h.refs.ListAudiences(r.Context(), actor(r).OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusOK, map[string]any{"data": audiences})
}

// CreateAudience handles POST /audiences
func (h *Handlers) CreateAudience(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireWrite(a); err != nil {
		h.fail(w, r, err)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.apiError(w, http.StatusUnprocessableEntity, "Name is required", "VALIDATION_ERROR")
		return
	}

	audience, err := h.refs.CreateAudience(r.Context(), a.OrganizationID, strings.TrimSpace(req.Name))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusCreated, audience)
}

// ContactInput is one contact in an import request
type ContactInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ContactImportResult reports an import
type ContactImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// AddContacts handles POST /audiences/{id}/contacts. Invalid and duplicate
// addresses are skipped; a backend failure aborts the import.
func (h *Handlers) AddContacts(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireWrite(a); err != nil {
		h.fail(w, r, err)
		return
	}

	audience, err := h.refs.GetAudience(r.Context(), a.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var req struct {
		Contacts []ContactInput `json:"contacts"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Contacts) == 0 {
		h.apiError(w, http.StatusUnprocessableEntity, "At least one contact is required", "VALIDATION_ERROR")
		return
	}

	var result ContactImportResult
	for _, c := range req.Contacts {
		_, err := h.refs.AddContact(r.Context(), audience.ID, c.Email, c.Name)
		switch {
		case err == nil:
			result.Added++
		case errors.Is(err, models.ErrValidation):
			result.Skipped++
			result.Errors = append(result.Errors, c.Email+": invalid or duplicate")
		default:
			h.fail(w, r, err)
			return
		}
	}

	h.logger.Info("contacts imported", "audience_id", audience.ID, "added", result.Added, "skipped", result.Skipped)
	h.apiJSON(w, http.StatusOK, result)
}

// CountContacts handles GET /audiences/{id}/contacts/count
func (h *Handlers) CountContacts(w http.ResponseWriter, r *http.Request) {
	audience, err := h.refs.GetAudience(r.Context(), actor(r).OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	count, err := h.refs.CountSubscribedContacts(r.Context(), audience.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusOK, map[string]any{"audience_id": audience.ID, "count": count})
}

// ListDomains handles GET /domains
func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.refs.ListDomains(r.Context(), actor(r).OrganizationID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusOK, map[string]any{"data": domains})
}

// CreateDomain handles POST /domains
func (h *Handlers) CreateDomain(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	var req struct {
		Domain   string `json:"domain"`
		Selector string `json:"dkim_selector"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if err := dnscheck.ValidateDomain(domain); err != nil {
		h.apiError(w, http.StatusUnprocessableEntity, err.Error(), "VALIDATION_ERROR")
		return
	}
	if err := dnscheck.ValidateSelector(req.Selector); err != nil {
		h.apiError(w, http.StatusUnprocessableEntity, err.Error(), "VALIDATION_ERROR")
		return
	}

	d, err := h.refs.CreateDomain(r.Context(), a.OrganizationID, domain, req.Selector)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.apiJSON(w, http.StatusCreated, d)
}

// DomainVerifyResponse is the outcome of a verification run
type DomainVerifyResponse struct {
	Domain *models.Domain   `json:"domain"`
	Report *dnscheck.Report `json:"report"`
}

// VerifyDomain handles POST /domains/{id}/verify. The domain becomes
// verified when its SPF and DKIM records check out, failed otherwise.
func (h *Handlers) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if err := requireManage(a); err != nil {
		h.fail(w, r, err)
		return
	}

	d, err := h.refs.GetDomain(r.Context(), a.OrganizationID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	report, err := h.dns.Verify(r.Context(), d.Domain, d.DKIMSelector)
	if err != nil {
		h.apiError(w, http.StatusUnprocessableEntity, err.Error(), "VALIDATION_ERROR")
		return
	}

	status := models.DomainFailed
	if report.Verified {
		status = models.DomainVerified
	}
	now := h.now()
	if err := h.refs.UpdateDomainStatus(r.Context(), d.ID, status, now); err != nil {
		h.fail(w, r, err)
		return
	}
	d.Status = status
	d.CheckedAt = &now

	h.logger.Info("domain verified", "domain", d.Domain, "status", status)
	h.apiJSON(w, http.StatusOK, DomainVerifyResponse{Domain: d, Report: report})
}
