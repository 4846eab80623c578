package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/dnscheck"
	"github.com/unosend/unosend/internal/web/composer"
	"github.com/unosend/unosend/internal/web/db"
	"github.com/unosend/unosend/internal/web/middleware"
	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
	"github.com/unosend/unosend/internal/web/worker"
)

type txtRecords map[string][]string

func (t txtRecords) LookupTXT(_ context.Context, name string) ([]string, error) {
	if recs, ok := t[name]; ok {
		return recs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

type testEnv struct {
	router   http.Handler
	drafts   *repository.DraftRepository
	refs     *repository.ReferenceRepository
	registry *composer.Registry
}

var (
	owner  = models.Actor{OrganizationID: "org-1", Role: models.RoleOwner}
	member = models.Actor{OrganizationID: "org-1", Role: models.RoleMember}
	viewer = models.Actor{OrganizationID: "org-1", Role: models.RoleViewer}
	other  = models.Actor{OrganizationID: "org-2", Role: models.RoleOwner}
)

func setup(t *testing.T) *testEnv {
	t.Helper()

	d, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	drafts := repository.NewDraftRepository(d.DB)
	refs := repository.NewReferenceRepository(d.DB)
	registry := composer.NewRegistry(composer.Config{DebounceDelay: time.Second}, composer.Deps{
		Drafts:     drafts,
		References: refs,
		Senders:    worker.NewDispatcher(drafts, clk, logger),
		Clock:      clk,
		Logger:     logger,
	})

	h := New(Deps{
		Drafts:     drafts,
		References: refs,
		Webhooks:   repository.NewWebhookRepository(d.DB),
		Composer:   registry,
		DNS: dnscheck.NewChecker(txtRecords{
			"good.com":                    {"v=spf1 -all"},
			"unosend._domainkey.good.com": {"v=DKIM1; k=rsa; p=MIGf"},
		}),
		Clock:   clk,
		Version: "test",
	}, logger)

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api/v1", func(r chi.Router) {
		// Tests pick the actor with X-Test-Role and X-Test-Org
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				key := &models.APIKey{
					ID:             "key",
					OrganizationID: req.Header.Get("X-Test-Org"),
					Role:           models.Role(req.Header.Get("X-Test-Role")),
					Active:         true,
				}
				next.ServeHTTP(w, req.WithContext(middleware.WithAPIKey(req.Context(), key)))
			})
		})
		h.Routes(r)
	})

	return &testEnv{router: r, drafts: drafts, refs: refs, registry: registry}
}

func (e *testEnv) do(t *testing.T, as models.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, "/api/v1"+path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Org", as.OrganizationID)
	req.Header.Set("X-Test-Role", string(as.Role))

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (status %d)", err, rec.Code)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, want, rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", models.ErrValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", models.ErrPermission), http.StatusForbidden},
		{fmt.Errorf("%w: x", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", models.ErrBackend), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	e := setup(t)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	expectStatus(t, rec, http.StatusOK)
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAudiences(t *testing.T) {
	e := setup(t)

	expectStatus(t, e.do(t, viewer, http.MethodPost, "/audiences", map[string]string{"name": "News"}), http.StatusForbidden)
	expectStatus(t, e.do(t, member, http.MethodPost, "/audiences", map[string]string{"name": " "}), http.StatusUnprocessableEntity)
	expectStatus(t, e.do(t, member, http.MethodPost, "/audiences", "{"), http.StatusBadRequest)

	rec := e.do(t, member, http.MethodPost, "/audiences", map[string]string{"name": "News"})
	expectStatus(t, rec, http.StatusCreated)
	audience := decodeBody[models.Audience](t, rec)

	rec = e.do(t, member, http.MethodPost, "/audiences/"+audience.ID+"/contacts", map[string]any{
		"contacts": []ContactInput{
			{Email: "ann@example.com", Name: "Ann"},
			{Email: "bob@example.com"},
			{Email: "not-an-email"},
			{Email: "ANN@example.com"},
		},
	})
	expectStatus(t, rec, http.StatusOK)
	result := decodeBody[ContactImportResult](t, rec)
	if result.Added != 2 || result.Skipped != 2 {
		t.Errorf("import result = %+v", result)
	}

	rec = e.do(t, viewer, http.MethodGet, "/audiences/"+audience.ID+"/contacts/count", nil)
	expectStatus(t, rec, http.StatusOK)
	if count := decodeBody[map[string]any](t, rec)["count"]; count != float64(2) {
		t.Errorf("count = %v, want 2", count)
	}

	// Other organizations cannot see or fill the audience
	expectStatus(t, e.do(t, other, http.MethodGet, "/audiences/"+audience.ID+"/contacts/count", nil), http.StatusNotFound)
	expectStatus(t, e.do(t, other, http.MethodPost, "/audiences/"+audience.ID+"/contacts",
		map[string]any{"contacts": []ContactInput{{Email: "x@example.com"}}}), http.StatusNotFound)

	rec = e.do(t, viewer, http.MethodGet, "/audiences", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[struct{ Data []models.Audience }](t, rec)
	if len(list.Data) != 1 || list.Data[0].Name != "News" {
		t.Errorf("audiences = %+v", list.Data)
	}
}

func TestDomains(t *testing.T) {
	e := setup(t)

	expectStatus(t, e.do(t, member, http.MethodPost, "/domains", map[string]string{"domain": "good.com"}), http.StatusForbidden)
	expectStatus(t, e.do(t, owner, http.MethodPost, "/domains", map[string]string{"domain": "not a domain"}), http.StatusUnprocessableEntity)

	rec := e.do(t, owner, http.MethodPost, "/domains", map[string]string{"domain": "Good.com"})
	expectStatus(t, rec, http.StatusCreated)
	good := decodeBody[models.Domain](t, rec)
	if good.Domain != "good.com" || good.Status != models.DomainPending {
		t.Fatalf("domain = %+v", good)
	}

	rec = e.do(t, owner, http.MethodPost, "/domains", map[string]string{"domain": "bad.com"})
	expectStatus(t, rec, http.StatusCreated)
	bad := decodeBody[models.Domain](t, rec)

	rec = e.do(t, owner, http.MethodPost, "/domains/"+good.ID+"/verify", nil)
	expectStatus(t, rec, http.StatusOK)
	resp := decodeBody[DomainVerifyResponse](t, rec)
	if !resp.Report.Verified || resp.Domain.Status != models.DomainVerified || resp.Domain.CheckedAt == nil {
		t.Errorf("verify good = %+v", resp.Domain)
	}

	rec = e.do(t, owner, http.MethodPost, "/domains/"+bad.ID+"/verify", nil)
	expectStatus(t, rec, http.StatusOK)
	if resp := decodeBody[DomainVerifyResponse](t, rec); resp.Domain.Status != models.DomainFailed {
		t.Errorf("verify bad status = %s", resp.Domain.Status)
	}

	verified, err := e.refs.ListVerifiedDomains(context.Background(), "org-1")
	if err != nil || len(verified) != 1 || verified[0].ID != good.ID {
		t.Errorf("verified domains = %+v, %v", verified, err)
	}

	expectStatus(t, e.do(t, other, http.MethodPost, "/domains/"+good.ID+"/verify", nil), http.StatusNotFound)
}

func createDraft(t *testing.T, e *testEnv, kind models.DraftKind, name, html string) *models.Draft {
	t.Helper()
	d, err := e.drafts.Create(context.Background(), &models.DraftPayload{
		OrganizationID: "org-1",
		Kind:           kind,
		Name:           name,
		Subject:        "Hello",
		FromEmail:      "news@good.com",
		HTMLContent:    &html,
	})
	if err != nil {
		t.Fatalf("failed to create draft: %v", err)
	}
	return d
}

func TestDrafts(t *testing.T) {
	e := setup(t)
	b := createDraft(t, e, models.KindBroadcast, "Launch", `<p onclick="x()">Hi</p><script>alert(1)</script>`)
	tpl := createDraft(t, e, models.KindTemplate, "Welcome", "<p>Welcome</p>")

	rec := e.do(t, viewer, http.MethodGet, "/broadcasts", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[DraftListResponse](t, rec)
	if list.Total != 1 || list.Data[0].ID != b.ID {
		t.Errorf("broadcasts = %+v", list)
	}

	expectStatus(t, e.do(t, viewer, http.MethodGet, "/broadcasts/"+b.ID, nil), http.StatusOK)
	expectStatus(t, e.do(t, viewer, http.MethodGet, "/broadcasts/"+tpl.ID, nil), http.StatusNotFound)
	expectStatus(t, e.do(t, other, http.MethodGet, "/templates/"+tpl.ID, nil), http.StatusNotFound)

	rec = e.do(t, viewer, http.MethodGet, "/broadcasts/"+b.ID+"/preview", nil)
	expectStatus(t, rec, http.StatusOK)
	preview := rec.Body.String()
	if strings.Contains(preview, "script") || strings.Contains(preview, "onclick") || !strings.Contains(preview, "<p>Hi</p>") {
		t.Errorf("preview = %q", preview)
	}

	expectStatus(t, e.do(t, viewer, http.MethodPost, "/templates/"+tpl.ID+"/duplicate", nil), http.StatusForbidden)
	rec = e.do(t, member, http.MethodPost, "/templates/"+tpl.ID+"/duplicate", nil)
	expectStatus(t, rec, http.StatusCreated)
	dup := decodeBody[models.Draft](t, rec)
	if dup.Name != "Welcome (Copy)" || dup.Kind != models.KindTemplate {
		t.Errorf("duplicate = %+v", dup)
	}

	expectStatus(t, e.do(t, viewer, http.MethodDelete, "/templates/"+tpl.ID, nil), http.StatusForbidden)
	expectStatus(t, e.do(t, member, http.MethodDelete, "/broadcasts/"+tpl.ID, nil), http.StatusNotFound)
	expectStatus(t, e.do(t, member, http.MethodDelete, "/templates/"+tpl.ID, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, member, http.MethodGet, "/templates/"+tpl.ID, nil), http.StatusNotFound)
}

func TestComposerSendFlow(t *testing.T) {
	e := setup(t)
	audience, err := e.refs.CreateAudience(context.Background(), "org-1", "News")
	if err != nil {
		t.Fatalf("failed to create audience: %v", err)
	}
	if _, err := e.refs.AddContact(context.Background(), audience.ID, "ann@example.com", "Ann"); err != nil {
		t.Fatalf("failed to add contact: %v", err)
	}

	rec := e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "broadcast"})
	expectStatus(t, rec, http.StatusCreated)
	opened := decodeBody[ComposerResponse](t, rec)
	sid := opened.SessionID
	if sid == "" || opened.State.DraftID != "" || !opened.State.Editable {
		t.Fatalf("opened = %+v", opened)
	}

	// Sending before an audience is chosen fails without creating anything
	rec = e.do(t, member, http.MethodPost, "/composer/"+sid+"/send", nil)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	if code := decodeBody[APIErrorResponse](t, rec).Code; code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", code)
	}

	edits := []struct{ field, value string }{
		{"name", "Launch"},
		{"subject", "We are live"},
		{"from_email", "news@good.com"},
		{"html_content", "<p>Hello {{name}}</p>"},
		{"audience_id", audience.ID},
	}
	for _, ed := range edits {
		rec = e.do(t, member, http.MethodPatch, "/composer/"+sid, map[string]string{"field": ed.field, "value": ed.value})
		expectStatus(t, rec, http.StatusOK)
	}
	state := decodeBody[ComposerResponse](t, rec).State
	if state.ContactCount != 1 || state.SaveStatus != "unsaved" {
		t.Errorf("state = %+v", state)
	}

	expectStatus(t, e.do(t, member, http.MethodPatch, "/composer/"+sid, map[string]string{"field": "color", "value": "red"}),
		http.StatusUnprocessableEntity)
	expectStatus(t, e.do(t, other, http.MethodGet, "/composer/"+sid, nil), http.StatusNotFound)

	rec = e.do(t, member, http.MethodPost, "/composer/"+sid+"/send", nil)
	expectStatus(t, rec, http.StatusAccepted)
	sent := decodeBody[ComposerResponse](t, rec)
	if !sent.Redirect || sent.State.Status != models.StatusSending || sent.State.DraftID == "" {
		t.Fatalf("send response = %+v", sent)
	}

	stored, err := e.drafts.GetByID(context.Background(), "org-1", sent.State.DraftID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != models.StatusSending || stored.TotalRecipients != 1 {
		t.Errorf("stored = %+v", stored)
	}

	expectStatus(t, e.do(t, member, http.MethodGet, "/composer/"+sid, nil), http.StatusNotFound)
	if e.registry.Len() != 0 {
		t.Errorf("open sessions = %d", e.registry.Len())
	}
}

func TestComposerSaveAndDelete(t *testing.T) {
	e := setup(t)

	expectStatus(t, e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "newsletter"}), http.StatusUnprocessableEntity)
	expectStatus(t, e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "template", "draft_id": "missing"}), http.StatusNotFound)

	rec := e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "template"})
	expectStatus(t, rec, http.StatusCreated)
	sid := decodeBody[ComposerResponse](t, rec).SessionID

	expectStatus(t, e.do(t, member, http.MethodPatch, "/composer/"+sid, map[string]string{"field": "audience_id", "value": "a"}),
		http.StatusUnprocessableEntity)
	expectStatus(t, e.do(t, member, http.MethodPatch, "/composer/"+sid, map[string]string{"field": "name", "value": "Welcome"}),
		http.StatusOK)

	rec = e.do(t, member, http.MethodPost, "/composer/"+sid+"/save", nil)
	expectStatus(t, rec, http.StatusOK)
	saved := decodeBody[ComposerResponse](t, rec)
	if !saved.Redirect || saved.State.DraftID == "" {
		t.Fatalf("save response = %+v", saved)
	}

	d, err := e.drafts.GetByID(context.Background(), "org-1", saved.State.DraftID)
	if err != nil || d.Name != "Welcome" || d.Kind != models.KindTemplate {
		t.Fatalf("stored template = %+v, %v", d, err)
	}

	// Reopen the stored template and delete it from the composer
	rec = e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "template", "draft_id": d.ID})
	expectStatus(t, rec, http.StatusCreated)
	reopened := decodeBody[ComposerResponse](t, rec)
	if reopened.State.Form.Name != "Welcome" {
		t.Errorf("reopened form = %+v", reopened.State.Form)
	}

	expectStatus(t, e.do(t, member, http.MethodDelete, "/composer/"+reopened.SessionID+"/draft", nil), http.StatusNoContent)
	if _, err := e.drafts.GetByID(context.Background(), "org-1", d.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("deleted draft lookup error = %v", err)
	}

	rec = e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "broadcast"})
	sid = decodeBody[ComposerResponse](t, rec).SessionID
	expectStatus(t, e.do(t, member, http.MethodDelete, "/composer/"+sid, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, member, http.MethodDelete, "/composer/"+sid, nil), http.StatusNotFound)
}

func TestComposerDraftDeletedElsewhere(t *testing.T) {
	e := setup(t)
	d := createDraft(t, e, models.KindBroadcast, "Launch", "<p>Hi</p>")

	rec := e.do(t, member, http.MethodPost, "/composer", map[string]string{"kind": "broadcast", "draft_id": d.ID})
	expectStatus(t, rec, http.StatusCreated)
	sid := decodeBody[ComposerResponse](t, rec).SessionID

	// Deleted from another tab
	expectStatus(t, e.do(t, member, http.MethodDelete, "/broadcasts/"+d.ID, nil), http.StatusNoContent)

	expectStatus(t, e.do(t, member, http.MethodPatch, "/composer/"+sid, map[string]string{"field": "subject", "value": "Edited"}),
		http.StatusOK)

	rec = e.do(t, member, http.MethodPost, "/composer/"+sid+"/save", nil)
	expectStatus(t, rec, http.StatusNotFound)
	body := decodeBody[ComposerErrorResponse](t, rec)
	if !body.Redirect || body.Code != "NOT_FOUND" {
		t.Errorf("save response = %+v, want NOT_FOUND with redirect", body)
	}

	if e.registry.Len() != 0 {
		t.Errorf("open sessions = %d, want the session dropped", e.registry.Len())
	}
	expectStatus(t, e.do(t, member, http.MethodGet, "/composer/"+sid, nil), http.StatusNotFound)
}

func TestViewerCannotCreateFromComposer(t *testing.T) {
	e := setup(t)

	rec := e.do(t, viewer, http.MethodPost, "/composer", map[string]string{"kind": "template"})
	expectStatus(t, rec, http.StatusCreated)
	sid := decodeBody[ComposerResponse](t, rec).SessionID

	expectStatus(t, e.do(t, viewer, http.MethodPatch, "/composer/"+sid, map[string]string{"field": "name", "value": "x"}), http.StatusOK)

	rec = e.do(t, viewer, http.MethodPost, "/composer/"+sid+"/save", nil)
	expectStatus(t, rec, http.StatusForbidden)
	if code := decodeBody[APIErrorResponse](t, rec).Code; code != "PERMISSION_DENIED" {
		t.Errorf("code = %q", code)
	}
}

func TestWebhooks(t *testing.T) {
	e := setup(t)
	admin := models.Actor{OrganizationID: "org-1", Role: models.RoleAdmin}

	body := WebhookRequest{URL: "https://hooks.example.com/unosend", Events: []string{"email.sent", "broadcast.sent"}}
	expectStatus(t, e.do(t, member, http.MethodPost, "/webhooks", body), http.StatusForbidden)
	expectStatus(t, e.do(t, admin, http.MethodPost, "/webhooks", WebhookRequest{URL: "ftp://x", Events: []string{"email.sent"}}),
		http.StatusUnprocessableEntity)

	rec := e.do(t, admin, http.MethodPost, "/webhooks", body)
	expectStatus(t, rec, http.StatusCreated)
	hook := decodeBody[models.Webhook](t, rec)
	if !strings.HasPrefix(hook.Secret, "whsec_") || !hook.Active {
		t.Fatalf("created = %+v", hook)
	}

	rec = e.do(t, admin, http.MethodGet, "/webhooks", nil)
	expectStatus(t, rec, http.StatusOK)
	list := decodeBody[struct{ Data []models.Webhook }](t, rec)
	if len(list.Data) != 1 || list.Data[0].Secret != "" {
		t.Errorf("list = %+v", list.Data)
	}

	inactive := false
	rec = e.do(t, admin, http.MethodPut, "/webhooks/"+hook.ID, WebhookRequest{Active: &inactive})
	expectStatus(t, rec, http.StatusOK)
	updated := decodeBody[models.Webhook](t, rec)
	if updated.Active || updated.URL != body.URL || len(updated.Events) != 2 || updated.Secret != "" {
		t.Errorf("updated = %+v", updated)
	}

	rec = e.do(t, admin, http.MethodPost, "/webhooks/"+hook.ID+"/rotate-secret", nil)
	expectStatus(t, rec, http.StatusOK)
	if secret := decodeBody[map[string]string](t, rec)["secret"]; secret == hook.Secret || !strings.HasPrefix(secret, "whsec_") {
		t.Errorf("rotated secret = %q", secret)
	}

	expectStatus(t, e.do(t, other, http.MethodGet, "/webhooks/"+hook.ID, nil), http.StatusNotFound)
	expectStatus(t, e.do(t, admin, http.MethodDelete, "/webhooks/"+hook.ID, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, admin, http.MethodGet, "/webhooks/"+hook.ID, nil), http.StatusNotFound)
}
