package draft

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/web/models"
)

var testEpoch = time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store that records every call
type fakeStore struct {
	mu       sync.Mutex
	drafts   map[string]*models.Draft
	nextID   int
	creates  int
	updates  int
	deletes  int
	gets     int
	payloads []models.DraftPayload

	createErr error
	updateErr error
	deleteErr error

	// hook runs before a create or update is applied; n counts calls of
	// that op starting at 1. Returning an error fails the call.
	hook func(op string, n int) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{drafts: make(map[string]*models.Draft)}
}

func (s *fakeStore) seed(d *models.Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.ID] = d
}

func (s *fakeStore) CreateDraft(ctx context.Context, p *models.DraftPayload) (string, error) {
	s.mu.Lock()
	s.creates++
	n := s.creates
	hook := s.hook
	err := s.createErr
	s.mu.Unlock()

	if hook != nil {
		if herr := hook("create", n); herr != nil {
			return "", herr
		}
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("draft-%d", s.nextID)
	s.payloads = append(s.payloads, *p)
	s.drafts[id] = draftFromPayload(id, p)
	return id, nil
}

func (s *fakeStore) UpdateDraft(ctx context.Context, id string, p *models.DraftPayload) error {
	s.mu.Lock()
	s.updates++
	n := s.updates
	hook := s.hook
	err := s.updateErr
	s.mu.Unlock()

	if hook != nil {
		if herr := hook("update", n); herr != nil {
			return herr
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[id]; !ok {
		return fmt.Errorf("%w: draft %s", models.ErrNotFound, id)
	}
	s.payloads = append(s.payloads, *p)
	s.drafts[id] = draftFromPayload(id, p)
	return nil
}

func (s *fakeStore) DeleteDraft(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.drafts, id)
	return nil
}

func (s *fakeStore) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	d, ok := s.drafts[id]
	if !ok {
		return nil, fmt.Errorf("%w: draft %s", models.ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// remove deletes a stored draft behind the coordinator's back
func (s *fakeStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, id)
}

func (s *fakeStore) counts() (creates, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.updates
}

func (s *fakeStore) lastPayload(t *testing.T) models.DraftPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		t.Fatal("no payload persisted")
	}
	return s.payloads[len(s.payloads)-1]
}

func draftFromPayload(id string, p *models.DraftPayload) *models.Draft {
	return &models.Draft{
		ID:              id,
		OrganizationID:  p.OrganizationID,
		Kind:            p.Kind,
		Name:            p.Name,
		Subject:         p.Subject,
		FromEmail:       p.FromEmail,
		FromName:        p.FromName,
		ReplyTo:         p.ReplyTo,
		AudienceID:      p.AudienceID,
		HTMLContent:     p.HTMLContent,
		TextContent:     p.TextContent,
		ScheduledAt:     p.ScheduledAt,
		Status:          models.StatusDraft,
		TotalRecipients: p.TotalRecipients,
	}
}

// fakeRefs serves fixed reference data
type fakeRefs struct {
	mu          sync.Mutex
	counts      map[string]int
	countErr    error
	listErr     error
	countCalls  int
	audienceIDs []string
}

func newFakeRefs() *fakeRefs {
	return &fakeRefs{counts: map[string]int{"aud-1": 42, "aud-2": 7}}
}

func (r *fakeRefs) ListAudiences(ctx context.Context, organizationID string) ([]models.Audience, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return []models.Audience{
		{ID: "aud-1", OrganizationID: organizationID, Name: "Customers"},
		{ID: "aud-2", OrganizationID: organizationID, Name: "Beta"},
	}, nil
}

func (r *fakeRefs) ListVerifiedDomains(ctx context.Context, organizationID string) ([]models.Domain, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return []models.Domain{{ID: "dom-1", Domain: "example.com", Status: models.DomainVerified}}, nil
}

func (r *fakeRefs) CountSubscribedContacts(ctx context.Context, audienceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countCalls++
	r.audienceIDs = append(r.audienceIDs, audienceID)
	if r.countErr != nil {
		return 0, r.countErr
	}
	return r.counts[audienceID], nil
}

func (r *fakeRefs) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countCalls
}

// fakeSender records send requests
type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error

	// hook runs before the request is recorded
	hook func(id string)
}

func (s *fakeSender) SendBroadcast(ctx context.Context, id string) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	return s.err
}

func (s *fakeSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type harness struct {
	store  *fakeStore
	refs   *fakeRefs
	sender *fakeSender
	clock  *clock.FakeClock
	coord  *Coordinator
}

func newHarness(t *testing.T, kind models.DraftKind) *harness {
	t.Helper()

	h := &harness{
		store:  newFakeStore(),
		refs:   newFakeRefs(),
		sender: &fakeSender{},
		clock:  clock.Fake(testEpoch),
	}
	h.coord = New(Config{
		Kind:           kind,
		OrganizationID: "org-1",
		DebounceDelay:  2 * time.Second,
		Location:       time.UTC,
	}, Deps{
		Store:      h.store,
		References: h.refs,
		Sender:     h.sender,
		Clock:      h.clock,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

// loadNew starts a brand-new draft
func (h *harness) loadNew(t *testing.T) {
	t.Helper()
	if err := h.coord.Load(context.Background(), ""); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

// loadExisting seeds a stored draft and loads it
func (h *harness) loadExisting(t *testing.T, d *models.Draft) {
	t.Helper()
	h.store.seed(d)
	if err := h.coord.Load(context.Background(), d.ID); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func (h *harness) edit(t *testing.T, field Field, value string) {
	t.Helper()
	if err := h.coord.OnFieldChange(context.Background(), field, value); err != nil {
		t.Fatalf("OnFieldChange(%s, %q) error = %v", field, value, err)
	}
}

func storedBroadcast(id string) *models.Draft {
	html := "<p>Hello</p>"
	return &models.Draft{
		ID:             id,
		OrganizationID: "org-1",
		Kind:           models.KindBroadcast,
		Name:           "Spring sale",
		Subject:        "Spring",
		FromEmail:      "news@example.com",
		HTMLContent:    &html,
		Status:         models.StatusDraft,
	}
}
