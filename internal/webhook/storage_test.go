package webhook

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) (*BoltStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhooks.db")
	s, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testDelivery(id string, at time.Time) *Delivery {
	return &Delivery{
		ID:            id,
		WebhookID:     "wh-1",
		URL:           "https://example.com/hook",
		Secret:        "whsec_x",
		EventType:     "email.sent",
		Payload:       []byte(`{}`),
		NextAttemptAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestStorageClaimDueOrder(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// Sub-second offsets check that index keys sort numerically.
	s.Enqueue(ctx, testDelivery("c", base.Add(1500*time.Millisecond)))
	s.Enqueue(ctx, testDelivery("a", base))
	s.Enqueue(ctx, testDelivery("b", base.Add(100*time.Millisecond)))
	s.Enqueue(ctx, testDelivery("later", base.Add(time.Hour)))

	got, err := s.ClaimDue(ctx, base.Add(2*time.Second), 0)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("claimed = %v", ids(got))
	}
	if got[0].Status != StatusSending {
		t.Errorf("status = %s, want sending", got[0].Status)
	}

	again, _ := s.ClaimDue(ctx, base.Add(2*time.Second), 0)
	if len(again) != 0 {
		t.Errorf("claimed twice: %v", ids(again))
	}

	limited, _ := s.ClaimDue(ctx, base.Add(2*time.Hour), 1)
	if len(limited) != 1 || limited[0].ID != "later" {
		t.Errorf("claimed = %v", ids(limited))
	}
}

func TestStorageRetryKillComplete(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s.Enqueue(ctx, testDelivery("r", now))
	s.Enqueue(ctx, testDelivery("k", now))
	s.Enqueue(ctx, testDelivery("c", now))
	claimed, _ := s.ClaimDue(ctx, now, 0)
	if len(claimed) != 3 {
		t.Fatalf("claimed %d", len(claimed))
	}

	byID := map[string]*Delivery{}
	for _, d := range claimed {
		byID[d.ID] = d
	}

	byID["r"].NextAttemptAt = now.Add(time.Minute)
	if err := s.Retry(ctx, byID["r"]); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := s.Kill(ctx, byID["k"]); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := s.Complete(ctx, "c"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	stats, _ := s.QueueStats(ctx)
	if stats.Pending != 1 || stats.Dead != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if d, _ := s.Get(ctx, "c"); d != nil {
		t.Error("completed delivery still stored")
	}
	dead, _ := s.ListDead(ctx, 10)
	if len(dead) != 1 || dead[0].ID != "k" || dead[0].Status != StatusDead {
		t.Errorf("dead = %v", ids(dead))
	}

	if got, _ := s.ClaimDue(ctx, now, 0); len(got) != 0 {
		t.Errorf("retry claimed early: %v", ids(got))
	}
	if got, _ := s.ClaimDue(ctx, now.Add(time.Minute), 0); len(got) != 1 {
		t.Errorf("retry not due: %v", ids(got))
	}
}

func TestStorageRevive(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	s.Enqueue(ctx, testDelivery("k", now))
	claimed, _ := s.ClaimDue(ctx, now, 0)
	claimed[0].Attempts = 6
	if err := s.Kill(ctx, claimed[0]); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	if ok, err := s.Revive(ctx, "missing", now); ok || err != nil {
		t.Errorf("Revive(missing) = %v, %v", ok, err)
	}

	later := now.Add(time.Hour)
	ok, err := s.Revive(ctx, "k", later)
	if !ok || err != nil {
		t.Fatalf("Revive() = %v, %v", ok, err)
	}
	if ok, _ := s.Revive(ctx, "k", later); ok {
		t.Error("pending delivery revived twice")
	}

	stats, _ := s.QueueStats(ctx)
	if stats.Pending != 1 || stats.Dead != 0 {
		t.Errorf("stats = %+v", stats)
	}

	got, _ := s.ClaimDue(ctx, later, 0)
	if len(got) != 1 || got[0].Attempts != 0 {
		t.Errorf("revived claim = %+v", got)
	}
}

func TestStorageRequeuesInFlightOnOpen(t *testing.T) {
	s, path := newTestStorage(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	s.Enqueue(ctx, testDelivery("x", past))
	if got, _ := s.ClaimDue(ctx, time.Now(), 0); len(got) != 1 {
		t.Fatalf("claimed %d", len(got))
	}
	s.Close()

	reopened, err := NewBoltStorage(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, _ := reopened.ClaimDue(ctx, time.Now().Add(time.Second), 0)
	if len(got) != 1 || got[0].ID != "x" {
		t.Errorf("after reopen claimed = %v", ids(got))
	}
}

func ids(ds []*Delivery) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
