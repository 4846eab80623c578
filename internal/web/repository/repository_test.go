package repository

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/unosend/unosend/internal/web/db"
	"github.com/unosend/unosend/internal/web/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	d, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return d.DB
}

func createAudience(t *testing.T, refs *ReferenceRepository, orgID, name string, emails ...string) *models.Audience {
	t.Helper()
	ctx := context.Background()

	a, err := refs.CreateAudience(ctx, orgID, name)
	if err != nil {
		t.Fatalf("failed to create audience: %v", err)
	}
	for _, e := range emails {
		if _, err := refs.AddContact(ctx, a.ID, e, strings.Split(e, "@")[0]); err != nil {
			t.Fatalf("failed to add contact %s: %v", e, err)
		}
	}
	return a
}

func broadcastPayload(orgID string) *models.DraftPayload {
	html := "<p>Hello {{name}}</p>"
	return &models.DraftPayload{
		OrganizationID: orgID,
		Kind:           models.KindBroadcast,
		Name:           "Spring sale",
		Subject:        "Spring",
		FromEmail:      "news@example.com",
		HTMLContent:    &html,
	}
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}
