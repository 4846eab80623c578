package draft

import (
	"errors"
	"testing"
	"time"

	"github.com/unosend/unosend/internal/web/models"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		kind        models.DraftKind
		form        Form
		wantName    string
		wantSubject string
		wantFrom    string
		wantHTML    bool
		wantAud     bool
	}{
		{
			name:        "empty broadcast",
			kind:        models.KindBroadcast,
			wantName:    UntitledBroadcast,
			wantSubject: NoSubject,
			wantFrom:    PlaceholderFromEmail,
		},
		{
			name:        "empty template",
			kind:        models.KindTemplate,
			wantName:    UntitledTemplate,
			wantSubject: NoSubject,
			wantFrom:    PlaceholderFromEmail,
		},
		{
			name: "filled broadcast",
			kind: models.KindBroadcast,
			form: Form{
				Name:        "Spring sale",
				Subject:     "20% off",
				FromEmail:   "news@acme.test",
				AudienceID:  "aud-1",
				HTMLContent: "<p>hi</p>",
			},
			wantName:    "Spring sale",
			wantSubject: "20% off",
			wantFrom:    "news@acme.test",
			wantHTML:    true,
			wantAud:     true,
		},
		{
			name: "template drops audience",
			kind: models.KindTemplate,
			form: Form{
				AudienceID:   "aud-1",
				ScheduleDate: "2025-03-01",
				HTMLContent:  "<p>hi</p>",
			},
			wantName:    UntitledTemplate,
			wantSubject: NoSubject,
			wantFrom:    PlaceholderFromEmail,
			wantHTML:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Normalize(tt.kind, "org-1", tt.form, time.UTC)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if p.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", p.Name, tt.wantName)
			}
			if p.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", p.Subject, tt.wantSubject)
			}
			if p.FromEmail != tt.wantFrom {
				t.Errorf("FromEmail = %q, want %q", p.FromEmail, tt.wantFrom)
			}
			if (p.HTMLContent != nil) != tt.wantHTML {
				t.Errorf("HTMLContent = %v, want set=%v", p.HTMLContent, tt.wantHTML)
			}
			if (p.AudienceID != nil) != tt.wantAud {
				t.Errorf("AudienceID = %v, want set=%v", p.AudienceID, tt.wantAud)
			}
			if p.Kind != tt.kind || p.OrganizationID != "org-1" {
				t.Errorf("Kind/Org = %s/%s", p.Kind, p.OrganizationID)
			}
			if tt.kind == models.KindTemplate && p.ScheduledAt != nil {
				t.Errorf("template has schedule %v", p.ScheduledAt)
			}
		})
	}
}

func TestNormalizeDoesNotMutateForm(t *testing.T) {
	f := Form{TextContent: "plain"}
	before := f

	if _, err := Normalize(models.KindBroadcast, "org-1", f, time.UTC); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if f != before {
		t.Errorf("form changed: %+v", f)
	}
}

func TestComposeSchedule(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)

	tests := []struct {
		name    string
		date    string
		tod     string
		want    *time.Time
		wantErr bool
	}{
		{name: "no date", date: "", tod: "10:00", want: nil},
		{name: "date and time", date: "2025-03-01", tod: "14:30", want: ptrTime(time.Date(2025, 3, 1, 14, 30, 0, 0, berlin))},
		{name: "date only is midnight", date: "2025-03-01", want: ptrTime(time.Date(2025, 3, 1, 0, 0, 0, 0, berlin))},
		{name: "bad date", date: "03/01/2025", wantErr: true},
		{name: "bad time", date: "2025-03-01", tod: "25:99", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComposeSchedule(tt.date, tt.tod, berlin)
			if tt.wantErr {
				if !errors.Is(err, models.ErrValidation) {
					t.Fatalf("ComposeSchedule() error = %v, want validation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ComposeSchedule() error = %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("ComposeSchedule() = %v, want nil", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Errorf("ComposeSchedule() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleRoundTripsThroughLocation(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)

	at, err := ComposeSchedule("2025-12-31", "23:15", loc)
	if err != nil {
		t.Fatalf("ComposeSchedule() error = %v", err)
	}
	if got := at.UTC().Format(time.RFC3339); got != "2026-01-01T07:15:00Z" {
		t.Errorf("UTC instant = %s", got)
	}

	date, tod := SplitSchedule(at, loc)
	if date != "2025-12-31" || tod != "23:15" {
		t.Errorf("SplitSchedule() = %s %s", date, tod)
	}
}

func TestNormalizeInvalidSchedule(t *testing.T) {
	_, err := Normalize(models.KindBroadcast, "org-1", Form{Subject: "x", ScheduleDate: "tomorrow"}, time.UTC)
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Normalize() error = %v, want validation", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
