package draft

import (
	"fmt"
	"time"

	"github.com/unosend/unosend/internal/web/models"
)

// Placeholders written in place of empty fields. The store requires a
// non-null sender address, so an empty one is replaced as well.
const (
	UntitledBroadcast    = "Untitled Broadcast"
	UntitledTemplate     = "Untitled Template"
	NoSubject            = "(No subject)"
	PlaceholderFromEmail = "noreply@example.com"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Normalize builds the persistence payload for a form. It never mutates
// the form: defaults live only in the payload. TotalRecipients is left
// zero for the caller to fill.
func Normalize(kind models.DraftKind, organizationID string, f Form, loc *time.Location) (*models.DraftPayload, error) {
	p := &models.DraftPayload{
		OrganizationID: organizationID,
		Kind:           kind,
		Name:           f.Name,
		Subject:        f.Subject,
		FromEmail:      f.FromEmail,
		FromName:       f.FromName,
		ReplyTo:        f.ReplyTo,
		HTMLContent:    optional(f.HTMLContent),
		TextContent:    optional(f.TextContent),
	}

	if p.Name == "" {
		p.Name = UntitledBroadcast
		if kind == models.KindTemplate {
			p.Name = UntitledTemplate
		}
	}
	if p.Subject == "" {
		p.Subject = NoSubject
	}
	if p.FromEmail == "" {
		p.FromEmail = PlaceholderFromEmail
	}

	if kind == models.KindTemplate {
		return p, nil
	}

	p.AudienceID = optional(f.AudienceID)

	scheduledAt, err := ComposeSchedule(f.ScheduleDate, f.ScheduleTime, loc)
	if err != nil {
		return nil, err
	}
	p.ScheduledAt = scheduledAt

	return p, nil
}

// ComposeSchedule combines a calendar date and an optional time of day
// into one instant in loc. Without a date the result is nil whatever the
// time says; a date without a time means midnight.
func ComposeSchedule(date, timeOfDay string, loc *time.Location) (*time.Time, error) {
	if date == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}

	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid schedule date %q", models.ErrValidation, date)
	}

	if timeOfDay != "" {
		tod, err := time.Parse(timeLayout, timeOfDay)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid schedule time %q", models.ErrValidation, timeOfDay)
		}
		day = time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, loc)
	}

	return &day, nil
}

// SplitSchedule is the inverse of ComposeSchedule, used when loading a
// stored draft back into a form.
func SplitSchedule(t *time.Time, loc *time.Location) (date, timeOfDay string) {
	if t == nil {
		return "", ""
	}
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	return local.Format(dateLayout), local.Format(timeLayout)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
