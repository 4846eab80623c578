package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/draft"
	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
)

// Dispatcher accepts send requests for stored broadcasts. It only changes
// the broadcast status; the Worker performs the delivery.
type Dispatcher struct {
	drafts *repository.DraftRepository
	clock  clock.Clock
	logger *slog.Logger
}

func NewDispatcher(drafts *repository.DraftRepository, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		drafts: drafts,
		clock:  clk,
		logger: logger.With("component", "dispatcher"),
	}
}

// For returns a draft.Sender acting on behalf of actor
func (d *Dispatcher) For(actor models.Actor) draft.Sender {
	return actorSender{d: d, actor: actor}
}

type actorSender struct {
	d     *Dispatcher
	actor models.Actor
}

func (s actorSender) SendBroadcast(ctx context.Context, id string) error {
	return s.d.SendBroadcast(ctx, s.actor, id)
}

// SendBroadcast validates the stored broadcast and marks it scheduled when
// its schedule lies in the future, sending otherwise.
func (d *Dispatcher) SendBroadcast(ctx context.Context, actor models.Actor, id string) error {
	if !actor.Role.CanWrite() {
		return fmt.Errorf("%w: role %s cannot send broadcasts", models.ErrPermission, actor.Role)
	}

	b, err := d.drafts.GetByID(ctx, actor.OrganizationID, id)
	if err != nil {
		return err
	}
	if err := checkDeliverable(b); err != nil {
		return err
	}

	if b.ScheduledAt != nil && b.ScheduledAt.After(d.clock.Now()) {
		if err := d.drafts.MarkScheduled(ctx, id); err != nil {
			return err
		}
		d.logger.Info("broadcast scheduled", "draft_id", id, "scheduled_at", b.ScheduledAt)
		return nil
	}

	if err := d.drafts.MarkSending(ctx, id); err != nil {
		return err
	}
	d.logger.Info("broadcast queued for delivery", "draft_id", id, "total_recipients", b.TotalRecipients)
	return nil
}

// checkDeliverable re-checks the stored record, since the composer's view
// may be older than what is persisted
func checkDeliverable(b *models.Draft) error {
	switch {
	case b.Kind != models.KindBroadcast:
		return fmt.Errorf("%w: templates cannot be sent", models.ErrValidation)
	case b.Status != models.StatusDraft:
		return fmt.Errorf("%w: broadcast is already %s", models.ErrValidation, b.Status)
	case b.AudienceID == nil:
		return fmt.Errorf("%w: audience is required", models.ErrValidation)
	case strings.TrimSpace(b.Subject) == "":
		return fmt.Errorf("%w: subject is required", models.ErrValidation)
	case strings.TrimSpace(b.FromEmail) == "":
		return fmt.Errorf("%w: from email is required", models.ErrValidation)
	case b.HTMLContent == nil && b.TextContent == nil:
		return fmt.Errorf("%w: content is required", models.ErrValidation)
	}
	return nil
}
