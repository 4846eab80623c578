package draft

import (
	"context"
	"errors"
	"fmt"

	"github.com/unosend/unosend/internal/web/models"
)

// Send precondition failures, checked in this order
var (
	ErrAudienceRequired  = fmt.Errorf("%w: select an audience before sending", models.ErrValidation)
	ErrFromEmailRequired = fmt.Errorf("%w: from email is required", models.ErrValidation)
	ErrSubjectRequired   = fmt.Errorf("%w: subject is required", models.ErrValidation)
	ErrContentRequired   = fmt.Errorf("%w: email content is required", models.ErrValidation)

	ErrNotSendable    = fmt.Errorf("%w: templates cannot be sent", models.ErrValidation)
	ErrSendInProgress = fmt.Errorf("%w: send already in progress", models.ErrValidation)
)

// SendResult describes an accepted send
type SendResult struct {
	DraftID  string
	Status   models.DraftStatus
	Redirect bool
}

// CheckSendable validates a form for sending without any I/O
func CheckSendable(f Form) error {
	switch {
	case f.AudienceID == "":
		return ErrAudienceRequired
	case f.FromEmail == "":
		return ErrFromEmailRequired
	case f.Subject == "":
		return ErrSubjectRequired
	case f.HTMLContent == "" && f.TextContent == "":
		return ErrContentRequired
	}
	return nil
}

// Send validates the form, forces a final save and hands the broadcast
// to the sender. Precondition failures make no store calls. On failure
// the draft stays in draft status and nothing is retried.
func (c *Coordinator) Send(ctx context.Context) (SendResult, error) {
	if c.cfg.Kind != models.KindBroadcast {
		return SendResult{}, ErrNotSendable
	}

	c.mu.Lock()
	if err := c.writableLocked(); err != nil {
		c.mu.Unlock()
		return SendResult{}, err
	}
	if c.sendInFlight {
		c.mu.Unlock()
		return SendResult{}, ErrSendInProgress
	}
	form := c.form
	isNew := c.draftID == ""
	c.sendInFlight = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sendInFlight = false
		c.mu.Unlock()
	}()

	if err := CheckSendable(form); err != nil {
		return SendResult{}, err
	}

	if isNew {
		if _, err := c.persist(ctx, false); err != nil {
			return SendResult{}, err
		}
		c.mu.Lock()
		form = c.form
		c.mu.Unlock()
		if err := CheckSendable(form); err != nil {
			return SendResult{}, err
		}
	}

	res, err := c.persist(ctx, false)
	if err != nil {
		return SendResult{DraftID: res.DraftID, Redirect: res.Redirect}, err
	}
	if res.DraftID == "" {
		return SendResult{}, fmt.Errorf("%w: draft has not been saved", models.ErrValidation)
	}

	c.mu.Lock()
	c.cancelPendingLocked()
	c.mu.Unlock()

	if err := c.sender.SendBroadcast(ctx, res.DraftID); err != nil {
		err = classify(err)
		c.observer.ObserveSend(err)

		c.mu.Lock()
		c.lastErr = err
		if errors.Is(err, models.ErrNotFound) {
			c.markGoneLocked(err)
		} else if c.saveStatus == Unsaved && !c.closed {
			c.armLocked()
		}
		gone := c.gone != nil
		c.mu.Unlock()

		c.logger.Warn("broadcast send failed", "draft_id", res.DraftID, "error", err)
		return SendResult{DraftID: res.DraftID, Redirect: gone}, err
	}
	c.observer.ObserveSend(nil)

	c.mu.Lock()
	status := models.StatusSending
	if at, _ := ComposeSchedule(c.form.ScheduleDate, c.form.ScheduleTime, c.cfg.Location); at != nil && at.After(c.clock.Now()) {
		status = models.StatusScheduled
	}
	c.status = status
	c.lastErr = nil
	c.cancelPendingLocked()
	c.mu.Unlock()

	c.logger.Info("broadcast send requested", "draft_id", res.DraftID, "status", status)
	return SendResult{DraftID: res.DraftID, Status: status, Redirect: true}, nil
}
