package draft

import (
	"context"

	"github.com/unosend/unosend/internal/web/models"
)

// loadReferences fetches audiences and verified domains once per Load.
// Failures leave the lists empty; the composer keeps working.
func (c *Coordinator) loadReferences(ctx context.Context) {
	if c.refs == nil {
		return
	}

	var audiences []models.Audience
	if c.cfg.Kind == models.KindBroadcast {
		list, err := c.refs.ListAudiences(ctx, c.cfg.OrganizationID)
		if err != nil {
			c.logger.Warn("failed to load audiences", "error", err)
		} else {
			audiences = list
		}
	}

	domains, err := c.refs.ListVerifiedDomains(ctx, c.cfg.OrganizationID)
	if err != nil {
		c.logger.Warn("failed to load verified domains", "error", err)
		domains = nil
	}

	c.mu.Lock()
	c.audiences = audiences
	c.domains = domains
	c.mu.Unlock()
}

// refreshContactCount resolves the subscribed-contact count for
// audienceID. A result for an audience that is no longer selected is
// dropped. On failure the count stays unresolved and reads as zero.
func (c *Coordinator) refreshContactCount(ctx context.Context, audienceID string) {
	count := 0
	known := true

	if audienceID != "" && c.refs != nil {
		n, err := c.refs.CountSubscribedContacts(ctx, audienceID)
		if err != nil {
			c.logger.Warn("failed to count contacts", "audience_id", audienceID, "error", err)
			known = false
		} else {
			count = n
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.form.AudienceID != audienceID {
		return
	}
	c.countAudience = audienceID
	c.contactCount = count
	c.countKnown = known
}

// ensureContactCount resolves the count for the current audience if the
// last refresh failed or has not happened.
func (c *Coordinator) ensureContactCount(ctx context.Context) {
	if c.cfg.Kind != models.KindBroadcast {
		return
	}

	c.mu.Lock()
	audienceID := c.form.AudienceID
	known := c.countKnown && c.countAudience == audienceID
	c.mu.Unlock()

	if !known {
		c.refreshContactCount(ctx, audienceID)
	}
}

// recipientsLocked is the snapshot written to TotalRecipients
func (c *Coordinator) recipientsLocked() int {
	if c.cfg.Kind != models.KindBroadcast || c.form.AudienceID == "" {
		return 0
	}
	if c.countKnown && c.countAudience == c.form.AudienceID {
		return c.contactCount
	}
	return 0
}
