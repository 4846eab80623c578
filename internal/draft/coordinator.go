package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/web/models"
)

// DefaultDebounceDelay is the quiet period after the last edit before an
// autosave fires.
const DefaultDebounceDelay = 2 * time.Second

const defaultSaveTimeout = 30 * time.Second

var (
	ErrClosed      = fmt.Errorf("%w: composer is closed", models.ErrValidation)
	ErrNotLoaded   = fmt.Errorf("%w: draft is still loading", models.ErrValidation)
	ErrNotEditable = fmt.Errorf("%w: draft is no longer editable", models.ErrValidation)
)

// Config holds per-draft coordinator settings
type Config struct {
	Kind           models.DraftKind
	OrganizationID string
	DebounceDelay  time.Duration
	// Location interprets the schedule date and time of day
	Location *time.Location
	// SaveTimeout bounds autosaves, which run without a caller context
	SaveTimeout time.Duration
}

// Deps are the collaborators of a coordinator
type Deps struct {
	Store      Store
	References ReferenceData
	Sender     Sender
	Clock      clock.Clock
	Logger     *slog.Logger
	Observer   Observer
}

// PersistResult describes a completed Persist call
type PersistResult struct {
	DraftID string
	// Skipped is set when there was nothing worth persisting yet
	Skipped bool
	// Redirect asks the caller to leave the composer
	Redirect bool
}

// Coordinator owns the in-memory state of one draft and its autosave
// timer. It is safe for concurrent use.
type Coordinator struct {
	cfg      Config
	store    Store
	refs     ReferenceData
	sender   Sender
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	mu                sync.Mutex
	form              Form
	draftID           string
	status            models.DraftStatus
	sentCount         int
	totalRecipients   int
	updatedAt         *time.Time
	hasInitialContent bool // one-way latch
	loaded            bool
	closed            bool
	gone              error // set when the stored draft disappeared
	sendInFlight      bool
	saveStatus        SaveStatus
	lastErr           error

	pending  *clock.Timer
	timerGen uint64

	revision     uint64 // bumped by every accepted field change
	seq          uint64 // last initiated persist
	completedSeq uint64 // highest persist whose outcome was applied

	creating chan struct{} // closed when the in-flight create finishes

	audiences     []models.Audience
	domains       []models.Domain
	countAudience string
	countKnown    bool
	contactCount  int
}

// New creates a coordinator. Call Load before editing.
func New(cfg Config, deps Deps) *Coordinator {
	if !cfg.Kind.Valid() {
		cfg.Kind = models.KindBroadcast
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = DefaultDebounceDelay
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	return &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		refs:       deps.References,
		sender:     deps.Sender,
		clock:      deps.Clock,
		logger:     deps.Logger.With("component", "composer", "kind", string(cfg.Kind), "organization_id", cfg.OrganizationID),
		observer:   deps.Observer,
		status:     models.StatusDraft,
		saveStatus: Saved,
	}
}

// Load prepares the coordinator. An empty id starts a new draft without
// touching the store; otherwise the stored draft is fetched into the
// form. Autosave stays disabled until Load returns successfully.
func (c *Coordinator) Load(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.loaded {
		c.mu.Unlock()
		return fmt.Errorf("%w: draft already loaded", models.ErrValidation)
	}
	c.mu.Unlock()

	if id != "" {
		d, err := c.store.GetDraft(ctx, id)
		if err != nil {
			return classify(err)
		}
		if d.Kind != c.cfg.Kind {
			return fmt.Errorf("%w: %s %s", models.ErrNotFound, c.cfg.Kind, id)
		}

		date, tod := SplitSchedule(d.ScheduledAt, c.cfg.Location)
		updated := d.UpdatedAt

		c.mu.Lock()
		c.draftID = d.ID
		c.status = d.Status
		c.sentCount = d.SentCount
		c.totalRecipients = d.TotalRecipients
		c.updatedAt = &updated
		c.hasInitialContent = true
		c.form = Form{
			Name:         d.Name,
			Subject:      d.Subject,
			FromEmail:    d.FromEmail,
			FromName:     d.FromName,
			ReplyTo:      d.ReplyTo,
			AudienceID:   deref(d.AudienceID),
			HTMLContent:  deref(d.HTMLContent),
			TextContent:  deref(d.TextContent),
			ScheduleDate: date,
			ScheduleTime: tod,
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.loaded = true
	audienceID := c.form.AudienceID
	c.mu.Unlock()

	c.loadReferences(ctx)
	if c.cfg.Kind == models.KindBroadcast {
		c.refreshContactCount(ctx, audienceID)
	}

	c.logger.Debug("draft loaded", "draft_id", id)
	return nil
}

// OnFieldChange applies one edit. Until the content gate opens only the
// in-memory form changes; afterwards every edit marks the draft unsaved
// and re-arms the debounce timer.
func (c *Coordinator) OnFieldChange(ctx context.Context, field Field, value string) error {
	c.mu.Lock()
	if c.gone != nil {
		c.mu.Unlock()
		return c.gone
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != models.StatusDraft {
		c.mu.Unlock()
		return ErrNotEditable
	}
	if c.sendInFlight {
		c.mu.Unlock()
		return ErrSendInProgress
	}
	if c.cfg.Kind == models.KindTemplate && broadcastOnly[field] {
		c.mu.Unlock()
		return fmt.Errorf("%w: templates have no %s", models.ErrValidation, field)
	}

	prevAudience := c.form.AudienceID
	if err := c.form.set(field, value); err != nil {
		c.mu.Unlock()
		return err
	}
	c.revision++

	if !c.hasInitialContent && contentFields[field] && value != "" {
		c.hasInitialContent = true
	}
	if c.hasInitialContent && c.loaded {
		c.saveStatus = Unsaved
		c.armLocked()
	}
	c.mu.Unlock()

	if field == FieldAudienceID && value != prevAudience {
		c.refreshContactCount(ctx, value)
	}
	return nil
}

// Persist writes the current form to the store, creating the draft on
// first success and updating it afterwards. It does not retry.
func (c *Coordinator) Persist(ctx context.Context, redirectAfter bool) (PersistResult, error) {
	return c.persist(ctx, redirectAfter)
}

// Save is the explicit save action: persist, then leave the composer.
func (c *Coordinator) Save(ctx context.Context) (PersistResult, error) {
	return c.persist(ctx, true)
}

func (c *Coordinator) persist(ctx context.Context, redirectAfter bool) (PersistResult, error) {
	c.ensureContactCount(ctx)

	c.mu.Lock()
	if err := c.awaitCreateLocked(ctx); err != nil {
		c.mu.Unlock()
		return PersistResult{}, err
	}
	if err := c.writableLocked(); err != nil {
		c.mu.Unlock()
		return PersistResult{}, err
	}
	if !c.hasInitialContent && !c.form.hasText() {
		id := c.draftID
		c.mu.Unlock()
		return PersistResult{DraftID: id, Skipped: true}, nil
	}

	c.seq++
	seq := c.seq

	payload, err := Normalize(c.cfg.Kind, c.cfg.OrganizationID, c.form, c.cfg.Location)
	if err != nil {
		c.completeLocked(seq, c.revision, err)
		id := c.draftID
		c.mu.Unlock()
		return PersistResult{DraftID: id}, err
	}
	payload.TotalRecipients = c.recipientsLocked()

	rev := c.revision
	id := c.draftID
	var created chan struct{}
	if id == "" {
		created = make(chan struct{})
		c.creating = created
	}
	c.saveStatus = Saving
	c.mu.Unlock()

	op := "update"
	if created != nil {
		op = "create"
		id, err = c.store.CreateDraft(ctx, payload)
	} else {
		err = c.store.UpdateDraft(ctx, id, payload)
	}
	err = classify(err)
	c.observer.ObserveSave(c.cfg.Kind, op, err)

	c.mu.Lock()
	if created != nil {
		if err == nil {
			c.draftID = id
			c.hasInitialContent = true
		}
		c.creating = nil
		close(created)
	}
	if err == nil {
		c.totalRecipients = payload.TotalRecipients
		now := c.clock.Now()
		c.updatedAt = &now
	}
	c.completeLocked(seq, rev, err)
	if created == nil && errors.Is(err, models.ErrNotFound) {
		c.markGoneLocked(err)
	}
	current := c.draftID
	gone := c.gone != nil
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("draft save failed", "op", op, "draft_id", current, "error", err)
		return PersistResult{DraftID: current, Redirect: gone}, err
	}

	c.logger.Debug("draft saved", "op", op, "draft_id", id, "total_recipients", payload.TotalRecipients)
	return PersistResult{DraftID: id, Redirect: redirectAfter}, nil
}

// completeLocked applies the outcome of persist call seq unless a later
// call has already completed.
func (c *Coordinator) completeLocked(seq, rev uint64, err error) {
	if seq <= c.completedSeq {
		return
	}
	c.completedSeq = seq

	switch {
	case err != nil:
		c.saveStatus = Unsaved
		c.lastErr = err
	case rev != c.revision:
		// Edits arrived after the payload was built; the debounce slot
		// holds them.
		c.saveStatus = Unsaved
		c.lastErr = nil
	default:
		c.saveStatus = Saved
		c.lastErr = nil
	}
}

// awaitCreateLocked blocks while a create for this draft is in flight.
// Called and returns with c.mu held.
func (c *Coordinator) awaitCreateLocked(ctx context.Context) error {
	for c.draftID == "" && c.creating != nil {
		wait := c.creating
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			c.mu.Lock()
			return ctx.Err()
		}
		c.mu.Lock()
	}
	return nil
}

// markGoneLocked closes the coordinator after the stored draft was
// removed elsewhere. Later operations return err.
func (c *Coordinator) markGoneLocked(err error) {
	if c.gone == nil {
		c.gone = err
		c.logger.Warn("draft no longer exists, closing composer", "draft_id", c.draftID)
	}
	c.closed = true
	c.cancelPendingLocked()
}

// Gone reports whether the draft was deleted from the store while open.
// The caller should return to the draft list.
func (c *Coordinator) Gone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone != nil
}

func (c *Coordinator) writableLocked() error {
	switch {
	case c.gone != nil:
		return c.gone
	case c.closed:
		return ErrClosed
	case !c.loaded:
		return ErrNotLoaded
	case c.status != models.StatusDraft:
		return ErrNotEditable
	}
	return nil
}

// armLocked replaces the pending debounce timer
func (c *Coordinator) armLocked() {
	if c.pending != nil {
		c.pending.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.pending = c.clock.AfterFunc(c.cfg.DebounceDelay, func() { c.autosave(gen) })
}

func (c *Coordinator) cancelPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.timerGen++
}

// CancelPending drops the pending autosave, if any
func (c *Coordinator) CancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPendingLocked()
}

// Pending reports whether an autosave is armed
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

func (c *Coordinator) autosave(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	ready := !c.closed && c.loaded && c.status == models.StatusDraft && c.hasInitialContent
	c.mu.Unlock()

	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()

	if _, err := c.persist(ctx, false); err != nil {
		c.logger.Debug("autosave did not complete", "error", err)
	}
}

// Close is called when the user leaves the composer. The pending
// autosave is dropped; a save already in flight finishes on its own.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelPendingLocked()
}

// Closed reports whether Close or a successful Delete happened
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Delete removes the draft from the store and closes the coordinator.
// A draft that was never created is simply discarded.
func (c *Coordinator) Delete(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == models.StatusSending {
		c.mu.Unlock()
		return fmt.Errorf("%w: broadcast is being sent", models.ErrValidation)
	}
	c.cancelPendingLocked()
	if err := c.awaitCreateLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	id := c.draftID
	c.closed = true
	c.mu.Unlock()

	if id == "" {
		return nil
	}

	if err := c.store.DeleteDraft(ctx, id); err != nil {
		err = classify(err)
		c.mu.Lock()
		c.closed = false
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("draft delete failed", "draft_id", id, "error", err)
		return err
	}

	c.logger.Info("draft deleted", "draft_id", id)
	return nil
}

// DraftID returns the adopted id, or "" before the first create
func (c *Coordinator) DraftID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draftID
}

// State returns a snapshot for display
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{
		DraftID:           c.draftID,
		Kind:              c.cfg.Kind,
		Status:            c.status,
		Editable:          c.status == models.StatusDraft && !c.closed,
		SaveStatus:        c.saveStatus,
		HasInitialContent: c.hasInitialContent,
		Form:              c.form,
		ContactCount:      c.recipientsLocked(),
		Audiences:         append([]models.Audience{}, c.audiences...),
		Domains:           append([]models.Domain{}, c.domains...),
		SentCount:         c.sentCount,
		TotalRecipients:   c.totalRecipients,
		UpdatedAt:         c.updatedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// classify maps collaborator errors onto the taxonomy. Errors already in
// the taxonomy and context errors pass through; anything else is treated
// as a transient backend failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrPermission),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrBackend),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrBackend, err)
}
