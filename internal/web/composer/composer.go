// Package composer keeps the open draft editing sessions of API clients.
// Each session owns one draft.Coordinator bound to the caller's
// organization; idle sessions are closed after a TTL.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unosend/unosend/internal/clock"
	"github.com/unosend/unosend/internal/draft"
	"github.com/unosend/unosend/internal/web/models"
	"github.com/unosend/unosend/internal/web/repository"
)

// Senders returns the send hand-off for an actor
type Senders interface {
	For(actor models.Actor) draft.Sender
}

// SessionRecorder tracks the number of open sessions
type SessionRecorder interface {
	SessionOpened()
	SessionClosed()
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened() {}
func (nopRecorder) SessionClosed() {}

// Config holds registry settings
type Config struct {
	DebounceDelay time.Duration
	Location      *time.Location
	SessionTTL    time.Duration
	SaveTimeout   time.Duration
}

// Deps are the collaborators shared by all sessions. Observer and
// Recorder are optional.
type Deps struct {
	Drafts     *repository.DraftRepository
	References draft.ReferenceData
	Senders    Senders
	Clock      clock.Clock
	Logger     *slog.Logger
	Observer   draft.Observer
	Recorder   SessionRecorder
}

// Session is one open composer
type Session struct {
	ID          string
	Actor       models.Actor
	Kind        models.DraftKind
	Coordinator *draft.Coordinator

	lastSeen time.Time
}

// Registry holds open sessions
type Registry struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRegistry(cfg Config, deps Deps) *Registry {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	deps.Logger = deps.Logger.With("component", "composer")

	return &Registry{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Open starts a session for a new draft (empty draftID) or an existing
// one. The session is registered only after the draft has loaded.
func (r *Registry) Open(ctx context.Context, actor models.Actor, kind models.DraftKind, draftID string) (*Session, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", models.ErrValidation, kind)
	}

	id := uuid.New().String()
	c := draft.New(draft.Config{
		Kind:           kind,
		OrganizationID: actor.OrganizationID,
		DebounceDelay:  r.cfg.DebounceDelay,
		Location:       r.cfg.Location,
		SaveTimeout:    r.cfg.SaveTimeout,
	}, draft.Deps{
		Store:      repository.NewDraftStore(r.deps.Drafts, actor),
		References: r.deps.References,
		Sender:     r.deps.Senders.For(actor),
		Clock:      r.deps.Clock,
		Logger:     r.deps.Logger.With("session_id", id),
		Observer:   r.deps.Observer,
	})

	if err := c.Load(ctx, draftID); err != nil {
		c.Close()
		return nil, err
	}

	s := &Session{
		ID:          id,
		Actor:       actor,
		Kind:        kind,
		Coordinator: c,
		lastSeen:    r.deps.Clock.Now(),
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.deps.Recorder.SessionOpened()

	r.deps.Logger.Debug("session opened", "session_id", id, "kind", kind, "draft_id", draftID)
	return s, nil
}

// Get returns the session if it belongs to the actor's organization
func (r *Registry) Get(actor models.Actor, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Actor.OrganizationID != actor.OrganizationID {
		return nil, fmt.Errorf("%w: composer session %s", models.ErrNotFound, id)
	}
	s.lastSeen = r.deps.Clock.Now()
	return s, nil
}

// Close ends a session. A pending autosave is dropped.
func (r *Registry) Close(actor models.Actor, id string) error {
	s, err := r.Get(actor, id)
	if err != nil {
		return err
	}
	r.remove(s)
	return nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	s.Coordinator.Close()
	if ok {
		r.deps.Recorder.SessionClosed()
	}
}

// Discard drops a session whose coordinator has already closed itself,
// e.g. after a delete
func (r *Registry) Discard(s *Session) {
	r.remove(s)
}

// Len returns the number of open sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the TTL and returns how many
func (r *Registry) Sweep() int {
	cutoff := r.deps.Clock.Now().Add(-r.cfg.SessionTTL)

	r.mu.Lock()
	var idle []*Session
	for _, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.remove(s)
		r.deps.Logger.Debug("idle session closed", "session_id", s.ID)
	}
	return len(idle)
}

// Start runs Sweep periodically
func (r *Registry) Start() {
	interval := r.cfg.SessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := r.deps.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.deps.Logger.Info("closed idle sessions", "count", n)
				}
			}
		}
	}()
}

// Stop ends the sweep loop and closes every session
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.remove(s)
	}
}
