// Package discussion owns the single active discussion and serializes every
// change to it.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/concord/pkg/models"
)

const saveTimeout = 5 * time.Second

// Store persists discussion snapshots.
type Store interface {
	SaveDiscussion(ctx context.Context, d *models.Discussion) error
	// LoadDiscussion returns the most recent discussion, or nil when none was saved.
	LoadDiscussion(ctx context.Context) (*models.Discussion, error)
}

// Listener is notified with a snapshot after every committed change.
type Listener func(snapshot *models.Discussion)

// Session is the handle to the active discussion. Readers get deep copies;
// writers run one at a time on a draft that replaces the live state only when
// the whole change succeeds.
type Session struct {
	current   *models.Discussion
	store     Store
	op        chan struct{}
	listeners []Listener
	logger    zerolog.Logger
	mu        sync.RWMutex
}

// NewSession creates a session. store may be nil for a purely in-memory session.
func NewSession(store Store, logger zerolog.Logger) *Session {
	return &Session{
		store:  store,
		op:     make(chan struct{}, 1),
		logger: logger.With().Str("component", "discussion").Logger(),
	}
}

// OnChange registers a listener. Listeners run synchronously after each commit.
func (s *Session) OnChange(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start replaces the active discussion with a new, empty one for topic.
func (s *Session) Start(ctx context.Context, topic string) (*models.Discussion, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	d := models.NewDiscussion(topic)
	s.commit(ctx, d)
	s.logger.Info().Str("discussion_id", d.ID).Str("topic", topic).Msg("Discussion started")
	return d.Clone(), nil
}

// Restore loads the last saved discussion. It reports whether one was found.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.release()

	d, err := s.store.LoadDiscussion(ctx)
	if err != nil {
		return false, fmt.Errorf("load discussion: %w", err)
	}
	if d == nil {
		return false, nil
	}
	if dropped := d.PruneStaleMembers(); len(dropped) > 0 {
		s.logger.Warn().Strs("message_ids", dropped).Msg("Dropped cluster members without messages")
	}

	s.mu.Lock()
	s.current = d
	s.mu.Unlock()

	s.logger.Info().
		Str("discussion_id", d.ID).
		Int("messages", len(d.Messages)).
		Int("clusters", len(d.Clusters)).
		Msg("Discussion restored")
	return true, nil
}

// Snapshot returns a deep copy of the active discussion.
func (s *Session) Snapshot() (*models.Discussion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, models.ErrNoDiscussion
	}
	return s.current.Clone(), nil
}

// Active reports whether a discussion has been started.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Mutate runs fn on a draft copy of the active discussion. Only one Mutate
// runs at a time, so the draft always starts from the latest committed state.
// If fn returns an error the draft is discarded and nothing changes; otherwise
// the draft becomes the live discussion and is saved.
func (s *Session) Mutate(ctx context.Context, fn func(ctx context.Context, draft *models.Discussion) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	draft, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := fn(ctx, draft); err != nil {
		return err
	}
	s.commit(ctx, draft)
	return nil
}

func (s *Session) commit(ctx context.Context, d *models.Discussion) {
	s.mu.Lock()
	s.current = d
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if s.store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		if err := s.store.SaveDiscussion(saveCtx, d.Clone()); err != nil {
			s.logger.Error().Err(err).Str("discussion_id", d.ID).Msg("Failed to persist discussion")
		}
		cancel()
	}

	if len(listeners) > 0 {
		snap := d.Clone()
		for _, l := range listeners {
			l(snap)
		}
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.op
}

// IsNoDiscussion reports whether err means no discussion was started.
func IsNoDiscussion(err error) bool {
	return errors.Is(err, models.ErrNoDiscussion)
}
