package medflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/medflow/internal/clock"
	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// DefaultConflictRetries is how many times a lost race is re-evaluated.
const DefaultConflictRetries = 3

// Metrics receives lifecycle counters.
type Metrics interface {
	TransitionApplied(event domain.Event, to domain.Status)
	TransitionRejected(event domain.Event, reason domain.Reason)
	ConflictRetried(event domain.Event)
	DispatchFailed()
}

// Analyst answers doctor questions during review.
type Analyst interface {
	Ask(ctx context.Context, patient domain.PatientContext, complaint string, history []domain.ChatMessage, question string) (answer, provider string, err error)
}

// Listener is told about every committed change to a session record.
// Calls happen on the caller's goroutine; listeners must not block or modify
// the session.
type Listener interface {
	SessionChanged(session *domain.Session)
}

type nopMetrics struct{}

func (nopMetrics) TransitionApplied(domain.Event, domain.Status)  {}
func (nopMetrics) TransitionRejected(domain.Event, domain.Reason) {}
func (nopMetrics) ConflictRetried(domain.Event)                   {}
func (nopMetrics) DispatchFailed()                                {}

// Service exposes the session operations. Safe for concurrent use; all
// coordination happens in the store.
type Service struct {
	repo       ports.Repository
	dispatcher ports.Dispatcher
	analyst    Analyst
	locker     ports.DistributedLocker
	clock      clock.Clock
	logger     *slog.Logger
	metrics    Metrics
	listeners  []Listener
	retries    int
}

// Option configures the Service.
type Option func(*Service)

// WithDispatcher sets where submitted sessions are queued.
func WithDispatcher(d ports.Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

// WithAnalyst enables Consult.
func WithAnalyst(a Analyst) Option {
	return func(s *Service) {
		s.analyst = a
	}
}

// WithLocker serializes Reconcile across replicas.
func WithLocker(l ports.DistributedLocker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

// WithClock sets the time source for audit timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithListener adds l to the listeners notified after each committed change.
func WithListener(l Listener) Option {
	return func(s *Service) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithConflictRetries sets how many times a conflicting update is retried.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// New creates a Service over repo.
func New(repo ports.Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		clock:   clock.New(),
		logger:  logging.NewNop(),
		metrics: nopMetrics{},
		retries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// step is one event applied to an existing session.
type step struct {
	event domain.Event
	actor domain.Actor

	// prepare runs outside the store's atomic section against the latest read
	// and may add a child record or patient closure to the change.
	prepare func(cur *domain.Session, d lifecycle.Decision, now time.Time, change *ports.Change) error

	// edit runs inside the atomic section on the fresh copy, before the status
	// entry is appended.
	edit func(s *domain.Session, d lifecycle.Decision, now time.Time) error
}

// apply evaluates st against the latest record and commits it, re-reading on
// conflict. A Noop decision returns the current record without writing.
func (s *Service) apply(ctx context.Context, sessionID string, st step) (*domain.Session, lifecycle.Decision, error) {
	log := s.logger.With("session_id", sessionID, "event", st.event, "actor", st.actor.ID)

	for attempt := 0; ; attempt++ {
		cur, err := s.repo.Get(ctx, sessionID)
		if err != nil {
			return nil, lifecycle.Decision{}, err
		}

		d, err := s.decide(cur, st)
		if err != nil {
			return nil, d, err
		}
		if d.Noop {
			return cur, d, nil
		}

		now := s.clock.Now()
		change := ports.Change{Expect: []domain.Status{cur.Status}}
		if st.prepare != nil {
			if err := st.prepare(cur, d, now, &change); err != nil {
				return nil, d, err
			}
		}
		change.Mutate = func(fresh *domain.Session) error {
			if stale(cur, fresh) {
				return domain.ErrConflict
			}
			again, err := lifecycle.Decide(fresh.Status, st.event, st.actor, lifecycle.FactsOf(fresh))
			if err != nil {
				return err
			}
			if again != d {
				return domain.ErrConflict
			}
			if st.edit != nil {
				if err := st.edit(fresh, again, now); err != nil {
					return err
				}
			}
			if again.Changes() {
				fresh.RecordStatus(again.To, st.actor, now)
			} else {
				fresh.Touch(st.actor, now)
			}
			return nil
		}

		updated, err := s.repo.Apply(ctx, sessionID, change)
		switch {
		case err == nil:
			s.metrics.TransitionApplied(st.event, d.To)
			log.Debug("transition applied", "from", d.From, "to", d.To)
			s.notify(updated)
			return updated, d, nil
		case errors.Is(err, domain.ErrConflict) && attempt < s.retries:
			s.metrics.ConflictRetried(st.event)
			log.Debug("conflict, retrying", "attempt", attempt+1)
			continue
		case errors.Is(err, domain.ErrConflict):
			s.metrics.ConflictRetried(st.event)
			log.Warn("giving up after conflicts", "attempts", attempt+1)
			return nil, d, fmt.Errorf("%s on %s: %w", st.event, sessionID, err)
		default:
			if reason, ok := domain.ReasonOf(err); ok {
				s.metrics.TransitionRejected(st.event, reason)
			}
			return nil, d, err
		}
	}
}

func (s *Service) decide(cur *domain.Session, st step) (lifecycle.Decision, error) {
	d, err := lifecycle.Decide(cur.Status, st.event, st.actor, lifecycle.FactsOf(cur))
	if err != nil {
		if reason, ok := domain.ReasonOf(err); ok {
			s.metrics.TransitionRejected(st.event, reason)
		}
		s.logger.Debug("transition rejected", "session_id", cur.ID, "event", st.event, "status", cur.Status, "error", err)
	}
	return d, err
}

func (s *Service) notify(session *domain.Session) {
	for _, l := range s.listeners {
		l.SessionChanged(session)
	}
}

// stale reports whether fresh has been written since cur was read.
func stale(cur, fresh *domain.Session) bool {
	return !cur.UpdatedAt.Equal(fresh.UpdatedAt) ||
		len(cur.StatusHistory) != len(fresh.StatusHistory) ||
		len(cur.EditHistory) != len(fresh.EditHistory) ||
		len(cur.Chat) != len(fresh.Chat)
}

// GetSession returns the stored record.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.repo.Get(ctx, sessionID)
}
