package medflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// StartProcessing claims a submitted session for a worker. It is rejected with
// wrong-state for any other status, which is how duplicate dispatches are detected.
func (s *Service) StartProcessing(ctx context.Context, sessionID string) (*domain.Session, error) {
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventProcessingStart,
		actor: domain.SystemActor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			at := now
			sess.Inference = domain.Inference{TriggeredAt: &at}
			return nil
		},
	})
	return updated, err
}

// OnProcessingComplete stores the analysis and hands the session to the doctors.
func (s *Service) OnProcessingComplete(ctx context.Context, sessionID string, req domain.InferenceRequest, res *domain.InferenceResult, attempts []domain.InferenceAttempt) (*domain.Session, error) {
	if res == nil {
		return nil, domain.Invalid("inference result is required")
	}
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventProcessingSuccess,
		actor: domain.SystemActor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			at := now
			r := req
			out := *res
			sess.Inference.Request = &r
			sess.Inference.Result = &out
			sess.Inference.CompletedAt = &at
			sess.Inference.Error = ""
			sess.Inference.Attempts = append([]domain.InferenceAttempt(nil), attempts...)
			return nil
		},
	})
	return updated, err
}

// OnProcessingFailed marks the session as failed. A doctor can still review it.
// When cause is a *domain.ProviderError its attempts are kept.
func (s *Service) OnProcessingFailed(ctx context.Context, sessionID string, req *domain.InferenceRequest, cause error) (*domain.Session, error) {
	if cause == nil {
		cause = errors.New("processing failed")
	}
	var attempts []domain.InferenceAttempt
	var perr *domain.ProviderError
	if errors.As(cause, &perr) {
		attempts = append(attempts, perr.Attempts...)
	}

	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventProcessingFailure,
		actor: domain.SystemActor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			at := now
			if req != nil {
				r := *req
				sess.Inference.Request = &r
			}
			sess.Inference.Result = nil
			sess.Inference.CompletedAt = &at
			sess.Inference.Error = cause.Error()
			sess.Inference.Attempts = attempts
			return nil
		},
	})
	if err == nil {
		s.logger.Warn("session analysis failed", "session_id", sessionID, "error", cause)
	}
	return updated, err
}

// ReconcileOptions bounds how long a session may sit in a pipeline status.
type ReconcileOptions struct {
	// SubmittedAfter re-dispatches sessions submitted longer ago than this,
	// bypassing the dispatcher's outstanding-job deduplication.
	SubmittedAfter time.Duration

	// ProcessingAfter fails sessions that started processing longer ago than this.
	ProcessingAfter time.Duration

	// LockTTL bounds the sweep lock when a locker is configured.
	LockTTL time.Duration
}

// ReconcileReport lists what a sweep touched.
type ReconcileReport struct {
	Redispatched []string `json:"redispatched"`
	TimedOut     []string `json:"timed_out"`
}

const reconcileLockKey = "reconcile"

// Reconcile repairs sessions stranded by a lost dispatch or a dead worker.
func (s *Service) Reconcile(ctx context.Context, opts ReconcileOptions) (*ReconcileReport, error) {
	if opts.SubmittedAfter <= 0 || opts.ProcessingAfter <= 0 {
		return nil, domain.Invalid("reconcile thresholds must be positive")
	}

	if s.locker != nil {
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		unlock, err := s.locker.Lock(ctx, reconcileLockKey, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire reconcile lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release reconcile lock", "error", err)
			}
		}()
	}

	now := s.clock.Now()
	report := &ReconcileReport{Redispatched: []string{}, TimedOut: []string{}}

	submitted, err := s.repo.List(ctx, ports.Query{Statuses: []domain.Status{domain.StatusSubmitted}})
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted sessions: %w", err)
	}
	for _, sess := range submitted {
		if now.Sub(sess.LastTransitionAt()) < opts.SubmittedAfter {
			continue
		}
		if err := s.dispatch(ctx, sess.ID, true); err != nil {
			continue
		}
		report.Redispatched = append(report.Redispatched, sess.ID)
	}

	processing, err := s.repo.List(ctx, ports.Query{Statuses: []domain.Status{domain.StatusVLMProcessing}})
	if err != nil {
		return nil, fmt.Errorf("failed to list processing sessions: %w", err)
	}
	for _, sess := range processing {
		if now.Sub(sess.LastTransitionAt()) < opts.ProcessingAfter {
			continue
		}
		cause := fmt.Errorf("processing exceeded %s", opts.ProcessingAfter)
		if _, err := s.OnProcessingFailed(ctx, sess.ID, sess.Inference.Request, cause); err != nil {
			if errors.Is(err, domain.ErrRejected) || errors.Is(err, domain.ErrConflict) {
				// A worker finished it in the meantime.
				continue
			}
			return report, fmt.Errorf("failed to time out %s: %w", sess.ID, err)
		}
		report.TimedOut = append(report.TimedOut, sess.ID)
	}

	if n := len(report.Redispatched) + len(report.TimedOut); n > 0 {
		s.logger.Info("reconcile sweep", "redispatched", len(report.Redispatched), "timed_out", len(report.TimedOut))
	}
	return report, nil
}
