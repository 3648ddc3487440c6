// Package worker runs the background analysis of submitted sessions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/medflow/internal/clock"
	"github.com/aretw0/medflow/internal/inference"
	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
)

// Transitions is the lifecycle surface the worker drives.
type Transitions interface {
	StartProcessing(ctx context.Context, sessionID string) (*domain.Session, error)
	OnProcessingComplete(ctx context.Context, sessionID string, req domain.InferenceRequest, res *domain.InferenceResult, attempts []domain.InferenceAttempt) (*domain.Session, error)
	OnProcessingFailed(ctx context.Context, sessionID string, req *domain.InferenceRequest, cause error) (*domain.Session, error)
}

// Records reads the context a request is built from.
type Records interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
}

// Analyzer produces the structured analysis for a request.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.InferenceRequest) (*domain.InferenceResult, []domain.InferenceAttempt, error)
}

var _ Analyzer = (*inference.Chain)(nil)

// Worker processes one dispatched session at a time.
type Worker struct {
	transitions Transitions
	records     Records
	analyzer    Analyzer
	clock       clock.Clock
	logger      *slog.Logger
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithClock sets the clock used to compute the patient's age.
func WithClock(c clock.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// New creates a worker.
func New(t Transitions, r Records, a Analyzer, opts ...Option) *Worker {
	w := &Worker{
		transitions: t,
		records:     r,
		analyzer:    a,
		clock:       clock.New(),
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process handles one dispatch. A dispatch for a session that is no longer
// waiting (already started, finished, or gone) is dropped without error.
func (w *Worker) Process(ctx context.Context, sessionID string) error {
	log := w.logger.With("session_id", sessionID)

	session, err := w.transitions.StartProcessing(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrRejected) || errors.Is(err, domain.ErrSessionNotFound) {
			log.Info("dropping duplicate dispatch", "error", err)
			return nil
		}
		return fmt.Errorf("failed to start processing: %w", err)
	}

	// Outcome writes must land even when the job deadline has passed.
	final := context.WithoutCancel(ctx)

	req, err := BuildRequest(ctx, w.records, session, w.clock.Now())
	if err != nil {
		log.Warn("failed to build inference request", "error", err)
		if _, ferr := w.transitions.OnProcessingFailed(final, sessionID, nil, err); ferr != nil {
			return fmt.Errorf("failed to record processing failure: %w", ferr)
		}
		return nil
	}

	res, attempts, err := w.analyzer.Analyze(ctx, req)
	if err != nil {
		if !errors.Is(err, domain.ErrProviderFailure) {
			err = &domain.ProviderError{Attempts: append(attempts, domain.InferenceAttempt{Provider: "worker", Error: err.Error()})}
		}
		log.Warn("analysis failed", "error", err)
		if _, ferr := w.transitions.OnProcessingFailed(final, sessionID, &req, err); ferr != nil {
			return fmt.Errorf("failed to record processing failure: %w", ferr)
		}
		return nil
	}

	if _, err := w.transitions.OnProcessingComplete(final, sessionID, req, res, attempts); err != nil {
		return fmt.Errorf("failed to record processing result: %w", err)
	}
	log.Info("analysis complete", "provider", res.Provider, "model", res.ModelVersion)
	return nil
}

// BuildRequest snapshots the patient and session context for a provider call.
// Follow-up sessions carry their parent's diagnosis as the previous summary.
func BuildRequest(ctx context.Context, r Records, s *domain.Session, now time.Time) (domain.InferenceRequest, error) {
	patient, err := r.GetPatient(ctx, s.PatientID)
	if err != nil {
		return domain.InferenceRequest{}, fmt.Errorf("failed to load patient %s: %w", s.PatientID, err)
	}

	req := domain.InferenceRequest{
		Patient:        patient.Context(now),
		ChiefComplaint: s.ChiefComplaint,
		CurrentState:   s.CurrentState,
		FilesCount:     len(s.Files),
	}

	if s.Type == domain.SessionFollowUp && s.ParentSessionID != "" {
		parent, err := r.Get(ctx, s.ParentSessionID)
		switch {
		case err == nil:
			req.LastSessionSummary = inference.Summary(parent.Diagnosis)
		case errors.Is(err, domain.ErrSessionNotFound):
		default:
			return domain.InferenceRequest{}, fmt.Errorf("failed to load parent session: %w", err)
		}
	}
	return req, nil
}
