package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/ports"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxExecution bounds one job, matching the pipeline's hard time limit.
const DefaultMaxExecution = 30 * time.Minute

// Processor handles a single session id.
type Processor interface {
	Process(ctx context.Context, sessionID string) error
}

// JobObserver is notified once per finished job.
type JobObserver interface {
	ObserveJob(outcome string, elapsed time.Duration)
}

// Pool consumes a JobSource with a fixed number of goroutines.
type Pool struct {
	source       ports.JobSource
	processor    Processor
	concurrency  int
	maxExecution time.Duration
	retryDelay   time.Duration
	logger       *slog.Logger
	observer     JobObserver
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMaxExecution sets the per-job deadline.
func WithMaxExecution(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.maxExecution = d
		}
	}
}

// WithRetryDelay sets the pause after a failed receive.
func WithRetryDelay(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.retryDelay = d
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithJobObserver attaches a metrics sink.
func WithJobObserver(o JobObserver) PoolOption {
	return func(p *Pool) {
		p.observer = o
	}
}

// NewPool creates a pool.
func NewPool(source ports.JobSource, processor Processor, opts ...PoolOption) *Pool {
	p := &Pool{
		source:       source,
		processor:    processor,
		concurrency:  1,
		maxExecution: DefaultMaxExecution,
		retryDelay:   time.Second,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is canceled. Jobs are acked whether or not they
// succeed; sessions left behind are picked up by the reconcile sweep.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.loop(ctx, slot)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) error {
	log := p.logger.With("slot", slot)
	for {
		job, err := p.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("failed to receive job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			continue
		}
		p.handle(ctx, log, job)
	}
}

func (p *Pool) handle(ctx context.Context, log *slog.Logger, job ports.Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.maxExecution)
	defer cancel()

	start := time.Now()
	err := p.processor.Process(jobCtx, job.SessionID)
	outcome := "ok"
	switch {
	// The worker records a timed-out run as a failed analysis and returns nil.
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		log.Error("job timed out", "session_id", job.SessionID, "limit", p.maxExecution, "error", err)
	case err != nil:
		outcome = "error"
		log.Error("job failed", "session_id", job.SessionID, "error", err)
	}
	if p.observer != nil {
		p.observer.ObserveJob(outcome, time.Since(start))
	}

	if job.Ack != nil {
		if err := job.Ack(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to ack job", "session_id", job.SessionID, "error", err)
		}
	}
}
