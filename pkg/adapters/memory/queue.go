package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// DefaultQueueCapacity is the buffer size of a Queue created with zero capacity.
const DefaultQueueCapacity = 1024

// Queue is an in-process dispatcher and job source.
// A session id stays outstanding from Dispatch until its job is acked.
type Queue struct {
	jobs chan string

	mu      sync.Mutex
	pending map[string]struct{}
}

var (
	_ ports.Dispatcher   = (*Queue)(nil)
	_ ports.Redispatcher = (*Queue)(nil)
	_ ports.JobSource    = (*Queue)(nil)
)

// NewQueue creates a queue holding up to capacity outstanding jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		jobs:    make(chan string, capacity),
		pending: make(map[string]struct{}),
	}
}

// Dispatch enqueues sessionID unless it is already outstanding.
func (q *Queue) Dispatch(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[sessionID]; ok {
		return nil
	}
	select {
	case q.jobs <- sessionID:
		q.pending[sessionID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w: in-memory queue is full", domain.ErrDispatchFailure)
	}
}

// Redispatch enqueues sessionID even if it is already outstanding.
func (q *Queue) Redispatch(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case q.jobs <- sessionID:
		q.pending[sessionID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("%w: in-memory queue is full", domain.ErrDispatchFailure)
	}
}

// Receive blocks until a job is available.
func (q *Queue) Receive(ctx context.Context) (ports.Job, error) {
	select {
	case <-ctx.Done():
		return ports.Job{}, ctx.Err()
	case id := <-q.jobs:
		return ports.Job{
			SessionID: id,
			Ack: func(context.Context) error {
				q.mu.Lock()
				defer q.mu.Unlock()
				delete(q.pending, id)
				return nil
			},
		}, nil
	}
}

// Outstanding reports how many dispatched jobs have not been acked.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
