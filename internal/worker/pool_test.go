package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/medflow/internal/worker"
	"github.com/aretw0/medflow/pkg/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu       sync.Mutex
	seen     []string
	done     chan struct{}
	want     int
	fail     error
	deadline bool
}

func (p *recordingProcessor) Process(ctx context.Context, sessionID string) error {
	_, hasDeadline := ctx.Deadline()
	p.mu.Lock()
	p.seen = append(p.seen, sessionID)
	p.deadline = p.deadline || hasDeadline
	n := len(p.seen)
	p.mu.Unlock()
	if n == p.want {
		close(p.done)
	}
	return p.fail
}

type jobCounter struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *jobCounter) ObserveJob(outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	queue := memory.NewQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"S-00001", "S-00002", "S-00003"} {
		require.NoError(t, queue.Dispatch(ctx, id))
	}

	proc := &recordingProcessor{done: make(chan struct{}), want: 3, fail: errors.New("store down")}
	counter := &jobCounter{}
	pool := worker.NewPool(queue, proc, worker.WithConcurrency(2), worker.WithMaxExecution(time.Minute), worker.WithJobObserver(counter))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not processed")
	}
	cancel()
	require.NoError(t, <-errCh)

	assert.ElementsMatch(t, []string{"S-00001", "S-00002", "S-00003"}, proc.seen)
	assert.True(t, proc.deadline, "jobs run under a deadline")
	assert.Equal(t, 0, queue.Outstanding(), "failed jobs are acked too")
	assert.Equal(t, []string{"error", "error", "error"}, counter.outcomes)
}

func TestPool_StopsOnCancel(t *testing.T) {
	queue := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(queue, &recordingProcessor{done: make(chan struct{}), want: -1})

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}

// absorbingProcessor waits out the deadline and reports success, as Worker
// does after recording the timeout on the session.
type absorbingProcessor struct {
	done chan struct{}
}

func (p *absorbingProcessor) Process(ctx context.Context, _ string) error {
	<-ctx.Done()
	close(p.done)
	return nil
}

func TestPool_CountsAbsorbedTimeout(t *testing.T) {
	queue := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, queue.Dispatch(ctx, "S-00001"))

	proc := &absorbingProcessor{done: make(chan struct{})}
	counter := &jobCounter{}
	pool := worker.NewPool(queue, proc, worker.WithMaxExecution(20*time.Millisecond), worker.WithJobObserver(counter))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	require.Eventually(t, func() bool { return queue.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, []string{"timeout"}, counter.outcomes)
}
