package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultInFlightTTL outlives the worker's execution ceiling, so a marker left
// by a crashed worker expires before the reconcile sweep re-dispatches.
const DefaultInFlightTTL = 35 * time.Minute

// Queue implements ports.Dispatcher and ports.JobSource on a Redis list.
// A SET NX marker per session keeps at most one dispatch outstanding.
type Queue struct {
	client      *backend.Client
	prefix      string
	inFlightTTL time.Duration
	pollTimeout time.Duration
}

var (
	_ ports.Dispatcher   = (*Queue)(nil)
	_ ports.Redispatcher = (*Queue)(nil)
	_ ports.JobSource    = (*Queue)(nil)
)

type QueueOption func(*Queue)

// WithQueuePrefix sets the key prefix.
func WithQueuePrefix(prefix string) QueueOption {
	return func(q *Queue) {
		q.prefix = prefix
	}
}

// WithInFlightTTL sets how long a dispatched session stays deduplicated.
func WithInFlightTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		q.inFlightTTL = ttl
	}
}

// WithPollTimeout sets the BRPOP block time between context checks.
func WithPollTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.pollTimeout = d
	}
}

// NewQueue creates a queue on an existing client.
func NewQueue(client *backend.Client, opts ...QueueOption) *Queue {
	q := &Queue{
		client:      client,
		prefix:      DefaultPrefix,
		inFlightTTL: DefaultInFlightTTL,
		pollTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) listKey() string {
	return q.prefix + "queue:processing"
}

func (q *Queue) inFlightKey(sessionID string) string {
	return q.prefix + "inflight:" + sessionID
}

// Dispatch pushes sessionID unless a dispatch for it is still outstanding.
func (q *Queue) Dispatch(ctx context.Context, sessionID string) error {
	fresh, err := q.client.SetNX(ctx, q.inFlightKey(sessionID), time.Now().UTC().Format(time.RFC3339), q.inFlightTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	if !fresh {
		return nil
	}

	if err := q.client.LPush(ctx, q.listKey(), sessionID).Err(); err != nil {
		// Release the marker so a later dispatch is not swallowed.
		q.client.Del(context.WithoutCancel(ctx), q.inFlightKey(sessionID))
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	return nil
}

// Redispatch renews the in-flight marker and pushes sessionID regardless of
// an outstanding dispatch.
func (q *Queue) Redispatch(ctx context.Context, sessionID string) error {
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.inFlightKey(sessionID), time.Now().UTC().Format(time.RFC3339), q.inFlightTTL)
	pipe.LPush(ctx, q.listKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDispatchFailure, err)
	}
	return nil
}

// Receive blocks on BRPOP until a job arrives or ctx is done.
func (q *Queue) Receive(ctx context.Context) (ports.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ports.Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.listKey()).Result()
		if errors.Is(err, backend.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ports.Job{}, ctx.Err()
			}
			return ports.Job{}, fmt.Errorf("failed to pop job: %w", err)
		}

		// res is [key, value]
		sessionID := res[1]
		return ports.Job{
			SessionID: sessionID,
			Ack: func(ctx context.Context) error {
				return q.client.Del(ctx, q.inFlightKey(sessionID)).Err()
			},
		}, nil
	}
}

// Len reports how many jobs are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.listKey()).Result()
}
