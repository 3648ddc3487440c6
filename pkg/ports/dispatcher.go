package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Dispatcher schedules background processing for a session.
// Only the identifier travels; the worker re-reads the record when it runs.
type Dispatcher interface {
	// Dispatch enqueues one unit of work. A second call for a session whose
	// work is still outstanding is a no-op.
	Dispatch(ctx context.Context, sessionID string) error
}

// Redispatcher is implemented by dispatchers whose deduplication can outlive a
// lost job, such as a marker held by a worker that died before acking.
// Redispatch queues the session even when a dispatch is still recorded as
// outstanding; a duplicate delivery is refused by the processing-start guard.
type Redispatcher interface {
	Redispatch(ctx context.Context, sessionID string) error
}

// Job is one unit of dispatched work.
type Job struct {
	SessionID string

	// Ack marks the job done and releases the session's outstanding slot.
	Ack func(ctx context.Context) error
}

// JobSource is the consuming end of the processing queue.
type JobSource interface {
	// Receive blocks until a job is available or ctx is done.
	Receive(ctx context.Context) (Job, error)
}

// Envelope is the wire form of a job on external brokers.
type Envelope struct {
	SessionID    string    `json:"session_id"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// EncodeEnvelope marshals a job for sessionID.
func EncodeEnvelope(sessionID string, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{SessionID: sessionID, DispatchedAt: at.UTC()})
}

// DecodeEnvelope parses a job payload. A payload without a session ID is invalid.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if env.SessionID == "" {
		return Envelope{}, errors.New("failed to decode job: missing session_id")
	}
	return env, nil
}
