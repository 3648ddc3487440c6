// Package clock supplies timestamps to the casework core so tests can pin time.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type system struct{}

// New returns the wall clock, in UTC.
func New() Clock {
	return system{}
}

func (system) Now() time.Time {
	return time.Now().UTC()
}

// Managed is a hand-driven clock for tests. Safe for concurrent use.
type Managed struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

// NewManaged returns a clock frozen at start.
func NewManaged(start time.Time) *Managed {
	return &Managed{current: start}
}

// WithStep makes every Now call advance the clock by step, which keeps
// successive audit timestamps strictly increasing.
func (m *Managed) WithStep(step time.Duration) *Managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = step
	return m
}

// Now returns the managed time.
func (m *Managed) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.current
	m.current = m.current.Add(m.step)
	return now
}

// WarpForward moves time forward by offset and returns the new time.
func (m *Managed) WarpForward(offset time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(offset)
	return m.current
}
