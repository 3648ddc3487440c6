package ports

import (
	"context"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
)

// Mutation edits a fresh copy of the record inside the store's atomic section.
// Returning an error aborts the update and leaves the stored record untouched.
type Mutation func(s *domain.Session) error

// Change is the unit applied by SessionStore.Apply.
// Everything in a Change commits together or not at all.
type Change struct {
	// Expect lists the statuses the record may be in when the change applies.
	// Empty means any status.
	Expect []domain.Status

	// Mutate applies the field edits and audit entries.
	Mutate Mutation

	// Spawn, when set, is created in the same atomic unit. It must not exist yet.
	Spawn *domain.Session

	// Closure, when set, bumps the patient's session counters in the same atomic unit.
	Closure *domain.PatientClosure
}

// Accepts reports whether status satisfies the Expect set.
func (c Change) Accepts(status domain.Status) bool {
	if len(c.Expect) == 0 {
		return true
	}
	for _, s := range c.Expect {
		if s == status {
			return true
		}
	}
	return false
}

// Query filters session listings. Zero fields do not filter.
// Listings are never used to decide whether a transition is legal.
type Query struct {
	Statuses         []domain.Status
	AssignedDoctorID string
	DoctorID         string
	PatientID        string
	CreatedFrom      time.Time
	CreatedTo        time.Time
	Limit            int
}

// Match reports whether s satisfies the query.
func (q Query) Match(s *domain.Session) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.AssignedDoctorID != "" && s.AssignedDoctorID != q.AssignedDoctorID {
		return false
	}
	if q.DoctorID != "" && s.DoctorID != q.DoctorID {
		return false
	}
	if q.PatientID != "" && s.PatientID != q.PatientID {
		return false
	}
	if !q.CreatedFrom.IsZero() && s.CreatedAt.Before(q.CreatedFrom) {
		return false
	}
	if !q.CreatedTo.IsZero() && !s.CreatedAt.Before(q.CreatedTo) {
		return false
	}
	return true
}

// SessionStore persists session records.
type SessionStore interface {
	// Create inserts a new record. Returns domain.ErrSessionExists if the ID is taken.
	Create(ctx context.Context, session *domain.Session) error

	// Get retrieves a record. Returns domain.ErrSessionNotFound if it does not exist.
	Get(ctx context.Context, sessionID string) (*domain.Session, error)

	// Apply atomically verifies the current status against change.Expect, runs the
	// mutation, creates change.Spawn and bumps change.Closure.
	// Returns domain.ErrConflict when the record moved on between read and write.
	Apply(ctx context.Context, sessionID string, change Change) (*domain.Session, error)

	// AppendAudit appends one edit-history entry regardless of status.
	AppendAudit(ctx context.Context, sessionID string, entry domain.EditEntry) error

	// List returns records matching q, oldest first.
	List(ctx context.Context, q Query) ([]*domain.Session, error)
}

// PatientStore persists patient records.
type PatientStore interface {
	// SavePatient inserts or replaces the demographic part of a patient.
	// Closure counters of an existing patient are preserved.
	SavePatient(ctx context.Context, patient *domain.Patient) error

	// GetPatient returns domain.ErrPatientNotFound if the patient does not exist.
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
}

// Sequencer hands out monotonically increasing numbers per identifier class.
type Sequencer interface {
	// Next atomically increments and returns the counter for class.
	Next(ctx context.Context, class string) (int64, error)
}

// Repository is the full persistence surface a store adapter provides.
type Repository interface {
	SessionStore
	PatientStore
	Sequencer
}
