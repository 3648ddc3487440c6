package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// Store implements ports.Repository in memory.
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	patients map[string]*domain.Patient
	counters map[string]int64
}

var _ ports.Repository = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		patients: make(map[string]*domain.Patient),
		counters: make(map[string]int64),
	}
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return domain.ErrSessionExists
	}
	// Copy on write so the caller can't mutate store state through its pointer
	s.sessions[session.ID] = session.Clone()
	return nil
}

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Apply runs the change under the write lock.
func (s *Store) Apply(ctx context.Context, sessionID string, change ports.Change) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if !change.Accepts(current.Status) {
		return nil, domain.ErrConflict
	}

	// Everything is checked before the first write, so a failure leaves no trace.
	var patient *domain.Patient
	if change.Closure != nil {
		p, ok := s.patients[change.Closure.PatientID]
		if !ok {
			return nil, domain.ErrPatientNotFound
		}
		patient = p
	}
	if change.Spawn != nil {
		if _, exists := s.sessions[change.Spawn.ID]; exists {
			return nil, domain.ErrSessionExists
		}
	}

	next := current.Clone()
	if change.Mutate != nil {
		if err := change.Mutate(next); err != nil {
			return nil, err
		}
	}

	s.sessions[sessionID] = next
	if change.Spawn != nil {
		s.sessions[change.Spawn.ID] = change.Spawn.Clone()
	}
	if patient != nil {
		change.Closure.Apply(patient)
	}
	return next.Clone(), nil
}

// AppendAudit appends an edit entry without a status check.
func (s *Store) AppendAudit(ctx context.Context, sessionID string, entry domain.EditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.EditHistory = append(session.EditHistory, entry)
	return nil
}

// List returns matching sessions, oldest first.
func (s *Store) List(ctx context.Context, q ports.Query) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0)
	for _, session := range s.sessions {
		if q.Match(session) {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SavePatient stores demographics, keeping the counters of an existing record.
func (s *Store) SavePatient(ctx context.Context, patient *domain.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := patient.Clone()
	if existing, ok := s.patients[patient.ID]; ok {
		next.TotalSessions = existing.TotalSessions
		next.LastSessionID = existing.LastSessionID
		next.LastSessionDate = existing.LastSessionDate
		if !existing.CreatedAt.IsZero() {
			next.CreatedAt = existing.CreatedAt
		}
	}
	s.patients[patient.ID] = next
	return nil
}

// GetPatient retrieves a patient.
func (s *Store) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, ok := s.patients[patientID]
	if !ok {
		return nil, domain.ErrPatientNotFound
	}
	return patient.Clone(), nil
}

// Next increments the counter for class.
func (s *Store) Next(ctx context.Context, class string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[class]++
	return s.counters[class], nil
}
