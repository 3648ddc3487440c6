package medflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// RegisterPatient stores the demographics used as model context. A patient
// without an id gets the next "P-" id. Session counters are never taken from input.
func (s *Service) RegisterPatient(ctx context.Context, actor domain.Actor, p domain.Patient) (*domain.Patient, error) {
	if actor.Role != domain.RoleNurse && actor.Role != domain.RoleAdmin {
		return nil, &domain.RejectedError{Event: "register-patient", Role: actor.Role, Reason: domain.ReasonWrongRole}
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, domain.Invalid("patient name is required")
	}

	if p.ID == "" {
		seq, err := s.repo.Next(ctx, domain.CounterPatient)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate patient id: %w", err)
		}
		p.ID = domain.FormatPatientID(seq)
	}
	p.TotalSessions = 0
	p.LastSessionID = ""
	p.LastSessionDate = nil
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.clock.Now()
	}

	if err := s.repo.SavePatient(ctx, &p); err != nil {
		return nil, fmt.Errorf("failed to save patient: %w", err)
	}
	return s.repo.GetPatient(ctx, p.ID)
}

// GetPatient returns a patient with its closure counters.
func (s *Service) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	return s.repo.GetPatient(ctx, patientID)
}

// PatientSessions lists a patient's sessions, oldest first.
func (s *Service) PatientSessions(ctx context.Context, patientID string) ([]*domain.Session, error) {
	if _, err := s.repo.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, ports.Query{PatientID: patientID})
}
