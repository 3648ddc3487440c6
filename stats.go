package medflow

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// Stats is a role-specific set of dashboard counters keyed by name.
type Stats map[string]int

var (
	nurseActive    = []domain.Status{domain.StatusDraft, domain.StatusSubmitted, domain.StatusVLMProcessing}
	nursePending   = []domain.Status{domain.StatusVLMProcessing, domain.StatusAwaitingDoctor, domain.StatusVLMFailed}
	doctorWaiting  = []domain.Status{domain.StatusAwaitingDoctor, domain.StatusVLMFailed}
	closedStatuses = []domain.Status{domain.StatusCompleted, domain.StatusPendingTests}
	adminActive    = []domain.Status{
		domain.StatusDraft, domain.StatusSubmitted, domain.StatusVLMProcessing,
		domain.StatusAwaitingDoctor, domain.StatusVLMFailed, domain.StatusDoctorReviewing,
	}
)

// Stats returns the dashboard counters for actor's role. "Today" starts at
// midnight UTC.
func (s *Service) Stats(ctx context.Context, actor domain.Actor) (Stats, error) {
	today := s.clock.Now().UTC().Truncate(24 * time.Hour)

	switch actor.Role {
	case domain.RoleNurse:
		active, err := s.count(ctx, ports.Query{Statuses: nurseActive}, nil)
		if err != nil {
			return nil, err
		}
		created, err := s.count(ctx, ports.Query{CreatedFrom: today}, func(sess *domain.Session) bool {
			return sess.CreatedBy == actor.ID
		})
		if err != nil {
			return nil, err
		}
		pending, err := s.count(ctx, ports.Query{Statuses: nursePending}, nil)
		if err != nil {
			return nil, err
		}
		return Stats{"active_sessions": active, "created_today": created, "pending_review": pending}, nil

	case domain.RoleDoctor:
		assigned, err := s.count(ctx, ports.Query{Statuses: doctorWaiting, AssignedDoctorID: actor.ID}, nil)
		if err != nil {
			return nil, err
		}
		reviewing, err := s.count(ctx, ports.Query{Statuses: []domain.Status{domain.StatusDoctorReviewing}, DoctorID: actor.ID}, nil)
		if err != nil {
			return nil, err
		}
		completed, err := s.count(ctx, ports.Query{Statuses: closedStatuses, DoctorID: actor.ID}, closedSince(today))
		if err != nil {
			return nil, err
		}
		total, err := s.count(ctx, ports.Query{AssignedDoctorID: actor.ID}, nil)
		if err != nil {
			return nil, err
		}
		return Stats{
			"assigned_to_me":      assigned,
			"currently_reviewing": reviewing,
			"completed_today":     completed,
			"total_assigned":      total,
		}, nil

	case domain.RoleAdmin:
		active, err := s.count(ctx, ports.Query{Statuses: adminActive}, nil)
		if err != nil {
			return nil, err
		}
		completed, err := s.count(ctx, ports.Query{Statuses: closedStatuses}, closedSince(today))
		if err != nil {
			return nil, err
		}
		total, err := s.count(ctx, ports.Query{}, nil)
		if err != nil {
			return nil, err
		}
		return Stats{"active_sessions": active, "completed_today": completed, "total_sessions": total}, nil
	}

	return nil, &domain.RejectedError{Event: "stats", Role: actor.Role, Reason: domain.ReasonWrongRole}
}

func (s *Service) count(ctx context.Context, q ports.Query, keep func(*domain.Session) bool) (int, error) {
	list, err := s.repo.List(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	if keep == nil {
		return len(list), nil
	}
	n := 0
	for _, sess := range list {
		if keep(sess) {
			n++
		}
	}
	return n, nil
}

func closedSince(t time.Time) func(*domain.Session) bool {
	return func(sess *domain.Session) bool {
		return sess.ClosedAt != nil && !sess.ClosedAt.Before(t)
	}
}
