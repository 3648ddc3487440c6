package medflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/medflow/internal/followup"
	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/internal/sanitize"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	"github.com/google/uuid"
)

// OpenForReview assigns the session to the calling doctor. Re-opening your own
// review returns the record unchanged.
func (s *Service) OpenForReview(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, error) {
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventOpenForReview,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			at := now
			sess.DoctorID = actor.ID
			sess.DoctorOpenedAt = &at
			return nil
		},
	})
	return updated, err
}

// SetDiagnosis records or replaces the diagnosis of a session under review.
func (s *Service) SetDiagnosis(ctx context.Context, actor domain.Actor, sessionID string, d domain.Diagnosis) (*domain.Session, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventSetDiagnosis,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			old := ""
			if sess.Diagnosis != nil {
				old = sess.Diagnosis.PrimaryDiagnosis
			}
			next := d
			next.Medications = append([]domain.Medication(nil), d.Medications...)
			sess.Diagnosis = &next
			sess.RecordEdit("diagnosis", old, d.PrimaryDiagnosis, actor, now)
			return nil
		},
	})
	return updated, err
}

// SetPendingTests records the tests that must come back before the case is done.
func (s *Service) SetPendingTests(ctx context.Context, actor domain.Actor, sessionID string, pt domain.PendingTests) (*domain.Session, error) {
	tests := make([]string, 0, len(pt.TestsRequested))
	for _, t := range pt.TestsRequested {
		if t = strings.TrimSpace(t); t != "" {
			tests = append(tests, t)
		}
	}
	if pt.Required && len(tests) == 0 {
		return nil, domain.Invalid("required pending tests must name at least one test")
	}
	pt.TestsRequested = tests

	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventSetPendingTests,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			old := ""
			if sess.PendingTests != nil {
				old = strings.Join(sess.PendingTests.TestsRequested, ", ")
			}
			next := pt
			next.TestsRequested = append([]string(nil), pt.TestsRequested...)
			sess.PendingTests = &next
			sess.RecordEdit("pending_tests", old, strings.Join(pt.TestsRequested, ", "), actor, now)
			return nil
		},
	})
	return updated, err
}

// CloseSession finishes a review. With pending tests the session becomes
// pending_tests and the returned follow-up is created in the same write;
// otherwise it becomes completed and the follow-up is nil.
func (s *Service) CloseSession(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, *domain.Session, error) {
	var childID string
	var child *domain.Session

	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventClose,
		actor: actor,
		prepare: func(cur *domain.Session, d lifecycle.Decision, now time.Time, change *ports.Change) error {
			change.Closure = &domain.PatientClosure{PatientID: cur.PatientID, SessionID: cur.ID, At: now}
			child = nil
			if d.To != domain.StatusPendingTests {
				return nil
			}
			// Allocated once; retries reuse it so a lost race does not burn ids.
			if childID == "" {
				seq, err := s.repo.Next(ctx, domain.CounterSession)
				if err != nil {
					return fmt.Errorf("failed to allocate follow-up id: %w", err)
				}
				childID = domain.FormatSessionID(seq)
			}
			built, err := followup.Build(cur, childID, now)
			if err != nil {
				return err
			}
			child = built
			change.Spawn = built
			return nil
		},
		edit: func(sess *domain.Session, d lifecycle.Decision, now time.Time) error {
			at := now
			sess.ClosedAt = &at
			sess.ClosedBy = actor.ID
			if d.To == domain.StatusPendingTests {
				sess.ChildSessionID = childID
			}
			return nil
		},
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("session closed", "session_id", sessionID, "status", updated.Status, "follow_up", updated.ChildSessionID)
	return updated, child, nil
}

// Consult asks the analysis model a question about a session under review and
// appends the exchange to its chat.
func (s *Service) Consult(ctx context.Context, actor domain.Actor, sessionID, question string) (*domain.ChatMessage, error) {
	question, err := sanitize.Text(strings.TrimSpace(question), 0)
	if err != nil {
		return nil, err
	}
	if question == "" {
		return nil, domain.Invalid("question is required")
	}
	if s.analyst == nil {
		return nil, errors.New("model consult is not configured")
	}

	cur, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Fail fast before paying for a model call.
	if _, err := s.decide(cur, step{event: domain.EventConsult, actor: actor}); err != nil {
		return nil, err
	}
	patient, err := s.repo.GetPatient(ctx, cur.PatientID)
	if err != nil {
		return nil, err
	}

	answer, provider, err := s.analyst.Ask(ctx, patient.Context(s.clock.Now()), cur.ChiefComplaint, cur.Chat, question)
	if err != nil {
		return nil, fmt.Errorf("failed to consult model: %w", err)
	}

	msg := domain.ChatMessage{
		ID:       uuid.NewString(),
		Sender:   string(actor.Role),
		Content:  question,
		Response: answer,
		Provider: provider,
	}
	_, _, err = s.apply(ctx, sessionID, step{
		event: domain.EventConsult,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			msg.Timestamp = now
			sess.Chat = append(sess.Chat, msg)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DoctorQueue lists what a doctor should look at: sessions awaiting review or
// whose analysis failed, plus the doctor's own open reviews, oldest first.
// With assignedOnly, waiting sessions are limited to those assigned to the caller.
func (s *Service) DoctorQueue(ctx context.Context, actor domain.Actor, assignedOnly bool) ([]*domain.Session, error) {
	if actor.Role != domain.RoleDoctor && actor.Role != domain.RoleAdmin {
		return nil, &domain.RejectedError{Event: "queue", Role: actor.Role, Reason: domain.ReasonWrongRole}
	}

	waiting := ports.Query{Statuses: []domain.Status{domain.StatusAwaitingDoctor, domain.StatusVLMFailed}}
	if assignedOnly {
		waiting.AssignedDoctorID = actor.ID
	}
	out, err := s.repo.List(ctx, waiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting sessions: %w", err)
	}
	mine, err := s.repo.List(ctx, ports.Query{Statuses: []domain.Status{domain.StatusDoctorReviewing}, DoctorID: actor.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list open reviews: %w", err)
	}

	out = append(out, mine...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return slices.Clip(out), nil
}
