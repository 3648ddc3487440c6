package medflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/medflow/internal/lifecycle"
	"github.com/aretw0/medflow/internal/sanitize"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// NewSession is the intake payload.
type NewSession struct {
	PatientID        string `json:"patient_id"`
	ChiefComplaint   string `json:"chief_complaint"`
	CurrentState     string `json:"current_state_description"`
	AssignedDoctorID string `json:"assigned_doctor_id"`
}

// SessionEdit lists the fields editable while a session is a draft.
// Nil fields are left untouched.
type SessionEdit struct {
	ChiefComplaint   *string `mapstructure:"chief_complaint"`
	CurrentState     *string `mapstructure:"current_state_description"`
	AssignedDoctorID *string `mapstructure:"assigned_doctor_id"`
}

// FileRef describes a file already stored elsewhere.
type FileRef struct {
	Name     string          `json:"file_name"`
	Type     domain.FileType `json:"file_type"`
	Path     string          `json:"file_path"`
	MimeType string          `json:"mime_type"`
	SizeMB   float64         `json:"file_size_mb"`
}

// CreateSession opens a draft for an existing patient.
func (s *Service) CreateSession(ctx context.Context, actor domain.Actor, in NewSession) (*domain.Session, error) {
	if _, err := lifecycle.Decide("", domain.EventCreate, actor, lifecycle.Facts{}); err != nil {
		if reason, ok := domain.ReasonOf(err); ok {
			s.metrics.TransitionRejected(domain.EventCreate, reason)
		}
		return nil, err
	}
	var err error
	if in.ChiefComplaint, err = sanitize.Text(in.ChiefComplaint, 0); err != nil {
		return nil, err
	}
	if in.CurrentState, err = sanitize.Text(in.CurrentState, 0); err != nil {
		return nil, err
	}
	if err := domain.ValidateComplaint(in.ChiefComplaint); err != nil {
		return nil, err
	}
	if err := domain.ValidateNarrative(in.CurrentState); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatient(ctx, in.PatientID); err != nil {
		return nil, err
	}

	seq, err := s.repo.Next(ctx, domain.CounterSession)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate session id: %w", err)
	}

	now := s.clock.Now()
	session := &domain.Session{
		ID:               domain.FormatSessionID(seq),
		Type:             domain.SessionNewProblem,
		PatientID:        in.PatientID,
		CreatedBy:        actor.ID,
		AssignedDoctorID: in.AssignedDoctorID,
		ChiefComplaint:   strings.TrimSpace(in.ChiefComplaint),
		CurrentState:     strings.TrimSpace(in.CurrentState),
		Files:            []domain.UploadedFile{},
		CreatedAt:        now,
	}
	session.RecordStatus(domain.StatusDraft, actor, now)

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.metrics.TransitionApplied(domain.EventCreate, domain.StatusDraft)
	s.logger.Info("session created", "session_id", session.ID, "patient_id", session.PatientID, "actor", actor.ID)
	s.notify(session)
	return session, nil
}

// DecodeEdit converts a free-form payload into a SessionEdit, rejecting unknown keys.
func DecodeEdit(fields map[string]any) (SessionEdit, error) {
	var edit SessionEdit
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &edit,
		ErrorUnused: true,
	})
	if err != nil {
		return SessionEdit{}, fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return SessionEdit{}, domain.Invalid("%v", err)
	}
	return edit, nil
}

// EditSession changes intake fields of a draft. Each changed field is audited.
func (s *Service) EditSession(ctx context.Context, actor domain.Actor, sessionID string, fields map[string]any) (*domain.Session, error) {
	edit, err := DecodeEdit(fields)
	if err != nil {
		return nil, err
	}
	for _, field := range []*string{edit.ChiefComplaint, edit.CurrentState} {
		if field == nil {
			continue
		}
		if *field, err = sanitize.Text(*field, 0); err != nil {
			return nil, err
		}
	}
	if edit.ChiefComplaint != nil {
		if err := domain.ValidateComplaint(*edit.ChiefComplaint); err != nil {
			return nil, err
		}
	}
	if edit.CurrentState != nil {
		if err := domain.ValidateNarrative(*edit.CurrentState); err != nil {
			return nil, err
		}
	}

	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventEdit,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			set := func(field string, target *string, value *string) {
				if value == nil {
					return
				}
				v := strings.TrimSpace(*value)
				if v == *target {
					return
				}
				sess.RecordEdit(field, *target, v, actor, now)
				*target = v
			}
			set("chief_complaint", &sess.ChiefComplaint, edit.ChiefComplaint)
			set("current_state_description", &sess.CurrentState, edit.CurrentState)
			set("assigned_doctor_id", &sess.AssignedDoctorID, edit.AssignedDoctorID)
			return nil
		},
	})
	return updated, err
}

// NewFileID returns a fresh "F-" prefixed file reference id.
func NewFileID() string {
	return "F-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// AttachFile records a file reference on a draft.
func (s *Service) AttachFile(ctx context.Context, actor domain.Actor, sessionID string, ref FileRef) (*domain.UploadedFile, error) {
	if strings.TrimSpace(ref.Name) == "" {
		return nil, domain.Invalid("file name is required")
	}
	if ref.Type == "" {
		ref.Type = domain.FileOther
	}

	fileID := NewFileID()
	var attached domain.UploadedFile
	_, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventEdit,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			attached = domain.UploadedFile{
				ID:         fileID,
				Name:       ref.Name,
				Type:       ref.Type,
				Path:       ref.Path,
				MimeType:   ref.MimeType,
				SizeMB:     ref.SizeMB,
				UploadedAt: now,
				UploadedBy: actor.ID,
			}
			sess.Files = append(sess.Files, attached)
			sess.RecordEdit("uploaded_files", "", fileID, actor, now)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &attached, nil
}

// RemoveFile detaches a file reference from a draft.
func (s *Service) RemoveFile(ctx context.Context, actor domain.Actor, sessionID, fileID string) (*domain.Session, error) {
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventEdit,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, now time.Time) error {
			i := sess.FindFile(fileID)
			if i < 0 {
				return domain.ErrFileNotFound
			}
			sess.Files = append(sess.Files[:i], sess.Files[i+1:]...)
			sess.RecordEdit("uploaded_files", fileID, "", actor, now)
			return nil
		},
	})
	return updated, err
}

// SubmitSession freezes the payload and queues the session for analysis.
// A dispatch failure is audited and counted but does not fail the submit;
// Reconcile picks the session up later.
func (s *Service) SubmitSession(ctx context.Context, actor domain.Actor, sessionID string) (*domain.Session, error) {
	updated, _, err := s.apply(ctx, sessionID, step{
		event: domain.EventSubmit,
		actor: actor,
		edit: func(sess *domain.Session, _ lifecycle.Decision, _ time.Time) error {
			if err := domain.ValidateComplaint(sess.ChiefComplaint); err != nil {
				return err
			}
			return domain.ValidateNarrative(sess.CurrentState)
		},
	})
	if err != nil {
		return nil, err
	}

	_ = s.dispatch(ctx, sessionID, false)
	return updated, nil
}

// dispatch queues sessionID, auditing and counting a failure. With force set,
// a Redispatcher requeues the session past any outstanding marker.
func (s *Service) dispatch(ctx context.Context, sessionID string, force bool) error {
	if s.dispatcher == nil {
		s.logger.Warn("no dispatcher configured, session left in submitted", "session_id", sessionID)
		return fmt.Errorf("%w: no dispatcher configured", domain.ErrDispatchFailure)
	}
	send := s.dispatcher.Dispatch
	if r, ok := s.dispatcher.(ports.Redispatcher); ok && force {
		send = r.Redispatch
	}
	err := send(ctx, sessionID)
	if err == nil {
		return nil
	}

	s.metrics.DispatchFailed()
	s.logger.Error("failed to dispatch session", "session_id", sessionID, "error", err)
	entry := domain.EditEntry{
		Field:     "dispatch_error",
		NewValue:  err.Error(),
		ActorID:   domain.SystemActor.ID,
		Timestamp: s.clock.Now(),
	}
	if aerr := s.repo.AppendAudit(context.WithoutCancel(ctx), sessionID, entry); aerr != nil {
		s.logger.Error("failed to audit dispatch failure", "session_id", sessionID, "error", aerr)
	}
	return err
}
