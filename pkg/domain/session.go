package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SessionType classifies why a session was opened.
type SessionType string

const (
	SessionNewProblem SessionType = "new_problem"
	SessionFollowUp   SessionType = "follow_up"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	return t == SessionNewProblem || t == SessionFollowUp
}

// FileType is the clinical category of an uploaded file.
type FileType string

const (
	FileXRay      FileType = "xray"
	FileCT        FileType = "ct"
	FileLabResult FileType = "lab_result"
	FileECG       FileType = "ecg"
	FileReport    FileType = "report"
	FileOther     FileType = "other"
)

// UploadedFile references bytes held by the external file store.
type UploadedFile struct {
	ID         string    `json:"file_id"`
	Name       string    `json:"file_name"`
	Type       FileType  `json:"file_type"`
	Path       string    `json:"file_path"`
	MimeType   string    `json:"mime_type"`
	SizeMB     float64   `json:"file_size_mb"`
	UploadedAt time.Time `json:"upload_timestamp"`
	UploadedBy string    `json:"uploaded_by"`
}

// Medication is a prescription line inside a diagnosis.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions"`
}

// Diagnosis is the doctor's conclusion. It must exist before a session can close.
type Diagnosis struct {
	PrimaryDiagnosis string       `json:"primary_diagnosis"`
	Severity         string       `json:"severity"`
	Medications      []Medication `json:"medications"`
	Recommendations  string       `json:"recommendations"`
	FollowUpRequired bool         `json:"follow_up_required"`
	FollowUpReason   string       `json:"follow_up_reason,omitempty"`
	FollowUpDate     *time.Time   `json:"follow_up_date,omitempty"`
	DoctorNotes      string       `json:"doctor_notes"`
}

// Validate checks the fields a closure relies on.
func (d Diagnosis) Validate() error {
	if strings.TrimSpace(d.PrimaryDiagnosis) == "" {
		return Invalid("primary diagnosis is required")
	}
	switch d.Severity {
	case "mild", "moderate", "severe":
	default:
		return Invalid("severity must be mild, moderate or severe, got %q", d.Severity)
	}
	return nil
}

// PendingTests decides whether closing yields pending_tests and a follow-up session.
type PendingTests struct {
	Required              bool     `json:"required"`
	TestsRequested        []string `json:"tests_requested"`
	InstructionsToPatient string   `json:"instructions_to_patient"`
}

// StatusEntry is one accepted status change. The history is append-only.
type StatusEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"user_id"`
}

// EditEntry is one field-level edit. The history is append-only.
type EditEntry struct {
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	ActorID   string    `json:"edited_by"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is one doctor question and the model's answer.
type ChatMessage struct {
	ID        string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Response  string    `json:"vlm_response,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}

// Session is one clinical review case.
type Session struct {
	ID               string      `json:"session_id"`
	Type             SessionType `json:"session_type"`
	Status           Status      `json:"session_status"`
	PatientID        string      `json:"patient_id"`
	ParentSessionID  string      `json:"parent_session_id,omitempty"`
	ChildSessionID   string      `json:"child_session_id,omitempty"`
	CreatedBy        string      `json:"created_by"`
	AssignedDoctorID string      `json:"assigned_doctor_id"`
	DoctorID         string      `json:"doctor_id,omitempty"`
	DoctorOpenedAt   *time.Time  `json:"doctor_opened_at,omitempty"`

	ChiefComplaint string         `json:"chief_complaint"`
	CurrentState   string         `json:"current_state_description"`
	Files          []UploadedFile `json:"uploaded_files"`
	Diagnosis      *Diagnosis     `json:"diagnosis,omitempty"`
	PendingTests   *PendingTests  `json:"pending_tests,omitempty"`

	Inference Inference     `json:"inference"`
	Chat      []ChatMessage `json:"vlm_chat_history"`

	ClosedAt  *time.Time `json:"session_closed_at,omitempty"`
	ClosedBy  string     `json:"session_closed_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"last_updated"`
	UpdatedBy string     `json:"last_updated_by"`

	StatusHistory []StatusEntry `json:"status_history"`
	EditHistory   []EditEntry   `json:"edit_history"`

	// Sealed carries the clinical fields when the record is encrypted at rest.
	// Records handed out by the service never have it set.
	Sealed string `json:"sealed,omitempty"`
}

// HasDiagnosis reports whether a diagnosis has been recorded.
func (s *Session) HasDiagnosis() bool {
	return s.Diagnosis != nil
}

// PendingTestsRequired reports whether closing must spawn a follow-up.
func (s *Session) PendingTestsRequired() bool {
	return s.PendingTests != nil && s.PendingTests.Required
}

// RecordStatus moves the session to status and appends the audit entry.
func (s *Session) RecordStatus(status Status, actor Actor, at time.Time) {
	s.Status = status
	s.StatusHistory = append(s.StatusHistory, StatusEntry{Status: status, Timestamp: at, ActorID: actor.ID})
	s.Touch(actor, at)
}

// RecordEdit appends a field-level audit entry.
func (s *Session) RecordEdit(field, oldValue, newValue string, actor Actor, at time.Time) {
	s.EditHistory = append(s.EditHistory, EditEntry{
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		ActorID:   actor.ID,
		Timestamp: at,
	})
	s.Touch(actor, at)
}

// Touch stamps the last-update fields.
func (s *Session) Touch(actor Actor, at time.Time) {
	s.UpdatedAt = at
	s.UpdatedBy = actor.ID
}

// LastTransitionAt returns the timestamp of the newest status entry.
func (s *Session) LastTransitionAt() time.Time {
	if n := len(s.StatusHistory); n > 0 {
		return s.StatusHistory[n-1].Timestamp
	}
	return s.CreatedAt
}

// FindFile returns the index of the file with the given ID, or -1.
func (s *Session) FindFile(fileID string) int {
	for i, f := range s.Files {
		if f.ID == fileID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.DoctorOpenedAt = cloneTime(s.DoctorOpenedAt)
	c.ClosedAt = cloneTime(s.ClosedAt)
	c.Files = append([]UploadedFile(nil), s.Files...)
	c.Chat = append([]ChatMessage(nil), s.Chat...)
	c.StatusHistory = append([]StatusEntry(nil), s.StatusHistory...)
	c.EditHistory = append([]EditEntry(nil), s.EditHistory...)
	if s.Diagnosis != nil {
		d := *s.Diagnosis
		d.Medications = append([]Medication(nil), s.Diagnosis.Medications...)
		d.FollowUpDate = cloneTime(s.Diagnosis.FollowUpDate)
		c.Diagnosis = &d
	}
	if s.PendingTests != nil {
		p := *s.PendingTests
		p.TestsRequested = append([]string(nil), s.PendingTests.TestsRequested...)
		c.PendingTests = &p
	}
	c.Inference = s.Inference.clone()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FormatSessionID renders a session sequence number as its public ID.
func FormatSessionID(seq int64) string {
	return fmt.Sprintf("S-%05d", seq)
}

// FormatPatientID renders a patient sequence number as its public ID.
func FormatPatientID(seq int64) string {
	return fmt.Sprintf("P-%05d", seq)
}

// Counter classes backing the Sequencer.
const (
	CounterUser    = "user_id"
	CounterPatient = "patient_id"
	CounterSession = "session_id"
)

// ValidateComplaint enforces the chief complaint length bounds.
func ValidateComplaint(v string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(v))
	if n < 5 || n > 1000 {
		return Invalid("chief complaint must be 5-1000 characters, got %d", n)
	}
	return nil
}

// ValidateNarrative enforces the minimum current-state description length.
func ValidateNarrative(v string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(v)); n < 10 {
		return Invalid("current state description must be at least 10 characters, got %d", n)
	}
	return nil
}
