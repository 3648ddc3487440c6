// Package followup derives the child session created when a review closes
// with pending tests.
package followup

import (
	"errors"
	"strings"
	"time"

	"github.com/aretw0/medflow/pkg/domain"
)

// ErrNoPendingTests is returned when the parent does not require a follow-up.
var ErrNoPendingTests = errors.New("parent session has no pending tests")

// Complaint renders the child's chief complaint.
func Complaint(parent *domain.Session) string {
	return "Follow-up for: " + parent.ChiefComplaint
}

// Narrative renders the child's current-state description from the requested tests.
func Narrative(pt *domain.PendingTests) string {
	var b strings.Builder
	b.WriteString("Pending tests: ")
	b.WriteString(strings.Join(pt.TestsRequested, ", "))
	if instr := strings.TrimSpace(pt.InstructionsToPatient); instr != "" {
		b.WriteString("\nInstructions: ")
		b.WriteString(instr)
	}
	return b.String()
}

// Build returns the draft follow-up for parent. It is deterministic in its
// inputs so a retried close rebuilds the same record. The child is created by
// the system on the closing doctor's behalf.
func Build(parent *domain.Session, childID string, now time.Time) (*domain.Session, error) {
	if !parent.PendingTestsRequired() {
		return nil, ErrNoPendingTests
	}
	if childID == "" {
		return nil, domain.Invalid("follow-up session id is required")
	}

	child := &domain.Session{
		ID:               childID,
		Type:             domain.SessionFollowUp,
		Status:           domain.StatusDraft,
		PatientID:        parent.PatientID,
		ParentSessionID:  parent.ID,
		CreatedBy:        domain.SystemActor.ID,
		AssignedDoctorID: parent.AssignedDoctorID,
		ChiefComplaint:   Complaint(parent),
		CurrentState:     Narrative(parent.PendingTests),
		CreatedAt:        now,
	}
	child.RecordStatus(domain.StatusDraft, domain.SystemActor, now)
	return child, nil
}
