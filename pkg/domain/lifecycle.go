package domain

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusSubmitted       Status = "submitted"
	StatusVLMProcessing   Status = "vlm_processing"
	StatusAwaitingDoctor  Status = "awaiting_doctor"
	StatusVLMFailed       Status = "vlm_failed"
	StatusDoctorReviewing Status = "doctor_reviewing"
	StatusCompleted       Status = "completed"
	StatusPendingTests    Status = "pending_tests"
)

// Statuses lists every lifecycle state in pipeline order.
var Statuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusVLMProcessing,
	StatusAwaitingDoctor,
	StatusVLMFailed,
	StatusDoctorReviewing,
	StatusCompleted,
	StatusPendingTests,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPendingTests
}

// Event names a requested lifecycle transition.
type Event string

const (
	EventCreate            Event = "create"
	EventEdit              Event = "edit"
	EventSubmit            Event = "submit"
	EventProcessingStart   Event = "processing-start"
	EventProcessingSuccess Event = "processing-success"
	EventProcessingFailure Event = "processing-failure"
	EventOpenForReview     Event = "open-for-review"
	EventSetDiagnosis      Event = "set-diagnosis"
	EventSetPendingTests   Event = "set-pending-tests"
	EventClose             Event = "close"
	EventConsult           Event = "consult"
)

// Role is the authority an actor holds, as reported by the identity provider.
type Role string

const (
	RoleNurse  Role = "nurse"
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleNurse, RoleDoctor, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the caller of an operation. It is trusted verbatim.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// SystemActor is used for transitions driven by the background pipeline.
var SystemActor = Actor{ID: "system", Role: RoleSystem, Name: "system"}
