package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound is returned when a session ID cannot be found in the store.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when creating a session whose ID is already taken.
var ErrSessionExists = errors.New("session already exists")

// ErrPatientNotFound is returned when a patient ID cannot be found.
var ErrPatientNotFound = errors.New("patient not found")

// ErrFileNotFound is returned when a file reference is not attached to the session.
var ErrFileNotFound = errors.New("file not found")

// ErrConflict is returned when a conditional update lost a race.
// Callers re-read and re-evaluate; it is never resolved by overwriting.
var ErrConflict = errors.New("concurrent update conflict")

// ErrRejected matches every *RejectedError via errors.Is.
var ErrRejected = errors.New("transition rejected")

// ErrInvalidInput is returned when a payload fails validation.
var ErrInvalidInput = errors.New("invalid input")

// ErrProviderFailure matches every *ProviderError via errors.Is.
var ErrProviderFailure = errors.New("all analysis providers failed")

// ErrDispatchFailure is returned by dispatchers when the queue is unreachable.
var ErrDispatchFailure = errors.New("dispatch failed")

// Reason explains why the state machine rejected an event.
type Reason string

const (
	ReasonWrongState       Reason = "wrong-state"
	ReasonWrongRole        Reason = "wrong-role"
	ReasonMissingDiagnosis Reason = "missing-diagnosis"
	ReasonUnknownEvent     Reason = "unknown-event"
)

// RejectedError is an illegal transition. Rejection never mutates the record.
type RejectedError struct {
	Event  Event
	Status Status
	Role   Role
	Reason Reason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s not allowed (%s): status=%s role=%s", e.Event, e.Reason, e.Status, e.Role)
}

// Is makes errors.Is(err, ErrRejected) hold for any rejection.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}

// ProviderError records why every analysis provider failed for one request.
type ProviderError struct {
	Attempts []InferenceAttempt
}

func (e *ProviderError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", a.Provider, a.Model, a.Error))
	}
	return "all analysis providers failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrProviderFailure) hold.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderFailure
}

// Invalid wraps a validation message with ErrInvalidInput.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
