// Package lifecycle is the session state machine.
//
// Decide is a pure function: it reads nothing but its arguments and never
// mutates a record. Callers evaluate it against the latest stored state on
// every attempt, and again inside the store's atomic section.
package lifecycle

import (
	"slices"

	"github.com/aretw0/medflow/pkg/domain"
)

// Facts are the record properties, besides status, that legality depends on.
type Facts struct {
	HasDiagnosis         bool
	PendingTestsRequired bool
	ReviewerID           string
}

// FactsOf extracts the decision facts from a record.
func FactsOf(s *domain.Session) Facts {
	return Facts{
		HasDiagnosis:         s.HasDiagnosis(),
		PendingTestsRequired: s.PendingTestsRequired(),
		ReviewerID:           s.DoctorID,
	}
}

// Decision is an accepted event.
type Decision struct {
	Event domain.Event
	From  domain.Status
	To    domain.Status

	// Noop marks an idempotent repeat that must not write anything.
	Noop bool
}

// Changes reports whether the decision moves the session to a new status.
func (d Decision) Changes() bool {
	return !d.Noop && d.From != d.To
}

// Rule is one row of the transition table.
type Rule struct {
	Event domain.Event
	From  []domain.Status
	Roles []domain.Role

	// To is the resulting status; empty keeps the current one.
	// Close resolves its target from Facts.
	To domain.Status
}

var (
	intake   = []domain.Role{domain.RoleNurse, domain.RoleAdmin}
	review   = []domain.Role{domain.RoleDoctor, domain.RoleAdmin}
	pipeline = []domain.Role{domain.RoleSystem}
)

var rules = []Rule{
	{Event: domain.EventCreate, Roles: intake, To: domain.StatusDraft},
	{Event: domain.EventEdit, From: []domain.Status{domain.StatusDraft}, Roles: intake},
	{Event: domain.EventSubmit, From: []domain.Status{domain.StatusDraft}, Roles: intake, To: domain.StatusSubmitted},
	{Event: domain.EventProcessingStart, From: []domain.Status{domain.StatusSubmitted}, Roles: pipeline, To: domain.StatusVLMProcessing},
	{Event: domain.EventProcessingSuccess, From: []domain.Status{domain.StatusVLMProcessing}, Roles: pipeline, To: domain.StatusAwaitingDoctor},
	{Event: domain.EventProcessingFailure, From: []domain.Status{domain.StatusVLMProcessing}, Roles: pipeline, To: domain.StatusVLMFailed},
	{Event: domain.EventOpenForReview, From: []domain.Status{domain.StatusAwaitingDoctor, domain.StatusVLMFailed}, Roles: review, To: domain.StatusDoctorReviewing},
	{Event: domain.EventSetDiagnosis, From: []domain.Status{domain.StatusDoctorReviewing}, Roles: review},
	{Event: domain.EventSetPendingTests, From: []domain.Status{domain.StatusDoctorReviewing}, Roles: review},
	{Event: domain.EventConsult, From: []domain.Status{domain.StatusDoctorReviewing}, Roles: review},
	{Event: domain.EventClose, From: []domain.Status{domain.StatusDoctorReviewing}, Roles: review},
}

// Rules returns a copy of the transition table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

func lookup(ev domain.Event) (Rule, bool) {
	for _, r := range rules {
		if r.Event == ev {
			return r, true
		}
	}
	return Rule{}, false
}

// Decide evaluates event against the current status and actor.
// current is empty for EventCreate.
func Decide(current domain.Status, ev domain.Event, actor domain.Actor, f Facts) (Decision, error) {
	reject := func(reason domain.Reason) (Decision, error) {
		return Decision{}, &domain.RejectedError{Event: ev, Status: current, Role: actor.Role, Reason: reason}
	}

	rule, ok := lookup(ev)
	if !ok {
		return reject(domain.ReasonUnknownEvent)
	}

	// A diagnosis gates closure before anything else, whoever asks.
	if ev == domain.EventClose && !f.HasDiagnosis {
		return reject(domain.ReasonMissingDiagnosis)
	}

	if !slices.Contains(rule.Roles, actor.Role) {
		return reject(domain.ReasonWrongRole)
	}

	if ev == domain.EventCreate {
		if current != "" {
			return reject(domain.ReasonWrongState)
		}
		return Decision{Event: ev, To: domain.StatusDraft}, nil
	}

	// Re-opening your own review is a refresh, not an error.
	if ev == domain.EventOpenForReview && current == domain.StatusDoctorReviewing && f.ReviewerID != "" && f.ReviewerID == actor.ID {
		return Decision{Event: ev, From: current, To: current, Noop: true}, nil
	}

	if !slices.Contains(rule.From, current) {
		return reject(domain.ReasonWrongState)
	}

	to := rule.To
	switch {
	case ev == domain.EventClose && f.PendingTestsRequired:
		to = domain.StatusPendingTests
	case ev == domain.EventClose:
		to = domain.StatusCompleted
	case to == "":
		to = current
	}
	return Decision{Event: ev, From: current, To: to}, nil
}

// Targets lists every status an event can lead to, for documentation.
func (r Rule) Targets() []domain.Status {
	switch {
	case r.Event == domain.EventClose:
		return []domain.Status{domain.StatusCompleted, domain.StatusPendingTests}
	case r.To == "":
		return nil
	default:
		return []domain.Status{r.To}
	}
}
