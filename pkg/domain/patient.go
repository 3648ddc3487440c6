package domain

import "time"

// Patient is the subject of a session. Only the closure counters are owned
// by the casework core; demographics are read for model context.
type Patient struct {
	ID                 string     `json:"patient_id"`
	Name               string     `json:"name"`
	DateOfBirth        time.Time  `json:"date_of_birth"`
	Sex                string     `json:"sex"`
	ChronicDiseases    []string   `json:"chronic_diseases"`
	Allergies          []string   `json:"allergies"`
	CurrentMedications []string   `json:"current_medications"`
	TotalSessions      int        `json:"total_sessions"`
	LastSessionID      string     `json:"last_session_id,omitempty"`
	LastSessionDate    *time.Time `json:"last_session_date,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// AgeAt returns the patient's age in whole years at the given instant.
func (p *Patient) AgeAt(now time.Time) int {
	if p.DateOfBirth.IsZero() {
		return 0
	}
	years := now.Year() - p.DateOfBirth.Year()
	if now.Month() < p.DateOfBirth.Month() || (now.Month() == p.DateOfBirth.Month() && now.Day() < p.DateOfBirth.Day()) {
		years--
	}
	return years
}

// Context builds the provider-facing snapshot.
func (p *Patient) Context(now time.Time) PatientContext {
	return PatientContext{
		Age:                p.AgeAt(now),
		Sex:                p.Sex,
		ChronicDiseases:    append([]string(nil), p.ChronicDiseases...),
		CurrentMedications: append([]string(nil), p.CurrentMedications...),
	}
}

// Clone returns a deep copy.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	c.ChronicDiseases = append([]string(nil), p.ChronicDiseases...)
	c.Allergies = append([]string(nil), p.Allergies...)
	c.CurrentMedications = append([]string(nil), p.CurrentMedications...)
	c.LastSessionDate = cloneTime(p.LastSessionDate)
	return &c
}

// PatientClosure is the counter bump applied when one of the patient's sessions closes.
type PatientClosure struct {
	PatientID string
	SessionID string
	At        time.Time
}

// Apply bumps the counters in place.
func (c PatientClosure) Apply(p *Patient) {
	p.TotalSessions++
	p.LastSessionID = c.SessionID
	at := c.At
	p.LastSessionDate = &at
}
