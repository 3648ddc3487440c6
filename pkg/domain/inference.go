package domain

import "time"

// PatientContext is the patient snapshot handed to the analysis providers.
type PatientContext struct {
	Age                int      `json:"age"`
	Sex                string   `json:"sex"`
	ChronicDiseases    []string `json:"chronic_diseases"`
	CurrentMedications []string `json:"current_medications"`
}

// InferenceRequest is the snapshot of everything sent to a provider.
type InferenceRequest struct {
	Patient            PatientContext `json:"patient_context"`
	LastSessionSummary string         `json:"last_session_summary,omitempty"`
	ChiefComplaint     string         `json:"chief_complaint"`
	CurrentState       string         `json:"current_state"`
	FilesCount         int            `json:"files_count"`
}

// InferenceResult is the structured form of a provider's free text.
// Its content is opaque to the lifecycle.
type InferenceResult struct {
	Findings                string   `json:"findings"`
	KeyObservations         []string `json:"key_observations"`
	TechnicalAssessment     string   `json:"technical_assessment"`
	SuggestedConsiderations []string `json:"suggested_considerations"`
	DifferentialPatterns    []string `json:"differential_patterns"`
	ModelVersion            string   `json:"model_version"`
	Provider                string   `json:"model_used"`
	ProcessingTimeSeconds   int      `json:"processing_time_seconds"`
}

// InferenceAttempt records the outcome of one provider call.
type InferenceAttempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Error    string `json:"error,omitempty"`
}

// Inference is the processing envelope of a session.
type Inference struct {
	Request     *InferenceRequest  `json:"request,omitempty"`
	Result      *InferenceResult   `json:"result,omitempty"`
	TriggeredAt *time.Time         `json:"triggered_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	Attempts    []InferenceAttempt `json:"attempts,omitempty"`
}

func (i Inference) clone() Inference {
	c := i
	c.TriggeredAt = cloneTime(i.TriggeredAt)
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.Attempts = append([]InferenceAttempt(nil), i.Attempts...)
	if i.Request != nil {
		r := *i.Request
		r.Patient.ChronicDiseases = append([]string(nil), i.Request.Patient.ChronicDiseases...)
		r.Patient.CurrentMedications = append([]string(nil), i.Request.Patient.CurrentMedications...)
		c.Request = &r
	}
	if i.Result != nil {
		r := *i.Result
		r.KeyObservations = append([]string(nil), i.Result.KeyObservations...)
		r.SuggestedConsiderations = append([]string(nil), i.Result.SuggestedConsiderations...)
		r.DifferentialPatterns = append([]string(nil), i.Result.DifferentialPatterns...)
		c.Result = &r
	}
	return c
}
