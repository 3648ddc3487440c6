package inference

import (
	"fmt"
	"strings"

	"github.com/aretw0/medflow/pkg/domain"
)

// chatWindow is how many past exchanges the consult prompt carries.
const chatWindow = 3

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}

// InitialPrompt renders the structured analysis prompt for a submitted session.
func InitialPrompt(req domain.InferenceRequest) string {
	var b strings.Builder
	b.WriteString("You are a medical AI assistant analyzing a patient case. Provide a structured medical analysis.\n\n")
	b.WriteString("PATIENT INFORMATION:\n")
	fmt.Fprintf(&b, "- Age: %d years\n", req.Patient.Age)
	fmt.Fprintf(&b, "- Sex: %s\n", orUnknown(req.Patient.Sex))
	fmt.Fprintf(&b, "- Chronic Conditions: %s\n", joinOrNone(req.Patient.ChronicDiseases))
	fmt.Fprintf(&b, "- Current Medications: %s\n\n", joinOrNone(req.Patient.CurrentMedications))
	fmt.Fprintf(&b, "PRESENTING COMPLAINT:\n%s\n\n", req.ChiefComplaint)
	fmt.Fprintf(&b, "CURRENT STATE:\n%s\n", req.CurrentState)

	if req.LastSessionSummary != "" {
		fmt.Fprintf(&b, "\nPREVIOUS SESSION:\n%s\n", req.LastSessionSummary)
	}
	if req.FilesCount > 0 {
		fmt.Fprintf(&b, "\nNOTE: %d medical file(s) uploaded (X-rays, CT scans, or lab results).\n", req.FilesCount)
	}

	b.WriteString(`
Please provide a comprehensive medical analysis in the following format:

FINDINGS:
[Detailed clinical findings and assessment]

KEY OBSERVATIONS:
1. [First key observation]
2. [Second key observation]
3. [Third key observation]

TECHNICAL ASSESSMENT:
[Technical evaluation of available data]

SUGGESTED CONSIDERATIONS:
1. [First consideration]
2. [Second consideration]
3. [Third consideration]

DIFFERENTIAL PATTERNS:
1. [First differential diagnosis]
2. [Second differential diagnosis]
3. [Third differential diagnosis]
`)
	return b.String()
}

// ChatPrompt renders a doctor question with the tail of the consult history.
func ChatPrompt(patient domain.PatientContext, complaint string, history []domain.ChatMessage, question string) string {
	var b strings.Builder
	b.WriteString("You are a medical AI assistant in conversation with a doctor about a patient case.\n\n")
	fmt.Fprintf(&b, "PATIENT: %d year old %s\n", patient.Age, orUnknown(patient.Sex))
	fmt.Fprintf(&b, "CHIEF COMPLAINT: %s\n", complaint)

	if len(history) > chatWindow {
		history = history[len(history)-chatWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nPREVIOUS CONVERSATION:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "Doctor: %s\n", msg.Content)
			if msg.Response != "" {
				fmt.Fprintf(&b, "AI: %s\n", msg.Response)
			}
		}
	}

	fmt.Fprintf(&b, "\nDoctor: %s\n\nAI Assistant:", question)
	return b.String()
}

// Summary renders a parent session's outcome for a follow-up prompt.
func Summary(d *domain.Diagnosis) string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("Previous diagnosis: %s. Notes: %s", d.PrimaryDiagnosis, d.DoctorNotes)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
