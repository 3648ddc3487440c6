package inference

import (
	"fmt"
	"strings"

	"github.com/aretw0/medflow/pkg/domain"
)

type section int

const (
	sectionNone section = iota
	sectionFindings
	sectionObservations
	sectionAssessment
	sectionConsiderations
	sectionDifferentials
)

var headers = []struct {
	marker string
	sec    section
}{
	{"FINDINGS:", sectionFindings},
	{"KEY OBSERVATIONS:", sectionObservations},
	{"TECHNICAL ASSESSMENT:", sectionAssessment},
	{"SUGGESTED CONSIDERATIONS:", sectionConsiderations},
	{"DIFFERENTIAL PATTERNS:", sectionDifferentials},
}

const listBullets = "0123456789.-•* "

// Parse splits free model text into the result sections. Text that follows no
// header is dropped; if no findings were found the whole text becomes the findings.
func Parse(text string, req domain.InferenceRequest) *domain.InferenceResult {
	res := &domain.InferenceResult{
		KeyObservations:         []string{},
		SuggestedConsiderations: []string{},
		DifferentialPatterns:    []string{},
	}

	current := sectionNone
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if sec, ok := headerOf(line); ok {
			current = sec
			continue
		}
		if line == "" {
			continue
		}

		switch current {
		case sectionFindings:
			res.Findings = appendText(res.Findings, line)
		case sectionAssessment:
			res.TechnicalAssessment = appendText(res.TechnicalAssessment, line)
		case sectionObservations:
			res.KeyObservations = appendItem(res.KeyObservations, line)
		case sectionConsiderations:
			res.SuggestedConsiderations = appendItem(res.SuggestedConsiderations, line)
		case sectionDifferentials:
			res.DifferentialPatterns = appendItem(res.DifferentialPatterns, line)
		}
	}

	if res.Findings == "" {
		res.Findings = strings.TrimSpace(text)
	}
	if len(res.KeyObservations) == 0 {
		res.KeyObservations = []string{
			"Patient presenting with " + strings.ToLower(req.ChiefComplaint),
			fmt.Sprintf("Age %d years - age-appropriate evaluation needed", req.Patient.Age),
			"Comprehensive clinical assessment recommended",
		}
	}
	return res
}

func headerOf(line string) (section, bool) {
	upper := strings.ToUpper(line)
	for _, h := range headers {
		if strings.Contains(upper, h.marker) {
			return h.sec, true
		}
	}
	return sectionNone, false
}

func appendText(cur, line string) string {
	if cur == "" {
		return line
	}
	return cur + " " + line
}

func appendItem(items []string, line string) []string {
	if cleaned := strings.TrimLeft(line, listBullets); cleaned != "" {
		return append(items, cleaned)
	}
	return items
}
