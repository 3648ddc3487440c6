// Package sanitize cleans free text typed by clinicians before it is stored,
// logged or sent to a model.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aretw0/medflow/pkg/domain"
)

// DefaultLimit bounds a single free-text field, in bytes.
const DefaultLimit = 4096

// Text rejects oversized or invalid UTF-8 input and strips control characters
// other than newline, tab and carriage return. A non-positive limit means
// DefaultLimit.
func Text(input string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	// Rejected rather than truncated so the stored text is what was typed.
	if len(input) > limit {
		return "", domain.Invalid("text exceeds %d bytes", limit)
	}
	if !utf8.ValidString(input) {
		return "", domain.Invalid("text contains invalid UTF-8")
	}

	if strings.IndexFunc(input, unsafeControl) < 0 {
		return input, nil
	}

	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !unsafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func unsafeControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}
