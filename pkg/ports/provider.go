package ports

import "context"

// GenerateOptions tunes a text-generation call.
type GenerateOptions struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// Provider is an external analysis service.
type Provider interface {
	// Name identifies the backing model, e.g. "google/medgemma-4b-it".
	Name() string

	// Generate returns the model's free text for prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
