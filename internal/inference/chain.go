// Package inference turns a session snapshot into a structured analysis by
// calling the configured providers in order.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aretw0/medflow/internal/clock"
	"github.com/aretw0/medflow/internal/logging"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/aretw0/medflow/pkg/ports"
)

// Provider labels recorded on the result.
const (
	LabelPrimary  = "primary"
	LabelFallback = "fallback"
)

var (
	// AnalysisOptions are the generation settings for the initial analysis.
	AnalysisOptions = ports.GenerateOptions{MaxNewTokens: 1000, Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1.1}

	// ChatOptions are the generation settings for a consult answer.
	ChatOptions = ports.GenerateOptions{MaxNewTokens: 500, Temperature: 0.7, TopP: 0.9, RepetitionPenalty: 1.1}
)

// Observer receives one sample per provider call.
type Observer interface {
	ObserveInference(provider, outcome string, elapsed time.Duration)
}

type labeled struct {
	label    string
	provider ports.Provider
}

// Chain tries the primary provider and then the fallback with the identical prompt.
type Chain struct {
	providers []labeled
	logger    *slog.Logger
	clock     clock.Clock
	observer  Observer
}

// Option configures a Chain.
type Option func(*Chain)

// WithFallback adds the provider used when the primary fails.
func WithFallback(p ports.Provider) Option {
	return func(c *Chain) {
		if p != nil {
			c.providers = append(c.providers, labeled{label: LabelFallback, provider: p})
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// WithClock sets the time source used for processing durations.
func WithClock(clk clock.Clock) Option {
	return func(c *Chain) {
		c.clock = clk
	}
}

// WithObserver attaches a metrics sink.
func WithObserver(o Observer) Option {
	return func(c *Chain) {
		c.observer = o
	}
}

// New creates a chain around the primary provider.
func New(primary ports.Provider, opts ...Option) *Chain {
	c := &Chain{
		providers: []labeled{{label: LabelPrimary, provider: primary}},
		logger:    logging.NewNop(),
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze runs the initial analysis. Every attempt is returned, including on
// success. When all providers fail the error is a *domain.ProviderError.
func (c *Chain) Analyze(ctx context.Context, req domain.InferenceRequest) (*domain.InferenceResult, []domain.InferenceAttempt, error) {
	prompt := InitialPrompt(req)
	start := c.clock.Now()

	text, used, attempts, err := c.generate(ctx, prompt, AnalysisOptions)
	if err != nil {
		return nil, attempts, err
	}

	res := Parse(text, req)
	res.Provider = used.label
	res.ModelVersion = used.provider.Name()
	if used.label == LabelFallback {
		res.ModelVersion += " (fallback)"
	}
	res.ProcessingTimeSeconds = int(c.clock.Now().Sub(start).Seconds())
	return res, attempts, nil
}

// Ask answers a doctor question about a session under review.
// It returns the answer and the label of the provider that produced it.
func (c *Chain) Ask(ctx context.Context, patient domain.PatientContext, complaint string, history []domain.ChatMessage, question string) (string, string, error) {
	prompt := ChatPrompt(patient, complaint, history, question)
	text, used, _, err := c.generate(ctx, prompt, ChatOptions)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(text), used.label, nil
}

func (c *Chain) generate(ctx context.Context, prompt string, opts ports.GenerateOptions) (string, labeled, []domain.InferenceAttempt, error) {
	attempts := make([]domain.InferenceAttempt, 0, len(c.providers))

	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, domain.InferenceAttempt{Provider: p.label, Model: p.provider.Name(), Error: err.Error()})
			break
		}

		c.logger.Debug("calling provider", "provider", p.label, "model", p.provider.Name(), "prompt_chars", len(prompt))
		began := c.clock.Now()
		text, err := p.provider.Generate(ctx, prompt, opts)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("empty response")
		}
		c.observe(p.label, err, c.clock.Now().Sub(began))

		attempt := domain.InferenceAttempt{Provider: p.label, Model: p.provider.Name()}
		if err != nil {
			attempt.Error = err.Error()
			attempts = append(attempts, attempt)
			c.logger.Warn("provider failed", "provider", p.label, "model", p.provider.Name(), "error", err)
			continue
		}
		attempts = append(attempts, attempt)
		return text, p, attempts, nil
	}

	return "", labeled{}, attempts, &domain.ProviderError{Attempts: attempts}
}

func (c *Chain) observe(label string, err error, elapsed time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.observer.ObserveInference(label, outcome, elapsed)
}

// String describes the configured providers, e.g. for startup logs.
func (c *Chain) String() string {
	parts := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		parts = append(parts, fmt.Sprintf("%s=%s", p.label, p.provider.Name()))
	}
	return strings.Join(parts, " ")
}
