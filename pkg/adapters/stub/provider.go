// Package stub provides a canned analysis provider for local runs and tests.
package stub

import (
	"context"
	"sync"

	"github.com/aretw0/medflow/pkg/ports"
)

// DefaultResponse is a well-formed analysis in the sectioned format.
const DefaultResponse = `FINDINGS:
Presentation is consistent with the reported complaint. No red flags in the narrative.

KEY OBSERVATIONS:
1. Symptoms described by the nurse are self-limited so far
2. No chronic condition interacts with the complaint
3. Vital signs were not supplied

TECHNICAL ASSESSMENT:
Assessment relies on the narrative only.

SUGGESTED CONSIDERATIONS:
1. Confirm vital signs
2. Review medication list

DIFFERENTIAL PATTERNS:
1. Viral syndrome
2. Allergic reaction`

// Provider returns a fixed response or error. Safe for concurrent use.
type Provider struct {
	name string

	mu       sync.Mutex
	response string
	err      error
	calls    []string
	hook     func(ctx context.Context) error
}

// Option configures a Provider.
type Option func(*Provider)

// WithResponse sets the text returned by Generate.
func WithResponse(text string) Option {
	return func(p *Provider) {
		p.response = text
	}
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(p *Provider) {
		p.err = err
	}
}

// WithHook runs fn before each call; a non-nil result fails the call.
func WithHook(fn func(ctx context.Context) error) Option {
	return func(p *Provider) {
		p.hook = fn
	}
}

// New creates a stub provider reporting name as its model.
func New(name string, opts ...Option) *Provider {
	p := &Provider{name: name, response: DefaultResponse}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements ports.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Generate implements ports.Provider.
func (p *Provider) Generate(ctx context.Context, prompt string, _ ports.GenerateOptions) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, prompt)
	hook, resp, err := p.hook, p.response, p.err
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return "", herr
		}
	}
	if err != nil {
		return "", err
	}
	return resp, nil
}

// SetError switches the failure mode at runtime; nil restores success.
func (p *Provider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns the prompts received so far.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}
