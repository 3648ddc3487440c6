// Package huggingface calls the Hugging Face text-generation inference API.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/medflow/pkg/ports"
)

const DefaultBaseURL = "https://api-inference.huggingface.co"

// ErrEmptyOutput is returned when the model answered with no text.
var ErrEmptyOutput = errors.New("model returned no text")

type Option func(*Provider)

// Provider is one model behind the inference API.
type Provider struct {
	model   string
	token   string
	baseURL string
	client  *http.Client
}

var _ ports.Provider = (*Provider)(nil)

func New(model, token string, opts ...Option) *Provider {
	p := &Provider{
		model:   strings.TrimSpace(model),
		token:   strings.TrimSpace(token),
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithTimeout bounds a single generation call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

func (p *Provider) Name() string {
	return p.model
}

type generateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters generateParameters `json:"parameters"`
}

type generateParameters struct {
	MaxNewTokens      int     `json:"max_new_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	ReturnFullText    bool    `json:"return_full_text"`
}

type generation struct {
	GeneratedText string `json:"generated_text"`
}

type errorEnvelope struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

// Generate posts prompt to /models/<model> and returns the generated text.
func (p *Provider) Generate(ctx context.Context, prompt string, opts ports.GenerateOptions) (string, error) {
	body, err := json.Marshal(generateRequest{
		Inputs: prompt,
		Parameters: generateParameters{
			MaxNewTokens:      opts.MaxNewTokens,
			Temperature:       opts.Temperature,
			TopP:              opts.TopP,
			RepetitionPenalty: opts.RepetitionPenalty,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/models/"+p.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("huggingface request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseAPIError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	text, err := decodeGeneration(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

// decodeGeneration accepts both the list and the single-object response shapes.
func decodeGeneration(raw []byte) (string, error) {
	var list []generation
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return "", nil
		}
		return list[0].GeneratedText, nil
	}
	var single generation
	if err := json.Unmarshal(raw, &single); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return single.GeneratedText, nil
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	var parsed errorEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error) != "" {
			message = parsed.Error
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("huggingface rate limited: %s", message)
	case http.StatusServiceUnavailable:
		if parsed.EstimatedTime > 0 {
			return fmt.Errorf("huggingface model loading (%.0fs): %s", parsed.EstimatedTime, message)
		}
	}
	return fmt.Errorf("huggingface api status %d: %s", resp.StatusCode, message)
}
