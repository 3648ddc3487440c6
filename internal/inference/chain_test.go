package inference_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/medflow/internal/clock"
	"github.com/aretw0/medflow/internal/inference"
	"github.com/aretw0/medflow/pkg/adapters/stub"
	"github.com/aretw0/medflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	provider, outcome string
}

type recorder struct{ samples []sample }

func (r *recorder) ObserveInference(provider, outcome string, _ time.Duration) {
	r.samples = append(r.samples, sample{provider, outcome})
}

func request() domain.InferenceRequest {
	return domain.InferenceRequest{
		Patient:        domain.PatientContext{Age: 42, Sex: "female", ChronicDiseases: []string{"asthma"}},
		ChiefComplaint: "Shortness of breath",
		CurrentState:   "wheezing since last night",
	}
}

func TestChain_PrimarySucceeds(t *testing.T) {
	primary := stub.New("google/medgemma-4b-it")
	fallback := stub.New("microsoft/biogpt")
	rec := &recorder{}
	clk := clock.NewManaged(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)).WithStep(time.Second)

	chain := inference.New(primary, inference.WithFallback(fallback), inference.WithObserver(rec), inference.WithClock(clk))
	res, attempts, err := chain.Analyze(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, inference.LabelPrimary, res.Provider)
	assert.Equal(t, "google/medgemma-4b-it", res.ModelVersion)
	assert.Equal(t, 3, res.ProcessingTimeSeconds)
	assert.Len(t, res.KeyObservations, 3)
	require.Len(t, attempts, 1)
	assert.Empty(t, attempts[0].Error)
	assert.Empty(t, fallback.Calls())
	assert.Equal(t, []sample{{inference.LabelPrimary, "success"}}, rec.samples)
}

func TestChain_FallbackUsesSamePrompt(t *testing.T) {
	primary := stub.New("google/medgemma-4b-it", stub.WithError(errors.New("503 model loading")))
	fallback := stub.New("microsoft/biogpt")

	chain := inference.New(primary, inference.WithFallback(fallback))
	res, attempts, err := chain.Analyze(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, inference.LabelFallback, res.Provider)
	assert.Equal(t, "microsoft/biogpt (fallback)", res.ModelVersion)
	require.Len(t, attempts, 2)
	assert.Equal(t, "503 model loading", attempts[0].Error)
	assert.Empty(t, attempts[1].Error)
	assert.Equal(t, primary.Calls(), fallback.Calls())
}

func TestChain_BothFail(t *testing.T) {
	primary := stub.New("google/medgemma-4b-it", stub.WithError(errors.New("timeout")))
	fallback := stub.New("microsoft/biogpt", stub.WithError(errors.New("rate limited")))

	chain := inference.New(primary, inference.WithFallback(fallback))
	_, attempts, err := chain.Analyze(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderFailure)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "rate limited")

	var perr *domain.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, attempts, perr.Attempts)
	assert.Len(t, perr.Attempts, 2)
}

func TestChain_EmptyResponseFallsBack(t *testing.T) {
	primary := stub.New("google/medgemma-4b-it", stub.WithResponse("   "))
	fallback := stub.New("microsoft/biogpt", stub.WithResponse("plain text answer"))

	res, _, err := inference.New(primary, inference.WithFallback(fallback)).Analyze(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, inference.LabelFallback, res.Provider)
	assert.Equal(t, "plain text answer", res.Findings)
}

func TestChain_Ask(t *testing.T) {
	primary := stub.New("google/medgemma-4b-it", stub.WithResponse("  Consider spirometry.\n"))
	chain := inference.New(primary)

	answer, provider, err := chain.Ask(context.Background(), request().Patient, "Shortness of breath", nil, "Next step?")
	require.NoError(t, err)
	assert.Equal(t, "Consider spirometry.", answer)
	assert.Equal(t, inference.LabelPrimary, provider)
	require.Len(t, primary.Calls(), 1)
	assert.Contains(t, primary.Calls()[0], "Doctor: Next step?")
}

func TestChain_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := stub.New("google/medgemma-4b-it")
	_, attempts, err := inference.New(primary).Analyze(ctx, request())
	assert.ErrorIs(t, err, domain.ErrProviderFailure)
	require.Len(t, attempts, 1)
	assert.Equal(t, context.Canceled.Error(), attempts[0].Error)
	assert.Empty(t, primary.Calls())
}
