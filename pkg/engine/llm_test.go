package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/llm"
)

type scriptedAdapter struct {
	err  error
	resp *llm.Response
}

func (s *scriptedAdapter) Protocol() string { return "fake" }

func (s *scriptedAdapter) Complete(ctx context.Context, ep *llm.Endpoint, model string, req *llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *scriptedAdapter) Stream(ctx context.Context, ep *llm.Endpoint, model string, req *llm.Request, onChunk func(llm.StreamChunk)) (*llm.Response, error) {
	return nil, llm.ErrStreamingUnsupported
}

func newManager(t *testing.T, adapter llm.ProtocolAdapter) *llm.Manager {
	t.Helper()
	t.Setenv("FAKE_ENGINE_KEY", "k")
	m := llm.NewManager(&config.LLMConfig{
		Endpoints: map[string]config.EndpointConfig{
			"ep": {Enabled: true, Protocol: "fake", APIKeyEnv: "FAKE_ENGINE_KEY", Priority: 1},
		},
		Models: map[string]config.ModelConfig{
			"m1": {Endpoints: []string{"ep"}, CostPer1kTokens: config.ModelCost{Input: 0.001, Output: 0.002}},
		},
		Tiers: map[string]config.TierConfig{
			"medium": {Primary: "m1"},
		},
		Defaults:        config.LLMDefaults{Timeout: 2 * time.Second, MaxTokens: 256},
		EndpointCoolOff: time.Minute,
	}, nil)
	m.RegisterAdapter(adapter)
	return m
}

func workItem() *domain.WorkItem {
	return &domain.WorkItem{ID: "w1", GoalID: "g1", Title: "do the thing", Description: "details"}
}

func TestExecuteSuccess(t *testing.T) {
	mgr := newManager(t, &scriptedAdapter{resp: &llm.Response{
		Content: "done", Model: "m1", TokensIn: 100, TokensOut: 400, FinishReason: "stop",
	}})
	e := New(mgr, false)

	result, err := e.Execute(context.Background(), workItem(), &domain.Run{ID: "r1"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, result.Status)
	assert.Equal(t, int64(500), result.TokensUsed)
	assert.Equal(t, "done", result.ExecutionLog)
	assert.InDelta(t, 0.0009, result.CostUsd, 1e-9)
}

func TestExecuteFailureCarriesSignature(t *testing.T) {
	mgr := newManager(t, &scriptedAdapter{err: &llm.ProviderError{
		Endpoint: "ep", Model: "m1", StatusCode: 400, Recoverable: false, Err: errors.New("bad request"),
	}})
	e := New(mgr, false)

	result, err := e.Execute(context.Background(), workItem(), &domain.Run{ID: "r1"}, "m1")
	require.NoError(t, err, "engine reports failure in the result, not as an error")
	assert.Equal(t, domain.RunStatusFailure, result.Status)
	assert.Equal(t, "invalid_params", result.ErrorSignature)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "invalid_params", classify(&llm.ProviderError{StatusCode: 422, Recoverable: false}))
	assert.Equal(t, "llm_status_503", classify(&llm.ProviderError{StatusCode: 503, Recoverable: true}))
	assert.Equal(t, "llm_timeout", classify(context.DeadlineExceeded))
	assert.Equal(t, "llm_error", classify(errors.New("mystery")))
}
