package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
)

func routerConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Tiers: map[string]config.TierConfig{
			"simple":  {Primary: "model-s", Fallback: []string{"model-m"}},
			"medium":  {Primary: "model-m", Fallback: []string{"model-s"}},
			"complex": {Primary: "model-c", Fallback: []string{"model-m", "model-s"}},
		},
		Agents: map[string]config.AgentConfig{
			"planner":  {Tier: "complex"},
			"reviewer": {Primary: "model-r", Fallback: []string{"model-m"}},
			"scribe":   {Primary: "model-m"},
		},
	}
}

func TestChainResolution(t *testing.T) {
	r := NewModelRouter(routerConfig())

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{"explicit model wins", Request{ModelID: "model-x", AgentID: "planner"}, []string{"model-x"}},
		{"agent tier", Request{AgentID: "planner"}, []string{"model-c", "model-m", "model-s"}},
		{"agent primary with own fallback", Request{AgentID: "reviewer"}, []string{"model-r", "model-m"}},
		{"agent primary without fallback", Request{AgentID: "scribe"}, []string{"model-m"}},
		{"unknown agent falls back to medium tier", Request{AgentID: "nobody"}, []string{"model-m", "model-s"}},
		{"tier only", Request{Tier: "simple"}, []string{"model-s", "model-m"}},
		{"nothing set falls back to medium tier", Request{}, []string{"model-m", "model-s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Chain(&tt.req))
		})
	}
}

func TestChainDeduplicates(t *testing.T) {
	cfg := routerConfig()
	cfg.Tiers["complex"] = config.TierConfig{Primary: "model-c", Fallback: []string{"model-c", "model-m", "model-m"}}
	r := NewModelRouter(cfg)
	assert.Equal(t, []string{"model-c", "model-m"}, r.Chain(&Request{Tier: "complex"}))
}

func TestModelForAgent(t *testing.T) {
	r := NewModelRouter(routerConfig())
	assert.Equal(t, "model-c", r.ModelForAgent("planner"))
	assert.Equal(t, "model-r", r.ModelForAgent("reviewer"))
	assert.Equal(t, "model-m", r.ModelForAgent("unknown"))
	assert.Equal(t, "model-s", r.ModelForTier("simple"))
}
