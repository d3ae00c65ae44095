package llm

import (
	"sync"

	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
)

// fallbackTier is consulted when neither an agent override nor an explicit
// tier resolves.
const fallbackTier = "medium"

// ModelRouter resolves agent ids and complexity tiers to concrete model
// ids and their ordered fallback chain.
type ModelRouter struct {
	mu     sync.RWMutex
	tiers  map[string]config.TierConfig
	agents map[string]config.AgentConfig
}

// NewModelRouter builds a router from config.
func NewModelRouter(cfg *config.LLMConfig) *ModelRouter {
	return &ModelRouter{tiers: cfg.Tiers, agents: cfg.Agents}
}

// Reload swaps in the tier/agent tables from a fresh config.
func (r *ModelRouter) Reload(cfg *config.LLMConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = cfg.Tiers
	r.agents = cfg.Agents
}

// ModelForAgent resolves the primary model for an agent id:
// agent.primary, else the agent's tier primary, else the medium tier
// primary. Empty if nothing is configured.
func (r *ModelRouter) ModelForAgent(agentID string) string {
	chain := r.chainForAgent(agentID)
	if len(chain) == 0 {
		return ""
	}
	return chain[0]
}

// ModelForTier resolves a tier to its primary model id.
func (r *ModelRouter) ModelForTier(tier string) string {
	chain := r.chainForTier(tier)
	if len(chain) == 0 {
		return ""
	}
	return chain[0]
}

// Chain resolves a Request to its full ordered fallback chain,
// deduplicated, preserving order: explicit ModelID wins, then the agent
// override, then the tier.
func (r *ModelRouter) Chain(req *Request) []string {
	if req.ModelID != "" {
		return []string{req.ModelID}
	}
	if req.AgentID != "" {
		if chain := r.chainForAgent(req.AgentID); len(chain) > 0 {
			return chain
		}
	}
	if req.Tier != "" {
		if chain := r.chainForTier(req.Tier); len(chain) > 0 {
			return chain
		}
	}
	return r.chainForTier(fallbackTier)
}

func (r *ModelRouter) chainForAgent(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return r.chainLocked(r.tiers[fallbackTier].Primary, r.tiers[fallbackTier].Fallback)
	}
	primary := agent.Primary
	fallback := agent.Fallback
	if primary == "" {
		tier, ok := r.tiers[agent.Tier]
		if !ok {
			tier = r.tiers[fallbackTier]
		}
		primary = tier.Primary
		if fallback == nil {
			fallback = tier.Fallback
		}
	} else if fallback == nil {
		if tier, ok := r.tiers[agent.Tier]; ok {
			fallback = tier.Fallback
		}
	}
	return r.chainLocked(primary, fallback)
}

func (r *ModelRouter) chainForTier(tier string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[tier]
	if !ok {
		return nil
	}
	return r.chainLocked(t.Primary, t.Fallback)
}

// chainLocked assembles [primary, fallback...] deduplicated, order kept.
func (r *ModelRouter) chainLocked(primary string, fallback []string) []string {
	if primary == "" {
		return nil
	}
	seen := map[string]bool{primary: true}
	chain := []string{primary}
	for _, id := range fallback {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	return chain
}
