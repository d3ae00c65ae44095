package scheduler

import "github.com/codeready-toolchain/orchestratorcore/pkg/domain"

// Tier is the abstract complexity class a WorkItem resolves to; the LLM
// layer maps it to a concrete model.
type Tier string

// Tiers.
const (
	TierSimple  Tier = "simple"
	TierMedium  Tier = "medium"
	TierComplex Tier = "complex"
)

// SelectTier resolves a WorkItem to a model tier: an explicit
// context.modelTier wins; otherwise effort maps S to simple, M to medium,
// and L/XL to complex, with analysis work biased one step up.
func SelectTier(item *domain.WorkItem) Tier {
	if override := item.ContextString("modelTier"); override != "" {
		switch Tier(override) {
		case TierSimple, TierMedium, TierComplex:
			return Tier(override)
		}
	}

	var tier Tier
	switch item.EstimatedEffort {
	case domain.EffortSmall:
		tier = TierSimple
	case domain.EffortMedium:
		tier = TierMedium
	case domain.EffortLarge, domain.EffortExtraLarge:
		tier = TierComplex
	default:
		tier = TierMedium
	}

	if item.Type == domain.WorkItemTypeAnalysis {
		tier = bumpTier(tier)
	}
	return tier
}

func bumpTier(t Tier) Tier {
	switch t {
	case TierSimple:
		return TierMedium
	case TierMedium:
		return TierComplex
	default:
		return t
	}
}
