package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// WarningLevel classifies how close a Goal is to a budget limit.
type WarningLevel int

// Warning levels, ordered.
const (
	WarnNone WarningLevel = iota
	WarnWarning
	WarnCritical
	WarnExceeded
)

func (w WarningLevel) String() string {
	switch w {
	case WarnWarning:
		return "warning"
	case WarnCritical:
		return "critical"
	case WarnExceeded:
		return "exceeded"
	default:
		return "none"
	}
}

// Threshold fractions for warning classification.
const (
	warnFraction     = 0.70
	criticalFraction = 0.90
)

// UsageCallback observes every recorded spend, with the resulting level.
type UsageCallback func(goalID string, level WarningLevel)

// BudgetTracker classifies Goal spend against optional budget limits and
// records usage through the Repository.
type BudgetTracker struct {
	repo repository.WorkOrderRepository

	mu       sync.Mutex
	callback UsageCallback
}

// NewBudgetTracker builds a tracker over the repository.
func NewBudgetTracker(repo repository.WorkOrderRepository) *BudgetTracker {
	return &BudgetTracker{repo: repo}
}

// OnUsage registers a goal-level callback fired after every RecordUsage.
func (b *BudgetTracker) OnUsage(cb UsageCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callback = cb
}

// Level returns the highest warning level across the goal's configured
// budget axes. Goals without a budget are always WarnNone.
func (b *BudgetTracker) Level(goal *domain.Goal) WarningLevel {
	if goal.Budget == nil {
		return WarnNone
	}
	level := WarnNone
	for _, axis := range []struct {
		spent float64
		limit float64
	}{
		{float64(goal.Spent.Tokens), float64(goal.Budget.Tokens)},
		{float64(goal.Spent.TimeMinutes), float64(goal.Budget.TimeMinutes)},
		{goal.Spent.CostUsd, goal.Budget.CostUsd},
	} {
		if axis.limit <= 0 {
			continue
		}
		if l := classify(axis.spent / axis.limit); l > level {
			level = l
		}
	}
	return level
}

func classify(fraction float64) WarningLevel {
	switch {
	case fraction >= 1.0:
		return WarnExceeded
	case fraction >= criticalFraction:
		return WarnCritical
	case fraction >= warnFraction:
		return WarnWarning
	default:
		return WarnNone
	}
}

// Exhausted reports whether any configured axis has hit its limit, with a
// human-readable reason.
func (b *BudgetTracker) Exhausted(goal *domain.Goal) (bool, string) {
	if goal.Budget == nil {
		return false, ""
	}
	if goal.Budget.Tokens > 0 && goal.Spent.Tokens >= goal.Budget.Tokens {
		return true, fmt.Sprintf("token budget exhausted (%d/%d)", goal.Spent.Tokens, goal.Budget.Tokens)
	}
	if goal.Budget.TimeMinutes > 0 && goal.Spent.TimeMinutes >= goal.Budget.TimeMinutes {
		return true, fmt.Sprintf("time budget exhausted (%dm/%dm)", goal.Spent.TimeMinutes, goal.Budget.TimeMinutes)
	}
	if goal.Budget.CostUsd > 0 && goal.Spent.CostUsd >= goal.Budget.CostUsd {
		return true, fmt.Sprintf("cost budget exhausted ($%.4f/$%.4f)", goal.Spent.CostUsd, goal.Budget.CostUsd)
	}
	return false, ""
}

// WillExceed reports whether adding the deltas would cross any configured
// limit.
func (b *BudgetTracker) WillExceed(goal *domain.Goal, addTokens int64, addCostUsd float64) bool {
	if goal.Budget == nil {
		return false
	}
	if goal.Budget.Tokens > 0 && goal.Spent.Tokens+addTokens > goal.Budget.Tokens {
		return true
	}
	if goal.Budget.CostUsd > 0 && goal.Spent.CostUsd+addCostUsd > goal.Budget.CostUsd {
		return true
	}
	return false
}

// RecordUsage increments the goal's spend counters atomically through the
// Repository and fires the registered callback with the post-update level.
func (b *BudgetTracker) RecordUsage(ctx context.Context, goalID string, tokens int64, minutes int64, cost float64) error {
	if err := b.repo.AddGoalSpend(ctx, goalID, tokens, minutes, cost); err != nil {
		return fmt.Errorf("record usage for goal %s: %w", goalID, err)
	}
	b.mu.Lock()
	cb := b.callback
	b.mu.Unlock()
	if cb != nil {
		goal, err := b.repo.GetGoal(ctx, goalID)
		if err == nil {
			cb(goalID, b.Level(goal))
		}
	}
	return nil
}
