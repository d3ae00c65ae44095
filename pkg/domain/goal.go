// Package domain holds the scheduler's core data model: Goals, WorkItems,
// Runs, QualityGates, Escalations, Lanes, Sessions and Events, plus the
// invariants that govern their transitions.
package domain

import "time"

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

// Goal lifecycle states. completed and cancelled are terminal.
const (
	GoalStatusQueued    GoalStatus = "queued"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusBlocked   GoalStatus = "blocked"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal Goal state.
func (s GoalStatus) IsTerminal() bool {
	return s == GoalStatusCompleted || s == GoalStatusCancelled
}

// CriterionKind classifies how a SuccessCriterion is verified.
type CriterionKind string

// Criterion kinds.
const (
	CriterionDeterministic CriterionKind = "deterministic"
	CriterionHeuristic     CriterionKind = "heuristic"
)

// SuccessCriterion is one acceptance condition attached to a Goal.
type SuccessCriterion struct {
	Description        string        `json:"description"`
	Kind               CriterionKind `json:"kind"`
	VerificationMethod string        `json:"verificationMethod,omitempty"`
	Required           bool          `json:"required"`
}

// Budget bounds a Goal's spend on one or more axes. A zero value on an axis
// means that axis is unbounded.
type Budget struct {
	Tokens      int64   `json:"tokens,omitempty"`
	TimeMinutes int64   `json:"timeMinutes,omitempty"`
	CostUsd     float64 `json:"costUsd,omitempty"`
}

// Spend tracks a Goal's monotone-nondecreasing usage counters.
type Spend struct {
	Tokens      int64   `json:"tokens"`
	TimeMinutes int64   `json:"timeMinutes"`
	CostUsd     float64 `json:"costUsd"`
}

// Add returns a new Spend with the deltas accumulated. Deltas must be
// non-negative; callers are responsible for that invariant (see
// BudgetTracker.RecordUsage).
func (s Spend) Add(tokens int64, minutes int64, cost float64) Spend {
	return Spend{
		Tokens:      s.Tokens + tokens,
		TimeMinutes: s.TimeMinutes + minutes,
		CostUsd:     s.CostUsd + cost,
	}
}

// Goal is a unit of user intent, decomposed into a DAG of WorkItems.
type Goal struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	SuccessCriteria  []SuccessCriterion `json:"successCriteria,omitempty"`
	Status           GoalStatus         `json:"status"`
	Priority         int                `json:"priority"`
	Budget           *Budget            `json:"budget,omitempty"`
	Spent            Spend              `json:"spent"`
	ParentGoalID     string             `json:"parentGoalId,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Context          map[string]any     `json:"context,omitempty"`
	BlockedReason    string             `json:"blockedReason,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// ContextString returns the string form of a context key, or "" if absent
// or not a string.
func (g *Goal) ContextString(key string) string {
	if g.Context == nil {
		return ""
	}
	v, ok := g.Context[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ContextBool returns the bool form of a context key, or false if absent.
func (g *Goal) ContextBool(key string) bool {
	if g.Context == nil {
		return false
	}
	v, ok := g.Context[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
