package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

func TestGoalLifecycle(t *testing.T) {
	repo := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.CreateGoal(ctx, &domain.Goal{ID: "g1", Title: "t", Status: domain.GoalStatusQueued}))

	g, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GoalStatusQueued, g.Status)

	require.NoError(t, repo.UpdateGoalStatus(ctx, "g1", domain.GoalStatusActive, ""))
	require.NoError(t, repo.UpdateGoalStatus(ctx, "g1", domain.GoalStatusCompleted, ""))

	// Terminal goals are immutable.
	err = repo.UpdateGoalStatus(ctx, "g1", domain.GoalStatusActive, "")
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = repo.GetGoal(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListGoalsOrderingAndPaging(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { now = now.Add(time.Second); return now }
	repo := New(clock)
	ctx := context.Background()

	require.NoError(t, repo.CreateGoal(ctx, &domain.Goal{ID: "late-low", Priority: 5, Status: domain.GoalStatusQueued}))
	require.NoError(t, repo.CreateGoal(ctx, &domain.Goal{ID: "early-high", Priority: 1, Status: domain.GoalStatusQueued}))
	require.NoError(t, repo.CreateGoal(ctx, &domain.Goal{ID: "later-high", Priority: 1, Status: domain.GoalStatusQueued}))

	goals, total, err := repo.ListGoals(ctx, repository.GoalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"early-high", "later-high", "late-low"}, ids(goals))

	goals, total, err = repo.ListGoals(ctx, repository.GoalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"later-high"}, ids(goals))
}

func ids(goals []*domain.Goal) []string {
	out := make([]string, len(goals))
	for i, g := range goals {
		out[i] = g.ID
	}
	return out
}

func TestUpdateWorkItemStatusIfDependenciesMet(t *testing.T) {
	repo := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{ID: "dep", GoalID: "g", Status: domain.WorkItemStatusQueued}))
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w", GoalID: "g", Status: domain.WorkItemStatusQueued, Dependencies: []string{"dep"},
	}))

	// Dependency not done yet.
	err := repo.UpdateWorkItemStatusIfDependenciesMet(ctx, "w", domain.WorkItemStatusQueued, domain.WorkItemStatusReady)
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, repo.UpdateWorkItemStatus(ctx, "dep", domain.WorkItemStatusDone))
	require.NoError(t, repo.UpdateWorkItemStatusIfDependenciesMet(ctx, "w", domain.WorkItemStatusQueued, domain.WorkItemStatusReady))

	// Stale expected status is a conflict: the transition is linearized.
	err = repo.UpdateWorkItemStatusIfDependenciesMet(ctx, "w", domain.WorkItemStatusQueued, domain.WorkItemStatusReady)
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestRunsOrderedBySequence(t *testing.T) {
	repo := New(nil)
	ctx := context.Background()

	for _, seq := range []int{2, 1, 3} {
		require.NoError(t, repo.CreateRun(ctx, &domain.Run{
			ID: string(rune('a' + seq)), WorkItemID: "w", GoalID: "g",
			RunSequence: seq, Status: domain.RunStatusRunning,
		}))
	}
	runs, err := repo.GetRunsByWorkItem(ctx, "w")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, i+1, run.RunSequence)
	}
}

func TestOpenEscalationsDefaultFilter(t *testing.T) {
	repo := New(nil)
	ctx := context.Background()

	require.NoError(t, repo.CreateEscalation(ctx, &domain.Escalation{
		ID: "e1", GoalID: "g1", Status: domain.EscalationOpen, Severity: domain.SeverityHigh,
	}))
	require.NoError(t, repo.CreateEscalation(ctx, &domain.Escalation{
		ID: "e2", GoalID: "g1", Status: domain.EscalationAcknowledged, Severity: domain.SeverityLow,
	}))
	require.NoError(t, repo.CreateEscalation(ctx, &domain.Escalation{
		ID: "e3", GoalID: "g1", Status: domain.EscalationResolved, Severity: domain.SeverityHigh,
	}))

	open, err := repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 2, "resolved escalations excluded by default")

	require.NoError(t, repo.ResolveEscalation(ctx, "e1"))
	open, err = repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestClonesAreIsolated(t *testing.T) {
	repo := New(nil)
	ctx := context.Background()

	goal := &domain.Goal{ID: "g1", Status: domain.GoalStatusQueued, Context: map[string]any{"k": "v"}}
	require.NoError(t, repo.CreateGoal(ctx, goal))

	got, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	got.Context["k"] = "mutated"

	again, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Context["k"], "readers get copies, not shared state")
}
