package cronlane

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository/memory"
)

type fakeNotifier struct {
	mu     sync.Mutex
	nudges int
}

func (f *fakeNotifier) Start(ctx context.Context) {}
func (f *fakeNotifier) Nudge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges++
}

func TestFireSubmitsScheduledGoal(t *testing.T) {
	repo := memory.New(nil)
	notifier := &fakeNotifier{}
	s := New(repo, nil, notifier, nil)

	s.fire(GoalTemplate{
		Title:   "nightly sweep",
		Context: map[string]any{"team": "infra"},
	})

	goals, total, err := repo.ListGoals(context.Background(), repository.GoalFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	goal := goals[0]
	assert.Equal(t, domain.GoalStatusQueued, goal.Status)
	assert.True(t, goal.ContextBool("scheduled"))
	assert.Equal(t, "infra", goal.ContextString("team"))

	notifier.mu.Lock()
	assert.Equal(t, 1, notifier.nudges)
	notifier.mu.Unlock()
}

func TestAddRecurringGoalValidatesSpec(t *testing.T) {
	s := New(memory.New(nil), nil, nil, nil)
	_, err := s.AddRecurringGoal("not a cron spec", GoalTemplate{Title: "x"})
	require.Error(t, err)

	id, err := s.AddRecurringGoal("@every 1h", GoalTemplate{Title: "x"})
	require.NoError(t, err)
	s.Remove(id)
}

func TestTemplateContextNotShared(t *testing.T) {
	repo := memory.New(nil)
	s := New(repo, nil, nil, nil)
	tmpl := GoalTemplate{Title: "t", Context: map[string]any{"k": "v"}}

	s.fire(tmpl)
	s.fire(tmpl)

	_, total, err := repo.ListGoals(context.Background(), repository.GoalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	_, hasScheduled := tmpl.Context["scheduled"]
	assert.False(t, hasScheduled, "firing must not mutate the template")
}
