package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository/memory"
)

// fakeEngine scripts execution outcomes per work item. A blocking engine
// parks every run until release is closed or the run is aborted.
type fakeEngine struct {
	mu      sync.Mutex
	results map[string]*RunResult // workItemID → result; nil map means default success
	block   chan struct{}
	calls   map[string]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: make(map[string]int)}
}

func (e *fakeEngine) Execute(ctx context.Context, item *domain.WorkItem, run *domain.Run, model string) (*RunResult, error) {
	e.mu.Lock()
	e.calls[item.ID]++
	block := e.block
	result, scripted := e.results[item.ID]
	e.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if scripted {
		return result, nil
	}
	return &RunResult{Status: domain.RunStatusSuccess, TokensUsed: 100, CostUsd: 0.001, TimeSeconds: 1}, nil
}

func (e *fakeEngine) callCount(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[id]
}

// eventCollector records every bus event type in delivery order.
type eventCollector struct {
	mu    sync.Mutex
	types []string
}

func (ec *eventCollector) collect(e domain.Event) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.types = append(ec.types, e.Type)
}

func (ec *eventCollector) seen() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]string(nil), ec.types...)
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:          time.Hour, // ticks are driven manually
		MaxConcurrentGoals:    5,
		StuckSweepEveryNTicks: 1000, // keep sweeps out of tick-driven tests
		MaxSameErrorRetries:   2,
		RetryBaseDelay:        time.Millisecond,
		RetryMaxDelay:         10 * time.Millisecond,
	}
}

func newTestCore(t *testing.T, engine ExecutionEngine) (*Core, *memory.Repository, *eventCollector) {
	repo := memory.New(nil)
	b := bus.New(1024)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	ec := &eventCollector{}
	b.Subscribe("test", ec.collect)

	core := NewCore(testConfig(), repo, engine, nil, nil, b, nil)
	return core, repo, ec
}

// tickUntil drives manual ticks until cond holds or the deadline passes.
func tickUntil(t *testing.T, c *Core, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.tick(ctx)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func submitGoal(t *testing.T, repo repository.WorkOrderRepository, goal *domain.Goal) {
	t.Helper()
	if goal.Status == "" {
		goal.Status = domain.GoalStatusQueued
	}
	require.NoError(t, repo.CreateGoal(context.Background(), goal))
}

func TestHappyPath(t *testing.T) {
	engine := newFakeEngine()
	core, repo, ec := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "t", Description: "d"})

	tickUntil(t, core, func() bool {
		g, err := repo.GetGoal(ctx, "g1")
		return err == nil && g.Status == domain.GoalStatusCompleted
	})

	g, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), g.Spent.Tokens)
	assert.InDelta(t, 0.001, g.Spent.CostUsd, 1e-9)

	items, err := repo.GetWorkItemsByGoal(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkItemStatusDone, items[0].Status)

	runs, err := repo.GetRunsByWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, 1, runs[0].RunSequence)

	// Every lane slot was released.
	for _, lane := range core.Lanes().Snapshot() {
		assert.Zero(t, lane.ActiveCount, "lane %s", lane.ID)
	}

	require.Eventually(t, func() bool {
		types := ec.seen()
		return contains(types, domain.EventWorkItemCreated) &&
			contains(types, domain.EventRunStarted) &&
			contains(types, domain.EventRunCompleted) &&
			contains(types, domain.EventWorkItemCompleted) &&
			contains(types, domain.EventGoalCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	types := ec.seen()
	assert.Less(t, index(types, domain.EventRunStarted), index(types, domain.EventRunCompleted))
	assert.Less(t, index(types, domain.EventWorkItemCompleted), index(types, domain.EventGoalCompleted))
}

func TestRetryThenEscalate(t *testing.T) {
	engine := newFakeEngine()
	core, repo, _ := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "flaky"})
	item := &domain.WorkItem{
		ID: "w1", GoalID: "g1", Title: "flaky item",
		Status: domain.WorkItemStatusQueued, MaxRetries: 2,
	}
	require.NoError(t, repo.CreateWorkItem(ctx, item))
	engine.results = map[string]*RunResult{
		"w1": {Status: domain.RunStatusFailure, ErrorMessage: "boom", ErrorSignature: "E"},
	}

	tickUntil(t, core, func() bool {
		g, err := repo.GetGoal(ctx, "g1")
		return err == nil && g.Status == domain.GoalStatusBlocked
	})

	runs, err := repo.GetRunsByWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, runs, 3, "two retries after the first failure, then escalation")
	for i, run := range runs {
		assert.Equal(t, i+1, run.RunSequence)
		assert.Equal(t, domain.RunStatusFailure, run.Status)
	}

	w, err := repo.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusFailed, w.Status)

	open, err := repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.EscalationStuck, open[0].Kind)
	assert.Equal(t, domain.SeverityHigh, open[0].Severity)
	assert.Equal(t, "E", open[0].Context["errorSignature"])
}

func TestLaneSaturationFallsBackToMain(t *testing.T) {
	engine := newFakeEngine()
	engine.block = make(chan struct{})
	core, repo, _ := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "wide"})
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
			ID: id, GoalID: "g1", Title: id,
			Status:          domain.WorkItemStatusQueued,
			EstimatedEffort: domain.EffortSmall,
			MaxRetries:      1,
		}))
	}

	tickUntil(t, core, func() bool {
		items, _ := repo.GetWorkItemsByGoal(ctx, "g1")
		inProgress := 0
		for _, it := range items {
			if it.Status == domain.WorkItemStatusInProgress {
				inProgress++
			}
		}
		return inProgress == 4
	})

	lanes := map[domain.LaneID]int{}
	for _, lane := range core.Lanes().Snapshot() {
		lanes[lane.ID] = lane.ActiveCount
	}
	assert.Equal(t, 3, lanes[domain.LaneSubagent], "first three fill the subagent lane")
	assert.Equal(t, 1, lanes[domain.LaneMain], "fourth falls back to main")

	// The fifth stays ready until a slot frees.
	items, _ := repo.GetWorkItemsByGoal(ctx, "g1")
	ready := 0
	for _, it := range items {
		if it.Status == domain.WorkItemStatusReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready)

	close(engine.block)
	tickUntil(t, core, func() bool {
		g, _ := repo.GetGoal(ctx, "g1")
		return g.Status == domain.GoalStatusCompleted
	})
}

func TestCancelCascades(t *testing.T) {
	engine := newFakeEngine()
	engine.block = make(chan struct{}) // never released: runs end only by abort
	core, repo, ec := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "doomed"})
	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
			ID: id, GoalID: "g1", Title: id,
			Status:          domain.WorkItemStatusQueued,
			EstimatedEffort: domain.EffortSmall,
			MaxRetries:      1,
		}))
	}

	tickUntil(t, core, func() bool {
		items, _ := repo.GetWorkItemsByGoal(ctx, "g1")
		inProgress := 0
		for _, it := range items {
			if it.Status == domain.WorkItemStatusInProgress {
				inProgress++
			}
		}
		return inProgress == 2
	})

	require.NoError(t, core.CancelGoal(ctx, "g1"))

	g, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GoalStatusCancelled, g.Status)

	items, _ := repo.GetWorkItemsByGoal(ctx, "g1")
	for _, it := range items {
		assert.Equal(t, domain.WorkItemStatusCancelled, it.Status)
	}

	// Aborted completions drain on subsequent ticks and release lanes.
	tickUntil(t, core, func() bool {
		for _, lane := range core.Lanes().Snapshot() {
			if lane.ActiveCount != 0 {
				return false
			}
		}
		return true
	})
	for _, id := range []string{"w1", "w2"} {
		runs, err := repo.GetRunsByWorkItem(ctx, id)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, domain.RunStatusAborted, runs[0].Status)
	}

	// Cancelling a terminal goal is a conflict.
	assert.ErrorIs(t, core.CancelGoal(ctx, "g1"), repository.ErrConflict)

	require.Eventually(t, func() bool {
		return contains(ec.seen(), domain.EventGoalCancelled)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOrphanRecoveryOnStart(t *testing.T) {
	engine := newFakeEngine()
	core, repo, _ := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "restarted", Status: domain.GoalStatusActive})
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w1", GoalID: "g1", Title: "w1",
		Status: domain.WorkItemStatusInProgress, MaxRetries: 1,
	}))
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{
		ID: "r1", WorkItemID: "w1", GoalID: "g1",
		RunSequence: 1, Status: domain.RunStatusRunning,
	}))

	core.recoverOrphans(ctx)

	run, err := repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAborted, run.Status)

	w, err := repo.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, w.Status)
}

func TestStuckSweepRaisesEscalation(t *testing.T) {
	engine := newFakeEngine()
	repo := memory.New(nil)
	ctx := context.Background()

	// The core's clock runs an hour ahead of the repository's timestamps.
	future := func() time.Time { return time.Now().Add(time.Hour) }
	cfg := testConfig()
	cfg.MaxReadyDuration = 15 * time.Minute
	core := NewCore(cfg, repo, engine, nil, nil, nil, future)

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "stale", Status: domain.GoalStatusActive})
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w1", GoalID: "g1", Title: "stale item",
		Status: domain.WorkItemStatusReady, MaxRetries: 1,
	}))

	core.sweepStuck(ctx)

	open, err := repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.EscalationStuck, open[0].Kind)
	assert.Equal(t, "timeout_ready", open[0].Context["reason"])

	// A second sweep must not duplicate the open escalation.
	core.sweepStuck(ctx)
	open, _ = repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	assert.Len(t, open, 1)

	// Acknowledging suppresses re-detection after resolution.
	require.NoError(t, repo.ResolveEscalation(ctx, open[0].ID))
	core.Stuck().AcknowledgeStuck("w1", time.Hour)
	core.sweepStuck(ctx)
	open, _ = repo.GetOpenEscalations(ctx, repository.EscalationFilter{})
	assert.Empty(t, open)
}

func TestBudgetExhaustionBlocksGoal(t *testing.T) {
	engine := newFakeEngine()
	core, repo, ec := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{
		ID: "g1", Title: "expensive",
		Status: domain.GoalStatusActive,
		Budget: &domain.Budget{Tokens: 50},
		Spent:  domain.Spend{Tokens: 60},
	})
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w1", GoalID: "g1", Title: "w1",
		Status: domain.WorkItemStatusQueued, MaxRetries: 1,
	}))

	core.tick(ctx)

	g, err := repo.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GoalStatusBlocked, g.Status)
	assert.Contains(t, g.BlockedReason, "token budget exhausted")
	assert.Zero(t, engine.callCount("w1"), "no dispatch for a budget-blocked goal")

	require.Eventually(t, func() bool {
		return contains(ec.seen(), domain.EventGoalBlocked)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDependencyOrderRespected(t *testing.T) {
	engine := newFakeEngine()
	core, repo, _ := newTestCore(t, engine)
	ctx := context.Background()

	submitGoal(t, repo, &domain.Goal{ID: "g1", Title: "chain"})
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w1", GoalID: "g1", Title: "first",
		Status: domain.WorkItemStatusQueued, MaxRetries: 1,
	}))
	require.NoError(t, repo.CreateWorkItem(ctx, &domain.WorkItem{
		ID: "w2", GoalID: "g1", Title: "second",
		Status: domain.WorkItemStatusQueued, MaxRetries: 1,
		Dependencies: []string{"w1"},
	}))

	core.tick(ctx)
	w2, err := repo.GetWorkItem(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, w2.Status, "dependent item stays queued until w1 is done")

	tickUntil(t, core, func() bool {
		g, _ := repo.GetGoal(ctx, "g1")
		return g.Status == domain.GoalStatusCompleted
	})
	assert.Equal(t, 1, engine.callCount("w1"))
	assert.Equal(t, 1, engine.callCount("w2"))
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func index(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
