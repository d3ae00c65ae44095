package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	"github.com/codeready-toolchain/orchestratorcore/pkg/verify"
)

// sigQualityGateFailed marks runs whose execution succeeded but whose
// required quality gates did not.
const sigQualityGateFailed = "quality_gate_failed"

// completionQueueSize bounds in-flight completions between ticks.
const completionQueueSize = 256

// ModelResolver maps a tier to a concrete model id; implemented by the
// LLM layer's ModelRouter.
type ModelResolver interface {
	ModelForTier(tier string) string
}

// Core drives all active goals to a terminal state. One goroutine owns
// the tick loop; dispatches run concurrently but reenter the loop only
// through the completion queue.
type Core struct {
	cfg      config.SchedulerConfig
	repo     repository.WorkOrderRepository
	events   *bus.Bus
	engine   ExecutionEngine
	verifier *verify.Runner
	router   ModelResolver

	lanes       *Lanes
	budget      *BudgetTracker
	retry       *RetryHandler
	escalations *EscalationHandler
	stuck       *StuckDetector

	completions chan completion
	nudge       chan struct{}

	mu      sync.Mutex
	aborts  map[string]context.CancelFunc // runID → abort
	retryAt map[string]time.Time          // workItemID → earliest redispatch

	ticks   atomic.Int64
	skips   atomic.Int64
	started atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	runWG    sync.WaitGroup

	now func() time.Time
}

// NewCore wires the scheduler and its component managers. events,
// verifier, and router may be nil in tests that don't exercise those
// paths.
func NewCore(cfg config.SchedulerConfig, repo repository.WorkOrderRepository, engine ExecutionEngine, verifier *verify.Runner, router ModelResolver, events *bus.Bus, now func() time.Time) *Core {
	if now == nil {
		now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxConcurrentGoals <= 0 {
		cfg.MaxConcurrentGoals = 5
	}
	if cfg.StuckSweepEveryNTicks <= 0 {
		cfg.StuckSweepEveryNTicks = 10
	}
	return &Core{
		cfg:         cfg,
		repo:        repo,
		events:      events,
		engine:      engine,
		verifier:    verifier,
		router:      router,
		lanes:       NewLanes(cfg.Lanes),
		budget:      NewBudgetTracker(repo),
		retry:       NewRetryHandler(cfg.MaxSameErrorRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		escalations: NewEscalationHandler(repo, events, now),
		stuck:       NewStuckDetector(cfg.MaxInProgressDuration, cfg.MaxReadyDuration, cfg.MaxRunDuration, cfg.MaxSameErrorRetries),
		completions: make(chan completion, completionQueueSize),
		nudge:       make(chan struct{}, 1),
		aborts:      make(map[string]context.CancelFunc),
		retryAt:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		now:         now,
	}
}

// Lanes exposes the lane registry for stats.
func (c *Core) Lanes() *Lanes { return c.lanes }

// Budget exposes the budget tracker.
func (c *Core) Budget() *BudgetTracker { return c.budget }

// Escalations exposes the escalation handler for RPC handlers.
func (c *Core) Escalations() *EscalationHandler { return c.escalations }

// Stuck exposes the stuck detector for ack RPCs.
func (c *Core) Stuck() *StuckDetector { return c.stuck }

// Start launches the tick loop. Safe to call more than once; subsequent
// calls are no-ops. With AutoStart disabled, the gateway calls Start on
// the first submitted goal.
func (c *Core) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.recoverOrphans(ctx)
	c.loopWG.Add(1)
	go c.run(ctx)
	slog.Info("scheduler started",
		"tick_interval", c.cfg.TickInterval,
		"max_concurrent_goals", c.cfg.MaxConcurrentGoals)
}

// Stop halts the tick loop, aborts no in-flight runs, and waits up to the
// configured drain timeout for them to finish on their own.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	drain := c.cfg.ShutdownDrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		slog.Warn("scheduler drain timeout, abandoning in-flight runs")
	}
}

// Nudge requests an immediate tick, coalescing with any pending nudge.
// Called by handlers after goal.submit so new work doesn't wait a full
// interval.
func (c *Core) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Stats is a point-in-time snapshot for system.stats.
type Stats struct {
	Ticks              int64         `json:"ticks"`
	Skips              int64         `json:"skippedTicks"`
	Lanes              []domain.Lane `json:"lanes"`
	PendingCompletions int           `json:"pendingCompletions"`
	Running            bool          `json:"running"`
}

// Stats returns the scheduler's counters and lane utilization.
func (c *Core) Stats() Stats {
	return Stats{
		Ticks:              c.ticks.Load(),
		Skips:              c.skips.Load(),
		Lanes:              c.lanes.Snapshot(),
		PendingCompletions: len(c.completions),
		Running:            c.started.Load(),
	}
}

func (c *Core) run(ctx context.Context) {
	defer c.loopWG.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tickOnce(ctx)
		case <-c.nudge:
			c.tickOnce(ctx)
		}
	}
}

// tickOnce runs one tick and accounts for overruns: a tick longer than
// the interval means the ticks that would have fired meanwhile are
// skipped, not queued.
func (c *Core) tickOnce(ctx context.Context) {
	start := c.now()
	c.tick(ctx)
	c.ticks.Add(1)
	if elapsed := c.now().Sub(start); elapsed > c.cfg.TickInterval {
		c.skips.Add(int64(elapsed / c.cfg.TickInterval))
	}
}

func (c *Core) tick(ctx context.Context) {
	c.drainCompletions(ctx)

	if c.ticks.Load()%int64(c.cfg.StuckSweepEveryNTicks) == 0 {
		c.sweepStuck(ctx)
	}

	c.refreshGoals(ctx)

	active := domain.GoalStatusActive
	goals, _, err := c.repo.ListGoals(ctx, repository.GoalFilter{Status: &active})
	if err != nil {
		slog.Error("tick: list active goals", "error", err)
		return
	}
	for _, goal := range goals {
		c.scheduleGoal(ctx, goal)
	}
}

// refreshGoals unblocks goals whose blockage cleared and promotes queued
// goals FIFO by (priority, createdAt) up to the concurrency bound.
func (c *Core) refreshGoals(ctx context.Context) {
	active := domain.GoalStatusActive
	_, activeCount, err := c.repo.ListGoals(ctx, repository.GoalFilter{Status: &active})
	if err != nil {
		return
	}

	blocked := domain.GoalStatusBlocked
	blockedGoals, _, _ := c.repo.ListGoals(ctx, repository.GoalFilter{Status: &blocked})
	for _, goal := range blockedGoals {
		if activeCount >= c.cfg.MaxConcurrentGoals {
			break
		}
		blocking, err := c.escalations.HasBlockingEscalations(ctx, goal.ID)
		if err != nil || blocking {
			continue
		}
		if exhausted, _ := c.budget.Exhausted(goal); exhausted {
			continue
		}
		if err := c.repo.UpdateGoalStatus(ctx, goal.ID, domain.GoalStatusActive, ""); err == nil {
			activeCount++
			c.emit(domain.EventGoalUpdated, map[string]any{"goalId": goal.ID, "status": string(domain.GoalStatusActive)})
		}
	}

	queued := domain.GoalStatusQueued
	queuedGoals, _, err := c.repo.ListGoals(ctx, repository.GoalFilter{Status: &queued})
	if err != nil {
		return
	}
	for _, goal := range queuedGoals {
		if activeCount >= c.cfg.MaxConcurrentGoals {
			break
		}
		if err := c.activateGoal(ctx, goal); err != nil {
			slog.Error("activate goal", "goal_id", goal.ID, "error", err)
			continue
		}
		activeCount++
	}
}

// activateGoal promotes a queued goal and makes sure it has at least one
// WorkItem: a goal submitted without a decomposition gets a single root
// item carrying the goal itself.
func (c *Core) activateGoal(ctx context.Context, goal *domain.Goal) error {
	items, err := c.repo.GetWorkItemsByGoal(ctx, goal.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		root := &domain.WorkItem{
			ID:          uuid.New().String(),
			GoalID:      goal.ID,
			Title:       goal.Title,
			Description: goal.Description,
			Type:        domain.WorkItemTypeCode,
			Status:      domain.WorkItemStatusQueued,
			Priority:    goal.Priority,
			MaxRetries:  3,

			EstimatedEffort:   domain.EffortMedium,
			VerificationState: domain.VerificationNotStarted,
			Context:           goal.Context,
		}
		if err := c.repo.CreateWorkItem(ctx, root); err != nil {
			return err
		}
		c.emit(domain.EventWorkItemCreated, map[string]any{
			"goalId": goal.ID, "workItemId": root.ID, "title": root.Title,
		})
	}
	if err := c.repo.UpdateGoalStatus(ctx, goal.ID, domain.GoalStatusActive, ""); err != nil {
		return err
	}
	c.emit(domain.EventGoalUpdated, map[string]any{"goalId": goal.ID, "status": string(domain.GoalStatusActive)})
	return nil
}

func (c *Core) scheduleGoal(ctx context.Context, goal *domain.Goal) {
	blocking, err := c.escalations.HasBlockingEscalations(ctx, goal.ID)
	if err != nil {
		slog.Error("check escalations", "goal_id", goal.ID, "error", err)
		return
	}
	if blocking {
		c.blockGoal(ctx, goal, "blocking escalation open")
		return
	}
	if exhausted, reason := c.budget.Exhausted(goal); exhausted {
		c.blockGoal(ctx, goal, reason)
		return
	}

	items, err := c.repo.GetWorkItemsByGoal(ctx, goal.ID)
	if err != nil {
		slog.Error("load work items", "goal_id", goal.ID, "error", err)
		return
	}

	byID := make(map[string]*domain.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	// Promote queued items whose dependencies are all done, unless a
	// retry backoff is still pending.
	for _, it := range items {
		if it.Status != domain.WorkItemStatusQueued {
			continue
		}
		if !c.retryElapsed(it.ID) {
			continue
		}
		if !domain.ReadyByDependencies(it, func(id string) (domain.WorkItemStatus, bool) {
			dep, ok := byID[id]
			if !ok {
				return "", false
			}
			return dep.Status, true
		}) {
			continue
		}
		if err := c.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, it.ID, domain.WorkItemStatusQueued, domain.WorkItemStatusReady); err == nil {
			it.Status = domain.WorkItemStatusReady
			c.emit(domain.EventWorkItemUpdated, map[string]any{
				"goalId": goal.ID, "workItemId": it.ID, "status": string(domain.WorkItemStatusReady),
			})
		}
	}

	if allDone(items) {
		if err := c.repo.UpdateGoalStatus(ctx, goal.ID, domain.GoalStatusCompleted, ""); err == nil {
			c.emit(domain.EventGoalCompleted, map[string]any{"goalId": goal.ID})
		}
		return
	}

	ready := readyOrder(items)
	queuedPerLane := map[domain.LaneID]int{}
	for _, it := range ready {
		preferred := SelectLane(it)
		lane := c.lanes.ReserveWithFallback(preferred)
		if lane == "" {
			queuedPerLane[preferred]++
			continue
		}
		if err := c.dispatchItem(ctx, goal, it, lane); err != nil {
			c.lanes.Release(lane)
			slog.Error("dispatch work item", "work_item_id", it.ID, "error", err)
		}
	}
	for id, n := range queuedPerLane {
		c.lanes.SetQueued(id, n)
	}
}

func (c *Core) blockGoal(ctx context.Context, goal *domain.Goal, reason string) {
	if goal.Status == domain.GoalStatusBlocked {
		return
	}
	if err := c.repo.UpdateGoalStatus(ctx, goal.ID, domain.GoalStatusBlocked, reason); err != nil {
		return
	}
	c.emit(domain.EventGoalBlocked, map[string]any{"goalId": goal.ID, "reason": reason})
}

func (c *Core) dispatchItem(ctx context.Context, goal *domain.Goal, item *domain.WorkItem, lane domain.LaneID) error {
	if err := c.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, item.ID, domain.WorkItemStatusReady, domain.WorkItemStatusInProgress); err != nil {
		return err
	}

	model := ""
	tier := SelectTier(item)
	if c.router != nil {
		model = c.router.ModelForTier(string(tier))
	}

	history, err := c.repo.GetRunsByWorkItem(ctx, item.ID)
	if err != nil {
		return err
	}
	seq := 1
	if n := len(history); n > 0 {
		seq = history[n-1].RunSequence + 1
	}

	run := &domain.Run{
		ID:          uuid.New().String(),
		WorkItemID:  item.ID,
		GoalID:      goal.ID,
		AgentType:   item.AssignedAgent,
		RunSequence: seq,
		Status:      domain.RunStatusRunning,
		ModelID:     model,
		Lane:        lane,
	}
	if err := c.repo.CreateRun(ctx, run); err != nil {
		return err
	}

	c.emit(domain.EventWorkItemUpdated, map[string]any{
		"goalId": goal.ID, "workItemId": item.ID, "status": string(domain.WorkItemStatusInProgress), "lane": string(lane),
	})
	c.emit(domain.EventRunStarted, map[string]any{
		"goalId": goal.ID, "workItemId": item.ID, "runId": run.ID,
		"runSequence": run.RunSequence, "model": model, "lane": string(lane),
	})

	c.dispatch(item, run, model, lane)
	return nil
}

// dispatch hands the run to the execution engine on its own goroutine.
// The run's context is bound to the abort registry and capped by the
// run-duration limit; completion reenters the loop via the queue.
func (c *Core) dispatch(item *domain.WorkItem, run *domain.Run, model string, lane domain.LaneID) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.MaxRunDuration > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), c.cfg.MaxRunDuration)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	c.mu.Lock()
	c.aborts[run.ID] = cancel
	c.mu.Unlock()

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		defer cancel()
		result, err := c.engine.Execute(runCtx, item, run, model)
		comp := completion{
			goalID:     run.GoalID,
			workItemID: run.WorkItemID,
			runID:      run.ID,
			lane:       lane,
			result:     result,
			err:        err,
			aborted:    errors.Is(runCtx.Err(), context.Canceled),
		}
		select {
		case c.completions <- comp:
		case <-time.After(time.Minute):
			slog.Error("completion queue full, dropping completion", "run_id", run.ID)
		}
		c.Nudge()
	}()
}

func (c *Core) drainCompletions(ctx context.Context) {
	for {
		select {
		case comp := <-c.completions:
			c.handleCompletion(ctx, comp)
		default:
			return
		}
	}
}

func (c *Core) handleCompletion(ctx context.Context, comp completion) {
	c.mu.Lock()
	delete(c.aborts, comp.runID)
	c.mu.Unlock()

	item, err := c.repo.GetWorkItem(ctx, comp.workItemID)
	if err != nil {
		slog.Error("completion for unknown work item", "work_item_id", comp.workItemID, "error", err)
		c.lanes.Release(comp.lane)
		return
	}

	switch {
	case comp.aborted:
		c.finishRun(ctx, comp, domain.RunStatusAborted, "")
		c.lanes.Release(comp.lane)
		c.emit(domain.EventRunCompleted, map[string]any{
			"goalId": comp.goalID, "workItemId": comp.workItemID, "runId": comp.runID,
			"status": string(domain.RunStatusAborted),
		})
	case comp.err != nil:
		status := domain.RunStatusFailure
		if errors.Is(comp.err, context.DeadlineExceeded) {
			status = domain.RunStatusTimeout
		}
		c.finishRun(ctx, comp, status, comp.err.Error())
		c.handleFailure(ctx, item, comp, status)
	case comp.result != nil && comp.result.Status == domain.RunStatusSuccess:
		c.finishRun(ctx, comp, domain.RunStatusSuccess, "")
		c.handleSuccess(ctx, item, comp)
	default:
		status := domain.RunStatusFailure
		msg := "execution failed"
		if comp.result != nil {
			if comp.result.Status == domain.RunStatusTimeout {
				status = domain.RunStatusTimeout
			}
			if comp.result.ErrorMessage != "" {
				msg = comp.result.ErrorMessage
			}
		}
		c.finishRun(ctx, comp, status, msg)
		c.handleFailure(ctx, item, comp, status)
	}
}

// finishRun writes the run's terminal status and result fields.
func (c *Core) finishRun(ctx context.Context, comp completion, status domain.RunStatus, errMsg string) {
	update := repository.RunResultUpdate{ErrorMessage: errMsg}
	if comp.result != nil {
		update.TokensUsed = comp.result.TokensUsed
		update.TimeSeconds = comp.result.TimeSeconds
		update.CostUsd = comp.result.CostUsd
		update.ErrorSignature = comp.result.ErrorSignature
		update.Artifacts = comp.result.Artifacts
		update.ExecutionLog = comp.result.ExecutionLog
		if update.ErrorMessage == "" {
			update.ErrorMessage = comp.result.ErrorMessage
		}
	}
	if err := c.repo.UpdateRunStatus(ctx, comp.runID, status, update); err != nil {
		slog.Error("update run status", "run_id", comp.runID, "error", err)
	}
}

func (c *Core) handleSuccess(ctx context.Context, item *domain.WorkItem, comp completion) {
	if err := c.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, item.ID, domain.WorkItemStatusInProgress, domain.WorkItemStatusVerify); err != nil {
		// Cancelled (or otherwise transitioned) while the run finished.
		c.lanes.Release(comp.lane)
		return
	}

	run, err := c.repo.GetRun(ctx, comp.runID)
	if err != nil {
		c.lanes.Release(comp.lane)
		return
	}

	passed := true
	if c.verifier != nil {
		vr := c.verifier.RunVerification(ctx, item, run)
		passed = vr.RequiredPassed
	}

	if !passed {
		// A required gate failure is a run failure for retry purposes.
		c.repo.UpdateRunStatus(ctx, comp.runID, domain.RunStatusFailure, repository.RunResultUpdate{
			TokensUsed:     run.TokensUsed,
			TimeSeconds:    run.TimeSeconds,
			CostUsd:        run.CostUsd,
			Artifacts:      run.Artifacts,
			ExecutionLog:   run.ExecutionLog,
			ErrorMessage:   "required quality gates failed",
			ErrorSignature: sigQualityGateFailed,
		})
		c.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, item.ID, domain.WorkItemStatusVerify, domain.WorkItemStatusInProgress)
		c.handleFailure(ctx, item, comp, domain.RunStatusFailure)
		return
	}

	if err := c.repo.UpdateWorkItemStatusIfDependenciesMet(ctx, item.ID, domain.WorkItemStatusVerify, domain.WorkItemStatusDone); err != nil {
		c.lanes.Release(comp.lane)
		return
	}
	c.lanes.Release(comp.lane)

	minutes := int64(0)
	var tokens int64
	var cost float64
	if comp.result != nil {
		tokens = comp.result.TokensUsed
		cost = comp.result.CostUsd
		minutes = int64((comp.result.TimeSeconds + 59) / 60)
	}
	if err := c.budget.RecordUsage(ctx, comp.goalID, tokens, minutes, cost); err != nil {
		slog.Error("record usage", "goal_id", comp.goalID, "error", err)
	}

	c.emit(domain.EventRunCompleted, map[string]any{
		"goalId": comp.goalID, "workItemId": item.ID, "runId": comp.runID,
		"status": string(domain.RunStatusSuccess), "tokensUsed": tokens,
	})
	c.emit(domain.EventWorkItemCompleted, map[string]any{
		"goalId": comp.goalID, "workItemId": item.ID,
	})

	c.checkGoalCompletion(ctx, comp.goalID)
}

func (c *Core) handleFailure(ctx context.Context, item *domain.WorkItem, comp completion, status domain.RunStatus) {
	c.lanes.Release(comp.lane)
	c.emit(domain.EventRunCompleted, map[string]any{
		"goalId": comp.goalID, "workItemId": item.ID, "runId": comp.runID, "status": string(status),
	})

	failed, err := c.repo.GetRun(ctx, comp.runID)
	if err != nil {
		return
	}
	history, err := c.repo.GetRunsByWorkItem(ctx, item.ID)
	if err != nil {
		return
	}

	decision := c.retry.Decide(item, failed, history)
	if decision.Retry {
		if err := c.repo.UpdateWorkItemStatus(ctx, item.ID, domain.WorkItemStatusQueued); err != nil {
			return
		}
		c.mu.Lock()
		c.retryAt[item.ID] = c.now().Add(decision.Delay)
		c.mu.Unlock()
		c.emit(domain.EventWorkItemUpdated, map[string]any{
			"goalId": comp.goalID, "workItemId": item.ID,
			"status": string(domain.WorkItemStatusQueued), "retryDelayMs": decision.Delay.Milliseconds(),
		})
		return
	}

	if err := c.repo.UpdateWorkItemStatus(ctx, item.ID, domain.WorkItemStatusFailed); err != nil {
		return
	}
	c.emit(domain.EventWorkItemFailed, map[string]any{
		"goalId": comp.goalID, "workItemId": item.ID, "runId": comp.runID,
	})
	if decision.Escalate != nil {
		if _, err := c.escalations.CreateEscalation(ctx, comp.goalID, item.ID, comp.runID, decision.Escalate); err != nil {
			slog.Error("create escalation", "work_item_id", item.ID, "error", err)
		}
		if goal, err := c.repo.GetGoal(ctx, comp.goalID); err == nil {
			c.blockGoal(ctx, goal, decision.Escalate.Title)
		}
	}
}

func (c *Core) checkGoalCompletion(ctx context.Context, goalID string) {
	items, err := c.repo.GetWorkItemsByGoal(ctx, goalID)
	if err != nil || len(items) == 0 {
		return
	}
	if !allDone(items) {
		return
	}
	if err := c.repo.UpdateGoalStatus(ctx, goalID, domain.GoalStatusCompleted, ""); err != nil {
		return
	}
	c.emit(domain.EventGoalCompleted, map[string]any{"goalId": goalID})
}

// CancelGoal cancels a goal and cascades to its work items and in-flight
// runs. Cancelling a terminal goal returns repository.ErrConflict.
func (c *Core) CancelGoal(ctx context.Context, goalID string) error {
	goal, err := c.repo.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if goal.Status.IsTerminal() {
		return repository.ErrConflict
	}
	if err := c.repo.UpdateGoalStatus(ctx, goalID, domain.GoalStatusCancelled, ""); err != nil {
		return err
	}

	// Cascade with an explicit worklist rather than recursion.
	items, err := c.repo.GetWorkItemsByGoal(ctx, goalID)
	if err == nil {
		for _, it := range items {
			if it.Status.IsTerminal() {
				continue
			}
			if err := c.repo.UpdateWorkItemStatus(ctx, it.ID, domain.WorkItemStatusCancelled); err != nil {
				slog.Error("cancel work item", "work_item_id", it.ID, "error", err)
				continue
			}
			c.abortRunsOf(ctx, it.ID)
		}
	}

	c.emit(domain.EventGoalCancelled, map[string]any{"goalId": goalID})
	return nil
}

// CancelWorkItem cancels a single work item and aborts its run; the rest
// of the goal keeps going.
func (c *Core) CancelWorkItem(ctx context.Context, workItemID string) error {
	item, err := c.repo.GetWorkItem(ctx, workItemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() {
		return repository.ErrConflict
	}
	if err := c.repo.UpdateWorkItemStatus(ctx, workItemID, domain.WorkItemStatusCancelled); err != nil {
		return err
	}
	c.abortRunsOf(ctx, workItemID)
	c.emit(domain.EventWorkItemUpdated, map[string]any{
		"goalId": item.GoalID, "workItemId": workItemID, "status": string(domain.WorkItemStatusCancelled),
	})
	return nil
}

func (c *Core) abortRunsOf(ctx context.Context, workItemID string) {
	runs, err := c.repo.GetRunsByWorkItem(ctx, workItemID)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, run := range runs {
		if run.Status != domain.RunStatusRunning {
			continue
		}
		if cancel, ok := c.aborts[run.ID]; ok {
			cancel()
		}
	}
}

// retryElapsed reports whether the item's backoff window has passed,
// clearing the entry when it has.
func (c *Core) retryElapsed(workItemID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.retryAt[workItemID]
	if !ok {
		return true
	}
	if c.now().Before(at) {
		return false
	}
	delete(c.retryAt, workItemID)
	return true
}

// sweepStuck raises stuck escalations for items and runs that stopped
// making progress.
func (c *Core) sweepStuck(ctx context.Context) {
	now := c.now()
	active := domain.GoalStatusActive
	goals, _, err := c.repo.ListGoals(ctx, repository.GoalFilter{Status: &active})
	if err != nil {
		return
	}
	for _, goal := range goals {
		items, err := c.repo.GetWorkItemsByGoal(ctx, goal.ID)
		if err != nil {
			continue
		}
		byID := make(map[string]*domain.WorkItem, len(items))
		for _, it := range items {
			byID[it.ID] = it
		}

		if cycles := c.stuck.DetectCycles(items); len(cycles) > 0 {
			spec := &domain.EscalationSpec{
				Kind:        domain.EscalationStuck,
				Severity:    domain.SeverityHigh,
				Title:       "dependency cycle detected",
				Description: "work items form a dependency cycle and can never become ready",
				Context:     map[string]any{"cycles": cycles},
			}
			if !c.hasOpenStuck(ctx, goal.ID, "") {
				c.escalations.CreateEscalation(ctx, goal.ID, "", "", spec)
			}
		}

		for _, it := range items {
			runs, err := c.repo.GetRunsByWorkItem(ctx, it.ID)
			if err != nil {
				continue
			}
			spec := c.stuck.CheckItem(it, runs, byID, now)
			if spec == nil {
				for _, run := range runs {
					if s := c.stuck.CheckRun(it, run, now); s != nil {
						spec = s
						break
					}
				}
			}
			if spec == nil {
				continue
			}
			if c.hasOpenStuck(ctx, goal.ID, it.ID) {
				continue
			}
			if _, err := c.escalations.CreateEscalation(ctx, goal.ID, it.ID, "", spec); err != nil {
				slog.Error("create stuck escalation", "work_item_id", it.ID, "error", err)
			}
		}
	}
}

// hasOpenStuck avoids piling up duplicate stuck escalations for the same
// item across sweeps.
func (c *Core) hasOpenStuck(ctx context.Context, goalID, workItemID string) bool {
	open, err := c.repo.GetOpenEscalations(ctx, repository.EscalationFilter{GoalID: &goalID})
	if err != nil {
		return false
	}
	for _, e := range open {
		if e.Kind == domain.EscalationStuck && e.WorkItemID == workItemID {
			return true
		}
	}
	return false
}

// recoverOrphans handles runs left in running state by a previous
// process: their dispatch no longer exists, so the run is aborted and its
// item requeued for a fresh attempt.
func (c *Core) recoverOrphans(ctx context.Context) {
	goals, _, err := c.repo.ListGoals(ctx, repository.GoalFilter{})
	if err != nil {
		return
	}
	for _, goal := range goals {
		if goal.Status.IsTerminal() {
			continue
		}
		items, err := c.repo.GetWorkItemsByGoal(ctx, goal.ID)
		if err != nil {
			continue
		}
		for _, it := range items {
			runs, err := c.repo.GetRunsByWorkItem(ctx, it.ID)
			if err != nil {
				continue
			}
			for _, run := range runs {
				if run.Status != domain.RunStatusRunning {
					continue
				}
				c.repo.UpdateRunStatus(ctx, run.ID, domain.RunStatusAborted, repository.RunResultUpdate{
					ErrorMessage: "orphaned by process restart",
				})
				slog.Warn("recovered orphaned run", "run_id", run.ID, "work_item_id", it.ID)
			}
			if it.Status == domain.WorkItemStatusInProgress || it.Status == domain.WorkItemStatusVerify {
				c.repo.UpdateWorkItemStatus(ctx, it.ID, domain.WorkItemStatusQueued)
			}
		}
	}
}

func (c *Core) emit(eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Emit(domain.NewEvent(c.now(), eventType, data))
}

func allDone(items []*domain.WorkItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if it.Status != domain.WorkItemStatusDone {
			return false
		}
	}
	return true
}

// readyOrder filters the ready items and orders them by
// (priority, createdAt, id).
func readyOrder(items []*domain.WorkItem) []*domain.WorkItem {
	var ready []*domain.WorkItem
	for _, it := range items {
		if it.Status == domain.WorkItemStatusReady {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}
