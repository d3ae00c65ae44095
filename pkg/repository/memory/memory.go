// Package memory provides a process-local, in-memory WorkOrderRepository.
// It is the default repository for tests and for single-process
// deployments; pkg/repository/postgres provides a durable alternative.
//
// All mutation goes through a single mutex: a coarse-grained lock guarding
// a handful of maps, rather than fine-grained per-entity locks. That keeps
// the linearizability guarantees the scheduler depends on easy to reason
// about, at the cost of scaling across cores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// Repository is an in-memory implementation of repository.WorkOrderRepository.
type Repository struct {
	mu sync.Mutex

	goals       map[string]*domain.Goal
	workItems   map[string]*domain.WorkItem
	runs        map[string]*domain.Run
	escalations map[string]*domain.Escalation
	artifacts   map[string]*repository.Artifact

	runsByWorkItem map[string][]string // workItemID -> run ids, insertion order
	now            func() time.Time
}

// New creates an empty in-memory repository. now defaults to time.Now if
// nil; tests may inject a deterministic clock.
func New(now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{
		goals:          make(map[string]*domain.Goal),
		workItems:      make(map[string]*domain.WorkItem),
		runs:           make(map[string]*domain.Run),
		escalations:    make(map[string]*domain.Escalation),
		artifacts:      make(map[string]*repository.Artifact),
		runsByWorkItem: make(map[string][]string),
		now:            now,
	}
}

func cloneGoal(g *domain.Goal) *domain.Goal {
	c := *g
	if g.SuccessCriteria != nil {
		c.SuccessCriteria = append([]domain.SuccessCriterion(nil), g.SuccessCriteria...)
	}
	if g.Tags != nil {
		c.Tags = append([]string(nil), g.Tags...)
	}
	if g.Context != nil {
		c.Context = make(map[string]any, len(g.Context))
		for k, v := range g.Context {
			c.Context[k] = v
		}
	}
	return &c
}

func cloneWorkItem(w *domain.WorkItem) *domain.WorkItem {
	c := *w
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.Blocks = append([]string(nil), w.Blocks...)
	if w.Context != nil {
		c.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			c.Context[k] = v
		}
	}
	return &c
}

func cloneRun(r *domain.Run) *domain.Run {
	c := *r
	c.Artifacts = append([]string(nil), r.Artifacts...)
	return &c
}

func cloneEscalation(e *domain.Escalation) *domain.Escalation {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// CreateGoal implements repository.WorkOrderRepository.
func (r *Repository) CreateGoal(ctx context.Context, goal *domain.Goal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	goal.CreatedAt, goal.UpdatedAt = now, now
	r.goals[goal.ID] = cloneGoal(goal)
	return nil
}

// GetGoal implements repository.WorkOrderRepository.
func (r *Repository) GetGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.goals[goalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneGoal(g), nil
}

// ListGoals implements repository.WorkOrderRepository.
func (r *Repository) ListGoals(ctx context.Context, filter repository.GoalFilter) ([]*domain.Goal, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Goal
	for _, g := range r.goals {
		if filter.Status != nil && g.Status != *filter.Status {
			continue
		}
		matched = append(matched, cloneGoal(g))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// UpdateGoalStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateGoalStatus(ctx context.Context, goalID string, status domain.GoalStatus, blockedReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.goals[goalID]
	if !ok {
		return repository.ErrNotFound
	}
	if g.Status.IsTerminal() {
		return repository.ErrConflict
	}
	g.Status = status
	g.BlockedReason = blockedReason
	g.UpdatedAt = r.now()
	return nil
}

// AddGoalSpend implements repository.WorkOrderRepository.
func (r *Repository) AddGoalSpend(ctx context.Context, goalID string, tokens int64, minutes int64, cost float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.goals[goalID]
	if !ok {
		return repository.ErrNotFound
	}
	g.Spent = g.Spent.Add(tokens, minutes, cost)
	g.UpdatedAt = r.now()
	return nil
}

// CreateWorkItem implements repository.WorkOrderRepository.
func (r *Repository) CreateWorkItem(ctx context.Context, item *domain.WorkItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	item.CreatedAt, item.UpdatedAt = now, now
	r.workItems[item.ID] = cloneWorkItem(item)
	return nil
}

// GetWorkItem implements repository.WorkOrderRepository.
func (r *Repository) GetWorkItem(ctx context.Context, workItemID string) (*domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workItems[workItemID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneWorkItem(w), nil
}

// GetWorkItemsByGoal implements repository.WorkOrderRepository.
func (r *Repository) GetWorkItemsByGoal(ctx context.Context, goalID string) ([]*domain.WorkItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.WorkItem
	for _, w := range r.workItems {
		if w.GoalID == goalID {
			out = append(out, cloneWorkItem(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateWorkItemStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateWorkItemStatus(ctx context.Context, workItemID string, status domain.WorkItemStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workItems[workItemID]
	if !ok {
		return repository.ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = r.now()
	return nil
}

// UpdateWorkItemStatusIfDependenciesMet implements repository.WorkOrderRepository.
func (r *Repository) UpdateWorkItemStatusIfDependenciesMet(ctx context.Context, workItemID string, expectedStatus, newStatus domain.WorkItemStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workItems[workItemID]
	if !ok {
		return repository.ErrNotFound
	}
	if w.Status != expectedStatus {
		return repository.ErrConflict
	}
	if newStatus == domain.WorkItemStatusReady {
		for _, depID := range w.Dependencies {
			dep, ok := r.workItems[depID]
			if !ok || dep.Status != domain.WorkItemStatusDone {
				return repository.ErrConflict
			}
		}
	}
	w.Status = newStatus
	w.UpdatedAt = r.now()
	return nil
}

// CreateRun implements repository.WorkOrderRepository.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	run.CreatedAt, run.UpdatedAt = now, now
	r.runs[run.ID] = cloneRun(run)
	r.runsByWorkItem[run.WorkItemID] = append(r.runsByWorkItem[run.WorkItemID], run.ID)
	return nil
}

// GetRun implements repository.WorkOrderRepository.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRun(run), nil
}

// UpdateRunStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, result repository.RunResultUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return repository.ErrNotFound
	}
	run.Status = status
	run.ExitCode = result.ExitCode
	run.ErrorMessage = result.ErrorMessage
	run.ErrorSignature = result.ErrorSignature
	run.TokensUsed = result.TokensUsed
	run.TimeSeconds = result.TimeSeconds
	run.CostUsd = result.CostUsd
	if result.Artifacts != nil {
		run.Artifacts = append([]string(nil), result.Artifacts...)
	}
	run.ExecutionLog = result.ExecutionLog
	run.UpdatedAt = r.now()
	return nil
}

// GetRunsByWorkItem implements repository.WorkOrderRepository, returning
// Runs ordered by RunSequence ascending (strictly
// increasing per WorkItem, starting at 1).
func (r *Repository) GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.runsByWorkItem[workItemID]
	out := make([]*domain.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRun(r.runs[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunSequence < out[j].RunSequence })
	return out, nil
}

// CreateEscalation implements repository.WorkOrderRepository.
func (r *Repository) CreateEscalation(ctx context.Context, esc *domain.Escalation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	esc.CreatedAt, esc.UpdatedAt = now, now
	r.escalations[esc.ID] = cloneEscalation(esc)
	return nil
}

// GetEscalation implements repository.WorkOrderRepository.
func (r *Repository) GetEscalation(ctx context.Context, escalationID string) (*domain.Escalation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.escalations[escalationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEscalation(e), nil
}

// UpdateEscalationStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateEscalationStatus(ctx context.Context, escalationID string, status domain.EscalationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.escalations[escalationID]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = r.now()
	return nil
}

// ResolveEscalation implements repository.WorkOrderRepository.
func (r *Repository) ResolveEscalation(ctx context.Context, escalationID string) error {
	return r.UpdateEscalationStatus(ctx, escalationID, domain.EscalationResolved)
}

// GetOpenEscalations implements repository.WorkOrderRepository.
func (r *Repository) GetOpenEscalations(ctx context.Context, filter repository.EscalationFilter) ([]*domain.Escalation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Escalation
	for _, e := range r.escalations {
		if filter.GoalID != nil && e.GoalID != *filter.GoalID {
			continue
		}
		if filter.Status != nil {
			if e.Status != *filter.Status {
				continue
			}
		} else if e.Status != domain.EscalationOpen && e.Status != domain.EscalationAcknowledged {
			continue
		}
		out = append(out, cloneEscalation(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateArtifact implements repository.WorkOrderRepository.
func (r *Repository) CreateArtifact(ctx context.Context, artifact *repository.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *artifact
	r.artifacts[artifact.ID] = &cp
	return nil
}

// GetArtifact implements repository.WorkOrderRepository.
func (r *Repository) GetArtifact(ctx context.Context, artifactID string) (*repository.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.artifacts[artifactID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}
