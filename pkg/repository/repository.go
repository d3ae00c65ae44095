// Package repository defines the WorkOrderRepository contract:
// the sole durable source of truth for Goals, WorkItems, Runs, Escalations
// and Artifacts. SchedulerCore reads/writes exclusively through this
// interface and keeps no durable state of its own.
//
// Two implementations are provided: pkg/repository/memory (process-local,
// used by default and by every test in this module) and
// pkg/repository/postgres (a pgx-backed implementation for production
// deployments that need cross-restart durability and multi-pod
// coordination).
package repository

import (
	"context"
	"errors"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// Sentinel errors returned by every WorkOrderRepository implementation.
var (
	ErrNotFound = errors.New("repository: not found")
	ErrConflict = errors.New("repository: conflict")
)

// GoalFilter narrows a ListGoals query.
type GoalFilter struct {
	Status *domain.GoalStatus
	Limit  int
	Offset int
}

// EscalationFilter narrows a ListEscalations / GetOpenEscalations query.
type EscalationFilter struct {
	GoalID *string
	Status *domain.EscalationStatus
}

// WorkOrderRepository is the durable store for all scheduler-owned
// entities. Implementations must make WorkItem status transitions
// linearizable per Goal ("per Goal, WorkItem status transitions
// are linearized by the Repository").
type WorkOrderRepository interface {
	CreateGoal(ctx context.Context, goal *domain.Goal) error
	GetGoal(ctx context.Context, goalID string) (*domain.Goal, error)
	ListGoals(ctx context.Context, filter GoalFilter) ([]*domain.Goal, int, error)
	UpdateGoalStatus(ctx context.Context, goalID string, status domain.GoalStatus, blockedReason string) error
	AddGoalSpend(ctx context.Context, goalID string, tokens int64, minutes int64, cost float64) error

	CreateWorkItem(ctx context.Context, item *domain.WorkItem) error
	GetWorkItem(ctx context.Context, workItemID string) (*domain.WorkItem, error)
	GetWorkItemsByGoal(ctx context.Context, goalID string) ([]*domain.WorkItem, error)
	UpdateWorkItemStatus(ctx context.Context, workItemID string, status domain.WorkItemStatus) error
	// UpdateWorkItemStatusIfDependenciesMet performs the ready → in_progress
	// (or similar) optimistic transition only if the WorkItem's current
	// status equals expectedStatus and (for expectedStatus=ready) all its
	// dependencies are done; it returns ErrConflict if the precondition no
	// longer holds, so callers observe a linearized transition.
	UpdateWorkItemStatusIfDependenciesMet(ctx context.Context, workItemID string, expectedStatus, newStatus domain.WorkItemStatus) error

	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, result RunResultUpdate) error
	GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error)

	CreateEscalation(ctx context.Context, esc *domain.Escalation) error
	GetEscalation(ctx context.Context, escalationID string) (*domain.Escalation, error)
	UpdateEscalationStatus(ctx context.Context, escalationID string, status domain.EscalationStatus) error
	ResolveEscalation(ctx context.Context, escalationID string) error
	GetOpenEscalations(ctx context.Context, filter EscalationFilter) ([]*domain.Escalation, error)

	CreateArtifact(ctx context.Context, artifact *Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (*Artifact, error)
}

// RunResultUpdate carries the terminal fields written alongside a Run
// status transition.
type RunResultUpdate struct {
	ExitCode       *int
	ErrorMessage   string
	ErrorSignature string
	TokensUsed     int64
	TimeSeconds    float64
	CostUsd        float64
	Artifacts      []string
	ExecutionLog   string
}

// Artifact is an opaque execution output referenced by id from a Run.
type Artifact struct {
	ID     string
	RunID  string
	Kind   string
	Data   []byte
	Labels map[string]string
}
