package scheduler

import (
	"context"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// RunResult is what the execution engine reports back for one Run.
type RunResult struct {
	Status         domain.RunStatus
	TokensUsed     int64
	TimeSeconds    float64
	CostUsd        float64
	ErrorMessage   string
	ErrorSignature string
	Artifacts      []string
	ExecutionLog   string
}

// ExecutionEngine performs a Run. It is an external collaborator: the
// scheduler dispatches fire-and-forget and receives the result through
// its completion queue. Implementations must honor ctx cancellation; a
// cancelled ctx aborts the run.
type ExecutionEngine interface {
	Execute(ctx context.Context, item *domain.WorkItem, run *domain.Run, model string) (*RunResult, error)
}

// completion is one finished dispatch, reentering the scheduler at the
// start of the next tick.
type completion struct {
	goalID     string
	workItemID string
	runID      string
	lane       domain.LaneID
	result     *RunResult
	err        error
	aborted    bool
}
