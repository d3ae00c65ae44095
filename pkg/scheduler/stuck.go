package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// defaultAckWindow suppresses re-detection of an acknowledged stuck item.
const defaultAckWindow = 5 * time.Minute

// Stuck reasons, recorded in escalation context.
const (
	reasonTimeoutInProgress  = "timeout_in_progress"
	reasonTimeoutReady       = "timeout_ready"
	reasonMaxRetriesExceeded = "max_retries_exceeded"
	reasonRepeatedSameError  = "repeated_same_error"
	reasonMissingDependency  = "missing_dependency"
	reasonRunTimeout         = "run_timeout"
)

// StuckDetector finds WorkItems and Runs that have stopped making
// progress and produces the escalation specs the sweep turns into
// escalations.
type StuckDetector struct {
	maxInProgress time.Duration
	maxReady      time.Duration
	maxRun        time.Duration
	maxSameError  int

	mu   sync.Mutex
	acks map[string]time.Time // workItemID → suppression deadline
}

// NewStuckDetector builds a detector with the given thresholds.
func NewStuckDetector(maxInProgress, maxReady, maxRun time.Duration, maxSameError int) *StuckDetector {
	if maxSameError <= 0 {
		maxSameError = 2
	}
	return &StuckDetector{
		maxInProgress: maxInProgress,
		maxReady:      maxReady,
		maxRun:        maxRun,
		maxSameError:  maxSameError,
		acks:          make(map[string]time.Time),
	}
}

// AcknowledgeStuck suppresses stuck detection for the item for the given
// window (default five minutes).
func (d *StuckDetector) AcknowledgeStuck(workItemID string, window time.Duration) {
	if window <= 0 {
		window = defaultAckWindow
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks[workItemID] = time.Now().Add(window)
}

// suppressed checks the acknowledgement deadline on the wall clock that
// AcknowledgeStuck stamped it with, whatever clock the sweep runs on.
func (d *StuckDetector) suppressed(workItemID string, _ time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	deadline, ok := d.acks[workItemID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(d.acks, workItemID)
		return false
	}
	return true
}

// CheckItem evaluates one WorkItem (with its run history and its goal's
// full item set) and returns an escalation spec if it is stuck, or nil.
func (d *StuckDetector) CheckItem(item *domain.WorkItem, runs []*domain.Run, siblings map[string]*domain.WorkItem, now time.Time) *domain.EscalationSpec {
	if d.suppressed(item.ID, now) {
		return nil
	}

	for _, depID := range item.Dependencies {
		if _, ok := siblings[depID]; !ok {
			return stuckSpec(item, reasonMissingDependency,
				fmt.Sprintf("dependency %q has no work item", depID))
		}
	}

	switch item.Status {
	case domain.WorkItemStatusInProgress:
		if d.maxInProgress > 0 && now.Sub(item.UpdatedAt) > d.maxInProgress {
			return stuckSpec(item, reasonTimeoutInProgress,
				fmt.Sprintf("in progress for more than %s", d.maxInProgress))
		}
	case domain.WorkItemStatusReady:
		if d.maxReady > 0 && now.Sub(item.UpdatedAt) > d.maxReady {
			return stuckSpec(item, reasonTimeoutReady,
				fmt.Sprintf("ready but undispatched for more than %s", d.maxReady))
		}
	case domain.WorkItemStatusFailed:
		if failureCount(runs) > item.MaxRetries {
			return stuckSpec(item, reasonMaxRetriesExceeded,
				fmt.Sprintf("failed with %d retries exhausted", item.MaxRetries))
		}
	}

	// Threshold matches the retry handler's: the streak escalates once it
	// exceeds the permitted same-error retries, so the sweep never blocks
	// an item the retry path would still re-run.
	if sig := trailingSignature(runs); sig != "" && sameSignatureTail(runs, sig) > d.maxSameError {
		spec := stuckSpec(item, reasonRepeatedSameError,
			fmt.Sprintf("last %d runs share error signature %q", d.maxSameError+1, sig))
		spec.ErrorSignature = sig
		return spec
	}
	return nil
}

// CheckRun evaluates one running Run against the run-duration cap.
func (d *StuckDetector) CheckRun(item *domain.WorkItem, run *domain.Run, now time.Time) *domain.EscalationSpec {
	if run.Status != domain.RunStatusRunning {
		return nil
	}
	if d.maxRun <= 0 || now.Sub(run.CreatedAt) <= d.maxRun {
		return nil
	}
	if d.suppressed(item.ID, now) {
		return nil
	}
	spec := stuckSpec(item, reasonRunTimeout,
		fmt.Sprintf("run %d has been running for more than %s", run.RunSequence, d.maxRun))
	return spec
}

// DetectCycles returns every dependency cycle in the goal's item set.
func (d *StuckDetector) DetectCycles(items []*domain.WorkItem) [][]string {
	return domain.DetectCycles(items)
}

func stuckSpec(item *domain.WorkItem, reason, detail string) *domain.EscalationSpec {
	return &domain.EscalationSpec{
		Kind:        domain.EscalationStuck,
		Severity:    domain.SeverityHigh,
		Title:       fmt.Sprintf("work item %q is stuck (%s)", item.Title, reason),
		Description: detail,
		Context:     map[string]any{"reason": reason},
	}
}

// trailingSignature returns the error signature of the most recent
// terminal run, if any.
func trailingSignature(runs []*domain.Run) string {
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status.IsTerminal() {
			return runs[i].ErrorSignature
		}
	}
	return ""
}
