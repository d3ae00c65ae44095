package scheduler

import (
	"fmt"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// Error signatures the execution engine reports for failures no retry can
// fix.
const (
	sigValidationFailed = "validation_failed"
	sigInvalidParams    = "invalid_params"
)

// RetryDecision is the RetryHandler's verdict on a failed Run.
type RetryDecision struct {
	Retry    bool
	Delay    time.Duration
	Escalate *domain.EscalationSpec
}

// RetryHandler decides whether a failed Run is retried, and with what
// backoff, or escalated.
type RetryHandler struct {
	maxSameErrorRetries int
	baseDelay           time.Duration
	maxDelay            time.Duration
}

// NewRetryHandler builds a handler. Zero values take the defaults: two
// same-error retries, 2s base, 60s cap.
func NewRetryHandler(maxSameErrorRetries int, baseDelay, maxDelay time.Duration) *RetryHandler {
	if maxSameErrorRetries <= 0 {
		maxSameErrorRetries = 2
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &RetryHandler{
		maxSameErrorRetries: maxSameErrorRetries,
		baseDelay:           baseDelay,
		maxDelay:            maxDelay,
	}
}

// Decide evaluates a failed run against the item's retry budget and run
// history. history is every Run of the item ordered by RunSequence, the
// failed run included; the retry count is derived from it rather than
// trusting a stored counter.
func (h *RetryHandler) Decide(item *domain.WorkItem, failed *domain.Run, history []*domain.Run) RetryDecision {
	retryCount := failureCount(history) - 1 // retries already consumed before this failure
	if retryCount < 0 {
		retryCount = 0
	}

	// Same-error exhaustion is checked first so the escalation carries the
	// signature: maxSameErrorRetries retries with an identical signature
	// are allowed, and the escalation fires when the last of them fails
	// too.
	if failed.ErrorSignature != "" && sameSignatureTail(history, failed.ErrorSignature) > h.maxSameErrorRetries {
		return RetryDecision{Escalate: &domain.EscalationSpec{
			Kind:           domain.EscalationStuck,
			Severity:       domain.SeverityHigh,
			ErrorSignature: failed.ErrorSignature,
			Title:          fmt.Sprintf("work item %q failing repeatedly with the same error", item.Title),
			Description: fmt.Sprintf("last %d runs share error signature %q",
				h.maxSameErrorRetries+1, failed.ErrorSignature),
		}}
	}

	if retryCount+1 > item.MaxRetries {
		return RetryDecision{Escalate: &domain.EscalationSpec{
			Kind:     domain.EscalationStuck,
			Severity: domain.SeverityHigh,
			Title:    fmt.Sprintf("work item %q exceeded %d retries", item.Title, item.MaxRetries),
			Description: fmt.Sprintf("run %d failed: %s; no retries remain",
				failed.RunSequence, failed.ErrorMessage),
		}}
	}

	if spec := classifyNonRecoverable(item, failed); spec != nil {
		return RetryDecision{Escalate: spec}
	}

	delay := h.baseDelay << retryCount
	if delay > h.maxDelay || delay <= 0 {
		delay = h.maxDelay
	}
	return RetryDecision{Retry: true, Delay: delay}
}

// failureCount counts terminal failed runs (failure or timeout) in the
// history.
func failureCount(history []*domain.Run) int {
	n := 0
	for _, r := range history {
		if r.Status == domain.RunStatusFailure || r.Status == domain.RunStatusTimeout {
			n++
		}
	}
	return n
}

// sameSignatureTail counts how many trailing terminal runs share sig.
func sameSignatureTail(history []*domain.Run, sig string) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if !r.Status.IsTerminal() {
			continue
		}
		if r.ErrorSignature != sig {
			break
		}
		n++
	}
	return n
}

// classifyNonRecoverable maps error signatures no retry can fix to their
// escalation kind.
func classifyNonRecoverable(item *domain.WorkItem, failed *domain.Run) *domain.EscalationSpec {
	switch failed.ErrorSignature {
	case sigValidationFailed:
		return &domain.EscalationSpec{
			Kind:           domain.EscalationValidationFailed,
			Severity:       domain.SeverityHigh,
			ErrorSignature: failed.ErrorSignature,
			Title:          fmt.Sprintf("work item %q failed validation", item.Title),
			Description:    failed.ErrorMessage,
		}
	case sigInvalidParams:
		return &domain.EscalationSpec{
			Kind:           domain.EscalationAmbiguous,
			Severity:       domain.SeverityHigh,
			ErrorSignature: failed.ErrorSignature,
			Title:          fmt.Sprintf("work item %q has invalid parameters", item.Title),
			Description:    failed.ErrorMessage,
		}
	}
	return nil
}
