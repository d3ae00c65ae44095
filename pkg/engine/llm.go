// Package engine provides the default LLM-backed ExecutionEngine: each
// Run is one completion against the model the scheduler selected, with
// the work item's description as the task prompt. Deployments with a
// richer agent runtime replace this with their own implementation of the
// same interface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/llm"
	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
)

const systemPrompt = `You are an autonomous engineering agent. Perform the task described by the user and report what you did. Be concrete and complete.`

// LLMEngine executes work items as single LLM completions.
type LLMEngine struct {
	manager *llm.Manager
	stream  bool
}

// New builds the engine. stream enables llm.stream.* events for live
// viewers.
func New(manager *llm.Manager, stream bool) *LLMEngine {
	return &LLMEngine{manager: manager, stream: stream}
}

// Execute implements scheduler.ExecutionEngine.
func (e *LLMEngine) Execute(ctx context.Context, item *domain.WorkItem, run *domain.Run, model string) (*scheduler.RunResult, error) {
	started := time.Now()

	prompt := item.Description
	if prompt == "" {
		prompt = item.Title
	}
	resp, err := e.manager.Complete(ctx, &llm.Request{
		ModelID:    model,
		System:     systemPrompt,
		Messages:   []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\n\n%s", item.Title, prompt)}},
		Stream:     e.stream,
		GoalID:     item.GoalID,
		WorkItemID: item.ID,
		RunID:      run.ID,
	})
	elapsed := time.Since(started).Seconds()
	if err != nil {
		return &scheduler.RunResult{
			Status:         domain.RunStatusFailure,
			TimeSeconds:    elapsed,
			ErrorMessage:   err.Error(),
			ErrorSignature: classify(err),
		}, nil
	}

	return &scheduler.RunResult{
		Status:       domain.RunStatusSuccess,
		TokensUsed:   resp.TokensUsed(),
		TimeSeconds:  elapsed,
		CostUsd:      resp.CostUsd,
		ExecutionLog: resp.Content,
	}, nil
}

// classify maps provider failures onto the retry handler's signature
// vocabulary: a non-recoverable request error will never succeed on
// retry, everything else gets a signature derived from the status code
// so repeated identical failures are detectable.
func classify(err error) string {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		if !perr.Recoverable {
			return "invalid_params"
		}
		return fmt.Sprintf("llm_status_%d", perr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "llm_timeout"
	}
	return "llm_error"
}
