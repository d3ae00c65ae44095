// Package verify runs a WorkItem's verification plan: deterministic
// command gates and LLM-review gates, in declared order, with
// required/optional semantics.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// skippedReason marks gates not executed after an earlier required
// failure.
const skippedReason = "Skipped due to earlier required failure"

// CommandResult is the outcome of one deterministic gate command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandExecutor runs a deterministic gate's command. Implementations
// must honor ctx cancellation.
type CommandExecutor interface {
	Execute(ctx context.Context, command string) (*CommandResult, error)
}

// ReviewResult is the verdict of one LLM-review gate.
type ReviewResult struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

// ErrUnparsableReview is returned by an LLMReviewer when the model's
// output is not the requested JSON shape.
var ErrUnparsableReview = errors.New("verify: failed to parse LLM review response")

// LLMReviewer evaluates a review prompt against a run's output.
type LLMReviewer interface {
	Review(ctx context.Context, prompt string, reviewContext map[string]any) (*ReviewResult, error)
}

// Options tunes a Runner.
type Options struct {
	CommandTimeout            time.Duration // per deterministic gate, default 60s
	LLMTimeout                time.Duration // per llm_review gate, default 120s
	ContinueOnRequiredFailure bool
}

// Runner executes verification plans.
type Runner struct {
	commands CommandExecutor
	reviewer LLMReviewer
	opts     Options
}

// NewRunner builds a Runner. Either collaborator may be nil if no plan
// uses its gate type; hitting a gate with a nil collaborator fails that
// gate rather than panicking.
func NewRunner(commands CommandExecutor, reviewer LLMReviewer, opts Options) *Runner {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 60 * time.Second
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 120 * time.Second
	}
	return &Runner{commands: commands, reviewer: reviewer, opts: opts}
}

// RunVerification runs the WorkItem's plan against the given Run. An
// absent or empty plan passes trivially.
func (r *Runner) RunVerification(ctx context.Context, item *domain.WorkItem, run *domain.Run) *domain.VerificationResult {
	result := &domain.VerificationResult{
		WorkItemID:     item.ID,
		RunID:          run.ID,
		AllPassed:      true,
		RequiredPassed: true,
		Results:        []domain.GateResult{},
	}
	if item.Plan == nil || len(item.Plan.QualityGates) == 0 {
		result.Summary = "no quality gates configured"
		return result
	}

	start := time.Now()
	skipRemaining := false
	passedCount := 0
	for _, gate := range item.Plan.QualityGates {
		if skipRemaining {
			result.Results = append(result.Results, domain.GateResult{
				Name:     gate.Name,
				Required: gate.Required,
				Passed:   false,
				Error:    skippedReason,
			})
			result.AllPassed = false
			if gate.Required {
				result.RequiredPassed = false
			}
			continue
		}

		gr := r.runGate(ctx, gate, run)
		result.Results = append(result.Results, gr)
		if gr.Passed {
			passedCount++
			continue
		}
		result.AllPassed = false
		if gate.Required {
			result.RequiredPassed = false
			if !r.opts.ContinueOnRequiredFailure {
				skipRemaining = true
			}
		}
	}

	result.TotalDurationMs = time.Since(start).Milliseconds()
	result.Summary = fmt.Sprintf("%d/%d gates passed", passedCount, len(item.Plan.QualityGates))
	slog.Info("verification finished",
		"work_item_id", item.ID,
		"run_id", run.ID,
		"all_passed", result.AllPassed,
		"required_passed", result.RequiredPassed,
		"duration_ms", result.TotalDurationMs)
	return result
}

func (r *Runner) runGate(ctx context.Context, gate domain.QualityGate, run *domain.Run) domain.GateResult {
	gr := domain.GateResult{Name: gate.Name, Required: gate.Required}
	start := time.Now()

	var limit time.Duration
	switch gate.Type {
	case domain.GateTypeDeterministic:
		limit = r.opts.CommandTimeout
		r.runCommandGate(ctx, gate, &gr, limit)
	case domain.GateTypeLLMReview:
		limit = r.opts.LLMTimeout
		r.runReviewGate(ctx, gate, run, &gr, limit)
	default:
		gr.Error = fmt.Sprintf("unknown gate type %q", gate.Type)
	}

	gr.DurationMs = time.Since(start).Milliseconds()
	if gr.DurationMs > limit.Milliseconds() {
		gr.DurationMs = limit.Milliseconds()
	}
	return gr
}

func (r *Runner) runCommandGate(ctx context.Context, gate domain.QualityGate, gr *domain.GateResult, timeout time.Duration) {
	if r.commands == nil {
		gr.Error = "no command executor configured"
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.commands.Execute(cmdCtx, gate.Command)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			gr.Error = "timeout"
			return
		}
		gr.Error = err.Error()
		return
	}
	gr.Passed = res.ExitCode == gate.ExpectedExitCode
	if !gr.Passed {
		gr.Reasoning = fmt.Sprintf("exit code %d, expected %d", res.ExitCode, gate.ExpectedExitCode)
	}
}

func (r *Runner) runReviewGate(ctx context.Context, gate domain.QualityGate, run *domain.Run, gr *domain.GateResult, timeout time.Duration) {
	if r.reviewer == nil {
		gr.Error = "no LLM reviewer configured"
		return
	}
	reviewCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdict, err := r.reviewer.Review(reviewCtx, gate.ReviewPrompt, map[string]any{
		"workItemId":   run.WorkItemID,
		"runId":        run.ID,
		"executionLog": run.ExecutionLog,
		"artifacts":    run.Artifacts,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnparsableReview):
			gr.Reasoning = "Failed to parse LLM response"
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(reviewCtx.Err(), context.DeadlineExceeded):
			gr.Error = "timeout"
		default:
			gr.Error = err.Error()
		}
		return
	}
	gr.Passed = verdict.Passed
	gr.Reasoning = verdict.Reasoning
}
