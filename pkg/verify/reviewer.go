package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/orchestratorcore/pkg/llm"
)

// reviewSystemPrompt instructs the model to answer with the literal JSON
// verdict shape and nothing else.
const reviewSystemPrompt = `You are a quality-gate reviewer. Evaluate the work described in the user message against the review instructions.
Respond with ONLY a JSON object of the exact shape {"passed": <bool>, "reasoning": "<string>"} and no other text.`

// ManagerReviewer implements LLMReviewer on top of the provider Manager,
// using the named tier for review calls.
type ManagerReviewer struct {
	Manager *llm.Manager
	Tier    string
}

// Review asks the model for a verdict and parses the JSON shape out of
// its reply. Replies that don't contain the shape yield
// ErrUnparsableReview.
func (r *ManagerReviewer) Review(ctx context.Context, prompt string, reviewContext map[string]any) (*ReviewResult, error) {
	ctxJSON, _ := json.Marshal(reviewContext)
	tier := r.Tier
	if tier == "" {
		tier = "simple"
	}

	resp, err := r.Manager.Complete(ctx, &llm.Request{
		Tier:   tier,
		System: reviewSystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Review instructions:\n%s\n\nContext:\n%s", prompt, ctxJSON),
		}},
	})
	if err != nil {
		return nil, err
	}
	return parseReview(resp.Content)
}

// parseReview extracts the {"passed", "reasoning"} object from model
// output, tolerating surrounding prose or a fenced code block.
func parseReview(content string) (*ReviewResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, ErrUnparsableReview
	}
	var verdict struct {
		Passed    *bool  `json:"passed"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil || verdict.Passed == nil {
		return nil, ErrUnparsableReview
	}
	return &ReviewResult{Passed: *verdict.Passed, Reasoning: verdict.Reasoning}, nil
}
