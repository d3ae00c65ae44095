package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// EscalationHandler creates escalations through the Repository and
// answers the "is this goal blocked by one" question the tick loop asks.
type EscalationHandler struct {
	repo   repository.WorkOrderRepository
	events *bus.Bus
	now    func() time.Time
}

// NewEscalationHandler builds a handler. events may be nil in tests.
func NewEscalationHandler(repo repository.WorkOrderRepository, events *bus.Bus, now func() time.Time) *EscalationHandler {
	if now == nil {
		now = time.Now
	}
	return &EscalationHandler{repo: repo, events: events, now: now}
}

// HasBlockingEscalations reports whether any open or acknowledged
// escalation of severity high or above exists for the goal.
func (h *EscalationHandler) HasBlockingEscalations(ctx context.Context, goalID string) (bool, error) {
	open, err := h.repo.GetOpenEscalations(ctx, repository.EscalationFilter{GoalID: &goalID})
	if err != nil {
		return false, err
	}
	for _, e := range open {
		if e.IsBlocking() {
			return true, nil
		}
	}
	return false, nil
}

// CreateEscalation persists a new escalation from the spec and emits
// escalation.created. The write happens before the emit.
func (h *EscalationHandler) CreateEscalation(ctx context.Context, goalID, workItemID, runID string, spec *domain.EscalationSpec) (*domain.Escalation, error) {
	esc := &domain.Escalation{
		ID:          uuid.New().String(),
		WorkItemID:  workItemID,
		GoalID:      goalID,
		RunID:       runID,
		Kind:        spec.Kind,
		Severity:    spec.Severity,
		Status:      domain.EscalationOpen,
		Title:       spec.Title,
		Description: spec.Description,
		Context:     spec.Context,
	}
	if spec.ErrorSignature != "" {
		if esc.Context == nil {
			esc.Context = map[string]any{}
		}
		esc.Context["errorSignature"] = spec.ErrorSignature
	}
	if err := h.repo.CreateEscalation(ctx, esc); err != nil {
		return nil, fmt.Errorf("create escalation: %w", err)
	}
	if h.events != nil {
		h.events.Emit(domain.NewEvent(h.now(), domain.EventEscalationCreated, map[string]any{
			"escalationId": esc.ID,
			"goalId":       esc.GoalID,
			"workItemId":   esc.WorkItemID,
			"kind":         string(esc.Kind),
			"severity":     string(esc.Severity),
			"title":        esc.Title,
		}))
	}
	return esc, nil
}

// Respond applies a human action to an escalation: acknowledge, resolve,
// or dismiss. Grant and deny map approval-kind escalations onto the same
// resolution flow.
func (h *EscalationHandler) Respond(ctx context.Context, escalationID, action string) error {
	var status domain.EscalationStatus
	switch action {
	case "acknowledge":
		status = domain.EscalationAcknowledged
	case "resolve", "grant":
		status = domain.EscalationResolved
	case "dismiss", "deny":
		status = domain.EscalationDismissed
	default:
		return fmt.Errorf("unknown escalation action %q", action)
	}
	esc, err := h.repo.GetEscalation(ctx, escalationID)
	if err != nil {
		return err
	}
	if err := h.repo.UpdateEscalationStatus(ctx, escalationID, status); err != nil {
		return err
	}
	if h.events == nil {
		return nil
	}
	switch {
	case status == domain.EscalationResolved || status == domain.EscalationDismissed:
		eventType := domain.EventEscalationResolved
		if esc.Kind == domain.EscalationApproval {
			eventType = domain.EventApprovalGranted
			if action == "deny" || action == "dismiss" {
				eventType = domain.EventApprovalDenied
			}
		}
		h.events.Emit(domain.NewEvent(h.now(), eventType, map[string]any{
			"escalationId": esc.ID,
			"goalId":       esc.GoalID,
			"action":       action,
		}))
	}
	return nil
}
