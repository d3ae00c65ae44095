package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
)

// closeFlushDelay gives the writer loop a beat to deliver the final
// response before an auth-failure close.
const closeFlushDelay = 100 * time.Millisecond

// Handlers implements the RPC surface. Each method decodes its typed
// parameter record, calls into the scheduler/repository, and returns a
// result the router wraps into a response frame.
type Handlers struct {
	repo      repository.WorkOrderRepository
	core      *scheduler.Core
	auth      *AuthManager
	conns     *ConnectionManager
	events    *bus.Bus
	broadcast *BroadcastManager // optional; enables catchup on subscribe
	now       func() time.Time
}

// NewHandlers wires the handler set. broadcast may be nil, which
// disables catchup-on-subscribe.
func NewHandlers(repo repository.WorkOrderRepository, core *scheduler.Core, auth *AuthManager, conns *ConnectionManager, events *bus.Bus, broadcast *BroadcastManager, now func() time.Time) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{repo: repo, core: core, auth: auth, conns: conns, events: events, broadcast: broadcast, now: now}
}

// RegisterAll installs every method on the router.
func (h *Handlers) RegisterAll(r *Router) {
	read := []domain.Permission{domain.PermissionRead}
	write := []domain.Permission{domain.PermissionWrite}
	admin := []domain.Permission{domain.PermissionAdmin}

	r.Register("auth.pair", nil, h.authPair)
	r.Register("auth.verify", nil, h.authVerify)

	r.Register("system.ping", nil, h.systemPing)
	r.Register("system.methods", read, func(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
		return map[string]any{"methods": r.Methods()}, nil
	})
	r.Register("system.stats", admin, h.systemStats)

	r.Register("goal.submit", write, h.goalSubmit)
	r.Register("goal.list", read, h.goalList)
	r.Register("goal.get", read, h.goalGet)
	r.Register("goal.cancel", write, h.goalCancel)

	r.Register("workitem.list", read, h.workItemList)
	r.Register("workitem.cancel", write, h.workItemCancel)

	r.Register("run.get", read, h.runGet)
	r.Register("run.list", read, h.runList)

	r.Register("escalation.list", read, h.escalationList)
	r.Register("escalation.respond", write, h.escalationRespond)

	r.Register("approval.list", read, h.approvalList)
	r.Register("approval.pending", read, h.approvalPending)
	r.Register("approval.get", read, h.approvalGet)
	r.Register("approval.create", admin, h.approvalCreate)
	r.Register("approval.grant", admin, h.approvalGrant)
	r.Register("approval.deny", admin, h.approvalDeny)

	r.Register("subscribe", read, h.subscribe)
	r.Register("unsubscribe", read, h.unsubscribe)
}

// --- auth ---

type authPairParams struct {
	Token string `json:"token"`
}

func (h *Handlers) authPair(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p authPairParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, errInvalidParams("token is required")
	}
	challenge, expiresAt, err := h.auth.BeginPairing(conn.ID, p.Token)
	if err != nil {
		return nil, errUnauthorized("pairing failed")
	}
	return map[string]any{
		"challenge": challenge,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

type authVerifyParams struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

func (h *Handlers) authVerify(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p authVerifyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	perms, err := h.auth.CompleteVerify(conn.ID, p.Signature, p.PublicKey)
	if err != nil {
		// A consumed or missing challenge is a parameter problem; a bad
		// signature or expired challenge fails the handshake and costs
		// the connection.
		if err == ErrChallengeMissing {
			return nil, errInvalidParams("no pending challenge")
		}
		h.closeAfterFlush(conn, closeAuthFailure, "authentication failed")
		return nil, errUnauthorized("authentication failed")
	}

	session := &domain.Session{
		ID:             uuid.New().String(),
		PublicKey:      p.PublicKey,
		Permissions:    perms,
		State:          domain.SessionAuthenticated,
		ConnectedAt:    h.now(),
		LastActivityAt: h.now(),
	}
	h.conns.PromoteConnection(conn, session)
	h.emit(domain.EventConnectionAuthenticated, map[string]any{
		"sessionId": session.ID, "publicKey": session.PublicKey,
	})

	return map[string]any{
		"success":     true,
		"sessionId":   session.ID,
		"permissions": session.Permissions.Slice(),
	}, nil
}

func (h *Handlers) closeAfterFlush(conn *Connection, code int, reason string) {
	go func() {
		time.Sleep(closeFlushDelay)
		conn.close(code, reason)
		h.conns.HandleDisconnect(conn)
	}()
}

// --- system ---

func (h *Handlers) systemPing(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	return map[string]any{"pong": h.now().UnixMilli()}, nil
}

func (h *Handlers) systemStats(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	pending, authenticated := h.conns.Counts()
	return map[string]any{
		"scheduler": h.core.Stats(),
		"connections": map[string]any{
			"pending":       pending,
			"authenticated": authenticated,
		},
	}, nil
}

// --- goals ---

type workItemSpec struct {
	ID              string                   `json:"id,omitempty"` // caller-local, remapped
	Title           string                   `json:"title"`
	Description     string                   `json:"description,omitempty"`
	Type            domain.WorkItemType      `json:"type,omitempty"`
	Priority        int                      `json:"priority,omitempty"`
	Dependencies    []string                 `json:"dependencies,omitempty"`
	EstimatedEffort domain.EffortSize        `json:"estimatedEffort,omitempty"`
	MaxRetries      int                      `json:"maxRetries,omitempty"`
	AssignedAgent   string                   `json:"assignedAgent,omitempty"`
	Plan            *domain.VerificationPlan `json:"verificationPlan,omitempty"`
	Context         map[string]any           `json:"context,omitempty"`
}

type goalSubmitParams struct {
	Title           string                    `json:"title"`
	Description     string                    `json:"description"`
	SuccessCriteria []domain.SuccessCriterion `json:"successCriteria,omitempty"`
	Priority        int                       `json:"priority,omitempty"`
	Budgets         *domain.Budget            `json:"budgets,omitempty"`
	Tags            []string                  `json:"tags,omitempty"`
	Context         map[string]any            `json:"context,omitempty"`
	WorkItems       []workItemSpec            `json:"workItems,omitempty"`
}

func (h *Handlers) goalSubmit(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p goalSubmitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, errInvalidParams("title is required")
	}
	for _, spec := range p.WorkItems {
		if spec.Plan != nil {
			for _, gate := range spec.Plan.QualityGates {
				if err := gate.Validate(); err != nil {
					return nil, errInvalidParams(err.Error())
				}
			}
		}
	}

	goal := &domain.Goal{
		ID:              uuid.New().String(),
		Title:           p.Title,
		Description:     p.Description,
		SuccessCriteria: p.SuccessCriteria,
		Status:          domain.GoalStatusQueued,
		Priority:        p.Priority,
		Budget:          p.Budgets,
		Tags:            p.Tags,
		Context:         p.Context,
	}

	items, err := buildWorkItems(goal, p.WorkItems)
	if err != nil {
		return nil, err
	}

	if err := h.repo.CreateGoal(ctx, goal); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := h.repo.CreateWorkItem(ctx, item); err != nil {
			return nil, err
		}
	}

	h.emit(domain.EventGoalCreated, map[string]any{
		"goalId": goal.ID, "title": goal.Title, "priority": goal.Priority,
	})
	for _, item := range items {
		h.emit(domain.EventWorkItemCreated, map[string]any{
			"goalId": goal.ID, "workItemId": item.ID, "title": item.Title,
		})
	}

	// The scheduler starts on the first submitted goal when autoStart is
	// off; Start is a no-op once running.
	h.core.Start(context.Background())
	h.core.Nudge()
	return goal, nil
}

// buildWorkItems materializes the submitted decomposition, remapping
// caller-local ids to fresh ones and rejecting dependency cycles and
// dangling references up front.
func buildWorkItems(goal *domain.Goal, specs []workItemSpec) ([]*domain.WorkItem, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	idMap := make(map[string]string, len(specs))
	for _, spec := range specs {
		local := spec.ID
		if local == "" {
			local = spec.Title
		}
		if _, dup := idMap[local]; dup {
			return nil, errInvalidParams("duplicate work item id " + local)
		}
		idMap[local] = uuid.New().String()
	}

	items := make([]*domain.WorkItem, 0, len(specs))
	for _, spec := range specs {
		local := spec.ID
		if local == "" {
			local = spec.Title
		}
		deps := make([]string, 0, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			mapped, ok := idMap[dep]
			if !ok {
				return nil, errInvalidParams("work item dependency " + dep + " does not exist")
			}
			deps = append(deps, mapped)
		}
		itemType := spec.Type
		if itemType == "" {
			itemType = domain.WorkItemTypeCode
		}
		maxRetries := spec.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		items = append(items, &domain.WorkItem{
			ID:                idMap[local],
			GoalID:            goal.ID,
			Title:             spec.Title,
			Description:       spec.Description,
			Type:              itemType,
			Status:            domain.WorkItemStatusQueued,
			Priority:          spec.Priority,
			Dependencies:      deps,
			EstimatedEffort:   spec.EstimatedEffort,
			MaxRetries:        maxRetries,
			AssignedAgent:     spec.AssignedAgent,
			Plan:              spec.Plan,
			VerificationState: domain.VerificationNotStarted,
			Context:           spec.Context,
		})
	}

	if cycles := domain.DetectCycles(items); len(cycles) > 0 {
		return nil, errInvalidParams("work items form a dependency cycle")
	}

	// Populate the inverse edges.
	byID := make(map[string]*domain.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, it := range items {
		for _, dep := range it.Dependencies {
			byID[dep].Blocks = append(byID[dep].Blocks, it.ID)
		}
	}
	return items, nil
}

type goalListParams struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

func (h *Handlers) goalList(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p goalListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	filter := repository.GoalFilter{Limit: p.Limit, Offset: p.Offset}
	if p.Status != "" {
		status := domain.GoalStatus(p.Status)
		filter.Status = &status
	}
	goals, total, err := h.repo.ListGoals(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"goals": goals, "total": total}, nil
}

type goalIDParams struct {
	GoalID string `json:"goalId"`
}

func (h *Handlers) goalGet(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.GoalID == "" {
		return nil, errInvalidParams("goalId is required")
	}
	return h.repo.GetGoal(ctx, p.GoalID)
}

func (h *Handlers) goalCancel(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.GoalID == "" {
		return nil, errInvalidParams("goalId is required")
	}
	if err := h.core.CancelGoal(ctx, p.GoalID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- work items / runs ---

func (h *Handlers) workItemList(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p goalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.GoalID == "" {
		return nil, errInvalidParams("goalId is required")
	}
	items, err := h.repo.GetWorkItemsByGoal(ctx, p.GoalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workItems": items}, nil
}

type workItemIDParams struct {
	WorkItemID string `json:"workItemId"`
}

func (h *Handlers) workItemCancel(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p workItemIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.WorkItemID == "" {
		return nil, errInvalidParams("workItemId is required")
	}
	if err := h.core.CancelWorkItem(ctx, p.WorkItemID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type runGetParams struct {
	RunID string `json:"runId"`
}

func (h *Handlers) runGet(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p runGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, errInvalidParams("runId is required")
	}
	return h.repo.GetRun(ctx, p.RunID)
}

func (h *Handlers) runList(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p workItemIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.WorkItemID == "" {
		return nil, errInvalidParams("workItemId is required")
	}
	runs, err := h.repo.GetRunsByWorkItem(ctx, p.WorkItemID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

// --- escalations & approvals ---

type escalationListParams struct {
	GoalID string `json:"goalId,omitempty"`
	Status string `json:"status,omitempty"`
}

func (h *Handlers) escalationList(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p escalationListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	escalations, err := h.listEscalations(ctx, p, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"escalations": escalations}, nil
}

func (h *Handlers) listEscalations(ctx context.Context, p escalationListParams, kind domain.EscalationKind) ([]*domain.Escalation, error) {
	filter := repository.EscalationFilter{}
	if p.GoalID != "" {
		filter.GoalID = &p.GoalID
	}
	if p.Status != "" {
		status := domain.EscalationStatus(p.Status)
		filter.Status = &status
	}
	escalations, err := h.repo.GetOpenEscalations(ctx, filter)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		return escalations, nil
	}
	var out []*domain.Escalation
	for _, e := range escalations {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

type escalationRespondParams struct {
	EscalationID string         `json:"escalationId"`
	Action       string         `json:"action"`
	Data         map[string]any `json:"data,omitempty"`
}

func (h *Handlers) escalationRespond(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p escalationRespondParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.EscalationID == "" || p.Action == "" {
		return nil, errInvalidParams("escalationId and action are required")
	}

	esc, err := h.repo.GetEscalation(ctx, p.EscalationID)
	if err != nil {
		return nil, err
	}
	if err := h.core.Escalations().Respond(ctx, p.EscalationID, p.Action); err != nil {
		return nil, errInvalidParams(err.Error())
	}

	// Acknowledging a stuck item suppresses its re-detection for a
	// window the caller may size via data.durationMs.
	if p.Action == "acknowledge" && esc.Kind == domain.EscalationStuck && esc.WorkItemID != "" {
		window := time.Duration(0)
		if ms, ok := p.Data["durationMs"].(float64); ok {
			window = time.Duration(ms) * time.Millisecond
		}
		h.core.Stuck().AcknowledgeStuck(esc.WorkItemID, window)
	}

	h.core.Nudge()
	return map[string]any{"success": true}, nil
}

type approvalCreateParams struct {
	GoalID      string         `json:"goalId"`
	WorkItemID  string         `json:"workItemId,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

func (h *Handlers) approvalCreate(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p approvalCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Title == "" || p.GoalID == "" {
		return nil, errInvalidParams("goalId and title are required")
	}
	severity := domain.Severity(p.Severity)
	if severity == "" {
		severity = domain.SeverityHigh
	}
	esc, err := h.core.Escalations().CreateEscalation(ctx, p.GoalID, p.WorkItemID, "", &domain.EscalationSpec{
		Kind:        domain.EscalationApproval,
		Severity:    severity,
		Title:       p.Title,
		Description: p.Description,
		Context:     p.Context,
	})
	if err != nil {
		return nil, err
	}
	h.emit(domain.EventApprovalRequested, map[string]any{
		"escalationId": esc.ID, "goalId": esc.GoalID, "title": esc.Title,
	})
	return esc, nil
}

func (h *Handlers) approvalList(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p escalationListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	approvals, err := h.listEscalations(ctx, p, domain.EscalationApproval)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": approvals}, nil
}

func (h *Handlers) approvalPending(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p escalationListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	p.Status = string(domain.EscalationOpen)
	approvals, err := h.listEscalations(ctx, p, domain.EscalationApproval)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approvals": approvals}, nil
}

type approvalIDParams struct {
	ApprovalID string `json:"approvalId"`
}

func (h *Handlers) approvalGet(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	esc, err := h.repo.GetEscalation(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}
	if esc.Kind != domain.EscalationApproval {
		return nil, errNotFound("approval")
	}
	return esc, nil
}

func (h *Handlers) approvalGrant(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	return h.approvalDecision(ctx, params, "grant")
}

func (h *Handlers) approvalDeny(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	return h.approvalDecision(ctx, params, "deny")
}

func (h *Handlers) approvalDecision(ctx context.Context, params json.RawMessage, action string) (any, error) {
	var p approvalIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ApprovalID == "" {
		return nil, errInvalidParams("approvalId is required")
	}
	esc, err := h.repo.GetEscalation(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}
	if esc.Kind != domain.EscalationApproval {
		return nil, errNotFound("approval")
	}
	if err := h.core.Escalations().Respond(ctx, p.ApprovalID, action); err != nil {
		return nil, err
	}
	h.core.Nudge()
	return map[string]any{"success": true}, nil
}

// --- subscriptions ---

type subscribeParams struct {
	GoalID string   `json:"goalId,omitempty"`
	Types  []string `json:"types,omitempty"`
	// CatchupSince re-delivers events recorded after the given sequence
	// number (as returned in lastSeq) from the process-local ring.
	CatchupSince *uint64 `json:"catchupSince,omitempty"`
}

func (h *Handlers) subscribe(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	conn.SetSubscriptions([]domain.Subscription{{GoalID: p.GoalID, Types: p.Types}})

	result := map[string]any{"success": true}
	if h.broadcast != nil {
		if p.CatchupSince != nil {
			replayed, overflowed := h.broadcast.ReplaySince(conn, *p.CatchupSince)
			result["replayed"] = replayed
			result["overflowed"] = overflowed
		}
		result["lastSeq"] = h.broadcast.LastSeq()
	}
	return result, nil
}

func (h *Handlers) unsubscribe(ctx context.Context, conn *Connection, params json.RawMessage) (any, error) {
	conn.SetSubscriptions(nil)
	return map[string]any{"success": true}, nil
}

func (h *Handlers) emit(eventType string, data map[string]any) {
	if h.events == nil {
		return
	}
	h.events.Emit(domain.NewEvent(h.now(), eventType, data))
}
