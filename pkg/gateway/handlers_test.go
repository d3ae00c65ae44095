package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository/memory"
	"github.com/codeready-toolchain/orchestratorcore/pkg/scheduler"
)

// parkedEngine keeps runs in flight until aborted, so goals stay in a
// predictable non-terminal state for handler assertions.
type parkedEngine struct{}

func (parkedEngine) Execute(ctx context.Context, item *domain.WorkItem, run *domain.Run, model string) (*scheduler.RunResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestGatewayParts(t *testing.T) (*Router, *memory.Repository, *bus.Bus, *ConnectionManager) {
	t.Helper()
	repo := memory.New(nil)
	events := bus.New(256)
	events.Start(context.Background())
	t.Cleanup(events.Stop)

	core := scheduler.NewCore(config.SchedulerConfig{
		TickInterval: time.Hour, MaxConcurrentGoals: 5, StuckSweepEveryNTicks: 1000,
		ShutdownDrainTimeout: 50 * time.Millisecond,
	}, repo, parkedEngine{}, nil, nil, events, nil)
	t.Cleanup(core.Stop)

	conns := NewConnectionManager(10, 0, 0, nil)
	auth := NewAuthManager(30*time.Second, nil)
	router := NewRouter()
	NewHandlers(repo, core, auth, conns, events, nil, nil).RegisterAll(router)
	return router, repo, events, conns
}

func result(t *testing.T, resp *Frame) map[string]any {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestSystemPing(t *testing.T) {
	router, _, _, _ := newTestGatewayParts(t)
	conn := newConnection(newFakeSock(), "10.0.0.1:1") // ping needs no session
	out := result(t, dispatch(t, router, conn, "system.ping", nil))
	assert.Greater(t, out["pong"].(float64), float64(0))
}

func TestGoalSubmitListGetCancel(t *testing.T) {
	router, _, _, _ := newTestGatewayParts(t)
	conn := authedConn(domain.PermissionRead, domain.PermissionWrite)

	submitted := result(t, dispatch(t, router, conn, "goal.submit", map[string]any{
		"title":       "t",
		"description": "d",
	}))
	goalID := submitted["id"].(string)
	require.NotEmpty(t, goalID)
	assert.Equal(t, string(domain.GoalStatusQueued), submitted["status"])

	// Identical payloads create distinct goals.
	second := result(t, dispatch(t, router, conn, "goal.submit", map[string]any{
		"title":       "t",
		"description": "d",
	}))
	assert.NotEqual(t, goalID, second["id"])

	listed := result(t, dispatch(t, router, conn, "goal.list", nil))
	assert.Equal(t, float64(2), listed["total"])

	got := result(t, dispatch(t, router, conn, "goal.get", map[string]any{"goalId": goalID}))
	assert.Equal(t, "t", got["title"])

	cancelled := result(t, dispatch(t, router, conn, "goal.cancel", map[string]any{"goalId": goalID}))
	assert.Equal(t, true, cancelled["success"])

	// Cancelling a terminal goal is a conflict, and observable state is
	// unchanged.
	resp := dispatch(t, router, conn, "goal.cancel", map[string]any{"goalId": goalID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConflict, resp.Error.Code)
}

func TestGoalSubmitWithDecomposition(t *testing.T) {
	router, repo, _, _ := newTestGatewayParts(t)
	conn := authedConn(domain.PermissionRead, domain.PermissionWrite)

	submitted := result(t, dispatch(t, router, conn, "goal.submit", map[string]any{
		"title": "decomposed",
		"workItems": []map[string]any{
			{"id": "a", "title": "first"},
			{"id": "b", "title": "second", "dependencies": []string{"a"}},
		},
	}))
	goalID := submitted["id"].(string)

	items, err := repo.GetWorkItemsByGoal(context.Background(), goalID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Caller-local ids were remapped and the dependency follows.
	var first, second *domain.WorkItem
	for _, it := range items {
		switch it.Title {
		case "first":
			first = it
		case "second":
			second = it
		}
	}
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.Len(t, second.Dependencies, 1)
	assert.Equal(t, first.ID, second.Dependencies[0])
	assert.Equal(t, []string{second.ID}, first.Blocks)
}

func TestGoalSubmitRejectsCycle(t *testing.T) {
	router, _, _, _ := newTestGatewayParts(t)
	conn := authedConn(domain.PermissionRead, domain.PermissionWrite)

	resp := dispatch(t, router, conn, "goal.submit", map[string]any{
		"title": "cyclic",
		"workItems": []map[string]any{
			{"id": "a", "title": "a", "dependencies": []string{"b"}},
			{"id": "b", "title": "b", "dependencies": []string{"a"}},
		},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestGoalSubmitValidatesGates(t *testing.T) {
	router, _, _, _ := newTestGatewayParts(t)
	conn := authedConn(domain.PermissionRead, domain.PermissionWrite)

	resp := dispatch(t, router, conn, "goal.submit", map[string]any{
		"title": "gated",
		"workItems": []map[string]any{
			{"id": "a", "title": "a", "verificationPlan": map[string]any{
				"qualityGates": []map[string]any{
					{"name": "broken", "type": "deterministic"}, // no command
				},
			}},
		},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestApprovalLifecycle(t *testing.T) {
	router, repo, _, _ := newTestGatewayParts(t)
	admin := authedConn(domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin)

	submitted := result(t, dispatch(t, router, admin, "goal.submit", map[string]any{"title": "g"}))
	goalID := submitted["id"].(string)

	created := result(t, dispatch(t, router, admin, "approval.create", map[string]any{
		"goalId": goalID,
		"title":  "deploy to prod?",
	}))
	approvalID := created["id"].(string)
	assert.Equal(t, string(domain.EscalationApproval), created["kind"])

	pending := result(t, dispatch(t, router, admin, "approval.pending", nil))
	require.Len(t, pending["approvals"], 1)

	granted := result(t, dispatch(t, router, admin, "approval.grant", map[string]any{"approvalId": approvalID}))
	assert.Equal(t, true, granted["success"])

	esc, err := repo.GetEscalation(context.Background(), approvalID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, esc.Status)

	// A non-admin session cannot grant.
	writer := authedConn(domain.PermissionRead, domain.PermissionWrite)
	resp := dispatch(t, router, writer, "approval.grant", map[string]any{"approvalId": approvalID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnauthorized, resp.Error.Code)
}

func TestBroadcastRespectsSubscriptionFilters(t *testing.T) {
	events := bus.New(256)
	events.Start(context.Background())
	t.Cleanup(events.Stop)

	conns := NewConnectionManager(10, 0, 0, nil)
	NewBroadcastManager(events, conns, nil)

	subscribed := authedConn(domain.PermissionRead)
	subscribed.SetSubscriptions([]domain.Subscription{{GoalID: "g1", Types: []string{"goal"}}})
	other := authedConn(domain.PermissionRead)
	other.SetSubscriptions([]domain.Subscription{{GoalID: "g2"}})
	silent := authedConn(domain.PermissionRead) // never subscribed

	conns.PromoteConnection(subscribed, subscribed.Session())
	conns.PromoteConnection(other, other.Session())
	conns.PromoteConnection(silent, silent.Session())

	events.Emit(domain.NewEvent(time.Now(), domain.EventGoalCompleted, map[string]any{"goalId": "g1"}))
	events.Emit(domain.NewEvent(time.Now(), domain.EventRunStarted, map[string]any{"goalId": "g1"}))

	require.Eventually(t, func() bool { return len(subscribed.out) == 1 }, 2*time.Second, 10*time.Millisecond)

	var frame Frame
	require.NoError(t, json.Unmarshal(<-subscribed.out, &frame))
	assert.Equal(t, frameEvent, frame.Type)
	assert.Equal(t, domain.EventGoalCompleted, frame.Event)

	assert.Empty(t, other.out, "goal filter mismatch")
	assert.Empty(t, silent.out, "no subscription, no delivery")
}
