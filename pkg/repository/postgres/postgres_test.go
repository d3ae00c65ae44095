package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// fakeRow feeds preset column values (or an error) into a scan helper,
// standing in for a live pgx row.
type fakeRow struct {
	vals []any
	err  error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.vals) {
		return fmt.Errorf("fakeRow: %d dest args for %d values", len(dest), len(f.vals))
	}
	for i, d := range dest {
		dv := reflect.ValueOf(d).Elem()
		if f.vals[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		dv.Set(reflect.ValueOf(f.vals[i]))
	}
	return nil
}

// fakeQuerier returns one scripted row for conflictOrNotFound's
// existence check.
type fakeQuerier struct {
	row fakeRow
}

func (f fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestMigrationDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:pw@localhost:5432/db", "pgx5://user:pw@localhost:5432/db"},
		{"postgresql://user:pw@localhost:5432/db?sslmode=disable", "pgx5://user:pw@localhost:5432/db?sslmode=disable"},
		{"pgx5://already/rewritten", "pgx5://already/rewritten"},
		{"host=localhost dbname=db", "host=localhost dbname=db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrationDSN(tt.in), tt.in)
	}
}

func TestToJSON(t *testing.T) {
	b, err := toJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b), "nil values stay valid jsonb")

	b, err = toJSON(map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(b))
}

func TestFromJSON(t *testing.T) {
	var m map[string]any
	require.NoError(t, fromJSON(nil, &m), "empty column is a no-op")
	assert.Nil(t, m)

	require.NoError(t, fromJSON([]byte(`{"k":"v"}`), &m))
	assert.Equal(t, "v", m["k"])

	require.Error(t, fromJSON([]byte(`{not json`), &m))
}

func goalRow() []any {
	now := time.Now().UTC().Truncate(time.Second)
	return []any{
		"g1", "title", "desc", domain.GoalStatusActive, 2, "why",
		[]byte(`[{"description":"works","kind":"deterministic","required":true}]`),
		[]byte(`{"tokens":1000,"costUsd":5}`),
		[]byte(`{"tokens":100,"timeMinutes":2,"costUsd":0.5}`),
		"parent", []string{"a", "b"}, []byte(`{"lane":"main"}`),
		now, now,
	}
}

func TestScanGoal(t *testing.T) {
	g, err := scanGoal(fakeRow{vals: goalRow()})
	require.NoError(t, err)

	assert.Equal(t, "g1", g.ID)
	assert.Equal(t, domain.GoalStatusActive, g.Status)
	assert.Equal(t, 2, g.Priority)
	assert.Equal(t, "why", g.BlockedReason)
	require.Len(t, g.SuccessCriteria, 1)
	assert.Equal(t, domain.CriterionDeterministic, g.SuccessCriteria[0].Kind)
	require.NotNil(t, g.Budget)
	assert.Equal(t, int64(1000), g.Budget.Tokens)
	assert.Equal(t, int64(100), g.Spent.Tokens)
	assert.Equal(t, "parent", g.ParentGoalID)
	assert.Equal(t, []string{"a", "b"}, g.Tags)
	assert.Equal(t, "main", g.Context["lane"])
}

func TestScanGoalNullBudget(t *testing.T) {
	vals := goalRow()
	vals[7] = []byte("null")
	g, err := scanGoal(fakeRow{vals: vals})
	require.NoError(t, err)
	assert.Nil(t, g.Budget, "a null budget column stays an absent budget")
}

func TestScanGoalNoRows(t *testing.T) {
	_, err := scanGoal(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestScanGoalBadJSON(t *testing.T) {
	vals := goalRow()
	vals[6] = []byte(`{broken`)
	_, err := scanGoal(fakeRow{vals: vals})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "success criteria")
}

func workItemRow() []any {
	now := time.Now().UTC().Truncate(time.Second)
	return []any{
		"w1", "g1", "title", "desc", domain.WorkItemTypeCode, domain.WorkItemStatusReady, 1,
		[]string{"dep1"}, []string{"w2"}, "agent", domain.EffortSmall, 1, 3,
		[]byte(`{"qualityGates":[{"name":"tests","type":"deterministic","command":"make test","expectedExitCode":0,"required":true}]}`),
		domain.VerificationNotStarted, []byte(`{"interactive":true}`), domain.LaneSubagent,
		now, now,
	}
}

func TestScanWorkItem(t *testing.T) {
	w, err := scanWorkItem(fakeRow{vals: workItemRow()})
	require.NoError(t, err)

	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, domain.WorkItemStatusReady, w.Status)
	assert.Equal(t, []string{"dep1"}, w.Dependencies)
	assert.Equal(t, []string{"w2"}, w.Blocks)
	require.NotNil(t, w.Plan)
	require.Len(t, w.Plan.QualityGates, 1)
	assert.Equal(t, "make test", w.Plan.QualityGates[0].Command)
	assert.True(t, w.ContextBool("interactive"))
	assert.Equal(t, domain.LaneSubagent, w.Lane)
}

func TestScanWorkItemNullPlan(t *testing.T) {
	vals := workItemRow()
	vals[13] = []byte("null")
	w, err := scanWorkItem(fakeRow{vals: vals})
	require.NoError(t, err)
	assert.Nil(t, w.Plan)
}

func TestScanWorkItemNoRows(t *testing.T) {
	_, err := scanWorkItem(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestScanRun(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	exit := 2
	run, err := scanRun(fakeRow{vals: []any{
		"r1", "w1", "g1", "coder", 3, domain.RunStatusFailure, "model-x", &exit,
		"boom", "E42", int64(128), 4.5, 0.01, []string{"art1"},
		"log text", domain.LaneMain, now, now,
	}})
	require.NoError(t, err)

	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, 3, run.RunSequence)
	assert.Equal(t, domain.RunStatusFailure, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 2, *run.ExitCode)
	assert.Equal(t, "E42", run.ErrorSignature)
	assert.Equal(t, int64(128), run.TokensUsed)
	assert.Equal(t, []string{"art1"}, run.Artifacts)
}

func TestScanRunNullExitCode(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	run, err := scanRun(fakeRow{vals: []any{
		"r1", "w1", "g1", "", 1, domain.RunStatusRunning, "", nil,
		"", "", int64(0), 0.0, 0.0, []string(nil),
		"", domain.LaneMain, now, now,
	}})
	require.NoError(t, err)
	assert.Nil(t, run.ExitCode)
}

func TestScanRunNoRows(t *testing.T) {
	_, err := scanRun(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestScanEscalation(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	e, err := scanEscalation(fakeRow{vals: []any{
		"e1", "g1", "w1", "r1", domain.EscalationStuck, domain.SeverityHigh, domain.EscalationOpen,
		"stuck item", "details", []byte(`{"errorSignature":"E42"}`), now, now,
	}})
	require.NoError(t, err)

	assert.Equal(t, domain.EscalationStuck, e.Kind)
	assert.Equal(t, domain.SeverityHigh, e.Severity)
	assert.Equal(t, "E42", e.Context["errorSignature"])
	assert.True(t, e.IsBlocking())
}

func TestScanEscalationNoRows(t *testing.T) {
	_, err := scanEscalation(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConflictOrNotFound(t *testing.T) {
	ctx := context.Background()

	err := conflictOrNotFound(ctx, fakeQuerier{row: fakeRow{vals: []any{true}}}, "goals", "g1")
	assert.ErrorIs(t, err, repository.ErrConflict, "existing row means the guard failed")

	err = conflictOrNotFound(ctx, fakeQuerier{row: fakeRow{vals: []any{false}}}, "goals", "g1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = conflictOrNotFound(ctx, fakeQuerier{row: fakeRow{err: errors.New("connection reset")}}, "goals", "g1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "existence check")
}
