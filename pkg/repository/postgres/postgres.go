// Package postgres is a pgx-backed WorkOrderRepository for deployments
// that need cross-restart durability and multi-process coordination.
// Schema migrations are embedded and applied with golang-migrate on
// Connect, the same embed-and-auto-apply approach used elsewhere in this
// codebase for database bootstrap.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the "pgx5://" scheme
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

var errNoRows = pgx.ErrNoRows

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection-pool settings for Connect. DSN accepts the
// standard "postgres://" or "postgresql://" form; Connect rewrites it to
// the "pgx5://" scheme golang-migrate's driver expects when applying
// migrations.
type Config struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	SkipMigrations bool
}

// Repository is a pgx pool-backed implementation of
// repository.WorkOrderRepository.
type Repository struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against cfg.DSN, applies pending migrations unless
// SkipMigrations is set, and returns a ready Repository.
func Connect(ctx context.Context, cfg Config) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if !cfg.SkipMigrations {
		if err := applyMigrations(migrationDSN(cfg.DSN)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
	}

	return &Repository{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

func migrationDSN(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func applyMigrations(dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func toJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func fromJSON[T any](b []byte, out *T) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// CreateGoal implements repository.WorkOrderRepository.
func (r *Repository) CreateGoal(ctx context.Context, goal *domain.Goal) error {
	successCriteria, err := toJSON(goal.SuccessCriteria)
	if err != nil {
		return fmt.Errorf("postgres: marshal success criteria: %w", err)
	}
	budget, err := toJSON(goal.Budget)
	if err != nil {
		return fmt.Errorf("postgres: marshal budget: %w", err)
	}
	spent, err := toJSON(goal.Spent)
	if err != nil {
		return fmt.Errorf("postgres: marshal spent: %w", err)
	}
	ctxJSON, err := toJSON(goal.Context)
	if err != nil {
		return fmt.Errorf("postgres: marshal context: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO goals (id, title, description, status, priority, blocked_reason,
			success_criteria, budget, spent, parent_goal_id, tags, context,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,now(),now())`,
		goal.ID, goal.Title, goal.Description, goal.Status, goal.Priority, goal.BlockedReason,
		successCriteria, budget, spent, goal.ParentGoalID, goal.Tags, ctxJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert goal: %w", err)
	}
	return nil
}

// GetGoal implements repository.WorkOrderRepository.
func (r *Repository) GetGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, title, description, status, priority, blocked_reason,
			success_criteria, budget, spent, COALESCE(parent_goal_id, ''), tags, context,
			created_at, updated_at
		FROM goals WHERE id = $1`, goalID)
	return scanGoal(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (*domain.Goal, error) {
	var g domain.Goal
	var successCriteria, budget, spent, ctxJSON []byte
	err := row.Scan(&g.ID, &g.Title, &g.Description, &g.Status, &g.Priority, &g.BlockedReason,
		&successCriteria, &budget, &spent, &g.ParentGoalID, &g.Tags, &ctxJSON,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan goal: %w", err)
	}
	if err := fromJSON(successCriteria, &g.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal success criteria: %w", err)
	}
	if len(budget) > 0 && string(budget) != "null" {
		g.Budget = &domain.Budget{}
		if err := fromJSON(budget, g.Budget); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal budget: %w", err)
		}
	}
	if err := fromJSON(spent, &g.Spent); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal spent: %w", err)
	}
	if err := fromJSON(ctxJSON, &g.Context); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal context: %w", err)
	}
	return &g, nil
}

// ListGoals implements repository.WorkOrderRepository.
func (r *Repository) ListGoals(ctx context.Context, filter repository.GoalFilter) ([]*domain.Goal, int, error) {
	var total int
	countQuery := `SELECT count(*) FROM goals WHERE ($1::text IS NULL OR status = $1)`
	var statusArg any
	if filter.Status != nil {
		statusArg = string(*filter.Status)
	}
	if err := r.pool.QueryRow(ctx, countQuery, statusArg).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count goals: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
		if limit == 0 {
			limit = 1
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, title, description, status, priority, blocked_reason,
			success_criteria, budget, spent, COALESCE(parent_goal_id, ''), tags, context,
			created_at, updated_at
		FROM goals
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $2 OFFSET $3`, statusArg, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list goals: %w", err)
	}
	defer rows.Close()

	var out []*domain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list goals: %w", err)
	}
	return out, total, nil
}

// UpdateGoalStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateGoalStatus(ctx context.Context, goalID string, status domain.GoalStatus, blockedReason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE goals SET status = $1, blocked_reason = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ('completed', 'cancelled')`,
		status, blockedReason, goalID)
	if err != nil {
		return fmt.Errorf("postgres: update goal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conflictOrNotFound(ctx, r.pool, "goals", goalID)
	}
	return nil
}

// AddGoalSpend implements repository.WorkOrderRepository.
func (r *Repository) AddGoalSpend(ctx context.Context, goalID string, tokens int64, minutes int64, cost float64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE goals SET
			spent = jsonb_set(jsonb_set(jsonb_set(spent,
				'{tokens}', to_jsonb(COALESCE((spent->>'tokens')::bigint,0) + $2::bigint)),
				'{timeMinutes}', to_jsonb(COALESCE((spent->>'timeMinutes')::bigint,0) + $3::bigint)),
				'{costUsd}', to_jsonb(COALESCE((spent->>'costUsd')::double precision,0) + $4::double precision)),
			updated_at = now()
		WHERE id = $1`, goalID, tokens, minutes, cost)
	if err != nil {
		return fmt.Errorf("postgres: add goal spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateWorkItem implements repository.WorkOrderRepository.
func (r *Repository) CreateWorkItem(ctx context.Context, item *domain.WorkItem) error {
	plan, err := toJSON(item.Plan)
	if err != nil {
		return fmt.Errorf("postgres: marshal verification plan: %w", err)
	}
	ctxJSON, err := toJSON(item.Context)
	if err != nil {
		return fmt.Errorf("postgres: marshal context: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO work_items (id, goal_id, title, description, type, status, priority,
			dependencies, blocks, assigned_agent, estimated_effort, retry_count, max_retries,
			plan, verification_state, context, lane, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now(),now())`,
		item.ID, item.GoalID, item.Title, item.Description, item.Type, item.Status, item.Priority,
		item.Dependencies, item.Blocks, item.AssignedAgent, item.EstimatedEffort, item.RetryCount, item.MaxRetries,
		plan, item.VerificationState, ctxJSON, item.Lane,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert work item: %w", err)
	}
	return nil
}

// GetWorkItem implements repository.WorkOrderRepository.
func (r *Repository) GetWorkItem(ctx context.Context, workItemID string) (*domain.WorkItem, error) {
	row := r.pool.QueryRow(ctx, workItemSelect+` WHERE id = $1`, workItemID)
	return scanWorkItem(row)
}

const workItemSelect = `
	SELECT id, goal_id, title, description, type, status, priority, dependencies, blocks,
		assigned_agent, estimated_effort, retry_count, max_retries, plan, verification_state,
		context, lane, created_at, updated_at
	FROM work_items`

func scanWorkItem(row rowScanner) (*domain.WorkItem, error) {
	var w domain.WorkItem
	var plan, ctxJSON []byte
	err := row.Scan(&w.ID, &w.GoalID, &w.Title, &w.Description, &w.Type, &w.Status, &w.Priority,
		&w.Dependencies, &w.Blocks, &w.AssignedAgent, &w.EstimatedEffort, &w.RetryCount, &w.MaxRetries,
		&plan, &w.VerificationState, &ctxJSON, &w.Lane, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan work item: %w", err)
	}
	if len(plan) > 0 && string(plan) != "null" {
		w.Plan = &domain.VerificationPlan{}
		if err := fromJSON(plan, w.Plan); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal verification plan: %w", err)
		}
	}
	if err := fromJSON(ctxJSON, &w.Context); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal context: %w", err)
	}
	return &w, nil
}

// GetWorkItemsByGoal implements repository.WorkOrderRepository.
func (r *Repository) GetWorkItemsByGoal(ctx context.Context, goalID string) ([]*domain.WorkItem, error) {
	rows, err := r.pool.Query(ctx, workItemSelect+` WHERE goal_id = $1 ORDER BY priority ASC, created_at ASC, id ASC`, goalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list work items: %w", err)
	}
	defer rows.Close()

	var out []*domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkItemStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateWorkItemStatus(ctx context.Context, workItemID string, status domain.WorkItemStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE work_items SET status = $1, updated_at = now() WHERE id = $2`, status, workItemID)
	if err != nil {
		return fmt.Errorf("postgres: update work item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateWorkItemStatusIfDependenciesMet implements repository.WorkOrderRepository.
// The dependency check runs inside the same statement a single-row UPDATE
// issues, so the read-then-write stays linearized per row without needing
// an explicit transaction.
func (r *Repository) UpdateWorkItemStatusIfDependenciesMet(ctx context.Context, workItemID string, expectedStatus, newStatus domain.WorkItemStatus) error {
	var query string
	var args []any
	if newStatus == domain.WorkItemStatusReady {
		query = `
			UPDATE work_items w SET status = $1, updated_at = now()
			WHERE w.id = $2 AND w.status = $3
				AND NOT EXISTS (
					SELECT 1 FROM unnest(w.dependencies) dep_id
					LEFT JOIN work_items d ON d.id = dep_id
					WHERE d.id IS NULL OR d.status <> 'done'
				)`
		args = []any{newStatus, workItemID, expectedStatus}
	} else {
		query = `UPDATE work_items SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`
		args = []any{newStatus, workItemID, expectedStatus}
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: conditional work item update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetWorkItem(ctx, workItemID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// CreateRun implements repository.WorkOrderRepository.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs (id, work_item_id, goal_id, agent_type, run_sequence, status, model_id,
			exit_code, error_message, error_signature, tokens_used, time_seconds, cost_usd,
			artifacts, execution_log, lane, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())`,
		run.ID, run.WorkItemID, run.GoalID, run.AgentType, run.RunSequence, run.Status, run.ModelID,
		run.ExitCode, run.ErrorMessage, run.ErrorSignature, run.TokensUsed, run.TimeSeconds, run.CostUsd,
		run.Artifacts, run.ExecutionLog, run.Lane,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}
	return nil
}

const runSelect = `
	SELECT id, work_item_id, goal_id, agent_type, run_sequence, status, model_id, exit_code,
		error_message, error_signature, tokens_used, time_seconds, cost_usd, artifacts,
		execution_log, lane, created_at, updated_at
	FROM runs`

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.WorkItemID, &run.GoalID, &run.AgentType, &run.RunSequence, &run.Status,
		&run.ModelID, &run.ExitCode, &run.ErrorMessage, &run.ErrorSignature, &run.TokensUsed,
		&run.TimeSeconds, &run.CostUsd, &run.Artifacts, &run.ExecutionLog, &run.Lane,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan run: %w", err)
	}
	return &run, nil
}

// GetRun implements repository.WorkOrderRepository.
func (r *Repository) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, runID)
	return scanRun(row)
}

// UpdateRunStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, result repository.RunResultUpdate) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $1, exit_code = $2, error_message = $3, error_signature = $4,
			tokens_used = $5, time_seconds = $6, cost_usd = $7, artifacts = $8, execution_log = $9,
			updated_at = now()
		WHERE id = $10`,
		status, result.ExitCode, result.ErrorMessage, result.ErrorSignature,
		result.TokensUsed, result.TimeSeconds, result.CostUsd, result.Artifacts, result.ExecutionLog,
		runID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetRunsByWorkItem implements repository.WorkOrderRepository.
func (r *Repository) GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, runSelect+` WHERE work_item_id = $1 ORDER BY run_sequence ASC`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// CreateEscalation implements repository.WorkOrderRepository.
func (r *Repository) CreateEscalation(ctx context.Context, esc *domain.Escalation) error {
	ctxJSON, err := toJSON(esc.Context)
	if err != nil {
		return fmt.Errorf("postgres: marshal context: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO escalations (id, goal_id, work_item_id, run_id, kind, severity, status,
			title, description, context, created_at, updated_at)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,$9,$10,now(),now())`,
		esc.ID, esc.GoalID, esc.WorkItemID, esc.RunID, esc.Kind, esc.Severity, esc.Status,
		esc.Title, esc.Description, ctxJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert escalation: %w", err)
	}
	return nil
}

const escalationSelect = `
	SELECT id, goal_id, COALESCE(work_item_id, ''), COALESCE(run_id, ''), kind, severity, status,
		title, description, context, created_at, updated_at
	FROM escalations`

func scanEscalation(row rowScanner) (*domain.Escalation, error) {
	var e domain.Escalation
	var ctxJSON []byte
	err := row.Scan(&e.ID, &e.GoalID, &e.WorkItemID, &e.RunID, &e.Kind, &e.Severity, &e.Status,
		&e.Title, &e.Description, &ctxJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan escalation: %w", err)
	}
	if err := fromJSON(ctxJSON, &e.Context); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal context: %w", err)
	}
	return &e, nil
}

// GetEscalation implements repository.WorkOrderRepository.
func (r *Repository) GetEscalation(ctx context.Context, escalationID string) (*domain.Escalation, error) {
	row := r.pool.QueryRow(ctx, escalationSelect+` WHERE id = $1`, escalationID)
	return scanEscalation(row)
}

// UpdateEscalationStatus implements repository.WorkOrderRepository.
func (r *Repository) UpdateEscalationStatus(ctx context.Context, escalationID string, status domain.EscalationStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE escalations SET status = $1, updated_at = now() WHERE id = $2`, status, escalationID)
	if err != nil {
		return fmt.Errorf("postgres: update escalation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ResolveEscalation implements repository.WorkOrderRepository.
func (r *Repository) ResolveEscalation(ctx context.Context, escalationID string) error {
	return r.UpdateEscalationStatus(ctx, escalationID, domain.EscalationResolved)
}

// GetOpenEscalations implements repository.WorkOrderRepository.
func (r *Repository) GetOpenEscalations(ctx context.Context, filter repository.EscalationFilter) ([]*domain.Escalation, error) {
	var goalArg, statusArg any
	if filter.GoalID != nil {
		goalArg = *filter.GoalID
	}
	query := escalationSelect + ` WHERE ($1::text IS NULL OR goal_id = $1)`
	if filter.Status != nil {
		statusArg = string(*filter.Status)
		query += ` AND status = $2`
	} else {
		query += ` AND status IN ('open', 'acknowledged')`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, goalArg, statusArg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open escalations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateArtifact implements repository.WorkOrderRepository.
func (r *Repository) CreateArtifact(ctx context.Context, artifact *repository.Artifact) error {
	labels, err := toJSON(artifact.Labels)
	if err != nil {
		return fmt.Errorf("postgres: marshal labels: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, kind, data, labels) VALUES ($1,$2,$3,$4,$5)`,
		artifact.ID, artifact.RunID, artifact.Kind, artifact.Data, labels,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert artifact: %w", err)
	}
	return nil
}

// GetArtifact implements repository.WorkOrderRepository.
func (r *Repository) GetArtifact(ctx context.Context, artifactID string) (*repository.Artifact, error) {
	var a repository.Artifact
	var labels []byte
	err := r.pool.QueryRow(ctx, `SELECT id, run_id, kind, data, labels FROM artifacts WHERE id = $1`, artifactID).
		Scan(&a.ID, &a.RunID, &a.Kind, &a.Data, &labels)
	if err != nil {
		if errors.Is(err, errNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: scan artifact: %w", err)
	}
	if err := fromJSON(labels, &a.Labels); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal labels: %w", err)
	}
	return &a, nil
}

// rowQuerier is the single-row query surface conflictOrNotFound needs;
// satisfied by *pgxpool.Pool.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conflictOrNotFound distinguishes a zero-row UPDATE caused by a missing
// row from one caused by the WHERE clause's guard failing.
func conflictOrNotFound(ctx context.Context, q rowQuerier, table, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table), id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: existence check: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrConflict
}
