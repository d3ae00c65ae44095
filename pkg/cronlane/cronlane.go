// Package cronlane re-submits templated Goals on a recurring schedule.
// Each submission is a normal Goal whose context marks it as scheduled
// work, so the tick loop dispatches it on the cron lane.
package cronlane

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/orchestratorcore/pkg/bus"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
	"github.com/codeready-toolchain/orchestratorcore/pkg/repository"
)

// Notifier is the scheduler surface cron submissions poke; implemented
// by scheduler.Core.
type Notifier interface {
	Start(ctx context.Context)
	Nudge()
}

// GoalTemplate is the recurring Goal's blueprint. Context is copied per
// submission with the scheduled marker added.
type GoalTemplate struct {
	Title       string
	Description string
	Priority    int
	Budgets     *domain.Budget
	Tags        []string
	Context     map[string]any
}

// Scheduler owns the cron runner and the registered recurring goals.
type Scheduler struct {
	cron      *cron.Cron
	repo      repository.WorkOrderRepository
	events    *bus.Bus
	scheduler Notifier
	now       func() time.Time
}

// New builds a stopped Scheduler; call Start to begin firing entries.
func New(repo repository.WorkOrderRepository, events *bus.Bus, notifier Notifier, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cron:      cron.New(),
		repo:      repo,
		events:    events,
		scheduler: notifier,
		now:       now,
	}
}

// AddRecurringGoal registers a template fired on the given cron spec
// (standard five-field syntax). The returned id can be passed to Remove.
func (s *Scheduler) AddRecurringGoal(spec string, tmpl GoalTemplate) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() { s.fire(tmpl) })
}

// Remove deregisters a recurring goal.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins firing registered entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the runner and waits for any in-flight submission.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(tmpl GoalTemplate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	goalCtx := make(map[string]any, len(tmpl.Context)+1)
	for k, v := range tmpl.Context {
		goalCtx[k] = v
	}
	goalCtx["scheduled"] = true

	goal := &domain.Goal{
		ID:          uuid.New().String(),
		Title:       tmpl.Title,
		Description: tmpl.Description,
		Status:      domain.GoalStatusQueued,
		Priority:    tmpl.Priority,
		Budget:      tmpl.Budgets,
		Tags:        tmpl.Tags,
		Context:     goalCtx,
	}
	if err := s.repo.CreateGoal(ctx, goal); err != nil {
		slog.Error("cron goal submission failed", "title", tmpl.Title, "error", err)
		return
	}
	if s.events != nil {
		s.events.Emit(domain.NewEvent(s.now(), domain.EventGoalCreated, map[string]any{
			"goalId": goal.ID, "title": goal.Title, "scheduled": true,
		}))
	}
	slog.Info("cron goal submitted", "goal_id", goal.ID, "title", goal.Title)
	if s.scheduler != nil {
		s.scheduler.Start(context.Background())
		s.scheduler.Nudge()
	}
}
