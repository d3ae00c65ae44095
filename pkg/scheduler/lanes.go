// Package scheduler drives all active Goals to a terminal state: a
// single-threaded cooperative tick loop that resolves ready WorkItems,
// reserves Lane capacity, dispatches Runs to the execution engine, and
// routes completions through verification, retry, and escalation.
package scheduler

import (
	"sync"

	"github.com/codeready-toolchain/orchestratorcore/pkg/config"
	"github.com/codeready-toolchain/orchestratorcore/pkg/domain"
)

// laneOrder fixes the iteration order for construction and snapshots.
var laneOrder = []domain.LaneID{domain.LaneMain, domain.LaneSubagent, domain.LaneCron, domain.LaneSession}

// Lanes is the registry of concurrency partitions. Counters are mutated
// only by the scheduler goroutine; the mutex exists for stats readers.
type Lanes struct {
	mu    sync.Mutex
	lanes map[domain.LaneID]*domain.Lane
}

// NewLanes builds the four fixed lanes, applying config overrides on top
// of the defaults (main=1, subagent=3, cron=1, session=1).
func NewLanes(overrides map[string]config.LaneConfig) *Lanes {
	l := &Lanes{lanes: make(map[domain.LaneID]*domain.Lane, len(laneOrder))}
	for _, id := range laneOrder {
		max := domain.DefaultMaxConcurrency(id)
		if o, ok := overrides[string(id)]; ok && o.MaxConcurrency > 0 {
			max = o.MaxConcurrency
		}
		l.lanes[id] = &domain.Lane{
			ID:             id,
			DisplayName:    string(id),
			MaxConcurrency: max,
		}
	}
	return l
}

// HasCapacity reports whether the lane has a free slot.
func (l *Lanes) HasCapacity(id domain.LaneID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[id]
	return ok && lane.Available()
}

// Reserve takes a slot on the lane, returning false when it is full.
func (l *Lanes) Reserve(id domain.LaneID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lane, ok := l.lanes[id]
	if !ok || !lane.Available() {
		return false
	}
	lane.ActiveCount++
	return true
}

// Release frees a previously reserved slot.
func (l *Lanes) Release(id domain.LaneID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lane, ok := l.lanes[id]; ok && lane.ActiveCount > 0 {
		lane.ActiveCount--
	}
}

// SetQueued records how many ready items are waiting on the lane, for
// stats only.
func (l *Lanes) SetQueued(id domain.LaneID, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lane, ok := l.lanes[id]; ok {
		lane.QueuedCount = n
	}
}

// Restore seeds active counts from outstanding in-progress work after a
// restart, clamped to each lane's maximum.
func (l *Lanes) Restore(counts map[domain.LaneID]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range counts {
		lane, ok := l.lanes[id]
		if !ok {
			continue
		}
		if n > lane.MaxConcurrency {
			n = lane.MaxConcurrency
		}
		lane.ActiveCount = n
	}
}

// Snapshot returns a copy of every lane in fixed order.
func (l *Lanes) Snapshot() []domain.Lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Lane, 0, len(laneOrder))
	for _, id := range laneOrder {
		out = append(out, *l.lanes[id])
	}
	return out
}

// SelectLane applies the dispatch policy, first match wins: an explicit
// context.lane override, interactive work and XL efforts go to session,
// scheduled work to cron, small dependency-free items to subagent,
// everything else to main.
func SelectLane(item *domain.WorkItem) domain.LaneID {
	if override := item.ContextString("lane"); override != "" {
		switch domain.LaneID(override) {
		case domain.LaneMain, domain.LaneSubagent, domain.LaneCron, domain.LaneSession:
			return domain.LaneID(override)
		}
	}
	if item.ContextBool("interactive") {
		return domain.LaneSession
	}
	if item.EstimatedEffort == domain.EffortExtraLarge {
		return domain.LaneSession
	}
	if item.ContextBool("scheduled") {
		return domain.LaneCron
	}
	if item.EstimatedEffort == domain.EffortSmall && len(item.Dependencies) == 0 {
		return domain.LaneSubagent
	}
	return domain.LaneMain
}

// ReserveWithFallback reserves the preferred lane, falling back to main
// when the preferred lane is saturated. It returns the lane actually
// reserved, or "" if neither had capacity.
func (l *Lanes) ReserveWithFallback(preferred domain.LaneID) domain.LaneID {
	if l.Reserve(preferred) {
		return preferred
	}
	if preferred != domain.LaneMain && l.Reserve(domain.LaneMain) {
		return domain.LaneMain
	}
	return ""
}
