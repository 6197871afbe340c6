package automation

import (
	"slices"
	"strings"

	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/plansync"
)

// LoopSnapshot lists the attempt counts of one loop guard.
type LoopSnapshot struct {
	Name   string         `json:"name"`
	Counts map[string]int `json:"counts"`
}

// PlanSyncSnapshot describes one plan sync worker.
type PlanSyncSnapshot struct {
	Path      string             `json:"path"`
	Status    plansync.Status    `json:"status"`
	State     plansync.SyncState `json:"state"`
	WatchMode plansync.WatchMode `json:"watch_mode"`
	Stats     plansync.Stats     `json:"stats"`
}

// Snapshot is a point-in-time report of the whole manager.
type Snapshot struct {
	Status       Status                            `json:"status"`
	Mode         string                            `json:"mode"`
	Capabilities []string                          `json:"capabilities"`
	Queues       []concurrency.QueueStats          `json:"queues"`
	Workers      []concurrency.WorkerStats         `json:"workers"`
	Breakers     []concurrency.CircuitBreakerStats `json:"breakers"`
	Loops        []LoopSnapshot                    `json:"loops"`
	PlanSyncs    []PlanSyncSnapshot                `json:"plan_syncs"`
	Bus          concurrency.EventBusStats         `json:"bus"`
}

// Snapshot collects stats from every registered component.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	queues := make([]registeredQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	breakers := make([]*concurrency.CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	loopNames := make([]string, 0, len(m.loops))
	loops := make(map[string]*concurrency.LoopProtection, len(m.loops))
	for name, lp := range m.loops {
		loopNames = append(loopNames, name)
		loops[name] = lp
	}
	syncs := slices.Clone(m.planSyncs)
	m.mu.Unlock()

	snap := Snapshot{
		Status:  m.Status(),
		Mode:    string(m.cfg.Automation.Mode),
		Workers: m.workers.AllStats(),
		Bus:     m.bus.Stats(),
	}

	for name, on := range m.cfg.Automation.Capabilities {
		if on {
			snap.Capabilities = append(snap.Capabilities, name)
		}
	}
	slices.Sort(snap.Capabilities)

	for _, q := range queues {
		snap.Queues = append(snap.Queues, q.Stats())
	}
	slices.SortFunc(snap.Queues, func(a, b concurrency.QueueStats) int { return strings.Compare(a.Name, b.Name) })

	for _, cb := range breakers {
		// State first so an expired open breaker is reported as half-open.
		cb.State()
		snap.Breakers = append(snap.Breakers, cb.Stats())
	}
	slices.SortFunc(snap.Breakers, func(a, b concurrency.CircuitBreakerStats) int { return strings.Compare(a.Name, b.Name) })

	slices.Sort(loopNames)
	for _, name := range loopNames {
		lp := loops[name]
		counts := make(map[string]int)
		for _, key := range lp.TrackedOperations() {
			counts[key] = lp.IterationCount(key)
		}
		snap.Loops = append(snap.Loops, LoopSnapshot{Name: name, Counts: counts})
	}

	for _, w := range syncs {
		snap.PlanSyncs = append(snap.PlanSyncs, PlanSyncSnapshot{
			Path:      w.Path(),
			Status:    w.Status(),
			State:     w.SyncState(),
			WatchMode: w.WatchMode(),
			Stats:     w.Stats(),
		})
	}
	return snap
}
