package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"
	"github.com/ByteMirror/swarm/plansync"
)

// PhaseBoundary is the payload of phase.boundary.detected events.
type PhaseBoundary struct {
	Directory string
	PlanID    string
	FromPhase string
	ToPhase   string
}

// NewPlanSync builds a plan sync worker for directory and attaches it to the
// manager, which starts and stops it with everything else. Timings come from
// the automation config unless cfg sets them. It fails with
// ErrCapabilityDisabled when plan_sync is off.
//
// Each successful sync that moves the plan's active phase publishes a
// phase.boundary.detected event.
func NewPlanSync(m *Manager, cfg plansync.Config) (*plansync.Worker, error) {
	if !m.HasCapability(config.CapabilityPlanSync) {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDisabled, config.CapabilityPlanSync)
	}

	ps := m.cfg.Automation.PlanSync
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Duration(ps.DebounceMs) * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Duration(ps.PollIntervalMs) * time.Millisecond
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = time.Duration(ps.SyncTimeoutMs) * time.Millisecond
	}
	if cfg.SubDir == "" {
		cfg.SubDir = plansync.DefaultSubDir
	}
	if cfg.FileName == "" {
		cfg.FileName = plansync.DefaultFileName
	}
	if cfg.Sync == nil {
		cfg.Sync = plansync.FileSync(cfg.SubDir, cfg.FileName)
	}
	cfg.Bus = m.bus

	var worker *plansync.Worker
	tracker := &phaseTracker{}
	userCallback := cfg.OnSyncComplete
	cfg.OnSyncComplete = func(ok bool, err error) {
		if ok {
			tracker.observe(m.bus, cfg.Directory, worker.LastPlan())
		}
		if userCallback != nil {
			userCallback(ok, err)
		}
	}

	w, err := plansync.NewWorker(cfg)
	if err != nil {
		return nil, err
	}
	worker = w
	m.addPlanSync(w)
	return w, nil
}

// phaseTracker remembers the last active phase seen for one plan file.
type phaseTracker struct {
	mu     sync.Mutex
	seen   bool
	planID string
	phase  string
}

func (t *phaseTracker) observe(bus *concurrency.EventBus, directory string, plan *plansync.Plan) {
	if plan == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	current := ""
	if active := plan.ActivePhase(); active != nil {
		current = active.ID
	}

	if t.seen && t.planID == plan.ID && t.phase != current {
		boundary := PhaseBoundary{
			Directory: directory,
			PlanID:    plan.ID,
			FromPhase: t.phase,
			ToPhase:   current,
		}
		log.InfoLog.Printf("automation: plan %s moved from phase %q to %q", plan.ID, t.phase, current)
		bus.Publish(context.Background(), concurrency.EventPhaseBoundaryDetected, boundary, "plansync")
	}
	t.seen = true
	t.planID = plan.ID
	t.phase = current
}
