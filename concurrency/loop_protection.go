package concurrency

import (
	"slices"
	"sync"
	"time"

	"github.com/ByteMirror/swarm/log"
)

const defaultLoopKey = "default"

// LoopProtectionConfig bounds how often one operation may run per window.
type LoopProtectionConfig struct {
	// MaxIterations is the number of attempts allowed per window (default: 10).
	MaxIterations int
	// TimeWindow is the window length (default: 60s).
	TimeWindow time.Duration
	// OnTriggered is called, outside the lock, each time an attempt is blocked.
	OnTriggered func(key string, count int)
}

// DefaultLoopProtectionConfig returns the default limits.
func DefaultLoopProtectionConfig() LoopProtectionConfig {
	return LoopProtectionConfig{
		MaxIterations: 10,
		TimeWindow:    60 * time.Second,
	}
}

type loopWindow struct {
	count int
	start time.Time
}

// LoopProtection counts attempts per key inside a fixed window and blocks
// keys that exceed the limit until the window expires. It rate-limits; a
// blocked key is allowed again once its window has passed.
type LoopProtection struct {
	name   string
	config LoopProtectionConfig
	now    func() time.Time
	warn   *log.Every

	mu      sync.Mutex
	windows map[string]*loopWindow
}

// NewLoopProtection creates a tracker named for log output.
func NewLoopProtection(name string, config LoopProtectionConfig) *LoopProtection {
	defaults := DefaultLoopProtectionConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.TimeWindow <= 0 {
		config.TimeWindow = defaults.TimeWindow
	}
	return &LoopProtection{
		name:    name,
		config:  config,
		now:     time.Now,
		warn:    log.NewEvery(10 * time.Second),
		windows: make(map[string]*loopWindow),
	}
}

func loopKey(key string) string {
	if key == "" {
		return defaultLoopKey
	}
	return key
}

// RecordAttempt counts an attempt for key and reports whether it may proceed.
func (lp *LoopProtection) RecordAttempt(key string) bool {
	key = loopKey(key)

	lp.mu.Lock()
	now := lp.now()
	w, ok := lp.windows[key]
	if !ok {
		w = &loopWindow{start: now}
		lp.windows[key] = w
	}
	if now.Sub(w.start) > lp.config.TimeWindow {
		w.count = 0
		w.start = now
	}
	if w.count >= lp.config.MaxIterations {
		count := w.count
		lp.mu.Unlock()

		if lp.warn.ShouldLog() {
			log.WarningLog.Printf("loop protection %s: %q blocked after %d attempts in %v, possible loop",
				lp.name, key, count, lp.config.TimeWindow)
		}
		lp.trigger(key, count)
		return false
	}
	w.count++
	lp.mu.Unlock()
	return true
}

func (lp *LoopProtection) trigger(key string, count int) {
	if lp.config.OnTriggered == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("loop protection %s: trigger callback panicked: %v", lp.name, r)
		}
	}()
	lp.config.OnTriggered(key, count)
}

// CanProceed reports whether RecordAttempt would allow key, without counting.
func (lp *LoopProtection) CanProceed(key string) bool {
	key = loopKey(key)

	lp.mu.Lock()
	defer lp.mu.Unlock()

	w, ok := lp.windows[key]
	if !ok {
		return true
	}
	if lp.now().Sub(w.start) > lp.config.TimeWindow {
		return true
	}
	return w.count < lp.config.MaxIterations
}

// Reset forgets key.
func (lp *LoopProtection) Reset(key string) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	delete(lp.windows, loopKey(key))
}

// ResetAll forgets every key.
func (lp *LoopProtection) ResetAll() {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.windows = make(map[string]*loopWindow)
}

// IterationCount returns the attempts counted for key in its current window.
func (lp *LoopProtection) IterationCount(key string) int {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	w, ok := lp.windows[loopKey(key)]
	if !ok {
		return 0
	}
	return w.count
}

// TrackedOperations returns the tracked keys in sorted order.
func (lp *LoopProtection) TrackedOperations() []string {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	keys := make([]string, 0, len(lp.windows))
	for k := range lp.windows {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
