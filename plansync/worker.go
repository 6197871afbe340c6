// Package plansync watches a project's plan file and keeps it synchronised
// through a debounced, single-flight sync with a timeout guard.
package plansync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/log"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrSyncTimeout is reported when the sync operation outlives SyncTimeout.
	ErrSyncTimeout = errors.New("plan sync timed out")
	// ErrNotRunning is returned by SyncNow when the worker is not running.
	ErrNotRunning = errors.New("plan sync worker is not running")
	// ErrSyncCoalesced is returned by SyncNow when a sync is already in flight.
	// One follow-up run has been scheduled instead.
	ErrSyncCoalesced = errors.New("plan sync already in progress, follow-up scheduled")
)

const (
	DefaultSubDir   = ".swarm"
	DefaultFileName = "plan.json"
)

var tracer = otel.Tracer("github.com/ByteMirror/swarm/plansync")

// SyncFunc loads or synchronises the plan for directory. A nil plan with a
// nil error means there is no plan.
type SyncFunc func(ctx context.Context, directory string) (*Plan, error)

// Status is the worker lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// SyncState is where the worker is in its debounce/sync cycle.
type SyncState string

const (
	StateIdle          SyncState = "idle"
	StateDebouncing    SyncState = "debouncing"
	StateSyncing       SyncState = "syncing"
	StatePendingResync SyncState = "pending-resync"
)

// WatchMode is how changes to the plan file are detected.
type WatchMode string

const (
	WatchNone    WatchMode = "none"
	WatchNative  WatchMode = "native"
	WatchPolling WatchMode = "polling"
)

// Config configures a Worker.
type Config struct {
	// Directory is the project root. The watched file is Directory/SubDir/FileName.
	Directory string
	// SubDir holds the plan file (default: ".swarm").
	SubDir string
	// FileName is the plan file name (default: "plan.json").
	FileName string
	// Debounce is the quiet period before a sync runs (default: 300ms).
	Debounce time.Duration
	// PollInterval is the fingerprint check interval in polling mode (default: 2s).
	PollInterval time.Duration
	// SyncTimeout bounds each sync (default: 30s).
	SyncTimeout time.Duration
	// Sync performs the sync. Required.
	Sync SyncFunc
	// OnSyncComplete is told the outcome of every sync attempt while running.
	OnSyncComplete func(ok bool, err error)
	// Bus receives plan.sync.* events. Optional.
	Bus *concurrency.EventBus
}

// Stats counts what the worker has done since it was created.
type Stats struct {
	Changes      int64         `json:"changes"`
	Syncs        int64         `json:"syncs"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	Timeouts     int64         `json:"timeouts"`
	LateResults  int64         `json:"late_results"`
	Coalesced    int64         `json:"coalesced"`
	LastSyncAt   time.Time     `json:"last_sync_at"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// SyncEvent is the payload of plan.sync.* events.
type SyncEvent struct {
	Directory string
	Duration  time.Duration
	TimedOut  bool
	Error     string
}

// Worker watches one plan file and keeps it synchronised. Bursts of changes
// are debounced into one sync, at most one sync runs at a time, and changes
// arriving during a sync collapse into a single follow-up run.
type Worker struct {
	config Config
	dir    string
	path   string

	// opMu serialises Start, Stop and Dispose.
	opMu sync.Mutex

	mu       sync.Mutex
	status   Status
	disposed bool
	mode     WatchMode

	// timer is the one debounce timer. gen invalidates callbacks from timers
	// that have been replaced or cleared.
	timer *time.Timer
	gen   uint64

	syncing bool
	pending bool

	stop    chan struct{}
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	stats    Stats
	lastPlan *Plan
}

// NewWorker validates config and applies defaults. The worker starts stopped.
func NewWorker(config Config) (*Worker, error) {
	if config.Directory == "" {
		return nil, fmt.Errorf("plan sync: directory is required")
	}
	if config.Sync == nil {
		return nil, fmt.Errorf("plan sync: sync function is required")
	}
	if config.SubDir == "" {
		config.SubDir = DefaultSubDir
	}
	if config.FileName == "" {
		config.FileName = DefaultFileName
	}
	if config.Debounce <= 0 {
		config.Debounce = 300 * time.Millisecond
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 30 * time.Second
	}

	dir := filepath.Join(config.Directory, config.SubDir)
	return &Worker{
		config: config,
		dir:    dir,
		path:   filepath.Join(dir, config.FileName),
		status: StatusStopped,
		mode:   WatchNone,
	}, nil
}

// Start begins watching. It is a no-op unless the worker is stopped, and
// always a no-op after Dispose.
func (w *Worker) Start() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	if w.disposed || w.status != StatusStopped {
		w.mu.Unlock()
		return
	}
	w.status = StatusStarting
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	mode := w.startWatching(stop)

	w.mu.Lock()
	w.mode = mode
	w.status = StatusRunning
	w.mu.Unlock()

	log.InfoLog.Printf("plan sync: watching %s (%s)", w.path, mode)
}

// startWatching prefers a native watcher on the plan directory and falls
// back to polling when the directory is missing or the watcher cannot be set up.
func (w *Worker) startWatching(stop chan struct{}) WatchMode {
	if info, err := os.Stat(w.dir); err == nil && info.IsDir() {
		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			if err = watcher.Add(w.dir); err == nil {
				w.mu.Lock()
				w.watcher = watcher
				w.mu.Unlock()

				w.wg.Add(1)
				go w.watchLoop(watcher, stop)
				return WatchNative
			}
			watcher.Close()
		}
		log.WarningLog.Printf("plan sync: native watcher unavailable for %s, polling instead: %v", w.dir, err)
	}

	last := w.fingerprint()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollLoop(stop, last)
	}()
	return WatchPolling
}

func (w *Worker) watchLoop(watcher *fsnotify.Watcher, stop chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				w.fallBackToPolling(stop, nil)
				return
			}
			// The watch dies with the directory; a recreated directory is
			// only seen by polling.
			if filepath.Clean(event.Name) == w.dir && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.notifyChange()
				w.fallBackToPolling(stop, watcher)
				return
			}
			if filepath.Base(event.Name) != w.config.FileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.notifyChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				w.fallBackToPolling(stop, nil)
				return
			}
			log.WarningLog.Printf("plan sync: watcher error: %v", err)
		}
	}
}

// fallBackToPolling takes over in the watcher goroutine when the native
// watcher goes away while the worker is still running. A non-nil watcher is
// closed here.
func (w *Worker) fallBackToPolling(stop chan struct{}, watcher *fsnotify.Watcher) {
	w.mu.Lock()
	if w.status != StatusRunning && w.status != StatusStarting {
		w.mu.Unlock()
		return
	}
	w.mode = WatchPolling
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.WarningLog.Printf("plan sync: closing watcher: %v", err)
		}
	}

	log.WarningLog.Printf("plan sync: native watch on %s lost, polling %s", w.dir, w.path)
	w.pollLoop(stop, w.fingerprint())
}

type fingerprint struct {
	exists  bool
	modTime time.Time
	size    int64
}

func (w *Worker) fingerprint() fingerprint {
	info, err := os.Stat(w.path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{exists: true, modTime: info.ModTime(), size: info.Size()}
}

func (w *Worker) pollLoop(stop chan struct{}, last fingerprint) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := w.fingerprint()
			if current != last {
				last = current
				w.notifyChange()
			}
		}
	}
}

func (w *Worker) notifyChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusRunning {
		return
	}
	w.stats.Changes++
	w.armLocked()
}

// RequestSync schedules a sync through the debounce, as if the file changed.
func (w *Worker) RequestSync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusRunning {
		return
	}
	w.armLocked()
}

// armLocked (re)starts the debounce timer.
func (w *Worker) armLocked() {
	w.clearTimerLocked()
	gen := w.gen
	w.timer = time.AfterFunc(w.config.Debounce, func() { w.fire(gen) })
}

// clearTimerLocked stops the debounce timer and invalidates any callback
// already on its way.
func (w *Worker) clearTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Worker) fire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.status != StatusRunning {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	if w.syncing {
		w.pending = true
		w.stats.Coalesced++
		w.mu.Unlock()
		return
	}
	w.syncing = true
	w.mu.Unlock()

	w.run(context.Background())
}

// SyncNow runs a sync immediately, skipping the debounce, and returns its
// error. A pending debounce is absorbed. If a sync is already running one
// follow-up is scheduled and ErrSyncCoalesced is returned.
func (w *Worker) SyncNow(ctx context.Context) error {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.clearTimerLocked()
	if w.syncing {
		w.pending = true
		w.stats.Coalesced++
		w.mu.Unlock()
		return ErrSyncCoalesced
	}
	w.syncing = true
	w.mu.Unlock()

	return w.run(ctx)
}

// run executes syncs until no follow-up is pending. The caller has set
// syncing. It returns the error of the first sync.
func (w *Worker) run(ctx context.Context) error {
	first := true
	var firstErr error
	for {
		err := w.syncOnce(ctx)
		if first {
			firstErr, first = err, false
		}

		w.mu.Lock()
		if w.pending && w.status == StatusRunning {
			w.pending = false
			w.mu.Unlock()
			// Follow-up runs are not tied to the caller that started the first.
			ctx = context.Background()
			continue
		}
		w.pending = false
		w.syncing = false
		w.mu.Unlock()
		return firstErr
	}
}

type syncResult struct {
	plan *Plan
	err  error
}

// syncOnce runs the sync under the timeout guard and reports the outcome.
func (w *Worker) syncOnce(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "plansync.sync")
	span.SetAttributes(attribute.String("plan.path", w.path))
	defer span.End()

	start := time.Now()
	syncCtx, cancel := context.WithTimeout(ctx, w.config.SyncTimeout)
	defer cancel()

	done := make(chan syncResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.ErrorLog.Printf("plan sync: sync panicked: %v\n%s", r, debug.Stack())
				done <- syncResult{err: fmt.Errorf("plan sync panicked: %v", r)}
			}
		}()
		plan, err := w.config.Sync(syncCtx, w.config.Directory)
		done <- syncResult{plan: plan, err: err}
	}()

	timer := time.NewTimer(w.config.SyncTimeout)
	defer timer.Stop()

	var result syncResult
	timedOut := false
	select {
	case result = <-done:
		// A sync that honours syncCtx can report its deadline before the timer fires.
		if errors.Is(result.err, context.DeadlineExceeded) && ctx.Err() == nil && syncCtx.Err() != nil {
			timedOut = true
			result = syncResult{err: fmt.Errorf("%w after %v", ErrSyncTimeout, w.config.SyncTimeout)}
		}
	case <-timer.C:
		timedOut = true
		result.err = fmt.Errorf("%w after %v", ErrSyncTimeout, w.config.SyncTimeout)
		go w.discardLate(done)
	case <-ctx.Done():
		result.err = ctx.Err()
		go w.discardLate(done)
	}

	duration := time.Since(start)
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}

	w.mu.Lock()
	w.stats.Syncs++
	w.stats.LastSyncAt = start
	w.stats.LastDuration = duration
	if result.err == nil {
		w.stats.Successes++
		w.stats.LastError = ""
		w.lastPlan = result.plan
	} else {
		w.stats.Failures++
		w.stats.LastError = result.err.Error()
		if timedOut {
			w.stats.Timeouts++
		}
	}
	running := w.status == StatusRunning
	w.mu.Unlock()

	if result.err != nil {
		log.WarningLog.Printf("plan sync: %s failed after %v: %v", w.path, duration, result.err)
	} else {
		log.DebugLog.Printf("plan sync: %s synced in %v", w.path, duration)
	}

	if !running {
		return result.err
	}

	evt := SyncEvent{Directory: w.config.Directory, Duration: duration, TimedOut: timedOut}
	eventType := concurrency.EventPlanSyncCompleted
	if result.err != nil {
		evt.Error = result.err.Error()
		eventType = concurrency.EventPlanSyncFailed
	}
	w.config.Bus.Publish(context.Background(), eventType, evt, "plansync")
	w.complete(result.err)
	return result.err
}

// discardLate drains an abandoned sync. Its result never reaches the
// callback or the last known plan.
func (w *Worker) discardLate(done <-chan syncResult) {
	r := <-done
	w.mu.Lock()
	w.stats.LateResults++
	w.mu.Unlock()
	log.InfoLog.Printf("plan sync: discarded late result for %s (err=%v)", w.path, r.err)
}

// complete invokes OnSyncComplete inside a recover boundary.
func (w *Worker) complete(err error) {
	if w.config.OnSyncComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.ErrorLog.Printf("plan sync: completion callback panicked: %v\n%s", r, debug.Stack())
		}
	}()
	w.config.OnSyncComplete(err == nil, err)
}

// Stop clears the debounce timer, closes the watcher and waits for the
// watch goroutine to exit. No callback fires once Stop has begun.
func (w *Worker) Stop() {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	w.stopLocked()
}

func (w *Worker) stopLocked() {
	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return
	}
	w.status = StatusStopping
	w.clearTimerLocked()
	w.pending = false
	close(w.stop)
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	w.status = StatusStopped
	w.mode = WatchNone
	w.mu.Unlock()

	log.InfoLog.Printf("plan sync: stopped watching %s", w.path)
}

// Dispose stops the worker for good. Later Start calls do nothing.
func (w *Worker) Dispose() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.stopLocked()
	w.mu.Lock()
	w.disposed = true
	w.mu.Unlock()
}

// Status returns the lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsRunning reports whether the worker is running.
func (w *Worker) IsRunning() bool {
	return w.Status() == StatusRunning
}

// IsDisposed reports whether Dispose has been called.
func (w *Worker) IsDisposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

// SyncState returns the position in the debounce/sync cycle.
func (w *Worker) SyncState() SyncState {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.syncing && w.pending:
		return StatePendingResync
	case w.syncing:
		return StateSyncing
	case w.timer != nil:
		return StateDebouncing
	default:
		return StateIdle
	}
}

// WatchMode returns how changes are currently detected.
func (w *Worker) WatchMode() WatchMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Stats returns a copy of the worker counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// LastPlan returns the plan from the most recent successful sync.
func (w *Worker) LastPlan() *Plan {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPlan
}

// Path returns the watched plan file.
func (w *Worker) Path() string {
	return w.path
}
