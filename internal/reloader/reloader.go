// Package reloader implements spec.md sections 4.7 (Module Reloader) and
// 4.8 (Module Watcher), scoped down for a compiled language: rather than
// patching live objects in a running interpreter (what
// _examples/original_source/marimo/_runtime/reload/autoreload.py and
// module_watcher.py do for Python), this package detects that a file a
// cell's imports resolve to has changed on disk and marks the cells that
// depend on it stale, exactly the signal module_watcher.py's watch_modules
// loop produces before handing off to the kernel ("mark cells stale, then
// optionally auto-run them") -- see SPEC_FULL.md section 3.
package reloader

import (
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cache"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/graph"
)

// PollInterval is the ground-truth polling cadence, matching
// module_watcher.py's watch_modules "time.sleep(1)".
const PollInterval = time.Second

// Resolver maps one of a cell's imports to the on-disk file it should be
// watched for, or ok=false if import doesn't resolve to a local, watchable
// file (e.g. it's a standard-library or third-party import -- the Go
// analogue of module_watcher.py's _is_third_party_module check, which
// excludes site-packages modules from dependency analysis).
type Resolver func(imp analyzer.ImportData) (path string, ok bool)

// snapshot is the gob-serializable state persisted across kernel restarts
// by cache.Storage (per DESIGN.md's reloader notes, repurposing the teacher's
// cache package as the reloader's mtime/failure bookkeeping store).
type snapshot struct {
	Mtimes          map[string]time.Time
	FailedFilenames map[string]bool
}

// Reloader tracks per-file modification times and reports which watched
// files have changed since the last Check -- the Go analogue of
// autoreload.py's ModuleReloader.check (minus the actual object-patching
// half, which has no Go equivalent).
type Reloader struct {
	mu       sync.Mutex
	mtimes   map[string]time.Time
	failed   map[string]bool
	storage  *cache.Storage
	cacheKey string
}

// New returns a Reloader. If storage is non-nil, state is loaded from (and
// persisted to) storage under cacheKey so a restarted kernel doesn't
// immediately re-flag every watched file as "changed" and doesn't retry
// files previously found unreadable (module_watcher.py's failed_filenames
// sticky blacklist).
func New(storage *cache.Storage, cacheKey string) *Reloader {
	r := &Reloader{
		mtimes:   make(map[string]time.Time),
		failed:   make(map[string]bool),
		storage:  storage,
		cacheKey: cacheKey,
	}
	r.load()
	return r
}

func (r *Reloader) load() {
	if r.storage == nil || r.cacheKey == "" {
		return
	}
	rd, err := r.storage.Reader(r.cacheKey)
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(2).Infof("reloader: no persisted state: %v", err)
		}
		return
	}
	var snap snapshot
	if err := gob.NewDecoder(rd).Decode(&snap); err != nil {
		klog.Warningf("reloader: failed to decode persisted state: %v", err)
		return
	}
	if snap.Mtimes != nil {
		r.mtimes = snap.Mtimes
	}
	if snap.FailedFilenames != nil {
		for f := range snap.FailedFilenames {
			r.failed[f] = true
		}
	}
}

func (r *Reloader) persist() {
	if r.storage == nil || r.cacheKey == "" {
		return
	}
	if err := r.storage.Save(r.cacheKey, snapshot{Mtimes: r.mtimes, FailedFilenames: r.failed}); err != nil {
		klog.V(2).Infof("reloader: failed to persist state: %v", err)
	}
}

// Check stats every path, marking first-seen paths as a baseline (not
// stale -- mirrors autoreload.py's "record, don't report, on first sight")
// and returning every path whose mtime advanced since. A path whose stat
// fails (e.g. deleted mid-session) is not returned; it becomes sticky-failed
// and is skipped on every subsequent call, same as failed_filenames.
func (r *Reloader) Check(paths []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for _, p := range paths {
		if r.failed[p] {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			r.failed[p] = true
			continue
		}
		mtime := info.ModTime()
		prev, seen := r.mtimes[p]
		r.mtimes[p] = mtime
		if seen && mtime.After(prev) {
			changed = append(changed, p)
		}
	}
	r.persist()
	return changed
}

// Watcher drives the periodic + fsnotify-nudged check over every cell's
// resolved import files, translating stale files into stale cells via the
// graph's transitive closure, per module_watcher.py's watch_modules.
type Watcher struct {
	graph    *graph.DirectedGraph
	resolver Resolver
	reloader *Reloader
	onStale  func(common.Set[cellid.CellId])
	autorun  bool

	fsw *fsnotify.Watcher

	stop    chan struct{}
	stopped chan struct{}

	mu             sync.Mutex
	watchedPaths   common.Set[string]
	runIsProcessed bool
	cond           *sync.Cond

	pollInterval time.Duration
}

// SetPollInterval overrides PollInterval for this watcher, letting
// KernelConfig.WatcherPollInterval reach the watcher loop without changing
// the pinned default ground truth. A zero or negative d restores the
// package default.
func (w *Watcher) SetPollInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollInterval = d
}

func (w *Watcher) effectivePollInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pollInterval <= 0 {
		return PollInterval
	}
	return w.pollInterval
}

// NewWatcher builds a Watcher. onStale is invoked with the set of cells
// whose watched imports changed (already expanded through
// graph.ImportBlockRelatives, same as module_watcher.py's
// dataflow.transitive_closure call). If autorun is true, each poll that
// calls onStale makes the next poll wait for MarkRunProcessed; the kernel
// loop's onStale enqueues an ExecuteStale request and marks the run
// processed once it completes. The Watcher itself does not construct
// runner invocations (that stays the kernel loop's job, consistent with
// the rest of this package boundary).
func NewWatcher(g *graph.DirectedGraph, resolver Resolver, reloader *Reloader, onStale func(common.Set[cellid.CellId]), autorun bool) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		graph:          g,
		resolver:       resolver,
		reloader:       reloader,
		onStale:        onStale,
		autorun:        autorun,
		fsw:            fsw,
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
		watchedPaths:   common.MakeSet[string](),
		runIsProcessed: true,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// MarkRunProcessed signals the watcher that a previously enqueued
// ExecuteStale request has completed, unblocking the next poll-triggered
// autorun (mirrors run_is_processed.set() in watch_modules).
func (w *Watcher) MarkRunProcessed() {
	w.mu.Lock()
	w.runIsProcessed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

func (w *Watcher) waitForRunProcessed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.runIsProcessed {
		w.cond.Wait()
	}
}

// Run blocks, polling every PollInterval (and immediately after any
// fsnotify event) until Stop is called.
func (w *Watcher) Run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.effectivePollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.pollOnce()
			}
		case err, ok := <-w.fsw.Errors:
			if ok {
				klog.Warningf("reloader: fsnotify error: %v", err)
			}
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// Stop terminates Run and closes the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.stopped
	w.fsw.Close()
}

// pollOnce implements one iteration of watch_modules's loop body: wait for
// the previous autorun to drain, collect the modules (here: resolved
// files) each cell imports, check them, and if any changed, mark the
// transitively-dependent cells stale and (if autorun) hand off to the
// kernel.
func (w *Watcher) pollOnce() {
	w.waitForRunProcessed()

	pathToCells := make(map[string]common.Set[cellid.CellId])
	for _, id := range w.graph.CellIds() {
		cell := w.graph.Cell(id)
		if cell == nil {
			continue
		}
		for _, imp := range cell.Impl.Imports {
			path, ok := w.resolver(imp)
			if !ok {
				continue
			}
			if _, exists := pathToCells[path]; !exists {
				pathToCells[path] = common.MakeSet[cellid.CellId]()
				w.trackPath(path)
			}
			pathToCells[path].Insert(id)
		}
	}

	paths := make([]string, 0, len(pathToCells))
	for p := range pathToCells {
		paths = append(paths, p)
	}
	changed := w.reloader.Check(paths)
	if len(changed) == 0 {
		return
	}

	roots := common.MakeSet[cellid.CellId]()
	for _, p := range changed {
		roots = roots.Union(pathToCells[p])
	}
	staleCells := w.graph.TransitiveClosure(roots, graph.ImportBlockRelatives, true, nil)

	// Lower the flag before onStale hands off, so a rerun that completes
	// (and calls MarkRunProcessed) before onStale returns is not lost.
	if w.autorun {
		w.mu.Lock()
		w.runIsProcessed = false
		w.mu.Unlock()
	}
	if w.onStale != nil {
		w.onStale(staleCells)
	}
}

// trackPath starts an fsnotify watch on the file at path itself, once per
// path. An event on it only triggers a poll; pollOnce's mtime check decides
// which files actually changed.
func (w *Watcher) trackPath(path string) {
	if w.watchedPaths.Has(path) {
		return
	}
	w.watchedPaths.Insert(path)
	if err := w.fsw.Add(path); err != nil {
		klog.V(3).Infof("reloader: could not watch %q: %v", path, err)
	}
}
