// Package reactivestate implements spec.md section 4.9: state objects
// created by one cell and referenced by others, where invoking a state's
// setter from inside a cell's execution schedules a follow-up run of every
// cell that refs that state object (by identity), subject to the
// five-condition test runner.Runner.ResolveStateUpdates already implements.
// This package owns the State value itself and the fixed-point driver loop
// that repeatedly constructs new Runners until no more state updates are
// produced or the runner is interrupted -- grounded on
// _examples/original_source/marimo/_runtime/runner/cell_runner.py's
// resolve_state_updates plus the kernel-level loop described in spec.md
// section 4.9's last paragraph ("iterate until fixed point or
// interruption").
package reactivestate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/runner"
)

var nextHandle uint64

// State is spec.md section 3's "State object": {value, allow_self_loops,
// last_setter_cell}, compared by identity. Identity here is the Handle
// assigned at construction (a Go value can't be compared by pointer once
// boxed into `any` the way expr's VM sees it, so we hand out a stable
// numeric handle instead and store it alongside the value).
type State struct {
	mu             sync.Mutex
	value          any
	allowSelfLoops bool
	handle         uint64
	lastSetterCell cellid.CellId
}

// New creates a state object with the given initial value.
func New(initial any, allowSelfLoops bool) *State {
	return &State{
		value:          initial,
		allowSelfLoops: allowSelfLoops,
		handle:         atomic.AddUint64(&nextHandle, 1),
	}
}

// Value returns the state's current value.
func (s *State) Value() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// AllowSelfLoops reports whether this state's setter is allowed to
// re-trigger the cell that called it.
func (s *State) AllowSelfLoops() bool {
	return s.allowSelfLoops
}

// LastSetterCell returns the id of the cell whose setter call most
// recently updated this state.
func (s *State) LastSetterCell() cellid.CellId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSetterCell
}

// identity returns the runner.StateIdentity for this state bound to the
// name refName (the name a consuming cell refs to read it).
func (s *State) identity(refName cellid.Name) runner.StateIdentity {
	return runner.StateIdentity{RefName: refName, Handle: s.handle}
}

// Setter returns a callable value suitable for binding into a cell's
// globals (e.g. globals["set_s"] = s.Setter(log, "s")) -- calling it sets
// the value and records the update in log, per spec.md section 4.9's
// "record state_updates[state] = current_cell_id". The setting cell itself
// is not an argument at the call site (a notebook cell writes plain
// `set_s(1)`, the embedded evaluator doesn't thread extra arguments into
// compiled calls) -- it is read from log.CurrentCell(), which a
// PreExecution hook sets before every cell runs (see SetCurrentCell).
func (s *State) Setter(log *UpdateLog, refName cellid.Name) func(value any) {
	return func(value any) {
		settingCell := log.CurrentCell()
		s.mu.Lock()
		s.value = value
		s.lastSetterCell = settingCell
		s.mu.Unlock()
		log.record(s, refName, settingCell)
	}
}

// pendingUpdate is one recorded state_updates[state] = setter_cell entry,
// keeping the *State around (not just its identity) so the fixed-point
// driver can consult AllowSelfLoops.
type pendingUpdate struct {
	state      *State
	refName    cellid.Name
	setterCell cellid.CellId
}

// UpdateLog accumulates state_updates during one runner invocation --
// spec.md section 4.9's "state_updates[state] = current_cell_id". A single
// log is shared by every State a runner invocation's cells create or set,
// and is drained once the runner's main queue finishes.
type UpdateLog struct {
	mu          sync.Mutex
	pending     map[runner.StateIdentity]pendingUpdate
	currentCell cellid.CellId
}

// NewUpdateLog returns an empty UpdateLog.
func NewUpdateLog() *UpdateLog {
	return &UpdateLog{pending: make(map[runner.StateIdentity]pendingUpdate)}
}

// SetCurrentCell records which cell is about to execute, so a setter called
// during that cell's run is attributed correctly. It is called from
// TrackingHook, which RunUntilFixedPoint adds as a PreExecution hook
// (runner.PriorityEarly) to every Runner it builds.
func (l *UpdateLog) SetCurrentCell(id cellid.CellId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentCell = id
}

// CurrentCell returns the cell most recently announced via SetCurrentCell.
func (l *UpdateLog) CurrentCell() cellid.CellId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentCell
}

// TrackingHook returns a runner.PreExecutionHook that announces each cell
// to SetCurrentCell as it is about to run. RunUntilFixedPoint registers it
// at runner.PriorityEarly after the default hooks, so the stable sort runs
// it after their own early-priority bookkeeping (order between the two
// doesn't matter since they touch disjoint state).
func (l *UpdateLog) TrackingHook() runner.PreExecutionHook {
	return func(cell *graph.Cell, _ *runner.PreExecutionHookContext) {
		l.SetCurrentCell(cell.Impl.CellId)
	}
}

func (l *UpdateLog) record(s *State, refName cellid.Name, setterCell cellid.CellId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[s.identity(refName)] = pendingUpdate{state: s, refName: refName, setterCell: setterCell}
}

// drain returns and clears every pending update.
func (l *UpdateLog) drain() map[runner.StateIdentity]pendingUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = make(map[runner.StateIdentity]pendingUpdate)
	return out
}

// Empty reports whether the log currently holds no pending updates.
func (l *UpdateLog) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0
}

// RunUntilFixedPoint drives spec.md section 4.9's iteration: run roots,
// drain the update log, resolve the follow-up root set via the just-
// finished Runner's ResolveStateUpdates, and repeat until the log is empty,
// the resolved set is empty, or a runner reports interrupted. It returns
// every Runner constructed, in order, so callers (the kernel loop) can
// inspect each invocation's outcome for broadcasting.
//
// Every Runner it constructs is wired with ctx (checked between a cell's
// statements so a SIGINT-derived cancellation surfaces as a per-cell
// Interrupted rather than only tearing down the whole kernel loop), console
// (forwarded from a cell's print() calls), and a StateFactory that binds
// state()'s getter/setter to this package's own State/Setter -- the actual
// implementation behind spec.md section 4.9's state objects.
func RunUntilFixedPoint(
	ctx context.Context,
	g *graph.DirectedGraph,
	globals map[string]any,
	mode runner.ExecutionMode,
	execType runner.ExecutionType,
	excluded common.Set[cellid.CellId],
	newHooks func() *runner.NotebookCellHooks,
	console runner.ConsoleSink,
	log *UpdateLog,
	roots common.Set[cellid.CellId],
) []*runner.Runner {
	newState := func(initial any, refName string, allowSelfLoops bool) (any, any) {
		s := New(initial, allowSelfLoops)
		getter := func() any { return s.Value() }
		setter := s.Setter(log, cellid.Name(refName))
		return getter, setter
	}

	var history []*runner.Runner
	currentRoots := roots
	for {
		h := newHooks()
		h.AddPreExecution(log.TrackingHook(), runner.PriorityEarly)
		r := runner.New(g, currentRoots, globals, mode, execType, excluded, h)
		r.Ctx = ctx
		r.NewState = newState
		r.Console = console
		r.RunAll()
		history = append(history, r)

		raw := log.drain()
		if len(raw) == 0 {
			return history
		}

		updates := make(map[runner.StateIdentity]cellid.CellId, len(raw))
		allowSelfLoop := make(map[runner.StateIdentity]bool, len(raw))
		for id, p := range raw {
			updates[id] = p.setterCell
			allowSelfLoop[id] = p.state.AllowSelfLoops()
		}
		refsOf := func(id cellid.CellId) common.Set[cellid.Name] {
			if cell := g.Cell(id); cell != nil {
				return cell.Impl.Refs
			}
			return common.MakeSet[cellid.Name]()
		}
		next := r.ResolveStateUpdates(updates, refsOf, func(id runner.StateIdentity) bool { return allowSelfLoop[id] })
		if len(next) == 0 {
			return history
		}
		currentRoots = next
	}
}
