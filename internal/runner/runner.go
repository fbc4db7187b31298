// Package runner implements the cell runner of spec.md section 4.3: given a
// root set of cells, it computes the frontier to run, executes cells in
// topological order, classifies exceptions, and propagates cancellation to
// descendants. It is grounded on
// _examples/original_source/marimo/_runtime/runner/cell_runner.py (the
// Python original this spec distills) combined with the teacher's
// execution plumbing in goexec/execcode.go, which already threads a single
// shared-state map (goexec.State) through sequential cell compiles the same
// way Runner threads a single globals map through sequential expr
// evaluations here.
package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/evaluator"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// StateFactory is evaluator.StateFactory re-exported so callers that need
// to wire a reactive-state backend (internal/reactivestate) only need to
// import this package, not evaluator directly.
type StateFactory = evaluator.StateFactory

// ConsoleSink receives a cell's print() output, tagged with the cell it
// came from -- unlike evaluator.ConsoleSink, which has no notion of cellid,
// this is the shape the kernel loop's console coalescing worker
// (internal/console.Worker) needs to route a Msg to the right buffer.
type ConsoleSink func(id cellid.CellId, data string)

// ExecutionMode selects whether descendants of a run set are eagerly
// re-run (spec.md section 4.3).
type ExecutionMode string

const (
	ModeAutorun ExecutionMode = "autorun"
	ModeLazy    ExecutionMode = "lazy"
)

// ExecutionType selects strict vs relaxed missing-ref handling (spec.md
// section 4.3/4.9's StrictExecutionError).
type ExecutionType string

const (
	TypeRelaxed ExecutionType = "relaxed"
	TypeStrict  ExecutionType = "strict"
)

// RunResult is the outcome of running a single cell (spec.md section 4.3).
type RunResult struct {
	Output            any
	AccumulatedOutput []protocol.CellOutput
	Exception         error
}

// Success reports whether the cell ran without error.
func (r RunResult) Success() bool { return r.Exception == nil }

// Interrupted is returned by Runner.Run when a cell is interrupted. It is
// the Go analogue of Python's reused KeyboardInterrupt
// (control_flow.py's MarimoInterrupt): Go has no equivalent asynchronous
// exception, so a long-running cell observes an interrupt via ctx.Err() on
// its context.Context rather than a signal handler.
type Interrupted struct{}

func (Interrupted) Error() string { return "interrupted" }

// Stopped is raised cooperatively (evaluator-level code calling a "stop"
// builtin, mirroring marimo.stop) to halt a cell and cancel its descendants
// without treating it as a failure.
type Stopped struct{ Output any }

func (Stopped) Error() string { return "stopped" }

// Runner runs a root set of cells against a shared DirectedGraph and
// globals map, per spec.md section 4.3.
type Runner struct {
	Graph         *graph.DirectedGraph
	Globals       map[string]any
	ExecutionMode ExecutionMode
	ExecutionType ExecutionType
	ExcludedCells common.Set[cellid.CellId]
	Hooks         *NotebookCellHooks

	// Ctx, if non-nil, is checked between a cell's statements; its
	// cancellation (e.g. main.go's SIGINT-derived context) is observed
	// mid-run as an Interrupted rather than tearing down the whole process.
	Ctx context.Context
	// NewState backs a cell's `get, set = state(initial)` statement. Left
	// nil, state() still works but with no fixed-point re-run scheduling
	// (see evaluator.defaultStateFactory); reactivestate wires the real
	// implementation in.
	NewState StateFactory
	// Console, if non-nil, receives a cell's print() output, in addition to
	// being recorded on the RunResult as AccumulatedOutput.
	Console ConsoleSink

	cellsToRun     []cellid.CellId
	runPosition    map[cellid.CellId]int
	cellsCancelled map[cellid.CellId]common.Set[cellid.CellId]
	exceptions     map[cellid.CellId]error
	interrupted    bool
	programs       map[cellid.CellId]*evaluator.Program
}

// New constructs a Runner and computes its initial cells_to_run, per
// spec.md section 4.3's "Determining cells_to_run".
func New(g *graph.DirectedGraph, roots common.Set[cellid.CellId], globals map[string]any, mode ExecutionMode, execType ExecutionType, excluded common.Set[cellid.CellId], hooks *NotebookCellHooks) *Runner {
	if excluded == nil {
		excluded = common.MakeSet[cellid.CellId]()
	}
	if hooks == nil {
		hooks = DefaultHooks()
	}
	r := &Runner{
		Graph:          g,
		Globals:        globals,
		ExecutionMode:  mode,
		ExecutionType:  execType,
		ExcludedCells:  excluded,
		Hooks:          hooks,
		cellsCancelled: make(map[cellid.CellId]common.Set[cellid.CellId]),
		exceptions:     make(map[cellid.CellId]error),
		programs:       make(map[cellid.CellId]*evaluator.Program),
	}
	r.cellsToRun = ComputeCellsToRun(g, roots, excluded, mode)
	r.runPosition = make(map[cellid.CellId]int, len(r.cellsToRun))
	for i, id := range r.cellsToRun {
		r.runPosition[id] = i
	}
	return r
}

// ComputeCellsToRun implements spec.md section 4.3's three-step recipe:
// roots plus stale ancestors; if autorun, plus descendants via
// import-block relatives; minus excluded; topologically sorted.
func ComputeCellsToRun(g *graph.DirectedGraph, roots common.Set[cellid.CellId], excluded common.Set[cellid.CellId], mode ExecutionMode) []cellid.CellId {
	staleAncestors := g.TransitiveClosure(roots, graph.Parents, false, func(id cellid.CellId) bool {
		cell := g.Cell(id)
		return cell != nil && cell.Stale
	})
	toRun := roots.Union(staleAncestors)

	if mode == ModeAutorun {
		toRun = g.TransitiveClosure(toRun, graph.ImportBlockRelatives, true, nil)
	}
	for id := range excluded {
		toRun.Remove(id)
	}
	sorted, err := g.TopologicalSort(toRun)
	if err != nil {
		// A cycle slipped into the run set: nothing in it is runnable,
		// report none rather than panicking the kernel loop.
		klog.Errorf("computing cells to run: %+v", err)
		return nil
	}
	return sorted
}

// Pending reports whether there are more cells to run.
func (r *Runner) Pending() bool {
	return !r.interrupted && len(r.cellsToRun) > 0
}

func (r *Runner) popCell() cellid.CellId {
	id := r.cellsToRun[0]
	r.cellsToRun = r.cellsToRun[1:]
	return id
}

// Cancel marks id and its not-yet-run transitive children as cancelled, per
// spec.md section 4.3.
func (r *Runner) Cancel(id cellid.CellId) {
	descendants := r.Graph.TransitiveClosure(oneOf(id), graph.Children, true, nil)
	remaining := common.MakeSet[cellid.CellId](len(r.cellsToRun))
	for _, cid := range r.cellsToRun {
		remaining.Insert(cid)
	}
	cancelled := descendants.Intersect(remaining)
	r.cellsCancelled[id] = cancelled
	for cid := range cancelled {
		if cell := r.Graph.Cell(cid); cell != nil {
			cell.RunResultStatus = graph.RunCancelled
		}
	}
}

// Cancelled reports whether id was cancelled by any raising cell.
func (r *Runner) Cancelled(id cellid.CellId) bool {
	for _, set := range r.cellsCancelled {
		if set.Has(id) {
			return true
		}
	}
	return false
}

// CellsCancelled exposes the raiser->cancelled-descendants map for the
// on-finish hooks.
func (r *Runner) CellsCancelled() map[cellid.CellId]common.Set[cellid.CellId] {
	return r.cellsCancelled
}

// Exceptions exposes the cell_id->exception map for the on-finish hooks.
func (r *Runner) Exceptions() map[cellid.CellId]error {
	return r.exceptions
}

// CellsToRun exposes the remaining frontier, for the on-finish hooks'
// "still queued when interrupted" handling.
func (r *Runner) CellsToRun() []cellid.CellId {
	return append([]cellid.CellId(nil), r.cellsToRun...)
}

// runsAfter compares two cells' frozen run positions. The second return
// value is false if either cell isn't in this run's frontier.
func (r *Runner) runsAfter(source, target cellid.CellId) (bool, bool) {
	sp, sok := r.runPosition[source]
	tp, tok := r.runPosition[target]
	if !sok || !tok {
		return false, false
	}
	return sp > tp, true
}

// StateIdentity identifies a reactive state object by the name it's bound
// to plus a unique handle, so two cells' local variables of the same name
// are never conflated (spec.md section 4.9 "by object identity").
type StateIdentity struct {
	RefName cellid.Name
	Handle  uint64
}

// ResolveStateUpdates implements spec.md section 4.9: given a map from a
// state identity to the cell whose setter call produced the most recent
// update, returns the cells that must re-run as a consequence, following
// the five-condition test from
// marimo/_runtime/runner/cell_runner.py's resolve_state_updates: not
// interrupted; hasn't already run after the setter; isn't the setter's own
// cell unless self-loops are allowed; isn't excluded or cancelled; has the
// state among its refs.
func (r *Runner) ResolveStateUpdates(updates map[StateIdentity]cellid.CellId, refsOf func(cellid.CellId) common.Set[cellid.Name], allowSelfLoop func(StateIdentity) bool) common.Set[cellid.CellId] {
	result := common.MakeSet[cellid.CellId]()
	if r.interrupted {
		return result
	}
	for state, setterCell := range updates {
		for _, id := range r.Graph.CellIds() {
			if after, ok := r.runsAfter(id, setterCell); ok && after {
				continue
			}
			if id == setterCell && !allowSelfLoop(state) {
				continue
			}
			if r.ExcludedCells.Has(id) || r.Cancelled(id) {
				continue
			}
			if refsOf(id).Has(state.RefName) {
				result.Insert(id)
			}
		}
	}
	return result
}

// Run executes a single cell, classifying any error per spec.md section
// 4.3's precedence: Interrupted, then Stopped, then a strict-mode missing
// ref, then any other error.
func (r *Runner) Run(id cellid.CellId) RunResult {
	cell := r.Graph.Cell(id)
	prog, err := r.programFor(cell)
	if err != nil {
		r.Cancel(id)
		result := RunResult{Exception: errors.WithMessage(err, "compiling cell")}
		r.exceptions[id] = result.Exception
		return result
	}

	var printed []protocol.CellOutput
	console := func(data string) {
		out := protocol.CellOutput{Channel: protocol.ChannelStdout, Mimetype: "text/plain", Data: data}
		printed = append(printed, out)
		if r.Console != nil {
			r.Console(id, data)
		}
	}

	output, runErr := evaluator.Run(prog, r.Globals, evaluator.RunOptions{
		Ctx:      r.Ctx,
		NewState: r.NewState,
		Console:  console,
	})
	result := RunResult{Output: output, AccumulatedOutput: printed}

	switch e := runErr.(type) {
	case nil:
		return result
	case *evaluator.InterruptedError:
		r.interrupted = true
		result.Exception = Interrupted{}
	case *evaluator.StoppedError:
		r.Cancel(id)
		result.Output = e.Output
		result.Exception = Stopped{Output: e.Output}
	case *evaluator.MissingRefError:
		if r.ExecutionType == TypeStrict {
			r.Cancel(id)
			owners := r.Graph.GetDefiningCells(cellid.Name(e.Ref))
			var owner cellid.CellId
			for o := range owners {
				owner = o
				break
			}
			result.Exception = &protocol.CellError{
				Kind:         protocol.ErrorStrictExecution,
				MissingRef:   e.Ref,
				OwningCellId: string(owner),
			}
		} else {
			r.Cancel(id)
			result.Exception = e
		}
	default:
		r.Cancel(id)
		result.Exception = runErr
		klog.Errorf("cell %s raised: %+v", id, runErr)
	}
	r.exceptions[id] = result.Exception
	return result
}

func (r *Runner) programFor(cell *graph.Cell) (*evaluator.Program, error) {
	if prog, ok := r.programs[cell.Impl.CellId]; ok {
		return prog, nil
	}
	prog, err := evaluator.Compile(cell.Impl)
	if err != nil {
		return nil, err
	}
	r.programs[cell.Impl.CellId] = prog
	return prog, nil
}

// RunAll implements spec.md section 4.3's main loop.
func (r *Runner) RunAll() {
	prepCtx := &PreparationHookContext{Runner: r, CellsToRun: r.CellsToRun()}
	for _, hook := range r.Hooks.PreparationHooks() {
		hook(prepCtx)
	}

	for r.Pending() {
		id := r.popCell()
		cell := r.Graph.Cell(id)
		if cell == nil {
			continue
		}

		if r.Cancelled(id) {
			cell.RunResultStatus = graph.RunCancelled
			cell.RuntimeState = graph.StateIdle
			continue
		}
		if cell.Impl.Config.Disabled {
			cell.RunResultStatus = graph.RunDisabled
			cell.RuntimeState = graph.StateIdle
			continue
		}
		if r.Graph.IsDisabled(id) {
			cell.RunResultStatus = graph.RunDisabled
			cell.RuntimeState = graph.StateDisabledTransitively
			continue
		}

		preCtx := &PreExecutionHookContext{Runner: r}
		for _, hook := range r.Hooks.PreExecutionHooks() {
			hook(cell, preCtx)
		}

		start := time.Now()
		result := r.Run(id)
		elapsed := time.Since(start)

		postCtx := &PostExecutionHookContext{Runner: r, Elapsed: elapsed}
		for _, hook := range r.Hooks.PostExecutionHooks() {
			hook(cell, postCtx, result)
		}
	}

	finishCtx := &OnFinishHookContext{Runner: r}
	for _, hook := range r.Hooks.OnFinishHooks() {
		hook(finishCtx)
	}
}

func oneOf(id cellid.CellId) common.Set[cellid.CellId] {
	s := common.MakeSet[cellid.CellId](1)
	s.Insert(id)
	return s
}
