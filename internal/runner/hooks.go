package runner

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// Priority orders hooks within a family; lower runs first. FINAL is
// reserved for the idle-status transition, which spec.md section 9
// requires to always run last (the "FINAL=100 invariant").
type Priority int

const (
	PriorityEarly  Priority = 0
	PriorityNormal Priority = 50
	PriorityLate   Priority = 90
	PriorityFinal  Priority = 100
)

// PreparationHookContext is passed to every preparation hook, once, before
// the runner starts (spec.md section 4.4).
type PreparationHookContext struct {
	Runner     *Runner
	CellsToRun []cellid.CellId
}

// PreExecutionHookContext is passed to every pre-execution hook, once per
// cell, before it runs.
type PreExecutionHookContext struct {
	Runner *Runner
}

// PostExecutionHookContext is passed to every post-execution hook, once
// per cell, after it runs.
type PostExecutionHookContext struct {
	Runner  *Runner
	Elapsed time.Duration
}

// OnFinishHookContext is passed to every on-finish hook, once, after the
// runner's main loop exits.
type OnFinishHookContext struct {
	Runner *Runner
}

type (
	PreparationHook   func(*PreparationHookContext)
	PreExecutionHook  func(*graph.Cell, *PreExecutionHookContext)
	PostExecutionHook func(*graph.Cell, *PostExecutionHookContext, RunResult)
	OnFinishHook      func(*OnFinishHookContext)
)

type prepEntry struct {
	hook     PreparationHook
	priority Priority
}
type preEntry struct {
	hook     PreExecutionHook
	priority Priority
}
type postEntry struct {
	hook     PostExecutionHook
	priority Priority
}
type finishEntry struct {
	hook     OnFinishHook
	priority Priority
}

// NotebookCellHooks is the ordered hook pipeline of spec.md section 4.4:
// four families, each sorted by Priority (ties keep insertion order, via a
// stable sort), grounded on
// _examples/original_source/marimo/_runtime/runner/hooks.py's
// NotebookCellHooks/_HookList.
type NotebookCellHooks struct {
	preparation    []prepEntry
	preExecution   []preEntry
	postExecution  []postEntry
	onFinish       []finishEntry
}

func (h *NotebookCellHooks) AddPreparation(hook PreparationHook, p Priority) {
	h.preparation = append(h.preparation, prepEntry{hook, p})
}

func (h *NotebookCellHooks) AddPreExecution(hook PreExecutionHook, p Priority) {
	h.preExecution = append(h.preExecution, preEntry{hook, p})
}

func (h *NotebookCellHooks) AddPostExecution(hook PostExecutionHook, p Priority) {
	h.postExecution = append(h.postExecution, postEntry{hook, p})
}

func (h *NotebookCellHooks) AddOnFinish(hook OnFinishHook, p Priority) {
	h.onFinish = append(h.onFinish, finishEntry{hook, p})
}

func (h *NotebookCellHooks) PreparationHooks() []PreparationHook {
	sorted := append([]prepEntry(nil), h.preparation...)
	slices.SortStableFunc(sorted, func(a, b prepEntry) int { return int(a.priority) - int(b.priority) })
	out := make([]PreparationHook, len(sorted))
	for i, e := range sorted {
		out[i] = e.hook
	}
	return out
}

func (h *NotebookCellHooks) PreExecutionHooks() []PreExecutionHook {
	sorted := append([]preEntry(nil), h.preExecution...)
	slices.SortStableFunc(sorted, func(a, b preEntry) int { return int(a.priority) - int(b.priority) })
	out := make([]PreExecutionHook, len(sorted))
	for i, e := range sorted {
		out[i] = e.hook
	}
	return out
}

func (h *NotebookCellHooks) PostExecutionHooks() []PostExecutionHook {
	sorted := append([]postEntry(nil), h.postExecution...)
	slices.SortStableFunc(sorted, func(a, b postEntry) int { return int(a.priority) - int(b.priority) })
	out := make([]PostExecutionHook, len(sorted))
	for i, e := range sorted {
		out[i] = e.hook
	}
	return out
}

func (h *NotebookCellHooks) OnFinishHooks() []OnFinishHook {
	sorted := append([]finishEntry(nil), h.onFinish...)
	slices.SortStableFunc(sorted, func(a, b finishEntry) int { return int(a.priority) - int(b.priority) })
	out := make([]OnFinishHook, len(sorted))
	for i, e := range sorted {
		out[i] = e.hook
	}
	return out
}

// DefaultHooks returns the catalog SPEC_FULL.md section 3 names explicitly,
// grounded on hooks_preparation.py / hooks_pre_execution.py /
// hooks_post_execution.py / hooks_on_finish.py.
func DefaultHooks() *NotebookCellHooks {
	h := &NotebookCellHooks{}
	h.AddPreparation(prepareStalePropagation, PriorityEarly)
	h.AddPreparation(prepareMarkQueued, PriorityEarly+10)

	h.AddPreExecution(preClearStale, PriorityEarly)
	h.AddPreExecution(preSetRunning, PriorityEarly+10)

	h.AddPostExecution(postBroadcastVariables, PriorityEarly)
	h.AddPostExecution(postBroadcastOutput, PriorityEarly+10)
	h.AddPostExecution(postResetMatplotlibContext, PriorityEarly+20)
	h.AddPostExecution(postSetIdle, PriorityFinal)

	h.AddOnFinish(onFinishInterruption, PriorityEarly)
	h.AddOnFinish(onFinishAncestorErrors, PriorityEarly+10)
	return h
}

// prepareStalePropagation: in lazy mode, mark the transitive children of
// the run set (minus the run set itself) stale, per hooks_preparation.py's
// _update_stale_statuses first half.
func prepareStalePropagation(ctx *PreparationHookContext) {
	if ctx.Runner.ExecutionMode != ModeLazy {
		return
	}
	runSet := common.MakeSet[cellid.CellId](len(ctx.CellsToRun))
	for _, id := range ctx.CellsToRun {
		runSet.Insert(id)
	}
	for id := range ctx.Runner.Graph.TransitiveClosure(runSet, graph.ImportBlockRelatives, false, nil) {
		if cell := ctx.Runner.Graph.Cell(id); cell != nil {
			cell.Stale = true
		}
	}
}

// prepareMarkQueued: every cell about to run is marked queued, and loses
// its stale flag (or is marked stale if transitively disabled), per
// hooks_preparation.py's _update_stale_statuses second half.
func prepareMarkQueued(ctx *PreparationHookContext) {
	for _, id := range ctx.CellsToRun {
		cell := ctx.Runner.Graph.Cell(id)
		if cell == nil {
			continue
		}
		if ctx.Runner.Graph.IsDisabled(id) {
			cell.Stale = true
			continue
		}
		cell.RuntimeState = graph.StateQueued
		cell.Stale = false
	}
}

// preClearStale: if the runner is lazy and no ancestor of cell is stale,
// clear cell's own stale flag, per hooks_pre_execution.py's _set_staleness.
func preClearStale(cell *graph.Cell, ctx *PreExecutionHookContext) {
	if ctx.Runner.ExecutionMode != ModeLazy {
		return
	}
	if !anyAncestorStale(ctx.Runner.Graph, cell.Impl.CellId) {
		cell.Stale = false
	}
}

func anyAncestorStale(g *graph.DirectedGraph, id cellid.CellId) bool {
	ancestors := g.TransitiveClosure(oneOf(id), graph.Parents, false, nil)
	for a := range ancestors {
		if cell := g.Cell(a); cell != nil && cell.Stale {
			return true
		}
	}
	return false
}

// preSetRunning mirrors hooks_pre_execution.py's _set_status_to_running.
func preSetRunning(cell *graph.Cell, _ *PreExecutionHookContext) {
	cell.RuntimeState = graph.StateRunning
}

// postBroadcastVariables holds the position of hooks_post_execution.py's
// _broadcast_variables: it builds a preview of every name cell defines from
// its current global value (an empty preview for names the run never
// actually bound, e.g. because the cell errored before reaching that def)
// and logs how many it built. The previews are not sent: no Variables or
// VariableValues message leaves this hook.
func postBroadcastVariables(cell *graph.Cell, ctx *PostExecutionHookContext, _ RunResult) {
	if len(cell.Impl.Defs) == 0 {
		return
	}
	values := make(map[string]protocol.VariableValue, len(cell.Impl.Defs))
	for name := range cell.Impl.Defs {
		values[string(name)] = protocol.VariableValue{
			Name:    string(name),
			Preview: formatOutput(ctx.Runner.Globals[string(name)]),
		}
	}
	klog.V(2).Infof("cell %s: broadcasting %d variable(s)", cell.Impl.CellId, len(values))
}

// postBroadcastOutput implements spec.md section 4.4's output broadcast
// rule, mirroring hooks_post_execution.py's _broadcast_outputs.
func postBroadcastOutput(cell *graph.Cell, ctx *PostExecutionHookContext, result RunResult) {
	_, stopped := result.Exception.(Stopped)
	shouldSend := result.Output != nil || result.AccumulatedOutput == nil
	switch {
	case (result.Success() || stopped) && shouldSend:
		cell.Output = &protocol.CellOutput{
			Channel:  protocol.ChannelOutput,
			Data:     formatOutput(result.Output),
			Mimetype: "text/plain",
		}
		cell.Exception = nil
	case isInterrupted(result.Exception):
		cell.Exception = &protocol.CellError{Kind: protocol.ErrorInterruption}
	case result.Exception != nil:
		cell.Exception = asCellError(result.Exception)
	}
}

func isInterrupted(err error) bool {
	_, ok := err.(Interrupted)
	return ok
}

func asCellError(err error) *protocol.CellError {
	if ce, ok := err.(*protocol.CellError); ok {
		return ce
	}
	return &protocol.CellError{
		Kind:          protocol.ErrorExceptionRaised,
		ExceptionType: errorTypeName(err),
		Message:       err.Error(),
	}
}

func errorTypeName(err error) string {
	switch err.(type) {
	case Stopped:
		return "Stopped"
	case Interrupted:
		return "Interrupted"
	default:
		return "error"
	}
}

func formatOutput(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// postResetMatplotlibContext is a deliberate no-op: there is no matplotlib
// proxy in this kernel (spec.md section 1 treats it as an external
// collaborator we don't implement), but the hook slot is kept so a future
// plotting backend has a place to reset per-cell figure state, matching
// the position this hook holds in hooks_post_execution.py's pipeline.
func postResetMatplotlibContext(*graph.Cell, *PostExecutionHookContext, RunResult) {}

// postSetIdle mirrors hooks_post_execution.py's _set_status_idle, and must
// run last (Priority FINAL) per spec.md section 9.
func postSetIdle(cell *graph.Cell, _ *PostExecutionHookContext, _ RunResult) {
	cell.RuntimeState = graph.StateIdle
}

// onFinishInterruption mirrors hooks_on_finish.py's _send_interrupt_errors:
// every cell still queued when the runner was interrupted is marked idle
// and given an Interruption error; its console output is not touched.
func onFinishInterruption(ctx *OnFinishHookContext) {
	r := ctx.Runner
	if len(r.cellsToRun) == 0 {
		return
	}
	for _, id := range r.cellsToRun {
		if cell := r.Graph.Cell(id); cell != nil {
			cell.RuntimeState = graph.StateIdle
			cell.Exception = &protocol.CellError{Kind: protocol.ErrorInterruption}
		}
	}
}

// onFinishAncestorErrors mirrors hooks_on_finish.py's
// _send_cancellation_errors: every cell cancelled because an ancestor
// stopped or raised gets an AncestorStopped/AncestorPrevented error.
func onFinishAncestorErrors(ctx *OnFinishHookContext) {
	r := ctx.Runner
	for raising, cancelled := range r.cellsCancelled {
		raisingErr := r.exceptions[raising]
		for cid := range cancelled {
			cell := r.Graph.Cell(cid)
			if cell == nil {
				continue
			}
			cell.RuntimeState = graph.StateIdle
			if _, ok := raisingErr.(Stopped); ok {
				cell.Exception = &protocol.CellError{
					Kind:          protocol.ErrorAncestorStopped,
					RaisingCellId: string(raising),
				}
			} else {
				cell.Exception = &protocol.CellError{
					Kind:          protocol.ErrorAncestorPrevented,
					ExceptionType: errorTypeName(raisingErr),
					RaisingCellId: string(raising),
				}
			}
		}
	}
}
