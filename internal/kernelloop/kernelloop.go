// Package kernelloop implements spec.md section 6: the single consumer
// goroutine that drains the control queue, drives the runner/graph/
// session-view/console/reloader pieces built by the other internal/
// packages, and streams CellOp/KernelReady/Alert/... messages back out.
// It is grounded on the teacher's dispatcher/dispatcher.go, which fans
// incoming kernel messages out to handlers on one serializing goroutine --
// the same shape this loop's Run method has, generalized from Jupyter
// shell messages to the protocol.ControlRequest tagged sum.
package kernelloop

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/console"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
	"github.com/marimo-team/reactive-kernel/internal/reactivestate"
	"github.com/marimo-team/reactive-kernel/internal/reloader"
	"github.com/marimo-team/reactive-kernel/internal/runner"
	"github.com/marimo-team/reactive-kernel/internal/sessionview"
	"github.com/marimo-team/reactive-kernel/internal/transport"
)

// KernelConfig is the ambient configuration the teacher's main.go builds
// from flag.FlagSet-parsed values (flagInstall/flagKernel/flagExtraLog);
// here it covers the reactive kernel's own knobs instead of GoNB's
// install/run-mode ones.
type KernelConfig struct {
	ExecutionMode        runner.ExecutionMode
	ExecutionType        runner.ExecutionType
	Language             analyzer.Language
	OutputByteCap        int
	ConsoleFlushInterval time.Duration
	WatcherPollInterval  time.Duration
}

// DefaultConfig mirrors spec.md section 6's defaults: autorun/relaxed,
// MARIMO_OUTPUT_MAX_BYTES's ~5 MB cap.
func DefaultConfig() KernelConfig {
	return KernelConfig{
		ExecutionMode: runner.ModeAutorun,
		ExecutionType: runner.TypeRelaxed,
		Language:      analyzer.LanguagePython,
		OutputByteCap: 5 * 1024 * 1024,
	}
}

// Loop owns every piece of kernel state and is the single writer to
// DirectedGraph's mutable runtime slots, per spec.md section 5's
// single-writer rule (background threads like the module watcher only
// read the graph or hand off onStale to this loop).
type Loop struct {
	cfg KernelConfig

	graph   *graph.DirectedGraph
	globals map[string]any
	view    *sessionview.SessionView

	stream transport.Stream
	queue  transport.ControlQueue

	consoleWorker *console.Worker
	watcher       *reloader.Watcher
	updateLog     *reactivestate.UpdateLog

	// selfRequests carries requests the loop generates for itself -- right
	// now only ReqExecuteStale, raised by onModulesStale -- so that a
	// module-watcher-triggered rerun still executes on this single
	// goroutine instead of racing the control-queue consumer over the
	// graph (spec.md section 5's single-writer rule). This is the
	// ExecuteStale hand-off reloader.NewWatcher documents.
	selfRequests chan protocol.ControlRequest

	// ctx is Run's argument, stashed so every Runner this loop constructs
	// can observe the same SIGINT-derived cancellation mid-cell (see
	// reactivestate.RunUntilFixedPoint) instead of only the top-level
	// select in Run noticing it.
	ctx context.Context

	stopped bool
}

// New wires together a fresh Loop around an already-bound transport. g and
// globals may be freshly constructed empty values; Creation populates them.
func New(cfg KernelConfig, stream transport.Stream, queue transport.ControlQueue, g *graph.DirectedGraph, globals map[string]any) *Loop {
	l := &Loop{
		cfg:          cfg,
		graph:        g,
		globals:      globals,
		view:         sessionview.New(),
		stream:       stream,
		queue:        queue,
		updateLog:    reactivestate.NewUpdateLog(),
		selfRequests: make(chan protocol.ControlRequest, 1),
	}
	l.consoleWorker = console.New(console.EmitterFunc(l.emitCellOp))
	go l.consoleWorker.Run()
	return l
}

// WatchModules installs a module reloader/watcher over l's graph. onStale
// cells are marked stale and, if cfg.ExecutionMode is autorun, an
// ExecuteStale request is raised so Run's own goroutine performs the
// rerun.
func (l *Loop) WatchModules(reloaderState *reloader.Reloader, resolver reloader.Resolver) error {
	w, err := reloader.NewWatcher(l.graph, resolver, reloaderState, l.onModulesStale, l.cfg.ExecutionMode == runner.ModeAutorun)
	if err != nil {
		return err
	}
	if l.cfg.WatcherPollInterval > 0 {
		w.SetPollInterval(l.cfg.WatcherPollInterval)
	}
	l.watcher = w
	go w.Run()
	return nil
}

// onModulesStale runs on the watcher's own goroutine: it only flags cells
// stale (a benign concurrent write guarded by DirectedGraph's internal
// lock) and hands off the actual rerun to Run's goroutine via
// selfRequests. handleExecuteStale calls watcher.MarkRunProcessed once the
// rerun completes.
func (l *Loop) onModulesStale(staleCells common.Set[cellid.CellId]) {
	for id := range staleCells {
		if cell := l.graph.Cell(id); cell != nil {
			cell.Stale = true
		}
	}
	if l.cfg.ExecutionMode != runner.ModeAutorun || len(staleCells) == 0 {
		if l.watcher != nil {
			l.watcher.MarkRunProcessed()
		}
		return
	}
	select {
	case l.selfRequests <- protocol.ControlRequest{Kind: protocol.ReqExecuteStale}:
	default:
		// A stale-run request is already pending; the next
		// handleExecuteStale pass will pick up these cells too since they
		// stay flagged Stale until run.
	}
}

// Run drains the control queue (and any self-raised requests) until it
// closes or ctx is done.
func (l *Loop) Run(ctx context.Context) {
	l.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case req := <-l.selfRequests:
			l.handle(req)
		case req, ok := <-l.queue.Requests():
			if !ok {
				l.shutdown()
				return
			}
			l.handle(req)
		}
	}
}

func (l *Loop) shutdown() {
	if l.stopped {
		return
	}
	l.stopped = true
	if l.watcher != nil {
		l.watcher.Stop()
	}
	l.consoleWorker.Close()
}

func (l *Loop) handle(req protocol.ControlRequest) {
	switch req.Kind {
	case protocol.ReqCreation:
		l.handleCreation(req)
	case protocol.ReqExecutionRequest:
		l.handleExecution(req, false)
	case protocol.ReqExecuteScratchpad:
		l.handleExecution(req, true)
	case protocol.ReqExecuteMultiple:
		l.handleExecuteMultiple(req)
	case protocol.ReqExecuteStale:
		l.handleExecuteStale()
	case protocol.ReqSetUIElementValue:
		l.handleSetUIElementValue(req)
	case protocol.ReqSetCellConfig:
		l.handleSetCellConfig(req)
	case protocol.ReqDeleteCell:
		l.handleDeleteCell(req)
	case protocol.ReqRename:
		l.handleRename(req)
	case protocol.ReqStop:
		l.handleStop()
	case protocol.ReqFunctionCall, protocol.ReqPreviewDatasetColumn, protocol.ReqCodeCompletion, protocol.ReqInstallMissingPackage:
		l.alertUnsupported(req.Kind)
	default:
		klog.Warningf("kernelloop: unrecognized control request kind %q", req.Kind)
	}
}

// handleCreation implements SPEC_FULL.md section 3's Creation bootstrap:
// register every initial cell, seed ui_values, and (if AutoRun) compute the
// initial root set as every non-disabled cell, since nothing is "stale"
// yet on a fresh graph.
func (l *Loop) handleCreation(req protocol.ControlRequest) {
	for id, value := range req.UIValues {
		l.globals[id] = value
		l.view.SetUIValue(id, value)
	}
	for _, exec := range req.Executions {
		if l.registerOrUpdate(exec.CellId, exec.Code) != nil {
			l.view.RecordExecutedCode(exec.CellId, exec.Code)
		}
	}

	ready := l.buildKernelReady(false)
	if err := l.stream.Send(ready); err != nil {
		klog.Errorf("kernelloop: failed to send KernelReady: %+v", err)
	}
	klog.V(2).Infof("kernelloop: dependency graph after creation:\n%s", l.graph.Render())

	if !req.AutoRun {
		return
	}
	roots := common.MakeSet[cellid.CellId]()
	for _, id := range l.graph.CellIds() {
		if cell := l.graph.Cell(id); cell != nil && !cell.Impl.Config.Disabled {
			roots.Insert(id)
		}
	}
	l.runAndBroadcast(roots)
}

func (l *Loop) buildKernelReady(resumed bool) protocol.KernelReady {
	ids := l.graph.CellIds()
	ready := protocol.KernelReady{
		CellIds:      make([]cellid.CellId, 0, len(ids)),
		Codes:        make([]string, 0, len(ids)),
		Names:        make([]string, 0, len(ids)),
		Configs:      make([]protocol.CellConfigWire, 0, len(ids)),
		Resumed:      resumed,
		UIValues:     l.view.UIValues(),
		LastExecuted: l.view.LastExecutedCode(),
	}
	for _, id := range ids {
		cell := l.graph.Cell(id)
		if cell == nil {
			continue
		}
		ready.CellIds = append(ready.CellIds, id)
		ready.Codes = append(ready.Codes, cell.Impl.Code)
		ready.Names = append(ready.Names, string(id))
		ready.Configs = append(ready.Configs, protocol.CellConfigWire{
			Disabled: cell.Impl.Config.Disabled,
			HideCode: cell.Impl.Config.HideCode,
			Column:   cell.Impl.Config.Column,
		})
	}
	return ready
}

func (l *Loop) registerOrUpdate(id cellid.CellId, code string) *graph.Cell {
	impl, err := analyzer.Analyze(id, code, l.cfg.Language, analyzer.CellConfig{})
	if err != nil {
		klog.Warningf("kernelloop: cell %s failed to analyze: %+v", id, err)
		return nil
	}
	if existing := l.graph.Cell(id); existing != nil {
		cell, uerr := l.graph.UpdateCode(id, impl)
		if uerr != nil {
			klog.Warningf("kernelloop: cell %s failed to update: %+v", id, uerr)
			return nil
		}
		return cell
	}
	cell, rerr := l.graph.Register(impl)
	if rerr != nil {
		klog.Warningf("kernelloop: cell %s failed to register: %+v", id, rerr)
		return nil
	}
	return cell
}

// handleExecution implements ReqExecutionRequest / ReqExecuteScratchpad:
// (re)define one cell and run it plus (in autorun) its descendants. A
// scratchpad execution never joins the graph's stored cells; it runs in
// isolation against a throwaway globals copy instead, so it can't leak
// bindings back into the notebook (spec.md section 6 names it as a
// separate, non-persisting request kind).
func (l *Loop) handleExecution(req protocol.ControlRequest, scratchpad bool) {
	if req.Execution == nil {
		return
	}
	if scratchpad {
		l.runScratchpad(*req.Execution)
		return
	}
	cell := l.registerOrUpdate(req.Execution.CellId, req.Execution.Code)
	if cell == nil {
		return
	}
	l.view.RecordExecutedCode(req.Execution.CellId, req.Execution.Code)
	l.runAndBroadcast(oneOf(req.Execution.CellId))
}

func (l *Loop) runScratchpad(exec protocol.ExecutionRequest) {
	impl, err := analyzer.Analyze(exec.CellId, exec.Code, l.cfg.Language, analyzer.CellConfig{})
	if err != nil {
		l.alert("Scratchpad error", err.Error())
		return
	}
	scratchGraph := graph.New()
	if _, err := scratchGraph.Register(impl); err != nil {
		l.alert("Scratchpad error", err.Error())
		return
	}
	globals := make(map[string]any, len(l.globals))
	for k, v := range l.globals {
		globals[k] = v
	}
	r := runner.New(scratchGraph, oneOf(exec.CellId), globals, l.cfg.ExecutionMode, l.cfg.ExecutionType, nil, runner.DefaultHooks())
	r.Ctx = l.ctx
	r.Console = l.pushConsole
	r.RunAll()
	l.broadcastCell(scratchGraph, exec.CellId)
}

func (l *Loop) handleExecuteMultiple(req protocol.ControlRequest) {
	roots := common.MakeSet[cellid.CellId]()
	for _, exec := range req.Executions {
		cell := l.registerOrUpdate(exec.CellId, exec.Code)
		if cell == nil {
			continue
		}
		l.view.RecordExecutedCode(exec.CellId, exec.Code)
		roots.Insert(exec.CellId)
	}
	if len(roots) > 0 {
		l.runAndBroadcast(roots)
	}
}

// handleExecuteStale re-runs every cell currently flagged Stale -- the
// manual analogue of what WatchModules triggers automatically in autorun.
func (l *Loop) handleExecuteStale() {
	roots := common.MakeSet[cellid.CellId]()
	for _, id := range l.graph.CellIds() {
		if cell := l.graph.Cell(id); cell != nil && cell.Stale {
			roots.Insert(id)
		}
	}
	if len(roots) > 0 {
		l.runAndBroadcast(roots)
	}
	// Always unblock the watcher, even with no stale cells left: a manual
	// ExecuteStale request and the watcher's own self-raised one share this
	// handler, and an already-satisfied rerun must still release the wait.
	if l.watcher != nil {
		l.watcher.MarkRunProcessed()
	}
}

func (l *Loop) handleSetUIElementValue(req protocol.ControlRequest) {
	roots := common.MakeSet[cellid.CellId]()
	for name, value := range req.UIValues {
		l.globals[name] = value
		l.view.SetUIValue(name, value)
		for id := range l.graph.GetDefiningCells(cellid.Name(name)) {
			roots.Insert(id)
		}
		for _, id := range l.graph.CellIds() {
			if cell := l.graph.Cell(id); cell != nil && cell.Impl.Refs.Has(cellid.Name(name)) {
				roots.Insert(id)
			}
		}
	}
	if len(roots) > 0 {
		l.runAndBroadcast(roots)
	}
}

func (l *Loop) handleSetCellConfig(req protocol.ControlRequest) {
	for id, cfg := range req.CellConfigs {
		l.graph.SetCellConfig(id, analyzer.CellConfig{Disabled: cfg.Disabled, HideCode: cfg.HideCode, Column: cfg.Column})
	}
	if l.cfg.ExecutionMode != runner.ModeAutorun {
		return
	}
	roots := common.MakeSet[cellid.CellId]()
	for id := range req.CellConfigs {
		if cell := l.graph.Cell(id); cell != nil && cell.Stale {
			roots.Insert(id)
		}
	}
	if len(roots) > 0 {
		l.runAndBroadcast(roots)
	}
}

func (l *Loop) handleDeleteCell(req protocol.ControlRequest) {
	l.graph.Unregister(req.CellId)
}

func (l *Loop) handleRename(req protocol.ControlRequest) {
	klog.V(1).Infof("kernelloop: session renamed to %q", req.Filename)
}

func (l *Loop) handleStop() {
	l.shutdown()
}

// alertUnsupported implements SPEC_FULL.md section 3's routing rule for
// control requests this kernel core doesn't implement: package install,
// dataset preview, code completion, and MCP-style function calls are all
// external-collaborator concerns (spec.md section 1), so the loop must
// route them without crashing rather than silently drop them.
func (l *Loop) alertUnsupported(kind protocol.RequestKind) {
	l.alert("Not supported", string(kind)+" is not implemented by this kernel core")
}

func (l *Loop) alert(title, message string) {
	if err := l.stream.Send(protocol.Alert{Title: title, Message: message}); err != nil {
		klog.Errorf("kernelloop: failed to send alert: %+v", err)
	}
}

// runAndBroadcast runs roots to a fixed point (following any reactive
// state updates) and broadcasts every touched cell's resulting CellOp.
func (l *Loop) runAndBroadcast(roots common.Set[cellid.CellId]) {
	touched := common.MakeSet[cellid.CellId]()
	history := reactivestate.RunUntilFixedPoint(
		l.ctx, l.graph, l.globals, l.cfg.ExecutionMode, l.cfg.ExecutionType, nil,
		func() *runner.NotebookCellHooks {
			h := runner.DefaultHooks()
			h.AddPreparation(func(ctx *runner.PreparationHookContext) {
				for _, id := range ctx.CellsToRun {
					touched.Insert(id)
				}
			}, runner.PriorityFinal)
			return h
		},
		l.pushConsole, l.updateLog, roots,
	)

	interrupted := false
	for _, r := range history {
		for _, exc := range r.Exceptions() {
			if _, ok := exc.(runner.Interrupted); ok {
				interrupted = true
			}
		}
	}
	for id := range touched {
		l.broadcastCell(l.graph, id)
	}
	if interrupted {
		if err := l.stream.Send(protocol.Interrupted{}); err != nil {
			klog.Errorf("kernelloop: failed to send Interrupted: %+v", err)
		}
	}
	if err := l.stream.Send(protocol.CompletedRun{}); err != nil {
		klog.Errorf("kernelloop: failed to send CompletedRun: %+v", err)
	}
}

// statusFor maps a graph.RuntimeState onto the wire protocol.Status.
func statusFor(s graph.RuntimeState) protocol.Status {
	switch s {
	case graph.StateQueued:
		return protocol.StatusQueued
	case graph.StateRunning:
		return protocol.StatusRunning
	case graph.StateDisabled:
		return protocol.StatusDisabled
	case graph.StateDisabledTransitively:
		return protocol.StatusDisabledTransitively
	default:
		return protocol.StatusIdle
	}
}

// cellFilename is the synthetic filename spec.md section 6 requires
// tracebacks to substitute, so frontends can link an error frame back to
// the cell that raised it.
func cellFilename(id cellid.CellId) string {
	return "<cell-" + string(id) + ">"
}

// broadcastCell assembles g's cell id's current runtime state into a
// CellOp, applies the output size cap, merges it into the session view and
// sends it out.
func (l *Loop) broadcastCell(g *graph.DirectedGraph, id cellid.CellId) {
	cell := g.Cell(id)
	if cell == nil {
		return
	}
	status := statusFor(cell.RuntimeState)
	op := protocol.CellOp{CellId: id, Status: &status}

	if cell.Output != nil {
		out := *cell.Output
		l.capOutput(&out)
		op.Output = &out
	} else if cell.Exception != nil {
		op.Output = &protocol.CellOutput{
			Channel:  protocol.ChannelMarimoError,
			Mimetype: "application/vnd.marimo.error+json",
			Data:     cellFilename(id) + ": " + cell.Exception.Error(),
		}
	}

	merged := l.view.MergeCellOp(op, nowSeconds()*1000)
	if err := l.stream.Send(merged); err != nil {
		klog.Errorf("kernelloop: failed to send CellOp for %s: %+v", id, err)
	}
}

// capOutput implements spec.md section 6's output size cap: outputs larger
// than cfg.OutputByteCap are replaced by a warning callout rather than
// transmitted whole.
func (l *Loop) capOutput(out *protocol.CellOutput) {
	if l.cfg.OutputByteCap <= 0 || len(out.Data) <= l.cfg.OutputByteCap {
		return
	}
	size := humanize.Bytes(uint64(len(out.Data)))
	klog.Warningf("kernelloop: output exceeds cap, replacing with callout (%s)", size)
	out.Data = "output too large to display (" + size + ")"
	out.Mimetype = "text/plain"
}

// emitCellOp is the console.Emitter the consoleWorker flushes into: it
// merges the console-only CellOp (no Status/Output) into the session view
// and forwards it, exactly the path a regular run's CellOp takes.
func (l *Loop) emitCellOp(op protocol.CellOp) {
	merged := l.view.MergeCellOp(op, nowSeconds()*1000)
	if err := l.stream.Send(merged); err != nil {
		klog.Errorf("kernelloop: failed to send console CellOp for %s: %+v", op.CellId, err)
	}
}

// ConsolePush forwards a console write to the buffering worker; exported so
// a cell execution's stdout/stderr capture (wired at the evaluator/runner
// boundary) can reach it without kernelloop depending on evaluator
// internals.
func (l *Loop) ConsolePush(m console.Msg) {
	l.consoleWorker.Push(m)
}

// pushConsole adapts ConsolePush to runner.ConsoleSink's shape, tagging
// every print() write as stdout (spec.md section 4.3/4.6: a cell's
// imperative output is indistinguishable from a plain stdout write once it
// reaches the console worker).
func (l *Loop) pushConsole(id cellid.CellId, data string) {
	l.ConsolePush(console.Msg{Stream: protocol.ChannelStdout, CellId: id, Data: data, Mimetype: "text/plain"})
}

func oneOf(id cellid.CellId) common.Set[cellid.CellId] {
	s := common.MakeSet[cellid.CellId](1)
	s.Insert(id)
	return s
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
