// Package sessionview implements the server-side materialized projection of
// spec.md section 4.5: the state the kernel owes any new subscriber,
// rebuilt incrementally from the same CellOp/Variables/... messages the
// kernel loop streams to connected frontends. It is grounded on the
// teacher's own "replay what the frontend missed" idea in
// dispatcher/comms.go (which keeps a small buffer of recent comm messages
// for reconnecting clients) generalized into a full merge-based view, per
// marimo's SessionView (_examples/original_source has no single
// session_view.py; the merge rules below are spec.md section 4.5 verbatim).
package sessionview

import (
	"sync"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// SessionView holds everything spec.md section 3's "SessionView state"
// names. All access is serialized by lock -- it is mutated only by the
// thread consuming kernel->stream messages (spec.md section 5), but reads
// happen from request handlers (KernelReady bootstrap) too.
type SessionView struct {
	mu sync.Mutex

	cellOperations map[cellid.CellId]protocol.CellOp
	runStart       map[cellid.CellId]float64

	variableOperations protocol.Variables
	variableValues      map[string]protocol.VariableValue

	uiValues         map[string]any
	lastExecutedCode map[cellid.CellId]string
	lastExecutionMs  map[cellid.CellId]float64

	datasets    map[datasetKey]protocol.Dataset
	connections map[string]protocol.DataSourceConnection

	hasAutoExportedHTML bool
	hasAutoExportedMD   bool
}

type datasetKey struct {
	sourceType string
	name       string
}

// New returns an empty SessionView.
func New() *SessionView {
	return &SessionView{
		cellOperations:   make(map[cellid.CellId]protocol.CellOp),
		runStart:         make(map[cellid.CellId]float64),
		variableValues:   make(map[string]protocol.VariableValue),
		uiValues:         make(map[string]any),
		lastExecutedCode: make(map[cellid.CellId]string),
		lastExecutionMs:  make(map[cellid.CellId]float64),
		datasets:         make(map[datasetKey]protocol.Dataset),
		connections:      make(map[string]protocol.DataSourceConnection),
	}
}

// MergeCellOp folds next onto the previously recorded CellOp for its
// cell_id, per spec.md section 4.5's merge rules, and returns the merged
// result (which is what is both stored and forwarded to the stream).
// now is the current timestamp (ms), supplied by the caller so this package
// never calls time.Now itself (the console worker likewise reads its clock
// through a now field).
func (v *SessionView) MergeCellOp(next protocol.CellOp, now float64) protocol.CellOp {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev, had := v.cellOperations[next.CellId]
	merged := mergeCellOp(prev, had, next)
	v.cellOperations[next.CellId] = merged
	v.trackTiming(next.CellId, prev, had, merged, now)
	v.clearAutoExport()
	return merged
}

func mergeCellOp(prev protocol.CellOp, had bool, next protocol.CellOp) protocol.CellOp {
	merged := next
	if next.Status == nil && had {
		merged.Status = prev.Status
	}

	switch {
	case had && merged.Status != nil && *merged.Status == protocol.StatusRunning &&
		prev.Status != nil && *prev.Status == protocol.StatusQueued:
		merged.Console = append([]protocol.CellOutput(nil), protocol.AsConsoleList(&next)...)
	case had:
		merged.Console = append(append([]protocol.CellOutput(nil), prev.Console...), protocol.AsConsoleList(&next)...)
	default:
		merged.Console = append([]protocol.CellOutput(nil), protocol.AsConsoleList(&next)...)
	}

	if had && merged.Status != nil && prev.Status != nil &&
		*merged.Status == protocol.StatusRunning && *prev.Status == protocol.StatusRunning {
		merged.Timestamp = prev.Timestamp
	}

	if merged.Output == nil && had {
		merged.Output = prev.Output
	}
	return merged
}

// trackTiming implements spec.md section 4.5's "Execution timing": record
// a start timestamp on queued->running, and compute+store elapsed
// milliseconds on running->idle.
func (v *SessionView) trackTiming(id cellid.CellId, prev protocol.CellOp, had bool, merged protocol.CellOp, now float64) {
	wasRunning := had && prev.Status != nil && *prev.Status == protocol.StatusRunning
	isRunning := merged.Status != nil && *merged.Status == protocol.StatusRunning
	isQueued := had && prev.Status != nil && *prev.Status == protocol.StatusQueued

	if isRunning && isQueued {
		v.runStart[id] = now
	}
	if wasRunning && merged.Status != nil && *merged.Status == protocol.StatusIdle {
		if start, ok := v.runStart[id]; ok {
			v.lastExecutionMs[id] = now - start
			delete(v.runStart, id)
		}
	}
}

// CellOp returns the current merged CellOp for id, if any.
func (v *SessionView) CellOp(id cellid.CellId) (protocol.CellOp, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	op, ok := v.cellOperations[id]
	return op, ok
}

// LastExecutionMs returns the last recorded elapsed execution time, in
// milliseconds, for id.
func (v *SessionView) LastExecutionMs(id cellid.CellId) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ms, ok := v.lastExecutionMs[id]
	return ms, ok
}

// SetVariables overwrites the current name->owner mapping and prunes
// variable_values to the new in-scope name set. Datasets and connections
// are not pruned here; they change only through their own upserts.
func (v *SessionView) SetVariables(vars protocol.Variables) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.variableOperations = vars
	inScope := make(map[string]struct{}, len(vars.Variables))
	for _, d := range vars.Variables {
		inScope[d.Name] = struct{}{}
	}
	for name := range v.variableValues {
		if _, ok := inScope[name]; !ok {
			delete(v.variableValues, name)
		}
	}
	v.clearAutoExport()
}

// Variables returns the current Variables broadcast.
func (v *SessionView) Variables() protocol.Variables {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.variableOperations
}

// UpsertVariableValues merges vals into variable_values by name (spec.md
// section 4.5: "VariableValues: per-name upsert").
func (v *SessionView) UpsertVariableValues(vals protocol.VariableValues) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for name, val := range vals.Values {
		v.variableValues[name] = val
	}
	v.clearAutoExport()
}

// VariableValues returns a copy of the current name->value previews.
func (v *SessionView) VariableValues() map[string]protocol.VariableValue {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]protocol.VariableValue, len(v.variableValues))
	for k, val := range v.variableValues {
		out[k] = val
	}
	return out
}

// UpsertDatasets merges ds into the dataset table, keyed by
// (source_type, name); if ds.ClearChannel is set, every existing table of
// that source_type is dropped first, per spec.md section 4.5.
func (v *SessionView) UpsertDatasets(ds protocol.Datasets) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ds.ClearChannel != "" {
		for k := range v.datasets {
			if k.sourceType == ds.ClearChannel {
				delete(v.datasets, k)
			}
		}
	}
	for _, table := range ds.Tables {
		v.datasets[datasetKey{table.SourceType, table.Name}] = table
	}
	v.clearAutoExport()
}

// Datasets returns every currently known dataset.
func (v *SessionView) Datasets() []protocol.Dataset {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]protocol.Dataset, 0, len(v.datasets))
	for _, d := range v.datasets {
		out = append(out, d)
	}
	return out
}

// UpsertConnection upserts a DataSourceConnection by name.
func (v *SessionView) UpsertConnection(conn protocol.DataSourceConnection) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connections[conn.Name] = conn
	v.clearAutoExport()
}

// SetUIValue records a UI element value, per the SetUIElementValue ingest
// rule (spec.md section 4.5).
func (v *SessionView) SetUIValue(id string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.uiValues[id] = value
	v.clearAutoExport()
}

// UIValues returns a copy of the current UI element values.
func (v *SessionView) UIValues() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]any, len(v.uiValues))
	for k, val := range v.uiValues {
		out[k] = val
	}
	return out
}

// RecordExecutedCode implements the ExecuteMultiple/Creation ingest rule:
// record the code that was actually requested to run for id.
func (v *SessionView) RecordExecutedCode(id cellid.CellId, code string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastExecutedCode[id] = code
	v.clearAutoExport()
}

// LastExecutedCode returns a copy of the last-executed-code map.
func (v *SessionView) LastExecutedCode() map[cellid.CellId]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[cellid.CellId]string, len(v.lastExecutedCode))
	for k, val := range v.lastExecutedCode {
		out[k] = val
	}
	return out
}

// AddStdin resolves the first cell whose console tail is a pending stdin
// prompt by rewriting it to a stdout response, per spec.md section 4.5's
// "stdin response" rule. It returns the cell_id resolved, or "" if no cell
// had a pending prompt.
func (v *SessionView) AddStdin(response string) cellid.CellId {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, op := range v.cellOperations {
		if len(op.Console) == 0 {
			continue
		}
		tail := op.Console[len(op.Console)-1]
		if tail.Channel != protocol.ChannelStdin {
			continue
		}
		rewritten := append([]protocol.CellOutput(nil), op.Console...)
		rewritten[len(rewritten)-1] = protocol.CellOutput{
			Channel:   protocol.ChannelStdout,
			Mimetype:  "text/plain",
			Data:      tail.Data + " " + response + "\n",
			Timestamp: tail.Timestamp,
		}
		op.Console = rewritten
		v.cellOperations[id] = op
		return id
	}
	return ""
}

// OnInterrupted implements spec.md section 4.5's "Interrupted: resolve any
// pending stdin by converting the stdin console line to stdout with an
// empty response."
func (v *SessionView) OnInterrupted() {
	v.AddStdin("")
}

// clearAutoExport implements spec.md section 4.5's auto-export flags rule:
// any mutating operation clears both flags. Must be called with mu held.
func (v *SessionView) clearAutoExport() {
	v.hasAutoExportedHTML = false
	v.hasAutoExportedMD = false
}

// MarkAutoExportedHTML sets has_auto_exported_html = true.
func (v *SessionView) MarkAutoExportedHTML() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hasAutoExportedHTML = true
}

// MarkAutoExportedMarkdown sets has_auto_exported_md = true.
func (v *SessionView) MarkAutoExportedMarkdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hasAutoExportedMD = true
}

// AutoExportFlags returns the current (has_auto_exported_html,
// has_auto_exported_md) pair.
func (v *SessionView) AutoExportFlags() (html, md bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasAutoExportedHTML, v.hasAutoExportedMD
}
