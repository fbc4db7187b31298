package kernelloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// fakeStream records every message Send receives, standing in for a real
// transport.Stream the way newWSStreamPair's server end stands in for a
// real frontend.
type fakeStream struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeStream) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeStream) Close() error { return nil }

func (f *fakeStream) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeStream) cellOps() []protocol.CellOp {
	var ops []protocol.CellOp
	for _, m := range f.messages() {
		if op, ok := m.(protocol.CellOp); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// fakeQueue is a transport.ControlQueue a test can push requests onto
// directly, instead of a real wire adapter.
type fakeQueue struct {
	requests chan protocol.ControlRequest
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{requests: make(chan protocol.ControlRequest, 16)}
}

func (q *fakeQueue) Requests() <-chan protocol.ControlRequest { return q.requests }
func (q *fakeQueue) Close() error                             { close(q.requests); return nil }

func newLoop() (*Loop, *fakeStream) {
	stream := &fakeStream{}
	l := New(DefaultConfig(), stream, newFakeQueue(), graph.New(), map[string]any{})
	return l, stream
}

func TestHandleCreationSendsKernelReadyAndAutorunsCells(t *testing.T) {
	l, stream := newLoop()

	l.handle(protocol.ControlRequest{
		Kind:    protocol.ReqCreation,
		AutoRun: true,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "x = 1"},
			{CellId: "b", Code: "y = x + 1"},
		},
	})

	msgs := stream.messages()
	require.NotEmpty(t, msgs)
	ready, ok := msgs[0].(protocol.KernelReady)
	require.True(t, ok, "first message must be KernelReady")
	assert.ElementsMatch(t, []cellid.CellId{"a", "b"}, ready.CellIds)

	ops := stream.cellOps()
	require.Len(t, ops, 2)
	for _, op := range ops {
		require.NotNil(t, op.Status)
		assert.Equal(t, protocol.StatusIdle, *op.Status)
	}

	assert.Equal(t, 1, l.globals["x"])
	assert.Equal(t, 2, l.globals["y"])
}

func TestHandleCreationSkipsAutorunWhenNotRequested(t *testing.T) {
	l, stream := newLoop()

	l.handle(protocol.ControlRequest{
		Kind:       protocol.ReqCreation,
		AutoRun:    false,
		Executions: []protocol.ExecutionRequest{{CellId: "a", Code: "x = 1"}},
	})

	assert.Empty(t, stream.cellOps())
	_, ready := l.globals["x"]
	assert.False(t, ready, "a non-autorun Creation must not execute any cell")
}

func TestHandleExecutionRerunsDependents(t *testing.T) {
	l, _ := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:    protocol.ReqCreation,
		AutoRun: true,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "x = 1"},
			{CellId: "b", Code: "y = x + 1"},
		},
	})

	l.handle(protocol.ControlRequest{
		Kind:      protocol.ReqExecutionRequest,
		Execution: &protocol.ExecutionRequest{CellId: "a", Code: "x = 5"},
	})

	assert.Equal(t, 5, l.globals["x"])
	assert.Equal(t, 6, l.globals["y"], "b refs x and must rerun under autorun")
}

func TestHandleExecuteScratchpadDoesNotLeakGlobals(t *testing.T) {
	l, stream := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:       protocol.ReqCreation,
		AutoRun:    true,
		Executions: []protocol.ExecutionRequest{{CellId: "a", Code: "x = 1"}},
	})
	before := stream.cellOps()

	l.handle(protocol.ControlRequest{
		Kind:      protocol.ReqExecuteScratchpad,
		Execution: &protocol.ExecutionRequest{CellId: "scratch", Code: "z = x + 1"},
	})

	_, leaked := l.globals["z"]
	assert.False(t, leaked, "scratchpad bindings must not reach the notebook globals")
	assert.Nil(t, l.graph.Cell("scratch"), "scratchpad cell must not join the notebook graph")
	assert.Greater(t, len(stream.cellOps()), len(before), "scratchpad run still broadcasts its own CellOp")
}

func TestHandleExecuteMultipleRunsEachCellOnce(t *testing.T) {
	l, stream := newLoop()
	l.handle(protocol.ControlRequest{Kind: protocol.ReqCreation, AutoRun: false})

	l.handle(protocol.ControlRequest{
		Kind: protocol.ReqExecuteMultiple,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "x = 1"},
			{CellId: "b", Code: "y = x + 1"},
		},
	})

	assert.Equal(t, 1, l.globals["x"])
	assert.Equal(t, 2, l.globals["y"])
	assert.NotEmpty(t, stream.cellOps())
}

func TestHandleSetUIElementValueRerunsReferencingCells(t *testing.T) {
	l, stream := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:    protocol.ReqCreation,
		AutoRun: false,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "slider"},
		},
	})
	l.globals["slider"] = 1

	l.handle(protocol.ControlRequest{
		Kind:     protocol.ReqSetUIElementValue,
		UIValues: map[string]any{"slider": 7},
	})

	assert.Equal(t, 7, l.globals["slider"])
	assert.NotEmpty(t, stream.cellOps())
}

func TestHandleSetCellConfigDisablesAndReenablesTriggerRerun(t *testing.T) {
	l, _ := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:    protocol.ReqCreation,
		AutoRun: true,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "x = 1"},
		},
	})

	l.handle(protocol.ControlRequest{
		Kind:        protocol.ReqSetCellConfig,
		CellConfigs: map[cellid.CellId]protocol.CellConfig{"a": {Disabled: true}},
	})
	assert.True(t, l.graph.IsDisabled("a"))

	l.handle(protocol.ControlRequest{
		Kind:        protocol.ReqSetCellConfig,
		CellConfigs: map[cellid.CellId]protocol.CellConfig{"a": {Disabled: false}},
	})
	assert.False(t, l.graph.IsDisabled("a"))
	assert.False(t, l.graph.Cell("a").Stale, "re-enabling marks a stale and the autorun rerun clears it")
}

func TestHandleDeleteCellUnregistersCell(t *testing.T) {
	l, _ := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:       protocol.ReqCreation,
		AutoRun:    false,
		Executions: []protocol.ExecutionRequest{{CellId: "a", Code: "x = 1"}},
	})
	require.NotNil(t, l.graph.Cell("a"))

	l.handle(protocol.ControlRequest{Kind: protocol.ReqDeleteCell, CellId: "a"})
	assert.Nil(t, l.graph.Cell("a"))
}

func TestAlertUnsupportedRoutesEveryUnimplementedKind(t *testing.T) {
	l, stream := newLoop()
	for _, kind := range []protocol.RequestKind{
		protocol.ReqFunctionCall,
		protocol.ReqPreviewDatasetColumn,
		protocol.ReqCodeCompletion,
		protocol.ReqInstallMissingPackage,
	} {
		l.handle(protocol.ControlRequest{Kind: kind})
	}

	var alerts int
	for _, m := range stream.messages() {
		if _, ok := m.(protocol.Alert); ok {
			alerts++
		}
	}
	assert.Equal(t, 4, alerts)
}

func TestCapOutputReplacesOversizedData(t *testing.T) {
	l, _ := newLoop()
	l.cfg.OutputByteCap = 4
	out := &protocol.CellOutput{Data: "way too long for the cap"}

	l.capOutput(out)

	assert.Equal(t, "output too large to display (24 B)", out.Data)
	assert.Equal(t, "text/plain", out.Mimetype)
}

func TestCapOutputLeavesSmallDataAlone(t *testing.T) {
	l, _ := newLoop()
	l.cfg.OutputByteCap = 1024
	out := &protocol.CellOutput{Data: "fits fine", Mimetype: "text/plain"}

	l.capOutput(out)

	assert.Equal(t, "fits fine", out.Data)
}

func TestCellFilenameIsSyntheticTraceback(t *testing.T) {
	assert.Equal(t, "<cell-abc>", cellFilename(cellid.CellId("abc")))
}

func TestStatusForMapsEveryRuntimeState(t *testing.T) {
	cases := map[graph.RuntimeState]protocol.Status{
		graph.StateIdle:                protocol.StatusIdle,
		graph.StateQueued:               protocol.StatusQueued,
		graph.StateRunning:              protocol.StatusRunning,
		graph.StateDisabled:             protocol.StatusDisabled,
		graph.StateDisabledTransitively: protocol.StatusDisabledTransitively,
	}
	for state, want := range cases {
		assert.Equal(t, want, statusFor(state))
	}
}

func TestBroadcastCellReportsExceptionOutput(t *testing.T) {
	l, stream := newLoop()
	l.handle(protocol.ControlRequest{
		Kind:    protocol.ReqCreation,
		AutoRun: true,
		Executions: []protocol.ExecutionRequest{
			{CellId: "a", Code: "y = x + 1"},
		},
	})

	ops := stream.cellOps()
	require.NotEmpty(t, ops)
	last := ops[len(ops)-1]
	require.NotNil(t, last.Output)
	assert.Equal(t, protocol.ChannelMarimoError, last.Output.Channel)
}

func TestRegisterOrUpdateReanalyzesExistingCell(t *testing.T) {
	l, _ := newLoop()
	first := l.registerOrUpdate("a", "x = 1")
	require.NotNil(t, first)

	second := l.registerOrUpdate("a", "x = 2")
	require.NotNil(t, second)
	assert.Equal(t, l.graph.Cell("a"), second)
}
