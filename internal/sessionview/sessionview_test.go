package sessionview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

func statusPtr(s protocol.Status) *protocol.Status { return &s }

func TestMergeCellOp_QueuedToRunningClearsConsole(t *testing.T) {
	v := New()
	id := cellid.CellId("a")

	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusQueued)}, 0)
	v.MergeCellOp(protocol.CellOp{CellId: id, Console: []protocol.CellOutput{{Channel: protocol.ChannelStdout, Data: "stale\n"}}}, 1)

	merged := v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusRunning)}, 2)
	require.Len(t, merged.Console, 0)

	merged = v.MergeCellOp(protocol.CellOp{CellId: id, Console: []protocol.CellOutput{{Channel: protocol.ChannelStdout, Data: "x\n"}}}, 3)
	assert.Equal(t, []protocol.CellOutput{{Channel: protocol.ChannelStdout, Data: "x\n"}}, merged.Console)
}

func TestMergeCellOp_InheritsStatusAndOutput(t *testing.T) {
	v := New()
	id := cellid.CellId("a")
	out := &protocol.CellOutput{Channel: protocol.ChannelOutput, Data: "42"}
	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusIdle), Output: out}, 0)

	merged := v.MergeCellOp(protocol.CellOp{CellId: id}, 1)
	require.NotNil(t, merged.Status)
	assert.Equal(t, protocol.StatusIdle, *merged.Status)
	require.NotNil(t, merged.Output)
	assert.Equal(t, "42", merged.Output.Data)
}

func TestMergeCellOp_RunningKeepsTimestamp(t *testing.T) {
	v := New()
	id := cellid.CellId("a")
	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusRunning), Timestamp: 100}, 100)
	merged := v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusRunning), Timestamp: 200}, 200)
	assert.Equal(t, float64(100), merged.Timestamp)
}

func TestExecutionTiming(t *testing.T) {
	v := New()
	id := cellid.CellId("a")
	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusQueued)}, 10)
	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusRunning)}, 15)
	v.MergeCellOp(protocol.CellOp{CellId: id, Status: statusPtr(protocol.StatusIdle)}, 42)

	ms, ok := v.LastExecutionMs(id)
	require.True(t, ok)
	assert.Equal(t, float64(27), ms)
}

func TestVariableScopePruning(t *testing.T) {
	v := New()
	v.UpsertVariableValues(protocol.VariableValues{Values: map[string]protocol.VariableValue{
		"x": {Name: "x", Preview: "1"},
		"y": {Name: "y", Preview: "2"},
	}})
	v.SetVariables(protocol.Variables{Variables: []protocol.VariableDescriptor{{Name: "x"}}})

	values := v.VariableValues()
	_, hasX := values["x"]
	_, hasY := values["y"]
	assert.True(t, hasX)
	assert.False(t, hasY)
}

func TestDatasetsClearChannel(t *testing.T) {
	v := New()
	v.UpsertDatasets(protocol.Datasets{Tables: []protocol.Dataset{
		{SourceType: "duckdb", Name: "t1"},
		{SourceType: "sqlite", Name: "t2"},
	}})
	v.UpsertDatasets(protocol.Datasets{ClearChannel: "duckdb", Tables: []protocol.Dataset{{SourceType: "duckdb", Name: "t3"}}})

	names := map[string]bool{}
	for _, d := range v.Datasets() {
		names[d.SourceType+"/"+d.Name] = true
	}
	assert.False(t, names["duckdb/t1"])
	assert.True(t, names["duckdb/t3"])
	assert.True(t, names["sqlite/t2"])
}

func TestAddStdinConvertsExactlyOnePrompt(t *testing.T) {
	v := New()
	a, b := cellid.CellId("a"), cellid.CellId("b")
	v.MergeCellOp(protocol.CellOp{CellId: a, Console: []protocol.CellOutput{{Channel: protocol.ChannelStdin, Data: "name?"}}}, 0)
	v.MergeCellOp(protocol.CellOp{CellId: b, Console: []protocol.CellOutput{{Channel: protocol.ChannelStdin, Data: "age?"}}}, 0)

	resolved := v.AddStdin("Ada")
	assert.Equal(t, a, resolved)

	opA, _ := v.CellOp(a)
	require.Len(t, opA.Console, 1)
	assert.Equal(t, protocol.ChannelStdout, opA.Console[0].Channel)
	assert.Equal(t, "name? Ada\n", opA.Console[0].Data)

	opB, _ := v.CellOp(b)
	assert.Equal(t, protocol.ChannelStdin, opB.Console[0].Channel)
}

func TestAutoExportFlagsClearedByMutation(t *testing.T) {
	v := New()
	v.MarkAutoExportedHTML()
	v.MarkAutoExportedMarkdown()
	html, md := v.AutoExportFlags()
	assert.True(t, html)
	assert.True(t, md)

	v.SetUIValue("slider-1", 3)
	html, md = v.AutoExportFlags()
	assert.False(t, html)
	assert.False(t, md)
}
