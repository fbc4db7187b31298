package console

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

type recordingEmitter struct {
	mu   sync.Mutex
	ops  []protocol.CellOp
}

func (r *recordingEmitter) EmitCellOp(op protocol.CellOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingEmitter) snapshot() []protocol.CellOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.CellOp(nil), r.ops...)
}

func TestCoalescesBurstIntoOneMessage(t *testing.T) {
	e := &recordingEmitter{}
	w := New(e)
	id := cellid.CellId("a")

	for i := 0; i < 10; i++ {
		w.Push(Msg{Stream: protocol.ChannelStdout, CellId: id, Data: "x", Mimetype: "text/plain"})
	}
	w.Close()
	w.Run()

	ops := e.snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, "xxxxxxxxxx", ops[0].Console[0].Data)
}

func TestPerCellOrderingPreserved(t *testing.T) {
	e := &recordingEmitter{}
	w := New(e)
	id := cellid.CellId("a")

	w.Push(Msg{Stream: protocol.ChannelStdout, CellId: id, Data: "out1", Mimetype: "text/plain"})
	w.Push(Msg{Stream: protocol.ChannelStderr, CellId: id, Data: "err1", Mimetype: "text/plain"})
	w.Push(Msg{Stream: protocol.ChannelStdout, CellId: id, Data: "out2", Mimetype: "text/plain"})
	w.Close()
	w.Run()

	ops := e.snapshot()
	require.Len(t, ops, 3)
	assert.Equal(t, "out1", ops[0].Console[0].Data)
	assert.Equal(t, "err1", ops[1].Console[0].Data)
	assert.Equal(t, "out2", ops[2].Console[0].Data)
}

func TestMergesSameStreamAndHTMLMimetype(t *testing.T) {
	e := &recordingEmitter{}
	w := New(e)
	id := cellid.CellId("a")

	w.Push(Msg{Stream: protocol.ChannelOutput, CellId: id, Data: "<div>a</div>", Mimetype: "text/html"})
	w.Push(Msg{Stream: protocol.ChannelOutput, CellId: id, Data: "<div>b</div>", Mimetype: "text/html"})
	w.Close()
	w.Run()

	ops := e.snapshot()
	// Same stream+mimetype still merges (that part of the rule is about
	// stream/mimetype pairing, not content-type safety beyond that).
	require.Len(t, ops, 1)
	assert.Equal(t, "<div>a</div><div>b</div>", ops[0].Console[0].Data)
}

func TestMultipleCellsIsolated(t *testing.T) {
	e := &recordingEmitter{}
	w := New(e)
	a, b := cellid.CellId("a"), cellid.CellId("b")

	w.Push(Msg{Stream: protocol.ChannelStdout, CellId: a, Data: "A", Mimetype: "text/plain"})
	w.Push(Msg{Stream: protocol.ChannelStdout, CellId: b, Data: "B", Mimetype: "text/plain"})
	w.Close()
	w.Run()

	ops := e.snapshot()
	require.Len(t, ops, 2)
	byCell := map[cellid.CellId]string{}
	for _, op := range ops {
		byCell[op.CellId] = op.Console[0].Data
	}
	assert.Equal(t, "A", byCell[a])
	assert.Equal(t, "B", byCell[b])
}
