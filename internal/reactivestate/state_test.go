package reactivestate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/graph"
	"github.com/marimo-team/reactive-kernel/internal/runner"
)

func TestSetterRecordsCurrentCellFromTrackingHook(t *testing.T) {
	st := New(0, false)
	log := NewUpdateLog()
	setC := st.Setter(log, "s")

	log.SetCurrentCell(cellid.CellId("c"))
	setC(1)

	assert.Equal(t, 1, st.Value())
	assert.Equal(t, cellid.CellId("c"), st.LastSetterCell())
	assert.False(t, log.Empty())
}

func TestIdentityDistinguishesStatesWithSameRefName(t *testing.T) {
	a := New(0, false)
	b := New(0, false)
	assert.NotEqual(t, a.identity("s"), b.identity("s"))
	assert.Equal(t, a.identity("s"), a.identity("s"))
}

// TestRunUntilFixedPointRerunsOnlyTheRef mirrors spec.md section 8's state
// round-trip scenario: three independent cells A (x=1, unrelated), B (bare
// ref to "s"), C (calls set_s(1)). Running {C} as the initial root must
// trigger exactly one follow-up invocation that runs {B}; C does not
// re-run itself (allow_self_loops=false) and A never runs at all.
func TestRunUntilFixedPointRerunsOnlyTheRef(t *testing.T) {
	g := newGraph(t, map[cellid.CellId]string{
		"a": "x = 1",
		"b": "s",
		"c": "set_s(1)",
	})

	st := New(0, false)
	log := NewUpdateLog()
	globals := map[string]any{
		"s":     st.Value(),
		"set_s": st.Setter(log, "s"),
	}

	roots := common.MakeSet[cellid.CellId]()
	roots.Insert("c")

	history := RunUntilFixedPoint(
		context.Background(), g, globals, runner.ModeAutorun, runner.TypeRelaxed, nil,
		func() *runner.NotebookCellHooks { return runner.DefaultHooks() },
		nil, log, roots,
	)

	require.Len(t, history, 2)
	assert.Empty(t, history[0].Exceptions())
	assert.Empty(t, history[1].Exceptions())
	assert.Equal(t, 1, st.Value())
	assert.True(t, log.Empty(), "b only reads s, it must not re-record an update")
}

func TestRunUntilFixedPointStopsWhenNoSetterIsCalled(t *testing.T) {
	g := newGraph(t, map[cellid.CellId]string{
		"a": "x = 1",
	})

	history := RunUntilFixedPoint(
		context.Background(), g, map[string]any{}, runner.ModeAutorun, runner.TypeRelaxed, nil,
		func() *runner.NotebookCellHooks { return runner.DefaultHooks() },
		nil, NewUpdateLog(), oneRoot("a"),
	)

	assert.Len(t, history, 1)
}

// TestRunUntilFixedPointWiresStateBuiltinEndToEnd exercises spec.md section
// 4.9's state object through a real `state(...)` call in cell code, rather
// than a hand-built Setter -- the binding RunUntilFixedPoint installs via
// runner.Runner.NewState.
func TestRunUntilFixedPointWiresStateBuiltinEndToEnd(t *testing.T) {
	g := newGraph(t, map[cellid.CellId]string{
		"a": "count, set_count = state(0)",
		"b": "count()",
		"c": "set_count(5)",
	})

	globals := map[string]any{}
	log := NewUpdateLog()
	roots := common.MakeSet[cellid.CellId]()
	roots.Insert("a")
	roots.Insert("b")
	roots.Insert("c")

	history := RunUntilFixedPoint(
		context.Background(), g, globals, runner.ModeAutorun, runner.TypeRelaxed, nil,
		func() *runner.NotebookCellHooks { return runner.DefaultHooks() },
		nil, log, roots,
	)

	require.NotEmpty(t, history)
	for _, r := range history {
		assert.Empty(t, r.Exceptions())
	}

	getter, ok := globals["count"].(func() any)
	require.True(t, ok, "state()'s getter must be bound into globals by the end of the run")
	assert.Equal(t, 5, getter())
}

func oneRoot(id cellid.CellId) common.Set[cellid.CellId] {
	s := common.MakeSet[cellid.CellId]()
	s.Insert(id)
	return s
}

func newGraph(t *testing.T, cells map[cellid.CellId]string) *graph.DirectedGraph {
	t.Helper()
	g := graph.New()
	for id, code := range cells {
		impl, err := analyzer.Analyze(id, code, analyzer.LanguagePython, analyzer.CellConfig{})
		require.NoError(t, err)
		_, err = g.Register(impl)
		require.NoError(t, err)
	}
	return g
}
