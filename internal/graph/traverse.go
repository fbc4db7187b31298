package graph

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
)

// Relatives selects which adjacency map TransitiveClosure walks.
type Relatives int

const (
	Children Relatives = iota
	Parents
	Siblings
	// ImportBlockRelatives walks Children but elides edges between two
	// import-only cells, per spec.md section 4.2: "a convenience allowing
	// import cells to run once and not re-trigger each other."
	ImportBlockRelatives
)

func (g *DirectedGraph) adjacencyLocked(rel Relatives) map[cellid.CellId]common.Set[cellid.CellId] {
	switch rel {
	case Parents:
		return g.parents
	case Siblings:
		return g.siblings
	default:
		return g.children
	}
}

// isImportOnlyLocked reports whether a cell's every VariableData entry is
// an import -- i.e. the cell does nothing but `import ...` statements.
func (g *DirectedGraph) isImportOnlyLocked(id cellid.CellId) bool {
	cell, ok := g.cells[id]
	if !ok {
		return false
	}
	if len(cell.Impl.Defs) == 0 {
		return false
	}
	for _, versions := range cell.Impl.VariableData {
		for _, vd := range versions {
			if vd.Kind != "import" {
				return false
			}
		}
	}
	return true
}

// TransitiveClosure performs a BFS over roots following rel, optionally
// filtered by predicate (nil means "no filter"), per spec.md section 4.2.
func (g *DirectedGraph) TransitiveClosure(roots common.Set[cellid.CellId], rel Relatives, inclusive bool, predicate func(cellid.CellId) bool) common.Set[cellid.CellId] {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.transitiveClosureLocked(roots, rel, inclusive, predicate)
}

func (g *DirectedGraph) transitiveClosureLocked(roots common.Set[cellid.CellId], rel Relatives, inclusive bool, predicate func(cellid.CellId) bool) common.Set[cellid.CellId] {
	adj := g.adjacencyLocked(rel)
	visited := common.MakeSet[cellid.CellId]()
	result := common.MakeSet[cellid.CellId]()
	queue := roots.Slice()
	for _, r := range queue {
		visited.Insert(r)
	}
	if inclusive {
		for _, r := range roots.Slice() {
			if predicate == nil || predicate(r) {
				result.Insert(r)
			}
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range adj[cur] {
			if rel == ImportBlockRelatives && g.isImportOnlyLocked(cur) && g.isImportOnlyLocked(next) {
				continue
			}
			if visited.Has(next) {
				continue
			}
			visited.Insert(next)
			if predicate == nil || predicate(next) {
				result.Insert(next)
			}
			queue = append(queue, next)
		}
	}
	return result
}

// TopologicalSort runs Kahn's algorithm over the subgraph induced by
// subset, breaking ties by registration order for determinism (spec.md
// section 4.2 / section 8's determinism property).
func (g *DirectedGraph) TopologicalSort(subset common.Set[cellid.CellId]) ([]cellid.CellId, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.topologicalSortLocked(subset)
}

func (g *DirectedGraph) topologicalSortLocked(subset common.Set[cellid.CellId]) ([]cellid.CellId, error) {
	inDegree := make(map[cellid.CellId]int, len(subset))
	for id := range subset {
		inDegree[id] = 0
	}
	for id := range subset {
		for parent := range g.parents[id] {
			if subset.Has(parent) {
				inDegree[id]++
			}
		}
	}

	order := func(id cellid.CellId) int { return g.cells[id].RegistrationOrder }
	var ready []cellid.CellId
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return order(ready[i]) < order(ready[j]) })

	var result []cellid.CellId
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		result = append(result, cur)
		var newlyReady []cellid.CellId
		for child := range g.children[cur] {
			if !subset.Has(child) {
				continue
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return order(newlyReady[i]) < order(newlyReady[j]) })
		ready = append(ready, newlyReady...)
		sort.SliceStable(ready, func(i, j int) bool {
			// Keep the frontier ordered by registration order at every
			// step, so ties are always broken the same way regardless of
			// insertion order above.
			return order(ready[i]) < order(ready[j])
		})
	}
	if len(result) != len(subset) {
		return nil, errors.New("topological sort: subset contains a cycle")
	}
	return result, nil
}

// detectCyclesLocked recomputes g.cycles and the Cycle error membership
// from scratch by finding every cell that sits on some cycle, using
// Tarjan-style strongly-connected-components over the current graph.
func (g *DirectedGraph) detectCyclesLocked() {
	// Clear previous cycle errors before recomputing.
	for id, errs := range g.errors {
		kept := errs[:0]
		for _, err := range errs {
			if _, ok := err.(*CycleError); ok {
				continue
			}
			kept = append(kept, err)
		}
		g.errors[id] = kept
	}
	g.cycles = common.MakeSet[Edge]()

	index := 0
	indices := make(map[cellid.CellId]int)
	lowlink := make(map[cellid.CellId]int)
	onStack := common.MakeSet[cellid.CellId]()
	var stack []cellid.CellId
	var sccs [][]cellid.CellId

	var strongconnect func(v cellid.CellId)
	strongconnect = func(v cellid.CellId) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack.Insert(v)

		for w := range g.children[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack.Has(w) {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []cellid.CellId
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack.Remove(w)
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for id := range g.cells {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}

	for _, scc := range sccs {
		if len(scc) < 2 {
			// A single-node SCC is only a cycle if it self-loops.
			if len(scc) == 1 && g.children[scc[0]].Has(scc[0]) {
				g.markCycleLocked(scc)
			}
			continue
		}
		g.markCycleLocked(scc)
	}
}

func (g *DirectedGraph) markCycleLocked(members []cellid.CellId) {
	memberSet := setOf(members...)
	for _, id := range members {
		g.errors[id] = append(g.errors[id], &CycleError{Cells: members})
		for child := range g.children[id] {
			if memberSet.Has(child) {
				g.cycles.Insert(Edge{From: id, To: child})
			}
		}
	}
}
