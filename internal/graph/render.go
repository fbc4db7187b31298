package graph

import (
	"fmt"

	"github.com/m1gwings/treedrawer/tree"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
)

// Render draws the current dependency graph as an ASCII tree, rooted at
// every cell with no parents. It is used by the kernel loop's KernelReady
// diagnostic logging and by tests that want a human-readable assertion
// failure message explaining a surprising topological order.
func (g *DirectedGraph) Render() string {
	g.lock.Lock()
	defer g.lock.Unlock()

	var roots []cellid.CellId
	for _, id := range g.orderedIdsLocked() {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		return "(no root cells -- every cell has a parent, or the graph is empty)"
	}

	root := tree.NewTree(tree.NodeString("notebook"))
	for _, r := range roots {
		g.renderSubtreeLocked(root, r, common.MakeSet[cellid.CellId]())
	}
	return root.String()
}

func (g *DirectedGraph) renderSubtreeLocked(parent *tree.Tree, id cellid.CellId, visiting common.Set[cellid.CellId]) {
	label := string(id)
	if cell, ok := g.cells[id]; ok {
		label = fmt.Sprintf("%s [%s]", id, cell.RuntimeState)
		if len(g.errors[id]) > 0 {
			label += fmt.Sprintf(" (%d errors)", len(g.errors[id]))
		}
	}
	node := parent.AddChild(tree.NodeString(label))
	if visiting.Has(id) {
		node.AddChild(tree.NodeString("... (cycle)"))
		return
	}
	visiting.Insert(id)
	for _, child := range sortedChildren(g.children[id]) {
		g.renderSubtreeLocked(node, child, visiting)
	}
}

func sortedChildren(s common.Set[cellid.CellId]) []cellid.CellId {
	ids := s.Slice()
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
