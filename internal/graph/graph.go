// Package graph implements the dataflow graph over cells described in
// spec.md section 4.2. It is grounded on goexec.State/Declarations from the
// teacher repo (goexec/goexec.go), which already tracks, per notebook,
// "who currently owns this name" (Declarations.{Functions,Variables,...})
// and refuses silently-conflicting redefinitions; we generalize that single
// flat ownership table into a full bidirectional dependency graph with
// cycle detection and topological scheduling.
package graph

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// RuntimeState is the cell's current position in the execution lifecycle.
type RuntimeState string

const (
	StateIdle                 RuntimeState = "idle"
	StateQueued                RuntimeState = "queued"
	StateRunning                RuntimeState = "running"
	StateDisabled               RuntimeState = "disabled"
	StateDisabledTransitively  RuntimeState = "disabled-transitively"
)

// RunResultStatus is the outcome of the most recent run of a cell.
type RunResultStatus string

const (
	RunSuccess     RunResultStatus = "success"
	RunException   RunResultStatus = "exception"
	RunCancelled    RunResultStatus = "cancelled"
	RunInterrupted  RunResultStatus = "interrupted"
	RunDisabled     RunResultStatus = "disabled"
	RunStopped      RunResultStatus = "stopped"
	RunIdle         RunResultStatus = "" // never run yet
)

// Cell is a node in the graph: analyzer.CellImpl (immutable per code
// version) plus the mutable runtime slots spec.md section 3 calls out
// separately ("Runtime slots on cells", spec.md section 9).
type Cell struct {
	Impl *analyzer.CellImpl

	RuntimeState    RuntimeState
	RunResultStatus RunResultStatus
	Stale           bool
	Output          *protocol.CellOutput
	Exception       *protocol.CellError

	// RegistrationOrder breaks topological-sort ties deterministically and
	// orders CellIds.
	RegistrationOrder int
}

// Edge is a directed dependency edge, labeled by the name that caused it.
type Edge struct {
	From, To cellid.CellId
	Name     cellid.Name
}

// MultipleDefinitionError is recorded (not returned) against every cell
// sharing ownership of a name; affected cells cannot run until resolved.
type MultipleDefinitionError struct {
	Name  cellid.Name
	Cells []cellid.CellId
}

func (e *MultipleDefinitionError) Error() string {
	return "multiple definitions of " + string(e.Name)
}

// CycleError marks a set of cells mutually dependent through a cycle.
type CycleError struct {
	Cells []cellid.CellId
}

func (e *CycleError) Error() string {
	return "dependency cycle"
}

// DirectedGraph is the cells+edges dataflow graph of spec.md section 4.2.
// All reads and writes are serialized by lock, including background-thread
// reachability queries (the module watcher) -- per spec.md section 5.
type DirectedGraph struct {
	lock sync.Mutex

	cells       map[cellid.CellId]*Cell
	parents     map[cellid.CellId]common.Set[cellid.CellId]
	children    map[cellid.CellId]common.Set[cellid.CellId]
	siblings    map[cellid.CellId]common.Set[cellid.CellId]
	definitions map[cellid.Name]common.Set[cellid.CellId]
	cycles      common.Set[Edge]
	errors      map[cellid.CellId][]error

	nextRegistrationOrder int
}

// New returns an empty DirectedGraph.
func New() *DirectedGraph {
	return &DirectedGraph{
		cells:       make(map[cellid.CellId]*Cell),
		parents:     make(map[cellid.CellId]common.Set[cellid.CellId]),
		children:    make(map[cellid.CellId]common.Set[cellid.CellId]),
		siblings:    make(map[cellid.CellId]common.Set[cellid.CellId]),
		definitions: make(map[cellid.Name]common.Set[cellid.CellId]),
		cycles:      common.MakeSet[Edge](),
		errors:      make(map[cellid.CellId][]error),
	}
}

// Cell returns the current Cell for id, or nil.
func (g *DirectedGraph) Cell(id cellid.CellId) *Cell {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.cells[id]
}

// CellIds returns every registered cell id, in registration order.
func (g *DirectedGraph) CellIds() []cellid.CellId {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.orderedIdsLocked()
}

func (g *DirectedGraph) orderedIdsLocked() []cellid.CellId {
	ids := make([]cellid.CellId, 0, len(g.cells))
	for id := range g.cells {
		ids = append(ids, id)
	}
	order := func(id cellid.CellId) int { return g.cells[id].RegistrationOrder }
	// Simple insertion sort: notebooks rarely exceed a few hundred cells.
	// (x/exp/slices is used only in runner/hooks.go, via SortStableFunc.)
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && order(ids[j]) < order(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// Errors returns the errors currently recorded against id (Cycle,
// MultipleDefinition, ...), if any.
func (g *DirectedGraph) Errors(id cellid.CellId) []error {
	g.lock.Lock()
	defer g.lock.Unlock()
	return append([]error(nil), g.errors[id]...)
}

// Register inserts a freshly analyzed cell into the graph, wiring edges
// to/from every cell that shares a name with it, per spec.md section 4.2.
func (g *DirectedGraph) Register(impl *analyzer.CellImpl) (*Cell, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.registerLocked(impl)
}

func (g *DirectedGraph) registerLocked(impl *analyzer.CellImpl) (*Cell, error) {
	id := impl.CellId
	if _, exists := g.cells[id]; exists {
		return nil, errors.Errorf("cell %s already registered, use UpdateCode", id)
	}
	cell := &Cell{Impl: impl, RuntimeState: StateIdle, RegistrationOrder: g.nextRegistrationOrder}
	g.nextRegistrationOrder++
	g.cells[id] = cell
	g.parents[id] = common.MakeSet[cellid.CellId]()
	g.children[id] = common.MakeSet[cellid.CellId]()
	g.siblings[id] = common.MakeSet[cellid.CellId]()

	// Claim this cell's definitions, flagging multi-definition conflicts.
	for name := range impl.Defs {
		owners, ok := g.definitions[name]
		if !ok {
			owners = common.MakeSet[cellid.CellId]()
			g.definitions[name] = owners
		}
		owners.Insert(id)
		if len(owners) > 1 {
			g.markMultipleDefinitionLocked(name, owners)
		}
	}

	// Edge from whoever currently owns a name this cell refs.
	for name := range impl.Refs {
		if owners, ok := g.definitions[name]; ok {
			for owner := range owners {
				if owner != id {
					g.addEdgeLocked(owner, id, name)
				}
			}
		}
	}
	// Edge from this cell to every existing cell that refs a name it now
	// defines.
	for name := range impl.Defs {
		for otherId, other := range g.cells {
			if otherId == id {
				continue
			}
			if other.Impl.Refs.Has(name) {
				g.addEdgeLocked(id, otherId, name)
			}
		}
	}

	g.detectCyclesLocked()
	return cell, nil
}

func (g *DirectedGraph) markMultipleDefinitionLocked(name cellid.Name, owners common.Set[cellid.CellId]) {
	ids := owners.Slice()
	for _, owner := range ids {
		g.errors[owner] = append(g.errors[owner], &MultipleDefinitionError{Name: name, Cells: ids})
	}
	klog.Errorf("multiple definitions of %q across cells %v", name, ids)
}

func (g *DirectedGraph) addEdgeLocked(from, to cellid.CellId, name cellid.Name) {
	if from == to {
		return
	}
	g.children[from].Insert(to)
	g.parents[to].Insert(from)
	for sib := range g.children[from] {
		if sib != to {
			g.siblings[to].Insert(sib)
			g.siblings[sib].Insert(to)
		}
	}
}

// Unregister removes a cell and every edge/definition/error it owned.
func (g *DirectedGraph) Unregister(id cellid.CellId) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.unregisterLocked(id)
}

func (g *DirectedGraph) unregisterLocked(id cellid.CellId) {
	cell, ok := g.cells[id]
	if !ok {
		return
	}
	for name := range cell.Impl.Defs {
		if owners, ok := g.definitions[name]; ok {
			owners.Remove(id)
			if len(owners) == 0 {
				delete(g.definitions, name)
			} else if len(owners) == 1 {
				// Multi-def resolved: clear the error on the remaining owner.
				g.clearMultipleDefinitionLocked(name, owners)
			}
		}
	}
	for child := range g.children[id] {
		g.parents[child].Remove(id)
	}
	for parent := range g.parents[id] {
		g.children[parent].Remove(id)
	}
	for other := range g.siblings[id] {
		g.siblings[other].Remove(id)
	}
	delete(g.cells, id)
	delete(g.parents, id)
	delete(g.children, id)
	delete(g.siblings, id)
	delete(g.errors, id)
	g.detectCyclesLocked()
}

func (g *DirectedGraph) clearMultipleDefinitionLocked(name cellid.Name, owners common.Set[cellid.CellId]) {
	for owner := range owners {
		kept := g.errors[owner][:0]
		for _, err := range g.errors[owner] {
			if mde, ok := err.(*MultipleDefinitionError); ok && mde.Name == name {
				continue
			}
			kept = append(kept, err)
		}
		g.errors[owner] = kept
	}
}

// UpdateCode replaces a cell's CellImpl in place -- equivalent to
// Unregister+Register but preserving id and the mutable runtime slots
// (spec.md section 4.2). Output is deliberately NOT cleared here; the
// runner clears it at run start.
func (g *DirectedGraph) UpdateCode(id cellid.CellId, impl *analyzer.CellImpl) (*Cell, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	var saved *Cell
	if existing, ok := g.cells[id]; ok {
		saved = &Cell{
			RuntimeState:    existing.RuntimeState,
			RunResultStatus: existing.RunResultStatus,
			Output:          existing.Output,
		}
		g.unregisterLocked(id)
	}
	cell, err := g.registerLocked(impl)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		cell.RuntimeState = saved.RuntimeState
		cell.RunResultStatus = saved.RunResultStatus
		cell.Output = saved.Output
	}
	return cell, nil
}

// IsDisabled reports whether id's config is disabled, or any ancestor's is.
func (g *DirectedGraph) IsDisabled(id cellid.CellId) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.isDisabledLocked(id, common.MakeSet[cellid.CellId]())
}

func (g *DirectedGraph) isDisabledLocked(id cellid.CellId, visiting common.Set[cellid.CellId]) bool {
	cell, ok := g.cells[id]
	if !ok || visiting.Has(id) {
		return false
	}
	visiting.Insert(id)
	if cell.Impl.Config.Disabled {
		return true
	}
	for parent := range g.parents[id] {
		if g.isDisabledLocked(parent, visiting) {
			return true
		}
	}
	return false
}

// GetDefiningCells returns the (ideally singleton) set of cells currently
// claiming name.
func (g *DirectedGraph) GetDefiningCells(name cellid.Name) common.Set[cellid.CellId] {
	g.lock.Lock()
	defer g.lock.Unlock()
	if owners, ok := g.definitions[name]; ok {
		return owners.Clone()
	}
	return common.MakeSet[cellid.CellId]()
}

// SetCellConfig updates id's config in place; per SPEC_FULL.md's
// disabled-cell propagation detail, re-enabling a previously disabled cell
// marks it and its transitive children stale so the next autorun/stale-run
// re-queues them.
func (g *DirectedGraph) SetCellConfig(id cellid.CellId, config analyzer.CellConfig) {
	g.lock.Lock()
	defer g.lock.Unlock()
	cell, ok := g.cells[id]
	if !ok {
		return
	}
	wasDisabled := cell.Impl.Config.Disabled
	cell.Impl.Config = config
	if wasDisabled && !config.Disabled {
		cell.Stale = true
		for child := range g.transitiveClosureLocked(setOf(id), Children, false, nil) {
			g.cells[child].Stale = true
		}
	}
}

func setOf(ids ...cellid.CellId) common.Set[cellid.CellId] {
	s := common.MakeSet[cellid.CellId](len(ids))
	for _, id := range ids {
		s.Insert(id)
	}
	return s
}
