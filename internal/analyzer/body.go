package analyzer

import (
	"go/ast"
	"go/token"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
)

// bodyAnalyzer walks the synthetic function body representing a cell and
// fills in Defs/Refs/DeletedRefs/VariableData/IsCoroutine.
//
// Per spec.md section 4.1, Python's `if`/`for`/`while` do not introduce new
// scopes (only `def`/`class`/lambda do), so this walk treats every
// statement list as flat "module scope" except the body of a nested
// *ast.FuncLit, which gets its own local-name set (collectDefs is called
// again, recursively, for each FuncLit it meets).
type bodyAnalyzer struct {
	cell     *CellImpl
	shadowed common.Set[string]
	sawAwait bool
}

// collectDefs walks stmts (optionally nested, via "nested" meaning "already
// inside a FuncLit") and records every name bound at this flat scope into
// a.cell.Defs (cell-level) or, when nested, into the returned local set.
func (a *bodyAnalyzer) collectDefs(stmts []ast.Stmt, nested bool) common.Set[cellid.Name] {
	local := common.MakeSet[cellid.Name]()
	add := func(name string) {
		if name == "" || name == "_" {
			return
		}
		n := cellid.Name(name)
		if nested {
			local.Insert(n)
		} else {
			a.cell.Defs.Insert(n)
		}
	}
	var visit func(n ast.Node) bool
	visit = func(n ast.Node) bool {
		switch s := n.(type) {
		case *ast.FuncLit:
			// New scope: don't leak its params/body locals up, and don't
			// descend further here -- collectRefs handles its body with
			// its own scope on the stack.
			return false
		case *ast.AssignStmt:
			for _, lhs := range s.Lhs {
				if id, ok := lhs.(*ast.Ident); ok {
					add(id.Name)
				}
			}
			// Don't recurse into Rhs for defs (handled as refs later), but
			// do continue walking Rhs subtrees for nested FuncLits/defs
			// they might themselves introduce (e.g. `f := func(){ g := 1 }`
			// handled when we hit the FuncLit node itself during the
			// generic walk below).
			for _, rhs := range s.Rhs {
				ast.Inspect(rhs, visit)
			}
			return false
		case *ast.DeclStmt:
			gd, ok := s.Decl.(*ast.GenDecl)
			if !ok {
				return true
			}
			for _, spec := range gd.Specs {
				switch sp := spec.(type) {
				case *ast.ValueSpec:
					for _, id := range sp.Names {
						add(id.Name)
					}
					for _, v := range sp.Values {
						ast.Inspect(v, visit)
					}
				case *ast.TypeSpec:
					add(sp.Name.Name)
				}
			}
			return false
		case *ast.RangeStmt:
			if id, ok := s.Key.(*ast.Ident); ok {
				add(id.Name)
			}
			if id, ok := s.Value.(*ast.Ident); ok {
				add(id.Name)
			}
			return true
		case *ast.TypeSwitchStmt:
			// `switch y := x.(type)` binds y in each case body; approximate
			// by treating it as a plain def at this flat scope (spec.md's
			// "case X as y" edge case).
			if assign, ok := s.Assign.(*ast.AssignStmt); ok {
				for _, lhs := range assign.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						add(id.Name)
					}
				}
			}
			return true
		}
		return true
	}
	for _, stmt := range stmts {
		ast.Inspect(stmt, visit)
	}
	return local
}

// funcLitLocals computes the full local-name set of a FuncLit: its
// parameters, named results, and every name its own body defines
// (recursively, flattening its own non-FuncLit nested blocks).
func (a *bodyAnalyzer) funcLitLocals(fl *ast.FuncLit) common.Set[cellid.Name] {
	locals := common.MakeSet[cellid.Name]()
	addField := func(fl *ast.FieldList) {
		if fl == nil {
			return
		}
		for _, f := range fl.List {
			for _, id := range f.Names {
				if id.Name != "_" {
					locals.Insert(cellid.Name(id.Name))
				}
			}
		}
	}
	addField(fl.Type.Params)
	addField(fl.Type.Results)
	nestedDefs := a.collectDefs(fl.Body.List, true)
	for n := range nestedDefs {
		locals.Insert(n)
	}
	return locals
}

// collectRefs walks stmts resolving every read-position *ast.Ident against
// the scope stack (innermost last); unresolved, non-builtin (or
// builtin-but-shadowed-in-this-cell) names become a.cell.Refs. It also
// detects `del(x)` and `await(...)`.
func (a *bodyAnalyzer) collectRefs(stmts []ast.Stmt, scopes []common.Set[cellid.Name]) {
	resolve := func(name string) {
		if name == "" || name == "_" {
			return
		}
		for _, scope := range scopes {
			if scope.Has(cellid.Name(name)) {
				return
			}
		}
		if builtins.Has(name) && !a.shadowed.Has(name) {
			return
		}
		a.cell.Refs.Insert(cellid.Name(name))
	}

	var visit func(n ast.Node) bool
	visit = func(n ast.Node) bool {
		switch e := n.(type) {
		case *ast.FuncLit:
			nested := append(append([]common.Set[cellid.Name]{}, scopes...), a.funcLitLocals(e))
			a.collectRefs(e.Body.List, nested)
			return false
		case *ast.SelectorExpr:
			// `x.Field`: only `x` is a ref, `Field` is not an identifier
			// lookup in our language.
			ast.Inspect(e.X, visit)
			return false
		case *ast.Field:
			// Struct/interface/function-signature field or parameter
			// names are declarations, not refs; only the type expression
			// can reference other cells' names.
			ast.Inspect(e.Type, visit)
			return false
		case *ast.KeyValueExpr:
			// Struct literal `Field: value`: Key is a field name, not a
			// ref, unless it's itself a composite key expression.
			if _, isIdent := e.Key.(*ast.Ident); !isIdent {
				ast.Inspect(e.Key, visit)
			}
			ast.Inspect(e.Value, visit)
			return false
		case *ast.AssignStmt:
			for _, lhs := range e.Lhs {
				if sel, ok := lhs.(*ast.SelectorExpr); ok {
					ast.Inspect(sel.X, visit)
				} else if idx, ok := lhs.(*ast.IndexExpr); ok {
					ast.Inspect(idx, visit)
				}
				// Plain *ast.Ident LHS of `:=`/`=` is a def, not a ref,
				// UNLESS it's an augmented assignment (`+=` etc), which
				// per spec.md contributes to both defs and refs. Insert
				// directly rather than going through resolve(): collectDefs
				// already added this same name to a.cell.Defs, so resolve's
				// scope check would otherwise treat it as already-bound and
				// silently drop the ref.
				if e.Tok != token.ASSIGN && e.Tok != token.DEFINE {
					if id, ok := lhs.(*ast.Ident); ok && id.Name != "_" {
						a.cell.Refs.Insert(cellid.Name(id.Name))
					}
				}
			}
			for _, rhs := range e.Rhs {
				ast.Inspect(rhs, visit)
			}
			return false
		case *ast.CallExpr:
			if id, ok := e.Fun.(*ast.Ident); ok {
				switch id.Name {
				case "del":
					for _, arg := range e.Args {
						if argId, ok := arg.(*ast.Ident); ok {
							if !a.cell.Defs.Has(cellid.Name(argId.Name)) {
								a.cell.DeletedRefs.Insert(cellid.Name(argId.Name))
							}
						}
					}
					return false
				case "await":
					a.sawAwait = true
				}
			}
			return true
		case *ast.Ident:
			resolve(e.Name)
			return false
		}
		return true
	}
	for _, stmt := range stmts {
		ast.Inspect(stmt, visit)
	}
}
