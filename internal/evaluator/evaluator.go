// Package evaluator embeds and drives github.com/expr-lang/expr to run a
// cell's statements against the notebook's shared globals, per spec.md
// section 1's explicit non-goal: the kernel is not a general-purpose
// interpreter, it "embeds and drives an existing expression evaluator for
// the notebook's source language." The analyzer (internal/analyzer) already
// reduces each cell to a flat sequence of top-level statements; this
// package compiles each one expr can compile (assignments and bare
// expression statements) and runs them in order against a single shared
// environment, the same globals map the teacher's goexec package threads
// through a compiled binary (goexec/execcode.go) -- we use a map instead of
// a process because our statements are expr programs, not linked object
// code.
package evaluator

import (
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
)

// Statement is one compiled top-level statement of a cell.
type Statement struct {
	// Assigns is the name this statement's result is stored under in
	// globals, or "" for a bare expression statement (spec.md's "last
	// expression is the cell's output" rule applies only to these).
	Assigns string

	// IsStateInit marks a `get, set = state(initial)` statement (spec.md
	// section 4.9): Program compiles only the initial-value argument, and
	// SetStateAssigns/AllowSelfLoops carry the rest of the call that an
	// ordinary assignment has no room for.
	IsStateInit     bool
	SetStateAssigns string
	AllowSelfLoops  bool

	Program *vm.Program
	Source  string
}

// Program is a cell's compiled body: an ordered list of statements to run
// against the shared globals map.
type Program struct {
	CellId     cellid.CellId
	Statements []Statement
}

// MissingRefError wraps an expr runtime error caused by referencing a name
// not present in globals -- the runtime analogue of analyzer's static ref
// resolution, surfaced when static analysis under-approximated (e.g. a ref
// reached only through a closure expr can't see into).
type MissingRefError struct {
	Ref   string
	Cause error
}

func (e *MissingRefError) Error() string {
	return "undefined: " + e.Ref
}

func (e *MissingRefError) Unwrap() error { return e.Cause }

// InterruptedError is returned by Run when opts.Ctx is done before the
// program finishes; runner.Run translates it into a runner.Interrupted.
type InterruptedError struct{}

func (*InterruptedError) Error() string { return "interrupted" }

// StoppedError is returned by Run when a cell calls mo_stop; runner.Run
// translates it into a runner.Stopped carrying the same Output.
type StoppedError struct{ Output any }

func (*StoppedError) Error() string { return "stopped" }

// StateFactory constructs the getter/setter pair backing a `get, set =
// state(initial)` statement (spec.md section 4.9). It is injected by the
// caller rather than called directly by this package because the real
// implementation (internal/reactivestate.State) sits behind internal/runner,
// which itself imports this package -- evaluator can't import reactivestate
// without creating an import cycle.
type StateFactory func(initial any, refName string, allowSelfLoops bool) (getter any, setter any)

// defaultStateFactory backs a state() call when no StateFactory is supplied
// (e.g. the evaluator run directly in tests, outside a Runner): a plain
// in-memory cell with no fixed-point re-run scheduling.
func defaultStateFactory(initial any, _ string, _ bool) (any, any) {
	value := initial
	getter := func() any { return value }
	setter := func(v any) { value = v }
	return getter, setter
}

// ConsoleSink receives formatted output from a cell's print calls (spec.md
// section 4.3's "execution context that captures imperative output
// appends"). The caller (internal/runner) forwards it to the console
// coalescing worker; evaluator has no opinion on where it ends up.
type ConsoleSink func(data string)

// RunOptions carries the optional, cross-cutting pieces of a Run call that
// don't belong on Program or Statement: cooperative interruption, the
// reactive-state constructor, and the console sink. A zero-value RunOptions
// is legal -- every field degrades to a harmless default.
type RunOptions struct {
	Ctx      context.Context
	NewState StateFactory
	Console  ConsoleSink
}

// Compile turns a CellImpl's body into a Program of expr VM programs. Only
// "python"-language cells have a body worth compiling; sql/markdown cells
// compile to an empty Program (the runner treats them as always-succeeding
// no-ops, per spec.md section 4.1's per-language dispatch).
func Compile(cell *analyzer.CellImpl) (*Program, error) {
	prog := &Program{CellId: cell.CellId}
	if cell.Language != analyzer.LanguagePython {
		return prog, nil
	}

	file, fset, err := analyzer.Reparse(cell.CellId, cell.Code)
	if err != nil {
		return nil, errors.WithMessagef(err, "cell %s: re-parsing body for compilation", cell.CellId)
	}

	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Body == nil {
			continue
		}
		for _, stmt := range fd.Body.List {
			compiled, err := compileStatement(fset, stmt)
			if err != nil {
				// A statement expr can't compile (a real Go control-flow
				// construct: if/for/switch) is left un-compiled; the
				// runner still runs it as a no-op rather than failing the
				// whole cell, since expr intentionally only covers the
				// expression subset spec.md asks the core to embed, not a
				// general-purpose interpreter.
				continue
			}
			prog.Statements = append(prog.Statements, *compiled)
		}
	}
	return prog, nil
}

func compileStatement(fset *token.FileSet, stmt ast.Stmt) (*Statement, error) {
	switch s := stmt.(type) {
	case *ast.AssignStmt:
		if stateStmt, ok, err := compileStateInit(fset, s); ok || err != nil {
			return stateStmt, err
		}
		if len(s.Lhs) != 1 || len(s.Rhs) != 1 {
			return nil, errors.New("multi-value assignment not supported by the embedded evaluator")
		}
		ident, ok := s.Lhs[0].(*ast.Ident)
		if !ok || ident.Name == "_" {
			return nil, errors.New("non-identifier assignment target")
		}
		src, err := exprSource(fset, s.Rhs[0])
		if err != nil {
			return nil, err
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, errors.WithMessage(err, "compiling assignment RHS")
		}
		return &Statement{Assigns: ident.Name, Program: program, Source: src}, nil
	case *ast.ExprStmt:
		src, err := exprSource(fset, s.X)
		if err != nil {
			return nil, err
		}
		program, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, errors.WithMessage(err, "compiling expression statement")
		}
		return &Statement{Program: program, Source: src}, nil
	default:
		return nil, errors.New("statement kind not covered by the embedded expression evaluator")
	}
}

// compileStateInit recognizes `get, set = state(initial[, allowSelfLoops])`
// (spec.md section 4.9's state-object constructor) and, if s has that
// shape, compiles only the initial-value argument -- the call itself is
// never handed to expr, since "state" has no meaning as an expr function,
// only as this package's own compile-time construct. The second bool
// return is true whenever s's left-hand side has the two-target shape this
// function owns, even on a compile error, so the caller never falls through
// to the ordinary single-assignment path for it.
func compileStateInit(fset *token.FileSet, s *ast.AssignStmt) (*Statement, bool, error) {
	if len(s.Lhs) != 2 || len(s.Rhs) != 1 {
		return nil, false, nil
	}
	call, ok := s.Rhs[0].(*ast.CallExpr)
	if !ok {
		return nil, false, nil
	}
	fn, ok := call.Fun.(*ast.Ident)
	if !ok || fn.Name != "state" {
		return nil, false, nil
	}
	getIdent, ok1 := s.Lhs[0].(*ast.Ident)
	setIdent, ok2 := s.Lhs[1].(*ast.Ident)
	if !ok1 || !ok2 || getIdent.Name == "_" || setIdent.Name == "_" {
		return nil, true, errors.New("state() targets must be plain identifiers")
	}

	initSrc := "nil"
	if len(call.Args) > 0 {
		src, err := exprSource(fset, call.Args[0])
		if err != nil {
			return nil, true, err
		}
		initSrc = src
	}
	allowSelfLoops := false
	if len(call.Args) > 1 {
		lit, ok := call.Args[1].(*ast.Ident)
		if !ok || (lit.Name != "true" && lit.Name != "false") {
			return nil, true, errors.New("state()'s allow_self_loops argument must be a literal true/false")
		}
		allowSelfLoops = lit.Name == "true"
	}

	program, err := expr.Compile(initSrc, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, true, errors.WithMessage(err, "compiling state() initial value")
	}
	return &Statement{
		Assigns:         getIdent.Name,
		IsStateInit:     true,
		SetStateAssigns: setIdent.Name,
		AllowSelfLoops:  allowSelfLoops,
		Program:         program,
		Source:          initSrc,
	}, true, nil
}

// exprSource renders a single Go expression back to source text so expr can
// parse it. expr's grammar is close enough to Go's expression grammar
// (arithmetic, calls, indexing, field/method access, composite literals are
// the common cases) that round-tripping through go/format is sufficient for
// the subset analyzer.go lets through.
func exprSource(fset *token.FileSet, e ast.Expr) (string, error) {
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if err := format.Node(w, fset, e); err != nil {
		return "", errors.WithStack(err)
	}
	return string(buf), nil
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Run executes prog's statements in order against globals, returning the
// value of the last bare expression statement (the cell's "last expression
// is its output" rule) and any error from the first failing statement.
// Globals already populated by earlier cells are visible to every
// expression via expr's map-as-environment convention.
//
// Before running any statement, Run binds two builtins into globals
// (analyzer.go lists both names as builtins, so using them is not a ref):
// mo_stop, spec.md section 4.3/8's cooperative-stop signal, and print,
// which forwards its arguments to opts.Console. Both are rebound on
// every call so their captured state (stopped/stopOutput below) is scoped
// to this one Run, not leaked across cells sharing the same globals map.
func Run(prog *Program, globals map[string]any, opts RunOptions) (any, error) {
	newState := opts.NewState
	if newState == nil {
		newState = defaultStateFactory
	}
	console := opts.Console
	if console == nil {
		console = func(string) {}
	}

	var stopped bool
	var stopOutput any
	globals["mo_stop"] = func(output any) any {
		stopped = true
		stopOutput = output
		return nil
	}
	globals["print"] = func(args ...any) any {
		console(formatPrintArgs(args))
		return nil
	}

	var output any
	for _, stmt := range prog.Statements {
		if opts.Ctx != nil {
			select {
			case <-opts.Ctx.Done():
				return nil, &InterruptedError{}
			default:
			}
		}

		result, err := vm.Run(stmt.Program, globals)
		if err != nil {
			if ref := undefinedRef(err); ref != "" {
				return nil, &MissingRefError{Ref: ref, Cause: err}
			}
			return nil, errors.WithMessagef(err, "evaluating %q", stmt.Source)
		}

		switch {
		case stmt.IsStateInit:
			getter, setter := newState(result, stmt.Assigns, stmt.AllowSelfLoops)
			globals[stmt.Assigns] = getter
			globals[stmt.SetStateAssigns] = setter
			output = nil
		case stmt.Assigns != "":
			globals[stmt.Assigns] = result
			output = nil
		default:
			output = result
		}

		if stopped {
			return stopOutput, &StoppedError{Output: stopOutput}
		}
	}
	return output, nil
}

// formatPrintArgs renders print's arguments the way Python's print joins
// them: space-separated, via each value's default string conversion.
func formatPrintArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, " ")
}

// undefinedRef best-effort extracts the offending name from expr's runtime
// "unknown name" panic-turned-error text; "" if err isn't that shape.
func undefinedRef(err error) string {
	const prefix = "unknown name "
	msg := err.Error()
	for i := 0; i+len(prefix) <= len(msg); i++ {
		if msg[i:i+len(prefix)] == prefix {
			rest := msg[i+len(prefix):]
			if len(rest) >= 2 && rest[0] == '"' {
				if end := indexByte(rest[1:], '"'); end >= 0 {
					return rest[1 : 1+end]
				}
			}
		}
	}
	return ""
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
