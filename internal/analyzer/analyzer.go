// Package analyzer implements the static analysis of cell source described
// in spec section 4.1. It is grounded on goexec/parser.go from the teacher
// repo, which walks go/ast to recover per-cell declarations; we generalize
// that walk from "merge declarations across cells for one compiled binary"
// to "compute defs/refs/imports for one cell in a reactive dataflow graph".
//
// The notebook's cell source is valid Go syntax for the body of a function
// (so a cell can contain a sequence of statements, not just declarations),
// plus file-scope import declarations. Two import forms beyond ordinary Go
// syntax give the notebook language the two Python import shapes spec.md
// names:
//
//   - `import "a.b.c"` (no alias) is "import a.b.c": it defines the first
//     dotted segment ("a") in the namespace, same as spec.md's example.
//   - `import sym "a.b#a.b.c"` (an aliased import whose path contains a
//     "#") is "from a.b import c as sym": Definition=sym, Module="a.b",
//     ImportedSymbol="a.b.c". Go has no "from X import Y" form, so this is
//     a deliberate notebook-language convention.
//   - `import . "a.b"` is Go's real dot-import syntax, and maps directly
//     onto "from a import *" -- ImportStarError.
package analyzer

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
)

// Language is the cell's source language, as in spec.md section 3. The
// value only selects an analysis/execution strategy -- see the package doc
// above and DESIGN.md for why "python" cells are parsed with go/parser.
type Language string

const (
	LanguagePython   Language = "python"
	LanguageSQL      Language = "sql"
	LanguageMarkdown Language = "markdown"
)

// VariableKind classifies one binding recorded in VariableData.
type VariableKind string

const (
	KindVariable VariableKind = "variable"
	KindFunction VariableKind = "function"
	KindClass    VariableKind = "class"
	KindImport   VariableKind = "import"
)

// ImportData describes one import declaration, per spec.md section 3.
type ImportData struct {
	Module         string
	ImportedSymbol string
	Definition     string
	Namespace      string
	ImportLevel    int
}

// VariableData describes one binding of a name within a cell. Cells that
// redefine a name have multiple entries in CellImpl.VariableData[name]; the
// last one wins for external visibility (spec.md section 3).
type VariableData struct {
	Kind          VariableKind
	RequiredRefs  common.Set[cellid.Name]
	UnboundedRefs common.Set[cellid.Name]
	ImportData    *ImportData
}

// CellConfig is the user-controlled, persisted configuration of a cell
// (spec.md section 3).
type CellConfig struct {
	Disabled bool
	HideCode bool
	Column   *int
}

// CellImpl is the immutable-code half of a cell: the result of analysis.
// Runtime-mutable fields (stale, output, run status, ...) live on
// graph.Cell, not here -- CellImpl is safe to share/compare by CodeHash.
type CellImpl struct {
	CellId     cellid.CellId
	Code       string
	CodeHash   string
	Language   Language
	Config     CellConfig
	IsCoroutine bool

	Defs         common.Set[cellid.Name]
	Refs         common.Set[cellid.Name]
	DeletedRefs  common.Set[cellid.Name]
	VariableData map[cellid.Name][]VariableData
	Imports      []ImportData

	// SQLStatements are the SQL statements found by Analyze: extracted by
	// ExtractSQL for "python" cells, or split from the whole body for "sql"
	// cells. Computed once, during Analyze.
	SQLStatements []string
}

// ImportStarError is returned when a cell uses a dot-import; the cell is
// refused (not compiled), per spec.md section 4.1.
type ImportStarError struct {
	CellId cellid.CellId
	Module string
}

func (e *ImportStarError) Error() string {
	return fmt.Sprintf("cell %s: `import . %q` (import-star) is not allowed", e.CellId, e.Module)
}

// SetupRootError is returned when the distinguished setup cell has refs,
// per spec.md section 4.1's "Edge cases".
type SetupRootError struct {
	CellId cellid.CellId
	Refs   []cellid.Name
}

func (e *SetupRootError) Error() string {
	return fmt.Sprintf("setup cell %s must have no refs, found %v", e.CellId, e.Refs)
}

// builtins is the set of predeclared identifiers that are not, by default,
// refs -- unless shadowed within the cell (see shadowedBuiltins below).
var builtins = common.MakeSet[string](40)

func init() {
	for _, name := range []string{
		"true", "false", "nil", "iota",
		"len", "cap", "append", "copy", "delete", "panic", "recover",
		"print", "println", "make", "new", "close", "complex", "real", "imag",
		"min", "max", "clear",
		"error", "string", "bool", "byte", "rune",
		"int", "int8", "int16", "int32", "int64",
		"uint", "uint8", "uint16", "uint32", "uint64", "uintptr",
		"float32", "float64", "complex64", "complex128",
		"any", "comparable",
		// Notebook-language builtins (see collectRefs in body.go and the
		// evaluator package).
		"del", "await", "state", "mo_stop",
	} {
		builtins.Insert(name)
	}
}

// Analyze parses cellCode and produces a CellImpl. lang selects which
// extraction strategy to run: "sql" cells skip Go parsing entirely and have
// their body split directly into statements; "markdown" cells have no defs
// or refs at all; "python" cells (the default, general case) are parsed as
// described in the package doc.
func Analyze(id cellid.CellId, code string, lang Language, config CellConfig) (*CellImpl, error) {
	cell := &CellImpl{
		CellId:       id,
		Code:         code,
		CodeHash:     hashCode(code),
		Language:     lang,
		Config:       config,
		Defs:         common.MakeSet[cellid.Name](),
		Refs:         common.MakeSet[cellid.Name](),
		DeletedRefs:  common.MakeSet[cellid.Name](),
		VariableData: make(map[cellid.Name][]VariableData),
	}

	switch lang {
	case LanguageMarkdown:
		return cell, nil
	case LanguageSQL:
		// A "sql"-language cell's whole body is SQL, unlike a "python" cell's
		// embedded sql()/query()/execute() literal (see sql.go); split it
		// directly rather than routing it through ExtractSQL's call-pattern
		// regexes, which would never match raw, unwrapped SQL text.
		cell.SQLStatements = splitStatements(code)
		return cell, nil
	}

	if err := analyzeGoLike(cell); err != nil {
		return nil, err
	}
	if id == cellid.SetupCellId && len(cell.Refs) > 0 {
		refs := make([]cellid.Name, 0, len(cell.Refs))
		for r := range cell.Refs {
			refs = append(refs, r)
		}
		return nil, errors.WithStack(&SetupRootError{CellId: id, Refs: refs})
	}
	return cell, nil
}

func hashCode(code string) string {
	// A content hash is enough to decide "interchangeable for analysis" per
	// spec.md section 3; FNV is fast and collision risk is irrelevant here
	// (it only gates a cache, not correctness).
	h := uint64(14695981039346656037)
	for i := 0; i < len(code); i++ {
		h ^= uint64(code[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}

const synthPackage = "cellbody"
const synthFuncName = "__cell__"

// Reparse re-runs the same wrap-and-parse step Analyze uses internally,
// returning the full *ast.File and its FileSet. The evaluator package calls
// this to recover the synthetic function body it compiles into expr
// programs, rather than duplicating the import/body-splitting convention.
func Reparse(id cellid.CellId, code string) (*ast.File, *token.FileSet, error) {
	src := wrapImportsAndBody(code)
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, string(id)+".go", src, parser.SkipObjectResolution|parser.AllErrors)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "cell %s: syntax error", id)
	}
	return file, fset, nil
}

// analyzeGoLike parses a "python"-language cell as described in the package
// doc: file-scope imports (including our two pseudo-forms) plus a function
// body holding the cell's statements.
func analyzeGoLike(cell *CellImpl) error {
	file, _, err := Reparse(cell.CellId, cell.Code)
	if err != nil {
		return err
	}

	for _, spec := range file.Imports {
		imp, isStar, err := parseImportSpec(spec)
		if err != nil {
			return err
		}
		if isStar {
			return errors.WithStack(&ImportStarError{CellId: cell.CellId, Module: imp.Module})
		}
		cell.Imports = append(cell.Imports, imp)
		if imp.Definition == "_" {
			continue
		}
		name := cellid.Name(imp.Definition)
		cell.Defs.Insert(name)
		cell.VariableData[name] = append(cell.VariableData[name], VariableData{
			Kind:          KindImport,
			RequiredRefs:  common.MakeSet[cellid.Name](),
			UnboundedRefs: common.MakeSet[cellid.Name](),
			ImportData:    &imp,
		})
	}

	var body *ast.BlockStmt
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Name.Name == synthFuncName {
			body = fd.Body
		}
	}
	if body == nil {
		return errors.Errorf("cell %s: internal error: synthetic function body not found", cell.CellId)
	}

	a := &bodyAnalyzer{cell: cell}
	a.collectDefs(body.List, false)
	a.shadowed = common.MakeSet[string]()
	for d := range cell.Defs {
		if builtins.Has(string(d)) {
			a.shadowed.Insert(string(d))
		}
	}
	a.collectRefs(body.List, []common.Set[cellid.Name]{cell.Defs})
	cell.IsCoroutine = a.sawAwait

	if stmts, err := ExtractSQL(cell.Code); err != nil {
		klog.Errorf("cell %s: SQL extraction failed, continuing with no statements: %+v", cell.CellId, err)
	} else {
		cell.SQLStatements = stmts
	}

	return nil
}

// wrapImportsAndBody splits leading `import` declarations (single-line or
// parenthesized blocks) from the rest of the cell, matching the notebook
// convention that imports may appear anywhere but are conventionally
// grouped. Non-import lines interleaved with an import block are left in
// the body, so an `import` statement deep in the cell still file-scopes
// correctly (Go doesn't care where in the decl list an import appears).
func wrapImportsAndBody(code string) string {
	lines := strings.Split(code, "\n")
	var importLines, bodyLines []string
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			importLines = append(importLines, line)
			if trimmed == ")" {
				inBlock = false
			}
		case strings.HasPrefix(trimmed, "import (") || trimmed == "import(":
			importLines = append(importLines, line)
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
			importLines = append(importLines, line)
		default:
			bodyLines = append(bodyLines, line)
		}
	}
	var buf strings.Builder
	buf.WriteString("package ")
	buf.WriteString(synthPackage)
	buf.WriteString("\n\n")
	buf.WriteString(strings.Join(importLines, "\n"))
	buf.WriteString("\n\nfunc ")
	buf.WriteString(synthFuncName)
	buf.WriteString("() {\n")
	buf.WriteString(strings.Join(bodyLines, "\n"))
	buf.WriteString("\n}\n")
	return buf.String()
}

func parseImportSpec(spec *ast.ImportSpec) (ImportData, bool, error) {
	path := strings.Trim(spec.Path.Value, `"`)
	alias := ""
	if spec.Name != nil {
		alias = spec.Name.Name
	}
	if alias == "." {
		return ImportData{Module: path}, true, nil
	}
	if alias == "_" {
		// Side-effect only import: no definition, no error.
		return ImportData{Module: path, Definition: "_"}, false, nil
	}
	if idx := strings.IndexByte(path, '#'); idx >= 0 {
		module, symbol := path[:idx], path[idx+1:]
		if alias == "" {
			return ImportData{}, false, errors.Errorf("import %q: `from X import Y` form requires an alias naming Y", path)
		}
		return ImportData{Module: module, ImportedSymbol: symbol, Definition: alias}, false, nil
	}
	segments := strings.Split(path, ".")
	def := segments[0]
	if alias != "" {
		def = alias
	}
	return ImportData{Module: path, Namespace: segments[0], Definition: def}, false, nil
}

// String returns "from module import symbol as definition" or "import module
// as definition" for debugging.
func (i ImportData) String() string {
	if i.ImportedSymbol != "" {
		return fmt.Sprintf("from %s import %s as %s", i.Module, i.ImportedSymbol, i.Definition)
	}
	return fmt.Sprintf("import %s as %s", i.Module, i.Definition)
}
