package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
)

func TestAnalyzeSimpleAssignmentRecordsDefsAndRefs(t *testing.T) {
	cell, err := Analyze("a", "y = x + 1", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Defs.Has("y"))
	assert.True(t, cell.Refs.Has("x"))
}

func TestAnalyzeBuiltinIsNotARefUnlessShadowed(t *testing.T) {
	cell, err := Analyze("a", "y = len(s)", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.False(t, cell.Refs.Has("len"), "len is a builtin, not a ref, when not shadowed")
	assert.True(t, cell.Refs.Has("s"))
}

func TestAnalyzeBuiltinRedefinedInCellIsALocalNotARef(t *testing.T) {
	cell, err := Analyze("a", "len = 3\ny = len + 1", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Defs.Has("len"))
	assert.False(t, cell.Refs.Has("len"), "len resolves against this cell's own Defs, same as any other local")
}

func TestAnalyzeAugmentedAssignContributesDefAndRef(t *testing.T) {
	cell, err := Analyze("a", "x += 1", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Defs.Has("x"))
	assert.True(t, cell.Refs.Has("x"), "+= reads the previous value of x, not just assigns")
}

func TestAnalyzeSelectorOnlyRefsTheBase(t *testing.T) {
	cell, err := Analyze("a", "y = obj.Field", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Refs.Has("obj"))
	assert.False(t, cell.Refs.Has("Field"), "a selector's field name is not an identifier lookup")
}

func TestAnalyzeFuncLitParamsAreLocalNotRefs(t *testing.T) {
	cell, err := Analyze("a", "f := func(n int) int { return n + 1 }", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Defs.Has("f"))
	assert.False(t, cell.Refs.Has("n"), "n is a parameter of the literal, local to its own scope")
}

func TestAnalyzeFuncLitBodyStillRefsOuterNames(t *testing.T) {
	cell, err := Analyze("a", "f := func() int { return x + 1 }", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.Refs.Has("x"), "names unresolved inside the literal's own scope fall through to the cell scope")
}

func TestAnalyzeDelMarksDeletedRef(t *testing.T) {
	cell, err := Analyze("a", "del(x)", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.DeletedRefs.Has("x"))
}

func TestAnalyzeAwaitSetsIsCoroutine(t *testing.T) {
	cell, err := Analyze("a", "y = await(x)", LanguagePython, CellConfig{})
	require.NoError(t, err)

	assert.True(t, cell.IsCoroutine)
}

func TestAnalyzePlainImportDefinesFirstSegment(t *testing.T) {
	cell, err := Analyze("a", `import "a.b.c"`, LanguagePython, CellConfig{})
	require.NoError(t, err)

	require.Len(t, cell.Imports, 1)
	assert.Equal(t, "a", cell.Imports[0].Definition)
	assert.True(t, cell.Defs.Has("a"))
	vd := cell.VariableData["a"]
	require.Len(t, vd, 1)
	assert.Equal(t, KindImport, vd[0].Kind)
}

func TestAnalyzeFromImportAliasForm(t *testing.T) {
	cell, err := Analyze("a", `import sym "a.b#a.b.c"`, LanguagePython, CellConfig{})
	require.NoError(t, err)

	require.Len(t, cell.Imports, 1)
	imp := cell.Imports[0]
	assert.Equal(t, "a.b", imp.Module)
	assert.Equal(t, "a.b.c", imp.ImportedSymbol)
	assert.Equal(t, "sym", imp.Definition)
	assert.True(t, cell.Defs.Has("sym"))
}

func TestAnalyzeImportStarReturnsError(t *testing.T) {
	_, err := Analyze("a", `import . "a.b"`, LanguagePython, CellConfig{})
	require.Error(t, err)

	var ise *ImportStarError
	require.ErrorAs(t, err, &ise)
}

func TestAnalyzeSetupCellWithRefsReturnsError(t *testing.T) {
	_, err := Analyze(cellid.SetupCellId, "y = x + 1", LanguagePython, CellConfig{})
	require.Error(t, err)

	var sre *SetupRootError
	require.ErrorAs(t, err, &sre)
}

func TestAnalyzeSetupCellWithOnlyDefsIsFine(t *testing.T) {
	cell, err := Analyze(cellid.SetupCellId, "x = 1", LanguagePython, CellConfig{})
	require.NoError(t, err)
	assert.True(t, cell.Defs.Has("x"))
}

func TestAnalyzeMarkdownCellHasNoDefsOrRefs(t *testing.T) {
	cell, err := Analyze("a", "# some heading\nnot Go at all {{{", LanguageMarkdown, CellConfig{})
	require.NoError(t, err)
	assert.Empty(t, cell.Defs)
	assert.Empty(t, cell.Refs)
}

func TestAnalyzePythonCellExtractsEmbeddedSQLCall(t *testing.T) {
	cell, err := Analyze("a", "df = sql(`select * from widgets`)", LanguagePython, CellConfig{})
	require.NoError(t, err)
	require.Len(t, cell.SQLStatements, 1)
	assert.Equal(t, "select * from widgets", cell.SQLStatements[0])
}

func TestAnalyzeSQLCellExtractsStatements(t *testing.T) {
	cell, err := Analyze("a", "select * from widgets; select * from gadgets", LanguageSQL, CellConfig{})
	require.NoError(t, err)
	assert.Len(t, cell.SQLStatements, 2)
}

func TestAnalyzeSyntaxErrorReturnsError(t *testing.T) {
	_, err := Analyze("a", "x = (", LanguagePython, CellConfig{})
	require.Error(t, err)
}

func TestAnalyzeSameCodeProducesSameHash(t *testing.T) {
	c1, err := Analyze("a", "x = 1", LanguagePython, CellConfig{})
	require.NoError(t, err)
	c2, err := Analyze("b", "x = 1", LanguagePython, CellConfig{})
	require.NoError(t, err)
	assert.Equal(t, c1.CodeHash, c2.CodeHash)

	c3, err := Analyze("c", "x = 2", LanguagePython, CellConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, c1.CodeHash, c3.CodeHash)
}
