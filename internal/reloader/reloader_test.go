package reloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/analyzer"
	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/common"
	"github.com/marimo-team/reactive-kernel/internal/graph"
)

func TestCheckIgnoresFirstSight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a"), 0644))

	r := New(nil, "")
	changed := r.Check([]string{path})
	assert.Empty(t, changed, "first sight should establish a baseline, not report change")
}

func TestCheckDetectsLaterModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a"), 0644))

	r := New(nil, "")
	require.Empty(t, r.Check([]string{path}))

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))

	changed := r.Check([]string{path})
	assert.Equal(t, []string{path}, changed)

	// A second check with no further modification reports nothing new.
	assert.Empty(t, r.Check([]string{path}))
}

func TestCheckStickyFailsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.go")

	r := New(nil, "")
	assert.Empty(t, r.Check([]string{path}))
	assert.True(t, r.failed[path])
	// Stays failed even if the caller asks again.
	assert.Empty(t, r.Check([]string{path}))
}

func TestPollOnceMarksDependentsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helper.go")
	require.NoError(t, os.WriteFile(path, []byte("package helper"), 0644))

	g := graph.New()
	implA, err := analyzer.Analyze(cellid.CellId("a"), "import h \"demo.helper\"\nx = h", analyzer.LanguagePython, analyzer.CellConfig{})
	require.NoError(t, err)
	_, err = g.Register(implA)
	require.NoError(t, err)

	resolver := func(imp analyzer.ImportData) (string, bool) {
		if imp.Module == "demo.helper" {
			return path, true
		}
		return "", false
	}

	var staleSeen bool
	w, err := NewWatcher(g, resolver, New(nil, ""), func(cells common.Set[cellid.CellId]) {
		staleSeen = cells.Has(cellid.CellId("a"))
	}, false)
	require.NoError(t, err)
	defer w.fsw.Close()

	w.pollOnce() // establish baseline mtime
	assert.False(t, staleSeen)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
	w.pollOnce()
	assert.True(t, staleSeen)
}
