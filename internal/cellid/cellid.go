// Package cellid defines the opaque identifier used for cells throughout the
// kernel, and the Name type used for defined/referenced symbols.
package cellid

import (
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// CellId uniquely identifies a cell for the lifetime of a notebook session.
// It is opaque outside this package: callers should not assume any
// structure (ordering, prefix, etc).
type CellId string

// Name is a symbol bound or referenced by a cell at module scope.
type Name string

// SetupCellId is the distinguished id of the (optional) setup cell: a cell
// that is expected to run first and own only definitions, never refs (see
// analyzer.SetupRootError).
const SetupCellId CellId = "setup"

// New generates a fresh, random CellId.
func New() (CellId, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate cell id")
	}
	return CellId(id.String()), nil
}

// MustNew is like New, but panics on error. Suitable for tests and
// initialization code where failure is not recoverable.
func MustNew() CellId {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}
