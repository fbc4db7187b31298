package protocol

import "fmt"

// ErrorKind discriminates the error taxonomy from spec section 3/7. It is
// the wire "type" tag for error payloads.
type ErrorKind string

const (
	ErrorCycle             ErrorKind = "cycle"
	ErrorMultipleDefs      ErrorKind = "multiple-defs"
	ErrorImportStar        ErrorKind = "import-star"
	ErrorSetupRoot         ErrorKind = "setup-root"
	ErrorInterruption      ErrorKind = "interruption"
	ErrorAncestorStopped   ErrorKind = "ancestor-stopped"
	ErrorAncestorPrevented ErrorKind = "ancestor-prevented"
	ErrorExceptionRaised   ErrorKind = "exception"
	ErrorSyntaxError       ErrorKind = "syntax"
	ErrorStrictExecution   ErrorKind = "strict-exception"
	ErrorInternal          ErrorKind = "internal"
	ErrorSQL               ErrorKind = "sql-error"
	ErrorUnknown           ErrorKind = "unknown"
)

// CellError is the tagged-sum error value attached to a CellOp or carried in
// DirectedGraph.errors. Only the fields relevant to Kind are populated; the
// rest are left at zero value, mirroring the teacher's GonbError, which
// only fills in what it has (goexec/errorpublish.go).
type CellError struct {
	Kind ErrorKind `json:"type"`

	// ExceptionRaised / StrictExecution / SQL
	ExceptionType string `json:"exception_type,omitempty"`
	Message       string `json:"msg,omitempty"`

	// StrictExecution: the ref that was missing, and the cell that should
	// have defined it.
	MissingRef   string `json:"missing_ref,omitempty"`
	OwningCellId string `json:"owning_cell_id,omitempty"`

	// AncestorStopped / AncestorPrevented: the cell that stopped or raised.
	RaisingCellId string `json:"raising_cell_id,omitempty"`

	// MultipleDefinition / Cycle: the names/edges involved.
	ConflictingNames []string `json:"names,omitempty"`

	// Internal: a redacted incident id; the real error is logged, not sent.
	IncidentId string `json:"incident_id,omitempty"`
}

func (e *CellError) Error() string {
	switch e.Kind {
	case ErrorExceptionRaised:
		return fmt.Sprintf("%s: %s", e.ExceptionType, e.Message)
	case ErrorStrictExecution:
		return fmt.Sprintf("missing ref %q (expected from cell %s)", e.MissingRef, e.OwningCellId)
	case ErrorAncestorStopped:
		return fmt.Sprintf("ancestor %s stopped", e.RaisingCellId)
	case ErrorAncestorPrevented:
		return fmt.Sprintf("ancestor %s raised", e.RaisingCellId)
	case ErrorMultipleDefs:
		return fmt.Sprintf("multiple definitions of %v", e.ConflictingNames)
	case ErrorInternal:
		return fmt.Sprintf("internal error %s", e.IncidentId)
	default:
		if e.Message != "" {
			return string(e.Kind) + ": " + e.Message
		}
		return string(e.Kind)
	}
}

// NewInternalError logs nothing itself (the caller should klog.Errorf the
// real err) and returns the redacted placeholder the frontend is allowed to
// see.
func NewInternalError(incidentId string) *CellError {
	return &CellError{Kind: ErrorInternal, IncidentId: incidentId}
}
