// Package protocol defines the tagged-sum wire messages exchanged between
// the kernel and its frontend, grounded on the teacher's approach to wire
// messages (kernel.ComposedMsg in kernel/kernel.go) generalized to a plain
// Go tagged union instead of Jupyter's specific header/content framing,
// since the physical socket protocol is an external collaborator (spec.md
// section 2) reached only through the transport package.
package protocol

import "github.com/marimo-team/reactive-kernel/internal/cellid"

// Channel enumerates the kind of a CellOutput, as in spec.md section 3.
type Channel string

const (
	ChannelStdout      Channel = "stdout"
	ChannelStderr      Channel = "stderr"
	ChannelStdin       Channel = "stdin"
	ChannelOutput      Channel = "output"
	ChannelMarimoError Channel = "marimo-error"
	ChannelMedia       Channel = "media"
)

// CellOutput is a single piece of output data, as in spec.md section 3.
type CellOutput struct {
	Channel   Channel `json:"channel"`
	Mimetype  string  `json:"mimetype"`
	Data      string  `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// Status is the lifecycle status of a cell run, as used on the wire.
type Status string

const (
	StatusIdle                  Status = "idle"
	StatusQueued                Status = "queued"
	StatusRunning                Status = "running"
	StatusDisabled               Status = "disabled"
	StatusDisabledTransitively  Status = "disabled-transitively"
)

// CellOp is the frontend message carrying an incremental update for one
// cell. Absent (nil) fields mean "unchanged" at the receiver -- this is the
// crux of the SessionView merge rule (spec.md section 4.5).
type CellOp struct {
	CellId    cellid.CellId `json:"cell_id"`
	Output    *CellOutput   `json:"output,omitempty"`
	Console   []CellOutput  `json:"console,omitempty"`
	Status    *Status       `json:"status,omitempty"`
	Timestamp float64       `json:"timestamp"`
}

// AsConsoleList normalizes the "CellOutput | list<CellOutput>" union from
// spec.md section 3 into a slice, the way SessionView.MergeCellOp needs it.
func AsConsoleList(c *CellOp) []CellOutput {
	if c == nil {
		return nil
	}
	return c.Console
}

// KernelReady is the bootstrap message sent to a newly (re)connected
// subscriber, assembled from SessionView and DirectedGraph.
type KernelReady struct {
	CellIds         []cellid.CellId          `json:"cell_ids"`
	Codes           []string                 `json:"codes"`
	Names           []string                 `json:"names"`
	Configs         []CellConfigWire         `json:"configs"`
	Layout          string                   `json:"layout"`
	Resumed         bool                     `json:"resumed"`
	UIValues        map[string]any           `json:"ui_values"`
	LastExecuted    map[cellid.CellId]string `json:"last_executed_code"`
}

// CellConfigWire is the wire projection of analyzer.CellConfig.
type CellConfigWire struct {
	Disabled bool `json:"disabled"`
	HideCode bool `json:"hide_code"`
	Column   *int `json:"column,omitempty"`
}

// Interrupted notifies the frontend that a run was interrupted; the session
// view resolves any pending stdin prompt in response to this message too.
type Interrupted struct{}

// CompletedRun marks the end of a runner invocation (including any
// follow-up reactive-state runs).
type CompletedRun struct{}

// Alert is a generic, user-facing notice -- used for "not supported by this
// kernel core" responses to control requests this core doesn't implement
// (package install, dataset preview, code completion, function calls: all
// external-collaborator concerns per spec.md section 1).
type Alert struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// VariableDescriptor is one entry of the Variables broadcast (spec.md
// section 4.5): which cell currently owns a name, and which cells use it.
type VariableDescriptor struct {
	Name        string        `json:"name"`
	DefinedBy   cellid.CellId `json:"defined_by"`
	UsedBy      []cellid.CellId `json:"used_by"`
}

// Variables is the broadcast of the current name->owner mapping.
type Variables struct {
	Variables []VariableDescriptor `json:"variables"`
}

// VariableValues carries the actual runtime values for a set of names, for
// frontend preview widgets.
type VariableValues struct {
	Values map[string]VariableValue `json:"values"`
}

// VariableValue is one name's previewable value.
type VariableValue struct {
	Name        string `json:"name"`
	Preview     string `json:"preview"`
	DataType    string `json:"datatype"`
}

// Dataset describes a table-like object discovered by SQL cell analysis
// (spec.md section 4.1/4.5).
type Dataset struct {
	SourceType string `json:"source_type"`
	Name       string `json:"name"`
	Columns    []string `json:"columns,omitempty"`
}

// Datasets is the broadcast of all known datasets, keyed implicitly by
// (SourceType, Name).
type Datasets struct {
	Tables       []Dataset `json:"tables"`
	ClearChannel string    `json:"clear_channel,omitempty"`
}

// DataSourceConnection describes a named external data connection (SQL
// engine adapter handle, upserted by name per spec.md section 4.5).
type DataSourceConnection struct {
	Name    string `json:"name"`
	Dialect string `json:"dialect"`
}
