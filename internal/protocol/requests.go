package protocol

import "github.com/marimo-team/reactive-kernel/internal/cellid"

// RequestKind discriminates ControlRequest, the control queue's tagged sum
// (spec.md section 6).
type RequestKind string

const (
	ReqExecutionRequest      RequestKind = "execution-request"
	ReqExecuteMultiple       RequestKind = "execute-multiple"
	ReqExecuteStale          RequestKind = "execute-stale"
	ReqExecuteScratchpad     RequestKind = "execute-scratchpad"
	ReqSetUIElementValue     RequestKind = "set-ui-element-value"
	ReqSetCellConfig         RequestKind = "set-cell-config"
	ReqFunctionCall          RequestKind = "function-call"
	ReqDeleteCell            RequestKind = "delete-cell"
	ReqRename                RequestKind = "rename"
	ReqPreviewDatasetColumn  RequestKind = "preview-dataset-column"
	ReqCodeCompletion        RequestKind = "code-completion"
	ReqInstallMissingPackage RequestKind = "install-missing-packages"
	ReqStop                  RequestKind = "stop"
	ReqCreation              RequestKind = "creation"
)

// ExecutionRequest asks the kernel to (re)define and possibly run one cell.
type ExecutionRequest struct {
	CellId cellid.CellId
	Code   string
}

// CellConfig mirrors analyzer.CellConfig on the wire.
type CellConfig struct {
	Disabled bool
	HideCode bool
	Column   *int
}

// ControlRequest is the tagged-sum request read off the control queue.
// Kind selects which of the field groups below are populated, as the
// comment on each group says; ReqCreation is the one kind that uses
// several groups (Executions, UIValues and AutoRun) -- mirroring how
// spec.md section 6 describes the family.
type ControlRequest struct {
	Kind RequestKind

	// ReqExecutionRequest / ReqExecuteScratchpad
	Execution *ExecutionRequest

	// ReqExecuteMultiple / ReqCreation
	Executions []ExecutionRequest

	// ReqSetUIElementValue / ReqCreation
	UIValues map[string]any

	// ReqSetCellConfig
	CellConfigs map[cellid.CellId]CellConfig

	// ReqFunctionCall
	FunctionCallId string
	Namespace      string
	FunctionName   string
	Args           map[string]any

	// ReqDeleteCell
	CellId cellid.CellId

	// ReqRename
	Filename string

	// ReqCreation
	AutoRun bool
}
