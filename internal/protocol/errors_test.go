package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCellErrorExceptionRaisedMessage(t *testing.T) {
	err := &CellError{Kind: ErrorExceptionRaised, ExceptionType: "ValueError", Message: "boom"}
	assert.Equal(t, "ValueError: boom", err.Error())
}

func TestCellErrorStrictExecutionMessage(t *testing.T) {
	err := &CellError{Kind: ErrorStrictExecution, MissingRef: "x", OwningCellId: "c1"}
	assert.Equal(t, `missing ref "x" (expected from cell c1)`, err.Error())
}

func TestCellErrorAncestorStoppedMessage(t *testing.T) {
	err := &CellError{Kind: ErrorAncestorStopped, RaisingCellId: "c1"}
	assert.Equal(t, "ancestor c1 stopped", err.Error())
}

func TestCellErrorAncestorPreventedMessage(t *testing.T) {
	err := &CellError{Kind: ErrorAncestorPrevented, RaisingCellId: "c1"}
	assert.Equal(t, "ancestor c1 raised", err.Error())
}

func TestCellErrorMultipleDefsMessage(t *testing.T) {
	err := &CellError{Kind: ErrorMultipleDefs, ConflictingNames: []string{"x", "y"}}
	assert.Equal(t, "multiple definitions of [x y]", err.Error())
}

func TestCellErrorInternalMessageHidesDetail(t *testing.T) {
	err := NewInternalError("incident-123")
	assert.Equal(t, ErrorInternal, err.Kind)
	assert.Equal(t, "incident-123", err.IncidentId)
	assert.Equal(t, "internal error incident-123", err.Error())
	assert.Empty(t, err.Message, "the real error text must never reach the redacted placeholder")
}

func TestCellErrorDefaultMessageFallsBackToKindAndMessage(t *testing.T) {
	withMsg := &CellError{Kind: ErrorSyntaxError, Message: "unexpected token"}
	assert.Equal(t, "syntax: unexpected token", withMsg.Error())

	withoutMsg := &CellError{Kind: ErrorCycle}
	assert.Equal(t, "cycle", withoutMsg.Error())
}

func TestAsConsoleListNormalizesNilOp(t *testing.T) {
	assert.Nil(t, AsConsoleList(nil))
}

func TestAsConsoleListReturnsConsoleField(t *testing.T) {
	op := &CellOp{Console: []CellOutput{{Channel: ChannelStdout, Data: "hi"}}}
	got := AsConsoleList(op)
	assert.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Data)
}
