// Package transport defines the kernel's two physical-socket-facing
// interfaces, generalized from the teacher's kernel/kernel.go (which ties
// the kernel directly to ZMQ and Jupyter's specific wire framing). Here the
// socket/HTTP server itself stays an external collaborator (spec.md section
// 2's "out of scope" list); transport only standardizes how the kernel loop
// reaches it, so a concrete adapter (zmqstream, wsstream) can be swapped in
// without touching internal/kernelloop.
package transport

import "github.com/marimo-team/reactive-kernel/internal/protocol"

// Stream is the kernel's outbound broadcast channel -- the analogue of the
// teacher's IOPub socket. Every frontend message kind defined in
// internal/protocol (CellOp, KernelReady, Alert, Variables, Datasets, ...)
// is sent through it as a tagged Go value; a concrete adapter decides how to
// frame and transmit it on the wire.
type Stream interface {
	// Send broadcasts msg to every connected subscriber.
	Send(msg any) error

	// Close stops the stream and releases its underlying socket(s).
	Close() error
}

// ControlQueue is the kernel's inbound channel of control requests -- the
// analogue of the teacher's shell/control socket pair, collapsed into one
// channel since this rewrite has no notion of a separate "jump the queue"
// control priority (spec.md section 6 describes a single ordered queue).
type ControlQueue interface {
	// Requests returns the channel the kernel loop range-reads. It is
	// closed when the underlying transport is closed or its connection
	// drops.
	Requests() <-chan protocol.ControlRequest

	// Close stops accepting requests and releases the underlying socket(s).
	Close() error
}
