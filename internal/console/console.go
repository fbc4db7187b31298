// Package console implements the console output buffering worker of
// spec.md section 4.6, grounded line-for-line on
// _examples/original_source/marimo/_messaging/console_output_worker.py's
// buffered_writer: a condition-variable/timer state machine that coalesces
// high-frequency stdout/stderr writes into batched CellOp messages. The
// timer starts only when a buffer goes from empty to non-empty and is
// decremented by elapsed wait time on every subsequent wake (not reset),
// so a cell that keeps producing output still flushes TIMEOUT after its
// first unflushed byte -- see SPEC_FULL.md section 3.
package console

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// Timeout is the fixed flush interval (spec.md section 4.6's "TIMEOUT =
// 10 ms").
const Timeout = 10 * time.Millisecond

// Msg is one console write, as in spec.md section 4.6.
type Msg struct {
	Stream   protocol.Channel // stdout, stderr, or stdin
	CellId   cellid.CellId
	Data     string
	Mimetype string
}

// Emitter is how the worker delivers a flushed CellOp to the kernel loop's
// stream -- kept as an interface (rather than importing protocol's stream
// transport directly) so tests can assert on emitted messages without a
// real transport.
type Emitter interface {
	EmitCellOp(protocol.CellOp)
}

// EmitterFunc adapts a plain function to Emitter.
type EmitterFunc func(protocol.CellOp)

func (f EmitterFunc) EmitCellOp(op protocol.CellOp) { f(op) }

// Worker is the dedicated consumer thread of spec.md section 4.6.
type Worker struct {
	mu      sync.Mutex
	cv      *sync.Cond
	queue   []Msg
	closed  bool
	emitter Emitter
	now     func() time.Time
}

// New returns a Worker that will flush batched CellOps to emitter. Run must
// be called (typically in its own goroutine) to start processing.
func New(emitter Emitter) *Worker {
	w := &Worker{emitter: emitter, now: time.Now}
	w.cv = sync.NewCond(&w.mu)
	return w
}

// Push enqueues a console message; Stdin messages are accepted too (a
// worker-bound prompt echo), per spec.md section 4.6's Msg definition.
func (w *Worker) Push(m Msg) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, m)
	w.cv.Signal()
}

// Close terminates the worker's Run loop cleanly -- the "single sentinel
// None message" of spec.md section 4.6, implemented here as a closed flag
// rather than a literal nil message since Go's type system lets us just
// say so directly.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cv.Signal()
}

// mergeOnAppend reports whether a and b can be coalesced: same stream and
// mimetype, per spec.md section 4.6 (and SPEC_FULL.md's warning that
// concatenation is only valid for sequential text mimetypes).
func mergeOnAppend(a, b Msg) bool {
	return a.Stream == b.Stream && a.Mimetype == b.Mimetype
}

func addToBuffer(m Msg, buffers map[cellid.CellId][]Msg) {
	buf := buffers[m.CellId]
	if len(buf) > 0 && mergeOnAppend(buf[len(buf)-1], m) {
		buf[len(buf)-1].Data += m.Data
	} else {
		buf = append(buf, m)
	}
	buffers[m.CellId] = buf
}

// Run executes the infinite loop of spec.md section 4.6's algorithm. It
// returns when Close is called and the queue has drained.
func (w *Worker) Run() {
	var timer time.Duration
	timerRunning := false
	buffers := make(map[cellid.CellId][]Msg)

	for {
		w.mu.Lock()
		for {
			if timerRunning && timer <= 0 {
				break
			}
			if len(w.queue) == 0 && w.closed {
				w.mu.Unlock()
				w.flush(buffers)
				return
			}
			if timerRunning {
				waitStart := w.now()
				w.waitWithTimeout(timer)
				elapsed := w.now().Sub(waitStart)
				timer -= elapsed
			} else if len(w.queue) == 0 {
				w.cv.Wait()
			}

			for len(w.queue) > 0 {
				m := w.queue[0]
				w.queue = w.queue[1:]
				addToBuffer(m, buffers)
			}
			if len(buffers) > 0 && !timerRunning {
				timer = Timeout
				timerRunning = true
			}
		}
		w.mu.Unlock()

		w.flush(buffers)
		buffers = make(map[cellid.CellId][]Msg)
		timerRunning = false
	}
}

// waitWithTimeout is sync.Cond.Wait bounded by d: it signals itself after d
// elapses if no Push/Close happens first. Must be called with w.mu held
// (matching sync.Cond.Wait's contract); it re-acquires the lock before
// returning, same as Wait.
func (w *Worker) waitWithTimeout(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		w.mu.Lock()
		close(done)
		w.cv.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		default:
		}
		if len(w.queue) > 0 || w.closed {
			return
		}
		w.cv.Wait()
	}
}

func (w *Worker) flush(buffers map[cellid.CellId][]Msg) {
	var total int
	for id, buf := range buffers {
		for _, m := range buf {
			total += len(m.Data)
			w.emitter.EmitCellOp(protocol.CellOp{
				CellId:  id,
				Console: []protocol.CellOutput{{Channel: m.Stream, Mimetype: m.Mimetype, Data: m.Data}},
			})
		}
	}
	if total > 0 {
		klog.V(2).Infof("console buffer flush: %s across %d cell(s)", humanize.Bytes(uint64(total)), len(buffers))
	}
}
