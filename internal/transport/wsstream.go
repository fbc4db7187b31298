package transport

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// WSStream is a transport.Stream + transport.ControlQueue backed by a
// single browser WebSocket connection -- the common case of a frontend
// talking to the kernel directly rather than through ZMQ (spec.md section 2
// keeps the HTTP server itself an external collaborator; this type only
// wraps one already-upgraded connection, matching the "no TLS, no auth, no
// reconnection logic" scope SPEC_FULL.md section 4 sets for both
// transport adapters).
type WSStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	requests chan protocol.ControlRequest
	stop     chan struct{}
	wait     sync.WaitGroup

	closeOnce sync.Once
}

// upgrader has permissive defaults on purpose: origin checking, compression
// tuning and the rest of a production HTTP server's concerns are out of
// scope here, same as the ZMQ adapter skips TLS.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWSStream upgrades r/w to a WebSocket connection and starts reading
// control requests off it.
func NewWSStream(w http.ResponseWriter, r *http.Request) (*WSStream, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade connection to websocket")
	}
	s := &WSStream{
		conn:     conn,
		requests: make(chan protocol.ControlRequest, 16),
		stop:     make(chan struct{}),
	}
	s.pollControl()
	return s, nil
}

// Send JSON-marshals msg and writes it as one text frame. Signing is left
// to the transport layer the connection already runs over (wss://), unlike
// ZMQStream which has no transport-level integrity guarantee of its own.
func (s *WSStream) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outbound message")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "failed to write websocket message")
	}
	return nil
}

// Requests implements ControlQueue.
func (s *WSStream) Requests() <-chan protocol.ControlRequest {
	return s.requests
}

func (s *WSStream) pollControl() {
	s.wait.Add(1)
	go func() {
		defer func() {
			s.wait.Done()
			close(s.requests)
		}()
		for {
			_, payload, err := s.conn.ReadMessage()
			if err != nil {
				select {
				case <-s.stop:
				default:
					klog.V(1).Infof("transport: websocket connection closed: %v", err)
				}
				return
			}
			var req protocol.ControlRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				klog.Warningf("transport: dropping malformed control request: %v", err)
				continue
			}
			select {
			case s.requests <- req:
			case <-s.stop:
				return
			}
		}
	}()
}

// Close closes the underlying connection and stops polling.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.conn.Close()
		s.wait.Wait()
	})
	return err
}
