package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

// wireDelimiter separates ZMQ ROUTER identity frames from the signed
// payload, the same role "<IDS|MSG>" plays in kernel.go's FromWireMsg/
// ToWireMsg -- kept as a distinct literal since this wire format isn't
// Jupyter's.
const wireDelimiter = "<RK|MSG>"

// ZMQConfig configures a ZMQStream.
type ZMQConfig struct {
	// PubAddr is the address the outbound pub socket binds to, e.g.
	// "tcp://127.0.0.1:5555".
	PubAddr string

	// ControlAddr is the address the inbound router socket binds to.
	ControlAddr string

	// Key signs every outbound message and verifies every inbound one with
	// HMAC-SHA256, exactly as kernel.go's ToWireMsg/FromWireMsg do. Empty
	// disables signing, matching the teacher's "len(signKey) != 0" guard.
	Key []byte
}

// ZMQStream is a transport.Stream + transport.ControlQueue backed by ZMQ
// PUB (outbound) and ROUTER (inbound) sockets, adapting kernel.go's
// sign-then-frame wire protocol to carry internal/protocol messages
// instead of Jupyter's header/parent_header/metadata/content quadruple.
type ZMQStream struct {
	pub    zmq4.Socket
	router zmq4.Socket
	key    []byte

	requests chan protocol.ControlRequest
	stop     chan struct{}
	wait     sync.WaitGroup

	closeOnce sync.Once
}

// NewZMQStream binds both sockets and starts polling the control socket.
func NewZMQStream(cfg ZMQConfig) (*ZMQStream, error) {
	ctx := context.Background()
	s := &ZMQStream{
		pub:      zmq4.NewPub(ctx),
		router:   zmq4.NewRouter(ctx),
		key:      cfg.Key,
		requests: make(chan protocol.ControlRequest, 16),
		stop:     make(chan struct{}),
	}
	if err := s.pub.Listen(cfg.PubAddr); err != nil {
		return nil, errors.Wrapf(err, "failed to listen on pub address %q", cfg.PubAddr)
	}
	if err := s.router.Listen(cfg.ControlAddr); err != nil {
		return nil, errors.Wrapf(err, "failed to listen on control address %q", cfg.ControlAddr)
	}
	s.pollControl()
	return s, nil
}

// Send JSON-marshals msg, signs it and publishes it on the pub socket.
func (s *ZMQStream) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outbound message")
	}
	frames := [][]byte{[]byte(wireDelimiter), s.sign(payload), payload}
	zmqMsg := zmq4.NewMsgFrom(frames...)
	if err := s.pub.SendMulti(zmqMsg); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}
	return nil
}

func (s *ZMQStream) sign(payload []byte) []byte {
	if len(s.key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	sig := make([]byte, hex.EncodedLen(mac.Size()))
	hex.Encode(sig, mac.Sum(nil))
	return sig
}

func (s *ZMQStream) verify(signature, payload []byte) error {
	if len(s.key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	want := make([]byte, hex.EncodedLen(mac.Size()))
	hex.Encode(want, mac.Sum(nil))
	if !hmac.Equal(want, signature) {
		return errors.New("invalid message signature")
	}
	return nil
}

// Requests implements ControlQueue.
func (s *ZMQStream) Requests() <-chan protocol.ControlRequest {
	return s.requests
}

// pollControl mirrors kernel.go's pollCommonSocket: receive, parse, forward
// on a dedicated goroutine until Close.
func (s *ZMQStream) pollControl() {
	s.wait.Add(1)
	go func() {
		defer func() {
			s.wait.Done()
			close(s.requests)
		}()
		for {
			zmqMsg, err := s.router.Recv()
			if err != nil {
				select {
				case <-s.stop:
					return
				default:
					klog.Warningf("transport: control socket recv failed: %v", err)
					return
				}
			}
			req, err := s.parseRequest(zmqMsg.Frames)
			if err != nil {
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

// parseRequest scans past ROUTER identity frames for wireDelimiter, verifies
// the signature and decodes the JSON payload, the same shape as
// kernel.go's FromWireMsg but for a single payload frame rather than four.
func (s *ZMQStream) parseRequest(parts [][]byte) (protocol.ControlRequest, error) {
	var req protocol.ControlRequest
	i := 0
	for i < len(parts) && string(parts[i]) != wireDelimiter {
		i++
	}
	if i+2 >= len(parts) {
		return req, errors.New("malformed frame: missing signature/payload after delimiter")
	}
	signature, payload := parts[i+1], parts[i+2]
	if err := s.verify(signature, payload); err != nil {
		return req, err
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, errors.Wrap(err, "failed to decode ControlRequest")
	}
	return req, nil
}

// Close stops polling and releases both sockets.
func (s *ZMQStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.pub.Close()
		if cerr := s.router.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.wait.Wait()
	})
	return err
}
