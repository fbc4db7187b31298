package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marimo-team/reactive-kernel/internal/cellid"
	"github.com/marimo-team/reactive-kernel/internal/protocol"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := &ZMQStream{key: []byte("shared-secret")}
	payload := []byte(`{"kind":"stop"}`)

	sig := s.sign(payload)
	require.NotEmpty(t, sig)
	assert.NoError(t, s.verify(sig, payload))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := &ZMQStream{key: []byte("shared-secret")}
	sig := s.sign([]byte(`{"kind":"stop"}`))
	assert.Error(t, s.verify(sig, []byte(`{"kind":"creation"}`)))
}

func TestSignIsNoopWithoutKey(t *testing.T) {
	s := &ZMQStream{}
	sig := s.sign([]byte("payload"))
	assert.Nil(t, sig)
	assert.NoError(t, s.verify(sig, []byte("payload")))
}

func TestParseRequestDecodesAfterIdentityFrames(t *testing.T) {
	s := &ZMQStream{key: []byte("secret")}
	payload := []byte(`{"Kind":"delete-cell","CellId":"c1"}`)
	frames := [][]byte{
		[]byte("identity-1"),
		[]byte("identity-2"),
		[]byte(wireDelimiter),
		s.sign(payload),
		payload,
	}

	req, err := s.parseRequest(frames)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReqDeleteCell, req.Kind)
	assert.Equal(t, cellid.CellId("c1"), req.CellId)
}

func TestParseRequestRejectsMissingDelimiter(t *testing.T) {
	s := &ZMQStream{}
	_, err := s.parseRequest([][]byte{[]byte("identity-1"), []byte("no-delimiter-here")})
	assert.Error(t, err)
}

func TestParseRequestRejectsBadSignature(t *testing.T) {
	s := &ZMQStream{key: []byte("secret")}
	payload := []byte(`{"Kind":"stop"}`)
	frames := [][]byte{
		[]byte(wireDelimiter),
		[]byte("not-a-valid-signature"),
		payload,
	}
	_, err := s.parseRequest(frames)
	assert.Error(t, err)
}
