package bpoderr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("read: broken pipe")
	err := NewTransportError(TransportIO, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "io")
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestTransportKindString(t *testing.T) {
	assert.Equal(t, "io", TransportIO.String())
	assert.Equal(t, "timeout", TransportTimeout.String())
	assert.Equal(t, "closed", TransportClosed.String())
	assert.Equal(t, "unknown", TransportKind(99).String())
}

func TestHandshakeErrorMessage(t *testing.T) {
	err := &HandshakeError{Kind: HandshakeWrongMachine, Msg: "machine type 9 unsupported"}
	assert.Contains(t, err.Error(), "wrong_machine")
	assert.Contains(t, err.Error(), "machine type 9 unsupported")
}

func TestHandshakeKindString(t *testing.T) {
	assert.Equal(t, "wrong_firmware", HandshakeWrongFirmware.String())
	assert.Equal(t, "wrong_machine", HandshakeWrongMachine.String())
	assert.Equal(t, "unexpected_byte", HandshakeUnexpectedByte.String())
	assert.Equal(t, "unknown", HandshakeKind(99).String())
}
