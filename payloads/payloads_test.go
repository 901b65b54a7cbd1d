package payloads

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	payload, err := Encode(&EchoRequest{Data: "x"})
	require.NoError(t, err)
	assert.Equal(t, "EchoRequest", payload.TypeName)

	decoded, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, &EchoRequest{Data: "x"}, decoded)

	target := &EchoRequest{}
	require.NoError(t, DecodeInto(payload, target))
	assert.Equal(t, "x", target.Data)

	// Decoding into the wrong type is an error.
	assert.Error(t, DecodeInto(payload, &EchoResponse{}))
}

type unregistered struct{}

func TestUnregisteredType(t *testing.T) {
	_, err := Encode(&unregistered{})
	assert.Error(t, err)

	_, err = New("NoSuchType")
	assert.Error(t, err)
}

func TestRegisterConflict(t *testing.T) {
	assert.Panics(t, func() {
		Register("EchoRequest", &EchoResponse{})
	})
	assert.Panics(t, func() {
		Register("NotAPointer", EchoResponse{})
	})
}
