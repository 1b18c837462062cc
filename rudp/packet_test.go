package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalPacketRoundTrip(t *testing.T) {
	h := header{SequenceNumber: 42, GSNR: 100, GSNFR: 90, Flags: FlagVP | FlagEC}
	vector := encodeVector([]bool{true, false, true})
	payload := []byte("hello rudp")

	raw := marshalPacket(h, vector, payload)
	gotH, gotVector, gotPayload, err := unmarshalPacket(raw)
	require.NoError(t, err)

	assert.Equal(t, h, gotH)
	assert.Equal(t, vector, gotVector)
	assert.Equal(t, payload, gotPayload)
}

func TestUnmarshalPacketTooShort(t *testing.T) {
	_, _, _, err := unmarshalPacket([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUint48RoundTrip(t *testing.T) {
	values := []uint64{0, 1, u48Max, 0x0000ffffffffff, 123456789}
	for _, v := range values {
		b := make([]byte, 6)
		putUint48(b, v)
		assert.Equal(t, v, getUint48(b))
	}
}
