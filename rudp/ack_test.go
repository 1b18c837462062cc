package rudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	cases := [][]bool{
		{true, true, true},
		{false, false, false},
		{true, false, true, false, true},
		{false, true, true, true, false, false, true},
		{true},
		{},
	}
	for _, c := range cases {
		enc := encodeVector(c)
		dec := decodeVector(enc, len(c))
		assert.Equal(t, c, dec)
	}
}

func TestDecodeVectorShorterThanCountPadsMissing(t *testing.T) {
	enc := encodeVector([]bool{true, true})
	dec := decodeVector(enc, 5)
	assert.Equal(t, []bool{true, true, false, false, false}, dec)
}

func TestXorParity(t *testing.T) {
	assert.False(t, xorParity([]bool{}))
	assert.True(t, xorParity([]bool{true}))
	assert.False(t, xorParity([]bool{true, true}))
	assert.True(t, xorParity([]bool{true, false, true, true}))
}
