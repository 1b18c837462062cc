package turn

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelDataRoundTrip(t *testing.T) {
	payload := []byte("hello relay")
	wire := encodeChannelData(0x4001, payload)

	frame, ok := decodeChannelData(wire)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4001), frame.channel)
	assert.Equal(t, payload, frame.payload)
}

func TestDecodeChannelDataRejectsSTUNLookingData(t *testing.T) {
	// A STUN message always starts with the top two bits clear, so its
	// first 16 bits read as < 0x4000.
	stunLike := []byte{0x00, 0x01, 0x00, 0x00}
	_, ok := decodeChannelData(stunLike)
	assert.False(t, ok)
}

func TestPad4(t *testing.T) {
	cases := map[int]int{0: 0, 1: 4, 3: 4, 4: 4, 5: 8, 13: 16}
	for in, want := range cases {
		assert.Equal(t, want, pad4(in), "pad4(%d)", in)
	}
}

// TestFramerDropsWhenBufferFullAndSignalsOnDrain pins down spec §4.6's
// bounded send buffer: a frame still stuck on the wire (net.Pipe's Write
// blocks until the peer reads) must keep counting against the cap, a
// write that would exceed it must be dropped, and writeReady must fire
// only once the peer actually reads and the buffer has room again.
func TestFramerDropsWhenBufferFullAndSignalsOnDrain(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var readyCalls int32
	f := NewFramer(clientConn, 8, func() { atomic.AddInt32(&readyCalls, 1) })
	defer f.Close()

	require.NoError(t, f.Write([]byte("abcdefgh")))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.buffered == 8
	}, time.Second, time.Millisecond, "first frame should occupy the whole buffer while stuck on the wire")

	require.NoError(t, f.Write([]byte("x")))
	f.mu.Lock()
	assert.Equal(t, 8, f.buffered, "write exceeding the cap must be dropped, not queued")
	f.mu.Unlock()

	buf := make([]byte, 8)
	_, err := io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(buf))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.buffered == 0
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&readyCalls) > 0
	}, time.Second, time.Millisecond, "writeReady must fire once the buffer drains from full")
}

func TestChannelSetAllocateStable(t *testing.T) {
	cs := newChannelSet()
	addr := mustAddr("198.51.100.5:9000")

	ch1, isNew1 := cs.allocate(addr)
	assert.True(t, isNew1)
	ch2, isNew2 := cs.allocate(addr)
	assert.False(t, isNew2)
	assert.Equal(t, ch1, ch2)

	peer, ok := cs.peerFor(ch1)
	require.True(t, ok)
	assert.Equal(t, addr.String(), peer.String())
}
