package rudp

import (
	"sync"
	"testing"
	"time"

	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackDelegate forwards a Channel's outbound packets directly to its
// peer's HandlePacket, skipping any real network so the pair can be
// exercised in-process.
type loopbackDelegate struct {
	mu   sync.Mutex
	peer *Channel
}

func (d *loopbackDelegate) OnRUDPChannelStateChanged(c *Channel, state State) {}
func (d *loopbackDelegate) OnRUDPChannelSendPacket(c *Channel, raw []byte) {
	d.mu.Lock()
	peer := d.peer
	d.mu.Unlock()
	if peer != nil {
		peer.HandlePacket(raw, false)
	}
}
func (d *loopbackDelegate) OnRUDPChannelError(c *Channel, err *rtcerrors.Error) {}

func newLoopbackChannelPair(t *testing.T) (chA, chB *Channel, sendA *stream.Writer, recvB *stream.Reader) {
	t.Helper()

	sendWriterA, sendReaderA := stream.New()
	recvWriterA, recvReaderA := stream.New()
	sendWriterB, sendReaderB := stream.New()
	recvWriterB, recvReaderB := stream.New()
	_ = sendWriterB
	_ = recvReaderA

	delA := &loopbackDelegate{}
	delB := &loopbackDelegate{}

	chA = NewChannel(Config{
		SendStream: sendReaderA, ReceiveStream: recvWriterA,
		NextSequenceNumberToSend: 1, NextSequenceNumberExpected: 1,
		TickInterval: 2 * time.Millisecond,
	}, delA)
	chB = NewChannel(Config{
		SendStream: sendReaderB, ReceiveStream: recvWriterB,
		NextSequenceNumberToSend: 1, NextSequenceNumberExpected: 1,
		TickInterval: 2 * time.Millisecond,
	}, delB)

	delA.mu.Lock()
	delA.peer = chB
	delA.mu.Unlock()
	delB.mu.Lock()
	delB.peer = chA
	delB.mu.Unlock()

	return chA, chB, sendWriterA, recvReaderB
}

func TestChannelDeliversBytesInOrder(t *testing.T) {
	chA, chB, sendA, recvB := newLoopbackChannelPair(t)
	defer chA.Shutdown()
	defer chB.Shutdown()

	sendA.Write([]byte("hello "), nil)
	sendA.Write([]byte("rudp"), nil)

	recvB.NotifyReaderReadyToRead()

	deadline := time.After(2 * time.Second)
	var got []byte
	for len(got) < len("hello rudp") {
		select {
		case <-recvB.ReaderReady():
			data, _ := recvB.Read(64)
			got = append(got, data...)
			recvB.NotifyReaderReadyToRead()
		case <-deadline:
			t.Fatalf("timed out waiting for delivery, got %q so far", got)
		}
	}

	assert.Equal(t, "hello rudp", string(got))
}

// TestHandleDataLockedDropsWhenReceiveBufferFull exercises the
// MaxReceiveBytes bound directly against a bare Channel, bypassing
// NewChannel's goroutines since handleDataLocked only needs its own
// fields (spec §4.9 "bounded map", §5 "drop + count").
func TestHandleDataLockedDropsWhenReceiveBufferFull(t *testing.T) {
	c := &Channel{
		cfg:      Config{MaxReceiveBytes: 10},
		received: make(map[uint64][]byte),
	}

	out := c.handleDataLocked(2, []byte("abcdef"), false)
	assert.Nil(t, out)
	assert.Equal(t, 6, c.receivedBytes)

	out = c.handleDataLocked(3, []byte("ghijkl"), false)
	assert.Nil(t, out)
	assert.Equal(t, uint64(6), c.droppedReceived)
	assert.Equal(t, 6, c.receivedBytes, "dropped packet must not be stored")

	out = c.handleDataLocked(1, []byte("z"), false)
	assert.Equal(t, [][]byte{[]byte("z"), []byte("abcdef")}, out)
	assert.Equal(t, 0, c.receivedBytes, "delivered payloads free their buffer space")
}

func TestChannelStateStartsConnected(t *testing.T) {
	chA, chB, _, _ := newLoopbackChannelPair(t)
	defer chA.Shutdown()
	defer chB.Shutdown()

	require.Equal(t, StateConnected, chA.GetState())
	require.Equal(t, StateConnected, chB.GetState())
}
