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

// loopbackSender delivers a Transport's outbound datagrams to whichever
// peer Transport is wired up, synchronously, so the handshake can be
// exercised without real sockets.
type loopbackSender struct {
	mu   sync.Mutex
	peer *Transport
}

func (s *loopbackSender) SendRUDPDatagram(raw []byte) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		peer.HandleDatagram(raw, false)
	}
	return nil
}

type recordingTransportDelegate struct {
	mu      sync.Mutex
	opened  []uint16
	channel chan struct{}
}

func newRecordingTransportDelegate() *recordingTransportDelegate {
	return &recordingTransportDelegate{channel: make(chan struct{}, 4)}
}

func (d *recordingTransportDelegate) OnRUDPTransportNewChannel(t *Transport, channelNumber uint16, c *Channel) {
	d.mu.Lock()
	d.opened = append(d.opened, channelNumber)
	d.mu.Unlock()
	select {
	case d.channel <- struct{}{}:
	default:
	}
}

func (d *recordingTransportDelegate) OnRUDPTransportIncomingOpen(t *Transport, peerInfo ConnectionInfo) (Config, Delegate) {
	sendWriter, sendReader := stream.New()
	recvWriter, recvReader := stream.New()
	_ = sendWriter
	_ = recvReader
	return Config{
		SendStream: sendReader, ReceiveStream: recvWriter,
		NextSequenceNumberToSend: 1, NextSequenceNumberExpected: peerInfo.NextSequenceNumberToSend,
		TickInterval: 2 * time.Millisecond,
	}, &loopbackChannelDelegate{}
}

func TestTransportOpenChannelHandshakeCompletes(t *testing.T) {
	senderA := &loopbackSender{}
	senderB := &loopbackSender{}

	delA := newRecordingTransportDelegate()
	delB := newRecordingTransportDelegate()

	tA := NewTransport(senderA, delA, nil)
	tB := NewTransport(senderB, delB, nil)

	senderA.mu.Lock()
	senderA.peer = tB
	senderA.mu.Unlock()
	senderB.mu.Lock()
	senderB.peer = tA
	senderB.mu.Unlock()

	sendWriterA, sendReaderA := stream.New()
	recvWriterA, recvReaderA := stream.New()
	_ = sendWriterA
	_ = recvReaderA

	chDelA := &loopbackChannelDelegate{}
	ch, channelNumber := tA.OpenChannel(Config{
		SendStream: sendReaderA, ReceiveStream: recvWriterA,
		NextSequenceNumberToSend: 1, NextSequenceNumberExpected: 1,
		TickInterval: 2 * time.Millisecond,
	}, chDelA)
	defer ch.Shutdown()

	require.NotZero(t, channelNumber)
	assert.GreaterOrEqual(t, int(channelNumber), channelNumberBase)
	assert.LessOrEqual(t, int(channelNumber), channelNumberMax)

	select {
	case <-delA.channel:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}

	delA.mu.Lock()
	opened := append([]uint16(nil), delA.opened...)
	delA.mu.Unlock()
	assert.Equal(t, []uint16{channelNumber}, opened)
}

type loopbackChannelDelegate struct{}

func (loopbackChannelDelegate) OnRUDPChannelStateChanged(c *Channel, state State) {}
func (loopbackChannelDelegate) OnRUDPChannelSendPacket(c *Channel, raw []byte)    {}
func (loopbackChannelDelegate) OnRUDPChannelError(c *Channel, err *rtcerrors.Error) {
}
