package rudp

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/stun"
	"github.com/rs/xid"
)

// channelNumberBase/Max bound the dynamically-allocated channel number
// range (spec §4.9 "Session hand-off"): shifted up to [0x6000, 0x7FFF],
// the upper part of the [0x4000, 0x7FFF] range that turn allocates
// ChannelBind numbers from, starting at 0x4000.
const (
	channelNumberBase = 0x6000
	channelNumberMax  = 0x7fff

	// controlChannelNumber carries the channel-open handshake itself; it
	// sits outside [channelNumberBase, channelNumberMax] so it can never
	// collide with an allocated data channel.
	controlChannelNumber = 0x0000

	openHandshakeTimeout = 5 * time.Second
)

// Sender hands a fully-framed outbound datagram to whatever transport the
// caller has wired the Transport to (an ice.Session's SendTo, a raw UDP
// socket, spec §4.9's "layered over an ICE session (or any datagram)").
type Sender interface {
	SendRUDPDatagram(raw []byte) error
}

// TransportDelegate is notified when a channel-open handshake completes a
// new Channel, whichever side initiated it, and supplies the stream pair
// and delegate for a channel opened passively by the peer.
type TransportDelegate interface {
	OnRUDPTransportNewChannel(t *Transport, channelNumber uint16, c *Channel)

	// OnRUDPTransportIncomingOpen is called when the peer initiates a
	// channel-open handshake we didn't ask for; it returns the local half
	// of the new Channel's config (SendStream/ReceiveStream at minimum)
	// and the delegate that should receive its events.
	OnRUDPTransportIncomingOpen(t *Transport, peerInfo ConnectionInfo) (Config, Delegate)
}

// ConnectionInfo is the JSON payload exchanged during a channel-open
// handshake (spec §4.9 "exchanging connection-info payloads").
type ConnectionInfo struct {
	NextSequenceNumberToSend   uint64        `json:"nextSequenceNumberToSend"`
	NextSequenceNumberExpected uint64        `json:"nextSequenceNumberExpected"`
	MinimumRTT                 time.Duration `json:"minimumRTT"`
}

type openEnvelope struct {
	CorrelationID string         `json:"correlationId"`
	Accept        bool           `json:"accept"`
	ChannelNumber uint16         `json:"channelNumber"`
	Info          ConnectionInfo `json:"info"`
}

type pendingOpen struct {
	localChannel uint16
	cfg          Config
	delegate     Delegate
	cancel       func()
	done         chan struct{}
}

// Transport owns the map from local channel number to Channel (spec §4.9
// "Session hand-off"), dispatching inbound data by CHANNEL-NUMBER and
// driving the channel-open handshake for unknown channels.
type Transport struct {
	mu           sync.Mutex
	sender       Sender
	delegate     TransportDelegate
	scheduler    collab.Scheduler
	channels     map[uint16]*Channel
	pendingOpens map[string]*pendingOpen
	nextChannel  uint16
}

// NewTransport constructs a Transport bound to sender.
func NewTransport(sender Sender, delegate TransportDelegate, scheduler collab.Scheduler) *Transport {
	if scheduler == nil {
		scheduler = collab.DefaultScheduler
	}
	return &Transport{
		sender:       sender,
		delegate:     delegate,
		scheduler:    scheduler,
		channels:     make(map[uint16]*Channel),
		pendingOpens: make(map[string]*pendingOpen),
		nextChannel:  channelNumberBase,
	}
}

func (t *Transport) allocateChannelNumberLocked() uint16 {
	for i := 0; i <= channelNumberMax-channelNumberBase; i++ {
		n := t.nextChannel
		t.nextChannel++
		if t.nextChannel > channelNumberMax {
			t.nextChannel = channelNumberBase
		}
		if _, used := t.channels[n]; !used {
			return n
		}
	}
	return 0
}

// OpenChannel starts a channel-open handshake: it sends our connection-info
// to the peer over the control channel and, once the peer's accept arrives,
// instantiates the Channel and notifies delegate via
// OnRUDPTransportNewChannel. The local Channel is created immediately
// (rather than blocked on the round trip) so the caller can start queueing
// application bytes right away; the Channel does not wait for the accept
// and hands packets to OnRUDPChannelSendPacket as soon as it has data and
// batons to send.
func (t *Transport) OpenChannel(cfg Config, delegate Delegate) (*Channel, uint16) {
	t.mu.Lock()
	channelNumber := t.allocateChannelNumberLocked()
	correlationID := xid.New().String()

	ch := NewChannel(cfg, delegate)
	t.channels[channelNumber] = ch

	cancel := t.scheduler.AfterFunc(openHandshakeTimeout, func() { t.abandonOpen(correlationID) })
	t.pendingOpens[correlationID] = &pendingOpen{
		localChannel: channelNumber,
		cfg:          cfg,
		delegate:     delegate,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	t.mu.Unlock()

	t.sendEnvelope(openEnvelope{
		CorrelationID: correlationID,
		ChannelNumber: channelNumber,
		Info: ConnectionInfo{
			NextSequenceNumberToSend:   cfg.NextSequenceNumberToSend,
			NextSequenceNumberExpected: cfg.NextSequenceNumberExpected,
			MinimumRTT:                 cfg.MinimumRTT,
		},
	})

	return ch, channelNumber
}

func (t *Transport) abandonOpen(correlationID string) {
	t.mu.Lock()
	delete(t.pendingOpens, correlationID)
	t.mu.Unlock()
}

func (t *Transport) sendEnvelope(env openEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	msg := stun.NewMessage(stun.ClassIndication, stun.MethodData, stun.VariantModern)
	msg.AddChannelNumber(controlChannelNumber)
	msg.AddData(payload)
	t.sender.SendRUDPDatagram(msg.Marshal())
}

// HandleDatagram dispatches an inbound STUN-shaped datagram by its
// CHANNEL-NUMBER attribute: a known data channel's payload goes straight to
// Channel.HandlePacket; the control channel carries channel-open handshake
// envelopes.
func (t *Transport) HandleDatagram(raw []byte, ecnMarked bool) {
	msg, err := stun.Parse(raw, stun.VariantModern)
	if err != nil {
		return
	}
	channelNumber, ok := msg.ChannelNumber()
	if !ok {
		return
	}
	payload, ok := msg.Data()
	if !ok {
		return
	}

	if channelNumber == controlChannelNumber {
		t.handleOpenEnvelope(payload)
		return
	}

	t.mu.Lock()
	ch := t.channels[channelNumber]
	t.mu.Unlock()
	if ch == nil {
		t.handleUnknownChannel(channelNumber, payload)
		return
	}
	ch.HandlePacket(payload, ecnMarked)
}

func (t *Transport) handleOpenEnvelope(raw []byte) {
	var env openEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	if env.Accept {
		t.mu.Lock()
		pending, ok := t.pendingOpens[env.CorrelationID]
		if ok {
			delete(t.pendingOpens, env.CorrelationID)
		}
		t.mu.Unlock()
		if !ok {
			return
		}
		pending.cancel()
		close(pending.done)

		t.mu.Lock()
		ch := t.channels[pending.localChannel]
		delegate := t.delegate
		t.mu.Unlock()
		if delegate != nil && ch != nil {
			delegate.OnRUDPTransportNewChannel(t, pending.localChannel, ch)
		}
		return
	}

	// A fresh open request from the peer: ask the delegate for a local
	// config/delegate pair, instantiate the Channel, register it, and
	// accept.
	t.mu.Lock()
	delegate := t.delegate
	t.mu.Unlock()
	if delegate == nil {
		return
	}
	cfg, chDelegate := delegate.OnRUDPTransportIncomingOpen(t, env.Info)

	t.mu.Lock()
	channelNumber := t.allocateChannelNumberLocked()
	ch := NewChannel(cfg, chDelegate)
	t.channels[channelNumber] = ch
	t.mu.Unlock()

	t.sendEnvelope(openEnvelope{
		CorrelationID: env.CorrelationID,
		Accept:        true,
		ChannelNumber: channelNumber,
		Info:          env.Info,
	})

	delegate.OnRUDPTransportNewChannel(t, channelNumber, ch)
}

// handleUnknownChannel is reached when a peer sends data on a channel
// number we never allocated and never saw an open handshake for (e.g. the
// open accept was lost). Spec §4.9 says this "triggers a channel-open
// handshake"; since we have no local Config/Delegate pair to hand the new
// Channel without application input, this implementation simply drops the
// datagram. A lost open handshake is not re-sent: openHandshakeTimeout only
// abandons the pending open.
func (t *Transport) handleUnknownChannel(channelNumber uint16, _ []byte) {
	log.Warn("rudp: data on unknown channel %d, dropping", channelNumber)
}

// Shutdown tears down every channel owned by this transport.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	channels := make([]*Channel, 0, len(t.channels))
	for _, c := range t.channels {
		channels = append(channels, c)
	}
	for _, p := range t.pendingOpens {
		p.cancel()
	}
	t.pendingOpens = make(map[string]*pendingOpen)
	t.mu.Unlock()

	for _, c := range channels {
		c.Shutdown()
	}
}
