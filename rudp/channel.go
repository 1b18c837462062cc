package rudp

import (
	"context"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/internal/logging"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stream"
)

var log = logging.DefaultLogger.WithTag("rudp")

// State is a Channel's lifecycle (spec §4.9, modeled after the RUDP
// channel-stream states in original_source/ortc services_RUDPChannelStream.h).
type State int

const (
	StatePending State = iota
	StateConnected
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateConnected:
		return "Connected"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Delegate receives a Channel's lifecycle events and its outbound wire
// packets; it is up to the caller to actually put raw on the network (an
// ice.Session's SendTo, a bare UDP socket, a TURN channel-data send — spec
// §4.9's "layered over an ICE session (or any datagram)").
type Delegate interface {
	OnRUDPChannelStateChanged(c *Channel, state State)
	OnRUDPChannelSendPacket(c *Channel, raw []byte)
	OnRUDPChannelError(c *Channel, err *rtcerrors.Error)
}

// Config configures a Channel.
type Config struct {
	// SendStream is read for application bytes queued to send.
	SendStream *stream.Reader
	// ReceiveStream is written with application bytes delivered in order.
	ReceiveStream *stream.Writer

	NextSequenceNumberToSend   uint64
	NextSequenceNumberExpected uint64

	MinimumRTT time.Duration

	// MaxPayloadSize bounds a single data packet's payload; defaults to
	// 1200 bytes to stay well under typical path MTUs.
	MaxPayloadSize int

	BatonSchedule BatonSchedule
	Scheduler     collab.Scheduler

	TickInterval time.Duration

	// MaxReceiveBytes bounds the total payload bytes held in the
	// out-of-order reassembly buffer (spec §4.9 "bounded map", §5 "RUDP
	// receive buffer is bounded by total bytes"). Packets that would push
	// the buffer past this bound are dropped and counted rather than
	// stored; gsnfr stays put, so the peer learns of the backpressure
	// from its own stalled ACK instead of a fresh signal. Defaults to
	// 1 MiB.
	MaxReceiveBytes int
}

func (c *Config) withDefaults() {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = 1200
	}
	if c.Scheduler == nil {
		c.Scheduler = collab.DefaultScheduler
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.MaxReceiveBytes <= 0 {
		c.MaxReceiveBytes = 1 << 20
	}
}

type sentPacket struct {
	seq            uint64
	payload        []byte
	sentAt         time.Time
	xorParityToNow bool
	flagForResend  bool
}

type inboundPacket struct {
	raw       []byte
	ecnMarked bool
}

// Channel is one direction-pair of a reliable ordered byte-stream
// multiplexed over a channel number (spec §4.9 "RUDP channel and
// channel-stream").
type Channel struct {
	mu       sync.Mutex
	cfg      Config
	delegate Delegate
	state    State

	nextSeq        uint64
	xorParityToNow bool
	sending        map[uint64]*sentPacket
	totalToResend  int

	gsnr             uint64
	gsnfr            uint64
	xorParityToGSNFR bool
	received         map[uint64][]byte
	receivedBytes    int
	droppedReceived  uint64

	duplicateReceived bool
	ecnReceived       bool

	baton           *batonController
	packetsPerBurst int

	rtt              time.Duration
	lastCongestionAt time.Time

	inbound chan inboundPacket
	cancel  context.CancelFunc
}

// NewChannel constructs and starts a Channel.
func NewChannel(cfg Config, delegate Delegate) *Channel {
	cfg.withDefaults()

	base := cfg.NextSequenceNumberExpected
	if base > 0 {
		base--
	}

	c := &Channel{
		cfg:              cfg,
		delegate:         delegate,
		state:            StatePending,
		nextSeq:          cfg.NextSequenceNumberToSend,
		sending:          make(map[uint64]*sentPacket),
		gsnr:             base,
		gsnfr:            base,
		received:         make(map[uint64][]byte),
		baton:            newBatonController(cfg.BatonSchedule, cfg.Scheduler),
		packetsPerBurst:  1,
		rtt:              cfg.MinimumRTT,
		lastCongestionAt: time.Now(),
		inbound:          make(chan inboundPacket, 64),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setState(StateConnected)

	go c.run(ctx)
	return c
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnRUDPChannelStateChanged(c, state)
	}
}

// GetState returns the channel's current state.
func (c *Channel) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DroppedReceiveBytes returns the count of out-of-order payload bytes
// rejected because they would have pushed the reassembly buffer past
// Config.MaxReceiveBytes (spec §5 "drop + count").
func (c *Channel) DroppedReceiveBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedReceived
}

// HandlePacket feeds a received raw RUDP data packet into the channel.
// ecnMarked reports whether the transport's ECN bits were set on the
// datagram carrying it.
func (c *Channel) HandlePacket(raw []byte, ecnMarked bool) {
	select {
	case c.inbound <- inboundPacket{raw: raw, ecnMarked: ecnMarked}:
	default:
		log.Warn("rudp: inbound queue full, dropping packet")
	}
}

// Shutdown cancels the channel's loop and releases its streams.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.cancel()
	c.cfg.SendStream.Cancel()
	c.cfg.ReceiveStream.Cancel()
	c.setState(StateShutdown)
}

func (c *Channel) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.cfg.SendStream.NotifyReaderReadyToRead()
	readerReady := c.cfg.SendStream.ReaderReady()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.baton.tick(time.Since(c.lastCongestionAt))
			c.sendNow()
		case pkt := <-c.inbound:
			c.handlePacket(pkt.raw, pkt.ecnMarked)
		case <-readerReady:
			c.cfg.SendStream.NotifyReaderReadyToRead()
			readerReady = c.cfg.SendStream.ReaderReady()
			c.sendNow()
		}
	}
}

// sendNow sends at most one burst of up to packetsPerBurst packets, each
// taking one baton: first retransmits packets flagged lost, then sends
// fresh data read off SendStream (spec §4.9 "Send-side state" /
// "Retransmission").
func (c *Channel) sendNow() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	var toSend [][]byte
	for i := 0; i < c.packetsPerBurst; i++ {
		if !c.baton.consume() {
			break
		}

		var seq uint64
		var payload []byte
		var parity bool
		if c.totalToResend > 0 {
			var sp *sentPacket
			seq, payload, sp = c.nextResendLocked()
			if payload == nil {
				c.baton.release(1)
				break
			}
			parity = sp.xorParityToNow
		} else {
			data, _ := c.cfg.SendStream.Read(c.cfg.MaxPayloadSize)
			if len(data) == 0 {
				c.baton.release(1)
				break
			}
			seq = c.nextSeq
			c.nextSeq++
			payload = data
			// Each newly-sent packet toggles the running parity once, so
			// xorParityToNow always reflects the XOR of everything sent so
			// far (spec §4.9's VP flag).
			c.xorParityToNow = !c.xorParityToNow
			parity = c.xorParityToNow
		}

		sp := &sentPacket{seq: seq, payload: payload, sentAt: time.Now(), xorParityToNow: parity}
		c.sending[seq] = sp

		toSend = append(toSend, c.marshalDataPacketLocked(seq, payload, parity))
	}
	delegate := c.delegate
	c.mu.Unlock()

	if delegate == nil {
		return
	}
	for _, raw := range toSend {
		delegate.OnRUDPChannelSendPacket(c, raw)
	}
}

// nextResendLocked pops the lowest-sequence packet flagged for resend.
func (c *Channel) nextResendLocked() (uint64, []byte, *sentPacket) {
	var best uint64
	var found bool
	for seq, sp := range c.sending {
		if !sp.flagForResend {
			continue
		}
		if !found || seq < best {
			best = seq
			found = true
		}
	}
	if !found {
		return 0, nil, nil
	}
	sp := c.sending[best]
	sp.flagForResend = false
	sp.sentAt = time.Now()
	c.totalToResend--
	return best, sp.payload, sp
}

// marshalDataPacketLocked builds the wire packet for seq, piggybacking our
// receive-side ACK state (gsnr/gsnfr/vector over our own receive window,
// spec §4.9 "Framing").
func (c *Channel) marshalDataPacketLocked(seq uint64, payload []byte, parity bool) []byte {
	var flags Flag
	if parity {
		flags |= FlagVP
	}
	if c.xorParityToGSNFR {
		flags |= FlagPG
	}
	if c.ecnReceived {
		flags |= FlagXP
		c.ecnReceived = false
	}
	if c.duplicateReceived {
		flags |= FlagDP
		c.duplicateReceived = false
	}

	count := int(c.gsnr - c.gsnfr)
	received := make([]bool, count)
	for i := 0; i < count; i++ {
		_, ok := c.received[c.gsnfr+1+uint64(i)]
		received[i] = ok
	}
	vector := encodeVector(received)

	h := header{SequenceNumber: seq, GSNR: c.gsnr, GSNFR: c.gsnfr, Flags: flags}
	return marshalPacket(h, vector, payload)
}

// handlePacket processes both halves of an inbound data packet: the
// piggybacked ACK of our own sent packets (header.GSNR/GSNFR/vector
// describe the peer's receive state of *our* stream) and the new data
// itself (header.SequenceNumber is the peer's send-side sequence number).
func (c *Channel) handlePacket(raw []byte, ecnMarked bool) {
	h, vector, payload, err := unmarshalPacket(raw)
	if err != nil {
		c.reportError(rtcerrors.New(rtcerrors.CodeBogusDataOnSocketReceived, err.Error()))
		return
	}

	c.mu.Lock()
	c.handleAckLocked(h.GSNR, h.GSNFR, vector, h.Flags)
	deliver := c.handleDataLocked(h.SequenceNumber, payload, ecnMarked)
	c.mu.Unlock()

	for _, b := range deliver {
		c.cfg.ReceiveStream.Write(b, nil)
	}
	c.cfg.ReceiveStream.NotifyReaderReadyToRead()
}

func (c *Channel) handleAckLocked(peerGSNR, peerGSNFR uint64, vector []byte, flags Flag) {
	if flags&(FlagXP|FlagDP) != 0 {
		c.onCongestionLocked()
	}

	released := 0
	for seq, sp := range c.sending {
		if seq <= peerGSNFR {
			c.sampleRTTLocked(sp.sentAt)
			released++
			delete(c.sending, seq)
		}
	}

	if peerGSNR > peerGSNFR {
		received := decodeVector(vector, int(peerGSNR-peerGSNFR))
		for i, ok := range received {
			seq := peerGSNFR + 1 + uint64(i)
			sp, present := c.sending[seq]
			if !present {
				continue
			}
			if ok {
				c.sampleRTTLocked(sp.sentAt)
				released++
				delete(c.sending, seq)
			} else if !sp.flagForResend {
				sp.flagForResend = true
				c.totalToResend++
				c.onCongestionLocked()
			}
		}
	}

	if released > 0 {
		c.baton.release(released)
	}
}

// sampleRTTLocked folds a single round-trip sample into c.rtt with a light
// exponential moving average (spec §4.9's "computed RTT"). A resent packet
// is sampled against its latest send time (nextResendLocked resets
// sentAt), whichever transmission the ACK answers. Nothing else in this
// package reads c.rtt.
func (c *Channel) sampleRTTLocked(sentAt time.Time) {
	sample := time.Since(sentAt)
	if c.rtt <= 0 {
		c.rtt = sample
		return
	}
	c.rtt += (sample - c.rtt) / 8
}

func (c *Channel) onCongestionLocked() {
	c.baton.onCongestion()
	c.lastCongestionAt = time.Now()
}

// handleDataLocked buffers/advances the receive side and returns the
// newly-deliverable contiguous payloads in order (spec §4.9 "Receive-side
// state").
func (c *Channel) handleDataLocked(seq uint64, payload []byte, ecnMarked bool) [][]byte {
	if ecnMarked {
		c.ecnReceived = true
	}

	if seq <= c.gsnfr {
		c.duplicateReceived = true
		return nil
	}
	if _, exists := c.received[seq]; exists {
		c.duplicateReceived = true
		return nil
	}

	// Bound the out-of-order reassembly buffer by total bytes (spec §4.9
	// "bounded map", §5 "drop + count... sender learns via stalled
	// ACK"). A packet that would exceed the bound is dropped outright:
	// gsnfr doesn't advance, so the peer's own ACK of our receive state
	// keeps reporting the gap until room frees up.
	if c.receivedBytes+len(payload) > c.cfg.MaxReceiveBytes {
		c.droppedReceived += uint64(len(payload))
		return nil
	}

	c.received[seq] = payload
	c.receivedBytes += len(payload)
	if seq > c.gsnr {
		c.gsnr = seq
	}

	var out [][]byte
	for {
		next := c.gsnfr + 1
		data, ok := c.received[next]
		if !ok {
			break
		}
		out = append(out, data)
		c.receivedBytes -= len(data)
		delete(c.received, next)
		c.gsnfr = next
		c.xorParityToGSNFR = !c.xorParityToGSNFR
	}

	return out
}

func (c *Channel) reportError(err *rtcerrors.Error) {
	c.mu.Lock()
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnRUDPChannelError(c, err)
	}
}
