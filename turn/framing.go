package turn

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// writeRateBytesPerSec bounds how fast a Framer admits bytes into its send
// buffer, smoothing bursts against the relay's own TCP flow control (spec
// §4.6 "Framing over TCP").
const writeRateBytesPerSec = 2 * 1024 * 1024

// channelDataHeaderLength is the 4-byte {channelNum: u16, len: u16} header
// that replaces the 20-byte STUN header for bound channels (spec §4.6
// "Channel binds").
const channelDataHeaderLength = 4

type channelDataFrame struct {
	channel uint16
	payload []byte
}

// encodeChannelData frames payload for channel ch: a 4-byte header followed
// by the payload, padded to a 4-byte boundary when written to a
// stream-oriented transport (RFC 6062 §4.3); over UDP no padding is
// required and none is added here.
func encodeChannelData(ch uint16, payload []byte) []byte {
	out := make([]byte, channelDataHeaderLength+len(payload))
	binary.BigEndian.PutUint16(out[0:2], ch)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// decodeChannelData recognizes channel-data framing: the first two bytes,
// interpreted as a channel number, must fall in [0x4000, 0x7FFF] (the STUN
// message-type top two bits are always 0b00, so a value >= 0x4000
// unambiguously is not a STUN message per RFC 5389 §6).
func decodeChannelData(data []byte) (channelDataFrame, bool) {
	if len(data) < channelDataHeaderLength {
		return channelDataFrame{}, false
	}
	ch := binary.BigEndian.Uint16(data[0:2])
	if ch < channelNumberMin || ch > channelNumberMax {
		return channelDataFrame{}, false
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data)-channelDataHeaderLength {
		return channelDataFrame{}, false
	}
	return channelDataFrame{channel: ch, payload: data[4 : 4+length]}, true
}

// pad4 rounds n up to the next multiple of 4, per RFC 6062's TCP framing
// requirement that every message be padded to a 4-byte boundary.
func pad4(n int) int {
	return (n + 3) &^ 3
}

// Framer wraps a TCP connection to the TURN server, applying RFC 6062
// framing (4-byte-aligned messages) and providing a bounded send buffer:
// when full, further writes are dropped (lossy, UDP-equivalent semantics)
// and WriteReady fires once space reappears (spec §4.6 "Framing over TCP").
// Queued frames drain to conn on their own goroutine, so buffered genuinely
// tracks bytes still waiting on the wire rather than bytes in one Write
// call (which a single blocking conn.Write could never distinguish from
// "full").
type Framer struct {
	conn       net.Conn
	bufferCap  int
	writeReady func()
	limiter    *rate.Limiter

	mu       sync.Mutex
	buffered int
	pending  [][]byte
	wake     chan struct{}

	cancel context.CancelFunc
}

// NewFramer wraps conn with a send buffer capped at bufferCap bytes.
// writeReady, if non-nil, is invoked (from the drain goroutine, not
// holding any lock) whenever the buffer drains from full to non-full. If
// conn is a *net.TCPConn, TCP_NODELAY is set so small frames aren't held
// up by Nagle buffering.
func NewFramer(conn net.Conn, bufferCap int, writeReady func()) *Framer {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		fd := netfd.GetFdFromConn(tcpConn)
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Warn("turn: failed to set TCP_NODELAY: %v", err)
		}
	}

	burst := bufferCap
	if burst <= 0 {
		burst = writeRateBytesPerSec
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Framer{
		conn:       conn,
		bufferCap:  bufferCap,
		writeReady: writeReady,
		limiter:    rate.NewLimiter(rate.Limit(writeRateBytesPerSec), burst),
		wake:       make(chan struct{}, 1),
		cancel:     cancel,
	}
	go f.drain(ctx)
	return f
}

// Write pads payload to a 4-byte boundary and enqueues the frame for the
// drain goroutine. If the configured buffer capacity would be exceeded, or
// the write-rate limiter has no tokens left, the write is dropped entirely
// (the relay offers no reliability guarantee beyond UDP's own).
func (f *Framer) Write(payload []byte) error {
	padded := pad4(len(payload))

	f.mu.Lock()
	if f.bufferCap > 0 && f.buffered+padded > f.bufferCap {
		f.mu.Unlock()
		return nil
	}
	if !f.limiter.AllowN(time.Now(), padded) {
		f.mu.Unlock()
		return nil
	}

	frame := make([]byte, padded)
	copy(frame, payload)
	f.buffered += padded
	f.pending = append(f.pending, frame)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

// drain serializes the actual writes to conn, one queued frame at a time,
// so the send buffer's occupancy (f.buffered) reflects frames still
// waiting to reach the wire rather than just the frame in flight.
func (f *Framer) drain(ctx context.Context) {
	for {
		f.mu.Lock()
		for len(f.pending) == 0 {
			f.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-f.wake:
			}
			f.mu.Lock()
		}
		frame := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()

		if _, err := f.conn.Write(frame); err != nil {
			log.Warn("turn: framer write failed: %v", err)
		}

		f.mu.Lock()
		wasFull := f.buffered >= f.bufferCap && f.bufferCap > 0
		f.buffered -= len(frame)
		f.mu.Unlock()
		if wasFull && f.writeReady != nil {
			f.writeReady()
		}
	}
}

// Close stops the drain goroutine. Frames still queued are discarded.
func (f *Framer) Close() {
	f.cancel()
}

// ReadFrame reads one RFC 6062 frame: payloadLen bytes of data plus
// whatever trailing padding pad4(payloadLen) requires, discarding the
// padding.
func (f *Framer) ReadFrame(payloadLen int) ([]byte, error) {
	total := pad4(payloadLen)
	buf := make([]byte, total)
	if _, err := fillBuffer(f.conn, buf); err != nil {
		return nil, err
	}
	return buf[:payloadLen], nil
}

func fillBuffer(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
