// Package rudp implements a reliable ordered byte-stream channel layered
// over an ICE session (spec §4.9): sequence/ACK vectors, parity validation,
// channel multiplexing, baton-based congestion control, and selective
// retransmission.
package rudp

import (
	"encoding/binary"
	"fmt"
)

// Flag bits carried in a data packet header, matching spec §4.9's
// {VP, PG, XP, DP, EC} field names.
type Flag byte

const (
	// FlagVP is the sender's current parity bit (XORed parity of every
	// packet sent so far).
	FlagVP Flag = 1 << iota
	// FlagPG is the parity of packets received up to GSNFR, echoed back so
	// the peer can detect a parity mismatch indicating silent loss.
	FlagPG
	// FlagXP is an ECN-echo: the sender observed an ECN-marked packet from
	// the peer and is echoing that back.
	FlagXP
	// FlagDP reports that the sender has received a duplicate data packet
	// from the peer since its previous send.
	FlagDP
	// FlagEC marks this packet itself as ECN-marked.
	FlagEC
)

// u48Max is the largest value a 48-bit monotonic sequence number can hold
// before wraparound (spec §3 "RUDP channel-stream state").
const u48Max = 1<<48 - 1

// header is the fixed portion of a data packet (spec §4.9 "Framing").
// Sequence numbers are 48-bit; encoded in the low 6 bytes of a uint64.
type header struct {
	SequenceNumber uint64
	GSNR           uint64
	GSNFR          uint64
	Flags          Flag
}

// putUint48 writes the low 48 bits of v into b (6 bytes, big-endian).
func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// marshalPacket encodes a data packet: header, RLE vector, payload.
// Wire layout: seq(6) gsnr(6) gsnfr(6) flags(1) vectorLen(2) vector payload.
func marshalPacket(h header, vector []byte, payload []byte) []byte {
	out := make([]byte, 6+6+6+1+2+len(vector)+len(payload))
	putUint48(out[0:6], h.SequenceNumber)
	putUint48(out[6:12], h.GSNR)
	putUint48(out[12:18], h.GSNFR)
	out[18] = byte(h.Flags)
	binary.BigEndian.PutUint16(out[19:21], uint16(len(vector)))
	copy(out[21:21+len(vector)], vector)
	copy(out[21+len(vector):], payload)
	return out
}

// unmarshalPacket is the inverse of marshalPacket.
func unmarshalPacket(raw []byte) (h header, vector, payload []byte, err error) {
	if len(raw) < 21 {
		return header{}, nil, nil, fmt.Errorf("rudp: packet too short: %d bytes", len(raw))
	}
	h.SequenceNumber = getUint48(raw[0:6])
	h.GSNR = getUint48(raw[6:12])
	h.GSNFR = getUint48(raw[12:18])
	h.Flags = Flag(raw[18])
	vecLen := int(binary.BigEndian.Uint16(raw[19:21]))
	if len(raw) < 21+vecLen {
		return header{}, nil, nil, fmt.Errorf("rudp: truncated vector: want %d have %d", vecLen, len(raw)-21)
	}
	vector = raw[21 : 21+vecLen]
	payload = raw[21+vecLen:]
	return h, vector, payload, nil
}
