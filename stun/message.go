// Package stun implements a STUN (RFC 3489/5389/5245/5766) packet codec, a
// transactional requester with retransmission and authentication, a
// process-wide requester manager, and server-reflexive address discovery
// (spec §4.1, §4.4, §4.5).
package stun

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/haleiwa/rtcstack/internal/logging"
)

var log = logging.DefaultLogger.WithTag("stun")

// Class is the STUN message class.
type Class uint16

const (
	ClassRequest Class = iota
	ClassIndication
	ClassSuccessResponse
	ClassErrorResponse
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassIndication:
		return "Indication"
	case ClassSuccessResponse:
		return "SuccessResponse"
	case ClassErrorResponse:
		return "ErrorResponse"
	default:
		return "Unknown"
	}
}

// Method is the STUN message method.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

const (
	headerLength = 20
	magicCookie  = 0x2112A442
)

var magicCookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

const fingerprintXor = 0x5354554E

// Message is a parsed or to-be-serialized STUN packet (spec §3 "STUN packet").
type Message struct {
	Class         Class
	Method        Method
	TransactionID [12]byte
	Attributes    []Attribute

	// Variant controls magic-cookie XOR behavior and which attributes are
	// legal on serialize (spec §4.1 "Variants").
	Variant RFCVariant
}

// Attribute is a single typed-length-value STUN attribute.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// NewMessage creates a message with a fresh, cryptographically random
// transaction id. Transaction ids must stay unpredictable (RFC 5389 anti-
// cache-poisoning); see DESIGN.md for why this uses crypto/rand rather than
// a faster non-cryptographic id generator used elsewhere in the library.
func NewMessage(class Class, method Method, variant RFCVariant) *Message {
	m := &Message{Class: class, Method: method, Variant: variant}
	rand.Read(m.TransactionID[:])
	return m
}

// NewMessageWithTransactionID builds a message reusing an existing
// transaction id, e.g. for a response to a known request.
func NewMessageWithTransactionID(class Class, method Method, variant RFCVariant, tid [12]byte) *Message {
	return &Message{Class: class, Method: method, Variant: variant, TransactionID: tid}
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Add appends a raw attribute.
func (m *Message) Add(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}

func (m *Message) messageTypeWire() uint16 {
	class := uint16(m.Class)
	method := uint16(m.Method)
	var t uint16
	t |= (class << 7) & 0x0100
	t |= (class << 4) & 0x0010
	t |= (method << 2) & 0x3e00
	t |= (method << 1) & 0x00e0
	t |= method & 0x000f
	return t
}

func decomposeMessageType(t uint16) (Class, Method) {
	class := (t&0x0100)>>7 | (t&0x0010)>>4
	method := (t&0x3e00)>>2 | (t&0x00e0)>>1 | (t & 0x000f)
	return Class(class), Method(method)
}

// Parse parses a STUN message from data, per spec §4.1's header validation:
// the top two bits of the message type must be zero, the length field must
// be a multiple of 4, and (for Modern/ICE/TURN variants) the magic cookie
// must be present. Parse returns (nil, nil) if data does not look like a
// STUN message at all (so callers can demultiplex STUN vs. other traffic on
// the same socket).
func Parse(data []byte, variant RFCVariant) (*Message, error) {
	if len(data) < headerLength {
		return nil, nil
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil, nil
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil, nil
	}

	cookie := binary.BigEndian.Uint32(data[4:8])
	if variant != VariantClassic {
		if cookie != magicCookie {
			return nil, nil
		}
	}

	if len(data) < headerLength+int(length) {
		return nil, fmt.Errorf("stun: truncated message: have %d bytes, need %d", len(data), headerLength+int(length))
	}

	class, method := decomposeMessageType(messageType)
	m := &Message{Class: class, Method: method, Variant: variant}
	copy(m.TransactionID[:], data[8:20])

	b := bytes.NewBuffer(data[20 : 20+int(length)])
	for b.Len() > 0 {
		attr, err := parseAttribute(b)
		if err != nil {
			return m, err
		}
		m.Attributes = append(m.Attributes, *attr)
	}
	return m, nil
}

func parseAttribute(b *bytes.Buffer) (*Attribute, error) {
	if b.Len() < 4 {
		return nil, fmt.Errorf("stun: short attribute header")
	}
	typ := AttrType(binary.BigEndian.Uint16(b.Next(2)))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return nil, fmt.Errorf("stun: attribute %s length %d exceeds remaining %d", typ, length, b.Len())
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length))
	return &Attribute{Type: typ, Value: value}, nil
}

func pad4(n uint16) int { return -int(n) & 3 }

func attrNumBytes(value []byte) int {
	return 4 + len(value) + pad4(uint16(len(value)))
}

// Marshal serializes the message. Attribute ordering follows spec §4.1:
// whatever order callers added mandatory attributes in, then
// MessageIntegrity second-last, then Fingerprint last, matching the
// invariant that MessageIntegrity covers everything before itself and
// Fingerprint covers everything before it (including MessageIntegrity).
//
// Callers build messages by adding attributes in wire order, calling
// AddMessageIntegrity last (before AddFingerprint), which is how
// internal/ice/stun.go's addMessageIntegrity/addFingerprint already behave
// — this function just renders whatever attribute slice is already in the
// message.
func (m *Message) Marshal() []byte {
	length := 0
	for _, a := range m.Attributes {
		length += attrNumBytes(a.Value)
	}

	buf := make([]byte, headerLength+length)
	binary.BigEndian.PutUint16(buf[0:2], m.messageTypeWire())
	binary.BigEndian.PutUint16(buf[2:4], uint16(length))
	if m.Variant == VariantClassic {
		// Classic (RFC 3489) has no magic cookie; in that RFC the field is
		// part of the transaction id space. We write zeros here and carry
		// only the 12-byte TransactionID in bytes 8..20.
		binary.BigEndian.PutUint32(buf[4:8], 0)
	} else {
		binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	}
	copy(buf[8:20], m.TransactionID[:])

	off := headerLength
	for _, a := range m.Attributes {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(a.Type))
		binary.BigEndian.PutUint16(buf[off+2:off+4], uint16(len(a.Value)))
		copy(buf[off+4:off+4+len(a.Value)], a.Value)
		off += attrNumBytes(a.Value)
	}
	return buf
}

// IsValidResponseTo reports whether m is a plausible response to req: same
// magic cookie semantics for the variant and the same transaction id (spec
// §4.1 "isValidResponseTo"). Authentication consistency (matching
// Username/Realm where the request carried long-term credentials) is the
// caller's responsibility once this returns true, since the caller holds
// the credentials context.
func (m *Message) IsValidResponseTo(req *Message) bool {
	if m.Variant != req.Variant {
		return false
	}
	if m.TransactionID != req.TransactionID {
		return false
	}
	switch m.Class {
	case ClassSuccessResponse, ClassErrorResponse:
		return true
	default:
		return false
	}
}

func udpAddrFamily(ip net.IP) byte {
	if ip.To4() != nil {
		return 0x01
	}
	return 0x02
}
