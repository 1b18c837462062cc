package stun

import (
	"encoding/binary"
	"fmt"
	"net"
)

// AttrType enumerates the STUN/TURN/ICE attributes named in spec §3.
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrXorRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXorMappedAddress  AttrType = 0x0020
	AttrPriority          AttrType = 0x0024
	AttrUseCandidate      AttrType = 0x0025
	AttrSoftware          AttrType = 0x8022
	AttrAlternateServer   AttrType = 0x8023
	AttrFingerprint       AttrType = 0x8028
	AttrIceControlled     AttrType = 0x8029
	AttrIceControlling    AttrType = 0x802A
	AttrMobilityTicket    AttrType = 0x8030
)

func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttributes:
		return "UNKNOWN-ATTRIBUTES"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXorPeerAddress:
		return "XOR-PEER-ADDRESS"
	case AttrData:
		return "DATA"
	case AttrXorRelayedAddress:
		return "XOR-RELAYED-ADDRESS"
	case AttrRequestedTransport:
		return "REQUESTED-TRANSPORT"
	case AttrChannelNumber:
		return "CHANNEL-NUMBER"
	case AttrLifetime:
		return "LIFETIME"
	case AttrXorMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrPriority:
		return "PRIORITY"
	case AttrUseCandidate:
		return "USE-CANDIDATE"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrIceControlled:
		return "ICE-CONTROLLED"
	case AttrIceControlling:
		return "ICE-CONTROLLING"
	case AttrMobilityTicket:
		return "MOBILITY-TICKET"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

// AddUsername adds the USERNAME attribute.
func (m *Message) AddUsername(username string) {
	m.Add(AttrUsername, []byte(username))
}

// Username returns the USERNAME attribute value, if present.
func (m *Message) Username() (string, bool) {
	a, ok := m.Get(AttrUsername)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// AddRealm adds the REALM attribute.
func (m *Message) AddRealm(realm string) { m.Add(AttrRealm, []byte(realm)) }

// Realm returns the REALM attribute value, if present.
func (m *Message) Realm() (string, bool) {
	a, ok := m.Get(AttrRealm)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// AddNonce adds the NONCE attribute.
func (m *Message) AddNonce(nonce string) { m.Add(AttrNonce, []byte(nonce)) }

// Nonce returns the NONCE attribute value, if present.
func (m *Message) Nonce() (string, bool) {
	a, ok := m.Get(AttrNonce)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// AddSoftware adds the SOFTWARE attribute.
func (m *Message) AddSoftware(s string) { m.Add(AttrSoftware, []byte(s)) }

// AddLifetime adds the LIFETIME attribute (seconds).
func (m *Message) AddLifetime(seconds uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	m.Add(AttrLifetime, v)
}

// Lifetime returns the LIFETIME attribute value (seconds), if present.
func (m *Message) Lifetime() (uint32, bool) {
	a, ok := m.Get(AttrLifetime)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// AddRequestedTransport adds REQUESTED-TRANSPORT. protocol is the IANA
// protocol number (17 = UDP, 6 = TCP).
func (m *Message) AddRequestedTransport(protocol byte) {
	v := []byte{protocol, 0, 0, 0}
	m.Add(AttrRequestedTransport, v)
}

// AddChannelNumber adds CHANNEL-NUMBER.
func (m *Message) AddChannelNumber(channel uint16) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], channel)
	m.Add(AttrChannelNumber, v)
}

// ChannelNumber returns the CHANNEL-NUMBER attribute value, if present.
func (m *Message) ChannelNumber() (uint16, bool) {
	a, ok := m.Get(AttrChannelNumber)
	if !ok || len(a.Value) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(a.Value[0:2]), true
}

// AddData adds the DATA attribute.
func (m *Message) AddData(payload []byte) { m.Add(AttrData, payload) }

// Data returns the DATA attribute value, if present.
func (m *Message) Data() ([]byte, bool) {
	a, ok := m.Get(AttrData)
	return a.Value, ok
}

// AddPriority adds the PRIORITY attribute.
func (m *Message) AddPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	m.Add(AttrPriority, v)
}

// Priority returns the PRIORITY attribute value, if present.
func (m *Message) Priority() (uint32, bool) {
	a, ok := m.Get(AttrPriority)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// AddUseCandidate adds the (zero-length) USE-CANDIDATE attribute.
func (m *Message) AddUseCandidate() { m.Add(AttrUseCandidate, nil) }

// HasUseCandidate reports whether USE-CANDIDATE is present.
func (m *Message) HasUseCandidate() bool {
	_, ok := m.Get(AttrUseCandidate)
	return ok
}

// AddIceControlling adds ICE-CONTROLLING with the given tie-breaker.
func (m *Message) AddIceControlling(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	m.Add(AttrIceControlling, v)
}

// AddIceControlled adds ICE-CONTROLLED with the given tie-breaker.
func (m *Message) AddIceControlled(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	m.Add(AttrIceControlled, v)
}

// IceControlling returns the ICE-CONTROLLING tie-breaker, if present.
func (m *Message) IceControlling() (uint64, bool) {
	a, ok := m.Get(AttrIceControlling)
	if !ok || len(a.Value) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Value), true
}

// IceControlled returns the ICE-CONTROLLED tie-breaker, if present.
func (m *Message) IceControlled() (uint64, bool) {
	a, ok := m.Get(AttrIceControlled)
	if !ok || len(a.Value) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Value), true
}

// AddMobilityTicket adds the MOBILITY-TICKET attribute.
func (m *Message) AddMobilityTicket(ticket []byte) { m.Add(AttrMobilityTicket, ticket) }

// MobilityTicket returns the MOBILITY-TICKET attribute value, if present.
func (m *Message) MobilityTicket() ([]byte, bool) {
	a, ok := m.Get(AttrMobilityTicket)
	return a.Value, ok
}

// ErrorCode is the decoded form of the ERROR-CODE attribute.
type ErrorCode struct {
	Code   int // e.g. 401, 438
	Reason string
}

// AddErrorCode adds the ERROR-CODE attribute.
func (m *Message) AddErrorCode(code int, reason string) {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	m.Add(AttrErrorCode, v)
}

// ErrorCodeAttr returns the decoded ERROR-CODE attribute, if present.
func (m *Message) ErrorCodeAttr() (ErrorCode, bool) {
	a, ok := m.Get(AttrErrorCode)
	if !ok || len(a.Value) < 4 {
		return ErrorCode{}, false
	}
	code := int(a.Value[2])*100 + int(a.Value[3])
	return ErrorCode{Code: code, Reason: string(a.Value[4:])}, true
}

// addresses: MAPPED-ADDRESS, XOR-MAPPED-ADDRESS, XOR-PEER-ADDRESS,
// XOR-RELAYED-ADDRESS, ALTERNATE-SERVER all share the same wire shape,
// differing only in whether XOR is applied (spec §4.1).

func encodeAddress(addr *net.UDPAddr, xor bool, transactionID [12]byte) []byte {
	ip4 := addr.IP.To4()
	var v []byte
	if ip4 != nil {
		v = make([]byte, 8)
		v[1] = 0x01
		copy(v[4:8], ip4)
	} else {
		ip16 := addr.IP.To16()
		v = make([]byte, 20)
		v[1] = 0x02
		copy(v[4:20], ip16)
	}
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port))

	if xor {
		xorBytes(v[2:4], magicCookieBytes[0:2])
		xorBytes(v[4:8], magicCookieBytes[:])
		if len(v) > 8 {
			xorBytes(v[8:], transactionID[:])
		}
	}
	return v
}

func decodeAddress(value []byte, xor bool, transactionID [12]byte) (*net.UDPAddr, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("stun: address attribute too short")
	}
	family := value[1]
	portBytes := append([]byte(nil), value[2:4]...)
	var ipBytes []byte
	switch family {
	case 0x01:
		if len(value) < 8 {
			return nil, fmt.Errorf("stun: IPv4 address attribute too short")
		}
		ipBytes = append([]byte(nil), value[4:8]...)
	case 0x02:
		if len(value) < 20 {
			return nil, fmt.Errorf("stun: IPv6 address attribute too short")
		}
		ipBytes = append([]byte(nil), value[4:20]...)
	default:
		return nil, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}

	if xor {
		xorBytes(portBytes, magicCookieBytes[0:2])
		xorBytes(ipBytes[0:4], magicCookieBytes[:])
		if len(ipBytes) > 4 {
			xorBytes(ipBytes[4:], transactionID[:])
		}
	}

	return &net.UDPAddr{
		IP:   ipBytes,
		Port: int(binary.BigEndian.Uint16(portBytes)),
	}, nil
}

func xorBytes(dst []byte, xor []byte) {
	for i := range dst {
		dst[i] ^= xor[i]
	}
}

// AddMappedAddress adds the (non-XOR) MAPPED-ADDRESS attribute.
func (m *Message) AddMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrMappedAddress, encodeAddress(addr, false, m.TransactionID))
}

// MappedAddress returns the decoded MAPPED-ADDRESS, preferring
// XOR-MAPPED-ADDRESS if both are present (RFC 5389 deprecated the
// non-XOR form).
func (m *Message) MappedAddress() (*net.UDPAddr, error, bool) {
	if a, ok := m.Get(AttrXorMappedAddress); ok {
		addr, err := decodeAddress(a.Value, true, m.TransactionID)
		return addr, err, true
	}
	if a, ok := m.Get(AttrMappedAddress); ok {
		addr, err := decodeAddress(a.Value, false, m.TransactionID)
		return addr, err, true
	}
	return nil, nil, false
}

// AddXorMappedAddress adds XOR-MAPPED-ADDRESS.
func (m *Message) AddXorMappedAddress(addr *net.UDPAddr) {
	m.Add(AttrXorMappedAddress, encodeAddress(addr, true, m.TransactionID))
}

// AddXorPeerAddress adds XOR-PEER-ADDRESS.
func (m *Message) AddXorPeerAddress(addr *net.UDPAddr) {
	m.Add(AttrXorPeerAddress, encodeAddress(addr, true, m.TransactionID))
}

// XorPeerAddress returns the decoded XOR-PEER-ADDRESS, if present.
func (m *Message) XorPeerAddress() (*net.UDPAddr, bool) {
	a, ok := m.Get(AttrXorPeerAddress)
	if !ok {
		return nil, false
	}
	addr, err := decodeAddress(a.Value, true, m.TransactionID)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// AddXorRelayedAddress adds XOR-RELAYED-ADDRESS.
func (m *Message) AddXorRelayedAddress(addr *net.UDPAddr) {
	m.Add(AttrXorRelayedAddress, encodeAddress(addr, true, m.TransactionID))
}

// XorRelayedAddress returns the decoded XOR-RELAYED-ADDRESS, if present.
func (m *Message) XorRelayedAddress() (*net.UDPAddr, bool) {
	a, ok := m.Get(AttrXorRelayedAddress)
	if !ok {
		return nil, false
	}
	addr, err := decodeAddress(a.Value, true, m.TransactionID)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// AddAlternateServer adds ALTERNATE-SERVER.
func (m *Message) AddAlternateServer(addr *net.UDPAddr) {
	m.Add(AttrAlternateServer, encodeAddress(addr, false, m.TransactionID))
}

// AlternateServer returns the decoded ALTERNATE-SERVER, if present.
func (m *Message) AlternateServer() (*net.UDPAddr, bool) {
	a, ok := m.Get(AttrAlternateServer)
	if !ok {
		return nil, false
	}
	addr, err := decodeAddress(a.Value, false, m.TransactionID)
	if err != nil {
		return nil, false
	}
	return addr, true
}
