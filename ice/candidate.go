package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"net"
	"strings"
)

// CandidateType is a candidate's origin, per RFC 8445 §5.1.1.
type CandidateType string

const (
	TypeHost            CandidateType = "host"
	TypeServerReflexive CandidateType = "srflx"
	TypePeerReflexive   CandidateType = "prflx"
	TypeRelayed         CandidateType = "relay"
)

// Candidate is a local or remote ICE candidate (spec §3 "Candidate").
type Candidate struct {
	Mid string

	Address     TransportAddress
	Type        CandidateType
	Priority    uint32
	Foundation  string
	ComponentID int
	RelatedIP   *TransportAddress

	base *Base // nil for remote candidates
}

func makeHostCandidate(mid string, base *Base) Candidate {
	return Candidate{
		Mid:         mid,
		Address:     base.address,
		Type:        TypeHost,
		Priority:    computePriority(TypeHost, base.component),
		Foundation:  computeFoundation(TypeHost, base.address, ""),
		ComponentID: base.component,
		base:        base,
	}
}

func makeServerReflexiveCandidate(mid string, mapped TransportAddress, base *Base, stunServer string) Candidate {
	related := base.address
	return Candidate{
		Mid:         mid,
		Address:     mapped,
		Type:        TypeServerReflexive,
		Priority:    computePriority(TypeServerReflexive, base.component),
		Foundation:  computeFoundation(TypeServerReflexive, base.address, stunServer),
		ComponentID: base.component,
		RelatedIP:   &related,
		base:        base,
	}
}

// makeRelayedCandidate wraps a TURN-allocated relayed transport address as a
// candidate, generalizing internal/ice/candidate.go's host/srflx
// constructors to the relayed type the teacher never implemented (spec
// §4.7 "a TURNSocket per configured TURN server → relayed candidate").
func makeRelayedCandidate(mid string, relayed TransportAddress, base *Base, turnServer string) Candidate {
	related := base.address
	return Candidate{
		Mid:         mid,
		Address:     relayed,
		Type:        TypeRelayed,
		Priority:    computePriority(TypeRelayed, base.component),
		Foundation:  computeFoundation(TypeRelayed, base.address, turnServer),
		ComponentID: base.component,
		RelatedIP:   &related,
		base:        base,
	}
}

// makePeerReflexiveCandidate synthesizes a candidate for a remote address
// that wasn't among the known remote candidates (RFC 8445 §7.3.1.3-4). base
// may be nil when the triggering packet arrived over a relay rather than a
// local UDP base, in which case the candidate carries no local base.
func makePeerReflexiveCandidate(mid string, addr net.Addr, base *Base, component int, priority uint32) Candidate {
	ta := makeTransportAddress(addr)
	return Candidate{
		Mid:         mid,
		Address:     ta,
		Type:        TypePeerReflexive,
		Priority:    priority,
		Foundation:  computeFoundation(TypePeerReflexive, ta, ""),
		ComponentID: component,
		base:        base,
	}
}

// computePriority implements RFC 8445 §5.1.2: (typePref<<24) + (localPref<<8)
// + (256-component).
func computePriority(typ CandidateType, component int) uint32 {
	var typePref int
	switch typ {
	case TypeHost:
		typePref = 126
	case TypeServerReflexive, TypePeerReflexive:
		typePref = 110
	case TypeRelayed:
		typePref = 0
	default:
		panic("ice: illegal candidate type: " + typ)
	}

	// TODO: Rank multiple local IPs (VPN/virtual interfaces lower) instead
	// of a flat local preference.
	const localPref = 65535

	return uint32((typePref << 24) + (localPref << 8) + (256 - component))
}

// computeFoundation implements RFC 8445 §5.1.1.3: unique per (type, base IP,
// protocol, STUN/TURN server).
func computeFoundation(typ CandidateType, baseAddress TransportAddress, server string) string {
	fingerprint := fmt.Sprintf("%s/%s/%s", typ, baseAddress.Protocol, baseAddress.IP)
	if server != "" {
		fingerprint += "/" + server
	}
	hash := fnv.New64()
	hash.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(hash.Sum(nil))[0:8]
}

func (c *Candidate) isReflexive() bool {
	return c.Type == TypeServerReflexive || c.Type == TypePeerReflexive
}

// peerPriority computes this candidate's priority as if it were
// peer-reflexive, for use by connectivity checks (RFC 8445 §7.1.1).
func (c *Candidate) peerPriority() uint32 {
	return computePriority(TypePeerReflexive, c.ComponentID)
}

func (c Candidate) sdpString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.ComponentID, c.Address.Protocol, c.Priority, c.Address.IP, c.Address.Port, c.Type)
	if c.RelatedIP != nil {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedIP.IP, c.RelatedIP.Port)
	}
	return b.String()
}

func (c Candidate) String() string {
	return c.sdpString()
}

// parseCandidateSDP parses an ICE candidate attribute line, per
// draft-ietf-mmusic-ice-sip-sdp-24 §4.1.
func parseCandidateSDP(desc string) (Candidate, error) {
	var c Candidate
	var protocol, ip, port string
	var typ string
	_, err := fmt.Sscanf(desc, "candidate:%s %d %s %d %s %s typ %s",
		&c.Foundation, &c.ComponentID, &protocol, &c.Priority, &ip, &port, &typ)
	if err != nil {
		return c, err
	}
	c.Type = CandidateType(typ)
	if c.ComponentID < 1 || c.ComponentID > 256 {
		return c, fmt.Errorf("ice: component id out of range: %d", c.ComponentID)
	}

	addr, err := resolveAddr(protocol, net.JoinHostPort(ip, port))
	if err != nil {
		return c, err
	}
	c.Address = makeTransportAddress(addr)
	return c, nil
}

func resolveAddr(network, address string) (net.Addr, error) {
	switch strings.ToLower(network) {
	case "tcp":
		return net.ResolveTCPAddr("tcp", address)
	case "udp":
		return net.ResolveUDPAddr("udp", address)
	default:
		return nil, fmt.Errorf("ice: invalid network type: %s", network)
	}
}
