// Package ice implements Interactive Connectivity Establishment (RFC 8445):
// per-local-IP candidate gathering sockets, candidate pairing, and the
// connectivity-check state machine that selects a working pair (spec §4.7,
// §4.8, grounded on internal/ice/{base,candidate,pair,checklist}.go).
package ice

import (
	"fmt"
	"net"
)

// Protocol is a candidate's transport protocol.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// TransportAddress is a comparable (protocol, IP, port) tuple, usable as a
// map key, generalizing internal/ice/base.go's inline address fields.
type TransportAddress struct {
	Protocol  Protocol
	IP        string
	Port      int
	LinkLocal bool
	Family    int // 4 or 6
}

func makeTransportAddress(addr net.Addr) TransportAddress {
	var ip net.IP
	var port int
	var protocol Protocol
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port, protocol = a.IP, a.Port, UDP
	case *net.TCPAddr:
		ip, port, protocol = a.IP, a.Port, TCP
	default:
		host, p, _ := net.SplitHostPort(addr.String())
		ip = net.ParseIP(host)
		fmt.Sscanf(p, "%d", &port)
	}

	family := 4
	if ip.To4() == nil {
		family = 6
	}

	return TransportAddress{
		Protocol:  protocol,
		IP:        ip.String(),
		Port:      port,
		LinkLocal: ip.IsLinkLocalUnicast(),
		Family:    family,
	}
}

func (a TransportAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.IP), Port: a.Port}
}

func (a TransportAddress) String() string {
	return net.JoinHostPort(a.IP, fmt.Sprint(a.Port))
}
