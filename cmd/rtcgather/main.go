// Command rtcgather demonstrates ICE candidate gathering (host,
// server-reflexive via STUN, relayed via TURN) over a single component,
// printing each candidate as it is discovered.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/haleiwa/rtcstack/ice"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/turn"
)

func resolveUDPAddr(hostport string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("rtcgather: failed to resolve TURN server %q: %w", hostport, err)
	}
	return addr, nil
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	var turnServers []turn.Config
	if flagTURNServer != "" {
		addr, err := resolveUDPAddr(flagTURNServer)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		turnServers = append(turnServers, turn.Config{
			UDPServers: []*net.UDPAddr{addr},
			Credentials: turn.Credentials{
				Username: flagTURNUser,
				Password: flagTURNPass,
			},
		})
	}

	cfg := ice.SocketConfig{
		Mid:         "0",
		Component:   1,
		STUNServers: flagSTUNServers,
		TURNServers: turnServers,
		EnableIPv6:  flagEnableIPv6,
	}

	g := newGatherer()
	socket, err := ice.NewSocket(cfg, g)
	if err != nil {
		log.Fatalf("rtcgather: failed to start gathering: %v", err)
	}
	defer socket.Shutdown()

	select {
	case <-g.done:
	case <-time.After(time.Duration(flagTimeout) * time.Second):
		fmt.Fprintln(os.Stderr, "rtcgather: timed out waiting for gathering to settle")
	}

	for _, c := range socket.Candidates() {
		fmt.Println(c.String())
	}
}

// gatherer is an ice.SocketDelegate that prints each candidate as it
// arrives and closes done once the socket reaches SocketReady.
type gatherer struct {
	done chan struct{}
}

func newGatherer() *gatherer {
	return &gatherer{done: make(chan struct{})}
}

func (g *gatherer) OnICESocketStateChanged(s *ice.Socket, state ice.SocketState) {
	if state == ice.SocketReady {
		select {
		case <-g.done:
		default:
			close(g.done)
		}
	}
}

func (g *gatherer) OnICESocketCandidatesChanged(s *ice.Socket, candidates []ice.Candidate) {
	for _, c := range candidates {
		fmt.Fprintf(os.Stderr, "gathered: %s\n", c.String())
	}
}

func (g *gatherer) OnICESocketError(s *ice.Socket, err *rtcerrors.Error) {
	fmt.Fprintf(os.Stderr, "rtcgather: %v\n", err)
}
