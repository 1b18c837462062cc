package ice

import (
	"context"
	"hash/crc32"
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/internal/logging"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
	"github.com/haleiwa/rtcstack/turn"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var log = logging.DefaultLogger.WithTag("ice")

const (
	sizeMaximumTransmissionUnit = 1500
	timeoutReadFromBase         = 5 * time.Second

	// dscpExpeditedForwarding is the DSCP class (RFC 3246) applied to host
	// candidate sockets so real-time media gets queueing priority over the
	// TURN control/data path, which is left best-effort.
	dscpExpeditedForwarding = 0x2e << 2
)

// setDSCP marks outbound packets on a host candidate socket with the
// expedited-forwarding DSCP class. Best-effort: a platform or NIC that
// rejects the control message still sends traffic, just unmarked.
func setDSCP(conn *net.UDPConn) {
	if ip4 := ipv4.NewConn(conn); ip4.SetTOS(dscpExpeditedForwarding) == nil {
		return
	}
	_ = ipv6.NewConn(conn).SetTrafficClass(dscpExpeditedForwarding)
}

// SocketState is the Socket's lifecycle (spec §4.7 "Wake / sleep").
type SocketState int

const (
	SocketPending SocketState = iota
	SocketReady
	SocketGoingToSleep
	SocketSleeping
	SocketShutdown
)

func (s SocketState) String() string {
	switch s {
	case SocketPending:
		return "Pending"
	case SocketReady:
		return "Ready"
	case SocketGoingToSleep:
		return "GoingToSleep"
	case SocketSleeping:
		return "Sleeping"
	case SocketShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// SocketDelegate receives a Socket's lifecycle and candidate events.
type SocketDelegate interface {
	OnICESocketStateChanged(s *Socket, state SocketState)
	OnICESocketCandidatesChanged(s *Socket, candidates []Candidate)
	OnICESocketError(s *Socket, err *rtcerrors.Error)
}

// SocketConfig configures candidate gathering (spec §4.7).
type SocketConfig struct {
	Mid         string
	Component   int
	STUNServers []string
	TURNServers []turn.Config // one Client per entry

	EnableIPv6     bool
	InterfaceOrder []string // preferred interface name prefixes, in order

	RebindInterval    time.Duration
	RebindMaxDuration time.Duration

	Scheduler collab.Scheduler
}

// Base is the transport address an ICE agent sends from for a particular
// candidate (RFC 8445 §3): one UDP socket per local IP.
type Base struct {
	net.PacketConn

	address   TransportAddress
	component int
	sdpMid    string

	dead chan struct{}
	err  error
}

func createBase(ip net.IP, component int, sdpMid string) (*Base, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: 0})
	if err != nil {
		return nil, err
	}
	setDSCP(conn)
	return &Base{
		PacketConn: conn,
		address:    makeTransportAddress(conn.LocalAddr()),
		component:  component,
		sdpMid:     sdpMid,
	}, nil
}

// initializeBases creates one Base per up, non-loopback local IP, ordered by
// cfg.InterfaceOrder and filtered by cfg.EnableIPv6 (spec §4.7 "Candidate
// gathering").
func initializeBases(cfg SocketConfig) ([]*Base, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	ifaces = orderInterfaces(ifaces, cfg.InterfaceOrder)

	var bases []*Base
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if !cfg.EnableIPv6 && ip.To4() == nil {
				continue
			}
			base, err := createBase(ip, cfg.Component, cfg.Mid)
			if err != nil {
				log.Debug("ice: failed to create base for %s: %v", ip, err)
				continue
			}
			bases = append(bases, base)
		}
	}
	return bases, nil
}

func orderInterfaces(ifaces []net.Interface, order []string) []net.Interface {
	if len(order) == 0 {
		return ifaces
	}
	rank := func(name string) int {
		for i, prefix := range order {
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				return i
			}
		}
		return len(order)
	}
	sorted := append([]net.Interface(nil), ifaces...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && rank(sorted[j-1].Name) > rank(sorted[j].Name); j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}

// Socket gathers host/server-reflexive/relayed candidates across every local
// IP and routes inbound traffic to the Session that owns it (spec §4.7).
type Socket struct {
	mu sync.Mutex

	cfg      SocketConfig
	delegate SocketDelegate

	bases       []*Base
	discoveries []*stun.Discovery
	relays      []*turn.Client

	state      SocketState
	candidates []Candidate
	lastCRC    uint32

	routes map[routeKey]*Session

	sleepDeadline time.Time
	cancel        context.CancelFunc
}

type routeKey struct {
	base   string
	source string
}

// NewSocket creates bases for every eligible local IP and begins gathering
// candidates against the configured STUN/TURN servers.
func NewSocket(cfg SocketConfig, delegate SocketDelegate) (*Socket, error) {
	if cfg.Scheduler == nil {
		cfg.Scheduler = collab.DefaultScheduler
	}

	bases, err := initializeBases(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		cfg:      cfg,
		delegate: delegate,
		bases:    bases,
		routes:   make(map[routeKey]*Session),
		cancel:   cancel,
	}

	for _, b := range bases {
		go s.readLoop(b)
	}

	go s.gather(ctx)
	if cfg.RebindInterval > 0 {
		go s.rebindLoop(ctx)
	}
	return s, nil
}

func (s *Socket) GetState() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Candidates returns a snapshot of the candidates gathered so far.
func (s *Socket) Candidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Candidate(nil), s.candidates...)
}

// gather emits the host candidate for every base immediately, then starts a
// Discovery/TURN Client per configured server per base; once all have
// resolved (success or failure) the socket moves Pending → Ready.
func (s *Socket) gather(ctx context.Context) {
	for _, b := range s.bases {
		s.addCandidate(makeHostCandidate(s.cfg.Mid, b))
	}

	var pending sync.WaitGroup
	for _, b := range s.bases {
		b := b
		if b.address.Protocol != UDP || b.address.LinkLocal {
			continue
		}

		for _, server := range s.cfg.STUNServers {
			server := server
			pending.Add(1)
			del := &socketDiscoveryDelegate{s: s, base: b, server: server, done: pending.Done}
			d := stun.NewDiscovery(ctx, stun.DiscoveryOptions{
				ServerURIs: []string{server},
				Manager:    stun.DefaultManager,
			}, del, func(to *net.UDPAddr, packet []byte) error {
				_, err := b.WriteTo(packet, to)
				return err
			})
			s.mu.Lock()
			s.discoveries = append(s.discoveries, d)
			s.mu.Unlock()
		}

		for i := range s.cfg.TURNServers {
			cfg := s.cfg.TURNServers[i]
			pending.Add(1)
			del := &socketTURNDelegate{s: s, base: b, done: pending.Done}
			client := turn.NewClient(cfg, del, func(payload []byte) error {
				_, err := b.WriteTo(payload, pickServer(cfg))
				return err
			})
			s.mu.Lock()
			s.relays = append(s.relays, client)
			s.mu.Unlock()
		}
	}

	pending.Wait()
	s.setState(SocketReady)
}

func pickServer(cfg turn.Config) *net.UDPAddr {
	if len(cfg.UDPServers) > 0 {
		return cfg.UDPServers[0]
	}
	if len(cfg.TCPServers) > 0 {
		return cfg.TCPServers[0]
	}
	return nil
}

func (s *Socket) addCandidate(c Candidate) {
	s.mu.Lock()
	s.candidates = append(s.candidates, c)
	snapshot := append([]Candidate(nil), s.candidates...)
	crc := candidateSetCRC(snapshot)
	changed := crc != s.lastCRC
	s.lastCRC = crc
	delegate := s.delegate
	s.mu.Unlock()

	if changed && delegate != nil {
		delegate.OnICESocketCandidatesChanged(s, snapshot)
	}
}

// candidateSetCRC gives the socket a cheap way to detect an observable
// change to its candidate set (spec §4.7 "emits CandidatesChanged once per
// observable set change (CRC comparison)").
func candidateSetCRC(candidates []Candidate) uint32 {
	h := crc32.NewIEEE()
	for _, c := range candidates {
		h.Write([]byte(c.String()))
	}
	return h.Sum32()
}

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	s.state = state
	delegate := s.delegate
	s.mu.Unlock()
	if delegate != nil {
		delegate.OnICESocketStateChanged(s, state)
	}
}

// Wakeup extends the socket's keep-alive deadline; if it had gone to sleep,
// candidate gathering (including TURN allocation) resumes (spec §4.7
// "Wake / sleep").
func (s *Socket) Wakeup(minAliveDuration time.Duration) {
	s.mu.Lock()
	deadline := time.Now().Add(minAliveDuration)
	if deadline.After(s.sleepDeadline) {
		s.sleepDeadline = deadline
	}
	wasSleeping := s.state == SocketSleeping
	s.mu.Unlock()

	if wasSleeping {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.gather(ctx)
	}

	s.cfg.Scheduler.AfterFunc(minAliveDuration, s.checkSleep)
}

func (s *Socket) checkSleep() {
	s.mu.Lock()
	if time.Now().Before(s.sleepDeadline) {
		s.mu.Unlock()
		return
	}
	relays := s.relays
	s.relays = nil
	s.mu.Unlock()

	for _, r := range relays {
		r.Shutdown()
	}
	s.setState(SocketSleeping)
}

// rebindLoop periodically re-creates bases for local IPs that disappeared
// and were later restored (spec §4.7 "Rebind on network change").
func (s *Socket) rebindLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RebindInterval)
	defer ticker.Stop()

	var sinceLastSuccess time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bases, err := initializeBases(s.cfg)
			if err != nil || len(bases) == 0 {
				if sinceLastSuccess.IsZero() {
					sinceLastSuccess = time.Now()
				} else if s.cfg.RebindMaxDuration > 0 && time.Since(sinceLastSuccess) > s.cfg.RebindMaxDuration {
					s.fail(rtcerrors.New(rtcerrors.CodeDNSLookupFailure, "no local IP addresses available after rebind window"))
				}
				continue
			}
			sinceLastSuccess = time.Time{}

			s.mu.Lock()
			s.bases = bases
			s.mu.Unlock()
			for _, b := range bases {
				go s.readLoop(b)
			}
		}
	}
}

func (s *Socket) fail(err *rtcerrors.Error) {
	s.mu.Lock()
	s.state = SocketShutdown
	delegate := s.delegate
	s.mu.Unlock()
	if delegate != nil {
		delegate.OnICESocketError(s, err)
		delegate.OnICESocketStateChanged(s, SocketShutdown)
	}
}

// Shutdown tears down every base and relay.
func (s *Socket) Shutdown() {
	s.mu.Lock()
	s.cancel()
	bases := s.bases
	relays := s.relays
	s.bases = nil
	s.relays = nil
	s.mu.Unlock()

	for _, b := range bases {
		b.Close()
	}
	for _, r := range relays {
		r.Shutdown()
	}
	s.setState(SocketShutdown)
}

// RegisterRoute maps inbound traffic from source, arriving via localBase, to
// session (spec §4.7 "a (viaIP, viaLocalIP, sourceIP) tuple route map").
func (s *Socket) RegisterRoute(localBase TransportAddress, source *net.UDPAddr, session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey{base: localBase.String(), source: source.String()}] = session
}

func (s *Socket) UnregisterRoute(localBase TransportAddress, source *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, routeKey{base: localBase.String(), source: source.String()})
}

// SendTo writes bytes out the base matching viaLocalCandidate, relaying
// through TURN if the candidate is relayed (spec §4.7 "Send/receive
// routing").
func (s *Socket) SendTo(viaLocalCandidate Candidate, destination *net.UDPAddr, payload []byte) error {
	if viaLocalCandidate.Type == TypeRelayed {
		s.mu.Lock()
		relays := s.relays
		s.mu.Unlock()
		for _, r := range relays {
			if relayed, ok := r.GetRelayedAddress(); ok && relayed.String() == viaLocalCandidate.Address.String() {
				r.SendToPeer(destination, payload)
				return nil
			}
		}
		return rtcerrors.New(rtcerrors.CodeIllegalUsage, "no active TURN relay for candidate")
	}

	base := viaLocalCandidate.base
	if base == nil {
		return rtcerrors.New(rtcerrors.CodeIllegalUsage, "candidate has no local base")
	}
	_, err := base.WriteTo(payload, destination)
	return err
}

// readLoop reads datagrams off base until it errors and hands each to
// dispatch: a matching relay client first, then STUN packets to the
// process-wide Manager (which wakes any outstanding Discovery/TURN
// requester), then to a routed Session, then broadcast to every session that
// might own the binding. Non-STUN user data reaches only a routed Session
// and is dropped otherwise (spec §4.7 "Send/receive routing").
func (s *Socket) readLoop(base *Base) {
	base.dead = make(chan struct{})
	defer close(base.dead)

	buf := make([]byte, sizeMaximumTransmissionUnit)
	for {
		base.SetReadDeadline(time.Now().Add(timeoutReadFromBase))
		n, addr, err := base.ReadFrom(buf)
		if err != nil {
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			base.err = err
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		from, _ := addr.(*net.UDPAddr)

		s.dispatch(base, from, data)
	}
}

func (s *Socket) dispatch(base *Base, from *net.UDPAddr, data []byte) {
	// Offer to every relay client first: channel-data and TURN-framed STUN
	// both need the client's own Manager-backed handling.
	s.mu.Lock()
	relays := append([]*turn.Client(nil), s.relays...)
	s.mu.Unlock()
	for _, r := range relays {
		if relayed, ok := r.GetRelayedAddress(); ok && relayed.String() == from.String() {
			r.HandlePacket(data)
			return
		}
	}

	msg, handled := stun.DefaultManager.HandlePacket(from, data, stun.VariantICE)
	if handled {
		return
	}

	s.mu.Lock()
	session, ok := s.routes[routeKey{base: base.address.String(), source: from.String()}]
	s.mu.Unlock()

	if ok {
		session.handleInbound(base, from, msg, data)
		return
	}

	// No known route: if it's STUN, broadcast to every session that might
	// own the local username fragment; an unmatched STUN message or
	// arbitrary data with no route is simply dropped.
	if msg != nil {
		s.broadcastStun(base, from, msg)
	}
}

func (s *Socket) broadcastStun(base *Base, from *net.UDPAddr, msg *stun.Message) {
	username, ok := msg.Username()
	if !ok {
		return
	}
	s.mu.Lock()
	sessions := make(map[*Session]bool)
	for _, sess := range s.routes {
		sessions[sess] = true
	}
	s.mu.Unlock()
	for sess := range sessions {
		if sess.ownsUsernameFragment(username) {
			sess.handleInbound(base, from, msg, msg.Marshal())
		}
	}
}

type socketDiscoveryDelegate struct {
	s      *Socket
	base   *Base
	server string
	done   func()
}

func (d *socketDiscoveryDelegate) OnSTUNDiscoveryCompleted(disc *stun.Discovery, mapped *net.UDPAddr) {
	d.s.addCandidate(makeServerReflexiveCandidate(d.s.cfg.Mid, makeTransportAddress(mapped), d.base, d.server))
	d.done()
}

func (d *socketDiscoveryDelegate) OnSTUNDiscoveryFailed(disc *stun.Discovery, err error) {
	log.Debug("ice: STUN discovery against %s failed: %v", d.server, err)
	d.done()
}

type socketTURNDelegate struct {
	s     *Socket
	base  *Base
	done  func()
	fired bool
}

func (d *socketTURNDelegate) OnTURNSocketStateChanged(c *turn.Client, state turn.State) {
	if state == turn.StateReady && !d.fired {
		d.fired = true
		if relayed, ok := c.GetRelayedAddress(); ok {
			d.s.addCandidate(makeRelayedCandidate(d.s.cfg.Mid, makeTransportAddress(relayed), d.base, ""))
		}
		d.done()
	} else if state == turn.StateShutdown && !d.fired {
		d.fired = true
		d.done()
	}
}

func (d *socketTURNDelegate) OnTURNSocketError(c *turn.Client, err *rtcerrors.Error) {
	log.Debug("ice: TURN allocation failed: %v", err)
}

func (d *socketTURNDelegate) OnTURNSocketReceivedPacket(c *turn.Client, source *net.UDPAddr, payload []byte) {
	s := d.s
	s.mu.Lock()
	session, ok := s.routes[routeKey{base: d.base.address.String(), source: source.String()}]
	s.mu.Unlock()
	if ok {
		session.handleRelayedData(source, payload)
	}
}

func (d *socketTURNDelegate) OnTURNSocketWriteReady(c *turn.Client) {}
