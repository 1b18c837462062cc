// Package turn implements a TURN (RFC 5766/6062) relay client: server
// probing/failover, allocation with long-term-credential retry, permission
// and channel-bind management, and UDP/TCP channel-data framing (spec §4.6).
package turn

import (
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/backoff"
	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/internal/logging"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
	"github.com/rs/xid"
)

var log = logging.DefaultLogger.WithTag("turn")

// State is the TURN client's lifecycle state (spec §4.6).
type State int

const (
	StatePending State = iota
	StateReady
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// probeStaggerDelay staggers Allocate probes across candidate servers so a
// fast-responding server wins before slower ones are even tried, per spec
// §4.6 "Server probing".
const probeStaggerDelay = 150 * time.Millisecond

// Delegate receives the client's lifecycle and data events.
type Delegate interface {
	OnTURNSocketStateChanged(c *Client, state State)
	OnTURNSocketError(c *Client, err *rtcerrors.Error)

	// OnTURNSocketReceivedPacket delivers a payload relayed from source,
	// whether it arrived as channel-data or a Data indication.
	OnTURNSocketReceivedPacket(c *Client, source *net.UDPAddr, payload []byte)

	// OnTURNSocketWriteReady fires when a previously full TCP send buffer
	// has drained enough to accept more writes.
	OnTURNSocketWriteReady(c *Client)
}

// Credentials supplies the long-term username/password TURN needs once a
// server challenges the initial Allocate with 401.
type Credentials struct {
	Username string
	Password string
}

// Send is the caller-provided raw socket write function — UDP or the
// TCP writer wrapped by Framer, depending on config.
type Send func(payload []byte) error

// Config configures a Client.
type Config struct {
	UDPServers  []*net.UDPAddr
	TCPServers  []*net.UDPAddr
	ForceUDP    bool
	ForceTCP    bool
	Credentials Credentials
	Pattern     *backoff.Pattern
	Manager     *stun.Manager
	Scheduler   collab.Scheduler
}

// Client is a TURN relay client (spec §4.6).
type Client struct {
	mu sync.Mutex

	cfg      Config
	delegate Delegate
	send     Send

	state State

	probes       map[string]*stun.Requester
	activeServer *net.UDPAddr

	relayed        *net.UDPAddr
	lifetime       time.Duration
	mobilityTicket []byte
	refreshCancel  func()

	username, password, realm, nonce string

	permissions *permissionSet
	channels    *channelSet
}

// NewClient constructs a Client and begins probing configured servers.
func NewClient(cfg Config, delegate Delegate, send Send) *Client {
	if cfg.Manager == nil {
		cfg.Manager = stun.DefaultManager
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = collab.DefaultScheduler
	}
	if cfg.Pattern == nil {
		cfg.Pattern = stun.DefaultRequesterPattern()
	}

	c := &Client{
		cfg:         cfg,
		delegate:    delegate,
		send:        send,
		username:    cfg.Credentials.Username,
		password:    cfg.Credentials.Password,
		probes:      make(map[string]*stun.Requester),
		permissions: newPermissionSet(),
		channels:    newChannelSet(),
	}

	go c.startProbing()
	return c
}

// GetState returns the client's current state.
func (c *Client) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetRelayedAddress returns the allocated relayed transport address, once
// ready.
func (c *Client) GetRelayedAddress() (*net.UDPAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayed, c.relayed != nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnTURNSocketStateChanged(c, s)
	}
}

func (c *Client) fail(err *rtcerrors.Error) {
	c.mu.Lock()
	c.state = StateShutdown
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnTURNSocketError(c, err)
		delegate.OnTURNSocketStateChanged(c, StateShutdown)
	}
}

// Shutdown tears down the allocation (best-effort) and cancels all pending
// requesters.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	probes := c.probes
	c.probes = nil
	if c.refreshCancel != nil {
		c.refreshCancel()
	}
	c.mu.Unlock()

	for _, r := range probes {
		r.Cancel()
	}
	c.setState(StateShutdown)
}

func (c *Client) activeServers() []*net.UDPAddr {
	if c.cfg.ForceUDP {
		return c.cfg.UDPServers
	}
	if c.cfg.ForceTCP {
		return c.cfg.TCPServers
	}
	all := append([]*net.UDPAddr{}, c.cfg.UDPServers...)
	return append(all, c.cfg.TCPServers...)
}

// startProbing issues a staggered Allocate request against every candidate
// server; the first to produce a successful allocation becomes the active
// server and all other probes are cancelled (spec §4.6 "Server probing").
func (c *Client) startProbing() {
	servers := c.activeServers()
	if len(servers) == 0 {
		c.fail(rtcerrors.New(rtcerrors.CodeIllegalUsage, "no TURN servers configured"))
		return
	}

	for i, server := range servers {
		i, server := i, server
		time.AfterFunc(time.Duration(i)*probeStaggerDelay, func() {
			c.probeServer(server)
		})
	}
}

func (c *Client) probeServer(server *net.UDPAddr) {
	c.mu.Lock()
	if c.probes == nil || c.activeServer != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	probeID := xid.New().String()
	log.Debug("probe %s: sending Allocate to %s", probeID, server)

	req := stun.NewMessage(stun.ClassRequest, stun.MethodAllocate, stun.VariantTURN)
	req.AddRequestedTransport(17) // UDP, per RFC 5766 §6.1
	c.mu.Lock()
	username := c.username
	c.mu.Unlock()
	if username != "" {
		req.AddUsername(username)
	}

	del := &allocateDelegate{c: c, server: server, probeID: probeID}
	r := stun.NewRequester(c.cfg.Manager, del, server, req, stun.VariantTURN, c.cfg.Pattern, c.cfg.Scheduler)

	c.mu.Lock()
	if c.probes == nil {
		c.mu.Unlock()
		r.Cancel()
		return
	}
	c.probes[server.String()] = r
	c.mu.Unlock()
}

func (c *Client) commitAllocation(server *net.UDPAddr, relayed *net.UDPAddr, lifetime time.Duration, mobilityTicket []byte) {
	c.mu.Lock()
	if c.activeServer != nil {
		c.mu.Unlock()
		return
	}
	c.activeServer = server
	c.relayed = relayed
	c.lifetime = lifetime
	c.mobilityTicket = mobilityTicket
	probes := c.probes
	c.probes = map[string]*stun.Requester{server.String(): probes[server.String()]}
	c.mu.Unlock()

	for addr, r := range probes {
		if addr != server.String() {
			r.Cancel()
		}
	}

	c.setState(StateReady)
	c.scheduleRefresh()
}

// scheduleRefresh arms a Refresh request at lifetime minus the larger of a
// quarter of the lifetime or 60s before expiry (spec §4.6 "Allocation").
func (c *Client) scheduleRefresh() {
	c.mu.Lock()
	lifetime := c.lifetime
	c.mu.Unlock()

	margin := lifetime / 4
	if margin < 60*time.Second {
		margin = 60 * time.Second
	}
	delay := lifetime - margin
	if delay < 0 {
		delay = 0
	}

	cancel := c.cfg.Scheduler.AfterFunc(delay, c.sendRefresh)
	c.mu.Lock()
	c.refreshCancel = cancel
	c.mu.Unlock()
}

func (c *Client) sendRefresh() {
	c.mu.Lock()
	server := c.activeServer
	realm, nonce := c.realm, c.nonce
	ticket := c.mobilityTicket
	c.mu.Unlock()
	if server == nil {
		return
	}

	req := stun.NewMessage(stun.ClassRequest, stun.MethodRefresh, stun.VariantTURN)
	req.AddRealm(realm)
	req.AddNonce(nonce)
	if len(ticket) > 0 {
		req.AddMobilityTicket(ticket)
	}
	req.AddUsername(c.username)
	req.AddMessageIntegrity(stun.LongTermKey(c.username, realm, c.password))
	req.AddFingerprint()

	del := &refreshDelegate{c: c}
	stun.NewRequester(c.cfg.Manager, del, server, req, stun.VariantTURN, c.cfg.Pattern, c.cfg.Scheduler)
}

func (c *Client) teardown(err *rtcerrors.Error) {
	c.mu.Lock()
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
	c.mu.Unlock()
	c.fail(err)
}

// HandlePacket offers an inbound packet (received on the active server's
// socket) to the client: STUN messages are routed to the pending requester
// manager; anything channel-framed is decoded and delivered as data (spec
// §4.6 "Receive path").
func (c *Client) HandlePacket(data []byte) {
	if decoded, ok := decodeChannelData(data); ok {
		if peer, known := c.channels.peerFor(decoded.channel); known {
			c.deliver(peer, decoded.payload)
		}
		return
	}

	c.mu.Lock()
	manager := c.cfg.Manager
	variant := stun.VariantTURN
	c.mu.Unlock()

	msg, handled := manager.HandlePacket(nil, data, variant)
	if handled || msg == nil {
		return
	}

	if msg.Method == stun.MethodData && msg.Class == stun.ClassIndication {
		peer, ok := msg.XorPeerAddress()
		payload, pok := msg.Data()
		if ok && pok {
			c.deliver(peer, payload)
		}
	}
}

func (c *Client) deliver(source *net.UDPAddr, payload []byte) {
	c.mu.Lock()
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate.OnTURNSocketReceivedPacket(c, source, payload)
	}
}
