package turn

import (
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/stun"
)

// channelRenewInterval is roughly the RFC 5766 channel binding lifetime (10
// minutes) minus slack (spec §4.6: "Channel refresh ≈ 9 minutes").
const channelRenewInterval = 9 * time.Minute

// channelNumberMin/Max bound the RFC 5766 channel number range.
const (
	channelNumberMin = 0x4000
	channelNumberMax = 0x7FFF
)

type channelSet struct {
	mu          sync.Mutex
	byAddr      map[string]uint16
	byChannel   map[uint16]*net.UDPAddr
	nextChannel uint16
}

func newChannelSet() *channelSet {
	return &channelSet{
		byAddr:      make(map[string]uint16),
		byChannel:   make(map[uint16]*net.UDPAddr),
		nextChannel: channelNumberMin,
	}
}

// allocate picks the next available channel number for addr, wrapping
// around the RFC 5766 range (spec §4.6 "Channel binds").
func (s *channelSet) allocate(addr *net.UDPAddr) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.byAddr[addr.String()]; ok {
		return ch, false
	}

	start := s.nextChannel
	for {
		if _, taken := s.byChannel[s.nextChannel]; !taken {
			ch := s.nextChannel
			s.nextChannel++
			if s.nextChannel > channelNumberMax {
				s.nextChannel = channelNumberMin
			}
			s.byAddr[addr.String()] = ch
			s.byChannel[ch] = addr
			return ch, true
		}
		s.nextChannel++
		if s.nextChannel > channelNumberMax {
			s.nextChannel = channelNumberMin
		}
		if s.nextChannel == start {
			return 0, false // exhausted
		}
	}
}

func (s *channelSet) channelFor(addr *net.UDPAddr) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byAddr[addr.String()]
	return ch, ok
}

func (s *channelSet) peerFor(ch uint16) (*net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.byChannel[ch]
	return addr, ok
}

// BindChannel issues a ChannelBind request for addr, allocating the next
// available channel number (spec §4.6 "Channel binds").
func (c *Client) BindChannel(addr *net.UDPAddr) {
	ch, isNew := c.channels.allocate(addr)
	if !isNew {
		return
	}

	c.mu.Lock()
	server := c.activeServer
	realm, nonce := c.realm, c.nonce
	username, password := c.username, c.password
	c.mu.Unlock()
	if server == nil {
		return
	}

	req := stun.NewMessage(stun.ClassRequest, stun.MethodChannelBind, stun.VariantTURN)
	req.AddChannelNumber(ch)
	req.AddXorPeerAddress(addr)
	req.AddRealm(realm)
	req.AddNonce(nonce)
	req.AddUsername(username)
	req.AddMessageIntegrity(stun.LongTermKey(username, realm, password))
	req.AddFingerprint()

	del := &channelBindDelegate{c: c, addr: addr}
	stun.NewRequester(c.cfg.Manager, del, server, req, stun.VariantTURN, c.cfg.Pattern, c.cfg.Scheduler)
}

type channelBindDelegate struct {
	c    *Client
	addr *net.UDPAddr
}

func (d *channelBindDelegate) OnSTUNRequesterSend(r *stun.Requester, to *net.UDPAddr, packet []byte) {
	sendToServer(d.c, to, packet)
}

func (d *channelBindDelegate) OnSTUNRequesterResponse(r *stun.Requester, from *net.UDPAddr, response *stun.Message) bool {
	if response.Class == stun.ClassErrorResponse {
		return true
	}
	d.c.cfg.Scheduler.AfterFunc(channelRenewInterval, func() {
		if _, ok := d.c.channels.channelFor(d.addr); ok {
			d.c.rebindChannel(d.addr)
		}
	})
	return true
}

func (d *channelBindDelegate) OnSTUNRequesterTimedOut(r *stun.Requester) {
	log.Warn("turn: ChannelBind for %s timed out", d.addr)
}

func (d *channelBindDelegate) OnSTUNRequesterChallenged(r *stun.Requester, realm, nonce string) ([]byte, bool) {
	d.c.mu.Lock()
	d.c.realm = realm
	d.c.nonce = nonce
	username, password := d.c.username, d.c.password
	d.c.mu.Unlock()
	if username == "" {
		return nil, false
	}
	return stun.LongTermKey(username, realm, password), true
}

// rebindChannel re-issues ChannelBind for an existing binding to refresh it
// (the channel number itself is stable, only the server-side lease renews).
func (c *Client) rebindChannel(addr *net.UDPAddr) {
	ch, ok := c.channels.channelFor(addr)
	if !ok {
		return
	}

	c.mu.Lock()
	server := c.activeServer
	realm, nonce := c.realm, c.nonce
	username, password := c.username, c.password
	c.mu.Unlock()
	if server == nil {
		return
	}

	req := stun.NewMessage(stun.ClassRequest, stun.MethodChannelBind, stun.VariantTURN)
	req.AddChannelNumber(ch)
	req.AddXorPeerAddress(addr)
	req.AddRealm(realm)
	req.AddNonce(nonce)
	req.AddUsername(username)
	req.AddMessageIntegrity(stun.LongTermKey(username, realm, password))
	req.AddFingerprint()

	del := &channelBindDelegate{c: c, addr: addr}
	stun.NewRequester(c.cfg.Manager, del, server, req, stun.VariantTURN, c.cfg.Pattern, c.cfg.Scheduler)
}

// SendToPeer relays payload to addr: via channel-data framing if a channel
// is bound, else via a Send Indication. If no permission exists yet for
// addr, one is created and payload is buffered until it succeeds (spec §4.6
// "Permissions", "Channel binds").
func (c *Client) SendToPeer(addr *net.UDPAddr, payload []byte) {
	if !c.permissions.isActive(addr) {
		c.CreatePermission(addr, payload)
		return
	}

	if ch, ok := c.channels.channelFor(addr); ok {
		c.mu.Lock()
		send := c.send
		c.mu.Unlock()
		if send != nil {
			send(encodeChannelData(ch, payload))
		}
		return
	}

	c.mu.Lock()
	server := c.activeServer
	send := c.send
	c.mu.Unlock()
	if server == nil || send == nil {
		return
	}

	ind := stun.NewMessage(stun.ClassIndication, stun.MethodSend, stun.VariantTURN)
	ind.AddXorPeerAddress(addr)
	ind.AddData(payload)
	send(ind.Marshal())
}
