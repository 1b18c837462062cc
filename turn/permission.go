package turn

import (
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/stun"
)

// permissionRenewInterval is roughly the RFC 5766 permission lifetime (5
// minutes) minus slack, so renewal lands comfortably before expiry (spec
// §4.6 "Permissions": "renewed roughly every 4 minutes").
const permissionRenewInterval = 4 * time.Minute

// maxPendingBufferedBytes bounds the per-peer buffer of outbound data held
// while a permission is being created (spec §4.6: "pending outbound data to
// that peer is buffered (bounded)").
const maxPendingBufferedBytes = 64 * 1024

type permission struct {
	addr     *net.UDPAddr
	active   bool
	pending  [][]byte
	pendingN int
}

// permissionSet tracks the addresses this client has recently sent data to
// and their CreatePermission lifecycle.
type permissionSet struct {
	mu    sync.Mutex
	byKey map[string]*permission
}

func newPermissionSet() *permissionSet {
	return &permissionSet{byKey: make(map[string]*permission)}
}

// ensure records addr as a destination the client wants to send to and
// reports whether the entry is new. For a new entry the caller (Client)
// issues a CreatePermission request; data is buffered via buffer until it
// succeeds.
func (s *permissionSet) ensure(addr *net.UDPAddr) (p *permission, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := addr.String()
	if existing, ok := s.byKey[key]; ok {
		return existing, false
	}
	p = &permission{addr: addr}
	s.byKey[key] = p
	return p, true
}

func (s *permissionSet) markActive(addr *net.UDPAddr) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[addr.String()]
	if !ok {
		return nil
	}
	p.active = true
	flushed := p.pending
	p.pending = nil
	p.pendingN = 0
	return flushed
}

func (s *permissionSet) isActive(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[addr.String()]
	return ok && p.active
}

func (s *permissionSet) buffer(addr *net.UDPAddr, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byKey[addr.String()]
	if !ok {
		return false
	}
	if p.pendingN+len(payload) > maxPendingBufferedBytes {
		return false
	}
	p.pending = append(p.pending, payload)
	p.pendingN += len(payload)
	return true
}

// CreatePermission issues a CreatePermission request for addr if one isn't
// already outstanding, buffering payload (if non-nil) to be released on
// success (spec §4.6 "Permissions"). A call with nil payload for an
// already-active permission re-issues the request; the renewal timer uses
// this to refresh it.
func (c *Client) CreatePermission(addr *net.UDPAddr, payload []byte) {
	_, isNew := c.permissions.ensure(addr)
	if payload != nil {
		c.permissions.buffer(addr, payload)
	}
	if !isNew && !(payload == nil && c.permissions.isActive(addr)) {
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

	req := stun.NewMessage(stun.ClassRequest, stun.MethodCreatePermission, stun.VariantTURN)
	req.AddXorPeerAddress(addr)
	req.AddRealm(realm)
	req.AddNonce(nonce)
	req.AddUsername(username)
	req.AddMessageIntegrity(stun.LongTermKey(username, realm, password))
	req.AddFingerprint()

	del := &permissionDelegate{c: c, addr: addr}
	stun.NewRequester(c.cfg.Manager, del, server, req, stun.VariantTURN, c.cfg.Pattern, c.cfg.Scheduler)

	c.schedulePermissionRenewal(addr)
}

func (c *Client) schedulePermissionRenewal(addr *net.UDPAddr) {
	c.cfg.Scheduler.AfterFunc(permissionRenewInterval, func() {
		if c.permissions.isActive(addr) {
			c.CreatePermission(addr, nil)
		}
	})
}

type permissionDelegate struct {
	c    *Client
	addr *net.UDPAddr
}

func (d *permissionDelegate) OnSTUNRequesterSend(r *stun.Requester, to *net.UDPAddr, packet []byte) {
	sendToServer(d.c, to, packet)
}

func (d *permissionDelegate) OnSTUNRequesterResponse(r *stun.Requester, from *net.UDPAddr, response *stun.Message) bool {
	if response.Class == stun.ClassErrorResponse {
		return true
	}
	flushed := d.c.permissions.markActive(d.addr)
	for _, payload := range flushed {
		d.c.SendToPeer(d.addr, payload)
	}
	return true
}

func (d *permissionDelegate) OnSTUNRequesterTimedOut(r *stun.Requester) {
	log.Warn("turn: CreatePermission for %s timed out", d.addr)
}

func (d *permissionDelegate) OnSTUNRequesterChallenged(r *stun.Requester, realm, nonce string) ([]byte, bool) {
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
