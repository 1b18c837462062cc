package turn

import (
	"net"
	"time"

	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
)

// allocateDelegate adapts one server's Allocate probe into the Client's
// server-probing state machine, including the 401 long-term-credential
// challenge (spec §4.6 "Server probing", "Allocation").
type allocateDelegate struct {
	c       *Client
	server  *net.UDPAddr
	probeID string
}

func (d *allocateDelegate) OnSTUNRequesterSend(r *stun.Requester, to *net.UDPAddr, packet []byte) {
	// Every probe writes through the Client's single send function; the
	// server address is not passed to it (sendToServer only logs it).
	sendToServer(d.c, to, packet)
}

func (d *allocateDelegate) OnSTUNRequesterResponse(r *stun.Requester, from *net.UDPAddr, response *stun.Message) bool {
	if response.Class == stun.ClassErrorResponse {
		return true
	}

	relayed, ok := response.XorRelayedAddress()
	if !ok {
		return true
	}
	lifetimeSecs, _ := response.Lifetime()
	ticket, _ := response.MobilityTicket()

	d.c.mu.Lock()
	if realm, ok := response.Realm(); ok {
		d.c.realm = realm
	}
	if nonce, ok := response.Nonce(); ok {
		d.c.nonce = nonce
	}
	d.c.mu.Unlock()

	log.Debug("probe %s: allocation succeeded at %s", d.probeID, d.server)
	d.c.commitAllocation(d.server, relayed, time.Duration(lifetimeSecs)*time.Second, ticket)
	return true
}

func (d *allocateDelegate) OnSTUNRequesterTimedOut(r *stun.Requester) {
	log.Debug("probe %s: timed out", d.probeID)

	d.c.mu.Lock()
	delete(d.c.probes, d.server.String())
	remaining := len(d.c.probes)
	active := d.c.activeServer
	d.c.mu.Unlock()

	if active == nil && remaining == 0 {
		d.c.fail(rtcerrors.New(rtcerrors.CodeReliableServerNotResponding, "every TURN server probe timed out"))
	}
}

// OnSTUNRequesterChallenged implements stun.CredentialDelegate: the server's
// 401 supplies realm/nonce, and the client answers with its long-term
// credentials (spec §4.6 "Allocation").
func (d *allocateDelegate) OnSTUNRequesterChallenged(r *stun.Requester, realm, nonce string) ([]byte, bool) {
	d.c.mu.Lock()
	d.c.realm = realm
	d.c.nonce = nonce
	username, password := d.c.username, d.c.password
	d.c.mu.Unlock()

	if username == "" {
		return nil, false
	}

	// Ensure the rebuilt request still carries Username/RequestedTransport:
	// the requester preserves all non-auth attributes already present, and
	// Username was added before NewRequester was called, so nothing further
	// is needed here beyond deriving the key.
	return stun.LongTermKey(username, realm, password), true
}

// refreshDelegate handles the periodic Refresh request that keeps an
// allocation alive (spec §4.6 "Allocation").
type refreshDelegate struct {
	c *Client
}

func (d *refreshDelegate) OnSTUNRequesterSend(r *stun.Requester, to *net.UDPAddr, packet []byte) {
	sendToServer(d.c, to, packet)
}

func (d *refreshDelegate) OnSTUNRequesterResponse(r *stun.Requester, from *net.UDPAddr, response *stun.Message) bool {
	if response.Class == stun.ClassErrorResponse {
		d.c.teardown(rtcerrors.New(rtcerrors.CodeRefreshTimeout, "TURN server rejected allocation refresh"))
		return true
	}

	lifetimeSecs, _ := response.Lifetime()
	d.c.mu.Lock()
	d.c.lifetime = time.Duration(lifetimeSecs) * time.Second
	d.c.mu.Unlock()
	d.c.scheduleRefresh()
	return true
}

func (d *refreshDelegate) OnSTUNRequesterTimedOut(r *stun.Requester) {
	d.c.teardown(rtcerrors.New(rtcerrors.CodeRefreshTimeout, "TURN server did not respond to allocation refresh"))
}

func (d *refreshDelegate) OnSTUNRequesterChallenged(r *stun.Requester, realm, nonce string) ([]byte, bool) {
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

// sendToServer writes a raw STUN packet to the server via the client's
// configured Send function. Send takes no destination, so to is used only
// in the failure log line.
func sendToServer(c *Client, to *net.UDPAddr, packet []byte) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}
	if err := send(packet); err != nil {
		log.Warn("turn: send to %s failed: %v", to, err)
	}
}
