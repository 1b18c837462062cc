package stun

import (
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/backoff"
	"github.com/haleiwa/rtcstack/collab"
)

// maxAuthLoops bounds how many times a requester will rebuild and resend its
// request in response to a 401/438 challenge before giving up, independent
// of the back-off pattern's own MaxAttempts (spec §4.4).
const maxAuthLoops = 3

// DefaultRequesterPattern mirrors the original STUN requester's built-in
// pattern: 6 attempts, the first timing out after 500ms and doubling on
// each subsequent attempt, with a near-immediate (1ms) retry-after wait,
// grounded on services_STUNRequester.cpp's constructor fallback.
func DefaultRequesterPattern() *backoff.Pattern {
	return &backoff.Pattern{
		MaxAttempts:       6,
		AttemptTimeouts:   []time.Duration{500 * time.Millisecond},
		AttemptMultiplier: 2.0,
		RetryAfter:        []time.Duration{time.Millisecond},
	}
}

// RequesterDelegate receives a requester's send requests, its final
// response, and notification that all attempts have failed.
type RequesterDelegate interface {
	// OnSTUNRequesterSend is invoked (synchronously, outside any internal
	// lock) every time the requester wants the raw packet sent to the
	// server.
	OnSTUNRequesterSend(r *Requester, to *net.UDPAddr, packet []byte)

	// OnSTUNRequesterResponse is invoked with a verified response to this
	// requester's request. It returns whether the response was accepted;
	// returning false lets the requester keep waiting (e.g. the delegate
	// decided the response was bogus).
	OnSTUNRequesterResponse(r *Requester, from *net.UDPAddr, response *Message) bool

	// OnSTUNRequesterTimedOut is invoked once, when the back-off pattern's
	// attempts are exhausted without a response.
	OnSTUNRequesterTimedOut(r *Requester)
}

// CredentialDelegate is implemented optionally by a RequesterDelegate that
// wants the requester to handle long-term-credential challenges (401
// Unauthorized / 438 Stale Nonce) by rebuilding its request with a fresh
// REALM/NONCE and MESSAGE-INTEGRITY, rather than treating the challenge as
// the final response.
type CredentialDelegate interface {
	// OnSTUNRequesterChallenged returns the integrity key to use, given the
	// realm and nonce offered by the server. ok is false if the delegate
	// does not have credentials to offer, ending the retry loop.
	OnSTUNRequesterChallenged(r *Requester, realm, nonce string) (key []byte, ok bool)
}

// Requester drives one request/response transaction: retransmission and
// timeout via a backoff.Timer, long-term-credential challenge handling, and
// de-registration from a Manager on completion or cancellation (spec §4.4,
// grounded on services_STUNRequester.cpp).
type Requester struct {
	mu sync.Mutex

	manager  *Manager
	delegate RequesterDelegate

	serverIP *net.UDPAddr
	request  *Message
	variant  RFCVariant

	timer *backoff.Timer
	done  chan struct{}

	totalTries int
	authLoops  int

	cancelled bool
}

// NewRequester constructs and starts a Requester. If pattern is nil,
// DefaultRequesterPattern is used. If scheduler is nil,
// collab.DefaultScheduler is used.
func NewRequester(manager *Manager, delegate RequesterDelegate, serverIP *net.UDPAddr, request *Message, variant RFCVariant, pattern *backoff.Pattern, scheduler collab.Scheduler) *Requester {
	if pattern == nil {
		pattern = DefaultRequesterPattern()
	}

	r := &Requester{
		manager:  manager,
		delegate: delegate,
		serverIP: serverIP,
		request:  request,
		variant:  variant,
		done:     make(chan struct{}),
	}

	r.timer = backoff.NewTimer(pattern, 0, pattern.MaxAttempts, scheduler)

	if manager != nil {
		manager.monitorStart(r, request.TransactionID)
	}

	_, ch := r.timer.Subscribe()
	go r.watchTimer(ch)

	r.step()
	return r
}

func (r *Requester) watchTimer(ch <-chan backoff.State) {
	for {
		select {
		case <-ch:
			r.step()
		case <-r.done:
			return
		}
	}
}

// GetServerIP returns the server address this requester targets.
func (r *Requester) GetServerIP() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serverIP
}

// GetRequest returns the (possibly rebuilt, post-challenge) request.
func (r *Requester) GetRequest() *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request
}

// GetTotalTries returns how many times the request has been sent, including
// retransmissions after a 401/438 challenge.
func (r *Requester) GetTotalTries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalTries
}

// IsComplete reports whether the requester has finished (successfully,
// timed out, or been cancelled).
func (r *Requester) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// RetryRequestNow cancels any pending wait and immediately retries.
func (r *Requester) RetryRequestNow() {
	r.timer.NotifyTryAgainNow()
}

// Cancel stops the requester and unregisters it from its manager. Safe to
// call more than once.
func (r *Requester) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.mu.Unlock()

	r.timer.Cancel()
	close(r.done)
	if r.manager != nil {
		r.manager.monitorStop(r.request.TransactionID)
	}
}

// HandleSTUNPacket offers an incoming packet to this requester. It returns
// true iff the packet is a valid, accepted response to this requester's
// outstanding request (spec §4.4).
func (r *Requester) HandleSTUNPacket(from *net.UDPAddr, packet *Message) bool {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return false
	}
	req := r.request
	delegate := r.delegate
	r.mu.Unlock()

	if !packet.IsValidResponseTo(req) {
		return false
	}

	if packet.Class == ClassErrorResponse {
		if ec, ok := packet.ErrorCodeAttr(); ok && (ec.Code == 401 || ec.Code == 438) {
			if r.handleChallenge(packet, ec) {
				return true
			}
		}
	}

	if delegate == nil {
		return false
	}
	if !delegate.OnSTUNRequesterResponse(r, from, packet) {
		return false
	}

	r.Cancel()
	return true
}

// handleChallenge rebuilds the request with a fresh REALM/NONCE and
// MESSAGE-INTEGRITY, bounded by maxAuthLoops, and resends without counting
// the retry against the back-off pattern's MaxAttempts. Returns false if no
// CredentialDelegate is available or the loop bound is reached, in which
// case the challenge is treated as a normal (final) error response.
func (r *Requester) handleChallenge(resp *Message, ec ErrorCode) bool {
	cd, ok := r.delegate.(CredentialDelegate)
	if !ok {
		return false
	}

	realm, _ := resp.Realm()
	nonce, _ := resp.Nonce()

	key, ok := cd.OnSTUNRequesterChallenged(r, realm, nonce)
	if !ok {
		return false
	}

	r.mu.Lock()
	if r.authLoops >= maxAuthLoops {
		r.mu.Unlock()
		log.Warn("requester giving up after %d authentication loops", r.authLoops)
		return false
	}
	r.authLoops++

	rebuilt := NewMessageWithTransactionID(r.request.Class, r.request.Method, r.variant, r.request.TransactionID)
	for _, a := range r.request.Attributes {
		switch a.Type {
		case AttrMessageIntegrity, AttrFingerprint, AttrRealm, AttrNonce:
			continue
		default:
			rebuilt.Add(a.Type, a.Value)
		}
	}
	rebuilt.AddRealm(realm)
	rebuilt.AddNonce(nonce)
	rebuilt.AddMessageIntegrity(key)
	rebuilt.AddFingerprint()
	r.request = rebuilt
	r.mu.Unlock()

	r.timer.NotifyTryAgainNow()
	return true
}

// step sends the request if the back-off timer says it's time, or notifies
// the delegate of a timeout once the pattern is exhausted (spec §4.4,
// grounded on services_STUNRequester.cpp's step()).
func (r *Requester) step() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	state := r.timer.GetState()

	if state == backoff.AllAttemptsFailed {
		delegate := r.delegate
		r.mu.Unlock()
		if delegate != nil {
			delegate.OnSTUNRequesterTimedOut(r)
		}
		r.Cancel()
		return
	}

	if state != backoff.AttemptNow {
		r.mu.Unlock()
		return
	}

	r.timer.NotifyAttempting()
	req := r.request
	to := r.serverIP
	delegate := r.delegate
	r.totalTries++
	r.mu.Unlock()

	packet := req.Marshal()
	if delegate != nil {
		delegate.OnSTUNRequesterSend(r, to, packet)
	}
}
