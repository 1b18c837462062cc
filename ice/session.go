package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
)

// SessionState is the ICE session state machine (spec §4.8 "State
// machine").
type SessionState int

const (
	SessionPending SessionState = iota
	SessionPrepared
	SessionSearching
	SessionNominating
	SessionNominated
	SessionCompleted
	SessionHalted
	SessionShutdown
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "Pending"
	case SessionPrepared:
		return "Prepared"
	case SessionSearching:
		return "Searching"
	case SessionNominating:
		return "Nominating"
	case SessionNominated:
		return "Nominated"
	case SessionCompleted:
		return "Completed"
	case SessionHalted:
		return "Halted"
	case SessionShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Role is the session's RFC 8445 §4 ICE role.
type Role int

const (
	Controlling Role = iota
	Controlled
)

// maxCandidatePairs caps checklist size (spec §4.8 "cap to a reasonable
// ceiling").
const maxCandidatePairs = 100

// activateInterval is the ordinary-check tick (spec §4.8: "roughly every
// 20 ms").
const activateInterval = 20 * time.Millisecond

// SessionDelegate receives a Session's lifecycle and data events.
type SessionDelegate interface {
	OnICESessionStateChanged(sess *Session, state SessionState)
	OnICESessionNominated(sess *Session, local, remote Candidate)
	OnICESessionReceivedData(sess *Session, payload []byte)
	OnICESessionError(sess *Session, err *rtcerrors.Error)
}

// SessionConfig configures a Session (spec §4.8, §3 "ICE session state").
type SessionConfig struct {
	Socket    *Socket
	Mid       string
	Component int
	Role      Role

	LocalFrag, LocalPwd   string
	RemoteFrag, RemotePwd string

	KeepAliveDuration           time.Duration
	ExpectSTUNOrDataWithin      time.Duration
	KeepAliveSTUNRequestTimeout time.Duration
	BackgroundingTimeout        time.Duration

	// Background, if set, lets the session suspend its check/keep-alive
	// timers in step with the rest of the application (spec §4.8
	// "Backgrounding"), per collab.Backgrounding's phased protocol.
	Background *collab.Backgrounding
	Phase      int

	Scheduler collab.Scheduler
}

type pendingCheck struct {
	pair         *CandidatePair
	cancel       func()
	useCandidate bool
}

// Session runs one ICE agent's connectivity-check state machine over a
// Socket's candidates (spec §4.8, grounded on internal/ice/checklist.go,
// generalized to use the independent stun package instead of an embedded
// codec and to add the state machine, role/tie-break conflict resolution,
// and keep-alive/backgrounding the teacher's Checklist never had).
type Session struct {
	mu sync.Mutex

	cfg      SessionConfig
	delegate SessionDelegate

	state      SessionState
	role       Role
	tieBreaker uint64

	localCandidates  []Candidate
	remoteCandidates []Candidate

	nextPairID     int
	pairs          []*CandidatePair
	triggeredQueue []*CandidatePair
	valid          []*CandidatePair
	nominated      *CandidatePair

	pending map[[12]byte]*pendingCheck

	lastReceivedAt     time.Time
	wentToBackgroundAt time.Time
	inBackground       bool

	lastError *rtcerrors.Error

	cancel context.CancelFunc
}

// NewSession constructs a Session and registers it with cfg.Socket so
// inbound packets from known remote candidates route here.
func NewSession(cfg SessionConfig, delegate SessionDelegate) *Session {
	if cfg.Scheduler == nil {
		cfg.Scheduler = collab.DefaultScheduler
	}
	if cfg.KeepAliveDuration == 0 {
		cfg.KeepAliveDuration = 15 * time.Second
	}
	if cfg.ExpectSTUNOrDataWithin == 0 {
		cfg.ExpectSTUNOrDataWithin = 10 * time.Second
	}
	if cfg.KeepAliveSTUNRequestTimeout == 0 {
		cfg.KeepAliveSTUNRequestTimeout = 3 * time.Second
	}
	if cfg.BackgroundingTimeout == 0 {
		cfg.BackgroundingTimeout = 30 * time.Second
	}

	sess := &Session{
		cfg:      cfg,
		delegate: delegate,
		role:     cfg.Role,
		pending:  make(map[[12]byte]*pendingCheck),
	}
	sess.tieBreaker = randomTieBreaker()

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	go sess.run(ctx)
	if cfg.Background != nil {
		go sess.watchBackground(ctx)
	}
	return sess
}

func randomTieBreaker() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (sess *Session) GetState() SessionState {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// GetError returns the error that drove the session to SessionHalted, or
// nil if it never failed (spec §7 "distinct code so the caller may
// distinguish... failure", §8).
func (sess *Session) GetError() *rtcerrors.Error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastError
}

func (sess *Session) setState(state SessionState) {
	sess.mu.Lock()
	sess.state = state
	delegate := sess.delegate
	sess.mu.Unlock()
	if delegate != nil {
		delegate.OnICESessionStateChanged(sess, state)
	}
}

// ownsUsernameFragment reports whether username is exactly this session's
// inbound check username, LocalFrag:RemoteFrag (both halves must match), for
// Socket's STUN-broadcast fallback (spec §4.7 "dispatch to all sessions that
// might own the binding").
func (sess *Session) ownsUsernameFragment(username string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return username == sess.cfg.LocalFrag+":"+sess.cfg.RemoteFrag
}

// AddLocalCandidates pairs new local candidates against every known remote
// candidate (spec §4.8 "Candidate pair generation").
func (sess *Session) AddLocalCandidates(candidates []Candidate) {
	sess.mu.Lock()
	sess.localCandidates = append(sess.localCandidates, candidates...)
	remotes := append([]Candidate(nil), sess.remoteCandidates...)
	sess.mu.Unlock()

	sess.addPairs(candidates, remotes)
	sess.maybePrepare()
}

// AddRemoteCandidates pairs new remote candidates against every known local
// candidate and registers routes on the socket.
func (sess *Session) AddRemoteCandidates(candidates []Candidate) {
	sess.mu.Lock()
	sess.remoteCandidates = append(sess.remoteCandidates, candidates...)
	locals := append([]Candidate(nil), sess.localCandidates...)
	sess.mu.Unlock()

	for _, remote := range candidates {
		for _, local := range locals {
			if local.base != nil {
				sess.cfg.Socket.RegisterRoute(local.base.address, remote.Address.UDPAddr(), sess)
			}
		}
	}

	sess.addPairs(locals, candidates)
	sess.maybePrepare()
}

func (sess *Session) maybePrepare() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == SessionPending && len(sess.pairs) > 0 {
		sess.state = SessionPrepared
	}
}

func (sess *Session) addPairs(locals, remotes []Candidate) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for _, local := range locals {
		for _, remote := range remotes {
			if !canBePaired(local, remote) {
				continue
			}
			p := newCandidatePair(sess.nextPairID, local, remote)
			sess.nextPairID++
			p.state = Waiting
			sess.pairs = append(sess.pairs, p)
		}
	}
	sess.pairs = sortAndPrune(sess.pairs, sess.role == Controlling)
	if len(sess.pairs) > maxCandidatePairs {
		sess.pairs = sess.pairs[:maxCandidatePairs]
	}
}

// sortAndPrune implements RFC 8445 §6.1.2.3-4: sort by descending pair
// priority, then drop redundant pairs (same remote candidate and local
// base) unless they're already mid-check.
func sortAndPrune(pairs []*CandidatePair, controlling bool) []*CandidatePair {
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority(controlling) > pairs[j].Priority(controlling)
	})

	out := pairs[:0:0]
	for i, p := range pairs {
		if p.state == InProgress || p.state == Succeeded || p.state == Failed {
			out = append(out, p)
			continue
		}
		redundant := false
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, p)
		}
	}
	return out
}

// run drives the ordinary/triggered connectivity-check ticker and the
// keep-alive timers (spec §4.8 "Connectivity checks", "Keep-alive").
func (sess *Session) run(ctx context.Context) {
	activate := time.NewTicker(activateInterval)
	defer activate.Stop()

	keepAlive := time.NewTicker(sess.cfg.KeepAliveDuration)
	defer keepAlive.Stop()

	watchdog := time.NewTicker(sess.cfg.ExpectSTUNOrDataWithin)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-activate.C:
			sess.mu.Lock()
			inBackground := sess.inBackground
			sess.mu.Unlock()
			if inBackground {
				continue
			}
			if p := sess.nextPairToCheck(); p != nil {
				sess.sendCheck(p)
			}
			sess.maybeNominate()

		case <-keepAlive.C:
			sess.mu.Lock()
			inBackground := sess.inBackground
			sess.mu.Unlock()
			if inBackground {
				continue
			}
			sess.sendKeepAliveIndication()

		case <-watchdog.C:
			sess.mu.Lock()
			inBackground := sess.inBackground
			sess.mu.Unlock()
			if inBackground {
				continue
			}
			sess.checkLiveness()
		}
	}
}

func (sess *Session) nextPairToCheck() *CandidatePair {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.triggeredQueue) > 0 {
		p := sess.triggeredQueue[0]
		sess.triggeredQueue = sess.triggeredQueue[1:]
		return p
	}
	for _, p := range sess.pairs {
		if p.state == Frozen || p.state == Waiting {
			return p
		}
	}
	return nil
}

// sendCheck issues a STUN Binding request for pair (spec §4.8 "issues a STUN
// Binding request from the local candidate to the remote, with Username =
// remoteFrag:localFrag, Priority, role attribute, optional UseCandidate").
func (sess *Session) sendCheck(p *CandidatePair) {
	sess.mu.Lock()
	role, tieBreaker := sess.role, sess.tieBreaker
	localFrag, remoteFrag, remotePwd := sess.cfg.LocalFrag, sess.cfg.RemoteFrag, sess.cfg.RemotePwd
	nominating := sess.state == SessionNominating
	p.state = InProgress
	sess.mu.Unlock()

	req := stun.NewMessage(stun.ClassRequest, stun.MethodBinding, stun.VariantICE)
	req.AddUsername(remoteFrag + ":" + localFrag)
	req.AddPriority(p.local.peerPriority())
	useCandidate := false
	if role == Controlling {
		req.AddIceControlling(tieBreaker)
		if nominating {
			req.AddUseCandidate()
			useCandidate = true
		}
	} else {
		req.AddIceControlled(tieBreaker)
	}
	req.AddMessageIntegrity(stun.ShortTermKey(remotePwd))
	req.AddFingerprint()

	cancel := sess.cfg.Scheduler.AfterFunc(sess.rto(), func() { sess.timeoutCheck(p) })
	sess.mu.Lock()
	sess.pending[req.TransactionID] = &pendingCheck{pair: p, cancel: cancel, useCandidate: useCandidate}
	sess.mu.Unlock()

	sess.cfg.Socket.SendTo(p.local, p.remote.Address.UDPAddr(), req.Marshal())
}

// rto implements RFC 8445 §14.3's simplified retransmission timeout: scales
// with the number of pairs still being checked.
func (sess *Session) rto() time.Duration {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	n := 0
	for _, p := range sess.pairs {
		if p.state == Waiting || p.state == InProgress {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return time.Duration(n) * 50 * time.Millisecond
}

func (sess *Session) timeoutCheck(p *CandidatePair) {
	sess.mu.Lock()
	if p.state == InProgress {
		p.state = Waiting
	}
	sess.mu.Unlock()
}

// handleInbound processes a packet routed (or broadcast) to this session: a
// STUN Binding request/response, or user data (spec §4.8 "Incoming request
// from a pair's remote address").
func (sess *Session) handleInbound(base *Base, from *net.UDPAddr, msg *stun.Message, raw []byte) {
	if msg == nil {
		sess.deliverData(raw)
		return
	}

	sess.mu.Lock()
	lastReceived := time.Now()
	sess.lastReceivedAt = lastReceived
	sess.mu.Unlock()

	switch msg.Class {
	case stun.ClassRequest:
		sess.handleBindingRequest(base, from, msg)
	case stun.ClassIndication:
		// Keep-alive indication: no response required, just freshens
		// lastReceivedAt above.
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		sess.handleBindingResponse(msg)
	}
}

func (sess *Session) handleRelayedData(source *net.UDPAddr, payload []byte) {
	if msg, err := stun.Parse(payload, stun.VariantICE); err == nil && msg != nil {
		sess.handleInbound(nil, source, msg, payload)
		return
	}
	sess.deliverData(payload)
}

func (sess *Session) deliverData(payload []byte) {
	sess.mu.Lock()
	delegate := sess.delegate
	sess.mu.Unlock()
	if delegate != nil {
		delegate.OnICESessionReceivedData(sess, payload)
	}
}

func (sess *Session) handleBindingRequest(base *Base, from *net.UDPAddr, req *stun.Message) {
	sess.resolveRoleConflict(req)

	p := sess.findOrAdoptPair(base, from, req)

	sess.mu.Lock()
	localPwd := sess.cfg.LocalPwd
	role := sess.role
	useCandidate := req.HasUseCandidate() && role == Controlled && !p.nominated
	p.receivedRequest = true
	sess.mu.Unlock()

	resp := stun.NewMessageWithTransactionID(stun.ClassSuccessResponse, stun.MethodBinding, stun.VariantICE, req.TransactionID)
	resp.AddXorMappedAddress(from)
	resp.AddMessageIntegrity(stun.ShortTermKey(localPwd))
	resp.AddFingerprint()

	sess.cfg.Socket.SendTo(p.local, from, resp.Marshal())

	// A controlled agent learns a pair is nominated from the peer's
	// UseCandidate request, not from its own check's response (RFC 8445
	// §8.1.1): finalize nomination directly instead of waiting on
	// maybeNominate, which only ever runs for the controlling agent.
	if useCandidate {
		sess.nominate(p)
		return
	}
	sess.triggerCheck(p)
	sess.maybeNominate()
}

// resolveRoleConflict handles a role conflict (RFC 8445 §7.3.1.1): if the
// peer's role attribute conflicts with ours, the side with the lower
// tie-breaker keeps its role; the higher switches. On a tie we keep ours.
func (sess *Session) resolveRoleConflict(req *stun.Message) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if peerTB, ok := req.IceControlling(); ok && sess.role == Controlling {
		if sess.tieBreaker <= peerTB {
			return
		}
		sess.role = Controlled
	} else if peerTB, ok := req.IceControlled(); ok && sess.role == Controlled {
		if sess.tieBreaker <= peerTB {
			return
		}
		sess.role = Controlling
	}
}

// findOrAdoptPair finds the pair matching (base, from) or, per RFC 8445
// §7.3.1.3-4, synthesizes a peer-reflexive candidate and pairs it.
func (sess *Session) findOrAdoptPair(base *Base, from *net.UDPAddr, req *stun.Message) *CandidatePair {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	remoteAddr := makeTransportAddress(from)
	for _, p := range sess.pairs {
		if base != nil && p.local.base == base && p.remote.Address == remoteAddr {
			return p
		}
	}

	local := Candidate{ComponentID: sess.cfg.Component}
	component := sess.cfg.Component
	for _, l := range sess.localCandidates {
		if base != nil && l.base == base {
			local = l
			component = l.ComponentID
			break
		}
	}

	priority, _ := req.Priority()
	remote := makePeerReflexiveCandidate(sess.cfg.Mid, from, local.base, component, priority)
	p := newCandidatePair(sess.nextPairID, local, remote)
	sess.nextPairID++
	p.state = Waiting
	sess.pairs = append(sess.pairs, p)
	sess.pairs = sortAndPrune(sess.pairs, sess.role == Controlling)
	return p
}

func (sess *Session) triggerCheck(p *CandidatePair) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if p.state == Frozen || p.state == Waiting {
		sess.triggeredQueue = append(sess.triggeredQueue, p)
	}
}

func (sess *Session) handleBindingResponse(resp *stun.Message) {
	sess.mu.Lock()
	pc, ok := sess.pending[resp.TransactionID]
	if ok {
		delete(sess.pending, resp.TransactionID)
	}
	sess.mu.Unlock()
	if !ok {
		return
	}
	pc.cancel()

	p := pc.pair
	sess.mu.Lock()
	if p.state != InProgress {
		sess.mu.Unlock()
		return
	}
	succeeded := resp.Class == stun.ClassSuccessResponse
	if succeeded {
		p.state = Succeeded
		p.receivedResponse = true
		sess.valid = append(sess.valid, p)
	} else {
		p.state = Failed
	}
	sess.mu.Unlock()

	if succeeded && pc.useCandidate {
		sess.nominate(p)
		return
	}
	sess.maybeNominate()
}

// maybeNominate implements RFC 8445 §8.1.1: once a session's state allows it
// and it is the controlling agent, pick the highest-priority valid pair with
// both receivedRequest and receivedResponse and nominate it.
func (sess *Session) maybeNominate() {
	sess.mu.Lock()
	if sess.role != Controlling || sess.nominated != nil {
		sess.mu.Unlock()
		return
	}
	if sess.state != SessionPrepared && sess.state != SessionSearching && sess.state != SessionNominating {
		sess.mu.Unlock()
		return
	}

	var best *CandidatePair
	for _, p := range sess.valid {
		if !p.receivedRequest || !p.receivedResponse {
			continue
		}
		if best == nil || p.Priority(true) > best.Priority(true) {
			best = p
		}
	}
	if best == nil {
		if sess.state == SessionPrepared {
			sess.state = SessionSearching
		}
		sess.mu.Unlock()
		return
	}

	sess.state = SessionNominating
	sess.mu.Unlock()

	sess.sendCheck(best)
}

func (sess *Session) nominate(p *CandidatePair) {
	sess.mu.Lock()
	p.nominated = true
	sess.nominated = p
	sess.state = SessionNominated
	delegate := sess.delegate
	sess.mu.Unlock()

	if delegate != nil {
		delegate.OnICESessionNominated(sess, p.local, p.remote)
	}
	sess.setState(SessionCompleted)
}

func (sess *Session) sendKeepAliveIndication() {
	sess.mu.Lock()
	p := sess.nominated
	remotePwd := sess.cfg.RemotePwd
	sess.mu.Unlock()
	if p == nil {
		return
	}

	ind := stun.NewMessage(stun.ClassIndication, stun.MethodBinding, stun.VariantICE)
	ind.AddMessageIntegrity(stun.ShortTermKey(remotePwd))
	ind.AddFingerprint()
	sess.cfg.Socket.SendTo(p.local, p.remote.Address.UDPAddr(), ind.Marshal())
}

// checkLiveness implements spec §4.8's expectSTUNOrDataWithin watchdog: if
// nothing arrived recently over the nominated pair, probe it; demote to
// search mode if the probe itself times out.
func (sess *Session) checkLiveness() {
	sess.mu.Lock()
	p := sess.nominated
	idle := time.Since(sess.lastReceivedAt) > sess.cfg.ExpectSTUNOrDataWithin
	sess.mu.Unlock()
	if p == nil || !idle {
		return
	}

	sess.cfg.Scheduler.AfterFunc(sess.cfg.KeepAliveSTUNRequestTimeout, func() {
		sess.mu.Lock()
		stillIdle := time.Since(sess.lastReceivedAt) > sess.cfg.ExpectSTUNOrDataWithin
		if stillIdle && sess.nominated == p {
			sess.nominated = nil
			p.nominated = false
			sess.state = SessionSearching
		}
		sess.mu.Unlock()
	})
	sess.sendCheck(p)
}

// watchBackground subscribes to cfg.Background's phased notification
// protocol (spec §4.8 "Backgrounding").
func (sess *Session) watchBackground(ctx context.Context) {
	ch := sess.cfg.Background.Subscribe(sess.cfg.Phase)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			sess.goingToBackground()
			n.Done()
			sess.waitForForeground(ctx)
		}
	}
}

func (sess *Session) goingToBackground() {
	sess.mu.Lock()
	sess.inBackground = true
	sess.wentToBackgroundAt = time.Now()
	sess.mu.Unlock()
}

// waitForForeground blocks (best-effort, via a short poll) until the
// session leaves the background. It applies no resume rule itself:
// ReturnedFromBackground, which clears the background flag, is what fails
// the session or issues the liveness check.
func (sess *Session) waitForForeground(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.mu.Lock()
			if !sess.inBackground {
				sess.mu.Unlock()
				return
			}
			sess.mu.Unlock()
		}
	}
}

// ReturnedFromBackground signals the session is foregrounded again,
// triggering the backgroundingTimeout check.
func (sess *Session) ReturnedFromBackground() {
	sess.mu.Lock()
	elapsed := time.Since(sess.wentToBackgroundAt)
	sess.inBackground = false
	timeout := sess.cfg.BackgroundingTimeout
	sess.mu.Unlock()

	if elapsed > timeout {
		sess.fail(rtcerrors.New(rtcerrors.CodeBackgroundingTimeout, "session was backgrounded too long"))
		return
	}
	sess.checkLiveness()
}

// fail records err as the cause of a halt, surfaces it to the delegate,
// and transitions to SessionHalted (spec §7, §8: the failure code must be
// distinct and observable, not silently discarded).
func (sess *Session) fail(err *rtcerrors.Error) {
	sess.mu.Lock()
	sess.lastError = err
	delegate := sess.delegate
	sess.mu.Unlock()

	if delegate != nil {
		delegate.OnICESessionError(sess, err)
	}
	sess.setState(SessionHalted)
}

// Shutdown stops the session's check/keep-alive loops.
func (sess *Session) Shutdown() {
	sess.cancel()
	sess.setState(SessionShutdown)
}
