package stun

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/backoff"
	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/rtcerrors"
)

// defaultSTUNPort is used when an SRV lookup fails or returns nothing and
// the caller supplied a bare host (spec §4.5).
const defaultSTUNPort = 3478

// DiscoveryState reports the lifecycle of a Discovery session.
type DiscoveryState int

const (
	DiscoveryPending DiscoveryState = iota
	DiscoveryCompleted
	DiscoveryFailed
)

// DiscoveryOptions configures a Discovery session (spec §4.5).
type DiscoveryOptions struct {
	// ServerURIs are host[:port] strings to resolve, tried one at a time.
	ServerURIs []string

	// KeepWarmInterval, if > 0, re-issues a Binding request on that cadence
	// after the first success, reporting Completed again whenever the
	// mapped address changes.
	KeepWarmInterval time.Duration

	Pattern  *backoff.Pattern
	Variant  RFCVariant
	Resolver collab.DNSResolver
	Manager  *Manager
}

// DiscoveryDelegate is notified of a Discovery session's results.
type DiscoveryDelegate interface {
	OnSTUNDiscoveryCompleted(d *Discovery, mapped *net.UDPAddr)
	OnSTUNDiscoveryFailed(d *Discovery, err error)
}

// Discovery iterates configured STUN servers via SRV resolution to learn a
// server-reflexive address, following AlternateServer redirects while
// refusing to revisit any previously contacted IP, and optionally keeping
// the mapping warm (spec §4.5, grounded on services_STUNDiscovery.h
// semantics and internal/ice/base.go's queryStunServer).
type Discovery struct {
	mu sync.Mutex

	opts     DiscoveryOptions
	delegate DiscoveryDelegate
	send     func(to *net.UDPAddr, packet []byte) error

	state  DiscoveryState
	mapped *net.UDPAddr

	visited map[string]bool

	requester *Requester
	cancelled bool
	stopKeepWarm func()
}

// NewDiscovery starts resolving opts.ServerURIs[0] and issuing a Binding
// request. send is the caller-provided socket write function (the ice/turn
// base socket in production, a test double in tests).
func NewDiscovery(ctx context.Context, opts DiscoveryOptions, delegate DiscoveryDelegate, send func(to *net.UDPAddr, packet []byte) error) *Discovery {
	if opts.Manager == nil {
		opts.Manager = DefaultManager
	}
	if opts.Resolver == nil {
		opts.Resolver = collab.DefaultDNSResolver
	}

	d := &Discovery{
		opts:     opts,
		delegate: delegate,
		send:     send,
		visited:  make(map[string]bool),
	}

	go d.run(ctx)
	return d
}

// GetState returns the discovery session's current lifecycle state.
func (d *Discovery) GetState() DiscoveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// GetMappedAddress returns the most recently learned mapped address, if any.
func (d *Discovery) GetMappedAddress() (*net.UDPAddr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped, d.mapped != nil
}

// Cancel stops the discovery session, including any keep-warm loop.
func (d *Discovery) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	req := d.requester
	stop := d.stopKeepWarm
	d.mu.Unlock()

	if req != nil {
		req.Cancel()
	}
	if stop != nil {
		stop()
	}
}

func (d *Discovery) run(ctx context.Context) {
	for _, uri := range d.opts.ServerURIs {
		addr, ok := d.resolveOne(ctx, uri)
		if !ok {
			continue
		}
		if d.attempt(addr) {
			return
		}
	}
	d.fail(rtcerrors.New(rtcerrors.CodeDNSLookupFailure, "no configured STUN server resolved"))
}

// resolveOne resolves uri via SRV (_stun._udp) and falls back to the literal
// host:port (or host:defaultSTUNPort) if SRV resolution fails.
func (d *Discovery) resolveOne(ctx context.Context, uri string) (*net.UDPAddr, bool) {
	host := uri
	port := defaultSTUNPort
	if h, p, err := net.SplitHostPort(uri); err == nil {
		host = h
		if n, err := net.LookupPort("udp", p); err == nil {
			port = n
		}
	}

	_, srvs, err := d.opts.Resolver.LookupSRV(ctx, "stun", "udp", host)
	if err == nil && len(srvs) > 0 {
		target := srvs[0]
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, target.Target)
		if err == nil && len(ips) > 0 {
			return &net.UDPAddr{IP: ips[0].IP, Port: int(target.Port)}, true
		}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, false
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: port}, true
}

// attempt issues a Binding request against addr, following AlternateServer
// redirects. Returns true only once a mapped address has been learned; a
// failed request, an already-contacted IP, or a redirect chain that ends
// without success returns false.
func (d *Discovery) attempt(addr *net.UDPAddr) bool {
	d.mu.Lock()
	if d.visited[addr.IP.String()] {
		d.mu.Unlock()
		return false
	}
	d.visited[addr.IP.String()] = true
	d.mu.Unlock()

	result := make(chan *net.UDPAddr, 1)
	redirect := make(chan *net.UDPAddr, 1)
	failed := make(chan struct{}, 1)

	del := &discoveryRequestDelegate{d: d, result: result, redirect: redirect, failed: failed}

	req := NewMessage(ClassRequest, MethodBinding, d.opts.Variant)
	r := NewRequester(d.opts.Manager, del, addr, req, d.opts.Variant, d.opts.Pattern, collab.DefaultScheduler)

	d.mu.Lock()
	d.requester = r
	d.mu.Unlock()

	select {
	case mapped := <-result:
		d.succeed(mapped)
		return true
	case alt := <-redirect:
		if d.attempt(alt) {
			return true
		}
		return false
	case <-failed:
		return false
	}
}

func (d *Discovery) succeed(mapped *net.UDPAddr) {
	d.mu.Lock()
	d.state = DiscoveryCompleted
	d.mapped = mapped
	d.mu.Unlock()

	if d.delegate != nil {
		d.delegate.OnSTUNDiscoveryCompleted(d, mapped)
	}

	if d.opts.KeepWarmInterval > 0 {
		d.startKeepWarm()
	}
}

func (d *Discovery) fail(err error) {
	d.mu.Lock()
	d.state = DiscoveryFailed
	d.mu.Unlock()

	if d.delegate != nil {
		d.delegate.OnSTUNDiscoveryFailed(d, err)
	}
}

func (d *Discovery) startKeepWarm() {
	stopCh := make(chan struct{})
	d.mu.Lock()
	d.stopKeepWarm = sync.OnceFunc(func() { close(stopCh) })
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.opts.KeepWarmInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.mu.Lock()
				servers := d.opts.ServerURIs
				d.mu.Unlock()
				if len(servers) == 0 {
					continue
				}
				addr, ok := d.resolveOne(context.Background(), servers[0])
				if !ok {
					continue
				}
				d.pingKeepWarm(addr)
			case <-stopCh:
				return
			}
		}
	}()
}

func (d *Discovery) pingKeepWarm(addr *net.UDPAddr) {
	result := make(chan *net.UDPAddr, 1)
	del := &discoveryRequestDelegate{d: d, result: result, redirect: make(chan *net.UDPAddr, 1), failed: make(chan struct{}, 1)}
	req := NewMessage(ClassRequest, MethodBinding, d.opts.Variant)
	NewRequester(d.opts.Manager, del, addr, req, d.opts.Variant, d.opts.Pattern, collab.DefaultScheduler)

	var mapped *net.UDPAddr
	select {
	case mapped = <-result:
	case <-del.redirect:
		return
	case <-del.failed:
		return
	}

	d.mu.Lock()
	changed := d.mapped == nil || d.mapped.String() != mapped.String()
	d.mapped = mapped
	d.mu.Unlock()

	if changed && d.delegate != nil {
		d.delegate.OnSTUNDiscoveryCompleted(d, mapped)
	}
}

// discoveryRequestDelegate adapts a single Binding request/response into the
// Discovery session's redirect-following state machine.
type discoveryRequestDelegate struct {
	d        *Discovery
	result   chan *net.UDPAddr
	redirect chan *net.UDPAddr
	failed   chan struct{}
}

func (rd *discoveryRequestDelegate) OnSTUNRequesterSend(r *Requester, to *net.UDPAddr, packet []byte) {
	if rd.d.send != nil {
		rd.d.send(to, packet)
	}
}

func (rd *discoveryRequestDelegate) OnSTUNRequesterResponse(r *Requester, from *net.UDPAddr, response *Message) bool {
	if response.Class == ClassErrorResponse {
		if alt, ok := response.AlternateServer(); ok {
			select {
			case rd.redirect <- alt:
			default:
			}
			return true
		}
		select {
		case rd.failed <- struct{}{}:
		default:
		}
		return true
	}

	mapped, err, ok := response.MappedAddress()
	if !ok || err != nil {
		select {
		case rd.failed <- struct{}{}:
		default:
		}
		return true
	}

	select {
	case rd.result <- mapped:
	default:
	}
	return true
}

func (rd *discoveryRequestDelegate) OnSTUNRequesterTimedOut(r *Requester) {
	select {
	case rd.failed <- struct{}{}:
	default:
	}
}
