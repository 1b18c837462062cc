// Package collab defines the external-collaborator capabilities that the
// spec names but leaves to the embedding application: DNS/SRV resolution,
// cryptographic primitives, timer scheduling, a settings store, phased
// backgrounding notification, reachability, and a validated-key cache
// (spec §1, §6, §9). Each capability is an interface plus a default,
// stdlib-or-ecosystem-backed implementation, so the rest of the library can
// depend on the interface while still working out of the box.
package collab

import (
	"context"
	"net"
	"time"
)

// Scheduler stands in for the out-of-scope "thread pools / timer service"
// collaborator (spec §1). AfterFunc schedules fn to run once after d has
// elapsed, returning a cancel function.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type stdlibScheduler struct{}

func (stdlibScheduler) AfterFunc(d time.Duration, fn func()) func() {
	if d <= 0 {
		// Run synchronously is unsafe for lock-reentrancy reasons (spec §5);
		// schedule on the next tick instead.
		t := time.AfterFunc(time.Nanosecond, fn)
		return func() { t.Stop() }
	}
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// DefaultScheduler is backed by time.AfterFunc.
var DefaultScheduler Scheduler = stdlibScheduler{}

// DNSResolver stands in for the out-of-scope "hostname and SRV resolution"
// collaborator (spec §1). Queries are cancellable via context.
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, srvs []*net.SRV, err error)
}

type stdlibDNSResolver struct {
	resolver *net.Resolver
}

func (r stdlibDNSResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	res := r.resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return res.LookupSRV(ctx, service, proto, name)
}

// DefaultDNSResolver is backed by net.DefaultResolver.
var DefaultDNSResolver DNSResolver = stdlibDNSResolver{}

// Settings stands in for the out-of-scope settings store collaborator
// (spec §1, §6). It is a flat string-keyed store; callers parse values of
// the type they expect.
type Settings interface {
	Get(key string) (value string, ok bool)
	GetDuration(key string, def time.Duration) time.Duration
	GetBool(key string, def bool) bool
	GetInt(key string, def int) int
}

// StaticSettings is a simple map-backed Settings, suitable for tests and for
// CLI tools that populate it from flags.
type StaticSettings struct {
	values map[string]string
}

// NewStaticSettings builds a StaticSettings from a plain map.
func NewStaticSettings(values map[string]string) *StaticSettings {
	if values == nil {
		values = map[string]string{}
	}
	return &StaticSettings{values: values}
}

func (s *StaticSettings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *StaticSettings) GetDuration(key string, def time.Duration) time.Duration {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func (s *StaticSettings) GetBool(key string, def bool) bool {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func (s *StaticSettings) GetInt(key string, def int) int {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// Reachability reports whether the host currently believes it has network
// connectivity, per the supplemented "Reachability" feature (SPEC_FULL.md §9,
// grounded on services_Reachability.cpp). The default implementation always
// reports reachable; embedding applications with real link-state signals
// should supply their own.
type Reachability interface {
	IsReachable() bool
}

type alwaysReachable struct{}

func (alwaysReachable) IsReachable() bool { return true }

// DefaultReachability always reports the network as reachable.
var DefaultReachability Reachability = alwaysReachable{}
