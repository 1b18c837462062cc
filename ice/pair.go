package ice

import "fmt"

// CandidatePairState is a pair's position in the RFC 8445 §6.1.2.6 checklist
// state machine.
type CandidatePairState int

const (
	Frozen CandidatePairState = iota
	Waiting
	InProgress
	Succeeded
	Failed
)

func (s CandidatePairState) String() string {
	switch s {
	case Frozen:
		return "Frozen"
	case Waiting:
		return "Waiting"
	case InProgress:
		return "InProgress"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CandidatePair is a candidate pair in a session's checklist (spec §3
// "Candidate pair").
type CandidatePair struct {
	id         string
	local      Candidate
	remote     Candidate
	foundation string
	component  int

	state     CandidatePairState
	nominated bool

	receivedRequest  bool
	receivedResponse bool
}

func newCandidatePair(seq int, local, remote Candidate) *CandidatePair {
	if local.ComponentID != remote.ComponentID {
		panic(fmt.Sprintf("ice: candidates in pair have different components: %d != %d", local.ComponentID, remote.ComponentID))
	}
	return &CandidatePair{
		id:         fmt.Sprintf("Pair#%d", seq),
		local:      local,
		remote:     remote,
		foundation: local.Foundation + "/" + remote.Foundation,
		component:  local.ComponentID,
	}
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s: %s -> %s [%s]", p.id, p.local.Address, p.remote.Address, p.state)
}

// Priority implements RFC 8445 §6.1.2.3: let G be the controlling agent's
// priority, D the controlled agent's; pair priority is
// 2^32·min(G,D) + 2·max(G,D) + (G>D?1:0).
func (p *CandidatePair) Priority(controlling bool) uint64 {
	var g, d uint64
	if controlling {
		g, d = uint64(p.local.Priority), uint64(p.remote.Priority)
	} else {
		g, d = uint64(p.remote.Priority), uint64(p.local.Priority)
	}
	var b uint64
	if g > d {
		b = 1
	}
	lo, hi := g, d
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo<<32 + hi<<1 + b
}

// canBePaired restricts pairing to matching component, protocol, IP family,
// and link-local-ness (RFC 8445 §6.1.2.2).
func canBePaired(local, remote Candidate) bool {
	return local.ComponentID == remote.ComponentID &&
		local.Address.Protocol == remote.Address.Protocol &&
		local.Address.Family == remote.Address.Family &&
		local.Address.LinkLocal == remote.Address.LinkLocal
}

// isRedundant reports whether p1 is redundant with the higher-priority p2:
// same remote candidate and same local base (RFC 8445 §6.1.2.4). A nil base
// (a candidate synthesized from relayed, rather than locally-bound, traffic)
// never compares equal to anything, including itself, so such pairs are
// never pruned as redundant.
func isRedundant(p1, p2 *CandidatePair) bool {
	if p1.local.base == nil || p2.local.base == nil {
		return false
	}
	return p1.remote.Address == p2.remote.Address && p1.local.base.address == p2.local.base.address
}
