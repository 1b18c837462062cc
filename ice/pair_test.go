package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testCandidate(priority uint32, ip string, port int, base *Base) Candidate {
	return Candidate{
		Priority:    priority,
		ComponentID: 1,
		Address:     TransportAddress{Protocol: UDP, IP: ip, Port: port},
		base:        base,
	}
}

func TestSortAndPrunePriorityOrder(t *testing.T) {
	pairs := []*CandidatePair{
		newCandidatePair(1, testCandidate(100, "1.1.1.1", 1000, nil), testCandidate(100, "1.1.1.1", 1001, nil)),
		newCandidatePair(2, testCandidate(99, "2.2.2.2", 2000, nil), testCandidate(99, "2.2.2.2", 2001, nil)),
		newCandidatePair(3, testCandidate(101, "3.3.3.3", 3000, nil), testCandidate(101, "3.3.3.3", 3001, nil)),
	}

	pairs = sortAndPrune(pairs, true)
	assert.Len(t, pairs, 3)
	assert.Equal(t, uint32(101), pairs[0].local.Priority)
	assert.Equal(t, uint32(100), pairs[1].local.Priority)
	assert.Equal(t, uint32(99), pairs[2].local.Priority)
}

func TestSortAndPrunePrunesRedundant(t *testing.T) {
	base := &Base{address: TransportAddress{Protocol: UDP, IP: "1.1.1.1"}}
	hostCand := testCandidate(100, "1.1.1.1", 1000, base)
	srflxCand := testCandidate(99, "1.2.3.4", 1234, base)

	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, testCandidate(100, "5.5.5.5", 5555, nil)),
		newCandidatePair(2, srflxCand, testCandidate(99, "5.5.5.5", 5555, nil)),
	}
	// Same remote address, same local base => redundant.
	pairs[0].remote.Address = pairs[1].remote.Address

	pairs = sortAndPrune(pairs, true)
	assert.Len(t, pairs, 1)
	assert.Equal(t, uint32(100), pairs[0].local.Priority)
}

func TestSortAndPruneSkipsInProgress(t *testing.T) {
	base := &Base{address: TransportAddress{Protocol: UDP, IP: "1.1.1.1"}}
	hostCand := testCandidate(100, "1.1.1.1", 1000, base)
	srflxCand := testCandidate(99, "1.2.3.4", 1234, base)

	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, testCandidate(100, "5.5.5.5", 5555, nil)),
		newCandidatePair(2, srflxCand, testCandidate(99, "5.5.5.5", 5555, nil)),
	}
	pairs[0].remote.Address = pairs[1].remote.Address
	pairs[1].state = InProgress

	pairs = sortAndPrune(pairs, true)
	assert.Len(t, pairs, 2)
}

func TestPairPriorityFormula(t *testing.T) {
	local := testCandidate(200, "1.1.1.1", 1000, nil)
	remote := testCandidate(100, "2.2.2.2", 2000, nil)
	p := newCandidatePair(1, local, remote)

	// Controlling: G=local=200, D=remote=100.
	want := uint64(100)<<32 + uint64(200)<<1 + 1
	assert.Equal(t, want, p.Priority(true))
}

func TestCanBePairedRejectsMismatchedFamily(t *testing.T) {
	local := testCandidate(100, "1.1.1.1", 1000, nil)
	local.Address.Family = 4
	remote := testCandidate(100, "::1", 2000, nil)
	remote.Address.Family = 6
	assert.False(t, canBePaired(local, remote))
}
