package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCandidateSDP(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ host"
	c, err := parseCandidateSDP(desc)
	assert.NoError(t, err)

	assert.Equal(t, "0", c.Foundation)
	assert.Equal(t, 1, c.ComponentID)
	assert.Equal(t, UDP, c.Address.Protocol)
	assert.Equal(t, "192.168.1.1", c.Address.IP)
	assert.Equal(t, 12345, c.Address.Port)
	assert.Equal(t, uint32(123456789), c.Priority)
	assert.Equal(t, TypeHost, c.Type)
}

func TestCandidateStringRoundTrip(t *testing.T) {
	desc := "candidate:0 1 udp 123456789 192.168.1.1 12345 typ host"
	c, err := parseCandidateSDP(desc)
	assert.NoError(t, err)
	assert.Equal(t, desc, c.String())
}

func TestComputePriorityOrdering(t *testing.T) {
	host := computePriority(TypeHost, 1)
	srflx := computePriority(TypeServerReflexive, 1)
	relay := computePriority(TypeRelayed, 1)

	assert.Greater(t, host, srflx)
	assert.Greater(t, srflx, relay)
}

func TestComputeFoundationStableForSameInputs(t *testing.T) {
	addr := TransportAddress{Protocol: UDP, IP: "10.0.0.1"}
	a := computeFoundation(TypeHost, addr, "")
	b := computeFoundation(TypeHost, addr, "")
	assert.Equal(t, a, b)

	c := computeFoundation(TypeServerReflexive, addr, "stun.example.com")
	assert.NotEqual(t, a, c)
}

func TestPeerPriorityUsesPeerReflexiveTypePreference(t *testing.T) {
	c := Candidate{Type: TypeHost, ComponentID: 1}
	assert.Equal(t, computePriority(TypePeerReflexive, 1), c.peerPriority())
}
