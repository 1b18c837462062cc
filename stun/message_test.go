package stun

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarshalRoundTrip(t *testing.T) {
	m := NewMessage(ClassRequest, MethodBinding, VariantModern)
	m.AddUsername("alice:bob")
	m.AddPriority(12345)
	m.AddMessageIntegrity(ShortTermKey("secret"))
	m.AddFingerprint()

	wire := m.Marshal()

	parsed, err := Parse(wire, VariantModern)
	require.NoError(t, err)
	require.NotNil(t, parsed)

	assert.Equal(t, m.Class, parsed.Class)
	assert.Equal(t, m.Method, parsed.Method)
	assert.Equal(t, m.TransactionID, parsed.TransactionID)
	require.Len(t, parsed.Attributes, len(m.Attributes))
	for i := range m.Attributes {
		assert.Equal(t, m.Attributes[i].Type, parsed.Attributes[i].Type)
		assert.Equal(t, m.Attributes[i].Value, parsed.Attributes[i].Value)
	}
}

func TestMessageIntegrityVerification(t *testing.T) {
	key := ShortTermKey("password123")
	m := NewMessage(ClassRequest, MethodBinding, VariantICE)
	m.AddUsername("frag:frag2")
	m.AddMessageIntegrity(key)
	m.AddFingerprint()

	wire := m.Marshal()
	parsed, err := Parse(wire, VariantICE)
	require.NoError(t, err)

	assert.True(t, parsed.VerifyMessageIntegrity(key))
	assert.False(t, parsed.VerifyMessageIntegrity(ShortTermKey("wrong")))
}

func TestFingerprintVerification(t *testing.T) {
	m := NewMessage(ClassIndication, MethodBinding, VariantModern)
	m.AddFingerprint()
	wire := m.Marshal()

	parsed, err := Parse(wire, VariantModern)
	require.NoError(t, err)
	assert.True(t, parsed.VerifyFingerprint())

	// Corrupt a byte covered by the CRC (the transaction id), not the
	// fingerprint attribute itself.
	wire[0] ^= 0 // message type top bits must stay zero; corrupt elsewhere
	wire[8] ^= 0xFF
	corrupted, err := Parse(wire, VariantModern)
	require.NoError(t, err)
	assert.False(t, corrupted.VerifyFingerprint())
}

func TestXorMappedAddressRoundTrip(t *testing.T) {
	m := NewMessage(ClassSuccessResponse, MethodBinding, VariantModern)
	addr := &net.UDPAddr{IP: net.ParseIP("203.0.113.5").To4(), Port: 54321}
	m.AddXorMappedAddress(addr)

	wire := m.Marshal()
	parsed, err := Parse(wire, VariantModern)
	require.NoError(t, err)

	got, err2, ok := parsed.MappedAddress()
	require.True(t, ok)
	require.NoError(t, err2)
	assert.Equal(t, addr.IP.String(), got.IP.String())
	assert.Equal(t, addr.Port, got.Port)
}

func TestIsValidResponseTo(t *testing.T) {
	req := NewMessage(ClassRequest, MethodBinding, VariantModern)
	resp := NewMessageWithTransactionID(ClassSuccessResponse, MethodBinding, VariantModern, req.TransactionID)
	assert.True(t, resp.IsValidResponseTo(req))

	other := NewMessage(ClassRequest, MethodBinding, VariantModern)
	assert.False(t, resp.IsValidResponseTo(other))
}

func TestErrorCodeRoundTrip(t *testing.T) {
	m := NewMessage(ClassErrorResponse, MethodAllocate, VariantTURN)
	m.AddErrorCode(401, "Unauthorized")
	wire := m.Marshal()

	parsed, err := Parse(wire, VariantTURN)
	require.NoError(t, err)

	ec, ok := parsed.ErrorCodeAttr()
	require.True(t, ok)
	assert.Equal(t, 401, ec.Code)
	assert.Equal(t, "Unauthorized", ec.Reason)
}
