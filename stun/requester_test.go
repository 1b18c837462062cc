package stun

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDelegate struct {
	sendCh    chan []byte
	responses chan *Message
	timedOut  chan struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		sendCh:    make(chan []byte, 16),
		responses: make(chan *Message, 4),
		timedOut:  make(chan struct{}, 1),
	}
}

func (d *recordingDelegate) OnSTUNRequesterSend(r *Requester, to *net.UDPAddr, packet []byte) {
	d.sendCh <- packet
}

func (d *recordingDelegate) OnSTUNRequesterResponse(r *Requester, from *net.UDPAddr, response *Message) bool {
	d.responses <- response
	return true
}

func (d *recordingDelegate) OnSTUNRequesterTimedOut(r *Requester) {
	select {
	case d.timedOut <- struct{}{}:
	default:
	}
}

func TestRequesterSendsAndAcceptsResponse(t *testing.T) {
	manager := NewManager()
	delegate := newRecordingDelegate()
	serverAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}

	req := NewMessage(ClassRequest, MethodBinding, VariantModern)
	r := NewRequester(manager, delegate, serverAddr, req, VariantModern, DefaultRequesterPattern(), nil)

	var sent []byte
	select {
	case sent = <-delegate.sendCh:
	case <-time.After(time.Second):
		t.Fatal("requester never sent its initial request")
	}

	parsedReq, err := Parse(sent, VariantModern)
	require.NoError(t, err)

	resp := NewMessageWithTransactionID(ClassSuccessResponse, MethodBinding, VariantModern, parsedReq.TransactionID)
	resp.AddXorMappedAddress(&net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000})

	accepted := manager.requesters[parsedReq.TransactionID] == r
	assert.True(t, accepted)

	ok := r.HandleSTUNPacket(serverAddr, resp)
	assert.True(t, ok)

	select {
	case got := <-delegate.responses:
		mapped, _, mok := got.MappedAddress()
		require.True(t, mok)
		assert.Equal(t, "203.0.113.9", mapped.IP.String())
	case <-time.After(time.Second):
		t.Fatal("delegate never received the response")
	}

	assert.True(t, r.IsComplete())
}

func TestRequesterRejectsMismatchedTransactionID(t *testing.T) {
	manager := NewManager()
	delegate := newRecordingDelegate()
	serverAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}

	req := NewMessage(ClassRequest, MethodBinding, VariantModern)
	r := NewRequester(manager, delegate, serverAddr, req, VariantModern, DefaultRequesterPattern(), nil)
	defer r.Cancel()

	<-delegate.sendCh

	other := NewMessage(ClassSuccessResponse, MethodBinding, VariantModern)
	assert.False(t, r.HandleSTUNPacket(serverAddr, other))
}

type challengeDelegate struct {
	*recordingDelegate
	key []byte
}

func (d *challengeDelegate) OnSTUNRequesterChallenged(r *Requester, realm, nonce string) ([]byte, bool) {
	return d.key, true
}

func TestRequesterHandlesAuthChallenge(t *testing.T) {
	manager := NewManager()
	delegate := &challengeDelegate{recordingDelegate: newRecordingDelegate(), key: LongTermKey("u", "example.org", "pw")}

	serverAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}
	req := NewMessage(ClassRequest, MethodAllocate, VariantTURN)
	req.AddUsername("u")
	req.AddRequestedTransport(17)

	r := NewRequester(manager, delegate, serverAddr, req, VariantTURN, DefaultRequesterPattern(), nil)
	defer r.Cancel()

	first := <-delegate.sendCh
	firstParsed, err := Parse(first, VariantTURN)
	require.NoError(t, err)

	challenge := NewMessageWithTransactionID(ClassErrorResponse, MethodAllocate, VariantTURN, firstParsed.TransactionID)
	challenge.AddErrorCode(401, "Unauthorized")
	challenge.AddRealm("example.org")
	challenge.AddNonce("abc123")

	accepted := r.HandleSTUNPacket(serverAddr, challenge)
	assert.True(t, accepted)

	select {
	case retried := <-delegate.sendCh:
		retriedParsed, err := Parse(retried, VariantTURN)
		require.NoError(t, err)
		assert.True(t, retriedParsed.VerifyMessageIntegrity(delegate.key))
		realm, ok := retriedParsed.Realm()
		require.True(t, ok)
		assert.Equal(t, "example.org", realm)
	case <-time.After(time.Second):
		t.Fatal("requester never retried after the challenge")
	}

	assert.False(t, r.IsComplete())
}

func TestManagerRoutesPacketToRequester(t *testing.T) {
	manager := NewManager()
	delegate := newRecordingDelegate()
	serverAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478}

	req := NewMessage(ClassRequest, MethodBinding, VariantModern)
	NewRequester(manager, delegate, serverAddr, req, VariantModern, DefaultRequesterPattern(), nil)

	sent := <-delegate.sendCh
	parsedReq, err := Parse(sent, VariantModern)
	require.NoError(t, err)

	resp := NewMessageWithTransactionID(ClassSuccessResponse, MethodBinding, VariantModern, parsedReq.TransactionID)
	resp.AddXorMappedAddress(&net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000})
	wire := resp.Marshal()

	_, handled := manager.HandlePacket(serverAddr, wire, VariantModern)
	assert.True(t, handled)
}
