package turn

import (
	"net"
	"testing"
	"time"

	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(s string) *net.UDPAddr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return addr
}

type fakeDelegate struct {
	states   chan State
	received chan []byte
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{states: make(chan State, 8), received: make(chan []byte, 8)}
}

func (f *fakeDelegate) OnTURNSocketStateChanged(c *Client, state State) {
	select {
	case f.states <- state:
	default:
	}
}
func (f *fakeDelegate) OnTURNSocketError(c *Client, err *rtcerrors.Error) {}
func (f *fakeDelegate) OnTURNSocketReceivedPacket(c *Client, source *net.UDPAddr, payload []byte) {
	f.received <- payload
}
func (f *fakeDelegate) OnTURNSocketWriteReady(c *Client) {}

func TestClientAllocationSucceedsAfterChallenge(t *testing.T) {
	server := mustAddr("198.51.100.10:3478")
	delegate := newFakeDelegate()

	var client *Client
	sendFn := func(packet []byte) error {
		msg, err := stun.Parse(packet, stun.VariantTURN)
		require.NoError(t, err)
		require.NotNil(t, msg)

		if msg.Method != stun.MethodAllocate {
			return nil
		}

		if _, ok := msg.Get(stun.AttrMessageIntegrity); !ok {
			challenge := stun.NewMessageWithTransactionID(stun.ClassErrorResponse, stun.MethodAllocate, stun.VariantTURN, msg.TransactionID)
			challenge.AddErrorCode(401, "Unauthorized")
			challenge.AddRealm("example.org")
			challenge.AddNonce("n0nc3")
			wire := challenge.Marshal()
			go client.HandlePacket(wire)
			return nil
		}

		success := stun.NewMessageWithTransactionID(stun.ClassSuccessResponse, stun.MethodAllocate, stun.VariantTURN, msg.TransactionID)
		success.AddXorRelayedAddress(&net.UDPAddr{IP: net.ParseIP("203.0.113.20"), Port: 51000})
		success.AddLifetime(600)
		wire := success.Marshal()
		go client.HandlePacket(wire)
		return nil
	}

	cfg := Config{
		UDPServers:  []*net.UDPAddr{server},
		ForceUDP:    true,
		Credentials: Credentials{Username: "user", Password: "pass"},
	}
	client = NewClient(cfg, delegate, sendFn)
	defer client.Shutdown()

	select {
	case s := <-delegate.states:
		assert.Equal(t, StateReady, s)
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached Ready")
	}

	relayed, ok := client.GetRelayedAddress()
	require.True(t, ok)
	assert.Equal(t, "203.0.113.20", relayed.IP.String())
}
