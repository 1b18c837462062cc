package mls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/haleiwa/rtcstack/rtcerrors"
	"github.com/haleiwa/rtcstack/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genRSAKeyPairPEM(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	return
}

type recordingMLSDelegate struct {
	states chan State
}

func newRecordingMLSDelegate() *recordingMLSDelegate {
	return &recordingMLSDelegate{states: make(chan State, 16)}
}

func (d *recordingMLSDelegate) OnMLSChannelStateChanged(c *Channel, state State) {
	select {
	case d.states <- state:
	default:
	}
}
func (d *recordingMLSDelegate) OnMLSChannelError(c *Channel, err *rtcerrors.Error) {}

// loopbackMLSPassphrases configures each side's send/receive passphrase
// independently, so a mismatched pair can be built for negative tests.
type loopbackMLSPassphrases struct {
	aSend, aReceive string
	bSend, bReceive string
}

// newLoopbackMLSPair wires two Channels over two shared "encoded" pipes
// (A's send-encoded feeds B's receive-encoded and vice versa) and gives
// each its own pair of "decoded" pipes the test can drive/observe directly.
func newLoopbackMLSPair(t *testing.T, pp loopbackMLSPassphrases) (a, b *Channel, appSendA *stream.Writer, appRecvA *stream.Reader, appSendB *stream.Writer, appRecvB *stream.Reader, delA, delB *recordingMLSDelegate) {
	t.Helper()

	privA, pubA := genRSAKeyPairPEM(t)
	privB, pubB := genRSAKeyPairPEM(t)

	wireAtoBWriter, wireAtoBReader := stream.New()
	wireBtoAWriter, wireBtoAReader := stream.New()

	sendDecodedAWriter, sendDecodedAReader := stream.New()
	recvDecodedAWriter, recvDecodedAReader := stream.New()
	sendDecodedBWriter, sendDecodedBReader := stream.New()
	recvDecodedBWriter, recvDecodedBReader := stream.New()

	delA = newRecordingMLSDelegate()
	delB = newRecordingMLSDelegate()

	a = NewChannel(Config{
		ReceiveStreamEncoded: wireBtoAReader,
		ReceiveStreamDecoded: recvDecodedAWriter,
		SendStreamDecoded:    sendDecodedAReader,
		SendStreamEncoded:    wireAtoBWriter,

		LocalContextID:             "A",
		SendPassphrase:             pp.aSend,
		ReceivePassphrase:          pp.aReceive,
		SigningPrivateKeyPEM:       privA,
		ReceiveSigningPublicKeyPEM: pubB,
		TickInterval:               2 * time.Millisecond,
	}, delA)

	b = NewChannel(Config{
		ReceiveStreamEncoded: wireAtoBReader,
		ReceiveStreamDecoded: recvDecodedBWriter,
		SendStreamDecoded:    sendDecodedBReader,
		SendStreamEncoded:    wireBtoAWriter,

		LocalContextID:             "B",
		SendPassphrase:             pp.bSend,
		ReceivePassphrase:          pp.bReceive,
		SigningPrivateKeyPEM:       privB,
		ReceiveSigningPublicKeyPEM: pubA,
		TickInterval:               2 * time.Millisecond,
	}, delB)

	return a, b, sendDecodedAWriter, recvDecodedAReader, sendDecodedBWriter, recvDecodedBReader, delA, delB
}

func matchedPassphrases(p string) loopbackMLSPassphrases {
	return loopbackMLSPassphrases{aSend: p, aReceive: p, bSend: p, bReceive: p}
}

func TestChannelReachesConnectedBothSides(t *testing.T) {
	a, b, _, _, _, _, delA, delB := newLoopbackMLSPair(t, matchedPassphrases("shared-secret"))
	defer a.Shutdown()
	defer b.Shutdown()

	waitForState(t, delA.states, StateConnected)
	waitForState(t, delB.states, StateConnected)
}

func TestChannelDeliversBytesBothDirections(t *testing.T) {
	a, b, sendA, recvB, sendB, recvA, delA, delB := newLoopbackMLSPair(t, matchedPassphrases("shared-secret"))
	defer a.Shutdown()
	defer b.Shutdown()

	waitForState(t, delA.states, StateConnected)
	waitForState(t, delB.states, StateConnected)

	sendA.Write([]byte("hello from a"), nil)
	recvB.NotifyReaderReadyToRead()
	assert.Equal(t, "hello from a", waitForBytes(t, recvB, len("hello from a")))

	sendB.Write([]byte("hello from b"), nil)
	recvA.NotifyReaderReadyToRead()
	assert.Equal(t, "hello from b", waitForBytes(t, recvA, len("hello from b")))
}

func TestChannelRejectsWrongPassphrase(t *testing.T) {
	// A's ReceivePassphrase is deliberately wrong from the start, so once B's
	// keying bundle arrives, A's derived unwrap key won't match what B
	// wrapped its secret with: the MAC on B's first cipher frame should fail
	// and shut A down rather than silently deliver garbage plaintext.
	a, b, _, _, sendB, _, delA, _ := newLoopbackMLSPair(t, loopbackMLSPassphrases{
		aSend: "shared-secret", aReceive: "wrong-guess",
		bSend: "shared-secret", bReceive: "shared-secret",
	})
	defer a.Shutdown()
	defer b.Shutdown()

	sendB.Write([]byte("hello"), nil)

	waitForState(t, delA.states, StateShutdown)
}

func waitForState(t *testing.T, states chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func waitForBytes(t *testing.T, r *stream.Reader, n int) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var got []byte
	for len(got) < n {
		select {
		case <-r.ReaderReady():
			data, _ := r.Read(64)
			got = append(got, data...)
			r.NotifyReaderReadyToRead()
		case <-deadline:
			t.Fatalf("timed out waiting for bytes, got %q so far", got)
		}
	}
	return string(got)
}
