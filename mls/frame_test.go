package mls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptFrameRoundTrip(t *testing.T) {
	key := make([]byte, 20)
	integrity := make([]byte, 20)
	for i := range key {
		key[i] = byte(i)
		integrity[i] = byte(i * 3)
	}
	iv := firstIV(key, aesKeySize)

	sendK := &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}
	recvK := &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}

	messages := []string{"first frame", "second frame, a bit longer", "3"}
	for _, msg := range messages {
		frame, err := encryptFrame(sendK, 0, []byte(msg))
		require.NoError(t, err)

		algIdx, payload, err := decryptFrame(recvK, frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), algIdx)
		assert.Equal(t, msg, string(payload))
	}

	// The IV ratchet must have advanced identically on both sides, in lockstep.
	assert.Equal(t, sendK.nextIV, recvK.nextIV)
}

func TestDecryptFrameRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 20)
	integrity := make([]byte, 20)
	iv := firstIV(key, aesKeySize)
	k := &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}

	frame, err := encryptFrame(k, 0, []byte("authentic payload"))
	require.NoError(t, err)

	tampered := append([]byte{}, frame...)
	tampered[len(tampered)-1] ^= 0xFF

	_, _, err = decryptFrame(&keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}, tampered)
	assert.Error(t, err)
}

func TestFrameAlgorithmIndexReadsHeaderWithoutDecrypting(t *testing.T) {
	key := make([]byte, 20)
	integrity := make([]byte, 20)
	iv := firstIV(key, aesKeySize)
	k := &keyInfo{sendKey: key, integrityPassphrase: integrity, nextIV: iv}

	frame, err := encryptFrame(k, 7, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, uint32(7), frameAlgorithmIndex(frame))
}

func TestLegacyIVDiffersFromFirstIV(t *testing.T) {
	key := []byte("some-negotiated-key-material")
	legacy := legacyIV("a passphrase", aesKeySize)
	derived := firstIV(key, aesKeySize)
	assert.NotEqual(t, legacy, derived)
	assert.Len(t, legacy, aesKeySize)
	assert.Len(t, derived, aesKeySize)
}

func TestNextIVRatchetIsDeterministic(t *testing.T) {
	integrity := []byte("integrity-passphrase")
	prev := []byte("0123456789abcdef")

	a := nextIV(integrity, prev, aesKeySize)
	b := nextIV(integrity, prev, aesKeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, prev[:aesKeySize], a)
}
