package mls

import (
	"testing"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXorWithKeystreamRoundTrips(t *testing.T) {
	secret := []byte("a 20-byte-ish secret")
	wrapped := wrapWithPassphrase("correct horse battery staple", secret)
	assert.NotEqual(t, secret, wrapped)

	unwrapped := unwrapWithPassphrase("correct horse battery staple", wrapped)
	assert.Equal(t, secret, unwrapped)
}

func TestXorWithKeystreamWrongPassphraseDoesNotRoundTrip(t *testing.T) {
	secret := []byte("another secret value")
	wrapped := wrapWithPassphrase("right passphrase", secret)
	unwrapped := unwrapWithPassphrase("wrong passphrase", wrapped)
	assert.NotEqual(t, secret, unwrapped)
}

func TestDeriveSendKeyFromSecretIsDeterministicAndDirectional(t *testing.T) {
	secret := []byte("shared secret bytes")

	k1, i1 := deriveSendKeyFromSecret(secret, "alice", "bob")
	k2, i2 := deriveSendKeyFromSecret(secret, "alice", "bob")
	assert.Equal(t, k1, k2)
	assert.Equal(t, i1, i2)

	// Swapping the local/remote context ids must change the key: a peer
	// derives its own send key with itself as "local", the other side
	// derives the matching receive key with the roles reversed.
	k3, _ := deriveSendKeyFromSecret(secret, "bob", "alice")
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKeyAgreementKeysMatchesBothSides(t *testing.T) {
	provider := collab.DefaultCryptoProvider

	pubA, privA, err := provider.GenerateKeyAgreementKeyPair()
	require.NoError(t, err)
	pubB, privB, err := provider.GenerateKeyAgreementKeyPair()
	require.NoError(t, err)

	sharedA, err := provider.ComputeSharedSecret(privA, pubB)
	require.NoError(t, err)
	sharedB, err := provider.ComputeSharedSecret(privB, pubA)
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)

	keyA, integrityA, err := deriveKeyAgreementKeys(sharedA[:], "alice", "bob")
	require.NoError(t, err)
	keyB, integrityB, err := deriveKeyAgreementKeys(sharedB[:], "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, keyA, keyB)
	assert.Equal(t, integrityA, integrityB)
}

func TestSignAndVerifyBundle(t *testing.T) {
	provider := collab.DefaultCryptoProvider
	privPEM, pubPEM := genRSAKeyPairPEM(t)

	bundle := keyingBundle{
		ContextID:            "alice",
		Nonce:                "deadbeef",
		Type:                 KeyingTypePassphrase,
		PassphraseWrappedKey: []byte{1, 2, 3, 4},
		AlgorithmIndex:       0,
	}

	signed, err := signBundle(provider, privPEM, bundle)
	require.NoError(t, err)
	require.NotEmpty(t, signed.Signature)

	require.NoError(t, verifyBundle(provider, pubPEM, signed))
}

func TestVerifyBundleRejectsTamperedField(t *testing.T) {
	provider := collab.DefaultCryptoProvider
	privPEM, pubPEM := genRSAKeyPairPEM(t)

	bundle := keyingBundle{
		ContextID:            "alice",
		Nonce:                "deadbeef",
		Type:                 KeyingTypePassphrase,
		PassphraseWrappedKey: []byte{1, 2, 3, 4},
	}
	signed, err := signBundle(provider, privPEM, bundle)
	require.NoError(t, err)

	signed.ContextID = "mallory"
	assert.Error(t, verifyBundle(provider, pubPEM, signed))
}

func TestVerifyBundleRejectsWrongSigningKey(t *testing.T) {
	provider := collab.DefaultCryptoProvider
	privPEM, _ := genRSAKeyPairPEM(t)
	_, otherPubPEM := genRSAKeyPairPEM(t)

	bundle := keyingBundle{ContextID: "alice", Nonce: "n", Type: KeyingTypePassphrase}
	signed, err := signBundle(provider, privPEM, bundle)
	require.NoError(t, err)

	assert.Error(t, verifyBundle(provider, otherPubPEM, signed))
}

func TestKeyingTypeString(t *testing.T) {
	assert.Equal(t, "Passphrase", KeyingTypePassphrase.String())
	assert.Equal(t, "PublicKey", KeyingTypePublicKey.String())
	assert.Equal(t, "KeyAgreement", KeyingTypeKeyAgreement.String())
	assert.Equal(t, "Unknown", KeyingTypeUnknown.String())
}
