package mls

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/json"
	"io"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// KeyingType identifies how a keyingBundle's secret is wrapped (spec §4.10
// "Keying negotiation").
type KeyingType int

const (
	KeyingTypeUnknown KeyingType = iota
	KeyingTypePassphrase
	KeyingTypePublicKey
	KeyingTypeKeyAgreement
)

func (t KeyingType) String() string {
	switch t {
	case KeyingTypePassphrase:
		return "Passphrase"
	case KeyingTypePublicKey:
		return "PublicKey"
	case KeyingTypeKeyAgreement:
		return "KeyAgreement"
	default:
		return "Unknown"
	}
}

// keyingBundle is the first frame written to a send-encoded stream: a JSON
// document carrying the local context id, a nonce, and exactly one wrapped
// secret, signed by the sender's RSA key (spec §4.10 "Keying negotiation").
// Field order here is also wire order, since encoding/json respects struct
// field order and the spec does not require a particular canonical
// ordering beyond "the bundle is signed" — no ordered-marshal helper is
// needed for that alone.
type keyingBundle struct {
	ContextID string `json:"contextId"`
	Nonce     string `json:"nonce"`

	Type KeyingType `json:"keyingType"`

	// Passphrase path: the symmetric key, wrapped by a passphrase-derived
	// key-encryption-key (never sent in the clear).
	PassphraseWrappedKey []byte `json:"passphraseWrappedKey,omitempty"`

	// PublicKey path: the symmetric key, RSA-OAEP wrapped under the
	// recipient's public key.
	RSAWrappedKey       []byte `json:"rsaWrappedKey,omitempty"`
	ReceiverFingerprint string `json:"receiverFingerprint,omitempty"`

	// KeyAgreement path: an X25519 public value plus its fingerprint, so
	// the peer can confirm it matches a fingerprint possibly agreed upon
	// out of band (spec §4.10; DESIGN.md Open Question decision #4).
	DHPublicKey         []byte `json:"dhPublicKey,omitempty"`
	DHPublicKeyFingerprint string `json:"dhPublicKeyFingerprint,omitempty"`

	// AlgorithmIndex is the frame algorithmIndex this bundle's derived key
	// takes effect at (spec §4.10 "Frame format").
	AlgorithmIndex uint32 `json:"algorithmIndex"`

	// Signature is an RSA PKCS#1v15 signature (over every preceding field,
	// serialized with Signature absent) by the sender's signing key.
	Signature []byte `json:"signature,omitempty"`
}

// signingDigest hashes the bundle's content (with Signature cleared) so it
// can be signed or verified.
func signingDigest(b keyingBundle) ([]byte, error) {
	b.Signature = nil
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	h := sha1.Sum(raw)
	return h[:], nil
}

func signBundle(provider collab.CryptoProvider, privateKeyPEM []byte, b keyingBundle) (keyingBundle, error) {
	digest, err := signingDigest(b)
	if err != nil {
		return b, err
	}
	sig, err := provider.SignRSA(privateKeyPEM, digest)
	if err != nil {
		return b, errors.Wrap(err, "mls: failed to sign keying bundle")
	}
	b.Signature = sig
	return b, nil
}

func verifyBundle(provider collab.CryptoProvider, publicKeyPEM []byte, b keyingBundle) error {
	sig := b.Signature
	digest, err := signingDigest(b)
	if err != nil {
		return err
	}
	if err := provider.VerifyRSA(publicKeyPEM, digest, sig); err != nil {
		return errors.Wrap(err, "mls: keying bundle signature validation failed")
	}
	return nil
}

// kdfLabel is the fixed label mixed into every HMAC-SHA1-based key
// derivation the spec names (spec §4.10 "the peer's symmetric send key is
// derived ... HMAC-SHA1 with a fixed label").
const kdfLabel = "ortc-mls-send-key"

// deriveSendKeyFromSecret derives a send key (and its paired
// integrityPassphrase) from a wrapped or shared secret plus the two
// context ids, matching spec §4.10's passphrase/public-key path: a single
// HMAC-SHA1 over (secret, label, localContextID, remoteContextID).
func deriveSendKeyFromSecret(secret []byte, localContextID, remoteContextID string) (key, integrityPassphrase []byte) {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(kdfLabel))
	mac.Write([]byte(localContextID))
	mac.Write([]byte(remoteContextID))
	key = mac.Sum(nil)

	mac2 := hmac.New(sha1.New, secret)
	mac2.Write([]byte(kdfLabel + "-integrity"))
	mac2.Write([]byte(remoteContextID))
	mac2.Write([]byte(localContextID))
	integrityPassphrase = mac2.Sum(nil)
	return
}

// deriveKeyAgreementKeys derives both the key and integrityPassphrase for
// the KeyAgreement path via HKDF-SHA1 over the X25519 shared secret, using
// the context ids as HKDF info (spec §4.10 "for DH, from the shared secret
// plus context ids"; golang.org/x/crypto/hkdf per SPEC_FULL.md §8).
func deriveKeyAgreementKeys(sharedSecret []byte, localContextID, remoteContextID string) (key, integrityPassphrase []byte, err error) {
	info := []byte(kdfLabel + "|" + localContextID + "|" + remoteContextID)
	r := hkdf.New(sha1.New, sharedSecret, nil, info)
	key = make([]byte, sha1.Size)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, errors.Wrap(err, "mls: hkdf key derivation failed")
	}
	integrityPassphrase = make([]byte, sha1.Size)
	if _, err = io.ReadFull(r, integrityPassphrase); err != nil {
		return nil, nil, errors.Wrap(err, "mls: hkdf integrity derivation failed")
	}
	return key, integrityPassphrase, nil
}

// wrapWithPassphrase derives a key-encryption key from passphrase via
// HMAC-SHA1 and XORs it over the secret as a one-time pad sized to the
// secret (symmetric wrap, reversible with the identical derivation).
func wrapWithPassphrase(passphrase string, secret []byte) []byte {
	return xorWithKeystream(passphrase, secret)
}

func unwrapWithPassphrase(passphrase string, wrapped []byte) []byte {
	return xorWithKeystream(passphrase, wrapped)
}

func xorWithKeystream(passphrase string, data []byte) []byte {
	out := make([]byte, len(data))
	for block := 0; block*sha1.Size < len(data); block++ {
		mac := hmac.New(sha1.New, []byte(passphrase))
		mac.Write([]byte{byte(block)})
		keystream := mac.Sum(nil)

		start := block * sha1.Size
		end := start + sha1.Size
		if end > len(data) {
			end = len(data)
		}
		for i := start; i < end; i++ {
			out[i] = data[i] ^ keystream[i-start]
		}
	}
	return out
}
