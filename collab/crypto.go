package collab

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// CryptoProvider stands in for the out-of-scope "cryptographic primitives"
// collaborator (spec §1: RSA/DH key I/O, AES-CFB, HMAC, hashes). The MLS
// package depends on this interface for RSA signing/verification and key
// agreement; its symmetric frame cipher uses stdlib crypto/aes+crypto/cipher
// directly, since those are not collaborator-supplied in the spec's own
// wording ("AES-CFB, HMAC, hashes" are listed as the same bucket but the MLS
// frame format in spec §4.10 is specified precisely enough that it is part
// of MLS itself, not a pluggable primitive).
type CryptoProvider interface {
	// SignRSA signs digest (already hashed) with the given PEM-encoded RSA
	// private key, returning a PKCS#1v15 signature.
	SignRSA(privateKeyPEM []byte, digest []byte) ([]byte, error)

	// VerifyRSA verifies an RSA PKCS#1v15 signature against a PEM-encoded
	// RSA public key.
	VerifyRSA(publicKeyPEM []byte, digest, signature []byte) error

	// EncryptRSA wraps a symmetric secret under an RSA public key (OAEP).
	EncryptRSA(publicKeyPEM []byte, secret []byte) ([]byte, error)

	// DecryptRSA unwraps a symmetric secret under an RSA private key (OAEP).
	DecryptRSA(privateKeyPEM []byte, ciphertext []byte) ([]byte, error)

	// GenerateKeyAgreementKeyPair returns a fresh key-agreement key pair,
	// per spec §4.10's "DH public key + fingerprint" bundle. Implemented as
	// X25519 (DESIGN.md Open Question decision #4).
	GenerateKeyAgreementKeyPair() (public, private [32]byte, err error)

	// ComputeSharedSecret computes the shared secret for a key-agreement
	// exchange given the local private key and the remote public key.
	ComputeSharedSecret(localPrivate, remotePublic [32]byte) ([]byte, error)
}

type stdlibCryptoProvider struct{}

// DefaultCryptoProvider is backed by stdlib crypto/rsa and
// golang.org/x/crypto/curve25519.
var DefaultCryptoProvider CryptoProvider = stdlibCryptoProvider{}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("collab: no PEM block found in RSA private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "collab: failed to parse RSA private key")
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("collab: PKCS8 key is not RSA")
	}
	return key, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("collab: no PEM block found in RSA public key")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	generic, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "collab: failed to parse RSA public key")
	}
	pub, ok := generic.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("collab: PKIX key is not RSA")
	}
	return pub, nil
}

func (stdlibCryptoProvider) SignRSA(privateKeyPEM []byte, digest []byte) ([]byte, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(rand.Reader, key, 0, digest)
}

func (stdlibCryptoProvider) VerifyRSA(publicKeyPEM []byte, digest, signature []byte) error {
	pub, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	return rsa.VerifyPKCS1v15(pub, 0, digest, signature)
}

func (stdlibCryptoProvider) EncryptRSA(publicKeyPEM []byte, secret []byte) ([]byte, error) {
	pub, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	h := sha1.New()
	return rsa.EncryptOAEP(h, rand.Reader, pub, secret, nil)
}

func (stdlibCryptoProvider) DecryptRSA(privateKeyPEM []byte, ciphertext []byte) ([]byte, error) {
	key, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	h := sha1.New()
	return rsa.DecryptOAEP(h, rand.Reader, key, ciphertext, nil)
}

func (stdlibCryptoProvider) GenerateKeyAgreementKeyPair() (public, private [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return
	}
	curve25519.ScalarBaseMult(&public, &private)
	return
}

func (stdlibCryptoProvider) ComputeSharedSecret(localPrivate, remotePublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localPrivate[:], remotePublic[:])
	if err != nil {
		return nil, errors.Wrap(err, "collab: X25519 key agreement failed")
	}
	return shared, nil
}
