package mls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"

	"github.com/pkg/errors"
)

// keyInfo is the per-algorithmIndex keying state kept for both the send and
// receive directions (spec §4.10 "Frame format"/"Rotation"; grounded on
// original_source services_MessageLayerSecurityChannel.h's KeyInfo: the
// same mIntegrityPassphrase/mSendKey/mNextIV/mLastIntegrity fields, renamed
// to this package's idiom).
type keyInfo struct {
	integrityPassphrase []byte
	sendKey             []byte
	nextIV              []byte
	lastIntegrity        []byte
}

// legacyIV derives the very first IV from only a passphrase via
// MD5-then-SHA1, the legacy-compatibility mode spec §9's open question
// asks about; gated behind Channel.Config.AllowLegacyPassphraseIV because
// it is weaker than deriving the IV from the actual wrapped secret.
func legacyIV(passphrase string, blockSize int) []byte {
	m := md5.Sum([]byte(passphrase))
	s := sha1.Sum(m[:])
	return s[:blockSize]
}

// firstIV derives the frame cipher's initial IV from the negotiated
// send/receive key when the legacy mode is not in play: HMAC-SHA1 keyed
// with the key over the fixed label "mls-initial-iv", truncated to the
// cipher's block size.
func firstIV(key []byte, blockSize int) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte("mls-initial-iv"))
	sum := mac.Sum(nil)
	return sum[:blockSize]
}

// nextIV ratchets the IV forward: nextIV = HMAC(integrityPassphrase,
// previousIV)[0..blockSize] (spec §4.10 "IV evolves as...").
func nextIV(integrityPassphrase, previousIV []byte, blockSize int) []byte {
	mac := hmac.New(sha1.New, integrityPassphrase)
	mac.Write(previousIV)
	sum := mac.Sum(nil)
	return sum[:blockSize]
}

// encryptFrame encrypts payload under k's current key/IV (advancing k's IV
// for the next frame) and returns the wire frame: {algorithmIndex: u32,
// length: u32, ciphertext, MAC} (spec §4.10 "Frame format").
func encryptFrame(k *keyInfo, algorithmIndex uint32, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.sendKey[:aesKeySize])
	if err != nil {
		return nil, errors.Wrap(err, "mls: failed to build AES cipher")
	}

	iv := k.nextIV
	stream := cipher.NewCFBEncrypter(block, iv)
	ciphertext := make([]byte, len(payload))
	stream.XORKeyStream(ciphertext, payload)

	k.nextIV = nextIV(k.integrityPassphrase, iv, block.BlockSize())

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], algorithmIndex)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(ciphertext)))

	mac := hmac.New(sha1.New, k.integrityPassphrase)
	mac.Write(header[0:4])
	mac.Write(ciphertext)
	sum := mac.Sum(nil)
	k.lastIntegrity = sum

	frame := make([]byte, 0, len(header)+len(ciphertext)+len(sum))
	frame = append(frame, header...)
	frame = append(frame, ciphertext...)
	frame = append(frame, sum...)
	return frame, nil
}

// decryptFrame parses and authenticates a wire frame produced by
// encryptFrame, returning its algorithmIndex and decrypted payload. k must
// be the keyInfo for that exact algorithmIndex (the caller looks it up in
// its receive KeyMap by the frame's declared index).
func decryptFrame(k *keyInfo, raw []byte) (algorithmIndex uint32, payload []byte, err error) {
	if len(raw) < 8+sha1.Size {
		return 0, nil, errors.New("mls: frame too short")
	}
	algorithmIndex = binary.BigEndian.Uint32(raw[0:4])
	ciphertextLen := binary.BigEndian.Uint32(raw[4:8])
	if int(8+ciphertextLen)+sha1.Size != len(raw) {
		return 0, nil, errors.New("mls: frame length mismatch")
	}
	ciphertext := raw[8 : 8+ciphertextLen]
	mac := raw[8+ciphertextLen:]

	expected := hmac.New(sha1.New, k.integrityPassphrase)
	expected.Write(raw[0:4])
	expected.Write(ciphertext)
	if !hmac.Equal(expected.Sum(nil), mac) {
		return 0, nil, errors.New("mls: frame integrity check failed")
	}

	block, err := aes.NewCipher(k.sendKey[:aesKeySize])
	if err != nil {
		return 0, nil, errors.Wrap(err, "mls: failed to build AES cipher")
	}
	iv := k.nextIV
	stream := cipher.NewCFBDecrypter(block, iv)
	payload = make([]byte, len(ciphertext))
	stream.XORKeyStream(payload, ciphertext)

	k.nextIV = nextIV(k.integrityPassphrase, iv, block.BlockSize())
	k.lastIntegrity = mac

	return algorithmIndex, payload, nil
}

// aesKeySize is AES-128's key length; the derived 20-byte SHA1-based keys
// are truncated to it (matches the original source's default crypto
// algorithm label "aes-cfb-32-16-16-sha1-md5": 16-byte key/block). AES's
// block size is also 16 bytes regardless of key size, so the same constant
// doubles as the IV length used throughout this file.
const aesKeySize = 16

// frameAlgorithmIndex reads a wire frame's cleartext algorithmIndex header
// without authenticating or decrypting it, so the receiver can select the
// right keyInfo before calling decryptFrame.
func frameAlgorithmIndex(raw []byte) uint32 {
	return binary.BigEndian.Uint32(raw[0:4])
}
