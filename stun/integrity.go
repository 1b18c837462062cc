package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash/crc32"
)

// LongTermKey derives the MESSAGE-INTEGRITY key for long-term credentials:
// MD5(username + ":" + realm + ":" + password), per spec §4.1.
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}

// ShortTermKey derives the MESSAGE-INTEGRITY key for short-term credentials:
// the UTF-8 password bytes, per spec §4.1.
func ShortTermKey(password string) []byte {
	return []byte(password)
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed as
// HMAC-SHA1 over the message prefix up to (but not including) the
// attribute itself, with the length field adjusted to include it (spec
// §4.1). It must be added after every other mandatory attribute and before
// AddFingerprint.
func (m *Message) AddMessageIntegrity(key []byte) {
	// Reserve a 20-byte placeholder so the length field, once the message
	// is marshaled, already accounts for this attribute.
	placeholder := make([]byte, 20)
	m.Add(AttrMessageIntegrity, placeholder)

	b := m.Marshal()
	attrTotal := attrNumBytes(placeholder)
	prefix := b[:len(b)-attrTotal]

	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	sum := mac.Sum(nil)

	m.Attributes[len(m.Attributes)-1].Value = sum
}

// VerifyMessageIntegrity recomputes and checks the MESSAGE-INTEGRITY
// attribute against key. The message must have been parsed with its
// attributes in their original order (Fingerprint, if any, still present).
func (m *Message) VerifyMessageIntegrity(key []byte) bool {
	idx := -1
	for i, a := range m.Attributes {
		if a.Type == AttrMessageIntegrity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	want := append([]byte(nil), m.Attributes[idx].Value...)

	// Reconstruct the prefix: everything up to this attribute, with the
	// length field set as if integrity were the last attribute included
	// (i.e. drop everything from this attribute onward, including
	// FINGERPRINT, matching how it was computed on send).
	truncated := &Message{
		Class:         m.Class,
		Method:        m.Method,
		TransactionID: m.TransactionID,
		Variant:       m.Variant,
		Attributes:    append([]Attribute(nil), m.Attributes[:idx]...),
	}
	placeholder := make([]byte, 20)
	truncated.Attributes = append(truncated.Attributes, Attribute{Type: AttrMessageIntegrity, Value: placeholder})
	b := truncated.Marshal()
	attrTotal := attrNumBytes(placeholder)
	prefix := b[:len(b)-attrTotal]

	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	sum := mac.Sum(nil)

	return hmac.Equal(sum, want)
}

// AddFingerprint appends the FINGERPRINT attribute: CRC-32 of the packet
// (length field adjusted to include FINGERPRINT itself) XOR 0x5354554E
// (spec §4.1). Must be the last attribute.
func (m *Message) AddFingerprint() {
	placeholder := make([]byte, 4)
	m.Add(AttrFingerprint, placeholder)

	b := m.Marshal()
	attrTotal := attrNumBytes(placeholder)
	prefix := b[:len(b)-attrTotal]

	crc := crc32.ChecksumIEEE(prefix) ^ fingerprintXor
	v := m.Attributes[len(m.Attributes)-1].Value
	v[0] = byte(crc >> 24)
	v[1] = byte(crc >> 16)
	v[2] = byte(crc >> 8)
	v[3] = byte(crc)
}

// VerifyFingerprint checks the FINGERPRINT attribute, if present. Returns
// true (valid) if no FINGERPRINT attribute is present, since it is optional.
func (m *Message) VerifyFingerprint() bool {
	idx := -1
	for i, a := range m.Attributes {
		if a.Type == AttrFingerprint {
			idx = i
			break
		}
	}
	if idx < 0 {
		return true
	}
	want := m.Attributes[idx].Value
	if len(want) != 4 {
		return false
	}

	truncated := &Message{
		Class:         m.Class,
		Method:        m.Method,
		TransactionID: m.TransactionID,
		Variant:       m.Variant,
		Attributes:    append([]Attribute(nil), m.Attributes[:idx]...),
	}
	placeholder := make([]byte, 4)
	truncated.Attributes = append(truncated.Attributes, Attribute{Type: AttrFingerprint, Value: placeholder})
	b := truncated.Marshal()
	attrTotal := attrNumBytes(placeholder)
	prefix := b[:len(b)-attrTotal]

	crc := crc32.ChecksumIEEE(prefix) ^ fingerprintXor
	got := []byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)}
	return got[0] == want[0] && got[1] == want[1] && got[2] == want[2] && got[3] == want[3]
}
