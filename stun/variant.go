package stun

// RFCVariant selects which RFC's wire rules apply to a message (spec §4.1
// "Variants").
type RFCVariant int

const (
	// VariantClassic is RFC 3489: no magic cookie, no mandatory integrity.
	VariantClassic RFCVariant = iota

	// VariantModern is RFC 5389.
	VariantModern

	// VariantICE is RFC 5245, short-term credentials (username is
	// "rfrag:lfrag", password is the peer's ICE password).
	VariantICE

	// VariantTURN is RFC 5766, adds TURN-specific attributes
	// (REQUESTED-TRANSPORT, XOR-RELAYED-ADDRESS, ...).
	VariantTURN
)

func (v RFCVariant) String() string {
	switch v {
	case VariantClassic:
		return "classic(RFC3489)"
	case VariantModern:
		return "modern(RFC5389)"
	case VariantICE:
		return "ice(RFC5245)"
	case VariantTURN:
		return "turn(RFC5766)"
	default:
		return "unknown"
	}
}

// UsesLongTermCredentials reports whether MESSAGE-INTEGRITY for this variant
// is computed with the long-term credential key
// MD5(username:realm:password), as opposed to the short-term key (the raw
// UTF-8 password), per spec §4.1.
func (v RFCVariant) UsesLongTermCredentials() bool {
	return v == VariantTURN
}
