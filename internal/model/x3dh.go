package model

type (
	// OutboundAgreement is the initiator's side of the triple DH: our
	// identity and base private keys against the peer's identity and
	// one-time (or fallback) public keys.
	OutboundAgreement struct {
		IdentityKey []byte
		BaseKey     []byte

		TheirIdentityKey []byte
		TheirOneTimeKey  []byte
	}

	// InboundAgreement is the responder's side, built from a pre-key message.
	InboundAgreement struct {
		TheirIdentityKey []byte
		TheirBaseKey     []byte

		IdentityKey []byte
		OneTimeKey  []byte
	}
)
