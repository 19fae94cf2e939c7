package model

type (
	// ExportedRoomKey is the record that travels through backups, key exports
	// and forwards.
	ExportedRoomKey struct {
		Algorithm                    string            `json:"algorithm"`
		RoomID                       string            `json:"room_id"`
		SenderKey                    string            `json:"sender_key"`
		SenderDeviceID               string            `json:"sender_device_id,omitempty"`
		SessionID                    string            `json:"session_id"`
		SessionKey                   string            `json:"session_key"`
		FirstKnownIndex              uint32            `json:"first_known_index"`
		SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
		ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
	}
)

func (k *ExportedRoomKey) Forwarded() bool {
	return len(k.ForwardingCurve25519KeyChain) > 0
}

func (k *ExportedRoomKey) Hops() int {
	return len(k.ForwardingCurve25519KeyChain)
}
