package model

import "encoding/json"

const (
	AlgorithmOlm    = "e2e.olm.v1.curve25519-aesgcm-sha2"
	AlgorithmMegolm = "e2e.megolm.v1.aesgcm-sha2"
	AlgorithmBackup = "e2e.megolm_backup.v1.curve25519-aesgcm-sha2"

	EventEncrypted        = "m.room.encrypted"
	EventRoomKey          = "m.room_key"
	EventForwardedRoomKey = "m.forwarded_room_key"
	EventRoomKeyRequest   = "m.room_key_request"
	EventRoomKeyWithheld  = "m.room_key.withheld"
	EventDummy            = "m.dummy"

	EventVerificationRequest = "m.key.verification.request"
	EventVerificationReady   = "m.key.verification.ready"
	EventVerificationStart   = "m.key.verification.start"
	EventVerificationAccept  = "m.key.verification.accept"
	EventVerificationKey     = "m.key.verification.key"
	EventVerificationMac     = "m.key.verification.mac"
	EventVerificationCancel  = "m.key.verification.cancel"
	EventVerificationDone    = "m.key.verification.done"

	OlmPreKey  = 0
	OlmMessage = 1

	KeyRequestAction      = "request"
	KeyRequestCancelation = "request_cancellation"

	WithheldBlacklisted  = "m.blacklisted"
	WithheldUnverified   = "m.unverified"
	WithheldUnauthorised = "m.unauthorised"
	WithheldUnavailable  = "m.unavailable"
	WithheldNoOlm        = "m.no_olm"
)

type (
	ToDeviceEvent struct {
		Sender  string          `json:"sender"`
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}

	OlmCiphertext struct {
		Type int    `json:"type"`
		Body string `json:"body"`
	}

	// OlmEncryptedContent maps recipient curve25519 key -> ciphertext.
	OlmEncryptedContent struct {
		Algorithm  string                   `json:"algorithm"`
		SenderKey  string                   `json:"sender_key"`
		Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
	}

	// OlmPayload is the plaintext inside a pairwise message.
	OlmPayload struct {
		Type          string            `json:"type"`
		Content       json.RawMessage   `json:"content"`
		Sender        string            `json:"sender"`
		SenderDevice  string            `json:"sender_device"`
		Keys          map[string]string `json:"keys"`
		Recipient     string            `json:"recipient"`
		RecipientKeys map[string]string `json:"recipient_keys"`
	}

	RoomKeyContent struct {
		Algorithm  string `json:"algorithm"`
		RoomID     string `json:"room_id"`
		SessionID  string `json:"session_id"`
		SessionKey string `json:"session_key"`
	}

	ForwardedRoomKeyContent struct {
		Algorithm                    string   `json:"algorithm"`
		RoomID                       string   `json:"room_id"`
		SenderKey                    string   `json:"sender_key"`
		SessionID                    string   `json:"session_id"`
		SessionKey                   string   `json:"session_key"`
		SenderClaimedEd25519Key      string   `json:"sender_claimed_ed25519_key"`
		ForwardingCurve25519KeyChain []string `json:"forwarding_curve25519_key_chain"`
	}

	RequestedKeyInfo struct {
		Algorithm string `json:"algorithm"`
		RoomID    string `json:"room_id"`
		SenderKey string `json:"sender_key"`
		SessionID string `json:"session_id"`
	}

	RoomKeyRequestContent struct {
		Action             string            `json:"action"`
		Body               *RequestedKeyInfo `json:"body,omitempty"`
		RequestingDeviceID string            `json:"requesting_device_id"`
		RequestID          string            `json:"request_id"`
	}

	RoomKeyWithheldContent struct {
		Algorithm  string `json:"algorithm"`
		Code       string `json:"code"`
		Reason     string `json:"reason,omitempty"`
		RoomID     string `json:"room_id,omitempty"`
		SessionID  string `json:"session_id,omitempty"`
		SenderKey  string `json:"sender_key"`
		FromDevice string `json:"from_device,omitempty"`
	}

	MegolmEncryptedContent struct {
		Algorithm  string `json:"algorithm"`
		SenderKey  string `json:"sender_key"`
		DeviceID   string `json:"device_id"`
		SessionID  string `json:"session_id"`
		Ciphertext string `json:"ciphertext"`
	}

	// MegolmPayload is the plaintext inside a group message.
	MegolmPayload struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  string          `json:"room_id"`
	}

	RoomEvent struct {
		EventID        string          `json:"event_id"`
		Sender         string          `json:"sender"`
		RoomID         string          `json:"room_id"`
		Type           string          `json:"type"`
		Content        json.RawMessage `json:"content"`
		OriginServerTS int64           `json:"origin_server_ts"`
	}
)

func (i RequestedKeyInfo) Key() string {
	return i.RoomID + "|" + i.SenderKey + "|" + i.SessionID
}
