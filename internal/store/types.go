package store

import (
	"encoding/json"
	"time"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/protocol/doubleratchet"
	"e2e_crypto/internal/protocol/megolm"
)

// LocalTrust is a trust decision taken on this device. It overrides anything
// derived from signatures.
type LocalTrust int

const (
	LocalTrustUnset LocalTrust = iota
	LocalTrustVerified
	LocalTrustBlacklisted
	LocalTrustIgnored
)

func (t LocalTrust) String() string {
	switch t {
	case LocalTrustVerified:
		return "verified"
	case LocalTrustBlacklisted:
		return "blacklisted"
	case LocalTrustIgnored:
		return "ignored"
	default:
		return "unset"
	}
}

type (
	Account struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`

		IdentityKey []byte `json:"identity_key"` // curve25519 private
		SigningKey  []byte `json:"signing_key"`  // ed25519 private

		NextKeyID       uint32      `json:"next_key_id"`
		FallbackKey     *OneTimeKey `json:"fallback_key,omitempty"`
		PrevFallbackKey *OneTimeKey `json:"prev_fallback_key,omitempty"`

		// Shared is set once the device keys were uploaded.
		Shared           bool      `json:"shared"`
		UploadedKeyCount int       `json:"uploaded_key_count"`
		CreatedAt        time.Time `json:"created_at"`
	}

	OneTimeKey struct {
		ID        string    `json:"id"`
		Public    []byte    `json:"public"`
		Private   []byte    `json:"private"`
		Published bool      `json:"published"`
		CreatedAt time.Time `json:"created_at"`
	}

	// PreKeyInfo is kept on an outbound session until the peer replies.
	PreKeyInfo struct {
		IdentityKey []byte `json:"identity_key"`
		BaseKey     []byte `json:"base_key"`
		OneTimeKey  []byte `json:"one_time_key"`
	}

	Session struct {
		ID         string                      `json:"id"`
		PeerKey    string                      `json:"peer_key"`
		State      *doubleratchet.RatchetState `json:"state"`
		PreKey     *PreKeyInfo                 `json:"pre_key,omitempty"`
		CreatedAt  time.Time                   `json:"created_at"`
		LastUsedAt time.Time                   `json:"last_used_at"`
	}

	SessionRef struct {
		RoomID    string `json:"room_id"`
		SenderKey string `json:"sender_key"`
		SessionID string `json:"session_id"`
	}

	InboundGroupSession struct {
		RoomID          string                 `json:"room_id"`
		SenderKey       string                 `json:"sender_key"`
		SessionID       string                 `json:"session_id"`
		SenderDeviceID  string                 `json:"sender_device_id,omitempty"`
		SigningKeys     map[string]string      `json:"signing_keys"`
		Session         *megolm.InboundSession `json:"session"`
		ForwardingChain []string               `json:"forwarding_chain,omitempty"`
		// Imported marks sessions restored from a backup or key export.
		Imported      bool      `json:"imported"`
		BackedUp      bool      `json:"backed_up"`
		BackupVersion string    `json:"backup_version,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
		// SharedWith is kept on our own copy of sessions we created, so key
		// requests can be answered after the outbound session rotated.
		SharedWith map[string]map[string]ShareInfo `json:"shared_with,omitempty"`
	}

	RotationSettings struct {
		MaxMessages uint32        `json:"max_messages" yaml:"max_messages"`
		MaxAge      time.Duration `json:"max_age" yaml:"max_age"`
	}

	ShareInfo struct {
		SenderKey    string `json:"sender_key"`
		MessageIndex uint32 `json:"message_index"`
	}

	PendingShare struct {
		UserID   string    `json:"user_id"`
		DeviceID string    `json:"device_id"`
		Info     ShareInfo `json:"info"`
	}

	OutboundGroupSession struct {
		RoomID       string                  `json:"room_id"`
		Session      *megolm.OutboundSession `json:"session"`
		Settings     RotationSettings        `json:"settings"`
		CreatedAt    time.Time               `json:"created_at"`
		MessageCount uint32                  `json:"message_count"`
		// SharedWith is user -> device -> share details, recorded once the
		// to-device request carrying the key was sent.
		SharedWith map[string]map[string]ShareInfo `json:"shared_with"`
		// Pending is to-device request id -> recipients.
		Pending map[string][]PendingShare `json:"pending"`
		// Withheld is user -> device -> withheld code already sent.
		Withheld    map[string]map[string]string `json:"withheld,omitempty"`
		Invalidated bool                         `json:"invalidated"`
	}

	Device struct {
		Keys       model.DeviceKeys `json:"keys"`
		LocalTrust LocalTrust       `json:"local_trust"`
		Deleted    bool             `json:"deleted"`
		FirstSeen  time.Time        `json:"first_seen"`
	}

	UserIdentity struct {
		UserID      string                 `json:"user_id"`
		Master      *model.CrossSigningKey `json:"master"`
		SelfSigning *model.CrossSigningKey `json:"self_signing"`
		UserSigning *model.CrossSigningKey `json:"user_signing,omitempty"`
		// MasterVerified is set by a successful interactive verification.
		MasterVerified bool `json:"master_verified"`
	}

	PrivateIdentity struct {
		UserID      string `json:"user_id"`
		Master      []byte `json:"master"`
		SelfSigning []byte `json:"self_signing"`
		UserSigning []byte `json:"user_signing"`
	}

	MessageHash struct {
		SenderKey string `json:"sender_key"`
		Hash      string `json:"hash"`
	}

	KeyRequest struct {
		RequestID string                 `json:"request_id"`
		Info      model.RequestedKeyInfo `json:"info"`
		Sent      bool                   `json:"sent"`
		// Cancelled requests stay until the cancellation went out.
		Cancelled bool      `json:"cancelled"`
		CreatedAt time.Time `json:"created_at"`
	}

	VerificationFlow struct {
		TransactionID string          `json:"transaction_id"`
		OtherUserID   string          `json:"other_user_id"`
		OtherDeviceID string          `json:"other_device_id"`
		State         string          `json:"state"`
		Data          json.RawMessage `json:"data"`
		CreatedAt     time.Time       `json:"created_at"`
		UpdatedAt     time.Time       `json:"updated_at"`
	}

	BackupKeys struct {
		Version   string `json:"version"`
		PublicKey string `json:"public_key"`
		// DecryptionKey is the recovery key, kept only if the user chose to
		// store it on this device.
		DecryptionKey []byte `json:"decryption_key,omitempty"`
	}

	RoomSettings struct {
		Algorithm               string           `json:"algorithm"`
		OnlyAllowTrustedDevices bool             `json:"only_allow_trusted_devices"`
		Rotation                RotationSettings `json:"rotation"`
	}

	TrackedUser struct {
		UserID string `json:"user_id"`
		// Dirty users need a fresh key query.
		Dirty bool `json:"dirty"`
	}

	RoomKeyCounts struct {
		Total    int `json:"total"`
		BackedUp int `json:"backed_up"`
	}
)

func (d *Device) UserID() string     { return d.Keys.UserID }
func (d *Device) DeviceID() string   { return d.Keys.DeviceID }
func (d *Device) Ed25519() string    { return d.Keys.Ed25519() }
func (d *Device) Curve25519() string { return d.Keys.Curve25519() }

func (s *InboundGroupSession) Ref() SessionRef {
	return SessionRef{RoomID: s.RoomID, SenderKey: s.SenderKey, SessionID: s.SessionID}
}

func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.Session.FirstKnownIndex()
}

// Expired reports whether the rotation bounds were reached.
func (s *OutboundGroupSession) Expired(now time.Time) bool {
	if s.Invalidated {
		return true
	}
	if s.Settings.MaxMessages > 0 && s.MessageCount >= s.Settings.MaxMessages {
		return true
	}
	return s.Settings.MaxAge > 0 && now.Sub(s.CreatedAt) >= s.Settings.MaxAge
}

// Shared reports whether the key reached every recipient it was sent to.
func (s *OutboundGroupSession) Shared() bool {
	return len(s.Pending) == 0
}

func (s *OutboundGroupSession) IsSharedWith(userID, deviceID string) (ShareInfo, bool) {
	info, ok := s.SharedWith[userID][deviceID]
	return info, ok
}

func (s *OutboundGroupSession) IsPendingFor(userID, deviceID string) bool {
	for _, shares := range s.Pending {
		for _, p := range shares {
			if p.UserID == userID && p.DeviceID == deviceID {
				return true
			}
		}
	}
	return false
}

// MarkShared moves the recipients of requestID into SharedWith.
func (s *OutboundGroupSession) MarkShared(requestID string) bool {
	shares, ok := s.Pending[requestID]
	if !ok {
		return false
	}
	if s.SharedWith == nil {
		s.SharedWith = make(map[string]map[string]ShareInfo)
	}
	for _, p := range shares {
		if s.SharedWith[p.UserID] == nil {
			s.SharedWith[p.UserID] = make(map[string]ShareInfo)
		}
		s.SharedWith[p.UserID][p.DeviceID] = p.Info
	}
	delete(s.Pending, requestID)
	return true
}
