package model

import "encoding/json"

type RequestType string

const (
	RequestKeysUpload        RequestType = "keys_upload"
	RequestKeysQuery         RequestType = "keys_query"
	RequestKeysClaim         RequestType = "keys_claim"
	RequestToDevice          RequestType = "to_device"
	RequestSignatureUpload   RequestType = "signature_upload"
	RequestUploadSigningKeys RequestType = "upload_signing_keys"
	RequestKeysBackup        RequestType = "keys_backup"
)

type (
	// OutgoingRequest is a message the transport layer must deliver. Exactly
	// one body field is set, matching Type.
	OutgoingRequest struct {
		ID                string                   `json:"id"`
		Type              RequestType              `json:"type"`
		KeysUpload        *KeysUploadRequest       `json:"keys_upload,omitempty"`
		KeysQuery         *KeysQueryRequest        `json:"keys_query,omitempty"`
		KeysClaim         *KeysClaimRequest        `json:"keys_claim,omitempty"`
		ToDevice          *ToDeviceRequest         `json:"to_device,omitempty"`
		SignatureUpload   *SignatureUploadRequest  `json:"signature_upload,omitempty"`
		UploadSigningKeys *UploadSigningKeysRequest `json:"upload_signing_keys,omitempty"`
		KeysBackup        *KeysBackupRequest       `json:"keys_backup,omitempty"`
	}

	KeysUploadRequest struct {
		DeviceKeys   *DeviceKeys          `json:"device_keys,omitempty"`
		OneTimeKeys  map[string]SignedKey `json:"one_time_keys,omitempty"`
		FallbackKeys map[string]SignedKey `json:"fallback_keys,omitempty"`
	}

	KeysUploadResponse struct {
		OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
	}

	KeysQueryRequest struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}

	KeysQueryResponse struct {
		Failures        map[string]json.RawMessage       `json:"failures,omitempty"`
		DeviceKeys      map[string]map[string]DeviceKeys `json:"device_keys"`
		MasterKeys      map[string]CrossSigningKey       `json:"master_keys,omitempty"`
		SelfSigningKeys map[string]CrossSigningKey       `json:"self_signing_keys,omitempty"`
		UserSigningKeys map[string]CrossSigningKey       `json:"user_signing_keys,omitempty"`
	}

	// KeysClaimRequest maps user -> device -> key algorithm.
	KeysClaimRequest struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}

	KeysClaimResponse struct {
		Failures    map[string]json.RawMessage                  `json:"failures,omitempty"`
		OneTimeKeys map[string]map[string]map[string]SignedKey `json:"one_time_keys"`
	}

	// ToDeviceRequest maps user -> device (or "*") -> content.
	ToDeviceRequest struct {
		EventType string                                `json:"event_type"`
		TxnID     string                                `json:"txn_id"`
		Messages  map[string]map[string]json.RawMessage `json:"messages"`
	}

	SignatureUploadRequest struct {
		Signed map[string]map[string]json.RawMessage `json:"signed"`
	}

	UploadSigningKeysRequest struct {
		MasterKey      *CrossSigningKey `json:"master_key,omitempty"`
		SelfSigningKey *CrossSigningKey `json:"self_signing_key,omitempty"`
		UserSigningKey *CrossSigningKey `json:"user_signing_key,omitempty"`
	}

	KeysBackupRequest struct {
		Version string                   `json:"version"`
		Rooms   map[string]RoomKeyBackup `json:"rooms"`
	}

	RoomKeyBackup struct {
		Sessions map[string]KeyBackupData `json:"sessions"`
	}

	KeyBackupData struct {
		FirstMessageIndex uint32               `json:"first_message_index"`
		ForwardedCount    int                  `json:"forwarded_count"`
		IsVerified        bool                 `json:"is_verified"`
		SessionData       EncryptedSessionData `json:"session_data"`
	}

	EncryptedSessionData struct {
		Ephemeral  string `json:"ephemeral"`
		Ciphertext string `json:"ciphertext"`
	}

	BackupAuthData struct {
		PublicKey string `json:"public_key"`
		// Set when the key was derived from a passphrase.
		PrivateKeySalt       string     `json:"private_key_salt,omitempty"`
		PrivateKeyIterations int        `json:"private_key_iterations,omitempty"`
		Signatures           Signatures `json:"signatures,omitempty"`
	}

	BackupInfo struct {
		Algorithm string         `json:"algorithm"`
		AuthData  BackupAuthData `json:"auth_data"`
		Version   string         `json:"version"`
	}
)

// AddMessage sets the content for one recipient device.
func (r *ToDeviceRequest) AddMessage(userID, deviceID string, content json.RawMessage) {
	if r.Messages == nil {
		r.Messages = make(map[string]map[string]json.RawMessage)
	}
	if r.Messages[userID] == nil {
		r.Messages[userID] = make(map[string]json.RawMessage)
	}
	r.Messages[userID][deviceID] = content
}

func (r *ToDeviceRequest) MessageCount() int {
	n := 0
	for _, devices := range r.Messages {
		n += len(devices)
	}
	return n
}
