package store

import "e2e_crypto/internal/model"

type (
	DeviceChanges struct {
		New     []*Device
		Changed []*Device
		Deleted []*Device
	}

	WithheldInfo struct {
		RoomID    string
		SessionID string
		Content   model.RoomKeyWithheldContent
	}

	// Changes is applied by SaveChanges in a single transaction.
	Changes struct {
		Account     *Account
		OneTimeKeys []*OneTimeKey
		// ConsumedOneTimeKeys are base64 public keys that must still exist;
		// SaveChanges fails with ErrUnknownOneTimeKey otherwise.
		ConsumedOneTimeKeys []string

		// NewSessions must not exist yet; Sessions are upserted.
		NewSessions []*Session
		Sessions    []*Session

		InboundGroupSessions  []*InboundGroupSession
		OutboundGroupSessions []*OutboundGroupSession

		Devices         DeviceChanges
		Identities      []*UserIdentity
		PrivateIdentity *PrivateIdentity

		MessageHashes     []MessageHash
		KeyRequests       []*KeyRequest
		WithheldInfo      []WithheldInfo
		VerificationFlows []*VerificationFlow
		BackupKeys        *BackupKeys
		RoomSettings      map[string]*RoomSettings
		TrackedUsers      []TrackedUser
	}
)

func (c *Changes) IsEmpty() bool {
	return c.Account == nil &&
		len(c.OneTimeKeys) == 0 &&
		len(c.ConsumedOneTimeKeys) == 0 &&
		len(c.NewSessions) == 0 &&
		len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 &&
		len(c.OutboundGroupSessions) == 0 &&
		len(c.Devices.New) == 0 &&
		len(c.Devices.Changed) == 0 &&
		len(c.Devices.Deleted) == 0 &&
		len(c.Identities) == 0 &&
		c.PrivateIdentity == nil &&
		len(c.MessageHashes) == 0 &&
		len(c.KeyRequests) == 0 &&
		len(c.WithheldInfo) == 0 &&
		len(c.VerificationFlows) == 0 &&
		c.BackupKeys == nil &&
		len(c.RoomSettings) == 0 &&
		len(c.TrackedUsers) == 0
}
