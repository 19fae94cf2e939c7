package trust

import (
	"e2e_crypto/internal/cryptographic/signature"
	"e2e_crypto/internal/model"
	"e2e_crypto/internal/store"
)

// State is the computed trust of a device. Blacklisted and Ignored are
// explicit local decisions and rank outside the Unset < Unverified <
// Verified order.
type State int

const (
	Unset State = iota
	Unverified
	Verified
	Blacklisted
	Ignored
)

func (s State) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case Verified:
		return "verified"
	case Blacklisted:
		return "blacklisted"
	case Ignored:
		return "ignored"
	default:
		return "unset"
	}
}

// Eligible reports whether a device may receive room keys at all.
func (s State) Eligible() bool {
	return s != Blacklisted && s != Ignored
}

// Snapshot is the signature graph trust is computed over. Identities are
// looked up by user id; nothing links records directly.
type Snapshot struct {
	OwnUserID  string
	OwnPrivate *store.PrivateIdentity
	Identities map[string]*store.UserIdentity
}

func validKey(k *model.CrossSigningKey, userID, usage string) bool {
	if k == nil || k.UserID != userID || !k.HasUsage(usage) || len(k.Keys) != 1 {
		return false
	}
	_, key := k.PublicKey()
	_, err := model.DecodeKey(key, 32)
	return err == nil
}

func (s *Snapshot) ownMasterTrusted() bool {
	own := s.Identities[s.OwnUserID]
	if own == nil || !validKey(own.Master, s.OwnUserID, model.UsageMaster) {
		return false
	}
	if own.MasterVerified {
		return true
	}
	if s.OwnPrivate == nil || len(s.OwnPrivate.Master) == 0 {
		return false
	}
	_, key := own.Master.PublicKey()
	return key == model.EncodeBase64(signature.PublicFromPrivate(s.OwnPrivate.Master))
}

// IdentityVerified reports whether userID's master key is trusted: ours
// because we hold its private part or verified it, another user's because we
// verified it directly or signed it with our trusted user-signing key.
func (s *Snapshot) IdentityVerified(userID string) bool {
	id := s.Identities[userID]
	if id == nil || !validKey(id.Master, userID, model.UsageMaster) {
		return false
	}
	if userID == s.OwnUserID {
		return s.ownMasterTrusted()
	}
	if id.MasterVerified {
		return true
	}
	if !s.ownMasterTrusted() {
		return false
	}
	own := s.Identities[s.OwnUserID]
	if !validKey(own.UserSigning, s.OwnUserID, model.UsageUserSigning) || own.UserSigning.VerifiedBy(own.Master) != nil {
		return false
	}
	return id.Master.VerifiedBy(own.UserSigning) == nil
}

// DeviceState computes the trust of d. Local decisions win; otherwise the
// device is Verified only through the chain trusted master -> self-signing
// key -> device signature, Unverified if its owner has cross-signing keys
// and Unset if not.
func (s *Snapshot) DeviceState(d *store.Device) State {
	switch d.LocalTrust {
	case store.LocalTrustBlacklisted:
		return Blacklisted
	case store.LocalTrustIgnored:
		return Ignored
	case store.LocalTrustVerified:
		return Verified
	}

	userID := d.UserID()
	id := s.Identities[userID]
	if id == nil || id.Master == nil {
		return Unset
	}
	if !s.IdentityVerified(userID) {
		return Unverified
	}
	if !validKey(id.SelfSigning, userID, model.UsageSelfSigning) || id.SelfSigning.VerifiedBy(id.Master) != nil {
		return Unverified
	}
	if model.DeviceVerifiedBy(&d.Keys, id.SelfSigning) != nil {
		return Unverified
	}
	return Verified
}
