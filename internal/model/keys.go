package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"e2e_crypto/internal/cryptographic/signature"
)

const (
	KeyEd25519          = "ed25519"
	KeyCurve25519       = "curve25519"
	KeySignedCurve25519 = "signed_curve25519"

	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

var ErrInvalidSignature = errors.New("model: invalid signature")

type (
	// Signatures maps user id -> "algorithm:key id" -> base64 signature.
	Signatures map[string]map[string]string

	DeviceKeys struct {
		UserID     string            `json:"user_id"`
		DeviceID   string            `json:"device_id"`
		Algorithms []string          `json:"algorithms"`
		Keys       map[string]string `json:"keys"`
		Signatures Signatures        `json:"signatures,omitempty"`
	}

	CrossSigningKey struct {
		UserID     string            `json:"user_id"`
		Usage      []string          `json:"usage"`
		Keys       map[string]string `json:"keys"`
		Signatures Signatures        `json:"signatures,omitempty"`
	}

	// SignedKey is a published one-time or fallback key.
	SignedKey struct {
		Key        string     `json:"key"`
		Fallback   bool       `json:"fallback,omitempty"`
		Signatures Signatures `json:"signatures,omitempty"`
	}
)

func KeyID(algorithm, id string) string {
	return algorithm + ":" + id
}

// SplitKeyID splits "algorithm:id".
func SplitKeyID(keyID string) (algorithm, id string, ok bool) {
	return strings.Cut(keyID, ":")
}

func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts padded and unpadded standard base64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func DecodeKey(s string, size int) ([]byte, error) {
	b, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("key has %d bytes, want %d", len(b), size)
	}
	return b, nil
}

func (s Signatures) Add(userID, keyID, sig string) Signatures {
	if s == nil {
		s = make(Signatures)
	}
	if s[userID] == nil {
		s[userID] = make(map[string]string)
	}
	s[userID][keyID] = sig
	return s
}

func (s Signatures) Get(userID, keyID string) (string, bool) {
	sig, ok := s[userID][keyID]
	return sig, ok
}

func (d *DeviceKeys) Ed25519() string {
	return d.Keys[KeyID(KeyEd25519, d.DeviceID)]
}

func (d *DeviceKeys) Curve25519() string {
	return d.Keys[KeyID(KeyCurve25519, d.DeviceID)]
}

// VerifySelfSignature checks the device keys are signed by their own ed25519 key.
func (d *DeviceKeys) VerifySelfSignature() error {
	pub, err := DecodeKey(d.Ed25519(), 32)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return VerifyJSON(d, d.Signatures, d.UserID, KeyID(KeyEd25519, d.DeviceID), pub)
}

// PublicKey returns the only key of a cross-signing key and its id.
func (k *CrossSigningKey) PublicKey() (keyID, key string) {
	for id, v := range k.Keys {
		return id, v
	}
	return "", ""
}

func (k *CrossSigningKey) HasUsage(usage string) bool {
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// VerifiedBy checks a signature on k made by signer.
func (k *CrossSigningKey) VerifiedBy(signer *CrossSigningKey) error {
	if k == nil || signer == nil {
		return ErrInvalidSignature
	}
	keyID, key := signer.PublicKey()
	pub, err := DecodeKey(key, 32)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return VerifyJSON(k, k.Signatures, signer.UserID, keyID, pub)
}

// DeviceVerifiedBy checks a signature on d made by signer.
func DeviceVerifiedBy(d *DeviceKeys, signer *CrossSigningKey) error {
	if d == nil || signer == nil {
		return ErrInvalidSignature
	}
	keyID, key := signer.PublicKey()
	pub, err := DecodeKey(key, 32)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return VerifyJSON(d, d.Signatures, signer.UserID, keyID, pub)
}

// CanonicalJSON encodes v with sorted keys and without signatures/unsigned.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	delete(obj, "signatures")
	delete(obj, "unsigned")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignJSON returns the base64 ed25519 signature over CanonicalJSON(v).
func SignJSON(v any, priv []byte) (string, error) {
	msg, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return EncodeBase64(signature.ED25519Sign(priv, msg)), nil
}

func VerifyJSON(v any, sigs Signatures, userID, keyID string, pub []byte) error {
	sigB64, ok := sigs.Get(userID, keyID)
	if !ok {
		return fmt.Errorf("%w: no signature from %s %s", ErrInvalidSignature, userID, keyID)
	}
	sig, err := DecodeBase64(sigB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	msg, err := CanonicalJSON(v)
	if err != nil {
		return err
	}
	if !signature.ED25519Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
