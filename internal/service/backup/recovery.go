package backup

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"e2e_crypto/internal/cryptographic/dh"
	"e2e_crypto/internal/cryptographic/encryption"
	"e2e_crypto/internal/cryptographic/kdf"
	"e2e_crypto/internal/model"
)

const (
	keySize = 32

	// DefaultIterations is the PBKDF2 round count for new passphrase keys.
	DefaultIterations = 500000

	backupInfo = "E2E_MEGOLM_BACKUP_AES_GCM"
)

var recoveryKeyPrefix = []byte{0x8B, 0x01}

var (
	ErrInvalidRecoveryKey = errors.New("backup: invalid recovery key")
	ErrWrongRecoveryKey   = errors.New("backup: wrong recovery key")
	ErrCorruptBackup      = errors.New("backup: corrupt backup data")
)

// RecoveryKey is the curve25519 private key that backups are encrypted to.
type RecoveryKey struct {
	priv []byte
	pub  []byte
}

func recoveryKeyFromBytes(priv []byte) (*RecoveryKey, error) {
	if len(priv) != keySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidRecoveryKey, keySize, len(priv))
	}
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryKey, err)
	}
	return &RecoveryKey{priv: bytes.Clone(priv), pub: pub}, nil
}

func NewRecoveryKey() (*RecoveryKey, error) {
	priv, _, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return recoveryKeyFromBytes(priv[:])
}

// RecoveryKeyFromPassphrase derives the key with PBKDF2-SHA512. The salt and
// iteration count are published in the backup's auth data.
func RecoveryKeyFromPassphrase(passphrase, salt string, iterations int) (*RecoveryKey, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: iterations must be positive", ErrInvalidRecoveryKey)
	}
	return recoveryKeyFromBytes(kdf.PBKDF2SHA512(passphrase, []byte(salt), iterations, keySize))
}

// NewSalt returns a random salt for RecoveryKeyFromPassphrase.
func NewSalt() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base58.Encode(b), nil
}

func parity(b []byte) byte {
	var p byte
	for _, c := range b {
		p ^= c
	}
	return p
}

// ParseRecoveryKey decodes the base58 form produced by String. Whitespace
// is ignored.
func ParseRecoveryKey(s string) (*RecoveryKey, error) {
	raw, err := base58.Decode(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryKey, err)
	}
	if len(raw) != len(recoveryKeyPrefix)+keySize+1 {
		return nil, fmt.Errorf("%w: bad length %d", ErrInvalidRecoveryKey, len(raw))
	}
	if !bytes.HasPrefix(raw, recoveryKeyPrefix) {
		return nil, fmt.Errorf("%w: bad prefix", ErrInvalidRecoveryKey)
	}
	if parity(raw) != 0 {
		return nil, fmt.Errorf("%w: bad parity", ErrInvalidRecoveryKey)
	}
	return recoveryKeyFromBytes(raw[len(recoveryKeyPrefix) : len(recoveryKeyPrefix)+keySize])
}

// String encodes the key for the user, in groups of four characters.
func (k *RecoveryKey) String() string {
	raw := append(bytes.Clone(recoveryKeyPrefix), k.priv...)
	raw = append(raw, parity(raw))
	encoded := base58.Encode(raw)

	var sb strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(encoded[i:min(i+4, len(encoded))])
	}
	return sb.String()
}

func (k *RecoveryKey) Bytes() []byte {
	return bytes.Clone(k.priv)
}

func (k *RecoveryKey) PublicKey() string {
	return model.EncodeBase64(k.pub)
}

func messageKey(shared, ephemeral []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := kdf.HKDF(shared, ephemeral, []byte(backupInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt wraps plaintext for the holder of the private half of publicKey.
// Every call uses a fresh ephemeral key.
func Encrypt(publicKey string, plaintext []byte) (*model.EncryptedSessionData, error) {
	pub, err := model.DecodeKey(publicKey, keySize)
	if err != nil {
		return nil, fmt.Errorf("backup public key: %w", err)
	}
	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh.X25519SharedSecret(ephPriv[:], pub)
	if err != nil {
		return nil, err
	}
	key, err := messageKey(shared, ephPub[:])
	if err != nil {
		return nil, err
	}
	ct, err := encryption.AEADEncrypt(key, plaintext, ephPub[:])
	if err != nil {
		return nil, err
	}
	return &model.EncryptedSessionData{
		Ephemeral:  model.EncodeBase64(ephPub[:]),
		Ciphertext: model.EncodeBase64(ct),
	}, nil
}

// Decrypt unwraps data. An authentication failure means the data was
// encrypted to another key.
func (k *RecoveryKey) Decrypt(data *model.EncryptedSessionData) ([]byte, error) {
	eph, err := model.DecodeKey(data.Ephemeral, keySize)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrCorruptBackup, err)
	}
	ct, err := model.DecodeBase64(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrCorruptBackup, err)
	}
	if len(ct) < 12+16 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorruptBackup)
	}
	shared, err := dh.X25519SharedSecret(k.priv, eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBackup, err)
	}
	key, err := messageKey(shared, eph)
	if err != nil {
		return nil, err
	}
	plaintext, err := encryption.AEADDecrypt(key, ct, eph)
	if err != nil {
		return nil, ErrWrongRecoveryKey
	}
	return plaintext, nil
}
