package doubleratchet

import (
	"e2e_crypto/internal/cryptographic/kdf"
)

var (
	infoInitial = []byte("E2E_OLM_ROOT")
	infoRatchet = []byte("E2E_OLM_RATCHET")

	chainStepMessage = []byte{0x01}
	chainStepNext    = []byte{0x02}
)

// split derives 64 bytes and returns them as two 32 byte keys.
func split(secret, salt, info []byte) ([]byte, []byte, error) {
	buffer := make([]byte, 64)
	if _, err := kdf.HKDF(secret, salt, info, buffer); err != nil {
		return nil, nil, err
	}
	return buffer[:32], buffer[32:], nil
}

// InitialKeys splits the agreed secret into the first root and chain key.
func InitialKeys(sharedSecret []byte) (rootKey, chainKey []byte, err error) {
	return split(sharedSecret, nil, infoInitial)
}

// KDFRootKey mixes a DH output into the root key; the old root key is the
// HKDF salt.
func KDFRootKey(rootKey, dhOut []byte) (newRootKey, newChainKey []byte, err error) {
	return split(dhOut, rootKey, infoRatchet)
}

// KDFChainKey advances a chain by one message. The message key and the next
// chain key are HMACs of the current chain key over distinct constants.
func KDFChainKey(chainKey []byte) (nextChainKey, msgKey []byte, err error) {
	msgKey = kdf.HMACSHA256(chainKey, chainStepMessage)
	nextChainKey = kdf.HMACSHA256(chainKey, chainStepNext)
	return nextChainKey, msgKey, nil
}
