package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

func HMACSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// PBKDF2SHA512 stretches a user passphrase into keyLen bytes.
func PBKDF2SHA512(passphrase string, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keyLen, sha512.New)
}

type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

var DefaultArgon2 = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 2}

func Argon2id(passphrase, salt []byte, p Argon2Params, keyLen uint32) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, keyLen)
}
