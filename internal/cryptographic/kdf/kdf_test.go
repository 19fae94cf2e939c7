package kdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKDFsAreDeterministic(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	_, err := HKDF([]byte("secret"), nil, []byte("info"), a)
	require.NoError(t, err)
	_, err = HKDF([]byte("secret"), nil, []byte("info"), b)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Equal(t,
		PBKDF2SHA512("pass", []byte("salt"), 10, 32),
		PBKDF2SHA512("pass", []byte("salt"), 10, 32))
	assert.NotEqual(t,
		PBKDF2SHA512("pass", []byte("salt"), 10, 32),
		PBKDF2SHA512("pass", []byte("pepper"), 10, 32))

	p := Argon2Params{Time: 1, Memory: 1024, Threads: 1}
	assert.Len(t, Argon2id([]byte("pw"), []byte("saltsaltsaltsalt"), p, 32), 32)
}
