package doubleratchet

import (
	"bytes"
	"fmt"
	"testing"

	"e2e_crypto/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	hdr *model.Header
	ct  []byte
}

func pair(t *testing.T) (alice, bob *RatchetState) {
	t.Helper()
	secret := bytes.Repeat([]byte{0x42}, 32)

	alice, err := NewSenderState(secret)
	require.NoError(t, err)
	bob, err = NewReceiverState(secret, alice.DHsPub)
	require.NoError(t, err)
	return alice, bob
}

func send(t *testing.T, s *RatchetState, msg string) sent {
	t.Helper()
	hdr, ct, err := s.Send([]byte(msg))
	require.NoError(t, err)
	return sent{hdr, ct}
}

func TestHelloWorld(t *testing.T) {
	alice, bob := pair(t)
	cfg := DefaultConfig()

	m := send(t, alice, "hello")
	pt, err := bob.Receive(cfg, *m.hdr, m.ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	r := send(t, bob, "world")
	pt, err = alice.Receive(cfg, *r.hdr, r.ct)
	require.NoError(t, err)
	assert.Equal(t, "world", string(pt))

	// keep ping-ponging so every ratchet step is exercised both ways
	for i := 0; i < 5; i++ {
		m := send(t, alice, fmt.Sprintf("a%d", i))
		pt, err := bob.Receive(cfg, *m.hdr, m.ct)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("a%d", i), string(pt))

		r := send(t, bob, fmt.Sprintf("b%d", i))
		pt, err = alice.Receive(cfg, *r.hdr, r.ct)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("b%d", i), string(pt))
	}
}

func TestEmptyAndLargePayloads(t *testing.T) {
	alice, bob := pair(t)
	cfg := DefaultConfig()

	for _, p := range [][]byte{{}, bytes.Repeat([]byte{0xab}, 64*1024)} {
		hdr, ct, err := alice.Send(p)
		require.NoError(t, err)
		pt, err := bob.Receive(cfg, *hdr, ct)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(pt))
		assert.True(t, bytes.Equal(p, pt))
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	alice, bob := pair(t)
	cfg := DefaultConfig()

	msgs := make([]sent, 5)
	for i := range msgs {
		msgs[i] = send(t, alice, fmt.Sprint(i))
	}

	for _, i := range []int{4, 0, 2, 1, 3} {
		pt, err := bob.Receive(cfg, *msgs[i].hdr, msgs[i].ct)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(pt))
	}
	assert.Empty(t, bob.Skipped)

	// a replay of a consumed message never decrypts
	_, err := bob.Receive(cfg, *msgs[2].hdr, msgs[2].ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSkippedAcrossRatchet(t *testing.T) {
	alice, bob := pair(t)
	cfg := DefaultConfig()

	first := send(t, alice, "first")
	late := send(t, alice, "late")
	_, err := bob.Receive(cfg, *first.hdr, first.ct)
	require.NoError(t, err)

	r := send(t, bob, "reply")
	_, err = alice.Receive(cfg, *r.hdr, r.ct)
	require.NoError(t, err)

	next := send(t, alice, "next")
	pt, err := bob.Receive(cfg, *next.hdr, next.ct)
	require.NoError(t, err)
	assert.Equal(t, "next", string(pt))

	pt, err = bob.Receive(cfg, *late.hdr, late.ct)
	require.NoError(t, err)
	assert.Equal(t, "late", string(pt))
}

func TestMessageGapTooLarge(t *testing.T) {
	alice, bob := pair(t)
	cfg := Config{MaxMessageGap: 3, MaxSkippedKeys: 10}

	var last sent
	for i := 0; i < 5; i++ {
		last = send(t, alice, "x")
	}
	_, err := bob.Clone().Receive(cfg, *last.hdr, last.ct)
	assert.ErrorIs(t, err, ErrMessageGapTooLarge)
}

func TestSkippedKeysAreBounded(t *testing.T) {
	alice, bob := pair(t)
	cfg := Config{MaxMessageGap: 100, MaxSkippedKeys: 2}

	msgs := make([]sent, 5)
	for i := range msgs {
		msgs[i] = send(t, alice, fmt.Sprint(i))
	}
	_, err := bob.Receive(cfg, *msgs[4].hdr, msgs[4].ct)
	require.NoError(t, err)
	assert.Len(t, bob.Skipped, 2)

	// oldest keys were evicted
	_, err = bob.Receive(cfg, *msgs[0].hdr, msgs[0].ct)
	assert.ErrorIs(t, err, ErrDecrypt)
	pt, err := bob.Receive(cfg, *msgs[3].hdr, msgs[3].ct)
	require.NoError(t, err)
	assert.Equal(t, "3", string(pt))
}

func TestCloneIsIndependent(t *testing.T) {
	alice, bob := pair(t)
	m := send(t, alice, "hello")

	c := bob.Clone()
	_, err := c.Receive(DefaultConfig(), *m.hdr, m.ct)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), bob.Nr)
	assert.Equal(t, uint32(1), c.Nr)
}

func TestTamperedCiphertext(t *testing.T) {
	alice, bob := pair(t)
	m := send(t, alice, "hello")
	m.ct[len(m.ct)-1] ^= 0xff

	_, err := bob.Receive(DefaultConfig(), *m.hdr, m.ct)
	assert.ErrorIs(t, err, ErrDecrypt)
}
