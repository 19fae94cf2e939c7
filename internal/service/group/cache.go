package group

import (
	"strconv"

	"github.com/dgraph-io/ristretto"

	"e2e_crypto/internal/protocol/megolm"
)

const DefaultRatchetCacheSize = 1024

// ratchetCache keeps ratchet values at decrypted indices so a repeated or
// late message does not rehash from the session start. Entries are scoped by
// room and sender key as well as session id.
type ratchetCache struct {
	c *ristretto.Cache
}

func newRatchetCache(size int64) (*ratchetCache, error) {
	if size <= 0 {
		size = DefaultRatchetCacheSize
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ratchetCache{c: c}, nil
}

func (c *ratchetCache) scope(roomID, senderKey string) megolm.RatchetCache {
	return scopedCache{c: c, prefix: roomID + "|" + senderKey + "|"}
}

func (c *ratchetCache) close() {
	c.c.Close()
}

type scopedCache struct {
	c      *ratchetCache
	prefix string
}

func (s scopedCache) key(sessionID string, index uint32) string {
	return s.prefix + sessionID + "|" + strconv.FormatUint(uint64(index), 10)
}

func (s scopedCache) Get(sessionID string, index uint32) (megolm.Ratchet, bool) {
	v, ok := s.c.c.Get(s.key(sessionID, index))
	if !ok {
		return megolm.Ratchet{}, false
	}
	r, ok := v.(megolm.Ratchet)
	return r, ok
}

func (s scopedCache) Set(sessionID string, r megolm.Ratchet) {
	s.c.c.Set(s.key(sessionID, r.Counter), r, 1)
}
