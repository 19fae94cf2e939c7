package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return NewBackend(rdb, "@alice:example.org/ALICE1")
	})
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `igs/\*\?\[x\]\\`, escapeGlob(`igs/*?[x]\`))
}
