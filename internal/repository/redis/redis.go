// Package redis stores crypto state in a single redis hash per account.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"e2e_crypto/internal/store"
	"e2e_crypto/internal/utils/log"
)

const (
	maxTxRetries = 100
	scanCount    = 256
)

var ErrTooManyRetries = errors.New("redis: transaction retried too often")

type (
	// Backend keeps every record as a field of one hash. Update runs under
	// WATCH on that hash and commits with MULTI/EXEC.
	Backend struct {
		rdb *redis.Client
		key string
	}

	hashReader interface {
		HGet(ctx context.Context, key, field string) *redis.StringCmd
		HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
	}

	reader struct {
		ctx context.Context
		rdb hashReader
		key string
	}

	readOnly struct {
		reader
	}
)

var _ store.Backend = (*Backend)(nil)

func NewBackend(rdb *redis.Client, namespace string) *Backend {
	return &Backend{
		rdb: rdb,
		key: fmt.Sprintf("e2e_crypto:%s", namespace),
	}
}

func (r reader) Get(key string) ([]byte, error) {
	v, err := r.rdb.HGet(r.ctx, r.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	return v, err
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Scan collects the matching fields first since HSCAN has no order.
func (r reader) Scan(prefix string, fn func(key string, value []byte) error) error {
	found := make(map[string]string)
	match := escapeGlob(prefix) + "*"

	var cursor uint64
	for {
		kvs, next, err := r.rdb.HScan(r.ctx, r.key, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			found[kvs[i]] = kvs[i+1]
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, []byte(found[k])); err != nil {
			return err
		}
	}
	return nil
}

func (readOnly) Set(string, []byte) error {
	return errors.New("redis: write in read-only transaction")
}

func (readOnly) Delete(string) error {
	return errors.New("redis: write in read-only transaction")
}

func (b *Backend) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(readOnly{reader{ctx: ctx, rdb: b.rdb, key: b.key}})
}

// Update may run fn more than once when another writer touched the hash.
func (b *Backend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
			staged := store.NewStaged(reader{ctx: ctx, rdb: tx, key: b.key})
			if err := fn(staged); err != nil {
				return err
			}
			if staged.Empty() {
				return nil
			}

			sets, deletes := staged.Writes()
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if len(deletes) > 0 {
					pipe.HDel(ctx, b.key, deletes...)
				}
				if len(sets) > 0 {
					values := make([]any, 0, 2*len(sets))
					for k, v := range sets {
						values = append(values, k, v)
					}
					pipe.HSet(ctx, b.key, values...)
				}
				return nil
			})
			return err
		}, b.key)

		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		log.Debug("redis txn conflict, retrying", zap.String("key", b.key), zap.Int("attempt", attempt))
	}
	return ErrTooManyRetries
}

func (b *Backend) Close() error {
	return nil
}
