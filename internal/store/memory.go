package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type (
	MemoryBackend struct {
		mu   sync.RWMutex
		data map[string][]byte
	}

	memoryReader struct {
		data map[string][]byte
	}
)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (r memoryReader) Get(key string) ([]byte, error) {
	v, ok := r.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r memoryReader) Scan(prefix string, fn func(key string, value []byte) error) error {
	var keys []string
	for k := range r.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, append([]byte(nil), r.data[k]...)); err != nil {
			return err
		}
	}
	return nil
}

type readOnlyTx struct{ Reader }

func (readOnlyTx) Set(string, []byte) error { return errReadOnly }
func (readOnlyTx) Delete(string) error      { return errReadOnly }

func (m *MemoryBackend) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(readOnlyTx{memoryReader{m.data}})
}

func (m *MemoryBackend) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := NewStaged(memoryReader{m.data})
	if err := fn(staged); err != nil {
		return err
	}
	sets, deletes := staged.Writes()
	for _, k := range deletes {
		delete(m.data, k)
	}
	for k, v := range sets {
		m.data[k] = v
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
