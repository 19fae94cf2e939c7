// Package keylock serializes work per entity key while letting unrelated keys
// proceed in parallel.
package keylock

import (
	"context"
	"sort"
	"sync"
)

type (
	entry struct {
		ch   chan struct{}
		refs int
	}

	KeyLock struct {
		mu    sync.Mutex
		locks map[string]*entry
	}
)

func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

func (l *KeyLock) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *KeyLock) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned func unlocks.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

// LockAll takes every key in sorted order so two callers never deadlock on
// overlapping sets.
func (l *KeyLock) LockAll(ctx context.Context, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var unlocks []func()
	seen := make(map[string]struct{}, len(sorted))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, k := range sorted {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		unlock, err := l.Lock(ctx, k)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}
