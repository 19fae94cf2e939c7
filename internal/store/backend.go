package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("store: key not found")

type (
	// Backend is a transactional key/value store. Update runs fn atomically:
	// either every write of fn becomes visible or none does, and concurrent
	// readers never observe a partial set.
	Backend interface {
		View(ctx context.Context, fn func(tx Tx) error) error
		Update(ctx context.Context, fn func(tx Tx) error) error
		Close() error
	}

	Reader interface {
		// Get returns ErrNotFound for missing keys.
		Get(key string) ([]byte, error)
		// Scan visits keys with prefix in ascending order.
		Scan(prefix string, fn func(key string, value []byte) error) error
	}

	Tx interface {
		Reader
		Set(key string, value []byte) error
		Delete(key string) error
	}

	// Staged buffers writes over a Reader so backends without native
	// read-your-writes transactions can commit them in one batch.
	Staged struct {
		base    Reader
		writes  map[string][]byte
		deletes map[string]struct{}
	}
)

func NewStaged(base Reader) *Staged {
	return &Staged{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (s *Staged) Get(key string) ([]byte, error) {
	if v, ok := s.writes[key]; ok {
		return v, nil
	}
	if _, ok := s.deletes[key]; ok {
		return nil, ErrNotFound
	}
	return s.base.Get(key)
}

func (s *Staged) Set(key string, value []byte) error {
	delete(s.deletes, key)
	s.writes[key] = append([]byte(nil), value...)
	return nil
}

func (s *Staged) Delete(key string) error {
	delete(s.writes, key)
	s.deletes[key] = struct{}{}
	return nil
}

func (s *Staged) Scan(prefix string, fn func(key string, value []byte) error) error {
	merged := make(map[string][]byte)
	err := s.base.Scan(prefix, func(k string, v []byte) error {
		merged[k] = v
		return nil
	})
	if err != nil {
		return err
	}
	for k := range s.deletes {
		delete(merged, k)
	}
	for k, v := range s.writes {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Writes returns the buffered sets and deletes.
func (s *Staged) Writes() (sets map[string][]byte, deletes []string) {
	for k := range s.deletes {
		deletes = append(deletes, k)
	}
	sort.Strings(deletes)
	return s.writes, deletes
}

func (s *Staged) Empty() bool {
	return len(s.writes) == 0 && len(s.deletes) == 0
}

// PrefixEnd returns the smallest key greater than every key with prefix.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
