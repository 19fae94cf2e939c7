package server

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"e2e_crypto/internal/model"
	userRepo "e2e_crypto/internal/repository/user"
)

// MemoryDirectory is a Directory that lives in process memory. It backs the
// relay when no MongoDB is configured.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string][]byte
	otks  map[string]map[string]model.SignedKey
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: map[string][]byte{}, otks: map[string]map[string]model.SignedKey{}}
}

func (d *MemoryDirectory) GetKeys(_ context.Context, userID string) (*userRepo.Keys, error) {
	d.mu.Lock()
	raw, ok := d.users[userID]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var keys userRepo.Keys
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func (d *MemoryDirectory) SaveKeys(_ context.Context, keys *userRepo.Keys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.users[keys.UserID] = raw
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) AddOneTimeKeys(_ context.Context, userID, deviceID string, keys map[string]model.SignedKey) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	device := d.otks[connKey(userID, deviceID)]
	if device == nil {
		device = make(map[string]model.SignedKey)
		d.otks[connKey(userID, deviceID)] = device
	}
	for keyID, k := range keys {
		if k.Fallback {
			for old, o := range device {
				if o.Fallback {
					delete(device, old)
				}
			}
		}
		if _, ok := device[keyID]; !ok {
			device[keyID] = k
		}
	}
	n := 0
	for _, k := range device {
		if !k.Fallback {
			n++
		}
	}
	return n, nil
}

func (d *MemoryDirectory) ClaimOneTimeKey(_ context.Context, userID, deviceID string) (string, *model.SignedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	device := d.otks[connKey(userID, deviceID)]
	ids := make([]string, 0, len(device))
	for keyID := range device {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)

	fallback := ""
	for _, keyID := range ids {
		k := device[keyID]
		if k.Fallback {
			fallback = keyID
			continue
		}
		delete(device, keyID)
		return keyID, &k, nil
	}
	if fallback == "" {
		return "", nil, nil
	}
	k := device[fallback]
	return fallback, &k, nil
}
