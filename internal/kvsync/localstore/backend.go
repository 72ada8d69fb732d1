// Package localstore is the device-local key/value store the engine
// replicates. Store wraps a Backend and records every user mutation as an
// operation; engine-originated writes go through Store.Apply, which bypasses
// recording.
package localstore

import (
	"errors"
	"sort"
	"sync"
)

// ErrQuotaExceeded is returned by a Backend when a write would exceed its
// storage quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Backend is the raw key/value storage under a Store.
type Backend interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	All() (map[string]string, error)
	Close() error
}

// MemoryBackend keeps entries in memory. A positive Quota limits the total
// size of keys and values in bytes.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
	used    int
	quota   int
}

// NewMemoryBackend returns an empty backend. quota <= 0 means unlimited.
func NewMemoryBackend(quota int) *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]string), quota: quota}
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used + len(key) + len(value)
	if old, ok := m.entries[key]; ok {
		used -= len(key) + len(old)
	}
	if m.quota > 0 && used > m.quota {
		return ErrQuotaExceeded
	}
	m.entries[key] = value
	m.used = used
	return nil
}

func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryBackend) All() (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

// SetQuota changes the quota. Existing entries are kept even if over it.
func (m *MemoryBackend) SetQuota(quota int) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

// Used returns the current size of keys and values in bytes.
func (m *MemoryBackend) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

func (m *MemoryBackend) Close() error { return nil }

func sortedKeys(entries map[string]string) []string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
