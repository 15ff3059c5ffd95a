// Package cache stores encoded synthesis results keyed by a digest of the
// request. Decoding is deterministic, so a hit is interchangeable with a
// fresh run.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/go-tacotron/internal/config"
)

// ErrNotFound is returned when a key is not in the store.
var ErrNotFound = errors.New("cache: not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key hashes the given parts into a fixed-length key. Parts are length
// prefixed so ("ab","c") and ("a","bc") differ.
func Key(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = fmt.Fprintf(h, "%d:", len(p))
		_, _ = h.Write(p)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Open builds the store selected by cfg.Mode. Mode off returns nil.
func Open(cfg config.CacheConfig) (Store, error) {
	switch cfg.Mode {
	case config.CacheOff:
		return nil, nil
	case config.CacheBadger:
		b, err := NewBadger(BadgerOptions{Dir: cfg.Dir})
		if err != nil {
			return nil, err
		}

		return b, nil
	case config.CacheMemory, "":
		return NewMemory(DefaultMemoryEntries), nil
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}
}

// DefaultMemoryEntries bounds the memory store when no size is given.
const DefaultMemoryEntries = 256

// Memory is a bounded in-process Store. The oldest entry is evicted first.
type Memory struct {
	mu    sync.Mutex
	max   int
	data  map[string][]byte
	order []string
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}

	return &Memory{
		max:  maxEntries,
		data: make(map[string][]byte),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; !exists {
		m.order = append(m.order, key)
	}

	m.data[key] = append([]byte(nil), value...)

	for len(m.order) > m.max {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.data, oldest)
		slog.Debug("cache eviction", "key", oldest)
	}

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[key]; !ok {
		return nil
	}

	delete(m.data, key)

	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.data)
}

func (m *Memory) Close() error { return nil }
