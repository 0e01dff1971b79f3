package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/ruteri/tee-signing-vault/interfaces"
)

// MemoryBackend keeps values in process memory. It backs tests and
// ephemeral development servers.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.values[string(key)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Put(ctx context.Context, key []byte, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.values[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.values, string(key))
	return nil
}

// List returns keys in lexicographic order.
func (b *MemoryBackend) List(ctx context.Context) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.values))
	for k := range b.values {
		names = append(names, k)
	}
	sort.Strings(names)

	keys := make([][]byte, len(names))
	for i, k := range names {
		keys[i] = []byte(k)
	}
	return keys, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool { return true }

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) LocationURI() string { return "memory://" }
