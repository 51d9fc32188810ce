package remindsync

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CacheBackend is the always-available local record store. Values are whole
// JSON snapshots keyed by logical collection name; Load returns (nil, nil)
// for an absent key, which callers substitute with defaults.
type CacheBackend interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
}

type cacheBackendCloser interface {
	Close() error
}

type FileCacheBackend struct {
	Dir string
}

func NewFileCacheBackend(dir string) *FileCacheBackend {
	return &FileCacheBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileCacheBackend) keyPath(key string) string {
	return filepath.Join(b.Dir, key+".json")
}

func (b *FileCacheBackend) Load(key string) ([]byte, error) {
	if b == nil || b.Dir == "" || key == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.keyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileCacheBackend) Save(key string, value []byte) error {
	if b == nil || b.Dir == "" || key == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type InMemoryCacheBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewInMemoryCacheBackend() *InMemoryCacheBackend {
	return &InMemoryCacheBackend{values: map[string][]byte{}}
}

func (b *InMemoryCacheBackend) Load(key string) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (b *InMemoryCacheBackend) Save(key string, value []byte) error {
	if b == nil || key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	b.values[key] = stored
	return nil
}
