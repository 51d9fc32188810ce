package remindsync

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltCacheBucket = []byte("remindsync")

// BoltCacheBackend stores the collection snapshots in a single bbolt bucket.
// Useful when the cache must survive restarts but a directory of loose JSON
// files is undesirable.
type BoltCacheBackend struct {
	db *bolt.DB
}

func NewBoltCacheBackend(path string) (*BoltCacheBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltCacheBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCacheBackend{db: db}, nil
}

func (b *BoltCacheBackend) Load(key string) ([]byte, error) {
	if b == nil || b.db == nil || key == "" {
		return nil, nil
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(boltCacheBucket).Get([]byte(key))
		if value != nil {
			out = make([]byte, len(value))
			copy(out, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltCacheBackend) Save(key string, value []byte) error {
	if b == nil || b.db == nil || key == "" {
		return ErrInvalidInput
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltCacheBucket).Put([]byte(key), value)
	})
}

func (b *BoltCacheBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
