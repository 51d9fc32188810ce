package remindsync

import (
	"path/filepath"
	"testing"
)

func TestBuildCacheBackendFromDSNSchemes(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildCacheBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("empty DSN must resolve to no backend, got (%v, %v)", backend, err)
	}

	backend, err = BuildCacheBackendFromDSN(dir)
	if err != nil {
		t.Fatalf("bare path: %v", err)
	}
	if fb, ok := backend.(*FileCacheBackend); !ok || fb.Dir != dir {
		t.Fatalf("bare path must select the file backend, got %T", backend)
	}

	backend, err = BuildCacheBackendFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("file scheme: %v", err)
	}
	if _, ok := backend.(*FileCacheBackend); !ok {
		t.Fatalf("file:// must select the file backend, got %T", backend)
	}

	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		backend, err = BuildCacheBackendFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := backend.(*InMemoryCacheBackend); !ok {
			t.Fatalf("%s must select the memory backend, got %T", dsn, backend)
		}
	}

	backend, err = BuildCacheBackendFromDSN("bolt://" + filepath.Join(dir, "cache.bolt"))
	if err != nil {
		t.Fatalf("bolt scheme: %v", err)
	}
	bolt, ok := backend.(*BoltCacheBackend)
	if !ok {
		t.Fatalf("bolt:// must select the bolt backend, got %T", backend)
	}
	_ = bolt.Close()

	if _, err := BuildCacheBackendFromDSN("carrier-pigeon://nope"); err == nil {
		t.Fatalf("unknown scheme must be rejected")
	}
}

func TestBuildCacheBackendPostgresSchemeIsLazy(t *testing.T) {
	// The postgres backend defers connecting until first use, so building
	// from a DSN must succeed without a reachable server.
	backend, err := BuildCacheBackendFromDSN("postgres://user:pw@localhost:5432/remindsync?sslmode=disable")
	if err != nil {
		t.Fatalf("postgres scheme: %v", err)
	}
	if _, ok := backend.(*PostgresCacheBackend); !ok {
		t.Fatalf("postgres:// must select the postgres backend, got %T", backend)
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	marker := NewInMemoryCacheBackend()
	RegisterCacheBackendFactory("testonly", func(dsn string) (CacheBackend, error) {
		return marker, nil
	})

	backend, err := BuildCacheBackendFromDSN("testonly://anything")
	if err != nil {
		t.Fatalf("registered scheme: %v", err)
	}
	if backend != CacheBackend(marker) {
		t.Fatalf("registry factory was not used, got %T", backend)
	}
}
