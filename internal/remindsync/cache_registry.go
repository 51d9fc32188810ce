package remindsync

import (
	"strings"
	"sync"
)

type CacheBackendFactory func(dsn string) (CacheBackend, error)

var cacheFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CacheBackendFactory
}{
	factories: map[string]CacheBackendFactory{},
}

// RegisterCacheBackendFactory installs a factory for a DSN scheme, letting
// deployments plug in cache backends beyond the built-in set.
func RegisterCacheBackendFactory(scheme string, factory CacheBackendFactory) {
	scheme = normalizeCacheScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cacheFactoryRegistry.mu.Lock()
	defer cacheFactoryRegistry.mu.Unlock()
	cacheFactoryRegistry.factories[scheme] = factory
}

func lookupCacheBackendFactory(scheme string) (CacheBackendFactory, bool) {
	scheme = normalizeCacheScheme(scheme)
	cacheFactoryRegistry.mu.RLock()
	defer cacheFactoryRegistry.mu.RUnlock()
	factory, ok := cacheFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeCacheScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
