package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nimbleshop/remindsync/internal/httpapi"
	"github.com/nimbleshop/remindsync/internal/logger"
	"github.com/nimbleshop/remindsync/internal/remindsync"
)

func main() {
	_ = godotenv.Load()

	lg, err := logger.New(strings.TrimSpace(os.Getenv("REMINDSYNC_LOG_LEVEL")))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	addr := os.Getenv("REMINDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cacheDSN, err := cacheDSNFromEnv()
	if err != nil {
		lg.Fatal("cache backend configuration", zap.Error(err))
	}

	store, err := remindsync.NewStoreWithOptions(remindsync.StoreOptions{
		CacheDSN: cacheDSN,
		Logger:   lg,
	})
	if err != nil {
		lg.Fatal("store init", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	if dir := fileCacheDir(cacheDSN); dir != "" && boolEnv("REMINDSYNC_WATCH_CACHE", true) {
		watcher, err := remindsync.WatchCacheDir(dir, store, lg)
		if err != nil {
			lg.Warn("cache watcher disabled", zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	dispatcher := remindsync.NewDispatcher(store, remindsync.DispatcherOptions{
		Timeout: durationEnv("REMINDSYNC_DISPATCH_TIMEOUT", remindsync.DefaultDispatchTimeout),
		Logger:  lg,
	})

	server := httpapi.NewServerWithConfig(store, dispatcher, httpapi.ServerConfig{
		AuthToken:       os.Getenv("REMINDSYNC_AUTH_TOKEN"),
		RateLimitMax:    intEnv("REMINDSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("REMINDSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("REMINDSYNC_MAX_BODY_BYTES", 0),
		Logger:          lg,
	})

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: server,
	}
	go func() {
		lg.Info("remindsync listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("server failed", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// cacheDSNFromEnv resolves the cache backend DSN: an explicit
// REMINDSYNC_CACHE_DSN wins, otherwise the profile shorthand picks a
// sensible deployment default.
func cacheDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("REMINDSYNC_CACHE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("REMINDSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("REMINDSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".remindsync"
	}
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + dataDir, nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("REMINDSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("REMINDSYNC_POSTGRES_DSN is required when REMINDSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "bolt":
		return "bolt://" + filepath.Join(dataDir, "cache.bolt"), nil
	default:
		return "", fmt.Errorf("unsupported REMINDSYNC_BACKEND_PROFILE: %s", profile)
	}
}

// fileCacheDir extracts the watched directory when the DSN selects the
// file backend, otherwise "".
func fileCacheDir(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	switch strings.ToLower(parsed.Scheme) {
	case "":
		return dsn
	case "file":
		if parsed.Path != "" {
			return parsed.Path
		}
		if parsed.Opaque != "" {
			return parsed.Opaque
		}
		return parsed.Host
	default:
		return ""
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
