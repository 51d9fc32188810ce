package remindsync

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const watchDebounce = 100 * time.Millisecond

// CacheWatcher reloads the store when another process edits the file-backed
// cache. Best-effort: watch errors are logged and the service keeps running
// on its in-memory state.
type CacheWatcher struct {
	watcher *fsnotify.Watcher
	store   *Store
	log     *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func WatchCacheDir(dir string, store *Store, logger *zap.Logger) (*CacheWatcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" || store == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &CacheWatcher{
		watcher: watcher,
		store:   store,
		log:     logger,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *CacheWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
	w.wg.Wait()
	return nil
}

func (w *CacheWatcher) run() {
	defer w.wg.Done()

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			// Coalesce the burst a single save produces (write + rename).
			if pending == nil {
				pending = time.NewTimer(watchDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(watchDebounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("cache watcher error", zap.Error(err))
		case <-pendingC:
			pending = nil
			pendingC = nil
			w.store.Reload()
		}
	}
}
