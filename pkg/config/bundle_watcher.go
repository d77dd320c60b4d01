package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BundleWatcher watches a trust bundle file on disk and notifies
// subscribers when its contents change. Each change carries the new
// bundle version fingerprint so consumers can detect drift without
// re-reading the file themselves.
type BundleWatcher struct {
	bundle  *TrustBundle
	path    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	log     *slog.Logger

	mu          sync.Mutex
	version     string
	subscribers []chan string
}

// NewBundleWatcher starts watching the bundle's backing file. Bundles with
// only inline data cannot change at runtime and do not need a watcher.
func NewBundleWatcher(bundle *TrustBundle, log *slog.Logger) (*BundleWatcher, error) {
	if bundle.Path == "" {
		return nil, fmt.Errorf("trust bundle %s has no file path to watch", bundle.Name)
	}
	if log == nil {
		log = slog.Default()
	}

	absPath, err := filepath.Abs(bundle.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &BundleWatcher{
		bundle:  bundle,
		path:    absPath,
		watcher: watcher,
		cancel:  cancel,
		log:     log,
	}

	if version, err := bundle.Version(); err == nil {
		w.version = version
	} else {
		w.log.Warn("Initial trust bundle load failed", "path", absPath, "error", err)
	}

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	go w.watchLoop(ctx)

	return w, nil
}

// Version returns the current bundle version fingerprint.
func (w *BundleWatcher) Version() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Subscribe returns a channel that receives the new bundle version after
// each on-disk change. The current version is delivered immediately.
func (w *BundleWatcher) Subscribe() <-chan string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan string, 1)
	w.subscribers = append(w.subscribers, ch)
	ch <- w.version
	return ch
}

// Close stops the watcher and cleans up resources.
func (w *BundleWatcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

func (w *BundleWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	debounceDuration := 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, w.reload)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Trust bundle watcher error", "error", err)
		}
	}
}

func (w *BundleWatcher) reload() {
	w.bundle.Invalidate()
	version, err := w.bundle.Version()
	if err != nil {
		w.log.Error("Trust bundle reload failed", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	changed := version != w.version
	w.version = version
	subscribers := append([]chan string(nil), w.subscribers...)
	w.mu.Unlock()

	if !changed {
		return
	}

	w.log.Info("Trust bundle reloaded", "path", w.path, "version", version)
	for _, ch := range subscribers {
		select {
		case ch <- version:
		default:
			// Subscriber is lagging; it will pick up the version on the
			// next change or via Version().
		}
	}
}
