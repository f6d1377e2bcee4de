package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jaakkos/mcpfleet/internal/domain"
)

const (
	defaultDebounceMs   = 200
	defaultPollInterval = 10 * time.Second
)

// Reconciler converges running workers onto a desired set. Implemented by Supervisor.
type Reconciler interface {
	Reconcile(ctx context.Context, desired map[string]domain.ServerConfig)
}

// ConfigParser turns config file contents into the desired server set.
type ConfigParser func(data []byte) (map[string]domain.ServerConfig, error)

// ConfigWatcher watches the fleet config file and reconciles when its contents change.
// If fsnotify is unavailable it polls.
type ConfigWatcher struct {
	path         string
	parse        ConfigParser
	target       Reconciler
	logger       *log.Logger
	debounceMs   int
	pollInterval time.Duration

	mu            sync.Mutex
	ctx           context.Context
	lastHash      [sha256.Size]byte
	loaded        bool
	debounceTimer *time.Timer
	stopCh        chan struct{}
	doneCh        chan struct{}
	stopOnce      sync.Once
	reloadMu      sync.Mutex // serializes read-parse-reconcile cycles
}

// WatcherOption configures the watcher.
type WatcherOption func(*ConfigWatcher)

// WithPollInterval sets the fallback poll interval (default 10s).
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) {
		w.pollInterval = d
	}
}

// WithDebounce sets the delay between a file event and the reload (default 200ms).
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *ConfigWatcher) {
		w.debounceMs = int(d / time.Millisecond)
	}
}

// NewConfigWatcher creates a watcher for path. parse decodes the file; target receives the result.
func NewConfigWatcher(path string, parse ConfigParser, target Reconciler, logger *log.Logger, opts ...WatcherOption) *ConfigWatcher {
	w := &ConfigWatcher{
		path:         path,
		parse:        parse,
		target:       target,
		logger:       logger,
		debounceMs:   defaultDebounceMs,
		pollInterval: defaultPollInterval,
		ctx:          context.Background(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start watches until ctx is cancelled or Stop is called. Reconciles triggered by the
// watcher run under ctx.
func (w *ConfigWatcher) Start(ctx context.Context) {
	defer close(w.doneCh)

	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	watchDir := filepath.Dir(w.path)
	fileName := filepath.Base(w.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Printf("ConfigWatcher: fsnotify init failed (%v), using poll-only", err)
	} else if err := watcher.Add(watchDir); err != nil {
		w.logger.Printf("ConfigWatcher: fsnotify add %s failed (%v), using poll-only", watchDir, err)
		_ = watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		defer watcher.Close()
		go w.watchLoop(ctx, watcher, fileName)
	}

	w.pollLoop(ctx)
}

// Stop signals the watcher to stop and waits for Start to return.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.mu.Unlock()
}

// Trigger schedules a reload that ignores the content dedup.
func (w *ConfigWatcher) Trigger() {
	w.mu.Lock()
	w.loaded = false
	w.mu.Unlock()
	w.triggerDebounced()
}

// Reload reads, parses and reconciles immediately, ignoring the content dedup.
// Parse and read errors are returned; the running fleet is left untouched on error.
func (w *ConfigWatcher) Reload() error {
	return w.reload(true)
}

// CheckOnce reloads only if the file contents changed since the last successful load.
func (w *ConfigWatcher) CheckOnce() error {
	return w.reload(false)
}

func (w *ConfigWatcher) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fileName string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			// Editors that save via rename produce Create on the target name.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.triggerDebounced()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("ConfigWatcher: watch error: %v", err)
		}
	}
}

func (w *ConfigWatcher) triggerDebounced() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, func() {
		if err := w.reload(false); err != nil {
			w.logger.Printf("ConfigWatcher: %v", err)
		}
	})
}

func (w *ConfigWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.reload(false); err != nil {
				w.logger.Printf("ConfigWatcher: %v", err)
			}
		}
	}
}

func (w *ConfigWatcher) reload(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", w.path, err)
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if !force && w.loaded && sum == w.lastHash {
		w.mu.Unlock()
		return nil
	}
	ctx := w.ctx
	w.mu.Unlock()

	desired, err := w.parse(data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", w.path, err)
	}
	w.logger.Printf("ConfigWatcher: %s changed, reconciling %d server(s)", w.path, len(desired))
	w.target.Reconcile(ctx, desired)

	w.mu.Lock()
	w.lastHash = sum
	w.loaded = true
	w.mu.Unlock()
	return nil
}
