package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lightforgemedia/go-eventbus-bridge/pkg/client"
)

const defaultDebounce = 300 * time.Millisecond

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithLogger sets the logger for the watcher
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long the file must stay quiet before it is reloaded
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher reloads a config file when it changes and hands the new version
// to its callbacks. Files that fail to parse are logged and skipped.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(*File)

	changesMu sync.Mutex
	changedAt time.Time

	current   *File
	currentMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher loads path and prepares to watch it. Call Start to begin.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		logger:   slog.Default(),
		debounce: defaultDebounce,
		current:  f,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the most recently loaded file.
func (w *Watcher) Current() *File {
	w.currentMu.RLock()
	defer w.currentMu.RUnlock()
	return w.current
}

// OnChange adds a callback run after each successful reload.
func (w *Watcher) OnChange(fn func(*File)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Track keeps the delivery defaults of cli in sync with the file. Each
// reload is applied over the defaults cli had when Track was called, so a
// setting removed from the file reverts instead of keeping its last value.
func (w *Watcher) Track(cli *client.Client) error {
	base := cli.DefaultDelivery()
	apply := func(f *File) error {
		return cli.SetDefaultDelivery(f.DeliveryOptions(base))
	}
	if err := apply(w.Current()); err != nil {
		return err
	}
	w.OnChange(func(f *File) {
		if err := apply(f); err != nil {
			w.logger.Error("Failed to apply config", "file", w.path, "error", err)
		}
	})
	return nil
}

// Start watches the directory holding the file, so editors that replace the
// file instead of writing it in place are noticed too.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	w.logger.Info("Watching config", "file", w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	go w.watchLoop()
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watchLoop() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.changesMu.Lock()
				w.changedAt = time.Now()
				w.changesMu.Unlock()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.processChanges()
		}
	}
}

// processChanges reloads the file once it has been quiet for the debounce
// period.
func (w *Watcher) processChanges() {
	w.changesMu.Lock()
	changed := w.changedAt
	if changed.IsZero() || time.Since(changed) < w.debounce {
		w.changesMu.Unlock()
		return
	}
	w.changedAt = time.Time{}
	w.changesMu.Unlock()

	f, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid config", "file", w.path, "error", err)
		return
	}
	w.currentMu.Lock()
	w.current = f
	w.currentMu.Unlock()
	w.logger.Info("Config reloaded", "file", w.path)
	w.notifyCallbacks(f)
}

func (w *Watcher) notifyCallbacks(f *File) {
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, cb := range w.callbacks {
		cb(f)
	}
}
