package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is delivered when the watched definition changes content.
type ChangeEvent struct {
	Path    string
	OldHash string
	NewHash string
	Config  *PipelineConfig
	Time    time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher monitors a definition file and calls onChange after its content
// changes. It watches the containing directory so editors that save by
// renaming over the file are picked up.
type Watcher struct {
	source   *FileSource
	debounce time.Duration
	logger   *slog.Logger
	onChange func(ChangeEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu        sync.Mutex
	pendingAt time.Time
}

// NewWatcher creates a Watcher for source.
func NewWatcher(source *FileSource, onChange func(ChangeEvent), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:   source,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching.
func (w *Watcher) Start() error {
	hash, err := w.source.Hash()
	if err != nil {
		return fmt.Errorf("definition watcher: initial hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition watcher: create fsnotify: %w", err)
	}
	w.fsWatcher = fsw

	dir := filepath.Dir(w.source.Path())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("definition watcher: watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for its goroutine. It is safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	target := filepath.Clean(w.source.Path())
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.pendingAt = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", "err", err)

		case <-ticker.C:
			w.mu.Lock()
			ready := !w.pendingAt.IsZero() && time.Since(w.pendingAt) >= w.debounce
			if ready {
				w.pendingAt = time.Time{}
			}
			w.mu.Unlock()
			if ready {
				w.processChange()
			}
		}
	}
}

// processChange reloads the definition and calls onChange when its content
// hash differs from the last one seen. Unparseable edits are logged and
// skipped so a half-saved file does not replace a good definition.
func (w *Watcher) processChange() {
	path := w.source.Path()
	cfg, hash, err := w.source.Load()
	if err != nil {
		w.logger.Error("definition watcher: failed to load definition", "path", path, "err", err)
		return
	}
	if hash == w.lastHash {
		w.logger.Debug("definition watcher: content unchanged, skipping", "path", path)
		return
	}

	oldHash := w.lastHash
	w.lastHash = hash
	w.logger.Info("definition changed", "path", path, "old_hash", oldHash[:8], "new_hash", hash[:8])

	w.onChange(ChangeEvent{
		Path:    path,
		OldHash: oldHash,
		NewHash: hash,
		Config:  cfg,
		Time:    time.Now(),
	})
}
