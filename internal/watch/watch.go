// Package watch invalidates cached metadata when a tracked local file
// changes on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mtiwari1/gophermeta/internal/extractor"
	"github.com/mtiwari1/gophermeta/internal/metadata"
)

const DefaultDebounce = 500 * time.Millisecond

// Invalidator drops everything cached for an item.
type Invalidator interface {
	Invalidate(ctx context.Context, id string)
}

// Watcher watches the parent directories of tracked files. Changes are
// collected per path and flushed once per debounce interval. A flushed path
// whose content hash did not change invalidates nothing.
type Watcher struct {
	fsw      *fsnotify.Watcher
	target   Invalidator
	debounce time.Duration
	logger   *slog.Logger
	baseline chan string

	mu     sync.Mutex
	byPath map[string]map[string]struct{}
	sums   map[string]string
	dirs   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(target Invalidator, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: new watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsw:      fsw,
		target:   target,
		debounce: debounce,
		logger:   logger,
		baseline: make(chan string, 256),
		byPath:   make(map[string]map[string]struct{}),
		sums:     make(map[string]string),
		dirs:     make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Track starts watching desc's file. Non-local locators are ignored.
func (w *Watcher) Track(desc metadata.MediaDescriptor) error {
	path, ok := extractor.LocalPath(desc.Locator)
	if !ok {
		return nil
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch: resolve %s: %w", desc.Locator, err)
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; !ok {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch: add %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	ids, ok := w.byPath[path]
	if !ok {
		ids = make(map[string]struct{})
		w.byPath[path] = ids
		// Hashed in the background; without a baseline the first change
		// always invalidates.
		select {
		case w.baseline <- path:
		default:
		}
	}
	ids[desc.ID] = struct{}{}
	return nil
}

// Tracked returns the number of tracked files.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byPath)
}

// Start runs the event loop until Close.
func (w *Watcher) Start() {
	events := make(chan string, 256)
	w.wg.Add(2)
	go w.watchEvents(events)
	go w.processEvents(events)
}

// Close stops the loops and releases the underlying watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchEvents(out chan<- string) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Create) {
				continue
			}
			path := filepath.Clean(ev.Name)
			if !w.isTracked(path) {
				continue
			}
			select {
			case out <- path:
			case <-w.ctx.Done():
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) processEvents(in <-chan string) {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case path := <-in:
			pending[path] = struct{}{}
		case path := <-w.baseline:
			if sum, err := fingerprint(path); err == nil {
				w.setSum(path, sum)
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = make(map[string]struct{})
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) flush(paths map[string]struct{}) {
	for path := range paths {
		sum, err := fingerprint(path)
		if err == nil && sum == w.sum(path) {
			w.logger.Debug("content unchanged, keeping cache", slog.String("path", path))
			continue
		}
		w.setSum(path, sum)
		for _, id := range w.idsFor(path) {
			w.logger.Info("media changed on disk, invalidating",
				slog.String("media_id", id),
				slog.String("path", path),
			)
			w.target.Invalidate(w.ctx, id)
		}
	}
}

func (w *Watcher) isTracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byPath[path]
	return ok
}

func (w *Watcher) sum(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sums[path]
}

// setSum records the content hash of path; an empty sum forgets it.
func (w *Watcher) setSum(path, sum string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sum == "" {
		delete(w.sums, path)
		return
	}
	w.sums[path] = sum
}

func (w *Watcher) idsFor(path string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.byPath[path]))
	for id := range w.byPath[path] {
		ids = append(ids, id)
	}
	return ids
}
