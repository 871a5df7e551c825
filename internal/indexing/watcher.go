package indexing

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	cidebug "github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
)

// Watcher re-resolves classes whose source file changes. It watches the
// directories holding class map entries and batches events per path until
// the tree has been quiet for the debounce interval. Removals only drop the
// cached parse: the indices are add-only between forced builds.
type Watcher struct {
	watcher  *fsnotify.Watcher
	builder  *Builder
	forget   func(path string)
	byPath   map[string][]string
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.RWMutex
	stats   WatchStats
}

// WatchStats contains statistics about file watching
type WatchStats struct {
	Batches       int64
	Updated       int64 // Classes re-resolved
	ErrorCount    int64
	LastEventTime time.Time
}

// NewWatcher creates a watcher over classes (name to source path). forget,
// when set, is called for every changed path before its classes are
// resolved again.
func NewWatcher(b *Builder, classes map[string]string, debounce time.Duration, forget func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	byPath := make(map[string][]string)
	for class, path := range classes {
		path = filepath.Clean(path)
		byPath[path] = append(byPath[path], class)
	}
	for _, list := range byPath {
		sort.Strings(list)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		watcher:  fsw,
		builder:  b,
		forget:   forget,
		byPath:   byPath,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start adds a watch on every source directory and begins processing events
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for path := range w.byPath {
		dirs[filepath.Dir(path)] = true
	}

	watched := 0
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			cidebug.Info("WATCH", "failed to add watch for %s: %v\n", dir, err)
			continue
		}
		watched++
	}
	if watched == 0 && len(dirs) > 0 {
		return fmt.Errorf("no source directory could be watched")
	}

	w.wg.Add(1)
	go w.run()

	cidebug.LogIndexing("watching %d directories for %d source files\n", watched, len(w.byPath))
	return nil
}

// Stop ends watching. A batch being resolved is cancelled.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Stats returns current watch statistics
func (w *Watcher) Stats() WatchStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

func (w *Watcher) run() {
	defer w.wg.Done()

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, known := w.byPath[path]; !known {
				continue
			}
			pending[path] |= event.Op
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			cidebug.Info("WATCH", "file watcher error: %v\n", err)

		case <-fire:
			fire = nil
			batch := pending
			pending = make(map[string]fsnotify.Op)
			w.flush(batch)
		}
	}
}

// flush resolves every class declared in a changed file
func (w *Watcher) flush(batch map[string]fsnotify.Op) {
	paths := make([]string, 0, len(batch))
	for path := range batch {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var updated, failed int64
	for _, path := range paths {
		if w.forget != nil {
			w.forget(path)
		}
		if batch[path]&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		for _, class := range w.byPath[path] {
			if w.ctx.Err() != nil {
				return
			}
			if err := w.update(class); err != nil {
				cidebug.Info("WATCH", "update %s after change to %s: %v\n", class, path, err)
				failed++
				continue
			}
			updated++
		}
	}

	w.statsMu.Lock()
	w.stats.Batches++
	w.stats.Updated += updated
	w.stats.ErrorCount += failed
	w.stats.LastEventTime = time.Now()
	w.statsMu.Unlock()

	cidebug.LogIndexing("re-resolved %d classes from %d changed files\n", updated, len(paths))
}

func (w *Watcher) update(class string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = cierrors.NewHandlerCrash("update "+class, p, debug.Stack())
			metrics.IndexUnits.WithLabelValues(metrics.OutcomeCrash).Inc()
		}
	}()
	if err := w.builder.Update(w.ctx, class); err != nil {
		return err
	}
	metrics.IndexUnits.WithLabelValues(metrics.OutcomeIndexed).Inc()
	return nil
}
