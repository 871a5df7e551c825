package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/codeintd/internal/classmap"
	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	"github.com/standardbeagle/codeintd/internal/indexing"
	"github.com/standardbeagle/codeintd/internal/introspect"
	"github.com/standardbeagle/codeintd/internal/metrics"
	"github.com/standardbeagle/codeintd/internal/store"
)

// Deps lets callers supply collaborators. Nil fields are built from the config.
type Deps struct {
	Store    store.Store
	ClassMap *classmap.Map
}

// Project bundles everything that answers questions about one project
// root: the class map, the describer over its sources, the index store and
// the builder filling it. It needs no editor and backs the offline CLI
// commands as well as the server.
type Project struct {
	cfg       *config.Config
	store     store.Store
	classes   *classmap.Map
	describer *introspect.Describer
	builder   *indexing.Builder

	mu             sync.RWMutex
	watcher        *indexing.Watcher
	indexingActive bool
	lastBuild      *indexing.Result
	lastBuildErr   error
}

// OpenProject loads the class map and opens the index store for cfg
func OpenProject(ctx context.Context, cfg *config.Config, deps Deps) (*Project, error) {
	classes := deps.ClassMap
	if classes == nil {
		var err error
		classes, err = classmap.FromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	describer, err := introspect.NewDescriber(classes, introspect.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	st := deps.Store
	if st == nil {
		st, err = store.Open(cfg)
		if err != nil {
			return nil, err
		}
	}

	debug.LogServer("project %s: %d classes, index at %s (%s)\n",
		cfg.Project.Root, classes.Len(), cfg.IndexPath(), cfg.Index.Backend)

	return &Project{
		cfg:       cfg,
		store:     st,
		classes:   classes,
		describer: describer,
		builder:   indexing.NewBuilder(st, describer, indexing.OptionsFromConfig(cfg)),
	}, nil
}

// Index builds the index from the class map. Without force an existing
// index is kept. progress may be nil.
func (p *Project) Index(ctx context.Context, force bool, progress indexing.Progress) (*indexing.Result, error) {
	p.mu.Lock()
	p.indexingActive = true
	p.mu.Unlock()

	res, err := p.builder.Build(ctx, p.classes.Snapshot(), force, progress)

	p.mu.Lock()
	p.indexingActive = false
	p.lastBuildErr = err
	if res != nil {
		p.lastBuild = res
	}
	p.mu.Unlock()
	return res, err
}

// Update re-resolves one class into the index. A class that cannot be
// found contributes nothing, the same as during a build.
func (p *Project) Update(ctx context.Context, class string) error {
	err := p.builder.Update(ctx, class)
	if isNotFound(err) {
		debug.LogIndexing("update %s: %v\n", class, err)
		return nil
	}
	return err
}

// List returns the sorted subclasses, or implementors when wantInterface is set
func (p *Project) List(name string, wantInterface bool) []string {
	children := p.store.Lookup(name, store.KindFor(wantInterface))
	if children == nil {
		return []string{}
	}
	return children
}

// Stats summarises both indices
func (p *Project) Stats() (*metrics.IndexStats, error) {
	extends, err := p.store.Snapshot(store.Extends)
	if err != nil {
		return nil, err
	}
	interfaces, err := p.store.Snapshot(store.Interfaces)
	if err != nil {
		return nil, err
	}
	return metrics.ComputeIndexStats(extends, interfaces), nil
}

// Describer answers member, location and doc queries
func (p *Project) Describer() *introspect.Describer {
	return p.describer
}

// Classes is the loaded class map
func (p *Project) Classes() *classmap.Map {
	return p.classes
}

// IndexReady reports whether the index layout exists
func (p *Project) IndexReady() bool {
	return p.store.Exists()
}

// LastBuild returns the most recent build summary and error, if any ran
func (p *Project) LastBuild() (*indexing.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastBuild, p.lastBuildErr
}

// IndexingActive reports whether a build is running
func (p *Project) IndexingActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.indexingActive
}

// Watch starts re-resolving classes whose source file changes. Calling it
// again is a no-op.
func (p *Project) Watch() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}
	debounce := time.Duration(p.cfg.Index.WatchDebounceMs) * time.Millisecond
	w, err := indexing.NewWatcher(p.builder, p.classes.Snapshot(), debounce, p.describer.Forget)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	p.watcher = w
	return nil
}

// WatchStats reports file watching activity, zero when not watching
func (p *Project) WatchStats() indexing.WatchStats {
	p.mu.RLock()
	w := p.watcher
	p.mu.RUnlock()
	if w == nil {
		return indexing.WatchStats{}
	}
	return w.Stats()
}

// Close stops watching and releases the index store
func (p *Project) Close() error {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if w != nil {
		if err := w.Stop(); err != nil {
			debug.Log("SERVER", "stop watcher: %v\n", err)
		}
	}
	return p.store.Close()
}

// buildSummary is the one-line log form of a build result
func buildSummary(res *indexing.Result) string {
	switch {
	case res == nil:
		return "no build"
	case res.Skipped:
		return "index exists, build skipped"
	}
	mode := "fresh"
	if res.Resumed {
		mode = "resumed"
	}
	return fmt.Sprintf("%s build %s: %d indexed, %d failed, %d crashed in %v",
		mode, res.RunID, res.Indexed, res.Failed, res.Crashed, res.Duration.Round(time.Millisecond))
}
