// Package indexing builds the supertype and implementor indices from a
// class map. Classes are resolved by a bounded pool of goroutines; a single
// coordinator applies their results to the store and checkpoints the
// classes still to do, so an interrupted build resumes where it stopped.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/codeintd/internal/config"
	cidebug "github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/introspect"
	"github.com/standardbeagle/codeintd/internal/metrics"
	"github.com/standardbeagle/codeintd/internal/store"
)

// Describer resolves a class's parent and interfaces
type Describer interface {
	Describe(ctx context.Context, class string) (*introspect.SymbolInfo, error)
}

// ClassRecord is one unit of build work
type ClassRecord struct {
	Name       string
	SourcePath string
}

// Options tunes the build
type Options struct {
	Workers         int    // Concurrent Describe calls
	CheckpointEvery int    // Units applied between checkpoint writes
	CheckpointPath  string // Empty disables checkpoints
}

// OptionsFromConfig derives build options from the index section
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:         cfg.Index.Workers,
		CheckpointEvery: cfg.Index.CheckpointEvery,
		CheckpointPath:  filepath.Join(cfg.IndexPath(), CheckpointFile),
	}
}

// Result summarises one Build call
type Result struct {
	RunID    string
	Skipped  bool // Index already present, nothing done
	Resumed  bool // Continued from a checkpoint
	Total    int  // Units this run set out to process
	Indexed  int
	Failed   int
	Crashed  int
	Errors   []string // First unit failures, at most a hundred
	Duration time.Duration
}

// Builder populates a store. One build runs at a time; Update may run
// alongside a build since the store serialises writes per key.
type Builder struct {
	store    store.Store
	describe Describer
	opts     Options

	buildMu sync.Mutex
}

// NewBuilder creates a builder writing to st
func NewBuilder(st store.Store, d Describer, opts Options) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 1
	}
	return &Builder{store: st, describe: d, opts: opts}
}

type unitResult struct {
	rec     ClassRecord
	info    *introspect.SymbolInfo
	err     error
	crashed bool
}

// Build indexes classes. Without force it does nothing when the index
// already exists and no interrupted build is pending. progress may be nil.
func (b *Builder) Build(ctx context.Context, classes map[string]string, force bool, progress Progress) (*Result, error) {
	b.buildMu.Lock()
	defer b.buildMu.Unlock()

	cp := b.pendingCheckpoint(force)
	res := &Result{}

	if cp != nil {
		res.Resumed = true
		cidebug.LogIndexing("resuming build %s: %d of %d classes left\n", cp.RunID, len(cp.Remaining), cp.Total)
		// Fold the done log into the checkpoint before starting a new one
		if err := b.saveCheckpoint(cp); err != nil {
			return nil, err
		}
	} else {
		if b.store.Exists() && !force {
			cidebug.LogIndexing("index exists, skipping build\n")
			res.Skipped = true
			return res, nil
		}
		if err := b.store.Reset(); err != nil {
			return nil, err
		}
		cp = &Checkpoint{
			RunID:     uuid.NewString(),
			StartedAt: time.Now(),
			Total:     len(classes),
			Remaining: make(map[string]string, len(classes)),
		}
		for name, path := range classes {
			cp.Remaining[name] = path
		}
		if err := b.saveCheckpoint(cp); err != nil {
			return nil, err
		}
	}
	res.RunID = cp.RunID
	res.Total = len(cp.Remaining)

	tracker := NewProgressTracker(progress)
	tracker.Start(len(cp.Remaining))
	defer tracker.Finish()

	err := b.run(ctx, cp, tracker)

	_, res.Indexed, res.Failed, res.Crashed = tracker.Counts()
	for _, e := range tracker.Errors() {
		res.Errors = append(res.Errors, e.Error())
	}
	res.Duration = tracker.Elapsed()
	if err != nil {
		if serr := b.saveCheckpoint(cp); serr != nil {
			cidebug.Error("INDEXING", "checkpoint after failed build: %v\n", serr)
		}
		return res, err
	}

	if b.opts.CheckpointPath != "" {
		if err := RemoveCheckpoint(b.opts.CheckpointPath); err != nil {
			cidebug.Error("INDEXING", "remove checkpoint: %v\n", err)
		}
	}
	metrics.IndexBuildDuration.Observe(res.Duration.Seconds())
	cidebug.LogIndexing("build %s done in %v: %d indexed, %d failed, %d crashed\n",
		res.RunID, res.Duration, res.Indexed, res.Failed, res.Crashed)
	return res, nil
}

// pendingCheckpoint returns an interrupted build to resume, if any
func (b *Builder) pendingCheckpoint(force bool) *Checkpoint {
	if b.opts.CheckpointPath == "" {
		return nil
	}
	cp, err := LoadCheckpoint(b.opts.CheckpointPath)
	if err != nil {
		cidebug.Info("INDEXING", "ignoring unreadable checkpoint %s: %v\n", b.opts.CheckpointPath, err)
		return nil
	}
	if cp == nil || force || !b.store.Exists() {
		return nil
	}
	return cp
}

func (b *Builder) saveCheckpoint(cp *Checkpoint) error {
	if b.opts.CheckpointPath == "" {
		return nil
	}
	if err := cp.Save(b.opts.CheckpointPath); err != nil {
		return cierrors.NewIndexingError("checkpoint", err)
	}
	return nil
}

// run fans units out to the pool and applies results as they arrive. Only
// this goroutine touches cp: applied units leave cp.Remaining and go to the
// done log, which is folded back into the checkpoint once it outgrows it.
func (b *Builder) run(ctx context.Context, cp *Checkpoint, tracker *ProgressTracker) (err error) {
	records := make([]ClassRecord, 0, len(cp.Remaining))
	for name, path := range cp.Remaining {
		records = append(records, ClassRecord{Name: name, SourcePath: path})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	done, err := b.openDoneLog()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := done.Close(); cerr != nil && err == nil {
			err = cierrors.NewIndexingError("checkpoint", cerr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(b.opts.Workers)

	results := make(chan unitResult)
	poolErr := make(chan error, 1)

	go func() {
		for _, rec := range records {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				r := b.resolve(gctx, rec)
				if gctx.Err() != nil {
					return gctx.Err()
				}
				select {
				case results <- r:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		poolErr <- g.Wait()
		close(results)
	}()

	var applyErr error
	fail := func(err error) {
		applyErr = err
		cancel()
	}
	sinceFlush := 0
	for r := range results {
		if applyErr != nil {
			continue
		}
		if err := b.record(r, tracker); err != nil {
			fail(err)
			continue
		}

		delete(cp.Remaining, r.rec.Name)
		cp.Done++
		done.Add(r.rec.Name)
		sinceFlush++
		if sinceFlush < b.opts.CheckpointEvery {
			continue
		}
		sinceFlush = 0
		if err := done.Flush(); err != nil {
			fail(cierrors.NewIndexingError("checkpoint", err))
			continue
		}
		if done.Len() >= compactAfter && done.Len() > len(cp.Remaining) {
			if err := b.compact(cp, done); err != nil {
				fail(err)
			}
		}
	}

	werr := <-poolErr
	switch {
	case applyErr != nil:
		return applyErr
	case ctx.Err() != nil:
		return ctx.Err()
	case werr != nil:
		return werr
	}
	return nil
}

// compactAfter is the done log length below which it is never folded back
var compactAfter = 4096

func (b *Builder) openDoneLog() (*DoneLog, error) {
	if b.opts.CheckpointPath == "" {
		return nil, nil
	}
	l, err := OpenDoneLog(b.opts.CheckpointPath)
	if err != nil {
		return nil, cierrors.NewIndexingError("checkpoint", err)
	}
	return l, nil
}

// compact rewrites the checkpoint from cp and starts an empty done log
func (b *Builder) compact(cp *Checkpoint, done *DoneLog) error {
	if err := b.saveCheckpoint(cp); err != nil {
		return err
	}
	if err := done.Restart(); err != nil {
		return cierrors.NewIndexingError("checkpoint", err)
	}
	cidebug.LogIndexing("checkpoint compacted: %d classes left\n", len(cp.Remaining))
	return nil
}

// record applies one unit. Resolution failures are counted and skipped;
// only store failures are returned.
func (b *Builder) record(r unitResult, tracker *ProgressTracker) error {
	if r.err != nil {
		outcome := metrics.OutcomeError
		switch {
		case r.crashed:
			outcome = metrics.OutcomeCrash
			cidebug.Error("INDEXING", "%v\n", r.err)
		case errors.Is(r.err, introspect.ErrNotFound):
			outcome = metrics.OutcomeNotFound
			cidebug.LogIndexing("%v\n", r.err)
		default:
			cidebug.LogIndexing("%v\n", r.err)
		}
		metrics.IndexUnits.WithLabelValues(outcome).Inc()
		tracker.Failed(r.err, r.crashed)
		return nil
	}

	if err := b.apply(r.rec.Name, r.info); err != nil {
		return err
	}
	metrics.IndexUnits.WithLabelValues(metrics.OutcomeIndexed).Inc()
	tracker.Done()
	return nil
}

// resolve describes one class, containing any panic to this unit
func (b *Builder) resolve(ctx context.Context, rec ClassRecord) (r unitResult) {
	r.rec = rec
	defer func() {
		if p := recover(); p != nil {
			crash := cierrors.NewHandlerCrash("describe "+rec.Name, p, debug.Stack())
			r.info = nil
			r.err = cierrors.NewIndexingError("describe", crash).WithClass(rec.Name, rec.SourcePath).WithRecoverable(true)
			r.crashed = true
		}
	}()

	info, err := b.describe.Describe(ctx, rec.Name)
	if err != nil {
		r.err = cierrors.NewIndexingError("describe", err).WithClass(rec.Name, rec.SourcePath).WithRecoverable(true)
		return r
	}
	r.info = info
	return r
}

// apply files class under its parent and every interface it implements
func (b *Builder) apply(class string, info *introspect.SymbolInfo) error {
	if info == nil {
		return nil
	}
	if info.Parent != "" {
		if err := b.store.Append(info.Parent, class, store.Extends); err != nil {
			return err
		}
	}
	for _, iface := range info.Interfaces {
		if err := b.store.Append(iface, class, store.Interfaces); err != nil {
			return err
		}
	}
	return nil
}

// Update re-resolves one class and adds it to the indices. Entries are
// only ever added, so a class that dropped a parent stays listed until the
// next forced build. Before the first build Update does nothing.
func (b *Builder) Update(ctx context.Context, class string) error {
	if class == "" {
		return fmt.Errorf("update: empty class name")
	}
	// The index layout marks a completed build; creating it here would make
	// the first build skip
	if !b.store.Exists() {
		cidebug.LogIndexing("update %s: no index yet, ignored\n", class)
		return nil
	}
	info, err := b.describe.Describe(ctx, class)
	if err != nil {
		return err
	}
	return b.apply(class, info)
}
