// Package testhelpers provides shared utilities for testing the code intelligence daemon
package testhelpers

import (
	"github.com/standardbeagle/codeintd/internal/config"
)

// TestConfigBuilder provides a fluent API for building test configs with safe defaults.
// Usage:
//
//	cfg := testhelpers.NewTestConfigBuilder(projectPath).
//		WithClassMap("classes.json").
//		WithExclusions("tests/**").
//		Build()
type TestConfigBuilder struct {
	cfg *config.Config
}

// NewTestConfigBuilder starts from the defaults for projectRoot with the
// side effects a test rarely wants switched off: no build on start, no
// editor progress bar, no channel announcement and a single worker.
func NewTestConfigBuilder(projectRoot string) *TestConfigBuilder {
	cfg := config.Default(projectRoot)
	cfg.Index.BuildOnStart = false
	cfg.Index.Workers = 1
	cfg.Editor.Progress = false
	cfg.Editor.AnnounceChannel = false
	cfg.Transport.ReconnectIntervalMs = 1
	cfg.Transport.ReconnectAttempts = 3
	cfg.Log.Path = ""
	return &TestConfigBuilder{cfg: cfg}
}

// WithClassMap sets the class map path, relative to the project root unless absolute
func (b *TestConfigBuilder) WithClassMap(path string) *TestConfigBuilder {
	b.cfg.ClassMap.Path = path
	return b
}

// WithExclusions adds source path globs skipped by the builder
func (b *TestConfigBuilder) WithExclusions(patterns ...string) *TestConfigBuilder {
	b.cfg.Index.Exclude = append(b.cfg.Index.Exclude, patterns...)
	return b
}

// WithBackend picks the index store backend
func (b *TestConfigBuilder) WithBackend(backend string) *TestConfigBuilder {
	b.cfg.Index.Backend = backend
	return b
}

// WithWorkers sets the build pool size
func (b *TestConfigBuilder) WithWorkers(n int) *TestConfigBuilder {
	b.cfg.Index.Workers = n
	return b
}

// WithBuildOnStart builds the index before serving
func (b *TestConfigBuilder) WithBuildOnStart(enabled bool) *TestConfigBuilder {
	b.cfg.Index.BuildOnStart = enabled
	return b
}

// WithWatch re-resolves classes whose source changes, with a short debounce
func (b *TestConfigBuilder) WithWatch(enabled bool) *TestConfigBuilder {
	b.cfg.Index.Watch = enabled
	b.cfg.Index.WatchDebounceMs = 10
	return b
}

// WithEditor toggles the progress bar and the channel announcement
func (b *TestConfigBuilder) WithEditor(progress, announce bool) *TestConfigBuilder {
	b.cfg.Editor.Progress = progress
	b.cfg.Editor.AnnounceChannel = announce
	return b
}

// WithSelector sets the transport selector
func (b *TestConfigBuilder) WithSelector(selector string) *TestConfigBuilder {
	b.cfg.Transport.Selector = selector
	return b
}

// Build returns the config. The builder must not be reused afterwards.
func (b *TestConfigBuilder) Build() *config.Config {
	return b.cfg
}
