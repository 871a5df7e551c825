package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/standardbeagle/codeintd/internal/debug"
)

// ConfigFileName is looked up in the project root and in the home directory
const ConfigFileName = ".codeintd.kdl"

// Store backends
const (
	BackendFiles  = "files"
	BackendBadger = "badger"
)

// Default values shared by code and configuration parsing
const (
	DefaultIndexDir            = ".codeindex"
	DefaultClassMapPath        = "vendor/composer/autoload_classmap.php"
	DefaultReadBufferSize      = 4096
	DefaultDialTimeoutMs       = 5000
	DefaultReconnectIntervalMs = 500
	DefaultReconnectBurst      = 3
	DefaultChannelVar          = "g:codeintd_channel_id"
	DefaultWatchDebounceMs     = 200
)

type Config struct {
	Version   int
	Project   Project
	Transport Transport
	Index     Index
	ClassMap  ClassMap
	Editor    Editor
	Log       Log
	Metrics   Metrics
}

type Project struct {
	Root string
	Name string
}

type Transport struct {
	// Selector picks the editor channel: "stdio", "unix:/path", "/path.sock",
	// "tcp:host:port" or a ws:// URL
	Selector            string
	ReadBufferSize      int // Bytes read from the channel per syscall
	DialTimeoutMs       int
	ReconnectIntervalMs int // Minimum spacing between reconnect attempts
	ReconnectBurst      int // Attempts allowed back to back before throttling
	ReconnectAttempts   int // Consecutive failures before giving up (0 = unlimited)
}

type Index struct {
	Dir             string   // Index directory, relative to the project root unless absolute
	Backend         string   // "files" (default) or "badger"
	Workers         int      // Goroutines resolving classes during a build
	CheckpointEvery int      // Completed units between checkpoint flushes
	BuildOnStart    bool     // Build (or resume) the index before serving requests
	Exclude         []string // Source path globs skipped by the builder
	Watch           bool     // Re-resolve classes whose source file changes
	WatchDebounceMs int
}

type ClassMap struct {
	Path        string // autoload_classmap.php, .json or .toml, relative to root unless absolute
	DumpCommand string // Run in the project root before loading, failures are tolerated
}

type Editor struct {
	Progress        bool   // Drive the editor progress bar during index builds
	AnnounceChannel bool   // Tell the editor our channel id once indexing completes
	ChannelVar      string // Editor variable receiving the channel id
}

type Log struct {
	Path     string
	Debug    bool
	TraceRPC bool
}

type Metrics struct {
	Addr string // Prometheus listen address, empty disables exposition
}

// Default returns the built-in configuration for a project root
func Default(root string) *Config {
	return &Config{
		Version: 1,
		Project: Project{
			Root: root,
			Name: filepath.Base(root),
		},
		Transport: Transport{
			Selector:            "stdio",
			ReadBufferSize:      DefaultReadBufferSize,
			DialTimeoutMs:       DefaultDialTimeoutMs,
			ReconnectIntervalMs: DefaultReconnectIntervalMs,
			ReconnectBurst:      DefaultReconnectBurst,
			ReconnectAttempts:   0,
		},
		Index: Index{
			Dir:             DefaultIndexDir,
			Backend:         BackendFiles,
			Workers:         runtime.NumCPU(),
			CheckpointEvery: 1,
			BuildOnStart:    true,
			Exclude:         []string{},
			WatchDebounceMs: DefaultWatchDebounceMs,
		},
		ClassMap: ClassMap{
			Path: DefaultClassMapPath,
		},
		Editor: Editor{
			Progress:        true,
			AnnounceChannel: true,
			ChannelVar:      DefaultChannelVar,
		},
		Log: Log{
			Path: debug.DefaultLogPath(),
		},
	}
}

// Load reads ~/.codeintd.kdl and <root>/.codeintd.kdl on top of the defaults.
// Project settings override global ones; exclusions from both are kept.
func Load(root string) (*Config, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}

	cfg := Default(absRoot)

	if home, err := os.UserHomeDir(); err == nil && home != absRoot {
		if err := applyKDLFile(cfg, filepath.Join(home, ConfigFileName)); err != nil {
			return nil, err
		}
		// Global config never moves the project root
		cfg.Project.Root = absRoot
	}

	if err := applyKDLFile(cfg, filepath.Join(absRoot, ConfigFileName)); err != nil {
		return nil, err
	}

	cfg.Index.Exclude = DeduplicatePatterns(cfg.Index.Exclude)
	return cfg, nil
}

// IndexPath returns the absolute index directory
func (c *Config) IndexPath() string {
	return c.resolve(c.Index.Dir)
}

// ClassMapPath returns the absolute class map location
func (c *Config) ClassMapPath() string {
	return c.resolve(c.ClassMap.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Root, p)
}

// DeduplicatePatterns removes repeated globs while keeping first-seen order
func DeduplicatePatterns(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
