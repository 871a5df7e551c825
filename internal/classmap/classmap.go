// Package classmap loads the class name to source file map that drives
// index builds and class lookups.
package classmap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
)

// Map is an immutable class to path mapping. Lookups ignore case the way
// PHP class resolution does.
type Map struct {
	classes map[string]string
	folded  map[string]string
}

// New copies entries into a Map. Leading backslashes on names are dropped.
func New(entries map[string]string) *Map {
	m := &Map{
		classes: make(map[string]string, len(entries)),
		folded:  make(map[string]string, len(entries)),
	}
	for name, path := range entries {
		name = strings.TrimPrefix(name, `\`)
		if name == "" || path == "" {
			continue
		}
		m.classes[name] = path
		m.folded[strings.ToLower(name)] = path
	}
	return m
}

// Locate implements introspect.ClassLocator
func (m *Map) Locate(class string) (string, bool) {
	class = strings.TrimPrefix(class, `\`)
	if p, ok := m.classes[class]; ok {
		return p, true
	}
	p, ok := m.folded[strings.ToLower(class)]
	return p, ok
}

// Len reports the number of classes
func (m *Map) Len() int {
	return len(m.classes)
}

// Names returns every class name in sorted order
func (m *Map) Names() []string {
	names := make([]string, 0, len(m.classes))
	for name := range m.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a mutable copy of the entries
func (m *Map) Snapshot() map[string]string {
	out := make(map[string]string, len(m.classes))
	for k, v := range m.classes {
		out[k] = v
	}
	return out
}

// Exclude drops classes whose source path matches any glob. Patterns are
// tried against the absolute path and the path relative to root.
func (m *Map) Exclude(patterns []string, root string) *Map {
	if len(patterns) == 0 {
		return m
	}
	kept := make(map[string]string, len(m.classes))
	for name, path := range m.classes {
		if !matchesAny(patterns, path, root) {
			kept[name] = path
		}
	}
	return New(kept)
}

func matchesAny(patterns []string, path, root string) bool {
	slashed := filepath.ToSlash(path)
	rel := ""
	if root != "" {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = filepath.ToSlash(r)
		}
	}
	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, slashed); err == nil && matched {
			return true
		}
		if rel != "" {
			if matched, err := doublestar.Match(pattern, rel); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// Load reads a class map file. The format follows the extension: composer's
// generated .php class map, a .json object or a .toml table (top level or
// under [classes]). Relative paths in JSON and TOML maps resolve against root.
func Load(path, root string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cierrors.NewConfigError("classmap.path", path, err)
	}

	var entries map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".php":
		entries, err = parseComposer(path, data)
	case ".json":
		entries, err = parseJSON(data)
	case ".toml":
		entries, err = parseTOML(data)
	default:
		err = fmt.Errorf("unsupported class map format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, cierrors.NewConfigError("classmap.path", path, err)
	}

	for name, p := range entries {
		if root != "" && !filepath.IsAbs(p) {
			entries[name] = filepath.Join(root, p)
		}
	}
	return New(entries), nil
}

func parseJSON(data []byte) (map[string]string, error) {
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseTOML(data []byte) (map[string]string, error) {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if nested, ok := doc["classes"].(map[string]interface{}); ok {
		doc = nested
	}

	entries := make(map[string]string, len(doc))
	for name, v := range doc {
		p, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("class %q: path must be a string, got %T", name, v)
		}
		entries[name] = p
	}
	return entries, nil
}

// FromConfig runs the configured dump command, loads the class map and
// applies the index exclusions
func FromConfig(ctx context.Context, cfg *config.Config) (*Map, error) {
	if cfg.ClassMap.DumpCommand != "" {
		Dump(ctx, cfg.ClassMap.DumpCommand, cfg.Project.Root)
	}

	m, err := Load(cfg.ClassMapPath(), cfg.Project.Root)
	if err != nil {
		return nil, err
	}
	filtered := m.Exclude(cfg.Index.Exclude, cfg.Project.Root)
	debug.LogIndexing("class map %s: %d classes (%d excluded)\n",
		cfg.ClassMapPath(), filtered.Len(), m.Len()-filtered.Len())
	return filtered, nil
}

// Dump regenerates the class map with an external command run through the
// shell in dir. A failing command is logged and otherwise ignored: a stale
// class map is still usable.
func Dump(ctx context.Context, command, dir string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.Info("CLASSMAP", "dump command %q failed: %v\n%s", command, err, out)
		return
	}
	debug.LogIndexing("dump command %q finished\n", command)
}
