// Package store persists the two inverted type-hierarchy indices:
// supertype -> subclasses and interface -> implementors.
package store

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/standardbeagle/codeintd/internal/config"
)

// Kind selects one of the two indices
type Kind int

const (
	Extends Kind = iota
	Interfaces
)

// KindFor maps the wire-level isInterfaceIndex flag to a Kind
func KindFor(wantInterface bool) Kind {
	if wantInterface {
		return Interfaces
	}
	return Extends
}

// Dir is the directory (or key prefix) holding this index
func (k Kind) Dir() string {
	if k == Interfaces {
		return "interfaces"
	}
	return "extends"
}

func (k Kind) String() string {
	return k.Dir()
}

// Store is implemented by the file-per-key and badger backends.
// Lookups never fail: missing or unreadable entries read as empty.
type Store interface {
	// Exists reports whether the index layout has been created
	Exists() bool
	// Reset drops both indices and recreates an empty layout
	Reset() error
	// Lookup returns the sorted children of key
	Lookup(key string, kind Kind) []string
	// Append adds child to key with set semantics
	Append(key, child string, kind Kind) error
	// Snapshot returns every entry of one index
	Snapshot(kind Kind) (map[string][]string, error)
	Close() error
}

// Open returns the backend selected by the index configuration
func Open(cfg *config.Config) (Store, error) {
	dir := cfg.IndexPath()
	switch cfg.Index.Backend {
	case "", config.BackendFiles:
		return NewFileStore(dir), nil
	case config.BackendBadger:
		return OpenBadger(filepath.Join(dir, "badger"))
	}
	return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
}

// normalize sorts and deduplicates children in place
func normalize(children []string) []string {
	if len(children) == 0 {
		return []string{}
	}
	sort.Strings(children)
	out := children[:1]
	for _, c := range children[1:] {
		if c != out[len(out)-1] {
			out = append(out, c)
		}
	}
	return out
}

// union inserts child into the sorted set children.
// The bool is false when child was already present.
func union(children []string, child string) ([]string, bool) {
	children = normalize(children)
	i := sort.SearchStrings(children, child)
	if i < len(children) && children[i] == child {
		return children, false
	}
	children = append(children, "")
	copy(children[i+1:], children[i:])
	children[i] = child
	return children, true
}
