package introspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/standardbeagle/codeintd/internal/debug"
)

// ErrNotFound means the class is not in the class map or its file does not declare it
var ErrNotFound = errors.New("introspect: class not found")

// DefaultCacheSize is the number of parsed files kept in memory
const DefaultCacheSize = 512

// ClassLocator maps a fully qualified class name to its source file
type ClassLocator interface {
	Locate(class string) (path string, ok bool)
}

// SymbolInfo is the answer to describe(class)
type SymbolInfo struct {
	Name       string
	Kind       string
	Path       string
	Line       int
	Parent     string   // Direct parent, empty when there is none
	Interfaces []string // Every interface the class implements, inherited ones included, sorted
}

type cachedFile struct {
	modTime time.Time
	size    int64
	info    *FileInfo
}

// Describer resolves classes through a locator and caches parsed files.
// It is safe for concurrent use.
type Describer struct {
	locator ClassLocator
	cache   *lru.Cache[string, cachedFile]
}

// NewDescriber creates a describer caching up to size parsed files
func NewDescriber(locator ClassLocator, size int) (*Describer, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedFile](size)
	if err != nil {
		return nil, err
	}
	return &Describer{locator: locator, cache: cache}, nil
}

// File parses path, reusing the cached result while the file is unchanged
func (d *Describer) File(path string) (*FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if c, ok := d.cache.Get(path); ok && c.modTime.Equal(st.ModTime()) && c.size == st.Size() {
		return c.info, nil
	}

	info, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	d.cache.Add(path, cachedFile{modTime: st.ModTime(), size: st.Size(), info: info})
	return info, nil
}

// Forget drops a file from the cache
func (d *Describer) Forget(path string) {
	d.cache.Remove(path)
}

// Class returns the declaration of a fully qualified class name
func (d *Describer) Class(ctx context.Context, name string) (*ClassInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimPrefix(name, `\`)
	if name == "" {
		return nil, ErrNotFound
	}

	path, ok := d.locator.Locate(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	fi, err := d.File(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, name, err)
	}
	c := fi.Class(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s not declared in %s", ErrNotFound, name, path)
	}
	return c, nil
}

// Describe resolves a class's parent and its full interface set. Ancestors
// that cannot be located still contribute the names written in source.
func (d *Describer) Describe(ctx context.Context, name string) (*SymbolInfo, error) {
	c, err := d.Class(ctx, name)
	if err != nil {
		return nil, err
	}

	info := &SymbolInfo{
		Name:   c.Name,
		Kind:   c.Kind,
		Path:   c.Path,
		Line:   c.Line,
		Parent: c.Parent,
	}

	seen := map[string]bool{}
	ifaces := map[string]bool{}
	var visit func(c *ClassInfo)
	visit = func(c *ClassInfo) {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return
		}
		seen[key] = true

		for _, iface := range c.Interfaces {
			ifaces[iface] = true
			if ic := d.tryClass(ctx, iface); ic != nil {
				visit(ic)
			}
		}
		if c.Parent != "" {
			if pc := d.tryClass(ctx, c.Parent); pc != nil {
				visit(pc)
			}
		}
		for _, t := range c.Traits {
			if tc := d.tryClass(ctx, t); tc != nil {
				visit(tc)
			}
		}
	}
	visit(c)

	info.Interfaces = make([]string, 0, len(ifaces))
	for iface := range ifaces {
		info.Interfaces = append(info.Interfaces, iface)
	}
	sort.Strings(info.Interfaces)
	return info, nil
}

func (d *Describer) tryClass(ctx context.Context, name string) *ClassInfo {
	c, err := d.Class(ctx, name)
	if err != nil {
		debug.Log("INTROSPECT", "ancestor %s unresolved: %v\n", name, err)
		return nil
	}
	return c
}

// ResolvedMember is a member together with the class that declares it
type ResolvedMember struct {
	Member
	Owner *ClassInfo
}

// Members lists every member visible on a class: its own, its traits',
// then inherited ones from parents and interfaces. A name declared closer
// to the class wins. Private members of ancestors are not visible.
func (d *Describer) Members(ctx context.Context, name string) ([]ResolvedMember, error) {
	c, err := d.Class(ctx, name)
	if err != nil {
		return nil, err
	}

	var out []ResolvedMember
	taken := map[string]bool{}
	seen := map[string]bool{}

	var collect func(c *ClassInfo, inherited bool)
	collect = func(c *ClassInfo, inherited bool) {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return
		}
		seen[key] = true

		for _, m := range c.Members {
			if inherited && m.Visibility == VisibilityPrivate {
				continue
			}
			id := memberKey(m)
			if taken[id] {
				continue
			}
			taken[id] = true
			out = append(out, ResolvedMember{Member: m, Owner: c})
		}
		// Trait members count as declared by the using class
		for _, t := range c.Traits {
			if tc := d.tryClass(ctx, t); tc != nil {
				collect(tc, inherited)
			}
		}
		if c.Parent != "" {
			if pc := d.tryClass(ctx, c.Parent); pc != nil {
				collect(pc, true)
			}
		}
		for _, iface := range c.Interfaces {
			if ic := d.tryClass(ctx, iface); ic != nil {
				collect(ic, true)
			}
		}
	}
	collect(c, false)
	return out, nil
}

// Member finds one visible member by name. Methods match case-insensitively,
// properties and constants exactly.
func (d *Describer) Member(ctx context.Context, class, name string, kinds ...MemberKind) (*ResolvedMember, error) {
	members, err := d.Members(ctx, class)
	if err != nil {
		return nil, err
	}
	for _, kind := range kinds {
		for i := range members {
			m := &members[i]
			if m.Kind != kind {
				continue
			}
			if m.Name == name || (kind == MemberMethod && strings.EqualFold(m.Name, name)) {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s::%s", ErrNotFound, class, name)
}

func memberKey(m Member) string {
	switch m.Kind {
	case MemberMethod:
		return "f:" + strings.ToLower(m.Name)
	case MemberProperty:
		return "p:" + m.Name
	}
	return "d:" + m.Name
}
