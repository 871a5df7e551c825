package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
)

const (
	lockStripes = 64
	lockDir     = ".locks"
	tempPrefix  = ".tmp-"
)

// FileStore keeps one JSON array file per key under <dir>/extends and
// <dir>/interfaces. Appends are serialised per key inside the process by a
// striped mutex and across processes by flock(2) on a sidecar lock file,
// and land via temp file + rename so readers never see a partial write.
type FileStore struct {
	dir   string
	locks [lockStripes]sync.Mutex
}

// NewFileStore creates a store rooted at dir. Nothing is touched on disk.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// EscapeKey maps namespace separators to '_' so a key is one path element.
// Distinct keys such as `A\B` and `A_B` share a file.
func EscapeKey(key string) string {
	return strings.NewReplacer(`\`, "_", "/", "_").Replace(key)
}

// Dir returns the index root
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string, kind Kind) string {
	return filepath.Join(s.dir, kind.Dir(), EscapeKey(key))
}

func (s *FileStore) Exists() bool {
	info, err := os.Stat(s.dir)
	return err == nil && info.IsDir()
}

func (s *FileStore) Reset() error {
	for _, kind := range []Kind{Extends, Interfaces} {
		p := filepath.Join(s.dir, kind.Dir())
		if err := os.RemoveAll(p); err != nil {
			return cierrors.NewStoreError("reset", kind.Dir(), p, err)
		}
		if err := os.MkdirAll(p, 0o755); err != nil {
			return cierrors.NewStoreError("reset", kind.Dir(), p, err)
		}
	}
	return os.MkdirAll(filepath.Join(s.dir, lockDir), 0o755)
}

func (s *FileStore) Lookup(key string, kind Kind) []string {
	children, err := readChildren(s.path(key, kind))
	if err != nil {
		debug.Log("STORE", "lookup %s/%s: %v\n", kind, key, err)
		return []string{}
	}
	return children
}

// readChildren returns an empty list for a missing file and an error only
// for content that is not a JSON string array
func readChildren(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return []string{}, err
	}
	var children []string
	if err := json.Unmarshal(data, &children); err != nil {
		return []string{}, err
	}
	return normalize(children), nil
}

func (s *FileStore) Append(key, child string, kind Kind) error {
	path := s.path(key, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cierrors.NewStoreError("append", key, path, err)
	}

	mu := &s.locks[xxhash.Sum64String(kind.Dir()+"/"+key)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	unlock, err := s.lockFile(key, kind)
	if err != nil {
		return cierrors.NewStoreError("lock", key, path, err)
	}
	defer unlock()

	// Unparseable content is replaced rather than propagated
	children, err := readChildren(path)
	if err != nil {
		debug.Log("STORE", "replacing unreadable %s: %v\n", path, err)
	}

	children, added := union(children, child)
	if !added {
		return nil
	}
	if err := writeAtomic(path, children); err != nil {
		return cierrors.NewStoreError("append", key, path, err)
	}
	metrics.StoreWrites.WithLabelValues(kind.Dir()).Inc()
	return nil
}

// lockFile takes an exclusive flock on the key's sidecar lock file
func (s *FileStore) lockFile(key string, kind Kind) (func(), error) {
	dir := filepath.Join(s.dir, lockDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, kind.Dir()+"-"+EscapeKey(key)), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func writeAtomic(path string, children []string) error {
	data, err := json.Marshal(children)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Snapshot keys are escaped file names
func (s *FileStore) Snapshot(kind Kind) (map[string][]string, error) {
	dir := filepath.Join(s.dir, kind.Dir())
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, cierrors.NewStoreError("snapshot", kind.Dir(), dir, err)
	}

	out := make(map[string][]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		children, err := readChildren(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out[e.Name()] = children
	}
	return out, nil
}

func (s *FileStore) Close() error {
	return nil
}
