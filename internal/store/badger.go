package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
)

// layoutKey marks an initialised index, the badger twin of the index directory
var layoutKey = []byte("meta/layout")

const maxConflictRetries = 64

// BadgerStore keeps both indices in one embedded BadgerDB. Keys are
// "<kind>/<name>" with the name unescaped; values are JSON string arrays.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger routes BadgerDB's logging into the daemon log
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	debug.Error("BADGER", format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	debug.Log("BADGER", format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	debug.Log("BADGER", format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {}

// OpenBadger opens (creating if needed) a database at dir
func OpenBadger(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create index database directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{}).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger index: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenBadgerInMemory is used by tests and the offline CLI dry runs
func OpenBadgerInMemory() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger index: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(key string, kind Kind) []byte {
	return []byte(kind.Dir() + "/" + key)
}

func (s *BadgerStore) Exists() bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(layoutKey)
		return err
	})
	return err == nil
}

func (s *BadgerStore) Reset() error {
	if err := s.db.DropAll(); err != nil {
		return cierrors.NewStoreError("reset", "*", "", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(layoutKey, []byte("1"))
	})
}

func (s *BadgerStore) Lookup(key string, kind Kind) []string {
	var children []string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		children, err = getChildren(txn, badgerKey(key, kind))
		return err
	})
	if err != nil {
		debug.Log("STORE", "lookup %s/%s: %v\n", kind, key, err)
		return []string{}
	}
	return children
}

func getChildren(txn *badger.Txn, k []byte) ([]string, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return []string{}, err
	}
	var children []string
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &children)
	})
	if err != nil {
		return []string{}, err
	}
	return normalize(children), nil
}

// Append retries on transaction conflicts so concurrent appends to the
// same key never lose an update
func (s *BadgerStore) Append(key, child string, kind Kind) error {
	k := badgerKey(key, kind)
	var err error
	added := false
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			children, gerr := getChildren(txn, k)
			if gerr != nil {
				debug.Log("STORE", "replacing unreadable %s: %v\n", k, gerr)
			}
			children, added = union(children, child)
			if !added {
				return nil
			}
			data, merr := json.Marshal(children)
			if merr != nil {
				return merr
			}
			return txn.Set(k, data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return cierrors.NewStoreError("append", key, string(k), err)
	}
	if !added {
		return nil
	}
	metrics.StoreWrites.WithLabelValues(kind.Dir()).Inc()
	return nil
}

func (s *BadgerStore) Snapshot(kind Kind) (map[string][]string, error) {
	prefix := []byte(kind.Dir() + "/")
	out := make(map[string][]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := strings.TrimPrefix(string(item.Key()), string(prefix))
			var children []string
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &children)
			}); err != nil {
				continue
			}
			out[name] = normalize(children)
		}
		return nil
	})
	if err != nil {
		return nil, cierrors.NewStoreError("snapshot", kind.Dir(), "", err)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
