package indexing

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// CheckpointFile is the checkpoint's name inside the index directory
const CheckpointFile = ".checkpoint.json"

// doneLogSuffix names the append-only log of classes applied since the
// checkpoint file was last written
const doneLogSuffix = ".done"

// Checkpoint is the persisted state of an unfinished build: the classes
// that still need resolving. A build killed mid-way resumes from it. The
// checkpoint file is rewritten rarely; units applied in between are
// appended to a done log next to it.
type Checkpoint struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	Total     int               `json:"total"`
	Done      int               `json:"done"`
	Remaining map[string]string `json:"remaining"`
}

// LoadCheckpoint reads a checkpoint. A missing file returns (nil, nil).
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	if cp.Remaining == nil {
		cp.Remaining = map[string]string{}
	}
	if err := cp.replay(path + doneLogSuffix); err != nil {
		return nil, err
	}
	return &cp, nil
}

// replay drops the classes recorded in the done log. A trailing line
// without a newline was torn by a crash and is ignored.
func (cp *Checkpoint) replay(logPath string) error {
	data, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	} else {
		return nil
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		name := string(line)
		if _, ok := cp.Remaining[name]; ok {
			delete(cp.Remaining, name)
			cp.Done++
		}
	}
	return nil
}

// Save writes the checkpoint atomically
func (cp *Checkpoint) Save(path string) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
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
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	// Everything in the done log is now reflected in Remaining
	if err := os.Remove(path + doneLogSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveCheckpoint deletes the checkpoint and its done log once a build completes
func RemoveCheckpoint(path string) error {
	for _, p := range []string{path + doneLogSuffix, path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// DoneLog appends applied class names, one per line, next to a checkpoint.
// Names are buffered until Flush. A nil DoneLog discards everything.
type DoneLog struct {
	path string
	f    *os.File
	buf  []byte
	n    int
}

// OpenDoneLog starts an empty done log for the checkpoint at checkpointPath
func OpenDoneLog(checkpointPath string) (*DoneLog, error) {
	l := &DoneLog{path: checkpointPath + doneLogSuffix}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *DoneLog) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	l.n = 0
	return nil
}

// Add buffers one applied class
func (l *DoneLog) Add(name string) {
	if l == nil {
		return
	}
	l.buf = append(l.buf, name...)
	l.buf = append(l.buf, '\n')
	l.n++
}

// Len counts the names added since the log was opened or restarted
func (l *DoneLog) Len() int {
	if l == nil {
		return 0
	}
	return l.n
}

// Flush writes buffered names
func (l *DoneLog) Flush() error {
	if l == nil || len(l.buf) == 0 {
		return nil
	}
	_, err := l.f.Write(l.buf)
	l.buf = l.buf[:0]
	return err
}

// Restart begins a new empty log after the checkpoint absorbed this one
func (l *DoneLog) Restart() error {
	if l == nil {
		return nil
	}
	l.buf = l.buf[:0]
	l.f.Close()
	return l.open()
}

// Close flushes and closes the log, leaving the file for a resume
func (l *DoneLog) Close() error {
	if l == nil {
		return nil
	}
	err := l.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}
