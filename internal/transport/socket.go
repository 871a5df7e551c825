package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/codeintd/internal/debug"
)

// SocketDialer connects to a unix or tcp endpoint opened by the editor
type SocketDialer struct {
	network string
	address string
	timeout time.Duration
}

// NewUnixDialer dials a unix socket, waiting for the socket file to appear
func NewUnixDialer(path string, timeout time.Duration) *SocketDialer {
	return &SocketDialer{network: "unix", address: path, timeout: timeout}
}

// NewTCPDialer dials host:port
func NewTCPDialer(addr string, timeout time.Duration) *SocketDialer {
	return &SocketDialer{network: "tcp", address: addr, timeout: timeout}
}

// DefaultSocketPath returns a project-specific socket path so several
// daemons can run for different projects simultaneously
func DefaultSocketPath(root string) string {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("codeintd-%016x.sock", xxhash.Sum64String(absRoot)))
}

func (d *SocketDialer) Endpoint() string {
	return d.network + ":" + d.address
}

func (d *SocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if d.network == "unix" {
		if err := waitForSocket(ctx, d.address); err != nil {
			return nil, err
		}
	}

	var nd net.Dialer
	return nd.DialContext(ctx, d.network, d.address)
}

// waitForSocket blocks until path exists. An editor that restarts removes
// and recreates its socket, so a reconnect would otherwise spin on ENOENT.
func waitForSocket(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create socket watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	// The socket may have appeared between Stat and Add
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	debug.LogTransport("waiting for socket %s\n", path)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("socket %s did not appear: %w", path, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("socket watcher closed")
			}
			if event.Name == path && event.Op&fsnotify.Create != 0 {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("socket watcher closed")
			}
			debug.LogTransport("socket watcher error: %v\n", err)
		}
	}
}
