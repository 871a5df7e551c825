package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// StdioDialer speaks over a reader/writer pair, normally the process's
// standard streams. The pair cannot be reopened: Dial after EOF returns
// ErrNotReconnectable, any other redial just resumes the same streams.
type StdioDialer struct {
	in  io.Reader
	out io.Writer

	mu  sync.Mutex
	eof bool
}

// NewStdioDialer wraps in/out. Close never closes the underlying streams.
func NewStdioDialer(in io.Reader, out io.Writer) *StdioDialer {
	return &StdioDialer{in: in, out: out}
}

// NewProcessStdio uses os.Stdin and os.Stdout
func NewProcessStdio() *StdioDialer {
	return NewStdioDialer(os.Stdin, os.Stdout)
}

func (d *StdioDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eof {
		return nil, ErrNotReconnectable
	}
	return &stdioConn{d: d}, nil
}

func (d *StdioDialer) Endpoint() string {
	return "stdio"
}

func (d *StdioDialer) markEOF() {
	d.mu.Lock()
	d.eof = true
	d.mu.Unlock()
}

type stdioConn struct {
	d *StdioDialer

	mu     sync.Mutex
	closed bool
}

func (c *stdioConn) Read(p []byte) (int, error) {
	if c.isClosed() {
		return 0, io.ErrClosedPipe
	}
	n, err := c.d.in.Read(p)
	if errors.Is(err, io.EOF) {
		c.d.markEOF()
	}
	return n, err
}

func (c *stdioConn) Write(p []byte) (int, error) {
	if c.isClosed() {
		return 0, io.ErrClosedPipe
	}
	return c.d.out.Write(p)
}

// Close detaches this handle only. A Read already blocked on the
// underlying stream stays blocked until the stream yields data or EOF.
func (c *stdioConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *stdioConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
