// Package transport owns the byte stream to the editor: it dials the channel,
// writes each message as one unit and feeds received bytes through the
// msgrpc decoder.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
	"github.com/standardbeagle/codeintd/internal/msgrpc"
)

var (
	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned by Send and ReceiveLoop before Connect
	ErrNotConnected = errors.New("transport: not connected")

	// ErrNotReconnectable means the channel can never be reopened,
	// e.g. standard input reached EOF
	ErrNotReconnectable = errors.New("transport: channel cannot be reopened")
)

// Dialer opens one duplex channel to the editor
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	Endpoint() string
}

// Options tunes reads and the reconnect policy
type Options struct {
	ReadBufferSize    int
	ReconnectInterval time.Duration // Spacing between reconnect attempts once the burst is spent
	ReconnectBurst    int
	MaxAttempts       int // Consecutive failed dials before Reconnect gives up, 0 = unlimited
}

// OptionsFromConfig converts the transport config section
func OptionsFromConfig(cfg config.Transport) Options {
	return Options{
		ReadBufferSize:    cfg.ReadBufferSize,
		ReconnectInterval: time.Duration(cfg.ReconnectIntervalMs) * time.Millisecond,
		ReconnectBurst:    cfg.ReconnectBurst,
		MaxAttempts:       cfg.ReconnectAttempts,
	}
}

// Transport is safe for concurrent Send. ReceiveLoop and Reconnect must be
// called from a single goroutine.
type Transport struct {
	dialer  Dialer
	opts    Options
	limiter *rate.Limiter

	writeMu sync.Mutex // serialises whole frames

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	closed bool

	dec *msgrpc.Decoder
}

// New creates an unconnected transport
func New(d Dialer, opts Options) *Transport {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = config.DefaultReadBufferSize
	}
	if opts.ReconnectBurst <= 0 {
		opts.ReconnectBurst = config.DefaultReconnectBurst
	}
	limit := rate.Inf
	if opts.ReconnectInterval > 0 {
		limit = rate.Every(opts.ReconnectInterval)
	}
	return &Transport{
		dialer:  d,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.ReconnectBurst),
		dec:     msgrpc.NewDecoder(),
	}
}

// Endpoint describes the channel for logs
func (t *Transport) Endpoint() string {
	return t.dialer.Endpoint()
}

// Connect dials the channel. Calling it while connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	conn, err := t.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrNotReconnectable) {
			return err
		}
		return cierrors.NewTransportError("connect", t.dialer.Endpoint(), err)
	}
	t.conn = conn
	debug.LogTransport("connected to %s\n", t.dialer.Endpoint())
	return nil
}

// Send encodes m and writes it as a single write
func (t *Transport) Send(m msgrpc.Message) error {
	b, err := msgrpc.Encode(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn, err := t.current()
	if err != nil {
		return err
	}

	debug.LogRPC(debug.DirectionOut, m)
	if _, err := conn.Write(b); err != nil {
		return cierrors.NewTransportError("write", t.dialer.Endpoint(), err)
	}
	metrics.MessagesSent.WithLabelValues(m.Kind().String()).Inc()
	return nil
}

func (t *Transport) current() (io.ReadWriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// ReceiveLoop reads until the channel fails, ctx is cancelled or onMessage
// returns an error, calling onMessage once per decoded message in order.
// The returned error is a *errors.ProtocolError for a corrupt stream, a
// *errors.TransportError for I/O failures (wrapping io.EOF on hang-up),
// ctx.Err() on cancellation, or whatever onMessage returned.
func (t *Transport) ReceiveLoop(ctx context.Context, onMessage func(msgrpc.Message) error) error {
	conn, err := t.current()
	if err != nil {
		return err
	}

	// Closing the connection is the only portable way to unblock Read
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	buf := make([]byte, t.opts.ReadBufferSize)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			t.dec.Feed(buf[:n])
			if err := t.drain(onMessage); err != nil {
				return err
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if t.isClosed() {
				return ErrClosed
			}
			return cierrors.NewTransportError("read", t.dialer.Endpoint(), rerr)
		}
	}
}

func (t *Transport) drain(onMessage func(msgrpc.Message) error) error {
	for {
		msg, err := t.dec.Next()
		if errors.Is(err, msgrpc.ErrIncomplete) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.MessagesReceived.WithLabelValues(msg.Kind().String()).Inc()
		debug.LogRPC(debug.DirectionIn, msg)
		if err := onMessage(msg); err != nil {
			return err
		}
	}
}

// Reconnect closes the current channel, discards any partial frame and dials
// again, throttled by the reconnect limiter. It is safe to call repeatedly.
func (t *Transport) Reconnect(ctx context.Context, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old := t.conn
	t.conn = nil
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	t.dec.Reset()
	metrics.Reconnects.WithLabelValues(reason).Inc()
	debug.LogTransport("reconnecting to %s (%s)\n", t.dialer.Endpoint(), reason)

	failures := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		conn, err := t.dialer.Dial(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				_ = conn.Close()
				return ErrClosed
			}
			t.conn = conn
			t.mu.Unlock()
			debug.LogTransport("reconnected to %s\n", t.dialer.Endpoint())
			return nil
		}
		if errors.Is(err, ErrNotReconnectable) {
			return err
		}

		failures++
		debug.LogTransport("reconnect attempt %d to %s failed: %v\n", failures, t.dialer.Endpoint(), err)
		if t.opts.MaxAttempts > 0 && failures >= t.opts.MaxAttempts {
			return cierrors.NewTransportError("reconnect", t.dialer.Endpoint(), err)
		}
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close shuts the channel down for good
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
