package testhelpers

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/codeintd/internal/msgrpc"
)

// DefaultWait bounds every blocking Peer helper
const DefaultWait = 5 * time.Second

// PipeDialer implements transport.Dialer over net.Pipe. Every Dial hands
// the far end to a new Peer, collected with Next.
type PipeDialer struct {
	mu    sync.Mutex
	dials int
	fail  error
	setup func(*Peer)
	peers chan *Peer
}

// NewPipeDialer creates a dialer. setup, if non-nil, runs on each Peer
// before the daemon can write to it, so request answers are in place.
func NewPipeDialer(setup func(*Peer)) *PipeDialer {
	return &PipeDialer{setup: setup, peers: make(chan *Peer, 16)}
}

func (d *PipeDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	local, remote := net.Pipe()
	p := NewPeer(remote, d.setup)
	d.peers <- p
	return local, nil
}

func (d *PipeDialer) Endpoint() string { return "pipe" }

// Dials counts Dial calls, failed ones included
func (d *PipeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// FailWith makes later dials return err
func (d *PipeDialer) FailWith(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Next waits for the next dialed peer
func (d *PipeDialer) Next(t testing.TB) *Peer {
	t.Helper()
	select {
	case p := <-d.peers:
		return p
	case <-time.After(DefaultWait):
		require.FailNow(t, "no connection dialed")
		return nil
	}
}

// Answer produces the error and result for a request the daemon sent
type Answer func(params []interface{}) (errValue interface{}, result interface{})

// Peer plays the editor on one end of a pipe. It logs everything the
// daemon writes, answers daemon requests registered with Handle and lets
// the test issue requests of its own.
type Peer struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	answers map[string]Answer
	log     []msgrpc.Message
	changed chan struct{} // closed and replaced on every log append
	closed  bool

	wg sync.WaitGroup
}

// NewPeer starts reading conn. setup may register answers.
func NewPeer(conn net.Conn, setup func(*Peer)) *Peer {
	p := &Peer{
		conn:    conn,
		nextID:  1,
		answers: make(map[string]Answer),
		changed: make(chan struct{}),
	}
	if setup != nil {
		setup(p)
	}
	p.wg.Add(1)
	go p.read()
	return p
}

// Handle answers every daemon request for method with fn
func (p *Peer) Handle(method string, fn Answer) {
	p.mu.Lock()
	p.answers[method] = fn
	p.mu.Unlock()
}

func (p *Peer) read() {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.closed = true
		close(p.changed)
		p.changed = make(chan struct{})
		p.mu.Unlock()
	}()

	dec := msgrpc.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				m, derr := dec.Next()
				if derr != nil {
					break
				}
				p.observe(m)
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Peer) observe(m msgrpc.Message) {
	p.mu.Lock()
	p.log = append(p.log, m)
	close(p.changed)
	p.changed = make(chan struct{})
	var fn Answer
	req, isReq := m.(*msgrpc.Request)
	if isReq {
		fn = p.answers[req.Method]
	}
	p.mu.Unlock()

	if fn != nil {
		errValue, result := fn(req.Params)
		// The daemon may be mid-send itself, so reply off the read path
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = p.write(&msgrpc.Response{ID: req.ID, Error: errValue, Result: result})
		}()
	}
}

// waitFor blocks until find reports a hit, the daemon hangs up or the wait
// expires. find runs with the log locked.
func (p *Peer) waitFor(t testing.TB, what string, find func(log []msgrpc.Message, closed bool) bool) {
	t.Helper()
	deadline := time.After(DefaultWait)
	for {
		p.mu.Lock()
		if find(p.log, p.closed) {
			p.mu.Unlock()
			return
		}
		closed := p.closed
		ch := p.changed
		p.mu.Unlock()

		if closed {
			require.FailNow(t, "connection closed while waiting for "+what)
		}
		select {
		case <-ch:
		case <-deadline:
			require.FailNow(t, "timed out waiting for "+what)
		}
	}
}

func (p *Peer) write(m msgrpc.Message) error {
	b, err := msgrpc.Encode(m)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.conn.Write(b)
	return err
}

// Write sends raw bytes, e.g. a corrupt frame
func (p *Peer) Write(t testing.TB, b []byte) {
	t.Helper()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	require.NoError(t, err)
}

// Request sends a request and returns its id
func (p *Peer) Request(t testing.TB, method string, params ...interface{}) uint64 {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()
	require.NoError(t, p.write(&msgrpc.Request{ID: id, Method: method, Params: params}))
	return id
}

// Notify sends a notification
func (p *Peer) Notify(t testing.TB, method string, params ...interface{}) {
	t.Helper()
	if params == nil {
		params = []interface{}{}
	}
	require.NoError(t, p.write(&msgrpc.Notification{Method: method, Params: params}))
}

// Send writes an arbitrary message
func (p *Peer) Send(t testing.TB, m msgrpc.Message) {
	t.Helper()
	require.NoError(t, p.write(m))
}

// Call sends a request and waits for its response
func (p *Peer) Call(t testing.TB, method string, params ...interface{}) *msgrpc.Response {
	t.Helper()
	return p.Response(t, p.Request(t, method, params...))
}

// Response waits for the response to id
func (p *Peer) Response(t testing.TB, id uint64) *msgrpc.Response {
	t.Helper()
	var resp *msgrpc.Response
	p.waitFor(t, "response", func(log []msgrpc.Message, _ bool) bool {
		for _, m := range log {
			if r, ok := m.(*msgrpc.Response); ok && r.ID == id {
				resp = r
				return true
			}
		}
		return false
	})
	return resp
}

// WaitNotification waits until a notification satisfying match has arrived
func (p *Peer) WaitNotification(t testing.TB, match func(*msgrpc.Notification) bool) *msgrpc.Notification {
	t.Helper()
	var found *msgrpc.Notification
	p.waitFor(t, "notification", func(log []msgrpc.Message, _ bool) bool {
		for _, m := range log {
			if n, ok := m.(*msgrpc.Notification); ok && match(n) {
				found = n
				return true
			}
		}
		return false
	})
	return found
}

// WaitCommand waits for a vim_command notification carrying cmd
func (p *Peer) WaitCommand(t testing.TB, cmd string) {
	t.Helper()
	p.WaitNotification(t, func(n *msgrpc.Notification) bool {
		if n.Method != "vim_command" || len(n.Params) == 0 {
			return false
		}
		s, _ := n.Params[0].(string)
		return s == cmd
	})
}

// WaitClosed waits for the daemon to hang up this end
func (p *Peer) WaitClosed(t testing.TB) {
	t.Helper()
	p.waitFor(t, "hang-up", func(_ []msgrpc.Message, closed bool) bool { return closed })
}

// Notifications returns every notification received so far
func (p *Peer) Notifications() []*msgrpc.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*msgrpc.Notification
	for _, m := range p.log {
		if n, ok := m.(*msgrpc.Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

// Requests returns every request the daemon sent so far
func (p *Peer) Requests() []*msgrpc.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*msgrpc.Request
	for _, m := range p.log {
		if r, ok := m.(*msgrpc.Request); ok {
			out = append(out, r)
		}
	}
	return out
}

// Commands returns the string argument of every vim_command notification
func (p *Peer) Commands() []string {
	var out []string
	for _, n := range p.Notifications() {
		if n.Method != "vim_command" || len(n.Params) == 0 {
			continue
		}
		if s, ok := n.Params[0].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Close hangs up and waits for the reader and pending replies to stop
func (p *Peer) Close() {
	_ = p.conn.Close()
	p.wg.Wait()
}
