// Package rpc routes decoded msgpack-rpc messages to named handlers and
// correlates responses to the calls this process made to the editor.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hbollon/go-edlib"

	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/msgrpc"
)

// ErrMethodNotExists is the error text sent for unregistered methods
const ErrMethodNotExists = "method not exists"

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you mean" hint
const suggestThreshold = 0.8

// HandlerFunc serves one request or notification
type HandlerFunc func(ctx context.Context, params []interface{}) (interface{}, error)

// Callback receives the editor's answer to a Call
type Callback func(errValue interface{}, result interface{})

// Sender writes one message to the peer
type Sender interface {
	Send(m msgrpc.Message) error
}

// Invocation is one unit of handler work handed to a Runner
type Invocation struct {
	Method string
	ID     uint64
	HasID  bool // false for notifications and callbacks
	Params []interface{}
	Fn     HandlerFunc
}

// Outcome is what a Runner reports back. Crash is set when Fn panicked.
type Outcome struct {
	Result interface{}
	Err    error
	Crash  *cierrors.HandlerCrash
}

// Runner executes invocations one at a time, containing panics
type Runner interface {
	Run(ctx context.Context, inv Invocation) Outcome
}

// Dispatcher owns the handler registry, the outbound id counter and the
// pending-call table. All three live behind one mutex.
type Dispatcher struct {
	sender Sender
	runner Runner

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]Callback
	handlers map[string]HandlerFunc
}

// New creates a dispatcher. Outbound ids start at 1.
func New(sender Sender, runner Runner) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		runner:   runner,
		nextID:   1,
		pending:  make(map[uint64]Callback),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds method to h, replacing any previous handler
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = h
}

// Methods lists registered method names in sorted order
func (d *Dispatcher) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) lookup(method string) (HandlerFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[method]
	return h, ok
}

// Call sends a request to the peer and registers cb for its response.
// With a nil cb the call goes out as a notification and the returned id is 0.
func (d *Dispatcher) Call(method string, params []interface{}, cb Callback) (uint64, error) {
	if params == nil {
		params = []interface{}{}
	}

	if cb == nil {
		return 0, d.sender.Send(&msgrpc.Notification{Method: method, Params: params})
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.pending[id] = cb
	d.mu.Unlock()

	if err := d.sender.Send(&msgrpc.Request{ID: id, Method: method, Params: params}); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return 0, err
	}
	return id, nil
}

// Notify is Call without a callback
func (d *Dispatcher) Notify(method string, params ...interface{}) error {
	_, err := d.Call(method, params, nil)
	return err
}

// Pending reports how many outbound calls still await a response
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) popPending(id uint64) (Callback, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return cb, ok
}

// Handle routes one inbound message. The returned error is non-nil only
// when writing to the peer failed, which means the channel is unusable.
func (d *Dispatcher) Handle(ctx context.Context, m msgrpc.Message) error {
	switch m := m.(type) {
	case *msgrpc.Request:
		return d.onRequest(ctx, m)
	case *msgrpc.Notification:
		d.onNotification(ctx, m)
		return nil
	case *msgrpc.Response:
		d.onResponse(ctx, m)
		return nil
	}
	return fmt.Errorf("rpc: unexpected message %T", m)
}

func (d *Dispatcher) onRequest(ctx context.Context, req *msgrpc.Request) error {
	h, ok := d.lookup(req.Method)
	if !ok {
		d.logUnknown(req.Method)
		return d.sender.Send(&msgrpc.Response{ID: req.ID, Error: ErrMethodNotExists})
	}

	out := d.runner.Run(ctx, Invocation{
		Method: req.Method,
		ID:     req.ID,
		HasID:  true,
		Params: req.Params,
		Fn:     h,
	})

	resp := &msgrpc.Response{ID: req.ID, Result: out.Result}
	switch {
	case out.Crash != nil:
		// Last-gasp reply so the editor is not left waiting
		resp.Error = out.Crash.Error()
		resp.Result = nil
	case out.Err != nil:
		resp.Error = out.Err.Error()
		resp.Result = nil
	}
	return d.sender.Send(resp)
}

func (d *Dispatcher) onNotification(ctx context.Context, n *msgrpc.Notification) {
	h, ok := d.lookup(n.Method)
	if !ok {
		d.logUnknown(n.Method)
		return
	}

	out := d.runner.Run(ctx, Invocation{Method: n.Method, Params: n.Params, Fn: h})
	switch {
	case out.Crash != nil:
		debug.Error("RPC", "notification %s crashed: %v\n", n.Method, out.Crash)
	case out.Err != nil:
		debug.Log("RPC", "notification %s failed: %v\n", n.Method, out.Err)
	}
}

func (d *Dispatcher) onResponse(ctx context.Context, resp *msgrpc.Response) {
	cb, ok := d.popPending(resp.ID)
	if !ok {
		debug.Log("RPC", "dropping response for unknown id %d\n", resp.ID)
		return
	}

	// Callbacks run on the same worker as handlers so a panic is contained
	out := d.runner.Run(ctx, Invocation{
		Method: fmt.Sprintf("callback#%d", resp.ID),
		Params: []interface{}{resp.Error, resp.Result},
		Fn: func(context.Context, []interface{}) (interface{}, error) {
			cb(resp.Error, resp.Result)
			return nil, nil
		},
	})
	if out.Crash != nil {
		debug.Error("RPC", "response callback for id %d crashed: %v\n", resp.ID, out.Crash)
	}
}

func (d *Dispatcher) logUnknown(method string) {
	if s := d.suggest(method); s != "" {
		debug.Info("RPC", "unknown method %q, did you mean %q?\n", method, s)
		return
	}
	debug.Info("RPC", "unknown method %q\n", method)
}

// suggest returns the registered method closest to method, if any is close enough
func (d *Dispatcher) suggest(method string) string {
	best := ""
	var bestScore float32
	for _, name := range d.Methods() {
		score, err := edlib.StringsSimilarity(method, name, edlib.JaroWinkler)
		if err != nil {
			continue
		}
		if score > bestScore {
			best, bestScore = name, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
