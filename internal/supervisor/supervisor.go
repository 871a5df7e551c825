// Package supervisor runs handler invocations on a single worker goroutine
// and replaces that worker whenever a handler panics.
package supervisor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	cidebug "github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
	"github.com/standardbeagle/codeintd/internal/rpc"
)

// ErrStopped is reported for invocations submitted after Stop
var ErrStopped = errors.New("supervisor: stopped")

// Marker identifies the invocation currently executing
type Marker struct {
	Method string
	ID     uint64
	HasID  bool
}

type job struct {
	ctx   context.Context
	inv   rpc.Invocation
	reply chan rpc.Outcome
}

// Supervisor implements rpc.Runner. Invocations run strictly one at a time
// in submission order, so responses leave in the order requests arrived.
type Supervisor struct {
	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once

	mu         sync.Mutex
	generation int
	restarts   int
	inflight   *Marker
	lastCrash  *cierrors.HandlerCrash
}

// New starts the first worker lineage
func New() *Supervisor {
	s := &Supervisor{
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.spawnLocked()
	s.mu.Unlock()
	return s
}

func (s *Supervisor) spawnLocked() {
	s.generation++
	gen := s.generation
	s.wg.Add(1)
	go s.work(gen)
}

func (s *Supervisor) work(gen int) {
	defer s.wg.Done()
	cidebug.Log("SUPERVISOR", "worker generation %d started\n", gen)

	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			out, crashed := s.execute(j)
			if crashed {
				// Hand over to a fresh lineage before replying so the
				// next invocation always finds a live worker
				s.restart(gen)
				j.reply <- out
				return
			}
			j.reply <- out
		}
	}
}

func (s *Supervisor) restart(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.restarts++
	metrics.WorkerRestarts.Inc()
	cidebug.LogServer("worker generation %d crashed, starting generation %d\n", gen, s.generation+1)
	s.spawnLocked()
}

func (s *Supervisor) execute(j job) (out rpc.Outcome, crashed bool) {
	start := time.Now()
	s.setInflight(&Marker{Method: j.inv.Method, ID: j.inv.ID, HasID: j.inv.HasID})

	defer func() {
		if r := recover(); r != nil {
			crash := cierrors.NewHandlerCrash(j.inv.Method, r, debug.Stack())
			if j.inv.HasID {
				crash.WithID(j.inv.ID)
			}
			// The in-flight marker stays set; it names the invocation that died
			s.mu.Lock()
			s.lastCrash = crash
			s.mu.Unlock()

			cidebug.Error("SUPERVISOR", "%v\n%s\n", crash, crash.Stack)
			metrics.ObserveHandler(j.inv.Method, metrics.OutcomeCrash, time.Since(start))
			out, crashed = rpc.Outcome{Crash: crash}, true
		}
	}()

	res, err := j.inv.Fn(j.ctx, j.inv.Params)
	s.setInflight(nil)

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveHandler(j.inv.Method, outcome, time.Since(start))
	return rpc.Outcome{Result: res, Err: err}, false
}

func (s *Supervisor) setInflight(m *Marker) {
	s.mu.Lock()
	s.inflight = m
	s.mu.Unlock()
}

// Run submits inv and blocks until it completes or crashes.
// A handler that never returns blocks Run forever.
func (s *Supervisor) Run(ctx context.Context, inv rpc.Invocation) rpc.Outcome {
	reply := make(chan rpc.Outcome, 1)
	select {
	case s.jobs <- job{ctx: ctx, inv: inv, reply: reply}:
	case <-s.done:
		return rpc.Outcome{Err: ErrStopped}
	case <-ctx.Done():
		return rpc.Outcome{Err: ctx.Err()}
	}
	return <-reply
}

// Generation is the number of worker lineages started so far
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Restarts counts lineages replaced after a crash
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// InFlight returns the invocation currently executing, or the one that
// crashed most recently if nothing has completed cleanly since
func (s *Supervisor) InFlight() (Marker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		return Marker{}, false
	}
	return *s.inflight, true
}

// LastCrash returns the most recent recovered panic
func (s *Supervisor) LastCrash() *cierrors.HandlerCrash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCrash
}

// Stop ends the current lineage after any running invocation finishes
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
	s.wg.Wait()
}
