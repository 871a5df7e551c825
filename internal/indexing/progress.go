package indexing

import (
	"sync"
	"sync/atomic"
	"time"
)

// Progress receives build progress. Implementations must tolerate being
// called from the coordinator goroutine only; no concurrent calls are made.
type Progress interface {
	Open(total int)
	Incr()
	Close()
}

// NopProgress discards progress updates
type NopProgress struct{}

func (NopProgress) Open(int) {}
func (NopProgress) Incr()    {}
func (NopProgress) Close()   {}

// ProgressTracker counts units during a build and forwards each step to a
// Progress sink. Counters may be read from any goroutine while a build runs.
type ProgressTracker struct {
	sink      Progress
	startTime time.Time

	total   int64 // atomic
	indexed int64 // atomic
	failed  int64 // atomic
	crashed int64 // atomic

	errorsMu sync.Mutex
	errors   []error
}

// maxTrackedErrors bounds memory when a whole class map fails to resolve
const maxTrackedErrors = 100

// NewProgressTracker wraps sink, which may be nil
func NewProgressTracker(sink Progress) *ProgressTracker {
	if sink == nil {
		sink = NopProgress{}
	}
	return &ProgressTracker{sink: sink, startTime: time.Now()}
}

// Start records the unit count and opens the sink
func (pt *ProgressTracker) Start(total int) {
	atomic.StoreInt64(&pt.total, int64(total))
	pt.startTime = time.Now()
	pt.sink.Open(total)
}

// Done records one resolved unit
func (pt *ProgressTracker) Done() {
	atomic.AddInt64(&pt.indexed, 1)
	pt.sink.Incr()
}

// Failed records a unit whose class could not be resolved
func (pt *ProgressTracker) Failed(err error, crashed bool) {
	if crashed {
		atomic.AddInt64(&pt.crashed, 1)
	} else {
		atomic.AddInt64(&pt.failed, 1)
	}
	pt.errorsMu.Lock()
	if len(pt.errors) < maxTrackedErrors {
		pt.errors = append(pt.errors, err)
	}
	pt.errorsMu.Unlock()
	pt.sink.Incr()
}

// Finish closes the sink
func (pt *ProgressTracker) Finish() {
	pt.sink.Close()
}

// Counts returns total, indexed, failed and crashed units so far
func (pt *ProgressTracker) Counts() (total, indexed, failed, crashed int) {
	return int(atomic.LoadInt64(&pt.total)),
		int(atomic.LoadInt64(&pt.indexed)),
		int(atomic.LoadInt64(&pt.failed)),
		int(atomic.LoadInt64(&pt.crashed))
}

// Errors returns up to the first hundred unit failures
func (pt *ProgressTracker) Errors() []error {
	pt.errorsMu.Lock()
	defer pt.errorsMu.Unlock()
	return append([]error(nil), pt.errors...)
}

// Elapsed is the time since Start
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}
