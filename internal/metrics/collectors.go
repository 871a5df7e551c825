package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/standardbeagle/codeintd/internal/debug"
)

// Outcome labels for HandlerInvocations and IndexUnits
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCrash    = "crash"
	OutcomeNotFound = "not_found"
	OutcomeIndexed  = "indexed"
	OutcomeSkipped  = "skipped"
)

var (
	// MessagesReceived counts decoded frames by message kind
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_rpc_messages_received_total",
		Help: "Frames decoded from the editor channel by kind",
	}, []string{"kind"})

	// MessagesSent counts frames written to the editor channel
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_rpc_messages_sent_total",
		Help: "Frames written to the editor channel by kind",
	}, []string{"kind"})

	// HandlerInvocations counts handler runs by method and outcome
	HandlerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_handler_invocations_total",
		Help: "Handler invocations by method and outcome",
	}, []string{"method", "outcome"})

	// HandlerDuration tracks handler latency
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codeintd_handler_duration_seconds",
		Help:    "Handler execution time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"method"})

	// WorkerRestarts counts worker lineages replaced after a crash
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeintd_worker_restarts_total",
		Help: "Handler worker goroutines restarted after a panic",
	})

	// Reconnects counts transport reconnects by reason
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_transport_reconnects_total",
		Help: "Transport reconnects by reason",
	}, []string{"reason"})

	// IndexUnits counts classes processed by the index builder
	IndexUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_index_units_total",
		Help: "Index build units by outcome",
	}, []string{"outcome"})

	// IndexBuildDuration tracks full index builds
	IndexBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codeintd_index_build_duration_seconds",
		Help:    "Index build wall time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// StoreWrites counts child appends by index kind
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeintd_store_appends_total",
		Help: "Index store appends by index",
	}, []string{"index"})
)

// ObserveHandler records one handler run
func ObserveHandler(method, outcome string, elapsed time.Duration) {
	HandlerInvocations.WithLabelValues(method, outcome).Inc()
	HandlerDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Serve exposes the default registry on addr until ctx is cancelled.
// An empty addr disables exposition.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	debug.LogServer("metrics listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
