// Package server wires the daemon together: it attaches to the editor over a
// transport, routes requests through the dispatcher to handlers running on
// the supervised worker, and keeps the channel alive across failures.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/metrics"
	"github.com/standardbeagle/codeintd/internal/msgrpc"
	"github.com/standardbeagle/codeintd/internal/rpc"
	"github.com/standardbeagle/codeintd/internal/supervisor"
	"github.com/standardbeagle/codeintd/internal/transport"
)

// Reconnect reasons, also used as metric labels
const (
	ReasonEOF      = "eof"
	ReasonRead     = "read"
	ReasonWrite    = "write"
	ReasonProtocol = "protocol"
	ReasonUnknown  = "error"
)

// Server serves one editor. Requests are handled one at a time in arrival
// order; a handler panic is answered with an error response and the next
// request goes to a fresh worker.
type Server struct {
	cfg        *config.Config
	project    *Project
	transport  *transport.Transport
	dispatcher *rpc.Dispatcher
	supervisor *supervisor.Supervisor
	startTime  time.Time

	mu         sync.Mutex
	running    bool
	reconnects int
	shutdown   sync.Once
}

// New creates a server for project talking over dialer. A nil dialer is
// built from the transport selector in cfg.
func New(cfg *config.Config, project *Project, dialer transport.Dialer) (*Server, error) {
	if dialer == nil {
		var err error
		timeout := time.Duration(cfg.Transport.DialTimeoutMs) * time.Millisecond
		dialer, err = transport.Parse(cfg.Transport.Selector, cfg.Project.Root, timeout)
		if err != nil {
			return nil, cierrors.NewConfigError("transport.selector", cfg.Transport.Selector, err)
		}
	}

	tr := transport.New(dialer, transport.OptionsFromConfig(cfg.Transport))
	sup := supervisor.New()
	s := &Server{
		cfg:        cfg,
		project:    project,
		transport:  tr,
		dispatcher: rpc.New(tr, sup),
		supervisor: sup,
		startTime:  time.Now(),
	}
	s.registerHandlers()
	return s, nil
}

// Dispatcher exposes the dispatcher, e.g. to register extra handlers
func (s *Server) Dispatcher() *rpc.Dispatcher {
	return s.dispatcher
}

// Serve connects to the editor, builds the index first when configured to,
// and then handles messages until ctx is cancelled, Shutdown is called or
// the channel can no longer be reopened. Handler panics never end Serve.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var metricsWG sync.WaitGroup
	if s.cfg.Metrics.Addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer func() {
			stopMetrics()
			metricsWG.Wait()
		}()
		metricsWG.Add(1)
		go func() {
			defer metricsWG.Done()
			if err := metrics.Serve(metricsCtx, s.cfg.Metrics.Addr); err != nil {
				debug.Error("SERVER", "metrics: %v\n", err)
			}
		}()
	}

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	debug.LogServer("serving %s on %s (pid %d)\n", s.cfg.Project.Root, s.transport.Endpoint(), os.Getpid())

	if s.cfg.Index.Watch {
		if err := s.project.Watch(); err != nil {
			debug.Error("SERVER", "file watching disabled: %v\n", err)
		}
	}

	if s.cfg.Index.BuildOnStart {
		// Requests wait until the index exists
		if err := s.index(ctx, false); err != nil {
			debug.Error("SERVER", "initial build: %v\n", err)
		}
	}

	handle := func(m msgrpc.Message) error {
		return s.dispatcher.Handle(ctx, m)
	}

	for {
		err := s.transport.ReceiveLoop(ctx, handle)
		if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
			debug.LogServer("stopped serving %s\n", s.transport.Endpoint())
			return nil
		}

		reason := reconnectReason(err)
		debug.Info("SERVER", "channel failed (%s): %v\n", reason, err)

		if err := s.transport.Reconnect(ctx, reason); err != nil {
			switch {
			case errors.Is(err, transport.ErrNotReconnectable):
				debug.LogServer("editor closed %s, exiting\n", s.transport.Endpoint())
				return nil
			case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
	}
}

// reconnectReason names the failure that ended a receive loop. Every
// reason means the channel is no longer trustworthy; a handler crash whose
// error response went out fine never gets here.
func reconnectReason(err error) string {
	var perr *cierrors.ProtocolError
	var terr *cierrors.TransportError
	switch {
	case errors.As(err, &perr):
		return ReasonProtocol
	case errors.Is(err, io.EOF):
		return ReasonEOF
	case errors.As(err, &terr):
		if terr.Operation == "write" {
			return ReasonWrite
		}
		return ReasonRead
	}
	return ReasonUnknown
}

// Reconnects counts channel recoveries since Serve started
func (s *Server) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// Status snapshots the server state
func (s *Server) Status() Status {
	st := Status{
		Ready:          s.project.IndexReady(),
		IndexingActive: s.project.IndexingActive(),
		Classes:        s.project.Classes().Len(),
		Generation:     s.supervisor.Generation(),
		Restarts:       s.supervisor.Restarts(),
		Pending:        s.dispatcher.Pending(),
		Uptime:         time.Since(s.startTime).Seconds(),
	}
	res, err := s.project.LastBuild()
	st.LastBuild = buildSummary(res)
	if res != nil {
		st.Failures = res.Errors
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// Shutdown stops the worker and hangs up. A running Serve returns nil.
// The project is left open for its owner to close.
func (s *Server) Shutdown() error {
	var err error
	s.shutdown.Do(func() {
		err = s.transport.Close()
		s.supervisor.Stop()
		debug.LogServer("server for %s shut down after %v\n", s.cfg.Project.Root, time.Since(s.startTime).Round(time.Second))
	})
	return err
}
