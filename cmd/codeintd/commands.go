package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	"github.com/standardbeagle/codeintd/internal/server"
)

// shutdownGrace bounds how long Serve may take to notice a signal. A stdio
// read blocked on the editor cannot be interrupted, so the process exits
// anyway once it elapses.
const shutdownGrace = 2 * time.Second

func isStdio(cfg *config.Config) bool {
	return cfg.Transport.Selector == "" || cfg.Transport.Selector == "stdio"
}

func serveCommand(c *cli.Context) error {
	cfg, err := setup(c, true)
	if err != nil {
		return err
	}
	if isStdio(cfg) {
		// stdout carries the protocol
		debug.SetStdioMode(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	project, err := server.OpenProject(ctx, cfg, server.Deps{})
	if err != nil {
		return err
	}
	defer project.Close()

	srv, err := server.New(cfg, project, nil)
	if err != nil {
		return err
	}
	defer srv.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		debug.LogServer("received shutdown signal\n")
		srv.Shutdown()
		select {
		case err := <-errCh:
			return err
		case <-time.After(shutdownGrace):
			debug.Info("SERVER", "serve did not stop within %v, exiting\n", shutdownGrace)
			return nil
		}
	}
}

// consoleProgress prints a dot per percent of classes resolved
type consoleProgress struct {
	w     io.Writer
	total int
	done  int
	dots  int
}

func (p *consoleProgress) Open(total int) {
	p.total = total
	fmt.Fprintf(p.w, "Indexing %d classes ", total)
}

func (p *consoleProgress) Incr() {
	p.done++
	if p.total == 0 {
		return
	}
	for want := p.done * 100 / p.total; p.dots < want; p.dots++ {
		fmt.Fprint(p.w, ".")
	}
}

func (p *consoleProgress) Close() {
	fmt.Fprintln(p.w)
}

// openProject loads config and opens the project for an offline command
func openProject(c *cli.Context) (context.Context, context.CancelFunc, *server.Project, error) {
	cfg, err := setup(c, false)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	project, err := server.OpenProject(ctx, cfg, server.Deps{})
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, project, nil
}

func indexCommand(c *cli.Context) error {
	ctx, stop, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer stop()
	defer project.Close()

	out := c.App.Writer
	res, err := project.Index(ctx, c.Bool("force"), &consoleProgress{w: c.App.ErrWriter})
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Fprintln(out, "Index already built, use --force to rebuild")
		return nil
	}
	fmt.Fprintf(out, "Indexed %d of %d classes in %v\n", res.Indexed, res.Total, res.Duration.Round(time.Millisecond))
	if res.Resumed {
		fmt.Fprintln(out, "Resumed from checkpoint")
	}
	if res.Failed > 0 || res.Crashed > 0 {
		fmt.Fprintf(out, "Skipped %d classes that failed to resolve, %d that crashed\n", res.Failed, res.Crashed)
		for _, msg := range res.Errors {
			fmt.Fprintf(out, "  %s\n", msg)
		}
	}
	return nil
}

func lsCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("ls requires exactly one NAME argument")
	}
	_, stop, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer stop()
	defer project.Close()

	for _, name := range project.List(c.Args().First(), c.Bool("interface")) {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}

func updateCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("update requires exactly one CLASS argument")
	}
	ctx, stop, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer stop()
	defer project.Close()

	return project.Update(ctx, c.Args().First())
}

func statsCommand(c *cli.Context) error {
	_, stop, project, err := openProject(c)
	if err != nil {
		return err
	}
	defer stop()
	defer project.Close()

	stats, err := project.Stats()
	if err != nil {
		return err
	}
	if c.Bool("json") {
		data, err := json.MarshalIndent(stats.FormatAsJSON(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		fmt.Fprintln(c.App.Writer, string(data))
		return nil
	}
	fmt.Fprint(c.App.Writer, stats.FormatAsText())
	return nil
}
