package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/codeintd/internal/config"
	"github.com/standardbeagle/codeintd/internal/debug"
	"github.com/standardbeagle/codeintd/internal/version"
)

// logOpened records whether a log file is already receiving output
var logOpened bool

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

// run executes the app and returns the process exit code. Failures are
// recorded in the log file, the default one when none was opened yet.
func run(args []string, stdout, stderr io.Writer) int {
	logOpened = false
	defer debug.CloseLog()

	app := newApp(stdout)
	app.ErrWriter = stderr
	if err := app.Run(args); err != nil {
		if !logOpened {
			_ = debug.InitLogFile(debug.DefaultLogPath())
		}
		fmt.Fprintf(stderr, "codeintd: %v\n", debug.Fatal("%v", err))
		return 1
	}
	return 0
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:                   "codeintd",
		Usage:                  "Code intelligence daemon for the editor",
		UsageText:              "codeintd [options] [ROOT [SELECTOR]]\n   codeintd [options] command [arguments...]",
		Version:                version.Info(),
		Writer:                 out,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Project root (default: first argument or the working directory)",
			},
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				Usage:   "Editor channel: stdio, socket, unix:/path, /path.sock, tcp:host:port or ws://url",
			},
			&cli.StringFlag{
				Name:  "classmap",
				Usage: "Class map file (autoload_classmap.php, .json or .toml)",
			},
			&cli.StringFlag{
				Name:  "index-dir",
				Usage: "Index directory, relative to the root unless absolute",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Index store backend: files or badger",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Goroutines resolving classes during a build",
			},
			&cli.StringFlag{
				Name:  "log",
				Usage: "Log file path",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "trace-rpc",
				Usage: "Log every message exchanged with the editor",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Expose Prometheus metrics on this address",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Re-resolve classes whose source file changes while serving",
			},
			&cli.BoolFlag{
				Name:  "no-build",
				Usage: "Serve without building the index first",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Attach to the editor and answer its requests (default)",
				Action: serveCommand,
			},
			{
				Name:  "index",
				Usage: "Build the index without an editor",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Rebuild even if the index exists",
					},
				},
				Action: indexCommand,
			},
			{
				Name:      "ls",
				Usage:     "List subclasses, or implementors with --interface",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "interface",
						Aliases: []string{"i"},
						Usage:   "Read the interface index",
					},
				},
				Action: lsCommand,
			},
			{
				Name:      "update",
				Usage:     "Re-resolve one class into the index",
				ArgsUsage: "CLASS",
				Action:    updateCommand,
			},
			{
				Name:  "stats",
				Usage: "Summarise the index",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "json",
						Aliases: []string{"j"},
						Usage:   "Output as JSON",
					},
				},
				Action: statsCommand,
			},
		},
		Action: serveCommand,
	}
}

// projectRoot picks the root from --root, the first positional argument
// of the default serve action, or the working directory
func projectRoot(c *cli.Context, positional bool) (string, error) {
	root := c.String("root")
	if root == "" && positional {
		root = c.Args().Get(0)
	}
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root path %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", abs)
	}
	return abs, nil
}

// loadConfigWithOverrides loads the config files and applies CLI flag overrides
func loadConfigWithOverrides(c *cli.Context, positional bool) (*config.Config, error) {
	root, err := projectRoot(c, positional)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	if selector := c.String("transport"); selector != "" {
		cfg.Transport.Selector = selector
	} else if positional && c.Args().Len() > 1 {
		cfg.Transport.Selector = c.Args().Get(1)
	}
	if v := c.String("classmap"); v != "" {
		cfg.ClassMap.Path = v
	}
	if v := c.String("index-dir"); v != "" {
		cfg.Index.Dir = v
	}
	if v := c.String("backend"); v != "" {
		cfg.Index.Backend = v
	}
	if v := c.Int("workers"); v > 0 {
		cfg.Index.Workers = v
	}
	if v := c.String("log"); v != "" {
		cfg.Log.Path = v
	}
	if c.Bool("debug") {
		cfg.Log.Debug = true
	}
	if c.Bool("trace-rpc") {
		cfg.Log.TraceRPC = true
	}
	if v := c.String("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
	if c.Bool("watch") {
		cfg.Index.Watch = true
	}
	if c.Bool("no-build") {
		cfg.Index.BuildOnStart = false
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads the config and routes logging to the configured file
func setup(c *cli.Context, positional bool) (*config.Config, error) {
	cfg, err := loadConfigWithOverrides(c, positional)
	if err != nil {
		return nil, err
	}

	if cfg.Log.Debug {
		debug.EnableDebug = "true"
	}
	debug.SetTraceRPC(cfg.Log.TraceRPC)
	if cfg.Log.Path != "" {
		if err := debug.InitLogFile(cfg.Log.Path); err != nil {
			return nil, err
		}
		logOpened = true
	}
	return cfg, nil
}
