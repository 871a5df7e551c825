package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"

	"github.com/standardbeagle/codeintd/internal/debug"
)

// applyKDLFile overlays the settings found in path onto cfg.
// A missing file is not an error.
func applyKDLFile(cfg *Config, path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := parseKDL(cfg, string(content)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	// Relative roots are resolved against the directory holding the config file
	if cfg.Project.Root != "" && !filepath.IsAbs(cfg.Project.Root) {
		cfg.Project.Root = filepath.Clean(filepath.Join(filepath.Dir(path), cfg.Project.Root))
	}
	return nil
}

// parseKDL walks the KDL document and assigns recognised nodes onto cfg.
// Unknown nodes are logged and skipped.
func parseKDL(cfg *Config, content string) error {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "project":
			for _, cn := range n.Children { // project { root "." name "foo" }
				assignSimpleString(cn, "root", func(v string) { cfg.Project.Root = v })
				assignSimpleString(cn, "name", func(v string) { cfg.Project.Name = v })
			}
		case "transport":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "selector":
					if s, ok := firstStringArg(cn); ok {
						cfg.Transport.Selector = s
					}
				case "read_buffer":
					if v, ok := firstIntArg(cn); ok {
						cfg.Transport.ReadBufferSize = v
					}
				case "dial_timeout_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Transport.DialTimeoutMs = v
					}
				case "reconnect_interval_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Transport.ReconnectIntervalMs = v
					}
				case "reconnect_burst":
					if v, ok := firstIntArg(cn); ok {
						cfg.Transport.ReconnectBurst = v
					}
				case "reconnect_attempts":
					if v, ok := firstIntArg(cn); ok {
						cfg.Transport.ReconnectAttempts = v
					}
				default:
					debug.Log("CONFIG", "ignoring unknown transport setting %q\n", nodeName(cn))
				}
			}
		case "index":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "dir":
					if s, ok := firstStringArg(cn); ok {
						cfg.Index.Dir = s
					}
				case "backend":
					if s, ok := firstStringArg(cn); ok {
						cfg.Index.Backend = strings.ToLower(s)
					}
				case "workers":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.Workers = v
					}
				case "checkpoint_every":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.CheckpointEvery = v
					}
				case "build_on_start":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Index.BuildOnStart = b
					}
				case "exclude":
					cfg.Index.Exclude = append(cfg.Index.Exclude, collectStringArgs(cn)...)
				case "watch":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Index.Watch = b
					}
				case "watch_debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Index.WatchDebounceMs = v
					}
				default:
					debug.Log("CONFIG", "ignoring unknown index setting %q\n", nodeName(cn))
				}
			}
		case "classmap":
			for _, cn := range n.Children {
				assignSimpleString(cn, "path", func(v string) { cfg.ClassMap.Path = v })
				assignSimpleString(cn, "dump_command", func(v string) { cfg.ClassMap.DumpCommand = v })
			}
		case "editor":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "progress":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Editor.Progress = b
					}
				case "announce_channel":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Editor.AnnounceChannel = b
					}
				case "channel_var":
					if s, ok := firstStringArg(cn); ok {
						cfg.Editor.ChannelVar = s
					}
				}
			}
		case "log":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "path":
					if s, ok := firstStringArg(cn); ok {
						cfg.Log.Path = expandHome(s)
					}
				case "debug":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Log.Debug = b
					}
				case "trace_rpc":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Log.TraceRPC = b
					}
				}
			}
		case "metrics":
			for _, cn := range n.Children {
				assignSimpleString(cn, "addr", func(v string) { cfg.Metrics.Addr = v })
			}
		default:
			debug.Log("CONFIG", "ignoring unknown section %q\n", nodeName(n))
		}
	}

	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

// collectStringArgs accepts both `exclude "a" "b"` and the block form
// `exclude { "a"; "b" }` where each child node name is the value
func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}

	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}

	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}
