// Package version identifies the running daemon to the editor plugin and
// on the command line.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime/debug"
	"sync"
)

// Version is the daemon release. Release builds stamp Commit and Date:
//
//	go build -ldflags "-X .../internal/version.Commit=$(git rev-parse HEAD)"
const Version = "0.3.0"

var (
	Commit = "unknown"
	Date   = "development"
)

// Info is the string printed by --version
func Info() string {
	if c := commit(); c != "unknown" {
		return Version + "+" + shortCommit(c)
	}
	return Version
}

// FullInfo includes commit and build date
func FullInfo() string {
	return "codeintd " + Version + " (commit " + commit() + ", built " + Date + ")"
}

type buildFacts struct {
	id        string
	goVersion string
	revision  string
}

var (
	facts     buildFacts
	factsOnce sync.Once
)

func readFacts() buildFacts {
	factsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			facts = buildFacts{id: Version + "-" + Commit}
			return
		}
		facts.goVersion = info.GoVersion

		h := sha256.New()
		h.Write([]byte(info.GoVersion))
		h.Write([]byte(info.Main.Path))
		h.Write([]byte(info.Main.Version))
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				facts.revision = s.Value
				fallthrough
			case "vcs.modified", "vcs.time":
				h.Write([]byte(s.Key))
				h.Write([]byte(s.Value))
			}
		}
		facts.id = hex.EncodeToString(h.Sum(nil))[:16]
	})
	return facts
}

// BuildID fingerprints the binary. A plugin that sees it change across a
// restart knows the daemon was rebuilt and drops its cached completions.
func BuildID() string {
	return readFacts().id
}

// commit prefers the stamped commit and falls back to the VCS revision the
// go tool recorded
func commit() string {
	if Commit != "unknown" {
		return Commit
	}
	if rev := readFacts().revision; rev != "" {
		return rev
	}
	return Commit
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// Describe is the reply to the version method
func Describe() map[string]interface{} {
	v := map[string]interface{}{
		"version": Version,
		"commit":  commit(),
		"built":   Date,
		"build":   BuildID(),
	}
	if gv := readFacts().goVersion; gv != "" {
		v["go"] = gv
	}
	return v
}
