package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKDL_Empty(t *testing.T) {
	cfg := Default("/project")
	require.NoError(t, parseKDL(cfg, ""))

	assert.Equal(t, "stdio", cfg.Transport.Selector)
	assert.Equal(t, DefaultIndexDir, cfg.Index.Dir)
	assert.Equal(t, BackendFiles, cfg.Index.Backend)
	assert.True(t, cfg.Index.BuildOnStart)
	assert.Equal(t, DefaultClassMapPath, cfg.ClassMap.Path)
}

func TestParseKDL_AllSections(t *testing.T) {
	content := `
project {
    name "shop"
}
transport {
    selector "unix:/tmp/nvim.sock"
    read_buffer 1024
    reconnect_interval_ms 250
    reconnect_burst 5
    reconnect_attempts 10
}
index {
    dir ".idx"
    backend "BADGER"
    workers 2
    checkpoint_every 25
    build_on_start false
    watch true
    watch_debounce_ms 50
    exclude "**/tests/**" "**/Fixtures/**"
}
classmap {
    path "classmap.json"
    dump_command "composer dump-autoload -o"
}
editor {
    progress false
    announce_channel false
    channel_var "g:shop_channel"
}
log {
    debug true
    trace_rpc true
}
metrics {
    addr "127.0.0.1:9464"
}
`
	cfg := Default("/project")
	require.NoError(t, parseKDL(cfg, content))

	assert.Equal(t, "shop", cfg.Project.Name)
	assert.Equal(t, "unix:/tmp/nvim.sock", cfg.Transport.Selector)
	assert.Equal(t, 1024, cfg.Transport.ReadBufferSize)
	assert.Equal(t, 250, cfg.Transport.ReconnectIntervalMs)
	assert.Equal(t, 5, cfg.Transport.ReconnectBurst)
	assert.Equal(t, 10, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, ".idx", cfg.Index.Dir)
	assert.Equal(t, BackendBadger, cfg.Index.Backend)
	assert.Equal(t, 2, cfg.Index.Workers)
	assert.Equal(t, 25, cfg.Index.CheckpointEvery)
	assert.False(t, cfg.Index.BuildOnStart)
	assert.True(t, cfg.Index.Watch)
	assert.Equal(t, 50, cfg.Index.WatchDebounceMs)
	assert.Equal(t, []string{"**/tests/**", "**/Fixtures/**"}, cfg.Index.Exclude)
	assert.Equal(t, "classmap.json", cfg.ClassMap.Path)
	assert.Equal(t, "composer dump-autoload -o", cfg.ClassMap.DumpCommand)
	assert.False(t, cfg.Editor.Progress)
	assert.False(t, cfg.Editor.AnnounceChannel)
	assert.Equal(t, "g:shop_channel", cfg.Editor.ChannelVar)
	assert.True(t, cfg.Log.Debug)
	assert.True(t, cfg.Log.TraceRPC)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Addr)
}

func TestParseKDL_Invalid(t *testing.T) {
	cfg := Default("/project")
	err := parseKDL(cfg, `index { dir "unterminated }`)
	assert.Error(t, err)
}

func TestLoad_ProjectFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	content := `
index {
    dir "build/index"
    exclude "**/tests/**" "**/tests/**"
}
classmap {
    path "/abs/classmap.toml"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(content), 0644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Project.Root)
	assert.Equal(t, filepath.Join(root, "build/index"), cfg.IndexPath())
	assert.Equal(t, "/abs/classmap.toml", cfg.ClassMapPath())
	assert.Equal(t, []string{"**/tests/**"}, cfg.Index.Exclude)
}

func TestLoad_GlobalThenProject(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	root := t.TempDir()

	global := `
transport { selector "tcp:127.0.0.1:6666"; }
index { exclude "**/vendor/**"; workers 3; }
`
	project := `
index { exclude "**/tests/**"; }
`
	require.NoError(t, os.WriteFile(filepath.Join(home, ConfigFileName), []byte(global), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte(project), 0644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "tcp:127.0.0.1:6666", cfg.Transport.Selector)
	assert.Equal(t, 3, cfg.Index.Workers)
	assert.ElementsMatch(t, []string{"**/vendor/**", "**/tests/**"}, cfg.Index.Exclude)
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, DefaultIndexDir), cfg.IndexPath())
	assert.Equal(t, filepath.Join(root, DefaultClassMapPath), cfg.ClassMapPath())
}

func TestDeduplicatePatterns(t *testing.T) {
	got := DeduplicatePatterns([]string{"a", "", "b", "a", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
