package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/codeintd/internal/debug"
)

var projectFiles = map[string]string{
	"src/Base.php": "<?php\nnamespace App;\n\nabstract class Base {}\n",
	"src/Child.php": "<?php\nnamespace App;\n\nclass Child extends Base implements \\Countable\n" +
		"{\n    public function count(): int { return 0; }\n}\n",
	"classes.json": `{"App\\Base": "src/Base.php", "App\\Child": "src/Child.php"}`,
}

// newProject writes a small project and isolates the user config
func newProject(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := t.TempDir()
	for rel, content := range projectFiles {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	t.Cleanup(func() { debug.CloseLog() })
	return root
}

func runApp(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp(&out)
	app.ErrWriter = &bytes.Buffer{}
	base := []string{"codeintd",
		"--root", root,
		"--classmap", "classes.json",
		"--log", filepath.Join(root, "codeintd.log"),
		"--workers", "1",
	}
	err := app.Run(append(base, args...))
	return out.String(), err
}

func TestIndexAndList(t *testing.T) {
	root := newProject(t)

	out, err := runApp(t, root, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 of 2 classes")

	out, err = runApp(t, root, "index")
	require.NoError(t, err)
	assert.Contains(t, out, "already built")

	out, err = runApp(t, root, "ls", `App\Base`)
	require.NoError(t, err)
	assert.Equal(t, []string{`App\Child`}, strings.Fields(out))

	out, err = runApp(t, root, "ls", "--interface", "Countable")
	require.NoError(t, err)
	assert.Equal(t, []string{`App\Child`}, strings.Fields(out))

	out, err = runApp(t, root, "index", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 of 2 classes")
}

func TestStats(t *testing.T) {
	root := newProject(t)
	_, err := runApp(t, root, "index")
	require.NoError(t, err)

	out, err := runApp(t, root, "stats", "--json")
	require.NoError(t, err)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.NotEmpty(t, stats)

	out, err = runApp(t, root, "stats")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestUpdateUnknownClassIsNoop(t *testing.T) {
	root := newProject(t)
	_, err := runApp(t, root, "update", `App\Missing`)
	assert.NoError(t, err)
}

func TestArgumentErrors(t *testing.T) {
	root := newProject(t)

	_, err := runApp(t, root, "ls")
	assert.Error(t, err)

	_, err = runApp(t, root, "update")
	assert.Error(t, err)

	_, err = runApp(t, filepath.Join(root, "missing"), "ls", "X")
	assert.Error(t, err)

	_, err = runApp(t, root, "--backend", "nosuch", "ls", "X")
	assert.Error(t, err, "invalid backend must fail validation")
}

func TestProjectRootFromFile(t *testing.T) {
	root := newProject(t)
	_, err := runApp(t, filepath.Join(root, "classes.json"), "ls", "X")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestRunRecordsFailure(t *testing.T) {
	root := newProject(t)
	var out, errOut bytes.Buffer

	code := run([]string{"codeintd", "--root", filepath.Join(root, "missing"), "ls", "X"}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "codeintd: fatal error: project root")

	data, err := os.ReadFile(filepath.Join(os.Getenv("HOME"), debug.DefaultLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[FATAL]")
	assert.Contains(t, string(data), "project root")
}

func TestRunSucceeds(t *testing.T) {
	root := newProject(t)
	var out, errOut bytes.Buffer

	code := run([]string{"codeintd", "--root", root, "--classmap", "classes.json", "--workers", "1", "index"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "Indexed 2 of 2 classes")
}
