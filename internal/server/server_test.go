package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/codeintd/internal/classmap"
	"github.com/standardbeagle/codeintd/internal/config"
	cierrors "github.com/standardbeagle/codeintd/internal/errors"
	"github.com/standardbeagle/codeintd/internal/msgrpc"
	"github.com/standardbeagle/codeintd/internal/rpc"
	"github.com/standardbeagle/codeintd/internal/transport"
	"github.com/standardbeagle/codeintd/testhelpers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixtureSources = map[string]string{
	"src/Base.php": `<?php
namespace App;

abstract class Base
{
}
`,
	"src/IThing.php": `<?php
namespace App;

interface IThing
{
    public function thing();
}
`,
	"src/Impl.php": `<?php
namespace App;

use Psr\Log\LoggerInterface as Logger;

final class Impl extends Base implements IThing
{
    const VERSION = '1.0';

    /** @var Logger */
    protected $logger;

    /**
     * Does the thing.
     * @return static
     */
    public function thing()
    {
        return $this;
    }

    public static function make($name, ...$rest): self
    {
        return new self();
    }
}
`,
}

// writeFixture lays out the sources under a fresh root and returns the
// root and a class map over them
func writeFixture(t *testing.T) (string, *classmap.Map) {
	t.Helper()
	root := t.TempDir()
	for rel, src := range fixtureSources {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return root, classmap.New(map[string]string{
		`App\Base`:   filepath.Join(root, "src", "Base.php"),
		`App\IThing`: filepath.Join(root, "src", "IThing.php"),
		`App\Impl`:   filepath.Join(root, "src", "Impl.php"),
	})
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	project *Project
	srv     *Server
	dialer  *testhelpers.PipeDialer
	peer    *testhelpers.Peer

	cancel context.CancelFunc
	done   chan error

	mu    sync.Mutex
	peers []*testhelpers.Peer
}

type harnessOption func(*testhelpers.TestConfigBuilder)

// start serves the fixture project to a fake editor over a pipe
func start(t *testing.T, setup func(*testhelpers.Peer), opts ...harnessOption) *harness {
	t.Helper()
	root, classes := writeFixture(t)
	b := testhelpers.NewTestConfigBuilder(root)
	for _, opt := range opts {
		opt(b)
	}
	cfg := b.Build()

	project, err := OpenProject(context.Background(), cfg, Deps{ClassMap: classes})
	require.NoError(t, err)

	dialer := testhelpers.NewPipeDialer(setup)
	srv, err := New(cfg, project, dialer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:       t,
		cfg:     cfg,
		project: project,
		srv:     srv,
		dialer:  dialer,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { h.done <- srv.Serve(ctx) }()

	h.peer = h.next()
	t.Cleanup(h.stop)
	return h
}

// next waits for the server to dial again and makes that peer current
func (h *harness) next() *testhelpers.Peer {
	p := h.dialer.Next(h.t)
	h.mu.Lock()
	h.peers = append(h.peers, p)
	h.mu.Unlock()
	h.peer = p
	return p
}

func (h *harness) stop() {
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(h.t, err)
	case <-time.After(testhelpers.DefaultWait):
		h.t.Error("Serve did not return after cancel")
	}
	assert.NoError(h.t, h.srv.Shutdown())
	h.mu.Lock()
	for _, p := range h.peers {
		p.Close()
	}
	h.mu.Unlock()
	assert.NoError(h.t, h.project.Close())
}

func stringList(t *testing.T, v interface{}) []string {
	t.Helper()
	list, ok := v.([]interface{})
	require.True(t, ok, "expected a list, got %T", v)
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		require.True(t, ok, "expected a string, got %T", item)
		out = append(out, s)
	}
	return out
}

func TestServer_IndexThenList(t *testing.T) {
	h := start(t, nil)

	resp := h.peer.Call(t, "index")
	require.Nil(t, resp.Error)
	assert.Nil(t, resp.Result)

	resp = h.peer.Call(t, "ls", `App\IThing`, true)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, resp.Result))

	resp = h.peer.Call(t, "ls", `App\Base`, false)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, resp.Result))

	// Booleans sent as integers are accepted too
	resp = h.peer.Call(t, "ls", `App\IThing`, int64(1))
	assert.Equal(t, []string{`App\Impl`}, stringList(t, resp.Result))

	resp = h.peer.Call(t, "ls", `App\NeverIndexed`)
	require.Nil(t, resp.Error)
	assert.Empty(t, stringList(t, resp.Result))
}

func TestServer_WatchReresolvesChangedClass(t *testing.T) {
	h := start(t, nil, func(b *testhelpers.TestConfigBuilder) { b.WithWatch(true) })

	require.Nil(t, h.peer.Call(t, "index").Error)
	assert.Empty(t, stringList(t, h.peer.Call(t, "ls", "Countable", true).Result))

	impl := filepath.Join(h.cfg.Project.Root, "src", "Impl.php")
	src := strings.Replace(fixtureSources["src/Impl.php"], "implements IThing", `implements IThing, \Countable`, 1)
	require.NoError(t, os.WriteFile(impl, []byte(src), 0o644))

	require.Eventually(t, func() bool {
		return len(h.project.List("Countable", true)) == 1
	}, testhelpers.DefaultWait, 20*time.Millisecond)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, h.peer.Call(t, "ls", "Countable", true).Result))
	assert.GreaterOrEqual(t, h.project.WatchStats().Updated, int64(1))
}

func TestServer_UnknownMethod(t *testing.T) {
	h := start(t, nil)

	resp := h.peer.Call(t, "doesNotExist")
	assert.Equal(t, rpc.ErrMethodNotExists, resp.Error)
	assert.Nil(t, resp.Result)

	// Connection stays usable
	resp = h.peer.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestServer_HandlerCrashKeepsConnection(t *testing.T) {
	h := start(t, nil)
	h.srv.Dispatcher().Register("boom", func(context.Context, []interface{}) (interface{}, error) {
		panic("kaboom")
	})

	resp := h.peer.Call(t, "boom")
	assert.Equal(t, "fatal error: kaboom in boom", resp.Error)
	assert.Nil(t, resp.Result)

	resp = h.peer.Call(t, "ls", `App\Base`)
	require.Nil(t, resp.Error)

	// The error reply went out, so the channel was never reopened
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Zero(t, h.srv.Reconnects())

	status := h.peer.Call(t, "status").Result.(map[string]interface{})
	assert.EqualValues(t, 1, status["restarts"])
	assert.EqualValues(t, 2, status["generation"])
}

func TestServer_HandlerCrashWithDeadChannelReconnects(t *testing.T) {
	h := start(t, nil)
	first := h.peer
	h.srv.Dispatcher().Register("boom", func(context.Context, []interface{}) (interface{}, error) {
		// The editor goes away before the error reply can be written
		first.Close()
		panic("kaboom")
	})

	first.Request(t, "boom")

	second := h.next()
	resp := second.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, 1, h.srv.Reconnects())

	status := second.Call(t, "status").Result.(map[string]interface{})
	assert.EqualValues(t, 1, status["restarts"])
}

func TestServer_NotificationCrashIsSilent(t *testing.T) {
	h := start(t, nil)
	h.srv.Dispatcher().Register("boom", func(context.Context, []interface{}) (interface{}, error) {
		panic("kaboom")
	})

	h.peer.Notify(t, "boom")
	resp := h.peer.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Len(t, h.peer.Notifications(), 0)
}

func TestServer_ProtocolErrorReconnects(t *testing.T) {
	h := start(t, nil)
	first := h.peer

	// 0xc1 is never used by msgpack
	first.Write(t, []byte{0xc1})
	first.WaitClosed(t)

	second := h.next()
	resp := second.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, 1, h.srv.Reconnects())
}

func TestServer_PeerHangupReconnects(t *testing.T) {
	h := start(t, nil)
	h.peer.Close()

	second := h.next()
	resp := second.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Equal(t, 1, h.srv.Reconnects())
}

func TestServer_StdioEOFStopsServing(t *testing.T) {
	root, classes := writeFixture(t)
	cfg := testhelpers.NewTestConfigBuilder(root).Build()
	project, err := OpenProject(context.Background(), cfg, Deps{ClassMap: classes})
	require.NoError(t, err)
	defer project.Close()

	var out bytes.Buffer
	srv, err := New(cfg, project, transport.NewStdioDialer(strings.NewReader(""), &out))
	require.NoError(t, err)
	defer srv.Shutdown()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testhelpers.DefaultWait):
		t.Fatal("Serve kept running after stdin closed")
	}
}

func TestServer_ShutdownEndsServe(t *testing.T) {
	h := start(t, nil)
	require.NoError(t, h.srv.Shutdown())
	h.peer.WaitClosed(t)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- nil // for the cleanup
	case <-time.After(testhelpers.DefaultWait):
		t.Fatal("Serve kept running after Shutdown")
	}
}

func TestServer_ProgressAndChannelAnnouncement(t *testing.T) {
	setup := func(p *testhelpers.Peer) {
		p.Handle("vim_get_api_info", func([]interface{}) (interface{}, interface{}) {
			return nil, []interface{}{int64(7), map[string]interface{}{}}
		})
	}
	h := start(t, setup, func(b *testhelpers.TestConfigBuilder) { b.WithEditor(true, true) })

	resp := h.peer.Call(t, "index")
	require.Nil(t, resp.Error)
	h.peer.WaitCommand(t, "let g:codeintd_channel_id = 7")

	cmds := h.peer.Commands()
	require.GreaterOrEqual(t, len(cmds), 6)
	assert.Equal(t, `let g:pb = vim#widgets#progressbar#NewSimpleProgressBar("Indexing:", 3)`, cmds[0])
	assert.Equal(t, []string{"call g:pb.incr()", "call g:pb.incr()", "call g:pb.incr()"}, cmds[1:4])
	assert.Equal(t, "call g:pb.restore()", cmds[4])

	reqs := h.peer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "vim_get_api_info", reqs[0].Method)
	assert.Zero(t, h.srv.Dispatcher().Pending())
}

func TestServer_BuildOnStartBeforeServing(t *testing.T) {
	h := start(t, nil, func(b *testhelpers.TestConfigBuilder) { b.WithBuildOnStart(true) })

	resp := h.peer.Call(t, "ls", `App\IThing`, true)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, resp.Result))
	assert.True(t, h.srv.Status().Ready)
}

func TestServer_Update(t *testing.T) {
	h := start(t, nil)

	// Without an index there is nothing to update
	resp := h.peer.Call(t, "update", `App\Impl`)
	require.Nil(t, resp.Error)
	assert.Empty(t, stringList(t, h.peer.Call(t, "ls", `App\Base`).Result))
	assert.False(t, h.srv.Status().Ready)

	// ...and the first build still runs instead of being skipped
	require.Nil(t, h.peer.Call(t, "index").Error)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, h.peer.Call(t, "ls", `App\Base`).Result))

	resp = h.peer.Call(t, "update", `App\Impl`)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{`App\Impl`}, stringList(t, h.peer.Call(t, "ls", `App\Base`).Result))

	// Unknown classes contribute nothing
	resp = h.peer.Call(t, "update", `App\Missing`)
	assert.Nil(t, resp.Error)

	resp = h.peer.Call(t, "update")
	assert.Equal(t, "missing argument 1 (class)", resp.Error)
}

func TestServer_StoreFailuresStayOffTheWire(t *testing.T) {
	h := start(t, nil)
	require.Nil(t, h.peer.Call(t, "index").Error)

	// A file where the extends directory should be breaks reads and writes
	extends := filepath.Join(h.cfg.IndexPath(), "extends")
	require.NoError(t, os.RemoveAll(extends))
	require.NoError(t, os.WriteFile(extends, []byte("not a directory"), 0o644))

	resp := h.peer.Call(t, "update", `App\Impl`)
	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.Result)

	resp = h.peer.Call(t, "stats")
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]interface{}{}, resp.Result)

	// Argument errors are still reported
	resp = h.peer.Call(t, "update", 1.5)
	assert.Equal(t, "argument 1: expected string, got float64", resp.Error)
	assert.Zero(t, h.srv.Reconnects())
}

func TestServer_Introspection(t *testing.T) {
	h := start(t, nil)
	implPath := filepath.Join(h.cfg.Project.Root, "src", "Impl.php")

	t.Run("location", func(t *testing.T) {
		resp := h.peer.Call(t, "location", `App\Impl`)
		assert.Equal(t, []interface{}{implPath, int64(6)}, resp.Result)

		resp = h.peer.Call(t, "location", `App\Impl`, "make")
		assert.Equal(t, []interface{}{implPath, int64(22)}, resp.Result)

		resp = h.peer.Call(t, "location", `App\Nope`)
		assert.Equal(t, []interface{}{"", nil}, resp.Result)
	})

	t.Run("doc", func(t *testing.T) {
		resp := h.peer.Call(t, "doc", `App\Impl`, "thing")
		list := resp.Result.([]interface{})
		require.Len(t, list, 2)
		assert.Equal(t, implPath, list[0])
		assert.Contains(t, list[1], "Does the thing.")

		resp = h.peer.Call(t, "doc", `App\Impl`, "nothing")
		assert.Equal(t, []interface{}{nil, nil}, resp.Result)
	})

	t.Run("info", func(t *testing.T) {
		resp := h.peer.Call(t, "info", `App\Impl`, "", "both", false)
		items := resp.Result.([]interface{})
		var words []string
		for _, item := range items {
			words = append(words, item.(map[string]interface{})["word"].(string))
		}
		assert.Equal(t, []string{"VERSION", "thing", "make", "logger"}, words)

		resp = h.peer.Call(t, "info", `App\Impl`, "", "only_static")
		items = resp.Result.([]interface{})
		words = words[:0]
		for _, item := range items {
			words = append(words, item.(map[string]interface{})["word"].(string))
		}
		assert.Equal(t, []string{"VERSION", "make"}, words)

		resp = h.peer.Call(t, "info", `App\Missing`, "")
		assert.Equal(t, []interface{}{}, resp.Result)
	})

	t.Run("functype", func(t *testing.T) {
		resp := h.peer.Call(t, "functype", `App\Impl`, "make")
		assert.Equal(t, []string{`\App\Impl`}, stringList(t, resp.Result))

		resp = h.peer.Call(t, "functype", `App\Impl`, "thing")
		assert.Equal(t, []string{`\App\Impl`}, stringList(t, resp.Result))

		resp = h.peer.Call(t, "functype", `App\Impl`, "logger")
		assert.Equal(t, []string{`\Psr\Log\LoggerInterface`}, stringList(t, resp.Result))
	})

	t.Run("nsuse", func(t *testing.T) {
		resp := h.peer.Call(t, "nsuse", implPath)
		v := resp.Result.(map[string]interface{})
		assert.Equal(t, "App", v["namespace"])
		assert.Equal(t, "Impl", v["class"])
		assert.Equal(t, map[string]interface{}{"Logger": `Psr\Log\LoggerInterface`}, v["imports"])
	})
}

func TestServer_StatsAndVersion(t *testing.T) {
	h := start(t, nil)
	h.peer.Call(t, "index")

	resp := h.peer.Call(t, "stats")
	require.Nil(t, resp.Error)
	summary := resp.Result.(map[string]interface{})["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["extends_keys"])
	assert.EqualValues(t, 1, summary["interface_keys"])

	resp = h.peer.Call(t, "version")
	assert.Contains(t, resp.Result.(map[string]interface{}), "version")
}

func TestServer_StrayResponseIgnored(t *testing.T) {
	h := start(t, nil)
	// Responses to calls the daemon never made are dropped without a reconnect
	h.peer.Send(t, &msgrpc.Response{ID: 999, Result: "stray"})
	resp := h.peer.Call(t, "ping")
	assert.Equal(t, "pong", resp.Result)
	assert.Zero(t, h.srv.Reconnects())
}

func TestStatus_ValueListsFailures(t *testing.T) {
	v := Status{LastBuild: "no build"}.Value()
	assert.NotContains(t, v, "failures")
	assert.NotContains(t, v, "error")

	v = Status{Failures: []string{"fatal error: boom in App\\X"}, Error: "disk full"}.Value()
	assert.Equal(t, []interface{}{"fatal error: boom in App\\X"}, v["failures"])
	assert.Equal(t, "disk full", v["error"])
}

func TestReconnectReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"protocol", cierrors.NewProtocolError("frame is not an array", 0), ReasonProtocol},
		{"eof", cierrors.NewTransportError("read", "pipe", io.EOF), ReasonEOF},
		{"read", cierrors.NewTransportError("read", "pipe", errors.New("reset by peer")), ReasonRead},
		{"write", cierrors.NewTransportError("write", "pipe", errors.New("broken pipe")), ReasonWrite},
		{"other", errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconnectReason(tt.err))
		})
	}
}

func TestParams(t *testing.T) {
	params := []interface{}{"a", []byte("b"), int64(0), uint64(2), true, "v:true", nil, 1.5}

	s, err := stringParam(params, 1, "")
	require.NoError(t, err)
	assert.Equal(t, "b", s)

	s, err = stringParam(params, 6, "dflt")
	require.NoError(t, err)
	assert.Equal(t, "dflt", s)

	s, err = stringParam(params, 20, "dflt")
	require.NoError(t, err)
	assert.Equal(t, "dflt", s)

	_, err = stringParam(params, 7, "")
	assert.EqualError(t, err, "argument 8: expected string, got float64")

	for i, want := range map[int]bool{2: false, 3: true, 4: true, 5: true} {
		got, err := boolParam(params, i, !want)
		require.NoError(t, err)
		assert.Equal(t, want, got, "param %d", i)
	}

	_, err = boolParam(params, 0, false)
	assert.Error(t, err)

	_, err = requireString(params, 6, "class")
	assert.EqualError(t, err, "missing argument 7 (class)")
}
