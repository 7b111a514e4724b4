package kiln

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = `include "types.thrift"

service Greeter {
  types.Reply hello(1: string name)
}
`

func newCodegenEnv(t *testing.T, r Runner) *testEnv {
	e := newTestEnv(t, r, map[string]string{
		"svc/svc.thrift":   testService,
		"svc/types.thrift": "struct Reply { 1: string text }",
	})
	require.NoError(t, e.builder.Graph().Declare(
		thriftTarget("svc", "api", "svc.thrift"),
	))
	return e
}

func TestCodegen(t *testing.T) {
	r := newFakeRunner(fakeThrift)
	e := newCodegenEnv(t, r)
	ctx := context.Background()

	syn, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	assert.Equal(t, TargetID("svc:api.gen-node"), syn.ID)
	assert.Equal(t, KindGenerated, syn.Kind)
	assert.Equal(t, TargetID("svc:api"), syn.Owner)
	assert.False(t, syn.Cached)
	require.Len(t, syn.Artifacts, 1)
	assert.Equal(t, "gen-nodejs/svc_types.js", syn.Artifacts[0].Path)
	assert.Equal(t, []string{"gen-nodejs/svc_types.js"}, syn.Inputs)
	assert.Equal(t, 1, r.invocations())

	committed, ok := e.builder.Graph().Synthetic(syn.ID)
	require.True(t, ok)
	assert.Same(t, syn, committed)

	bs, err := os.ReadFile(e.builder.Out("svc/api.gen-node/gen-nodejs/svc_types.js"))
	require.NoError(t, err)
	assert.Equal(t, "// generated\n"+testService, string(bs))

	again, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, syn.Fingerprint, again.Fingerprint)
	assert.True(t, sameArtifacts(syn.Artifacts, again.Artifacts))
	assert.Equal(t, 1, r.invocations(), "second run hits the cache")
}

func TestCodegenIncludeChangeRebuilds(t *testing.T) {
	r := newFakeRunner(fakeThrift)
	e := newCodegenEnv(t, r)
	ctx := context.Background()

	first, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)

	writeTestFiles(t, filepath.Join(e.root, "src"), map[string]string{
		"svc/types.thrift": "struct Reply { 1: string text, 2: i32 code }",
	})
	second, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, r.invocations())
}

func TestCodegenConfigChangesFingerprint(t *testing.T) {
	r := newFakeRunner(fakeThrift)
	e := newCodegenEnv(t, r)
	ctx := context.Background()

	node, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	js, err := e.builder.Codegen(ctx, "svc:api", &TaskConfig{
		GeneratorBackend: "js",
	})
	require.NoError(t, err)
	assert.Equal(t, TargetID("svc:api.gen-js"), js.ID)
	assert.NotEqual(t, node.Fingerprint, js.Fingerprint)

	r.mu.Lock()
	r.version = "2.0.0"
	r.mu.Unlock()
	e.builder.base.versions = newToolVersions()
	upgraded, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	assert.NotEqual(t, node.Fingerprint, upgraded.Fingerprint)

	pinned, err := e.builder.Codegen(ctx, "svc:api", &TaskConfig{
		ToolVersion: "0.19.0",
	})
	require.NoError(t, err)
	assert.NotEqual(t, upgraded.Fingerprint, pinned.Fingerprint)
}

func TestCodegenUnresolvedInclude(t *testing.T) {
	r := newFakeRunner(fakeThrift)
	e := newTestEnv(t, r, map[string]string{
		"svc/svc.thrift": `include "missing.thrift"`,
	})
	require.NoError(t, e.builder.Graph().Declare(
		thriftTarget("svc", "api", "svc.thrift"),
	))

	_, err := e.builder.Codegen(context.Background(), "svc:api", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, UnresolvedImport))
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "missing.thrift", kerr.Name)
	assert.Equal(t, TargetID("svc:api"), kerr.Target)

	_, ok := e.builder.Graph().Synthetic("svc:api.gen-node")
	assert.False(t, ok)
	assert.Equal(t, 0, r.invocations())
}

func TestCodegenNoInputs(t *testing.T) {
	e := newTestEnv(t, newFakeRunner(fakeThrift), nil)
	require.NoError(t, e.builder.Graph().Declare(thriftTarget("svc", "empty")))
	_, err := e.builder.Codegen(context.Background(), "svc:empty", nil)
	assert.True(t, IsKind(err, NoInputs))

	_, err = e.builder.Codegen(context.Background(), "svc:nope", nil)
	assert.Error(t, err)
}

func TestCodegenFailureNotCached(t *testing.T) {
	r := newFakeRunner(fakeThrift)
	e := newTestEnv(t, r, map[string]string{
		"svc/svc.thrift": "struct A { @@bad }",
	})
	require.NoError(t, e.builder.Graph().Declare(
		thriftTarget("svc", "api", "svc.thrift"),
	))
	ctx := context.Background()

	_, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, CodegenFailed))
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	assert.Contains(t, string(kerr.Stderr), "syntax error")

	_, err = e.builder.Codegen(ctx, "svc:api", nil)
	assert.True(t, IsKind(err, CodegenFailed))
	assert.Equal(t, 2, r.invocations(), "failures are not cached")

	writeTestFiles(t, filepath.Join(e.root, "src"), map[string]string{
		"svc/svc.thrift": "struct A {}",
	})
	syn, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	assert.False(t, syn.Cached)
}

func TestCodegenToolNotFound(t *testing.T) {
	e := newCodegenEnv(t, NewLocalRunner())
	_, err := e.builder.Codegen(context.Background(), "svc:api", &TaskConfig{
		ToolExecutablePath: "kiln-no-such-thrift",
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, ToolNotFound))
}

func TestCodegenCoalesces(t *testing.T) {
	release := make(chan struct{})
	r := newFakeRunner(func(
		ctx context.Context, req *ProcessRequest,
	) (*ProcessResult, error) {
		<-release
		return fakeThrift(ctx, req)
	})
	e := newCodegenEnv(t, r)

	const n = 6
	var started sync.WaitGroup
	var wg sync.WaitGroup
	results := make([]*Target, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		started.Add(1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = e.builder.Codegen(
				context.Background(), "svc:api", nil,
			)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, r.invocations())
	assert.Equal(t, 1, r.probes(), "one version probe")
	assert.Equal(t, float64(n), testutil.ToFloat64(
		e.builder.base.metrics.coalesced,
	), "all callers joined one flight")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Fingerprint, results[i].Fingerprint)
	}
}

func TestCodegenReplacesOutput(t *testing.T) {
	r := newFakeRunner(func(
		ctx context.Context, req *ProcessRequest,
	) (*ProcessResult, error) {
		out := reqPath(req, argAfter(req.Args, "-out"))
		f := filepath.Join(out, "gen-nodejs", "old.js")
		return &ProcessResult{}, writeFile(f, []byte("old"))
	})
	e := newCodegenEnv(t, r)
	ctx := context.Background()

	_, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	old := e.builder.Out("svc/api.gen-node/gen-nodejs/old.js")
	_, err = os.Stat(old)
	require.NoError(t, err)

	r.setHandle(fakeThrift)
	writeTestFiles(t, filepath.Join(e.root, "src"), map[string]string{
		"svc/svc.thrift": "service Greeter {}",
	})
	syn, err := e.builder.Codegen(ctx, "svc:api", nil)
	require.NoError(t, err)
	require.Len(t, syn.Artifacts, 1)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "stale file removed")
	_, err = os.Stat(e.builder.Out("svc/api.gen-node/gen-nodejs/svc_types.js"))
	assert.NoError(t, err)
}

func TestCodegenRuntimeDeps(t *testing.T) {
	e := newCodegenEnv(t, newFakeRunner(fakeThrift))
	syn, err := e.builder.Codegen(context.Background(), "svc:api", &TaskConfig{
		AutoRuntimeDeps: true,
		RuntimeModule:   "web:app",
	})
	require.NoError(t, err)
	assert.Equal(t, []TargetID{"web:app.deps"}, syn.Deps)
}

func TestCodegenCancelled(t *testing.T) {
	entered := make(chan struct{})
	r := newFakeRunner(blockingTool(entered))
	e := newCodegenEnv(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.builder.Codegen(ctx, "svc:api", nil)
		errc <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	_, ok := e.builder.Graph().Synthetic("svc:api.gen-node")
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return len(e.scratchLeft()) == 0
	}, 5*time.Second, 10*time.Millisecond, "scratch dir removed")

	r.setHandle(fakeThrift)
	syn, err := e.builder.Codegen(context.Background(), "svc:api", nil)
	require.NoError(t, err)
	assert.False(t, syn.Cached, "nothing stored for the cancelled run")
	assert.Equal(t, 2, r.invocations())
}

func TestCodegenRunsInWorkDir(t *testing.T) {
	var got *ProcessRequest
	r := newFakeRunner(func(
		ctx context.Context, req *ProcessRequest,
	) (*ProcessResult, error) {
		got = req
		return fakeThrift(ctx, req)
	})
	e := newCodegenEnv(t, r)
	syn, err := e.builder.Codegen(context.Background(), "svc:api", nil)
	require.NoError(t, err)
	require.NotNil(t, got)

	entry, ok := e.builder.Cache().Lookup(syn.Fingerprint)
	require.True(t, ok)
	digest, err := got.Digest()
	require.NoError(t, err)
	assert.Equal(t, []Fingerprint{digest}, entry.Exit.Requests)

	assert.Equal(t, []string{
		"-r", "--gen", "js:node", "-out", "out", "src/svc/svc.thrift",
	}, got.Args)
	for _, arg := range got.Args {
		assert.False(t, filepath.IsAbs(arg), arg)
	}

	// A container sees the work dir and nothing else of the host.
	mounts := containerMounts(got.Dir, "/tmp/logs")
	require.Len(t, mounts, 2)
	assert.Equal(t, got.Dir, mounts[0].Host)
	assert.Equal(t, contWorkDir, mounts[0].Cont)
	assert.Equal(t, []string{
		"/bin/sh", "-c",
		"thrift -r --gen js:node -out out src/svc/svc.thrift" +
			" >/kiln/logs/stdout 2>/kiln/logs/stderr",
	}, (&ContainerRunner{}).command(got))
}
