package kiln

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRunner pretends to be the external tools. Version probes are
// answered with version; everything else goes to handle.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []*ProcessRequest
	version string
	handle  func(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
}

func newFakeRunner(
	handle func(ctx context.Context, req *ProcessRequest) (*ProcessResult, error),
) *fakeRunner {
	return &fakeRunner{version: "1.0.0", handle: handle}
}

func isVersionProbe(req *ProcessRequest) bool {
	return strings.HasPrefix(req.Description, "version of ")
}

func (r *fakeRunner) Run(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	h := r.handle
	ver := r.version
	r.mu.Unlock()

	if isVersionProbe(req) {
		return &ProcessResult{Stdout: []byte(ver + "\n")}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, req)
}

func (r *fakeRunner) setHandle(
	h func(ctx context.Context, req *ProcessRequest) (*ProcessResult, error),
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = h
}

// invocations counts the tool runs that are not version probes.
func (r *fakeRunner) invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invocationsLocked()
}

func (r *fakeRunner) invocationsLocked() int {
	n := 0
	for _, req := range r.calls {
		if !isVersionProbe(req) {
			n++
		}
	}
	return n
}

// probes counts the version probes.
func (r *fakeRunner) probes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls) - r.invocationsLocked()
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// reqPath resolves a path argument against the working dir of req.
func reqPath(req *ProcessRequest, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(req.Dir, filepath.FromSlash(p))
}

// fakeThrift writes one js file for the root IDL file in the arguments. A
// source containing "@@bad" fails like a syntax error.
func fakeThrift(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	out := reqPath(req, argAfter(req.Args, "-out"))
	root := req.Args[len(req.Args)-1]
	bs, err := os.ReadFile(reqPath(req, root))
	if err != nil {
		return &ProcessResult{
			ExitCode: 1,
			Stderr:   []byte(err.Error()),
		}, nil
	}
	if strings.Contains(string(bs), "@@bad") {
		return &ProcessResult{
			ExitCode: 1,
			Stderr:   []byte("[FAILURE:" + root + ":1] syntax error"),
		}, nil
	}

	name := strings.TrimSuffix(path.Base(root), ".thrift")
	f := filepath.Join(out, "gen-nodejs", name+"_types.js")
	if err := writeFile(f, append([]byte("// generated\n"), bs...)); err != nil {
		return nil, err
	}
	return &ProcessResult{Stdout: []byte("ok")}, nil
}

// fakeNpm installs every dependency of package.json as an empty package
// and writes a lock file when there is none.
func fakeNpm(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	bs, err := os.ReadFile(filepath.Join(req.Dir, manifestFile))
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(bs)
	if err != nil {
		return nil, err
	}

	var lock strings.Builder
	lock.WriteString(`{"lockfileVersion": 3, "packages": {`)
	lock.WriteString(`"": {"dependencies": {`)
	first := true
	for _, name := range sortedKeys(m.Dependencies) {
		if !first {
			lock.WriteString(",")
		}
		first = false
		lock.WriteString(`"` + name + `": "` + m.Dependencies[name] + `"`)
	}
	lock.WriteString(`}}`)
	for _, name := range sortedKeys(m.Dependencies) {
		ver := strings.TrimLeft(m.Dependencies[name], "^~=")
		pkg := `{"name": "` + name + `", "version": "` + ver + `"}`
		f := filepath.Join(req.Dir, nodeModules, name, manifestFile)
		if err := writeFile(f, []byte(pkg)); err != nil {
			return nil, err
		}
		lock.WriteString(`, "node_modules/` + name + `": {"version": "` + ver + `"}`)
	}
	lock.WriteString(`}}`)

	lockFile := filepath.Join(req.Dir, "package-lock.json")
	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		if err := writeFile(lockFile, []byte(lock.String())); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Join(req.Dir, nodeModules), 0700); err != nil {
		return nil, err
	}
	return &ProcessResult{}, nil
}

// blockingTool runs until its context is done. entered is closed when
// the first run starts.
func blockingTool(entered chan struct{}) func(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	var once sync.Once
	return func(
		ctx context.Context, req *ProcessRequest,
	) (*ProcessResult, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// scratchLeft lists what is left in the scratch area of the cache.
func (e *testEnv) scratchLeft() []string {
	entries, err := os.ReadDir(filepath.Join(e.root, "cache", cacheTmpDir))
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func writeTestFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, content := range files {
		f := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, writeFile(f, []byte(content)))
	}
}

type testEnv struct {
	root    string
	builder *Builder
}

func (e *testEnv) src(p string) string {
	return filepath.Join(e.root, "src", filepath.FromSlash(p))
}

func newTestEnv(t *testing.T, r Runner, files map[string]string) *testEnv {
	t.Helper()
	root := t.TempDir()
	writeTestFiles(t, filepath.Join(root, "src"), files)
	b, err := NewBuilder(&Config{
		Root:   root,
		Src:    "src",
		Out:    "out",
		Cache:  "cache",
		Jobs:   4,
		Runner: r,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return &testEnv{root: root, builder: b}
}

func thriftTarget(dir, name string, srcs ...string) *Target {
	var inputs []string
	for _, src := range srcs {
		inputs = append(inputs, path.Join(dir, src))
	}
	return &Target{
		ID:      MakeTargetID(dir, name),
		Dir:     dir,
		Inputs:  inputs,
		Codegen: &CodegenSpec{Compiler: "thrift"},
	}
}

func moduleTarget(dir, name string, inputs ...string) *Target {
	var ins []string
	for _, in := range inputs {
		ins = append(ins, path.Join(dir, in))
	}
	return &Target{
		ID:     MakeTargetID(dir, name),
		Dir:    dir,
		Inputs: ins,
		Module: &ModuleSpec{Manager: "npm"},
	}
}
