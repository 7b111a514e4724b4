package kiln

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// task turns a declared target into a synthetic target and commits it to
// the graph.
type task interface {
	// kind is the kind of the synthetic target the task makes.
	kind() TargetKind

	// accepts checks if the task handles the declared target.
	accepts(t *Target) bool

	// Run executes the task. config overrides the target's own task
	// config and may be nil.
	Run(ctx context.Context, id TargetID, config *TaskConfig) (*Target, error)
}

// toolVersions memoizes tool version probes for the life of a builder.
type toolVersions struct {
	mu     sync.Mutex
	m      map[string]string
	probes singleflight.Group
}

func newToolVersions() *toolVersions {
	return &toolVersions{m: make(map[string]string)}
}

// firstLine returns the first non-empty line of bs.
func firstLine(bs []byte) string {
	for _, line := range bytes.Split(bs, []byte("\n")) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			return string(line)
		}
	}
	return ""
}

// versionProbe asks a tool to print its version.
type versionProbe struct {
	name     string // tool family, for example "thrift" or "npm"
	exe      string
	args     []string
	failKind ErrorKind
}

// get returns the version of a tool. A version pinned in the config wins,
// otherwise the tool is probed once per executable.
func (v *toolVersions) get(
	ctx context.Context, r Runner, m *metrics,
	p *versionProbe, config *TaskConfig,
) (string, error) {
	if config.ToolVersion != "" {
		return config.ToolVersion, nil
	}

	key := p.name + "\x00" + p.exe
	v.mu.Lock()
	ver, ok := v.m[key]
	v.mu.Unlock()
	if ok {
		return ver, nil
	}

	// Concurrent first calls share one probe. The probe outlives a
	// cancelled caller so that the others still get an answer.
	probeCtx := context.WithoutCancel(ctx)
	ch := v.probes.DoChan(key, func() (interface{}, error) {
		return v.probe(probeCtx, r, m, p, config, key)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (v *toolVersions) probe(
	ctx context.Context, r Runner, m *metrics,
	p *versionProbe, config *TaskConfig, key string,
) (string, error) {
	v.mu.Lock()
	ver, ok := v.m[key]
	v.mu.Unlock()
	if ok {
		return ver, nil
	}

	res, err := r.Run(ctx, &ProcessRequest{
		Path:        p.exe,
		Args:        p.args,
		Timeout:     config.timeout(),
		MaxOutput:   64 << 10,
		Description: "version of " + p.name,
	})
	if err != nil {
		return "", err
	}
	m.invoked("version", res)
	if res.ExitCode != 0 {
		return "", &Error{
			Kind:   p.failKind,
			Name:   p.exe,
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Err: fmt.Errorf(
				"version probe exited with %d", res.ExitCode,
			),
		}
	}

	// Some tools print their version on stderr.
	ver = firstLine(res.Stdout)
	if ver == "" {
		ver = firstLine(res.Stderr)
	}

	v.mu.Lock()
	v.m[key] = ver
	v.mu.Unlock()
	return ver, nil
}
