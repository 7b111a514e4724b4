package kiln

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"shanhu.io/misc/errcode"
	"shanhu.io/virgo/dock"
)

// ContainerRunner runs processes inside a docker container. The working
// directory of the request is mounted into the container, so tools write
// their outputs straight back to the host. Paths in the arguments must be
// relative to it.
type ContainerRunner struct {
	client *dock.Client
	image  string
}

// NewContainerRunner creates a runner that runs tools in containers of the
// given image. The image needs /bin/sh and an idle default command.
func NewContainerRunner(client *dock.Client, image string) *ContainerRunner {
	return &ContainerRunner{client: client, image: image}
}

const (
	contWorkDir = "/kiln/work"
	contLogDir  = "/kiln/logs"

	exitCommandNotFound = 127
)

func (r *ContainerRunner) script(req *ProcessRequest) string {
	args := append([]string{req.Path}, req.Args...)
	return shellquote.Join(args...) +
		" >" + linuxPathJoin(contLogDir, "stdout") +
		" 2>" + linuxPathJoin(contLogDir, "stderr")
}

// command is what the container execs for req. It runs in contWorkDir.
func (r *ContainerRunner) command(req *ProcessRequest) []string {
	return []string{"/bin/sh", "-c", r.script(req)}
}

// containerMounts maps the work dir and the log dir into the container.
// Request paths must stay inside the work dir.
func containerMounts(workDir, logDir string) []*dock.ContMount {
	return []*dock.ContMount{{
		Host: workDir,
		Cont: contWorkDir,
	}, {
		Host: logDir,
		Cont: contLogDir,
	}}
}

type containerLogs struct {
	dir string
	max int
}

func (l *containerLogs) read(res *ProcessResult) error {
	var err error
	res.Stdout, res.StdoutTruncated, err = readCapped(
		filepath.Join(l.dir, "stdout"), l.max,
	)
	if err != nil {
		return errcode.Annotate(err, "read stdout")
	}
	res.Stderr, res.StderrTruncated, err = readCapped(
		filepath.Join(l.dir, "stderr"), l.max,
	)
	if err != nil {
		return errcode.Annotate(err, "read stderr")
	}
	return nil
}

func readCapped(f string, max int) ([]byte, bool, error) {
	file, err := os.Open(f)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	buf := newCappedBuffer(max)
	if _, err := io.Copy(buf, file); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), buf.truncated, nil
}

// Run runs the request in a fresh container, which is dropped afterwards.
func (r *ContainerRunner) Run(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	absDir, err := filepath.Abs(req.Dir)
	if err != nil {
		return nil, errcode.Annotate(err, "get absolute work dir")
	}
	logDir, err := os.MkdirTemp("", "kiln-logs-")
	if err != nil {
		return nil, errcode.Annotate(err, "make log dir")
	}
	defer os.RemoveAll(logDir)

	logs := &containerLogs{dir: logDir, max: req.MaxOutput}

	config := &dock.ContConfig{
		Mounts: containerMounts(absDir, logDir),
	}
	cont, err := dock.CreateCont(r.client, r.image, config)
	if err != nil {
		return nil, errcode.Annotate(err, "create container")
	}
	var dropOnce sync.Once
	drop := func() { dropOnce.Do(func() { cont.Drop() }) }
	defer drop()

	if err := cont.Start(); err != nil {
		return nil, errcode.Annotate(err, "start container")
	}

	var env []string
	var keys []string
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}

	runCtx := ctx
	if req.Timeout > 0 {
		c, cancel := context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		runCtx = c
	}

	type execRet struct {
		exit int
		err  error
	}
	start := time.Now()
	ch := make(chan *execRet, 1)
	go func() {
		exit, err := cont.ExecWithSetup(&dock.ExecSetup{
			Cmd:        r.command(req),
			Env:        env,
			WorkingDir: contWorkDir,
		})
		ch <- &execRet{exit: exit, err: err}
	}()

	var ret *execRet
	select {
	case ret = <-ch:
	case <-runCtx.Done():
		drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Whatever the tool wrote before it was killed.
		partial := new(ProcessResult)
		if err := logs.read(partial); err != nil {
			return nil, err
		}
		return nil, &Error{
			Kind:   ToolTimeout,
			Name:   req.Path,
			Stdout: partial.Stdout,
			Stderr: partial.Stderr,
			Err:    errcode.Internalf("killed after %s", req.Timeout),
		}
	}
	if ret.err != nil {
		return nil, errcode.Annotate(ret.err, "exec in container")
	}

	res := &ProcessResult{
		ExitCode: ret.exit,
		Duration: time.Since(start),
	}
	if err := logs.read(res); err != nil {
		return nil, err
	}

	if res.ExitCode == exitCommandNotFound {
		return nil, &Error{
			Kind:   ToolNotFound,
			Name:   req.Path,
			Stderr: res.Stderr,
			Err:    errcode.NotFoundf("not found in image %q", r.image),
		}
	}
	return res, nil
}
