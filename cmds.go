package kiln

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// LocalRunner runs processes on the local machine. Each process runs in its
// own process group, so that the whole tree is killed on timeout or
// cancellation.
type LocalRunner struct {
	// Inherit lists the environment variables copied from the current
	// process before applying the request's overrides.
	Inherit []string
}

// NewLocalRunner creates a local runner that inherits HOME and PATH.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{Inherit: []string{"HOME", "PATH"}}
}

func (r *LocalRunner) command(bin string, req *ProcessRequest) *exec.Cmd {
	cmd := exec.Command(bin, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = []string{}
	for _, k := range r.Inherit {
		osutil.CmdCopyEnv(cmd, k)
	}

	var keys []string
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+req.Env[k])
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// Run runs the process and waits for it to finish.
func (r *LocalRunner) Run(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	bin, err := exec.LookPath(req.Path)
	if err != nil {
		return nil, &Error{Kind: ToolNotFound, Name: req.Path, Err: err}
	}

	runCtx := ctx
	if req.Timeout > 0 {
		c, cancel := context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		runCtx = c
	}

	cmd := r.command(bin, req)
	stdout := newCappedBuffer(req.MaxOutput)
	stderr := newCappedBuffer(req.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Kind: ToolNotFound, Name: req.Path, Err: err}
		}
		return nil, errcode.Annotatef(err, "start %q", req.Path)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	result := func() *ProcessResult {
		return &ProcessResult{
			ExitCode:        cmd.ProcessState.ExitCode(),
			Stdout:          stdout.Bytes(),
			Stderr:          stderr.Bytes(),
			StdoutTruncated: stdout.truncated,
			StderrTruncated: stderr.truncated,
			Duration:        time.Since(start),
		}
	}

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, errcode.Annotatef(err, "wait %q", req.Path)
			}
		}
		return result(), nil
	case <-runCtx.Done():
		killProcessGroup(cmd)
		<-done
		if ctx.Err() != nil { // cancelled by the caller
			return nil, ctx.Err()
		}
		res := result()
		return nil, &Error{
			Kind:   ToolTimeout,
			Name:   req.Path,
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Err:    errcode.Internalf("killed after %s", req.Timeout),
		}
	}
}
