// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package kiln

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxOutput is the default limit of captured bytes per output
// stream.
const DefaultMaxOutput = 4 << 20

// ProcessRequest is an external process to run.
type ProcessRequest struct {
	// Path is the executable. It is looked up in PATH when it has no
	// path separator.
	Path string
	Args []string
	Dir  string

	// Env overrides. Only a few variables from the current process are
	// inherited; see LocalRunner.
	Env map[string]string

	// Timeout of the process. Zero means no timeout.
	Timeout time.Duration

	// MaxOutput limits the captured bytes of stdout and stderr each.
	// Zero or negative means no limit.
	MaxOutput int

	// Description is for humans. It is not part of the request digest.
	Description string
}

type requestDigest struct {
	Path      string
	Args      []string
	Env       map[string]string `json:",omitempty"`
	Timeout   time.Duration     `json:",omitempty"`
	MaxOutput int               `json:",omitempty"`
}

// Digest returns a fingerprint of the request that ignores the working
// directory and the description.
func (r *ProcessRequest) Digest() (Fingerprint, error) {
	return ComputeFingerprint(nil, "process", &requestDigest{
		Path:      r.Path,
		Args:      r.Args,
		Env:       r.Env,
		Timeout:   r.Timeout,
		MaxOutput: r.MaxOutput,
	})
}

// ProcessResult is the result of a process that ran to its end.
type ProcessResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	StdoutTruncated bool
	StderrTruncated bool

	Duration time.Duration
}

// Runner runs external processes. A nonzero exit code is not an error;
// errors are for processes that could not be started or did not finish.
type Runner interface {
	Run(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
}

// BoundedRunner limits the number of concurrent processes of an inner
// runner.
type BoundedRunner struct {
	inner Runner
	sem   *semaphore.Weighted
}

// NewBoundedRunner creates a runner that runs at most n processes of inner
// at the same time.
func NewBoundedRunner(inner Runner, n int) *BoundedRunner {
	if n <= 0 {
		n = 1
	}
	return &BoundedRunner{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(n)),
	}
}

// Run runs the request when a slot is available.
func (r *BoundedRunner) Run(
	ctx context.Context, req *ProcessRequest,
) (*ProcessResult, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return r.inner.Run(ctx, req)
}

// cappedBuffer keeps at most max bytes and drops the rest. It never fails
// a write, so the process output keeps being drained.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }
