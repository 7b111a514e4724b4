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
	"context"
	"log"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"shanhu.io/misc/errcode"
	"shanhu.io/text/lexing"
)

// Config provide the configuration to start a builder.
type Config struct {
	Root  string // Root directory
	Src   string // Source directory
	Out   string // Output directory for generated code; empty to skip
	Cache string // Cache directory

	// Jobs bounds parallel tasks. Zero means the number of CPUs.
	Jobs int

	// Tools maps tool names to executables.
	Tools map[string]string

	// Task is the default task config.
	Task *TaskConfig

	// Runner runs the external tools. Default is a LocalRunner bounded by
	// Jobs.
	Runner Runner

	// Metrics registers the builder's metrics when not nil.
	Metrics prometheus.Registerer
}

// Builder resolves targets: it generates code and installs dependencies,
// reusing cached results.
type Builder struct {
	env     *env
	graph   *Graph
	cache   *Cache
	base    *taskBase
	codegen *CodegenTask
	install *InstallTask
	tasks   []task
	jobs    int
}

func rootPath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// NewBuilder creates a new builder. It opens the cache, which must be
// closed with Close.
func NewBuilder(config *Config) (*Builder, error) {
	if config.Cache == "" {
		return nil, errcode.InvalidArgf("cache directory missing")
	}
	jobs := config.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	cache, err := OpenCache(rootPath(config.Root, config.Cache))
	if err != nil {
		return nil, err
	}
	m := newMetrics(config.Metrics)
	cache.metrics = m

	runner := config.Runner
	if runner == nil {
		runner = NewBoundedRunner(NewLocalRunner(), jobs)
	}

	src := config.Src
	if src == "" {
		src = "."
	}
	env := &env{
		srcDir: rootPath(config.Root, src),
		outDir: rootPath(config.Root, config.Out),
	}
	graph := NewGraph()
	base := &taskBase{
		env:      env,
		graph:    graph,
		cache:    cache,
		runner:   runner,
		metrics:  m,
		defaults: new(TaskConfig).Merge(config.Task),
		versions: newToolVersions(),
		tools:    config.Tools,
	}

	b := &Builder{
		env:     env,
		graph:   graph,
		cache:   cache,
		base:    base,
		codegen: newCodegenTask(base, builtinCompilers),
		install: newInstallTask(base, builtinManagers),
		jobs:    jobs,
	}
	b.tasks = []task{b.codegen, b.install}
	return b, nil
}

// Close closes the cache.
func (b *Builder) Close() error { return b.cache.Close() }

// Graph returns the build graph.
func (b *Builder) Graph() *Graph { return b.graph }

// Cache returns the artifact cache.
func (b *Builder) Cache() *Cache { return b.cache }

// Src returns the filesystem path to a source file.
func (b *Builder) Src(f string) string { return b.env.src(f) }

// Out returns the filesystem path to an output file.
func (b *Builder) Out(f string) string { return b.env.out(f) }

// Load reads the BUILD files that declare ids and their dependencies,
// and declares the targets in the graph.
func (b *Builder) Load(ids []TargetID) []*lexing.Error {
	l := newLoader(b.env)
	l.load(ids, nil)
	if errs := l.Errs(); errs != nil {
		return errs
	}
	return l.declare(b.graph)
}

// LoadDir loads all targets of the BUILD file in dir, and returns their
// ids.
func (b *Builder) LoadDir(dir string) ([]TargetID, []*lexing.Error) {
	dir = cleanDir(dir)
	l := newLoader(b.env)
	l.loadDir(dir)
	if errs := l.Errs(); errs != nil {
		return nil, errs
	}
	if errs := l.declare(b.graph); errs != nil {
		return nil, errs
	}

	var ids []TargetID
	for _, id := range b.graph.DeclaredIDs() {
		if t, _ := b.graph.Declared(id); t.Dir == dir {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Codegen runs the code generation task of a declared target.
func (b *Builder) Codegen(
	ctx context.Context, id TargetID, config *TaskConfig,
) (*Target, error) {
	return b.codegen.Run(ctx, id, config)
}

// Install runs the dependency install task of a declared target.
func (b *Builder) Install(
	ctx context.Context, id TargetID, config *TaskConfig,
) (*Target, error) {
	return b.install.Run(ctx, id, config)
}

func (b *Builder) taskFor(t *Target) task {
	for _, tk := range b.tasks {
		if tk.accepts(t) {
			return tk
		}
	}
	return nil
}

func (b *Builder) resolve1(ctx context.Context, t *Target) (*Target, error) {
	tk := b.taskFor(t)
	if tk == nil {
		return t, nil
	}
	log.Printf("BUILD %s (%s)", t.ID, tk.kind())
	return tk.Run(ctx, t.ID, nil)
}

// Resolve runs the tasks of ids and of their dependencies, each after
// its dependencies. Independent targets run in parallel. It returns the
// synthetic target made for each target that has a task, or the declared
// target itself. The first failure cancels the rest.
func (b *Builder) Resolve(
	ctx context.Context, ids []TargetID,
) (map[TargetID]*Target, error) {
	roots := append([]TargetID(nil), ids...)
	if d := b.base.defaults; d.AutoRuntimeDeps && d.RuntimeModule != "" {
		if _, ok := b.graph.Declared(TargetID(d.RuntimeModule)); ok {
			roots = append(roots, TargetID(d.RuntimeModule))
		}
	}
	for i, id := range roots {
		roots[i] = ownerOf(id)
	}
	order, err := b.graph.order(roots)
	if err != nil {
		return nil, err
	}

	done := make(map[TargetID]chan struct{})
	for _, id := range order {
		done[id] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[TargetID]*Target)

	var decls []*Target
	for _, id := range order {
		decl, ok := b.graph.Declared(id)
		if !ok {
			return nil, errcode.NotFoundf("target %q not declared", id)
		}
		decls = append(decls, decl)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.jobs)
	for _, decl := range decls {
		g.Go(func() error {
			for _, dep := range decl.Deps {
				select {
				case <-done[ownerOf(dep)]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			t, err := b.resolve1(gctx, decl)
			if err != nil {
				return err
			}
			mu.Lock()
			results[decl.ID] = t
			mu.Unlock()
			close(done[decl.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
