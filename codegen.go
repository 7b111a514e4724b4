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
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
)

// taskBase holds what the tasks of a builder share.
type taskBase struct {
	env      *env
	graph    *Graph
	cache    *Cache
	runner   Runner
	metrics  *metrics
	defaults *TaskConfig
	versions *toolVersions

	// tools maps tool names to executables.
	tools map[string]string
}

// exe returns the executable of a tool.
func (b *taskBase) exe(cfg *TaskConfig, tool string) string {
	if cfg.ToolExecutablePath != "" {
		return cfg.ToolExecutablePath
	}
	if p, ok := b.tools[tool]; ok && p != "" {
		return p
	}
	return tool
}

// declared fetches a declared target for a task.
func (b *taskBase) declared(id TargetID) (*Target, error) {
	t, ok := b.graph.Declared(id)
	if !ok {
		return nil, errcode.NotFoundf("target %q not declared", id)
	}
	return t, nil
}

// CodegenTask generates runtime bindings from the IDL files of a declared
// target. Generated code is cached by fingerprint and committed to the
// graph as a synthetic target.
type CodegenTask struct {
	*taskBase
	compilers map[string]Compiler
}

func newCodegenTask(b *taskBase, compilers []Compiler) *CodegenTask {
	m := make(map[string]Compiler)
	for _, c := range compilers {
		m[c.Name()] = c
	}
	return &CodegenTask{taskBase: b, compilers: m}
}

func (t *CodegenTask) kind() TargetKind { return KindGenerated }

func (t *CodegenTask) accepts(target *Target) bool {
	return target.Codegen != nil
}

func (t *CodegenTask) compiler(name string) (Compiler, error) {
	if name == "" {
		name = "thrift"
	}
	c, ok := t.compilers[name]
	if !ok {
		return nil, errcode.InvalidArgf("unknown compiler %q", name)
	}
	return c, nil
}

// codegenKey is the configuration part of a code generation fingerprint.
// Everything that changes the command line is in it.
type codegenKey struct {
	Compiler    string
	Generator   string
	Roots       []string
	IncludeDirs []string          `json:",omitempty"`
	Options     map[string]string `json:",omitempty"`
}

// Run generates code for the declared target id, reusing a cached result
// when the fingerprint matches. On success the generated target replaces
// any earlier one of the same id in the graph.
func (t *CodegenTask) Run(
	ctx context.Context, id TargetID, config *TaskConfig,
) (*Target, error) {
	decl, err := t.declared(id)
	if err != nil {
		return nil, err
	}
	if decl.Codegen == nil {
		return nil, errcode.InvalidArgf("%q is not an IDL library", id)
	}
	cfg := t.defaults.Merge(decl.Codegen.Config).Merge(config)
	syn, err := t.run(ctx, decl, cfg)
	if err != nil {
		return nil, withTarget(err, id)
	}
	return syn, nil
}

func (t *CodegenTask) run(
	ctx context.Context, decl *Target, cfg *TaskConfig,
) (*Target, error) {
	spec := decl.Codegen
	if len(decl.Inputs) == 0 {
		return nil, &Error{Kind: NoInputs}
	}
	comp, err := t.compiler(spec.Compiler)
	if err != nil {
		return nil, err
	}

	resolver := &idlResolver{
		root:        t.env.srcDir,
		includeDirs: spec.IncludeDirs,
	}
	inputs, err := resolver.resolve(decl.Inputs)
	if err != nil {
		return nil, err
	}

	exe := t.exe(cfg, comp.Tool())
	version, err := t.versions.get(ctx, t.runner, t.metrics, &versionProbe{
		name:     comp.Name(),
		exe:      exe,
		args:     comp.VersionArgs(),
		failKind: CodegenFailed,
	}, cfg)
	if err != nil {
		return nil, err
	}

	var roots []string
	for _, in := range decl.Inputs {
		roots = append(roots, path.Clean(in))
	}
	sort.Strings(roots)
	key := &codegenKey{
		Compiler:    comp.Name(),
		Generator:   cfg.backend(),
		Roots:       roots,
		IncludeDirs: spec.IncludeDirs,
		Options:     spec.Options,
	}
	fp, err := ComputeFingerprint(inputs, comp.Name()+" "+version, key)
	if err != nil {
		return nil, err
	}

	entry, hit, err := t.cache.Do(ctx, fp, func(
		ctx context.Context,
	) (*CacheEntry, error) {
		log.Printf("GEN %s (%s)", decl.ID, fp.Short())
		return t.generate(ctx, comp, exe, cfg, key, inputs)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		log.Printf("CACHED %s (%s)", decl.ID, fp.Short())
	}

	syn := &Target{
		ID:          GeneratedID(decl.ID, key.Generator),
		Kind:        KindGenerated,
		Dir:         decl.Dir,
		Deps:        t.runtimeDeps(spec, cfg),
		Owner:       decl.ID,
		Fingerprint: fp,
		Artifacts:   entry.Artifacts,
		Cached:      hit,
	}
	for _, a := range entry.Artifacts {
		syn.Inputs = append(syn.Inputs, a.Path)
	}

	if t.env.outDir != "" {
		_, name := syn.ID.Split()
		dir := t.env.out(decl.Dir, name)
		if err := materialize(dir, syn.Artifacts); err != nil {
			return nil, errcode.Annotate(err, "write generated code")
		}
	}
	if err := t.graph.Commit(syn); err != nil {
		return nil, err
	}
	return syn, nil
}

func (t *CodegenTask) runtimeDeps(
	spec *CodegenSpec, cfg *TaskConfig,
) []TargetID {
	deps := append([]TargetID(nil), spec.RuntimeDeps...)
	if cfg.AutoRuntimeDeps && cfg.RuntimeModule != "" {
		dep := InstalledID(TargetID(cfg.RuntimeModule))
		found := false
		for _, d := range deps {
			if d == dep {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, dep)
		}
	}
	return deps
}

const (
	scratchSrc = "src"
	scratchOut = "out"
)

// generate runs the compiler in a scratch directory that holds a copy of
// the inputs under src and nothing else.
func (t *CodegenTask) generate(
	ctx context.Context, comp Compiler, exe string, cfg *TaskConfig,
	key *codegenKey, inputs []*Input,
) (*CacheEntry, error) {
	dir, invocation, err := t.cache.scratchDir("gen")
	if err != nil {
		return nil, errcode.Annotate(err, "make scratch dir")
	}
	defer os.RemoveAll(dir)

	srcDir := filepath.Join(dir, scratchSrc)
	outDir := filepath.Join(dir, scratchOut)
	if err := writeInputs(srcDir, inputs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return nil, errcode.Annotate(err, "make out dir")
	}

	// Paths in the job are relative to the scratch dir, which is the only
	// directory a container runner mounts.
	var files []string
	for _, in := range inputs {
		files = append(files, path.Join(scratchSrc, in.Path))
	}
	var roots []string
	for _, r := range key.Roots {
		roots = append(roots, path.Join(scratchSrc, r))
	}
	var includes []string
	for _, inc := range key.IncludeDirs {
		includes = append(includes, path.Join(scratchSrc, inc))
	}
	job := &CompileJob{
		Generator:   key.Generator,
		Out:         scratchOut,
		Roots:       roots,
		Files:       files,
		IncludeDirs: includes,
		Options:     key.Options,
	}

	meta := &ExitMeta{InvocationID: invocation}
	for _, args := range comp.Commands(job) {
		req := &ProcessRequest{
			Path:      exe,
			Args:      args,
			Dir:       dir,
			Timeout:   cfg.timeout(),
			MaxOutput: cfg.maxOutput(),
			Description: fmt.Sprintf(
				"%s %s", comp.Name(), strings.Join(key.Roots, " "),
			),
		}
		res, err := t.runner.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		t.metrics.invoked("codegen", res)
		if err := meta.add(req, res); err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return nil, &Error{
				Kind:   CodegenFailed,
				Name:   exe,
				Stdout: res.Stdout,
				Stderr: res.Stderr,
				Err:    fmt.Errorf("exited with %d", res.ExitCode),
			}
		}
	}

	arts, err := collectArtifacts(outDir)
	if err != nil {
		return nil, errcode.Annotate(err, "collect generated files")
	}
	return &CacheEntry{
		Kind:      KindGenerated,
		Artifacts: arts,
		Exit:      meta,
	}, nil
}
