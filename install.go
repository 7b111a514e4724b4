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

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// InstallTask installs the external packages of a declared module with
// its package manager. The installed tree is cached by the fingerprint of
// the manifest and the lock file.
type InstallTask struct {
	*taskBase
	managers map[string]PackageManager
}

func newInstallTask(b *taskBase, managers []PackageManager) *InstallTask {
	m := make(map[string]PackageManager)
	for _, pm := range managers {
		m[pm.Name()] = pm
	}
	return &InstallTask{taskBase: b, managers: m}
}

func (t *InstallTask) kind() TargetKind { return KindInstalled }

func (t *InstallTask) accepts(target *Target) bool {
	return target.Module != nil
}

func (t *InstallTask) manager(name string) (PackageManager, error) {
	if name == "" {
		name = "npm"
	}
	pm, ok := t.managers[name]
	if !ok {
		return nil, errcode.InvalidArgf("unknown package manager %q", name)
	}
	return pm, nil
}

type installKey struct {
	Manager string
	Args    []string
}

// moduleFiles finds the manifest and the lock file of a module among its
// inputs. A lock that is not an input is absent.
func moduleFiles(decl *Target, pm PackageManager) (manifest, lock string) {
	for _, in := range decl.Inputs {
		if path.Dir(in) != path.Clean(decl.Dir) {
			continue
		}
		switch path.Base(in) {
		case manifestFile:
			manifest = in
		case pm.LockFile():
			lock = in
		}
	}
	return manifest, lock
}

// Run installs the dependencies of the declared module id, reusing the
// cached tree when the manifest and the lock file are unchanged.
func (t *InstallTask) Run(
	ctx context.Context, id TargetID, config *TaskConfig,
) (*Target, error) {
	decl, err := t.declared(id)
	if err != nil {
		return nil, err
	}
	if decl.Module == nil {
		return nil, errcode.InvalidArgf("%q is not a package module", id)
	}
	cfg := t.defaults.Merge(decl.Module.Config).Merge(config)
	syn, err := t.run(ctx, decl, cfg)
	if err != nil {
		return nil, withTarget(err, id)
	}
	return syn, nil
}

func (t *InstallTask) run(
	ctx context.Context, decl *Target, cfg *TaskConfig,
) (*Target, error) {
	pm, err := t.manager(decl.Module.Manager)
	if err != nil {
		return nil, err
	}

	manifestPath, lockPath := moduleFiles(decl, pm)
	if manifestPath == "" {
		return nil, errorf(
			InputUnreadable, path.Join(decl.Dir, manifestFile),
			"manifest is not an input of the module",
		)
	}
	paths := []string{manifestPath}
	if lockPath != "" {
		paths = append(paths, lockPath)
	}
	inputs, err := ReadInputs(t.env.srcDir, paths)
	if err != nil {
		return nil, err
	}
	manifestIn := inputs[0]
	var lockIn *Input
	if lockPath != "" {
		lockIn = inputs[1]
	} else {
		lockIn = absentInput(path.Join(decl.Dir, pm.LockFile()))
		inputs = append(inputs, lockIn)
	}

	manifest, err := parseManifest(manifestIn.Content)
	if err != nil {
		return nil, errorf(InputUnreadable, manifestIn.Path, "%s", err)
	}
	if !lockIn.Absent {
		lock, err := pm.ParseLock(lockIn.Content, manifest)
		if err != nil {
			return nil, errorf(LockfileMismatch, lockIn.Path, "%s", err)
		}
		if err := checkLock(manifest, lock); err != nil {
			return nil, err
		}
	}

	exe := t.exe(cfg, pm.Tool())
	version, err := t.versions.get(ctx, t.runner, t.metrics, &versionProbe{
		name:     pm.Name(),
		exe:      exe,
		args:     pm.VersionArgs(),
		failKind: InstallFailed,
	}, cfg)
	if err != nil {
		return nil, err
	}

	key := &installKey{
		Manager: pm.Name(),
		Args:    pm.InstallArgs(!lockIn.Absent),
	}
	fp, err := ComputeFingerprint(inputs, pm.Name()+" "+version, key)
	if err != nil {
		return nil, err
	}

	// The tree might have been removed from under the cache.
	if entry, ok := t.cache.Lookup(fp); ok {
		ok, err := osutil.IsDir(t.cache.Path(entry.Tree))
		if err != nil {
			return nil, errcode.Annotate(err, "check installed tree")
		}
		if !ok {
			log.Printf("EVICT %s (%s)", decl.ID, fp.Short())
			if err := t.cache.Evict(fp); err != nil {
				return nil, errcode.Annotate(err, "evict entry")
			}
		}
	}

	entry, hit, err := t.cache.Do(ctx, fp, func(
		ctx context.Context,
	) (*CacheEntry, error) {
		log.Printf("INSTALL %s (%s)", decl.ID, fp.Short())
		return t.install(ctx, pm, exe, cfg, fp, key, inputs)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		log.Printf("CACHED %s (%s)", decl.ID, fp.Short())
	}

	syn := &Target{
		ID:          InstalledID(decl.ID),
		Kind:        KindInstalled,
		Dir:         decl.Dir,
		Inputs:      paths,
		Owner:       decl.ID,
		Fingerprint: fp,
		Resource: &InstalledSet{
			Fingerprint: fp,
			Manager:     pm.Name(),
			Dir:         t.cache.Path(entry.Tree),
			Packages:    entry.Packages,
		},
		Cached: hit,
	}
	if err := t.graph.Commit(syn); err != nil {
		return nil, err
	}
	return syn, nil
}

// install runs the package manager in a scratch directory holding only the
// manifest and the lock file, then moves the result into the trees
// directory of the cache.
func (t *InstallTask) install(
	ctx context.Context, pm PackageManager, exe string, cfg *TaskConfig,
	fp Fingerprint, key *installKey, inputs []*Input,
) (*CacheEntry, error) {
	dir, invocation, err := t.cache.scratchDir("install")
	if err != nil {
		return nil, errcode.Annotate(err, "make scratch dir")
	}
	defer os.RemoveAll(dir)

	work := filepath.Join(dir, "work")
	if err := os.MkdirAll(work, 0700); err != nil {
		return nil, errcode.Annotate(err, "make work dir")
	}
	for _, in := range inputs {
		if in.Absent {
			continue
		}
		f := filepath.Join(work, path.Base(in.Path))
		if err := writeFile(f, in.Content); err != nil {
			return nil, errcode.Annotatef(err, "copy %q", in.Path)
		}
	}

	req := &ProcessRequest{
		Path: exe,
		Args: key.Args,
		Dir:  work,
		Env: map[string]string{
			"CI":                         "true",
			"npm_config_update_notifier": "false",
			"npm_config_progress":        "false",
			"YARN_ENABLE_TELEMETRY":      "0",
		},
		Timeout:     cfg.timeout(),
		MaxOutput:   cfg.maxOutput(),
		Description: fmt.Sprintf("%s %v", pm.Name(), key.Args),
	}
	res, err := t.runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	t.metrics.invoked("install", res)
	if res.ExitCode != 0 {
		return nil, &Error{
			Kind:   InstallFailed,
			Name:   exe,
			Cause:  pm.Classify(res.Stdout, res.Stderr),
			Stdout: res.Stdout,
			Stderr: res.Stderr,
			Err:    fmt.Errorf("exited with %d", res.ExitCode),
		}
	}

	pkgs, err := installedPackages(pm, work)
	if err != nil {
		return nil, errcode.Annotate(err, "read installed packages")
	}

	rel := treeRel(fp)
	tree := t.cache.Path(rel)
	if err := os.MkdirAll(filepath.Dir(tree), 0700); err != nil {
		return nil, errcode.Annotate(err, "make trees dir")
	}
	// Left by an entry that was evicted.
	if err := os.RemoveAll(tree); err != nil {
		return nil, errcode.Annotate(err, "clear stale tree")
	}
	if err := os.Rename(work, tree); err != nil {
		return nil, errcode.Annotate(err, "move installed tree")
	}

	meta := &ExitMeta{InvocationID: invocation}
	if err := meta.add(req, res); err != nil {
		return nil, err
	}
	return &CacheEntry{
		Kind:     KindInstalled,
		Tree:     rel,
		Packages: pkgs,
		Exit:     meta,
	}, nil
}

// installedPackages reads the package set of an installed tree from its
// lock file, which the install may have just written, or from the
// packages in node_modules.
func installedPackages(pm PackageManager, work string) (map[string]string, error) {
	bs, err := os.ReadFile(filepath.Join(work, manifestFile))
	if err != nil {
		return nil, err
	}
	m, err := parseManifest(bs)
	if err != nil {
		return nil, err
	}

	lockBytes, err := os.ReadFile(filepath.Join(work, pm.LockFile()))
	if err == nil {
		lock, err := pm.ParseLock(lockBytes, m)
		if err != nil {
			return nil, err
		}
		if len(lock.Packages) > 0 || len(m.Deps()) == 0 {
			return lock.Packages, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return scanNodeModules(work)
}
