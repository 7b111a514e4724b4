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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

const nodeModules = "node_modules"

// npmManager installs with npm. With a lock file, it runs `npm ci`, which
// fails rather than updating a lock that disagrees with the manifest.
type npmManager struct{}

func (npmManager) Name() string          { return "npm" }
func (npmManager) Tool() string          { return "npm" }
func (npmManager) VersionArgs() []string { return []string{"--version"} }
func (npmManager) LockFile() string      { return "package-lock.json" }

func (npmManager) InstallArgs(hasLock bool) []string {
	if hasLock {
		return []string{"ci", "--no-audit", "--no-fund"}
	}
	return []string{"install", "--no-audit", "--no-fund"}
}

var npmFailures = &failureMarkers{
	script: []string{
		"ELIFECYCLE",
		"code 1\nnpm ERR! path",
		"npm ERR! command failed",
		"npm error command failed",
	},
	network: append([]string{
		"ERR_SOCKET_TIMEOUT",
		"network request to",
	}, commonNetworkMarkers...),
	resolution: []string{
		"E404",
		"ETARGET",
		"ERESOLVE",
		"EUSAGE",
		"No matching version",
	},
}

func (npmManager) Classify(stdout, stderr []byte) string {
	return npmFailures.classify(stdout, stderr)
}

type npmLockPackage struct {
	Version              string            `json:"version"`
	Link                 bool              `json:"link"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

type npmLockDep struct {
	Version      string                 `json:"version"`
	Dependencies map[string]*npmLockDep `json:"dependencies"`
}

type npmLock struct {
	LockfileVersion int                        `json:"lockfileVersion"`
	Packages        map[string]*npmLockPackage `json:"packages"`
	Dependencies    map[string]*npmLockDep     `json:"dependencies"`
}

// npmPackageName returns the name of a package from its install path, such
// as "node_modules/a/node_modules/@s/b". Nested reports that the package
// is not hoisted.
func npmPackageName(p string) (name string, nested bool) {
	const sep = nodeModules + "/"
	i := strings.LastIndex(p, sep)
	if i < 0 {
		return "", false
	}
	return p[i+len(sep):], i > 0
}

func (npmManager) ParseLock(bs []byte, m *Manifest) (*LockInfo, error) {
	lock := new(npmLock)
	if err := json.Unmarshal(bs, lock); err != nil {
		return nil, errcode.Annotate(err, "parse package-lock.json")
	}

	info := newLockInfo()
	if lock.LockfileVersion >= 2 && lock.Packages != nil {
		if root, ok := lock.Packages[""]; ok {
			info.Root = make(map[string]string)
			for _, group := range []map[string]string{
				root.DevDependencies,
				root.OptionalDependencies,
				root.Dependencies,
			} {
				for name, spec := range group {
					info.Root[name] = spec
				}
			}
		}

		var paths []string
		for p := range lock.Packages {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			pkg := lock.Packages[p]
			name, nested := npmPackageName(p)
			if name == "" || pkg.Link || pkg.Version == "" {
				continue
			}
			if !nested {
				info.Packages[name] = pkg.Version
				info.Resolved[name] = pkg.Version
			} else if _, ok := info.Packages[name]; !ok {
				info.Packages[name] = pkg.Version
			}
		}
		return info, nil
	}

	// Lock file version 1 only has the dependency tree.
	for name, dep := range lock.Dependencies {
		info.Resolved[name] = dep.Version
		info.Packages[name] = dep.Version
	}
	var walk func(deps map[string]*npmLockDep)
	walk = func(deps map[string]*npmLockDep) {
		for _, name := range sortedDepNames(deps) {
			dep := deps[name]
			if _, ok := info.Packages[name]; !ok {
				info.Packages[name] = dep.Version
			}
			walk(dep.Dependencies)
		}
	}
	for _, name := range sortedDepNames(lock.Dependencies) {
		walk(lock.Dependencies[name].Dependencies)
	}
	return info, nil
}

func sortedDepNames(deps map[string]*npmLockDep) []string {
	var names []string
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scanNodeModules lists the hoisted packages of an installed tree. It is
// for trees that come without a lock file.
func scanNodeModules(dir string) (map[string]string, error) {
	root := filepath.Join(dir, nodeModules)
	ok, err := osutil.IsDir(root)
	if err != nil {
		return nil, err
	}
	pkgs := make(map[string]string)
	if !ok {
		return pkgs, nil
	}

	readPkg := func(name string) error {
		f := filepath.Join(root, filepath.FromSlash(name), manifestFile)
		bs, err := os.ReadFile(f)
		if os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return err
		}
		m, err := parseManifest(bs)
		if err != nil {
			return errcode.Annotatef(err, "package %q", name)
		}
		pkgs[name] = m.Version
		return nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.IsDir() {
			continue
		}
		if !strings.HasPrefix(name, "@") {
			if err := readPkg(name); err != nil {
				return nil, err
			}
			continue
		}
		scoped, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, err
		}
		for _, sub := range scoped {
			if !sub.IsDir() {
				continue
			}
			if err := readPkg(name + "/" + sub.Name()); err != nil {
				return nil, err
			}
		}
	}
	return pkgs, nil
}
