package kiln

import (
	"strings"

	"gopkg.in/yaml.v3"
	"shanhu.io/misc/errcode"
)

// pnpmManager installs with pnpm.
type pnpmManager struct{}

func (pnpmManager) Name() string          { return "pnpm" }
func (pnpmManager) Tool() string          { return "pnpm" }
func (pnpmManager) VersionArgs() []string { return []string{"--version"} }
func (pnpmManager) LockFile() string      { return "pnpm-lock.yaml" }

func (pnpmManager) InstallArgs(hasLock bool) []string {
	if hasLock {
		return []string{"install", "--frozen-lockfile", "--reporter=append-only"}
	}
	return []string{"install", "--reporter=append-only"}
}

var pnpmFailures = &failureMarkers{
	script: []string{
		"ERR_PNPM_LIFECYCLE",
		"ELIFECYCLE",
	},
	network: append([]string{
		"ERR_PNPM_META_FETCH_FAIL",
		"ERR_PNPM_FETCH_",
	}, commonNetworkMarkers...),
	resolution: []string{
		"ERR_PNPM_NO_MATCHING_VERSION",
		"ERR_PNPM_OUTDATED_LOCKFILE",
		"ERR_PNPM_FETCH_404",
		"ERR_PNPM_PEER_DEP_ISSUES",
	},
}

func (pnpmManager) Classify(stdout, stderr []byte) string {
	return pnpmFailures.classify(stdout, stderr)
}

// pnpmDep is a direct dependency in the lock file. Lock format 5 writes
// the version as a scalar; later formats write a mapping with the
// specifier and the version.
type pnpmDep struct {
	Specifier string
	Version   string
}

func (d *pnpmDep) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		d.Version = n.Value
		return nil
	}
	var v struct {
		Specifier string `yaml:"specifier"`
		Version   string `yaml:"version"`
	}
	if err := n.Decode(&v); err != nil {
		return err
	}
	d.Specifier = v.Specifier
	d.Version = v.Version
	return nil
}

type pnpmImporter struct {
	Specifiers           map[string]string   `yaml:"specifiers"`
	Dependencies         map[string]*pnpmDep `yaml:"dependencies"`
	DevDependencies      map[string]*pnpmDep `yaml:"devDependencies"`
	OptionalDependencies map[string]*pnpmDep `yaml:"optionalDependencies"`
}

type pnpmLock struct {
	pnpmImporter `yaml:",inline"`

	Importers map[string]*pnpmImporter `yaml:"importers"`
	Packages  map[string]yaml.Node     `yaml:"packages"`
}

// pnpmVersion strips the peer dependency suffix from a locked version:
// "1.0.0(react@18.0.0)" in newer formats, "1.0.0_react@18.0.0" in format 5.
func pnpmVersion(v string) string {
	if i := strings.Index(v, "("); i >= 0 {
		v = v[:i]
	}
	if i := strings.Index(v, "_"); i >= 0 {
		v = v[:i]
	}
	return v
}

// pnpmPackageKey splits a key of the packages section. Keys look like
// "/a/1.0.0" (format 5), "/a@1.0.0" (format 6) or "a@1.0.0" (format 9).
func pnpmPackageKey(key string) (name, version string, ok bool) {
	key = strings.TrimPrefix(key, "/")
	if i := strings.Index(key, "("); i >= 0 {
		key = key[:i]
	}
	if i := strings.LastIndex(key, "@"); i > 0 && pnpmValidName(key[:i]) {
		return key[:i], pnpmVersion(key[i+1:]), true
	}
	if i := strings.Index(key, "_"); i >= 0 {
		key = key[:i]
	}
	if i := strings.LastIndex(key, "/"); i > 0 && pnpmValidName(key[:i]) {
		return key[:i], key[i+1:], true
	}
	return "", "", false
}

func pnpmValidName(name string) bool {
	if strings.HasPrefix(name, "@") {
		return strings.Count(name, "/") == 1
	}
	return !strings.Contains(name, "/")
}

func (pnpmManager) ParseLock(bs []byte, m *Manifest) (*LockInfo, error) {
	lock := new(pnpmLock)
	if err := yaml.Unmarshal(bs, lock); err != nil {
		return nil, errcode.Annotate(err, "parse pnpm-lock.yaml")
	}

	imp := &lock.pnpmImporter
	if root, ok := lock.Importers["."]; ok && root != nil {
		imp = root
	}

	info := newLockInfo()
	info.Root = make(map[string]string)
	for _, group := range []map[string]*pnpmDep{
		imp.DevDependencies,
		imp.OptionalDependencies,
		imp.Dependencies,
	} {
		for name, dep := range group {
			if dep == nil {
				continue
			}
			spec := dep.Specifier
			if spec == "" {
				spec = imp.Specifiers[name]
			}
			info.Root[name] = spec
			info.Resolved[name] = pnpmVersion(dep.Version)
		}
	}

	for key := range lock.Packages {
		name, ver, ok := pnpmPackageKey(key)
		if !ok {
			continue
		}
		if cur, ok := info.Packages[name]; !ok || ver < cur {
			info.Packages[name] = ver
		}
	}
	for name, ver := range info.Resolved {
		info.Packages[name] = ver
	}
	return info, nil
}
