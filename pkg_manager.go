package kiln

import (
	"bytes"
	"encoding/json"
	"sort"

	"shanhu.io/misc/errcode"
)

// PackageManager is an external package manager. Implementations know the
// command line and the lock file format of one tool.
type PackageManager interface {
	// Name identifies the manager; it is part of the fingerprint.
	Name() string

	// Tool is the default executable.
	Tool() string

	VersionArgs() []string

	// LockFile is the base name of the lock file.
	LockFile() string

	// InstallArgs returns the arguments of the install command. With a
	// lock file, the command must not change it.
	InstallArgs(hasLock bool) []string

	// ParseLock reads a lock file. Direct dependencies are resolved
	// against the manifest.
	ParseLock(bs []byte, m *Manifest) (*LockInfo, error)

	// Classify tells the cause of a failed install from its output.
	Classify(stdout, stderr []byte) string
}

// LockInfo is what a lock file says about a module.
type LockInfo struct {
	// Root maps the direct dependencies recorded in the lock to their
	// specifiers. It is nil when the format does not record them.
	Root map[string]string

	// Resolved maps direct dependencies of the manifest to their locked
	// versions.
	Resolved map[string]string

	// Packages maps every locked package to its version. When a package
	// is locked in several versions, the hoisted one wins.
	Packages map[string]string
}

func newLockInfo() *LockInfo {
	return &LockInfo{
		Resolved: make(map[string]string),
		Packages: make(map[string]string),
	}
}

// Manifest is the part of package.json that decides what is installed.
type Manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

const manifestFile = "package.json"

func parseManifest(bs []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := json.Unmarshal(bs, m); err != nil {
		return nil, errcode.Annotate(err, "parse package.json")
	}
	return m, nil
}

// Deps merges all dependency kinds into name to specifier.
func (m *Manifest) Deps() map[string]string {
	deps := make(map[string]string)
	for _, group := range []map[string]string{
		m.DevDependencies,
		m.OptionalDependencies,
		m.Dependencies,
	} {
		for name, spec := range group {
			deps[name] = spec
		}
	}
	return deps
}

func sortedKeys(m map[string]string) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// failureMarkers are output fragments of a package manager that tell why
// an install failed.
type failureMarkers struct {
	script     []string
	network    []string
	resolution []string
}

// classify checks script failures first. A post-install hook that hits
// the network is still a script failure.
func (f *failureMarkers) classify(stdout, stderr []byte) string {
	for _, c := range []struct {
		cause   string
		markers []string
	}{
		{CauseScript, f.script},
		{CauseNetwork, f.network},
		{CauseResolution, f.resolution},
	} {
		for _, m := range c.markers {
			mb := []byte(m)
			if bytes.Contains(stderr, mb) || bytes.Contains(stdout, mb) {
				return c.cause
			}
		}
	}
	return CauseUnknown
}

var commonNetworkMarkers = []string{
	"ENOTFOUND",
	"ETIMEDOUT",
	"ECONNRESET",
	"ECONNREFUSED",
	"EAI_AGAIN",
	"ENETUNREACH",
	"socket hang up",
}

var builtinManagers = []PackageManager{
	npmManager{},
	yarnManager{},
	pnpmManager{},
}

// findManager returns the builtin manager of a name; empty is npm.
func findManager(name string) PackageManager {
	if name == "" {
		name = "npm"
	}
	for _, pm := range builtinManagers {
		if pm.Name() == name {
			return pm
		}
	}
	return nil
}
