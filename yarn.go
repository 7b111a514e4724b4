package kiln

import (
	"bytes"
	"sort"
	"strings"

	"github.com/aquasecurity/go-dep-parser/pkg/nodejs/yarn"
	"gopkg.in/yaml.v3"
	"shanhu.io/misc/errcode"
)

// yarnManager installs with yarn. Both the classic and the berry lock
// formats are read.
type yarnManager struct{}

func (yarnManager) Name() string          { return "yarn" }
func (yarnManager) Tool() string          { return "yarn" }
func (yarnManager) VersionArgs() []string { return []string{"--version"} }
func (yarnManager) LockFile() string      { return "yarn.lock" }

func (yarnManager) InstallArgs(hasLock bool) []string {
	if hasLock {
		return []string{"install", "--frozen-lockfile", "--non-interactive"}
	}
	return []string{"install", "--non-interactive"}
}

var yarnFailures = &failureMarkers{
	script: []string{
		"error Command failed",
		"postinstall",
		"YN0009", // build failed
	},
	network: append([]string{
		"There appears to be trouble with your network connection",
		"YN0001: RequestError",
	}, commonNetworkMarkers...),
	resolution: []string{
		"Couldn't find any versions",
		"Couldn't find package",
		"Your lockfile needs to be updated",
		"YN0082", // no candidates found
		"YN0028", // lockfile would be modified
		"404 Not Found",
	},
}

func (yarnManager) Classify(stdout, stderr []byte) string {
	return yarnFailures.classify(stdout, stderr)
}

// yarnEntries maps "name@spec" keys to locked versions.
type yarnEntries map[string]string

func (e yarnEntries) add(key, version string) {
	for _, k := range strings.Split(key, ",") {
		k = strings.Trim(strings.TrimSpace(k), `"`)
		if k != "" {
			e[k] = version
		}
	}
}

// yarnKeyName returns the package name of a "name@spec" key.
func yarnKeyName(key string) string {
	if i := strings.LastIndex(key, "@"); i > 0 {
		return key[:i]
	}
	return key
}

func (e yarnEntries) packages() map[string]string {
	var keys []string
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pkgs := make(map[string]string)
	for _, k := range keys {
		name := yarnKeyName(k)
		if _, ok := pkgs[name]; !ok {
			pkgs[name] = e[k]
		}
	}
	return pkgs
}

// parseYarnClassic reads the yarn v1 lock format. Only the locked name and
// version of each entry are kept, so a direct dependency resolves to the
// first locked version of its name that satisfies the manifest.
func parseYarnClassic(bs []byte, m *Manifest) (*LockInfo, error) {
	libs, _, err := yarn.NewParser().Parse(bytes.NewReader(bs))
	if err != nil {
		return nil, errcode.Annotate(err, "parse yarn.lock")
	}

	versions := make(map[string][]string)
	for _, lib := range libs {
		versions[lib.Name] = append(versions[lib.Name], lib.Version)
	}

	info := newLockInfo()
	for name, vers := range versions {
		info.Packages[name] = vers[0]
	}
	for name, spec := range m.Deps() {
		vers, ok := versions[name]
		if !ok {
			continue
		}
		info.Resolved[name] = vers[0]
		for _, v := range vers {
			if satisfies(spec, v) {
				info.Resolved[name] = v
				break
			}
		}
	}
	return info, nil
}

type yarnBerryEntry struct {
	Version      string            `yaml:"version"`
	Resolution   string            `yaml:"resolution"`
	Dependencies map[string]string `yaml:"dependencies"`
}

const yarnWorkspaceRoot = "@workspace:."

// parseYarnBerry reads the lock format of yarn 2 and later, which is YAML.
// Keys carry a protocol, such as "left-pad@npm:^1.0.0"; the protocol is
// dropped for npm packages. The root workspace entry records the direct
// dependencies.
func parseYarnBerry(bs []byte) (yarnEntries, map[string]string, error) {
	doc := make(map[string]*yarnBerryEntry)
	if err := yaml.Unmarshal(bs, &doc); err != nil {
		return nil, nil, errcode.Annotate(err, "parse yarn.lock")
	}

	entries := make(yarnEntries)
	var root map[string]string
	for key, entry := range doc {
		if key == "__metadata" || entry == nil {
			continue
		}
		if strings.HasSuffix(key, yarnWorkspaceRoot) {
			root = make(map[string]string)
			for name, spec := range entry.Dependencies {
				root[name] = strings.TrimPrefix(spec, "npm:")
			}
			continue
		}
		entries.add(strings.ReplaceAll(key, "@npm:", "@"), entry.Version)
	}
	return entries, root, nil
}

func (yarnManager) ParseLock(bs []byte, m *Manifest) (*LockInfo, error) {
	if !bytes.Contains(bs, []byte("__metadata:")) {
		return parseYarnClassic(bs, m)
	}

	entries, root, err := parseYarnBerry(bs)
	if err != nil {
		return nil, err
	}
	info := newLockInfo()
	info.Root = root
	info.Packages = entries.packages()
	for name, spec := range m.Deps() {
		if ver, ok := entries[name+"@"+strings.TrimPrefix(spec, "npm:")]; ok {
			info.Resolved[name] = ver
		}
	}
	return info, nil
}
