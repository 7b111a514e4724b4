package kiln

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

func lockMismatch(name, format string, args ...interface{}) *Error {
	return errorf(LockfileMismatch, name, format, args...)
}

// checkLock checks that a lock file agrees with the manifest: the same
// direct dependencies, each locked to a version the manifest accepts.
func checkLock(m *Manifest, lock *LockInfo) error {
	deps := m.Deps()
	if lock.Root != nil {
		for _, name := range sortedKeys(lock.Root) {
			if _, ok := deps[name]; !ok {
				return lockMismatch(name, "locked but absent from manifest")
			}
		}
	}

	for _, name := range sortedKeys(deps) {
		spec := deps[name]
		if lock.Root != nil {
			locked, ok := lock.Root[name]
			if !ok {
				return lockMismatch(name, "in manifest but not locked")
			}
			if locked != spec {
				return lockMismatch(
					name, "manifest wants %q, lock has %q", spec, locked,
				)
			}
		}
		ver, ok := lock.Resolved[name]
		if !ok {
			return lockMismatch(name, "no locked version for %q", spec)
		}
		if !satisfies(spec, ver) {
			return lockMismatch(
				name, "locked version %q does not satisfy %q", ver, spec,
			)
		}
	}
	return nil
}

// satisfies checks a locked version against a manifest specifier.
// Specifiers that are not version ranges, such as git or file references,
// only match non-registry versions or themselves.
func satisfies(spec, ver string) bool {
	spec = strings.TrimSpace(spec)
	if alias := strings.TrimPrefix(spec, "npm:"); alias != spec {
		// npm:<name>@<range>
		if i := strings.LastIndex(alias, "@"); i > 0 {
			spec = alias[i+1:]
		} else {
			spec = ""
		}
	}
	switch spec {
	case "", "*", "latest", "x":
		return true
	}

	v, verErr := semver.NewVersion(ver)
	c, err := semver.NewConstraint(spec)
	if err != nil {
		return spec == ver || verErr != nil
	}
	if verErr != nil {
		return false
	}
	return c.Check(v)
}
