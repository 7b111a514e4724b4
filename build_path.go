package kiln

import (
	"path"
	"path/filepath"
	"strings"
)

// makeRelPath makes a path that is under p.
// It cannot escape p.
func makeRelPath(p, f string) string {
	f = path.Clean(path.Join("/", f))
	return strings.TrimPrefix(path.Join("/", p, f), "/")
}

func makePath(p, f string) string {
	if path.IsAbs(f) {
		return strings.TrimPrefix(path.Clean(f), "/")
	}
	return makeRelPath(p, f)
}

// cleanDir normalizes a directory relative to the source root. The root
// itself is the empty string.
func cleanDir(dir string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(dir)), "/")
}
