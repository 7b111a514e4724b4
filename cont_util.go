package kiln

import (
	"path"
)

func linuxPathJoin(parts ...string) string {
	return path.Join(parts...)
}
