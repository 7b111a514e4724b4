package kiln

import (
	"path"
	"path/filepath"
)

type env struct {
	srcDir string

	// outDir receives materialized generated sources. Empty means that
	// generated targets only live in the graph and the cache.
	outDir string
}

func (e *env) out(ps ...string) string {
	if len(ps) == 0 {
		return e.outDir
	}
	p := path.Join(ps...)
	return filepath.Join(e.outDir, filepath.FromSlash(p))
}

func (e *env) src(ps ...string) string {
	if len(ps) == 0 {
		return e.srcDir
	}
	p := path.Join(ps...)
	return filepath.Join(e.srcDir, filepath.FromSlash(p))
}
