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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/strutil"
)

func listAllFiles(dir string) ([]string, error) {
	var files []string
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() { // Ignore all directories.
			return nil
		}
		files = append(files, p)
		return nil
	}

	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, err
	}
	return files, nil
}

// collectArtifacts reads every file under dir, sorted by relative path.
func collectArtifacts(dir string) ([]*Artifact, error) {
	files, err := listAllFiles(dir)
	if err != nil {
		return nil, errcode.Annotate(err, "list files")
	}

	var arts []*Artifact
	for _, f := range files {
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return nil, errcode.Annotatef(err, "relative path of %q", f)
		}
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, errcode.Annotatef(err, "read %q", rel)
		}
		arts = append(arts, &Artifact{
			Path:    filepath.ToSlash(rel),
			Content: bs,
		})
	}
	sort.Slice(arts, func(i, j int) bool { return arts[i].Path < arts[j].Path })
	return arts, nil
}

// expandSources expands source patterns of a rule in directory p into
// files relative to the source root. A pattern ending with "/**" selects
// every file under a directory; other patterns are globs.
func expandSources(env *env, p string, patterns []string) ([]string, error) {
	m := make(map[string]bool)
	for _, sel := range patterns {
		var matches []string
		if strings.HasSuffix(sel, "/**") {
			dir := env.src(makeRelPath(p, strings.TrimSuffix(sel, "/**")))
			files, err := listAllFiles(dir)
			if err != nil {
				return nil, errcode.Annotatef(err, "list all files %q", sel)
			}
			matches = files
		} else {
			glob, err := filepath.Glob(env.src(makeRelPath(p, sel)))
			if err != nil {
				return nil, errcode.Annotatef(err, "glob %q", sel)
			}
			matches = glob
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%q select no files", sel)
		}

		for _, match := range matches {
			rel, err := filepath.Rel(env.srcDir, match)
			if err != nil {
				return nil, errcode.Annotatef(
					err, "get relative path for %q", match,
				)
			}
			m[filepath.ToSlash(rel)] = true
		}
	}
	return strutil.SortedList(m), nil
}
