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
	"bufio"
	"bytes"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/osutil"
)

// Matches thrift's `include "x.thrift"` and the `import "x.idl";` form of
// other IDLs. cpp_include names C++ headers, not IDL files.
var idlIncludeRE = regexp.MustCompile(
	`^\s*(?:include|import)\s+["']([^"']+)["']`,
)

var idlBlockCommentRE = regexp.MustCompile(`(?s)/\*.*?\*/`)

// idlIncludes lists the files included by an IDL source, in order of
// appearance. Comments are skipped.
func idlIncludes(src []byte) []string {
	src = idlBlockCommentRE.ReplaceAll(src, nil)

	var incs []string
	s := bufio.NewScanner(bytes.NewReader(src))
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for s.Scan() {
		if m := idlIncludeRE.FindStringSubmatch(s.Text()); m != nil {
			incs = append(incs, m[1])
		}
	}
	return incs
}

// idlResolver resolves the transitive closure of IDL files.
type idlResolver struct {
	root        string   // source root on the filesystem
	includeDirs []string // relative to root
}

// find locates an included file, first next to the including file, then
// in the include dirs. Includes that are absolute or escape the source
// root are never found.
func (r *idlResolver) find(from, inc string) (string, error) {
	if path.IsAbs(inc) {
		return "", nil
	}
	cands := []string{path.Join(path.Dir(from), inc)}
	for _, dir := range r.includeDirs {
		cands = append(cands, path.Join(dir, inc))
	}
	for _, c := range cands {
		c = path.Clean(c)
		if c == ".." || strings.HasPrefix(c, "../") {
			continue
		}
		ok, err := osutil.IsRegular(filepath.Join(r.root, filepath.FromSlash(c)))
		if err != nil {
			return "", errcode.Annotatef(err, "check %q", c)
		}
		if ok {
			return c, nil
		}
	}
	return "", nil
}

// resolve reads srcs and every file they transitively include. The result
// is sorted by path.
func (r *idlResolver) resolve(srcs []string) ([]*Input, error) {
	if len(srcs) == 0 {
		return nil, &Error{Kind: NoInputs}
	}

	files := make(map[string]*Input)
	queue := make([]string, 0, len(srcs))
	for _, src := range srcs {
		queue = append(queue, path.Clean(src))
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if _, ok := files[f]; ok {
			continue
		}
		ins, err := ReadInputs(r.root, []string{f})
		if err != nil {
			return nil, err
		}
		in := ins[0]
		files[f] = in

		for _, inc := range idlIncludes(in.Content) {
			p, err := r.find(f, inc)
			if err != nil {
				return nil, err
			}
			if p == "" {
				return nil, errorf(
					UnresolvedImport, inc, "included from %s", f,
				)
			}
			if _, ok := files[p]; !ok {
				queue = append(queue, p)
			}
		}
	}

	var ret []*Input
	for _, in := range files {
		ret = append(ret, in)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}
