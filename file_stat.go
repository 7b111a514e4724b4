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
	"os"
	"path"
	"path/filepath"
	"strings"

	"shanhu.io/misc/errcode"
)

func writeFile(f string, bs []byte) error {
	if err := os.MkdirAll(filepath.Dir(f), 0700); err != nil {
		return err
	}
	return os.WriteFile(f, bs, 0600)
}

// writeInputs copies inputs into dir, keeping their relative paths.
func writeInputs(dir string, inputs []*Input) error {
	for _, in := range inputs {
		if in.Absent {
			continue
		}
		f := filepath.Join(dir, filepath.FromSlash(in.Path))
		if err := writeFile(f, in.Content); err != nil {
			return errcode.Annotatef(err, "write %q", in.Path)
		}
	}
	return nil
}

// materialize replaces dir with exactly the given artifacts, so that files
// of a previous generation do not linger.
func materialize(dir string, arts []*Artifact) error {
	if err := os.RemoveAll(dir); err != nil {
		return errcode.Annotate(err, "clear previous output")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errcode.Annotate(err, "make output dir")
	}
	for _, a := range arts {
		p := path.Clean(a.Path)
		if path.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
			return errcode.InvalidArgf("artifact path %q escapes output", a.Path)
		}
		f := filepath.Join(dir, filepath.FromSlash(p))
		if err := writeFile(f, a.Content); err != nil {
			return errcode.Annotatef(err, "write %q", a.Path)
		}
	}
	return nil
}
