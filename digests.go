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
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/idutil"
)

// Fingerprint identifies the complete input state of a task. It is used as
// the cache key.
type Fingerprint string

const fingerprintPrefix = "sha256:"

// Hex returns the hex digest part of the fingerprint.
func (f Fingerprint) Hex() string {
	return strings.TrimPrefix(string(f), fingerprintPrefix)
}

// Short returns a short form for logging.
func (f Fingerprint) Short() string { return idutil.Short(f.Hex()) }

// Input is a declared input file of a task.
type Input struct {
	Path    string // slash separated, relative to the source root
	Content []byte

	// Absent marks an optional input that does not exist. It is still
	// part of the fingerprint.
	Absent bool
}

func absentInput(p string) *Input {
	return &Input{Path: p, Absent: true}
}

// ReadInputs reads the given files under root.
func ReadInputs(root string, paths []string) ([]*Input, error) {
	var inputs []*Input
	for _, p := range paths {
		f := filepath.Join(root, filepath.FromSlash(p))
		bs, err := os.ReadFile(f)
		if err != nil {
			return nil, &Error{Kind: InputUnreadable, Name: p, Err: err}
		}
		inputs = append(inputs, &Input{Path: p, Content: bs})
	}
	return inputs, nil
}

const fingerprintVersion = "kiln-fingerprint-1"

type fieldHasher struct {
	h hash.Hash
}

func (h *fieldHasher) field(bs []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(bs)))
	h.h.Write(n[:])
	h.h.Write(bs)
}

func (h *fieldHasher) str(s string) { h.field([]byte(s)) }

func (h *fieldHasher) count(n int) {
	var bs [8]byte
	binary.BigEndian.PutUint64(bs[:], uint64(n))
	h.h.Write(bs[:])
}

// ComputeFingerprint computes the fingerprint of a task from its inputs,
// the identity and version of the tool, and a configuration record that is
// JSON encoded. The result does not depend on the order of inputs.
func ComputeFingerprint(
	inputs []*Input, toolSpec string, config interface{},
) (Fingerprint, error) {
	sorted := make([]*Input, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Path == sorted[i-1].Path {
			return "", errcode.InvalidArgf(
				"input %q listed twice", sorted[i].Path,
			)
		}
	}

	var configBytes []byte
	if config != nil {
		bs, err := json.Marshal(config)
		if err != nil {
			return "", errcode.Annotate(err, "json marshal config")
		}
		configBytes = bs
	}

	h := &fieldHasher{h: sha256.New()}
	h.str(fingerprintVersion)
	h.str(toolSpec)
	h.field(configBytes)
	h.count(len(sorted))
	for _, in := range sorted {
		h.str(in.Path)
		if in.Absent {
			h.str("absent")
			continue
		}
		sum := sha256.Sum256(in.Content)
		h.str("file")
		h.field(sum[:])
	}

	return Fingerprint(fingerprintPrefix + hex.EncodeToString(h.h.Sum(nil))), nil
}
