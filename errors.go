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
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies the failures surfaced by the code generation and
// dependency install tasks.
type ErrorKind string

// Error kinds.
const (
	InputUnreadable    ErrorKind = "input unreadable"
	CacheInconsistency ErrorKind = "cache inconsistency"
	ToolNotFound       ErrorKind = "tool not found"
	ToolTimeout        ErrorKind = "tool timeout"
	CodegenFailed      ErrorKind = "codegen failed"
	NoInputs           ErrorKind = "no inputs"
	UnresolvedImport   ErrorKind = "unresolved import"
	InstallFailed      ErrorKind = "install failed"
	LockfileMismatch   ErrorKind = "lockfile mismatch"
)

// Causes of an install failure, as far as the package manager lets us tell.
const (
	CauseNetwork    = "network"
	CauseResolution = "resolution"
	CauseScript     = "script"
	CauseUnknown    = "unknown"
)

// Error is a typed task failure. Stdout and Stderr hold the captured output
// of the external tool, verbatim.
type Error struct {
	Kind   ErrorKind
	Target TargetID
	Name   string // The file, import, tool or package the error is about.
	Cause  string
	Stdout []byte
	Stderr []byte
	Err    error
}

func (e *Error) Error() string {
	b := new(strings.Builder)
	if e.Target != "" {
		fmt.Fprintf(b, "%s: ", e.Target)
	}
	b.WriteString(string(e.Kind))
	if e.Name != "" {
		fmt.Fprintf(b, " %q", e.Name)
	}
	if e.Cause != "" {
		fmt.Fprintf(b, " (%s)", e.Cause)
	}
	if e.Err != nil {
		fmt.Fprintf(b, ": %s", e.Err)
	}
	for _, out := range [][]byte{e.Stderr, e.Stdout} {
		if len(out) == 0 {
			continue
		}
		b.WriteString("\n")
		b.Write(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind checks if err is, or wraps, a kiln error of the given kind.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// KindOf returns the kind of a kiln error, or empty string if err is not
// one.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

func errorf(k ErrorKind, name string, format string, args ...interface{}) *Error {
	return &Error{
		Kind: k,
		Name: name,
		Err:  fmt.Errorf(format, args...),
	}
}

// withTarget tags a kiln error with the target it happened on. Other errors
// pass through unchanged.
func withTarget(err error, id TargetID) error {
	var e *Error
	if errors.As(err, &e) && e.Target == "" {
		cp := *e
		cp.Target = id
		return &cp
	}
	return err
}
