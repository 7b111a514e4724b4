package kiln

import (
	"strings"
)

// TargetID identifies a target in the build graph. It is written as
// "<dir>:<name>", where dir is relative to the source root.
type TargetID string

// MakeTargetID makes the id of target name in dir.
func MakeTargetID(dir, name string) TargetID {
	return TargetID(dir + ":" + name)
}

// Split splits the id into its directory and name.
func (id TargetID) Split() (dir, name string) {
	s := string(id)
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

const (
	generatedSuffix = ".gen-"
	installedSuffix = ".deps"
)

// GeneratedID is the id of the synthetic target that holds the code
// generated from id for a generator backend.
func GeneratedID(id TargetID, backend string) TargetID {
	return id + TargetID(generatedSuffix+backend)
}

// InstalledID is the id of the synthetic target that holds the installed
// dependencies of the module id.
func InstalledID(id TargetID) TargetID {
	return id + installedSuffix
}

// ownerOf returns the declared target that a synthetic id derives from,
// or the id itself.
func ownerOf(id TargetID) TargetID {
	s := string(id)
	if strings.HasSuffix(s, installedSuffix) {
		return TargetID(strings.TrimSuffix(s, installedSuffix))
	}
	if i := strings.LastIndex(s, generatedSuffix); i > 0 {
		return TargetID(s[:i])
	}
	return id
}

// TargetKind is the kind of a target.
type TargetKind string

// Target kinds.
const (
	KindSource    TargetKind = "source"
	KindGenerated TargetKind = "generated"
	KindInstalled TargetKind = "installed"
)

func (k TargetKind) synthetic() bool {
	return k == KindGenerated || k == KindInstalled
}

// Artifact is a generated file.
type Artifact struct {
	Path    string // relative, slash separated
	Content []byte
}

// InstalledSet is the handle of a materialized dependency tree. Downstream
// targets reference the directory instead of the files inside.
type InstalledSet struct {
	Fingerprint Fingerprint
	Manager     string
	Dir         string // contains node_modules and the lock file
	Packages    map[string]string
}

// Target is a node of the build graph. Targets are not modified once they
// are in the graph.
type Target struct {
	ID   TargetID
	Kind TargetKind

	// Dir is the directory of a declared target, relative to the source
	// root.
	Dir string

	// Inputs are declared input files, relative to the source root.
	Inputs []string

	Deps []TargetID

	// Exactly one of these is set on a declared target that has a task.
	Codegen *CodegenSpec
	Module  *ModuleSpec

	// Set on synthetic targets.
	Owner       TargetID
	Fingerprint Fingerprint
	Artifacts   []*Artifact
	Resource    *InstalledSet

	// Cached reports that the synthetic target was made from a cache hit.
	Cached bool
}

// CodegenSpec is the code generation rule of a declared IDL library.
type CodegenSpec struct {
	// Compiler selects the IDL compiler backend, "thrift" or "idl".
	Compiler string

	// IncludeDirs are searched for included IDL files, after the
	// directory of the including file. Relative to the source root.
	IncludeDirs []string `json:",omitempty"`

	// Options are compiler specific options; part of the fingerprint.
	Options map[string]string `json:",omitempty"`

	// RuntimeDeps are added to the deps of the generated target.
	RuntimeDeps []TargetID `json:",omitempty"`

	Config *TaskConfig `json:",omitempty"`
}

// ModuleSpec is the install rule of a declared package module.
type ModuleSpec struct {
	Manager string // "npm", "yarn" or "pnpm"
	Config  *TaskConfig `json:",omitempty"`
}
