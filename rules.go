package kiln

// IDLLibrary is a set of IDL files to generate runtime bindings from. It
// is declared as `thrift_library` for Apache Thrift, or `idl_library` for
// compilers that follow the generic command line.
type IDLLibrary struct {
	Name string

	// Sources are the IDL files; files that they include are found
	// automatically. A pattern ending with "/**" selects a whole
	// directory.
	Sources []string

	// IncludeDirs are searched for included files. Relative to the
	// directory of the BUILD file, or to the source root when starting
	// with "/".
	IncludeDirs []string `json:",omitempty"`

	// Backend is the runtime the code is generated for. Default "node".
	Backend string `json:",omitempty"`

	// Options are passed to the compiler.
	Options map[string]string `json:",omitempty"`

	// RuntimeDeps are targets that the generated code needs at run time,
	// such as the module that installs the thrift runtime library.
	RuntimeDeps []string `json:",omitempty"`

	Deps []string `json:",omitempty"`

	Config *TaskConfig `json:",omitempty"`
}

// NodeModule is a directory with a package.json whose dependencies are
// installed by a package manager.
type NodeModule struct {
	Name string

	// Manager is "npm", "yarn" or "pnpm". Default "npm".
	Manager string `json:",omitempty"`

	Deps []string `json:",omitempty"`

	Config *TaskConfig `json:",omitempty"`
}

// Bundle groups targets together. It has no task of its own; resolving a
// bundle resolves its deps.
type Bundle struct {
	Name string
	Deps []string
}
