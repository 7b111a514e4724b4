package kiln

import (
	"sort"
	"strings"
)

// Compiler is an external IDL compiler. Implementations adapt the generic
// task to the command line contract of one tool.
type Compiler interface {
	// Name identifies the compiler; it is part of the fingerprint.
	Name() string

	// Tool is the default executable.
	Tool() string

	// VersionArgs are the arguments that make the tool print its version.
	VersionArgs() []string

	// Commands returns the argument lists to run, in order, inside the
	// scratch directory of the job. All generated files must be written
	// under out.
	Commands(job *CompileJob) [][]string
}

// CompileJob is one code generation run. All paths are slash separated
// and relative to the working directory of the commands.
type CompileJob struct {
	Generator   string            // runtime backend, such as "node"
	Out         string            // output directory
	Roots       []string          // declared sources
	Files       []string          // all sources, including includes
	IncludeDirs []string          // include search path
	Options     map[string]string // compiler specific
}

func sortedOptions(opts map[string]string) []string {
	var keys []string
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ret []string
	for _, k := range keys {
		if v := opts[k]; v != "" {
			ret = append(ret, k+"="+v)
		} else {
			ret = append(ret, k)
		}
	}
	return ret
}

// idlCompiler follows the generic compiler contract:
//
//	<tool> --generator <backend> --out <dir> <idl-files...>
type idlCompiler struct{}

func (idlCompiler) Name() string          { return "idl" }
func (idlCompiler) Tool() string          { return "idlc" }
func (idlCompiler) VersionArgs() []string { return []string{"--version"} }

func (idlCompiler) Commands(job *CompileJob) [][]string {
	args := []string{"--generator", job.Generator, "--out", job.Out}
	for _, dir := range job.IncludeDirs {
		args = append(args, "--include", dir)
	}
	for _, opt := range sortedOptions(job.Options) {
		args = append(args, "--option", opt)
	}
	args = append(args, job.Roots...)
	return [][]string{args}
}

// thriftCompiler runs Apache Thrift. Thrift takes one file per run, so
// each root is compiled recursively into the same output directory.
type thriftCompiler struct{}

func (thriftCompiler) Name() string          { return "thrift" }
func (thriftCompiler) Tool() string          { return "thrift" }
func (thriftCompiler) VersionArgs() []string { return []string{"-version"} }

var thriftLangs = map[string]string{
	"node":       "js:node",
	"js":         "js",
	"typescript": "js:ts",
	"python":     "py",
	"go":         "go",
	"java":       "java",
}

func thriftGen(generator string, opts map[string]string) string {
	lang, ok := thriftLangs[generator]
	if !ok {
		lang = generator
	}
	if len(opts) == 0 {
		return lang
	}
	sep := ":"
	if strings.Contains(lang, ":") {
		sep = ","
	}
	return lang + sep + strings.Join(sortedOptions(opts), ",")
}

func (thriftCompiler) Commands(job *CompileJob) [][]string {
	gen := thriftGen(job.Generator, job.Options)
	var cmds [][]string
	for _, root := range job.Roots {
		args := []string{"-r", "--gen", gen, "-out", job.Out}
		for _, dir := range job.IncludeDirs {
			args = append(args, "-I", dir)
		}
		args = append(args, root)
		cmds = append(cmds, args)
	}
	return cmds
}

var builtinCompilers = []Compiler{
	idlCompiler{},
	thriftCompiler{},
}
