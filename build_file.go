package kiln

import (
	"strings"

	"shanhu.io/misc/errcode"
	"shanhu.io/misc/jsonx"
	"shanhu.io/misc/osutil"
	"shanhu.io/text/lexing"
)

const buildFileName = "BUILD.kiln"

const (
	ruleThriftLibrary = "thrift_library"
	ruleIDLLibrary    = "idl_library"
	ruleNodeModule    = "node_module"
	ruleBundle        = "bundle"
)

func makeBuildFileNode(t string) interface{} {
	switch t {
	case ruleThriftLibrary, ruleIDLLibrary:
		return new(IDLLibrary)
	case ruleNodeModule:
		return new(NodeModule)
	case ruleBundle:
		return new(Bundle)
	}
	return nil
}

// ruleNode is a declared target and where it is declared.
type ruleNode struct {
	target *Target
	pos    *lexing.Pos
}

// parseTargetRef parses a reference to a target from a BUILD file in
// directory p. ":name" refers to a target in the same directory.
func parseTargetRef(p, ref string) (TargetID, error) {
	i := strings.LastIndex(ref, ":")
	if i < 0 {
		return "", errcode.InvalidArgf("bad target reference %q", ref)
	}
	dir, name := ref[:i], ref[i+1:]
	if name == "" {
		return "", errcode.InvalidArgf("target reference %q has no name", ref)
	}
	if dir == "" {
		return MakeTargetID(p, name), nil
	}
	return MakeTargetID(cleanDir(dir), name), nil
}

func parseTargetRefs(p string, refs []string) ([]TargetID, error) {
	var ids []TargetID
	for _, ref := range refs {
		id, err := parseTargetRef(p, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newIDLTarget(
	env *env, p, typ string, r *IDLLibrary,
) (*Target, error) {
	srcs, err := expandSources(env, p, r.Sources)
	if err != nil {
		return nil, errcode.Annotate(err, "expand sources")
	}
	deps, err := parseTargetRefs(p, r.Deps)
	if err != nil {
		return nil, err
	}
	runtime, err := parseTargetRefs(p, r.RuntimeDeps)
	if err != nil {
		return nil, err
	}
	for _, dep := range runtime {
		deps = append(deps, ownerOf(dep))
	}

	var includes []string
	for _, dir := range r.IncludeDirs {
		includes = append(includes, makePath(p, dir))
	}

	compiler := "thrift"
	if typ == ruleIDLLibrary {
		compiler = "idl"
	}
	config := new(TaskConfig).Merge(r.Config)
	if r.Backend != "" {
		config.GeneratorBackend = r.Backend
	}

	return &Target{
		ID:     MakeTargetID(p, r.Name),
		Kind:   KindSource,
		Dir:    p,
		Inputs: srcs,
		Deps:   deps,
		Codegen: &CodegenSpec{
			Compiler:    compiler,
			IncludeDirs: includes,
			Options:     r.Options,
			RuntimeDeps: runtime,
			Config:      config,
		},
	}, nil
}

// newModuleTarget declares a node module. The lock file is an input only
// when it exists.
func newModuleTarget(env *env, p string, r *NodeModule) (*Target, error) {
	pm := findManager(r.Manager)
	if pm == nil {
		return nil, errcode.InvalidArgf("unknown package manager %q", r.Manager)
	}
	manifest := makeRelPath(p, manifestFile)
	ok, err := osutil.IsRegular(env.src(manifest))
	if err != nil {
		return nil, errcode.Annotatef(err, "check %q", manifest)
	}
	if !ok {
		return nil, errcode.NotFoundf("%q not found", manifest)
	}
	inputs := []string{manifest}

	lock := makeRelPath(p, pm.LockFile())
	hasLock, err := osutil.IsRegular(env.src(lock))
	if err != nil {
		return nil, errcode.Annotatef(err, "check %q", lock)
	}
	if hasLock {
		inputs = append(inputs, lock)
	}

	deps, err := parseTargetRefs(p, r.Deps)
	if err != nil {
		return nil, err
	}
	return &Target{
		ID:     MakeTargetID(p, r.Name),
		Kind:   KindSource,
		Dir:    p,
		Inputs: inputs,
		Deps:   deps,
		Module: &ModuleSpec{
			Manager: pm.Name(),
			Config:  r.Config,
		},
	}, nil
}

func readBuildFile(env *env, p string) ([]*ruleNode, []*lexing.Error) {
	fp := env.src(p, buildFileName)
	rules, errs := jsonx.ReadSeriesFile(fp, makeBuildFileNode)
	if errs != nil {
		return nil, errs
	}

	var nodes []*ruleNode

	errList := lexing.NewErrorList()

	for _, r := range rules {
		var t *Target
		var err error
		switch v := r.V.(type) {
		case *IDLLibrary:
			if v.Name == "" {
				break
			}
			t, err = newIDLTarget(env, p, r.Type, v)
		case *NodeModule:
			if v.Name == "" {
				break
			}
			t, err = newModuleTarget(env, p, v)
		case *Bundle:
			if v.Name == "" {
				break
			}
			var deps []TargetID
			deps, err = parseTargetRefs(p, v.Deps)
			t = &Target{
				ID:   MakeTargetID(p, v.Name),
				Kind: KindSource,
				Dir:  p,
				Deps: deps,
			}
		default:
			errList.Errorf(r.Pos, "unknown type: %q", r.Type)
			continue
		}
		if err != nil {
			errList.Add(&lexing.Error{Pos: r.Pos, Err: err})
			continue
		}
		if t == nil {
			errList.Errorf(r.Pos, "rule has no name")
			continue
		}
		nodes = append(nodes, &ruleNode{target: t, pos: r.Pos})
	}

	if errs := errList.Errs(); errs != nil {
		return nil, errs
	}
	return nodes, nil
}
