package kiln

import (
	"sort"

	"shanhu.io/misc/osutil"
	"shanhu.io/text/lexing"
)

// loader reads BUILD files and the BUILD files of their dependencies.
type loader struct {
	env *env

	// Directories whose BUILD file has been read.
	dirs map[string]bool

	// All parsed and registered targets.
	nodes map[TargetID]*ruleNode

	// All loaded targets. A loaded target always has its dependencies
	// loaded.
	loaded map[TargetID]*ruleNode

	tracer *loadTracer

	errList *lexing.ErrorList
}

func newLoader(env *env) *loader {
	return &loader{
		env:     env,
		dirs:    make(map[string]bool),
		loaded:  make(map[TargetID]*ruleNode),
		nodes:   make(map[TargetID]*ruleNode),
		tracer:  newLoadTracer(),
		errList: lexing.NewErrorList(),
	}
}

func (l *loader) register(n *ruleNode) {
	id := n.target.ID
	if p, ok := l.nodes[id]; ok {
		l.errList.Errorf(n.pos, "target %q redeclared", id)
		if p.pos != nil {
			l.errList.Errorf(p.pos, "  previously defined here")
		}
		return
	}
	l.nodes[id] = n
}

// readDir reads the BUILD file of directory p once.
func (l *loader) readDir(p string, pos *lexing.Pos) bool {
	if done, ok := l.dirs[p]; ok {
		return done
	}
	l.dirs[p] = false

	f := l.env.src(p, buildFileName)
	ok, err := osutil.IsRegular(f)
	if err != nil {
		l.errList.Errorf(pos, "check build file %q: %s", f, err)
		return false
	}
	if !ok {
		l.errList.Errorf(pos, "no %s in %q", buildFileName, p)
		return false
	}

	nodes, errs := readBuildFile(l.env, p)
	if errs != nil {
		l.errList.AddAll(errs)
		return false
	}
	for _, n := range nodes {
		l.register(n)
	}
	l.dirs[p] = true
	return true
}

// load all ids that are referenced at pos.
func (l *loader) load(ids []TargetID, pos *lexing.Pos) {
	for _, id := range ids {
		l.load1(id, pos)
	}
}

func (l *loader) load1(id TargetID, pos *lexing.Pos) {
	id = ownerOf(id)
	if _, ok := l.loaded[id]; ok {
		return // already loaded
	}
	if !l.tracer.push(id) {
		l.errList.Errorf(
			pos, "has circular dependency: %q", l.tracer.cycle(id),
		)
		return
	}
	defer l.tracer.pop()

	dir, _ := id.Split()
	if !l.readDir(dir, pos) {
		return
	}
	n, ok := l.nodes[id]
	if !ok {
		l.errList.Errorf(pos, "cannot resolve %q", id)
		return
	}
	l.load(n.target.Deps, n.pos) // Load its dependencies.
	l.loaded[id] = n
}

// loadDir loads all targets declared in directory p.
func (l *loader) loadDir(p string) {
	if !l.readDir(p, nil) {
		return
	}
	var ids []TargetID
	for id, n := range l.nodes {
		if n.target.Dir == p {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	l.load(ids, nil)
}

func (l *loader) Errs() []*lexing.Error {
	return l.errList.Errs()
}

// declare adds the loaded targets that the graph does not have yet.
func (l *loader) declare(g *Graph) []*lexing.Error {
	var ids []TargetID
	for id := range l.loaded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	errList := lexing.NewErrorList()
	for _, id := range ids {
		if _, ok := g.Declared(id); ok {
			continue
		}
		n := l.loaded[id]
		if err := g.Declare(n.target); err != nil {
			errList.Add(&lexing.Error{Pos: n.pos, Err: err})
		}
	}
	return errList.Errs()
}
