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
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
	"shanhu.io/misc/errcode"
)

// Graph holds declared and synthetic targets.
//
// Tasks use it in two phases: resolution only reads declared targets, and
// commit adds or replaces a synthetic target under its deterministic id.
// Synthetic targets are never modified in place.
type Graph struct {
	mu        sync.RWMutex
	declared  map[TargetID]*Target
	synthetic map[TargetID]*Target
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		declared:  make(map[TargetID]*Target),
		synthetic: make(map[TargetID]*Target),
	}
}

// Declare adds a declared target.
func (g *Graph) Declare(t *Target) error {
	if t.ID == "" {
		return errcode.InvalidArgf("target has no id")
	}
	if t.Kind == "" {
		t.Kind = KindSource
	}
	if t.Kind.synthetic() {
		return errcode.InvalidArgf("%q: cannot declare a synthetic target", t.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.declared[t.ID]; ok {
		return errcode.InvalidArgf("target %q redeclared", t.ID)
	}
	if _, ok := g.synthetic[t.ID]; ok {
		return errcode.InvalidArgf("%q is a synthetic target", t.ID)
	}
	g.declared[t.ID] = t
	return nil
}

// Declared returns a declared target.
func (g *Graph) Declared(id TargetID) (*Target, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.declared[id]
	return t, ok
}

// Synthetic returns a synthetic target.
func (g *Graph) Synthetic(id TargetID) (*Target, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.synthetic[id]
	return t, ok
}

// Target returns a target of either kind.
func (g *Graph) Target(id TargetID) (*Target, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.declared[id]; ok {
		return t, true
	}
	t, ok := g.synthetic[id]
	return t, ok
}

// Commit adds a synthetic target, replacing the previous one with the same
// id. The owner must be a declared target.
func (g *Graph) Commit(t *Target) error {
	if !t.Kind.synthetic() {
		return errcode.InvalidArgf("%q: %q is not a synthetic kind", t.ID, t.Kind)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.declared[t.Owner]; !ok {
		return errcode.InvalidArgf("%q: owner %q not declared", t.ID, t.Owner)
	}
	if _, ok := g.declared[t.ID]; ok {
		return errcode.InvalidArgf("%q is a declared target", t.ID)
	}
	if prev, ok := g.synthetic[t.ID]; ok && prev.Owner != t.Owner {
		return errcode.InvalidArgf(
			"%q is owned by %q, not %q", t.ID, prev.Owner, t.Owner,
		)
	}
	g.synthetic[t.ID] = t
	return nil
}

// DeclaredIDs returns the ids of all declared targets, sorted.
func (g *Graph) DeclaredIDs() []TargetID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []TargetID
	for id := range g.declared {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate checks that all dependencies exist and that there is no cycle.
// It returns the declared targets in dependency order.
func (g *Graph) Validate() ([]TargetID, error) {
	return g.order(g.DeclaredIDs())
}

// order returns ids and their transitive declared dependencies in
// dependency order. A dependency on a synthetic target counts as a
// dependency on its owner.
func (g *Graph) order(ids []TargetID) ([]TargetID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	visited := make(map[TargetID]bool)
	var visit func(id TargetID) error
	visit = func(id TargetID) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		t, ok := g.declared[id]
		if !ok {
			return errcode.NotFoundf("target %q not declared", id)
		}
		if len(t.Deps) == 0 {
			edges = append(edges, toposort.Edge{nil, string(id)})
		}
		for _, dep := range t.Deps {
			owner := ownerOf(dep)
			if _, ok := g.declared[owner]; !ok {
				return errcode.NotFoundf(
					"%q depends on missing target %q", id, dep,
				)
			}
			edges = append(edges, toposort.Edge{string(owner), string(id)})
			if err := visit(owner); err != nil {
				return err
			}
		}
		return nil
	}

	sorted := make([]TargetID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	order, err := toposort.Toposort(edges)
	if err != nil {
		return nil, errcode.InvalidArgf("dependency cycle: %s", err)
	}

	var ret []TargetID
	for _, id := range order {
		if id != nil {
			ret = append(ret, TargetID(id.(string)))
		}
	}
	if len(ret) != len(visited) {
		var lost []string
		seen := make(map[TargetID]bool)
		for _, id := range ret {
			seen[id] = true
		}
		for id := range visited {
			if !seen[id] {
				lost = append(lost, string(id))
			}
		}
		sort.Strings(lost)
		return nil, errcode.InvalidArgf(
			"dependency cycle among: %s", strings.Join(lost, ", "),
		)
	}
	return ret, nil
}
