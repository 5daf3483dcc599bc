/*
Copyright © 2026 Hmrcore Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package hmr

import (
	"testing"

	"bennypowers.dev/hmrcore/graph"
	"bennypowers.dev/hmrcore/pluginhost"
)

func newPropagator(g *graph.Graph) *Propagator {
	container := pluginhost.New(nil, nil, nil, nil)
	tick := int64(0)
	return New(g, container, nil, Options{Now: func() int64 { tick++; return tick }})
}

// Scenario: a self-accepting leaf module is its own boundary.
func TestSelfAcceptingLeafIsOwnBoundary(t *testing.T) {
	g := graph.New()
	leaf := g.EnsureEntry("/leaf.js", "", "/src/leaf.js", graph.TypeJS)
	g.UpdateModuleInfo(leaf, nil, nil, true)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{leaf})

	if payload.FullReload {
		t.Fatalf("expected update, got full reload")
	}
	if len(payload.Updates) != 1 || payload.Updates[0].Path != "/leaf.js" {
		t.Fatalf("got %v", payload.Updates)
	}
}

// Scenario: a parent declares the changed dep in its accepted_hmr_deps, so
// it becomes the boundary instead of bubbling further.
func TestDepAcceptingParentBecomesBoundary(t *testing.T) {
	g := graph.New()
	dep := g.EnsureEntry("/dep.js", "", "/src/dep.js", graph.TypeJS)
	parent := g.EnsureEntry("/parent.js", "", "/src/parent.js", graph.TypeJS)
	g.UpdateModuleInfo(parent, []*graph.Node{dep}, []*graph.Node{dep}, false)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{dep})

	if payload.FullReload {
		t.Fatalf("expected update, got full reload")
	}
	if len(payload.Updates) != 1 {
		t.Fatalf("got %v", payload.Updates)
	}
	u := payload.Updates[0]
	if u.Path != "/parent.js" || u.AcceptedPath != "/dep.js" {
		t.Fatalf("got %+v", u)
	}
}

// Scenario: the chain bubbles all the way to an entry with no importers:
// dead end, full reload.
func TestDeadEndAtRootForcesFullReload(t *testing.T) {
	g := graph.New()
	dep := g.EnsureEntry("/dep.js", "", "/src/dep.js", graph.TypeJS)
	root := g.EnsureEntry("/root.js", "", "/src/root.js", graph.TypeJS)
	g.UpdateModuleInfo(root, []*graph.Node{dep}, nil, false)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{dep})

	if !payload.FullReload {
		t.Fatalf("expected full reload, got %v", payload.Updates)
	}
}

// Scenario: a->b->a cycle with neither node self-accepting or dep-accepting
// is a dead end.
func TestCircularDependencyIsDeadEnd(t *testing.T) {
	g := graph.New()
	a := g.EnsureEntry("/a.js", "", "/src/a.js", graph.TypeJS)
	b := g.EnsureEntry("/b.js", "", "/src/b.js", graph.TypeJS)
	g.UpdateModuleInfo(a, []*graph.Node{b}, nil, false)
	g.UpdateModuleInfo(b, []*graph.Node{a}, nil, false)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{a})

	if !payload.FullReload {
		t.Fatalf("expected full reload for circular dep, got %v", payload.Updates)
	}
}

// Scenario: a self-accepting module's CSS importer is propagated through,
// not treated as a dead end.
func TestCSSImporterOfSelfAcceptingNodeBubbles(t *testing.T) {
	g := graph.New()
	mod := g.EnsureEntry("/mod.js", "", "/src/mod.js", graph.TypeJS)
	g.UpdateModuleInfo(mod, nil, nil, true)

	css := g.EnsureEntry("/style.css", "", "/src/style.css", graph.TypeCSS)
	g.UpdateModuleInfo(css, []*graph.Node{mod}, nil, false)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{mod})

	if payload.FullReload {
		t.Fatalf("expected update, got full reload")
	}
	if len(payload.Updates) != 2 {
		t.Fatalf("expected self + css bubble entries, got %v", payload.Updates)
	}
}

// Scenario: a non-CSS module whose only importers are CSS is a dead end.
func TestNonCSSWithOnlyCSSImportersIsDeadEnd(t *testing.T) {
	g := graph.New()
	mod := g.EnsureEntry("/mod.js", "", "/src/mod.js", graph.TypeJS)
	css := g.EnsureEntry("/style.css", "", "/src/style.css", graph.TypeCSS)
	g.UpdateModuleInfo(css, []*graph.Node{mod}, nil, false)

	p := newPropagator(g)
	payload := p.Propagate([]*graph.Node{mod})

	if !payload.FullReload {
		t.Fatalf("expected full reload, got %v", payload.Updates)
	}
}

// Scenario: a newly added file matched via the glob-importers
// registry enqueues its importing module.
func TestGlobImporterMatchEnqueuesImportingModule(t *testing.T) {
	g := graph.New()
	importer := g.EnsureEntry("/globber.js", "", "/src/globber.js", graph.TypeJS)
	g.UpdateModuleInfo(importer, nil, nil, true)

	p := newPropagator(g)
	p.RegisterGlobImporter("/src", "/src/pages/*.js", importer)

	payload := p.HandleFileAddOrUnlink("/src/pages/new.js", 99)
	if payload == nil {
		t.Fatalf("expected a payload for a matching glob add")
	}
	if len(payload.Updates) != 1 || payload.Updates[0].Path != "/globber.js" {
		t.Fatalf("got %v", payload.Updates)
	}
}

func TestGlobImporterNoMatchReturnsNil(t *testing.T) {
	g := graph.New()
	importer := g.EnsureEntry("/globber.js", "", "/src/globber.js", graph.TypeJS)
	g.UpdateModuleInfo(importer, nil, nil, true)

	p := newPropagator(g)
	p.RegisterGlobImporter("/src", "/src/pages/*.js", importer)

	payload := p.HandleFileAddOrUnlink("/src/other/new.js", 99)
	if payload != nil {
		t.Fatalf("expected nil payload for a non-matching file")
	}
}

func TestPrunePayloadListsURLsAndBumpsTimestamp(t *testing.T) {
	g := graph.New()
	n := g.EnsureEntry("/gone.js", "", "/src/gone.js", graph.TypeJS)

	p := newPropagator(g)
	payload := p.Prune([]*graph.Node{n})

	if payload == nil || len(payload.PrunedURLs) != 1 || payload.PrunedURLs[0] != "/gone.js" {
		t.Fatalf("got %v", payload)
	}
	if n.LastHMRTimestamp() == 0 {
		t.Fatalf("expected last_hmr_timestamp to be bumped")
	}
}

func TestGateClientRuntimeDirForcesFullReloadAll(t *testing.T) {
	g := graph.New()
	p := New(g, pluginhost.New(nil, nil, nil, nil), nil, Options{ClientRuntimeDir: "/client/"})

	if got := p.gate("/client/hmr.js", "", false); got != gateFullReloadAll {
		t.Fatalf("got %v", got)
	}
}

func TestGateHTMLWithNoModulesScopesFullReload(t *testing.T) {
	g := graph.New()
	p := New(g, pluginhost.New(nil, nil, nil, nil), nil, Options{})

	if got := p.gate("/index.html", "/index.html", false); got != gateFullReloadPath {
		t.Fatalf("got %v", got)
	}
}

func TestGateNonHTMLWithNoModulesIgnored(t *testing.T) {
	g := graph.New()
	p := New(g, pluginhost.New(nil, nil, nil, nil), nil, Options{})

	if got := p.gate("/unrelated.txt", "", false); got != gateIgnore {
		t.Fatalf("got %v", got)
	}
}
