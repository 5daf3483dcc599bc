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

// Package hmr implements the HMR propagator (spec.md §4.E): the invalidate
// walk, boundary walk, dead-end/cycle detection, glob-importers registry,
// and prune signal that turn a changed file into an update payload.
package hmr

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"bennypowers.dev/hmrcore/graph"
	"bennypowers.dev/hmrcore/pluginhost"
)

// UpdateEntry is one {boundary, accepted_via} pair turned into a payload
// entry, per §4.E's aggregation step.
type UpdateEntry struct {
	Type         string
	Timestamp    int64
	Path         string
	AcceptedPath string
}

// Payload is the result of propagating one changed-file event: either a
// full reload (optionally scoped to a path) or a set of module updates.
type Payload struct {
	FullReload  bool
	ReloadPath  string
	Updates     []UpdateEntry
	PrunedURLs  []string
}

// GlobImporter is one registered {base, pattern, importing-module} record,
// consulted on file add/unlink per §4.E's final paragraph.
type GlobImporter struct {
	Base            string
	Pattern         string
	ImportingModule *graph.Node
}

// Propagator drives propagation over a Graph.
type Propagator struct {
	graph             *graph.Graph
	container         *pluginhost.Container
	resolve           graph.ResolveFunc
	clientRuntimeDir  string
	configFiles       map[string]struct{}
	envFilesEnabled   bool
	globImporters     []GlobImporter
	now               func() int64
}

// Options configures a Propagator's pre-filter gates.
type Options struct {
	// ClientRuntimeDir triggers gate 2 ("full-reload path=*") for any file
	// beneath it.
	ClientRuntimeDir string
	// ConfigFiles are paths whose change matches gate 1, along with
	// EnvFilesEnabled env files. HandleFileChange answers a gate-1 match with
	// a full-reload payload; it does not restart the server.
	ConfigFiles     []string
	EnvFilesEnabled bool
	// Now returns the current time in monotonic milliseconds; overridable
	// for tests.
	Now func() int64
}

// New constructs a Propagator.
func New(g *graph.Graph, container *pluginhost.Container, resolve graph.ResolveFunc, opts Options) *Propagator {
	cfg := make(map[string]struct{}, len(opts.ConfigFiles))
	for _, f := range opts.ConfigFiles {
		cfg[f] = struct{}{}
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Propagator{
		graph:            g,
		container:        container,
		resolve:          resolve,
		clientRuntimeDir: opts.ClientRuntimeDir,
		configFiles:      cfg,
		envFilesEnabled:  opts.EnvFilesEnabled,
		now:              now,
	}
}

// RegisterGlobImporter records that importingModule depends on files
// matching pattern (relative to base, or absolute) via import.meta.glob.
func (p *Propagator) RegisterGlobImporter(base, pattern string, importingModule *graph.Node) {
	p.globImporters = append(p.globImporters, GlobImporter{Base: base, Pattern: pattern, ImportingModule: importingModule})
}

// gateResult is the outcome of the pre-filter gates.
type gateResult int

const (
	gateProceed gateResult = iota
	gateRestart
	gateFullReloadAll
	gateFullReloadPath
	gateIgnore
)

// RestartNeeded reports gate 1: the changed file is the config file, one of
// its recorded dependencies, or (when enabled) an env file.
func (p *Propagator) RestartNeeded(file string) bool {
	if !p.envFilesEnabled {
		_, ok := p.configFiles[file]
		return ok
	}
	_, ok := p.configFiles[file]
	return ok || strings.HasPrefix(filepath.Base(file), ".env")
}

func (p *Propagator) gate(file string, htmlURL string, hasModules bool) gateResult {
	if p.RestartNeeded(file) {
		return gateRestart
	}
	if p.clientRuntimeDir != "" && strings.HasPrefix(file, p.clientRuntimeDir) {
		return gateFullReloadAll
	}
	if !hasModules {
		if htmlURL != "" {
			return gateFullReloadPath
		}
		return gateIgnore
	}
	return gateProceed
}

// HandleFileChange runs the pre-filter gates and, if they proceed, the
// update computation over modules (§4.E). htmlURL is the url to scope a
// full-reload to when file is an HTML file with no graph nodes; read
// implements the editor-flush workaround described in §4.E.
func (p *Propagator) HandleFileChange(ctx context.Context, file, htmlURL string, modules []*graph.Node, read func(ctx context.Context) ([]byte, error)) (*Payload, error) {
	switch p.gate(file, htmlURL, len(modules) > 0) {
	case gateRestart:
		return &Payload{FullReload: true}, nil
	case gateFullReloadAll:
		return &Payload{FullReload: true, ReloadPath: "*"}, nil
	case gateFullReloadPath:
		return &Payload{FullReload: true, ReloadPath: htmlURL}, nil
	case gateIgnore:
		return nil, nil
	}

	filtered, err := p.container.HandleHotUpdate(ctx, &pluginhost.HotUpdateContext{
		File:      file,
		Timestamp: p.now(),
		Modules:   urls(modules),
		Read:      read,
	})
	if err != nil {
		return nil, err
	}
	if filtered != nil {
		modules = p.resolveURLs(filtered)
	}

	return p.Propagate(modules), nil
}

func urls(nodes []*graph.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.URL
	}
	return out
}

func (p *Propagator) resolveURLs(urls []string) []*graph.Node {
	out := make([]*graph.Node, 0, len(urls))
	for _, u := range urls {
		if n := p.graph.GetByURL(u, p.resolve); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Propagate runs the invalidate walk and boundary walk for each module in
// modules and aggregates the result per §4.E's aggregation rule: any dead
// end anywhere yields a single full-reload; otherwise one update payload
// collects every {boundary, accepted_via} pair.
func (p *Propagator) Propagate(modules []*graph.Node) *Payload {
	now := p.now()
	needFullReload := false
	var entries []UpdateEntry
	seenPair := make(map[[2]*graph.Node]struct{})

	for _, m := range modules {
		p.invalidateWalk(m, now, make(map[*graph.Node]struct{}))

		boundaries, deadEnd := p.boundaryWalk(m, make(map[*graph.Node]struct{}))
		if deadEnd {
			needFullReload = true
			continue
		}
		for _, b := range boundaries {
			key := [2]*graph.Node{b.boundary, b.acceptedVia}
			if _, dup := seenPair[key]; dup {
				continue
			}
			seenPair[key] = struct{}{}
			entries = append(entries, UpdateEntry{
				Type:         b.boundary.Type.String() + "-update",
				Timestamp:    now,
				Path:         b.boundary.URL,
				AcceptedPath: b.acceptedVia.URL,
			})
		}
	}

	if needFullReload {
		return &Payload{FullReload: true}
	}
	return &Payload{Updates: entries}
}

// invalidateWalk clears transform_result and bumps last_hmr_timestamp for m
// and, recursively, every importer that does not declare m in its
// accepted_hmr_deps (§4.E step 1).
func (p *Propagator) invalidateWalk(m *graph.Node, now int64, visited map[*graph.Node]struct{}) {
	if _, ok := visited[m]; ok {
		return
	}
	visited[m] = struct{}{}
	p.graph.InvalidateNode(m, now)

	for _, importer := range m.Importers() {
		if !importer.AcceptsDep(m) {
			p.invalidateWalk(importer, now, visited)
		}
	}
}

type boundaryPair struct {
	boundary    *graph.Node
	acceptedVia *graph.Node
}

// boundaryWalk implements §4.E step 2 exactly, including its two resolved
// Open Questions (see DESIGN.md): handle_hot_update fold order does not
// affect this walk, but the mixed CSS/JS dead-end rule and the CSS-bubble
// rule for self-accepting nodes are both applied literally as written.
func (p *Propagator) boundaryWalk(node *graph.Node, chain map[*graph.Node]struct{}) ([]boundaryPair, bool) {
	if node.SelfAccepting() {
		// A self-accepting node is its own boundary: acceptedVia must be
		// node itself, not whatever node the walk started from, or a
		// self-accepting importer reached by recursion would be reported
		// as accepting via the original changed module instead of via
		// itself (§4.E step 2 bullet 1).
		pairs := []boundaryPair{{boundary: node, acceptedVia: node}}
		// A CSS importer of a self-accepting node is propagated through
		// rather than treated as a dead end: CSS may import this file
		// via a preprocessor-registered dependency, and CSS modules are
		// themselves implicitly hot-updatable, so the importer becomes
		// its own boundary without further recursion.
		for _, importer := range node.Importers() {
			if importer.Type == graph.TypeCSS {
				pairs = append(pairs, boundaryPair{boundary: importer, acceptedVia: node})
			}
		}
		return pairs, false
	}

	importers := node.Importers()
	if len(importers) == 0 {
		return nil, true
	}

	if node.Type != graph.TypeCSS && allCSS(importers) {
		return nil, true
	}

	var pairs []boundaryPair
	for _, importer := range importers {
		if importer.AcceptsDep(node) {
			pairs = append(pairs, boundaryPair{boundary: importer, acceptedVia: node})
			continue
		}
		if _, inChain := chain[importer]; inChain {
			return nil, true
		}
		subChain := cloneChain(chain)
		subChain[node] = struct{}{}
		sub, deadEnd := p.boundaryWalk(importer, subChain)
		if deadEnd {
			return nil, true
		}
		pairs = append(pairs, sub...)
	}
	return pairs, false
}

func allCSS(nodes []*graph.Node) bool {
	for _, n := range nodes {
		if n.Type != graph.TypeCSS {
			return false
		}
	}
	return true
}

func cloneChain(chain map[*graph.Node]struct{}) map[*graph.Node]struct{} {
	out := make(map[*graph.Node]struct{}, len(chain)+1)
	for k := range chain {
		out[k] = struct{}{}
	}
	return out
}

// HandleFileAddOrUnlink additionally consults the glob-importers registry
// (§4.E final paragraph): any registered pattern matching file enqueues its
// importing module for update and invalidates that importing module's file.
func (p *Propagator) HandleFileAddOrUnlink(file string, nowMillis int64) *Payload {
	var modules []*graph.Node
	for _, gi := range p.globImporters {
		target := file
		if gi.Base != "" && !filepath.IsAbs(file) {
			target = filepath.Join(gi.Base, file)
		}
		matched, err := doublestar.Match(gi.Pattern, target)
		if err != nil || !matched {
			continue
		}
		modules = append(modules, gi.ImportingModule)
	}
	if len(modules) == 0 {
		return nil
	}
	for _, n := range modules {
		if n.File != "" {
			p.graph.OnFileChange(n.File, nowMillis)
		}
	}
	return p.Propagate(modules)
}

// Prune builds the prune payload for nodes update_module_info reported as
// no-longer-imported (§4.E "Prune"), bumping their last_hmr_timestamp so a
// future re-import bypasses the browser cache.
func (p *Propagator) Prune(orphaned []*graph.Node) *Payload {
	if len(orphaned) == 0 {
		return nil
	}
	now := p.now()
	urls := make([]string, len(orphaned))
	for i, n := range orphaned {
		urls[i] = n.URL
		p.graph.InvalidateNode(n, now)
	}
	return &Payload{PrunedURLs: urls}
}
