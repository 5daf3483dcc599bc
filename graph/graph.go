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

package graph

import (
	"net/url"
	"path"
	"strings"
	"sync"
)

// ResolveFunc resolves a specifier to a plugin-produced id. ok is false when
// no plugin resolved it, mirroring the plugin container's resolve_id hook
// (graph never calls the container directly — it is handed a closure so the
// two packages stay decoupled).
type ResolveFunc func(source string) (id string, ok bool)

// Graph is the in-memory directed multigraph of served modules. Mutations
// (EnsureEntry, UpdateModuleInfo, OnFileChange, InvalidateAll) are
// serialized against each other by mu; lookups take the read lock and may
// interleave freely with other lookups.
type Graph struct {
	mu sync.RWMutex

	byURL  map[string]*Node
	byID   map[string]*Node
	byFile map[string]map[*Node]struct{}
}

// New creates an empty module graph.
func New() *Graph {
	return &Graph{
		byURL:  make(map[string]*Node),
		byID:   make(map[string]*Node),
		byFile: make(map[string]map[*Node]struct{}),
	}
}

// StripTimestamp removes the cache-busting "t" query parameter from a URL,
// per spec.md §4.A's get_by_url normalization and §6's "?t=<ms>" cache
// buster.
func StripTimestamp(raw string) string {
	return stripQueryParam(raw, "t")
}

// StripImportQuery removes the "import" query marker used to signal
// explicit import intent (§6).
func StripImportQuery(raw string) string {
	return stripQueryParam(raw, "import")
}

func stripQueryParam(raw, key string) string {
	idx := strings.IndexByte(raw, '?')
	if idx < 0 {
		return raw
	}
	base, query := raw[:idx], raw[idx+1:]
	values, err := url.ParseQuery(query)
	if err != nil {
		return raw
	}
	if _, ok := values[key]; !ok {
		return raw
	}
	values.Del(key)
	rest := values.Encode()
	if rest == "" {
		return base
	}
	// url.Values.Encode sorts and escapes; re-split on "=" pairs is not
	// needed since callers only care about having the key removed.
	return base + "?" + rest
}

// StripQueryAndHash strips everything from the first "?" or "#" onward,
// used to derive a File path from a resolved id (§4.A, §4.C step 3).
func StripQueryAndHash(id string) string {
	if idx := strings.IndexAny(id, "?#"); idx >= 0 {
		return id[:idx]
	}
	return id
}

// GetByURL normalizes raw (stripping the timestamp and ?import query),
// resolves it via resolve, and appends the resolved extension if raw lacked
// one so "/foo" and "/foo.js" collapse to the same node (§4.A). Returns nil
// if no node is indexed under the resulting key.
func (g *Graph) GetByURL(raw string, resolve ResolveFunc) *Node {
	key := g.canonicalURL(raw, resolve)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byURL[key]
}

// canonicalURL computes the normalized lookup key described in §4.A without
// mutating the graph.
func (g *Graph) canonicalURL(raw string, resolve ResolveFunc) string {
	key := StripImportQuery(StripTimestamp(raw))
	if path.Ext(key) != "" {
		return key
	}
	if resolve == nil {
		return key
	}
	id, ok := resolve(key)
	if !ok {
		return key
	}
	if ext := path.Ext(StripQueryAndHash(id)); ext != "" {
		return key + ext
	}
	return key
}

// GetByID looks up a node by its resolved_id.
func (g *Graph) GetByID(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byID[id]
}

// GetByFile returns every node backed by the given filesystem path.
func (g *Graph) GetByFile(file string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.byFile[file]
	out := make([]*Node, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

// EnsureEntry returns the existing node for url, or creates one populating
// all three indices atomically (§4.A). resolvedID and file may be empty for
// a not-yet-resolved virtual module; typ fixes the node's Type at creation.
func (g *Graph) EnsureEntry(url, resolvedID, file string, typ Type) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n, ok := g.byURL[url]; ok {
		return n
	}
	if resolvedID == "" {
		resolvedID = url
	}

	n := newNode(url, resolvedID, file, typ)
	g.byURL[url] = n
	g.byID[resolvedID] = n
	if file != "" {
		if g.byFile[file] == nil {
			g.byFile[file] = make(map[*Node]struct{})
		}
		g.byFile[file][n] = struct{}{}
	}
	return n
}

// UpdateModuleInfo atomically replaces mod's imported_modules and
// accepted_hmr_deps with the given sets, computing the edge diff against
// the previous import set and dropping back-edges for removed imports
// (§4.A). It returns the importees whose importers became empty as a
// result — the caller (the HMR propagator) turns these into a prune
// signal.
func (g *Graph) UpdateModuleInfo(mod *Node, imported []*Node, accepted []*Node, selfAccepting bool) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	newSet := make(map[*Node]struct{}, len(imported))
	for _, m := range imported {
		newSet[m] = struct{}{}
	}

	var orphaned []*Node
	for old := range mod.importedModules {
		if _, stillImported := newSet[old]; !stillImported {
			delete(old.importers, mod)
			if len(old.importers) == 0 {
				orphaned = append(orphaned, old)
			}
		}
	}

	for m := range newSet {
		m.importers[mod] = struct{}{}
	}

	mod.importedModules = newSet

	acceptedSet := make(map[*Node]struct{}, len(accepted))
	for _, m := range accepted {
		acceptedSet[m] = struct{}{}
	}
	mod.acceptedDeps = acceptedSet
	mod.selfAccepting = selfAccepting

	return orphaned
}

// OnFileChange invalidates (clears transform_result, bumps
// last_hmr_timestamp) every node backed by file (§4.A). Returns the
// affected nodes.
func (g *Graph) OnFileChange(file string, nowMillis int64) []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := g.byFile[file]
	out := make([]*Node, 0, len(nodes))
	for n := range nodes {
		n.transformResult = nil
		n.lastHMRTimestamp = nowMillis
		out = append(out, n)
	}
	return out
}

// InvalidateNode clears a single node's cached transform result and bumps
// its last_hmr_timestamp, for the HMR propagator's invalidate walk (§4.E),
// which visits nodes reached by importer edges rather than by file.
func (g *Graph) InvalidateNode(n *Node, nowMillis int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n.transformResult = nil
	n.lastHMRTimestamp = nowMillis
}

// InvalidateAll clears every node's cached transform result without
// dropping any node from the graph (§4.A).
func (g *Graph) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.byURL {
		n.transformResult = nil
	}
}

// SetTransformResult stores r on mod. Callers must have already verified
// r.ETag is the weak etag of r.Code (invariant §3.4); the transform
// pipeline is the only writer.
func (g *Graph) SetTransformResult(mod *Node, r *TransformResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rc := *r
	mod.transformResult = &rc
}

// Remove drops a node from all three indices. Called only when the node's
// importers are empty and it is unreachable from any entry (§3
// "Lifecycle"); the caller (the HMR propagator, after UpdateModuleInfo
// reports an orphan) is responsible for that reachability check.
func (g *Graph) Remove(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.byURL, n.URL)
	delete(g.byID, n.ResolvedID)
	if set, ok := g.byFile[n.File]; ok {
		delete(set, n)
		if len(set) == 0 {
			delete(g.byFile, n.File)
		}
	}
}

// VirtualURL builds the synthetic url form `<fs-prefix>/<absolute-path>`
// used for virtual modules referenced only via in-content @import with no
// URL of their own, so file changes still propagate to them (§4.A edge
// case).
func VirtualURL(fsPrefix, absPath string) string {
	return fsPrefix + "/" + strings.TrimPrefix(absPath, "/")
}
