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

// Package transform drives the per-URL resolve→load→transform pipeline
// (spec.md §4.C), request-deduplicated and cached exactly the way
// packagejson.MemoryCache and cdn.PackageCache dedup concurrent loaders of
// the same key: a sync.Map of cache-key to a sync.Once-guarded entry,
// removed unconditionally once the computation completes.
package transform

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/graph"
	"bennypowers.dev/hmrcore/pluginhost"
)

// PublicDirChecker reports whether a url lies under the configured public
// directory, for the §4.C step-4 "fail with a descriptive error" vs.
// "return null" distinction.
type PublicDirChecker func(url string) bool

// Watcher is notified to start watching a resolved file, per §4.C step 5.
// hmrcore's watch package implements this with fsnotify.Add.
type Watcher interface {
	Watch(file string) error
}

type noopWatcher struct{}

func (noopWatcher) Watch(string) error { return nil }

// Options configures a Pipeline.
type Options struct {
	// SSR marks the request as a server-side-render transform, prefixing
	// the cache key with "ssr:" (§4.C).
	SSR bool
	// HTML marks the request as an html-context transform, prefixing the
	// cache key with "html:".
	HTML bool
	// SkipPendingReload exempts the request from the pending-reload gate
	// (§5 "Pending-reload backpressure": "incoming transform requests
	// other than the client runtime itself wait on it"). The client
	// runtime's own requests set this so the overlay that narrates a
	// reload is never itself blocked behind one.
	SkipPendingReload bool
}

func (o Options) cacheKeyPrefix() string {
	switch {
	case o.SSR:
		return "ssr:"
	case o.HTML:
		return "html:"
	default:
		return ""
	}
}

// inFlight coordinates concurrent callers requesting the same cache key.
type inFlight struct {
	once   sync.Once
	result *graph.TransformResult
	err    error
}

// DepDiscoverer re-optimizes the dependency bundle when a bare import is
// seen for the first time at request time (§4.G "runtime path", §8
// scenario 6: "optimizer re-runs with newDeps"). Implemented by
// devserver.RuntimeDepDiscoverer, which wraps optimize.Run.
type DepDiscoverer interface {
	DiscoverDep(ctx context.Context, specifier string) (resolvedFile string, ok bool)
}

// discoveryEntry collapses concurrent DiscoverDep calls for the same
// specifier, the same sync.Once-guarded shape as inFlight above.
type discoveryEntry struct {
	once sync.Once
	file string
	ok   bool
}

// PendingReloadTimeout bounds how long a TransformRequest waits on an
// in-flight dependency re-optimize before giving up (§5 "Pending-reload
// backpressure").
const PendingReloadTimeout = time.Second

// ErrPendingReloadTimeout is returned when a caller's wait for a pending
// reload exceeds PendingReloadTimeout (§7 "Pending-reload timeout").
var ErrPendingReloadTimeout = errors.New("transform: pending reload timed out")

// Pipeline implements transform_request(url, {ssr?, html?}) from §4.C.
type Pipeline struct {
	graph     *graph.Graph
	container *pluginhost.Container
	fs        fs.FileSystem
	watcher   Watcher
	isPublic  PublicDirChecker
	resolve   graph.ResolveFunc
	serveType func(url string) graph.Type
	requests  sync.Map // map[string]*inFlight
	inflight  sync.WaitGroup

	bareImportKnown func(specifier string) bool
	discoverer      DepDiscoverer
	discoveries     sync.Map // map[string]*discoveryEntry

	pendingMu     sync.Mutex
	pendingReload chan struct{}
}

// New constructs a Pipeline. resolveType classifies a url as TypeJS or
// TypeCSS when a new node must be created for it.
func New(g *graph.Graph, container *pluginhost.Container, filesystem fs.FileSystem, watcher Watcher, isPublic PublicDirChecker, resolveType func(url string) graph.Type) *Pipeline {
	if watcher == nil {
		watcher = noopWatcher{}
	}
	p := &Pipeline{
		graph:     g,
		container: container,
		fs:        filesystem,
		watcher:   watcher,
		isPublic:  isPublic,
		serveType: resolveType,
	}
	p.resolve = func(source string) (string, bool) {
		res, err := container.ResolveID(context.Background(), source, "")
		if err != nil || res == nil {
			return "", false
		}
		return res.ID, true
	}
	return p
}

// ConfigureDepDiscovery wires the runtime dep-discovery path (§4.G "runtime
// path", §8 scenario 6): known reports whether specifier already has a
// published browser import-map entry; discoverer re-optimizes the bundle
// for specifiers known returns false for. Called once during server setup,
// after both the Pipeline and its discoverer exist.
func (p *Pipeline) ConfigureDepDiscovery(known func(specifier string) bool, discoverer DepDiscoverer) {
	p.bareImportKnown = known
	p.discoverer = discoverer
}

// BeginPendingReload publishes a pending-reload future that other
// TransformRequest callers wait on (§5 "Pending-reload backpressure"), and
// returns a function that resolves it, waking every waiter at once. Safe to
// call while one is already in flight: only the first caller's resolve
// func does anything, so overlapping discoveries share one future.
func (p *Pipeline) BeginPendingReload() func() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if p.pendingReload != nil {
		return func() {}
	}
	ch := make(chan struct{})
	p.pendingReload = ch
	return func() {
		p.pendingMu.Lock()
		p.pendingReload = nil
		p.pendingMu.Unlock()
		close(ch)
	}
}

// waitForPendingReload blocks until an in-flight dependency re-optimize
// resolves, PendingReloadTimeout elapses, or ctx is canceled, whichever
// comes first. Returns immediately if nothing is pending.
func (p *Pipeline) waitForPendingReload(ctx context.Context) error {
	p.pendingMu.Lock()
	ch := p.pendingReload
	p.pendingMu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(PendingReloadTimeout):
		return ErrPendingReloadTimeout
	}
}

// discoverBareImport asks the configured DepDiscoverer to resolve specifier,
// collapsing concurrent callers for the same specifier into one call.
func (p *Pipeline) discoverBareImport(ctx context.Context, specifier string) (string, bool) {
	if p.discoverer == nil {
		return "", false
	}
	actual, _ := p.discoveries.LoadOrStore(specifier, &discoveryEntry{})
	entry := actual.(*discoveryEntry)
	entry.once.Do(func() {
		entry.file, entry.ok = p.discoverer.DiscoverDep(ctx, specifier)
	})
	return entry.file, entry.ok
}

// ErrNotFound is returned (wrapped) when a url is neither servable by a
// plugin nor present in the public directory the host is configured to
// serve out of (§4.C step 4's "fail with a descriptive error").
var ErrNotFound = errors.New("transform: module not found in public directory")

// TransformRequest runs transform_request(url, opts) per §4.C, deduplicating
// concurrent callers for the same (url, opts) cache key. A nil, nil result
// means the url could not be loaded and is not under the public directory
// — the caller (the dev server's HTTP handler) decides that this is a 404.
func (p *Pipeline) TransformRequest(ctx context.Context, url string, opts Options) (*graph.TransformResult, error) {
	// Step 1: strip timestamp query.
	url = graph.StripTimestamp(url)

	if !opts.SkipPendingReload {
		if err := p.waitForPendingReload(ctx); err != nil {
			return nil, err
		}
	}

	cacheKey := opts.cacheKeyPrefix() + url

	// Step 2: return the cached result if the node already has one —
	// short-circuits before even entering the in-flight map, since a
	// populated transform_result never needs a fresh computation.
	if n := p.graph.GetByURL(url, p.resolve); n != nil {
		if r := n.TransformResultSnapshot(); r != nil {
			return r, nil
		}
	}

	p.inflight.Add(1)
	defer p.inflight.Done()

	actual, _ := p.requests.LoadOrStore(cacheKey, &inFlight{})
	entry := actual.(*inFlight)

	entry.once.Do(func() {
		entry.result, entry.err = p.compute(ctx, url, opts)
	})

	// The entry is removed unconditionally once its computation completes,
	// regardless of outcome (§4.C "Request deduplication"), so a later
	// caller with a different result (e.g. after invalidation) gets a
	// fresh in-flight entry rather than a stale cached error.
	p.requests.Delete(cacheKey)

	return entry.result, entry.err
}

// Drain blocks until every in-flight TransformRequest has completed, or ctx
// is canceled first. It implements §5's cancellation rule that "a server
// restart drains the in-flight map by awaiting all entries before tearing
// down state."
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) compute(ctx context.Context, url string, opts Options) (*graph.TransformResult, error) {
	// Step 3: resolve id, derive file.
	resolveRes, err := p.container.ResolveID(ctx, url, "")
	if err != nil {
		return nil, fmt.Errorf("transform %s: resolve: %w", url, err)
	}
	id := url
	if resolveRes != nil {
		id = resolveRes.ID
	}
	file := graph.StripQueryAndHash(id)

	// Step 4: attempt load, falling back to disk.
	loadRes, err := p.container.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("transform %s: load: %w", url, err)
	}
	var code, srcMap string
	if loadRes != nil {
		code, srcMap = loadRes.Code, loadRes.Map
	} else {
		data, readErr := p.fs.ReadFile(file)
		if readErr != nil {
			if p.isPublic != nil && p.isPublic(url) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
			}
			return nil, nil
		}
		code = string(data)
	}

	// Runtime dep-discovery (§4.G "runtime path", §8 scenario 6): a bare
	// import this module's code references for the first time has no
	// published browser import-map entry yet. Trigger a re-optimize before
	// this module's own result is cached, so the client's next full-reload
	// sees a bundle that already covers it.
	if p.discoverer != nil && p.bareImportKnown != nil {
		for _, spec := range bareImports(code) {
			if p.bareImportKnown(spec) {
				continue
			}
			p.discoverBareImport(ctx, spec)
		}
	}

	// Step 5: ensure the graph entry exists, notify the watcher.
	typ := graph.TypeJS
	if p.serveType != nil {
		typ = p.serveType(url)
	}
	node := p.graph.EnsureEntry(url, id, file, typ)
	if file != "" {
		if err := p.watcher.Watch(file); err != nil {
			return nil, fmt.Errorf("transform %s: watch %s: %w", url, file, err)
		}
	}

	// Step 6: run the transform chain.
	transformRes, err := p.container.Transform(ctx, code, id)
	if err != nil {
		return nil, fmt.Errorf("transform %s: transform: %w", url, err)
	}
	finalCode, finalMap := code, srcMap
	if transformRes != nil {
		finalCode = transformRes.Code
		if transformRes.Map != "" {
			finalMap = transformRes.Map
		}
	}

	// Step 7: backfill sourcesContent from disk when the map has mappings
	// but none.
	finalMap = p.backfillSourcesContent(finalMap, file)

	// Step 8: compute weak etag, store on the node, return it.
	result := &graph.TransformResult{
		Code: finalCode,
		Map:  finalMap,
		ETag: WeakETag(finalCode),
	}
	p.graph.SetTransformResult(node, result)
	return result, nil
}

// backfillSourcesContent fills in a bare "sourcesContent": [] entry from
// disk when the map carries mappings but no source content, a common gap
// left by transformers that only emit mappings (§4.C step 7). It is
// deliberately string-shaped rather than a full JSON round-trip: the
// pipeline never needs to interpret other fields of the map.
func (p *Pipeline) backfillSourcesContent(srcMap, file string) string {
	if srcMap == "" {
		return srcMap
	}
	if !strings.Contains(srcMap, `"mappings"`) {
		return srcMap
	}
	if strings.Contains(srcMap, `"sourcesContent"`) {
		return srcMap
	}
	data, err := p.fs.ReadFile(file)
	if err != nil {
		return srcMap
	}
	encoded, err := json.Marshal(string(data))
	if err != nil {
		return srcMap
	}
	content := string(encoded)
	idx := strings.LastIndexByte(srcMap, '}')
	if idx < 0 {
		return srcMap
	}
	sep := ","
	if strings.TrimSpace(srcMap[1:idx]) == "" {
		sep = ""
	}
	return srcMap[:idx] + sep + `"sourcesContent":[` + content + `]` + srcMap[idx:]
}

// WeakETag computes a weak etag over code, the form required by invariant
// §3.4 ("transform_result.etag is the weak etag of its code").
func WeakETag(code string) string {
	sum := sha1.Sum([]byte(code))
	return `W/"` + base64.RawStdEncoding.EncodeToString(sum[:]) + `"`
}
