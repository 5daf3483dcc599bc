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

package devserver

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"bennypowers.dev/hmrcore/bundler"
	"bennypowers.dev/hmrcore/client"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/hmr"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/optimize"
	"bennypowers.dev/hmrcore/pluginhost"
	"bennypowers.dev/hmrcore/resolve/local"
	"bennypowers.dev/hmrcore/scan"
)

// PendingReloader is the subset of *transform.Pipeline a RuntimeDepDiscoverer
// needs: publishing the pending-reload future other in-flight transform
// requests wait on while the bundle is being re-optimized (§5
// "Pending-reload backpressure").
type PendingReloader interface {
	BeginPendingReload() func()
}

// RuntimeDepDiscoverer implements transform.DepDiscoverer (§4.G "runtime
// path", §8 scenario 6): when a module's code references a bare import
// that has no published browser import-map entry yet, it resolves the
// specifier against node_modules (falling back to a CDN when configured),
// re-runs the optimizer over the previously optimized dependencies plus the
// new one, and republishes the
// result so the next full-reload the client performs picks up a bundle that
// already covers it.
type RuntimeDepDiscoverer struct {
	FS       fs.FileSystem
	Root     string
	CacheDir string

	Registrar   *pluginhost.ResolveIDPlugin
	CDNFallback scan.Resolver // nil when no --cdn-provider was configured
	Hub         *client.Hub
	Pending     PendingReloader
	Bundler     bundler.Bundler

	LockfileContents []byte
	Config           optimize.ConfigSubset

	// ImportMap is mutated in place as new dependencies are discovered, the
	// same *importmap.ImportMap the server's /@importmap debug route and
	// client runtime's bundle hand out already point to.
	ImportMap *importmap.ImportMap

	mu   sync.Mutex
	meta *optimize.Metadata
}

// NewRuntimeDepDiscoverer builds a discoverer seeded with the optimizer
// metadata produced by the server's initial RunOptimizer pass, so the first
// runtime discovery re-bundles alongside the existing deps rather than
// discarding them.
func NewRuntimeDepDiscoverer(
	filesystem fs.FileSystem,
	root, cacheDir string,
	registrar *pluginhost.ResolveIDPlugin,
	cdnFallback scan.Resolver,
	hub *client.Hub,
	pending PendingReloader,
	bndlr bundler.Bundler,
	lockfileContents []byte,
	cfg optimize.ConfigSubset,
	im *importmap.ImportMap,
	initial *optimize.Metadata,
) *RuntimeDepDiscoverer {
	return &RuntimeDepDiscoverer{
		FS:               filesystem,
		Root:             root,
		CacheDir:         cacheDir,
		Registrar:        registrar,
		CDNFallback:      cdnFallback,
		Hub:              hub,
		Pending:          pending,
		Bundler:          bndlr,
		LockfileContents: lockfileContents,
		Config:           cfg,
		ImportMap:        im,
		meta:             initial,
	}
}

// DiscoverDep implements transform.DepDiscoverer.
func (d *RuntimeDepDiscoverer) DiscoverDep(ctx context.Context, specifier string) (string, bool) {
	resolve := d.Pending.BeginPendingReload()
	defer resolve()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Registrar.Known(specifier) {
		return "", false
	}

	registerAs, diskFile, ok := d.resolveSpecifier(specifier)
	if !ok {
		return "", false
	}

	newDeps := d.mergedDeps(specifier, diskFile)
	meta, err := optimize.Run(ctx, d.meta, optimize.Options{
		LockfileContents: d.LockfileContents,
		Config:           d.Config,
		Force:            true,
		NewDeps:          newDeps,
		CacheDir:         d.CacheDir,
		Bundler:          d.Bundler,
		FS:               d.FS,
	})
	if err != nil {
		return "", false
	}
	d.meta = meta

	d.Registrar.Register(specifier, registerAs)
	d.republishImportMap(meta)

	if d.Hub != nil {
		d.Hub.BroadcastPayload(&hmr.Payload{FullReload: true, ReloadPath: "*"})
	}

	return diskFile, true
}

// resolveSpecifier tries local node_modules resolution first, then the CDN
// fallback. registerAs is what gets stored in the resolve_id plugin's import
// map (a site-relative "/node_modules/..." URL for the local case, a disk
// path for the CDN case, matching each path's own natural output shape);
// diskFile is always a filesystem path the optimizer can read from.
func (d *RuntimeDepDiscoverer) resolveSpecifier(specifier string) (registerAs, diskFile string, ok bool) {
	resolved := local.New(d.FS, nil).
		WithPackages([]string{specifier}).
		ResolveSpecifiers(d.Root, []string{specifier})
	if url, found := resolved[specifier]; found {
		return url, filepath.Join(d.Root, strings.TrimPrefix(url, "/")), true
	}

	if d.CDNFallback != nil {
		if file, found := d.CDNFallback.Resolve(specifier); found {
			return file, file, true
		}
	}

	return "", "", false
}

// mergedDeps extends the previously-optimized dependency set with the newly
// discovered specifier, since optimize.Run's NewDeps path bundles exactly
// the map it's given rather than merging with prior state itself.
func (d *RuntimeDepDiscoverer) mergedDeps(specifier, file string) map[string]string {
	deps := make(map[string]string, len(d.previousOptimized())+1)
	for rawID, entry := range d.previousOptimized() {
		deps[rawID] = entry.Src
	}
	deps[specifier] = file
	return deps
}

func (d *RuntimeDepDiscoverer) previousOptimized() map[string]optimize.Entry {
	if d.meta == nil {
		return nil
	}
	return d.meta.Optimized
}

func (d *RuntimeDepDiscoverer) republishImportMap(meta *optimize.Metadata) {
	if d.ImportMap == nil {
		return
	}
	if d.ImportMap.Imports == nil {
		d.ImportMap.Imports = make(map[string]string, len(meta.Optimized))
	}
	for rawID, entry := range meta.Optimized {
		d.ImportMap.Imports[rawID] = "/@hmrcore/deps/" + filepath.Base(entry.File)
	}
}
