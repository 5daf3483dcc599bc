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

package optimize

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	mappacdn "bennypowers.dev/hmrcore/cdn"
	"bennypowers.dev/hmrcore/fs"
)

// CDNFallbackResolver implements scan.Resolver for bare specifiers that are
// absent from node_modules: it resolves the package's latest matching
// version against the npm registry, fetches the module file from the CDN
// provider, and caches it under CacheDir so the rest of the pipeline can
// treat it like any other resolved file (§4.G "CDN fallback"). Because the
// fetched module is a raw ES module rather than a pre-bundled graph, it may
// itself `import` bare specifiers that node_modules also lacks; Resolve
// prefetches those transitively so the request that triggered the fallback
// doesn't itself trigger a cascade of further fallbacks.
type CDNFallbackResolver struct {
	Registry *mappacdn.Registry
	Fetcher  mappacdn.Fetcher
	Provider mappacdn.Provider
	CacheDir string
	FS       fs.FileSystem

	ctx  context.Context
	mu   sync.Mutex
	seen map[string]bool
}

// NewCDNFallbackResolver builds a resolver bound to ctx for the lifetime of
// one optimizer run.
func NewCDNFallbackResolver(ctx context.Context, registry *mappacdn.Registry, fetcher mappacdn.Fetcher, provider mappacdn.Provider, cacheDir string, filesystem fs.FileSystem) *CDNFallbackResolver {
	return &CDNFallbackResolver{Registry: registry, Fetcher: fetcher, Provider: provider, CacheDir: cacheDir, FS: filesystem, ctx: ctx}
}

// Resolve fetches specifier (e.g. "lit" or "lit@2.8.0/index.js") from the
// configured CDN provider and writes it into CacheDir/cdn/, returning the
// local cache path.
func (r *CDNFallbackResolver) Resolve(specifier string) (string, bool) {
	pkgName, subpath, versionRange := splitSpecifier(specifier)

	version, err := r.Registry.ResolveVersion(r.ctx, pkgName, versionRange)
	if err != nil {
		return "", false
	}

	url := r.moduleURL(pkgName, version, subpath)
	data, err := r.Fetcher.Fetch(r.ctx, url)
	if err != nil {
		return "", false
	}

	cachePath := filepath.Join(r.CacheDir, "cdn", pkgName+"@"+version, subpathOrIndex(subpath))
	if err := r.FS.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return "", false
	}
	if err := r.FS.WriteFile(cachePath, data, 0o644); err != nil {
		return "", false
	}

	r.prefetchDependencies(pkgName, version)
	return cachePath, true
}

// prefetchDependencies warms the CDN cache for pkgName@version's direct
// dependencies, recursing through their own dependencies in turn. seen
// guards against both duplicate fetches and dependency cycles.
func (r *CDNFallbackResolver) prefetchDependencies(pkgName, version string) {
	key := pkgName + "@" + version
	r.mu.Lock()
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[key] {
		r.mu.Unlock()
		return
	}
	r.seen[key] = true
	r.mu.Unlock()

	deps, err := r.Registry.Dependencies(r.ctx, pkgName, version)
	if err != nil {
		return
	}
	for dep, versionRange := range deps {
		r.Resolve(dep + "@" + versionRange)
	}
}

func (r *CDNFallbackResolver) moduleURL(pkgName, version, subpath string) string {
	path := subpath
	if path == "" {
		path = "index.js"
	}
	tmpl := r.Provider.ModuleTemplate
	replacer := strings.NewReplacer("{package}", pkgName, "{version}", version, "{path}", path)
	return replacer.Replace(tmpl)
}

// splitSpecifier splits "pkg@range/sub/path" and "@scope/pkg@range/sub"
// forms into (pkgName, subpath, versionRange). Absent a range, "latest" is
// used, matching how resolve/cdn.Resolver treats un-pinned imports.
func splitSpecifier(specifier string) (pkgName, subpath, versionRange string) {
	rest := specifier
	if strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest[1:], "/", 3)
		pkgName = "@" + parts[0]
		if len(parts) >= 2 {
			pkgName += "/" + parts[1]
		}
		if len(parts) == 3 {
			rest = parts[2]
		} else {
			rest = ""
		}
	} else {
		parts := strings.SplitN(rest, "/", 2)
		pkgName = parts[0]
		if len(parts) == 2 {
			rest = parts[1]
		} else {
			rest = ""
		}
	}

	if idx := strings.LastIndex(pkgName, "@"); idx > 0 {
		versionRange = pkgName[idx+1:]
		pkgName = pkgName[:idx]
	} else {
		versionRange = "latest"
	}

	subpath = rest
	return pkgName, subpath, versionRange
}

func subpathOrIndex(subpath string) string {
	if subpath == "" {
		return "index.js"
	}
	return subpath
}
