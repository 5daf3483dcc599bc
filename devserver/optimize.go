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

	"bennypowers.dev/hmrcore/bundler/concat"
	mappacdn "bennypowers.dev/hmrcore/cdn"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/optimize"
	"bennypowers.dev/hmrcore/resolve/local"
	"bennypowers.dev/hmrcore/scan"
)

// NewCDNFallbackResolver builds the optimizer's scan-time and
// runtime-discovery CDN fallback (§4.G "CDN fallback") for the named
// provider (one of cdn.ProviderNames()), backed by cdn.Registry and
// cdn.HTTPFetcher the same way resolve/cdn.Resolver is. Returns nil if
// providerName is empty or unrecognized, the "CDN fallback disabled"
// state RunOptimizer and RuntimeDepDiscoverer both treat as "local
// resolution only." registryURL overrides the npm registry used for
// version-range resolution (e.g. an internal registry mirror); an empty
// string keeps cdn.Registry's default of registry.npmjs.org.
func NewCDNFallbackResolver(providerName, cacheDir string, filesystem fs.FileSystem, registryURL string) scan.Resolver {
	provider := mappacdn.ProviderByName(providerName)
	if provider == nil {
		return nil
	}
	fetcher := mappacdn.NewHTTPFetcher()
	var registry *mappacdn.Registry
	if registryURL != "" {
		registry = mappacdn.NewRegistryWithURL(fetcher, registryURL)
	} else {
		registry = mappacdn.NewRegistry(fetcher)
	}
	return optimize.NewCDNFallbackResolver(context.Background(), registry, fetcher, *provider, cacheDir, filesystem)
}

// RunOptimizer runs the dependency optimizer (spec.md §4.G) against root's
// HTML/JS entry points, reusing a warm cache directory across runs via
// optimize.LoadMetadata. It is shared by `cmd/serve` (live dev server) and
// `cmd/snapshot` (static freeze), since both need the same
// specifier -> /@hmrcore/deps/ URL mapping. cdnFallback, when non-nil, backs
// the scanner's bare-module resolution for packages absent from
// node_modules (§4.G "CDN fallback").
func RunOptimizer(filesystem fs.FileSystem, root, cacheDir string, cdnFallback scan.Resolver) (*optimize.Metadata, *importmap.ImportMap, error) {
	localImports, err := local.New(filesystem, nil).Resolve(root)
	if err != nil {
		return nil, nil, err
	}

	entries, err := scan.EntryDiscovery(filesystem, root, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	var resolver scan.Resolver = localResolverAdapter{root: root, imports: localImports.Imports}
	if cdnFallback != nil {
		resolver = fallbackResolver{primary: resolver, fallback: cdnFallback}
	}
	scanner := scan.New(filesystem, resolver)

	lockfile, _ := filesystem.ReadFile(filepath.Join(root, "package-lock.json"))

	previous, err := optimize.LoadMetadata(filesystem, cacheDir)
	if err != nil {
		return nil, nil, err
	}

	meta, err := optimize.Run(context.Background(), previous, optimize.Options{
		LockfileContents: lockfile,
		Config:           optimize.ConfigSubset{Mode: "development", Root: root},
		Entries:          entries,
		CacheDir:         cacheDir,
		Scanner:          scanner,
		Bundler:          concat.New(filesystem),
		FS:               filesystem,
	})
	if err != nil {
		return nil, nil, err
	}

	im := &importmap.ImportMap{Imports: make(map[string]string, len(meta.Optimized))}
	for rawID, entry := range meta.Optimized {
		im.Imports[rawID] = "/@hmrcore/deps/" + filepath.Base(entry.File)
	}
	return meta, im, nil
}

// fallbackResolver tries primary first (local node_modules) and falls back
// to fallback (a CDN-backed scan.Resolver) only when primary can't resolve
// the specifier, so packages already on disk never incur a CDN round trip.
type fallbackResolver struct {
	primary  scan.Resolver
	fallback scan.Resolver
}

func (f fallbackResolver) Resolve(specifier string) (string, bool) {
	if file, ok := f.primary.Resolve(specifier); ok {
		return file, true
	}
	return f.fallback.Resolve(specifier)
}

// localResolverAdapter adapts resolve/local's package-name import map (URL
// strings rooted at root, e.g. "/node_modules/lit/index.js") into the
// scan.Resolver contract of actual filesystem paths the optimizer and
// bundler can read from disk.
type localResolverAdapter struct {
	root    string
	imports map[string]string
}

func (a localResolverAdapter) Resolve(specifier string) (string, bool) {
	url, ok := a.imports[specifier]
	if !ok {
		for prefix, target := range a.imports {
			if p, isWildcard := strings.CutSuffix(prefix, "*"); isWildcard && strings.HasPrefix(specifier, p) {
				url = target + strings.TrimPrefix(specifier, p)
				ok = true
				break
			}
		}
	}
	if !ok {
		return "", false
	}
	return filepath.Join(a.root, strings.TrimPrefix(url, "/")), true
}
