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

package pluginhost

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/resolve/local"
)

// ResolveIDPlugin is the built-in bare-specifier resolver: it precomputes
// an import map for root the way `cmd/inject` already does via
// resolve/local.Resolver.Resolve, then answers ResolveID lookups against
// it instead of walking node_modules on every request. Register lets the
// runtime dep-discovery path (§4.G "runtime path") add entries discovered
// after startup, so a bare import the initial scan missed resolves on its
// next request instead of falling through to the identity fallback.
type ResolveIDPlugin struct {
	root string

	mu      sync.Mutex
	imports map[string]string
}

// NewResolveIDPlugin builds the default "resolve_id" plugin (§4.B), backed
// by resolve/local's existing package.json-driven import map resolution.
// The returned *ResolveIDPlugin lets callers register additional
// specifiers discovered later, at request time.
func NewResolveIDPlugin(filesystem fs.FileSystem, root string) (*Plugin, *ResolveIDPlugin, error) {
	resolver := local.New(filesystem, nil)
	im, err := resolver.Resolve(root)
	if err != nil {
		return nil, nil, err
	}

	p := &ResolveIDPlugin{root: root, imports: im.Imports}
	return &Plugin{
		Name:      "resolve_id",
		Enforce:   EnforceDefault,
		ResolveID: p.resolveID,
	}, p, nil
}

// Register adds (or overwrites) a bare-specifier -> resolved-file entry,
// making it visible to subsequent ResolveID calls immediately.
func (p *ResolveIDPlugin) Register(specifier, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imports[specifier] = target
}

// Known reports whether specifier already has a registered entry, the
// signal transform.Pipeline's runtime dep-discovery uses to decide
// whether a bare import needs discovering (§4.G "runtime path").
func (p *ResolveIDPlugin) Known(specifier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.imports[specifier]
	return ok
}

func (p *ResolveIDPlugin) resolveID(ctx context.Context, source, importer string) (*ResolveResult, error) {
	if strings.HasPrefix(source, ".") || strings.HasPrefix(source, "/") {
		base := p.root
		if importer != "" {
			base = filepath.Dir(importer)
		}
		return &ResolveResult{ID: filepath.Join(base, source)}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if target, ok := p.imports[source]; ok {
		return &ResolveResult{ID: target}, nil
	}

	for specifier, target := range p.imports {
		if prefix, isWildcard := strings.CutSuffix(specifier, "*"); isWildcard && strings.HasPrefix(source, prefix) {
			return &ResolveResult{ID: target + strings.TrimPrefix(source, prefix)}, nil
		}
	}

	return nil, nil
}
