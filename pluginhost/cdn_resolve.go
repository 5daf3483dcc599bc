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
	"strings"

	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/packagejson"
)

// cdnResolver is the subset of resolve/cdn.Resolver this plugin needs,
// narrowed to avoid importing net/http-reaching code into every caller of
// pluginhost that doesn't configure a CDN resolver.
type cdnResolver interface {
	ResolvePackageJSON(ctx context.Context, pkg *packagejson.PackageJSON) (*importmap.ImportMap, error)
}

// NewCDNResolvePlugin builds an optional "resolve_id" plugin backed by
// resolve/cdn.Resolver, the project-wide CDN fallback described in §4.G:
// a package whose bare import the local resolve_id plugin can't answer
// (absent from node_modules, e.g. never installed because the project
// leans on an import map instead) is instead served from the CDN, marked
// External so the transform pipeline and client runtime leave the
// specifier for the browser's own import map to resolve. Install it ahead
// of user plugins but after the default resolve_id plugin: resolveScope
// already covers every recorded dependency, so this is a true fallback.
func NewCDNResolvePlugin(ctx context.Context, resolver cdnResolver, pkg *packagejson.PackageJSON) (*Plugin, error) {
	im, err := resolver.ResolvePackageJSON(ctx, pkg)
	if err != nil {
		return nil, err
	}

	p := &cdnResolvePlugin{imports: im.Imports}
	return &Plugin{
		Name:      "cdn_resolve",
		Enforce:   EnforceDefault,
		ResolveID: p.resolveID,
	}, nil
}

type cdnResolvePlugin struct {
	imports map[string]string
}

func (p *cdnResolvePlugin) resolveID(ctx context.Context, source, importer string) (*ResolveResult, error) {
	if strings.HasPrefix(source, ".") || strings.HasPrefix(source, "/") {
		return nil, nil
	}
	if target, ok := p.imports[source]; ok {
		return &ResolveResult{ID: target, External: true}, nil
	}
	return nil, nil
}
