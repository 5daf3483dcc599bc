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
	"fmt"
	"sort"

	"bennypowers.dev/hmrcore/fs"
)

// SourceMapComposer composes a chain of source maps produced by successive
// transform hooks into one. Composition itself is delegated to an external
// collaborator (spec.md §4.B); hmrcore depends only on this interface.
type SourceMapComposer interface {
	Compose(maps []string) (string, error)
}

// identityComposer keeps the last non-empty map, used when no composer is
// configured. It is not a substitute for real source-map composition — it
// exists only so the container has sane behavior with zero plugins.
type identityComposer struct{}

func (identityComposer) Compose(maps []string) (string, error) {
	for i := len(maps) - 1; i >= 0; i-- {
		if maps[i] != "" {
			return maps[i], nil
		}
	}
	return "", nil
}

// Container drives an ordered sequence of plugins through their hooks.
type Container struct {
	plugins  []*Plugin
	fs       fs.FileSystem
	roots    []string
	composer SourceMapComposer
}

// New creates a plugin container over the given plugins (reordered into
// pre/default/post buckets, declaration order preserved within each
// bucket), rooted at allowedRoots for disk fallback loads.
func New(plugins []*Plugin, filesystem fs.FileSystem, allowedRoots []string, composer SourceMapComposer) *Container {
	ordered := make([]*Plugin, len(plugins))
	copy(ordered, plugins)
	sort.SliceStable(ordered, func(i, j int) bool {
		return bucketOf(ordered[i]) < bucketOf(ordered[j])
	})
	if composer == nil {
		composer = identityComposer{}
	}
	return &Container{plugins: ordered, fs: filesystem, roots: allowedRoots, composer: composer}
}

func bucketOf(p *Plugin) int {
	switch p.Enforce {
	case EnforcePre:
		return 0
	case EnforcePost:
		return 2
	default:
		return 1
	}
}

// ResolveID tries each plugin's ResolveID hook in order; the first non-nil
// result wins. If every plugin returns nil, source itself is returned as
// the fallback id (§4.B).
func (c *Container) ResolveID(ctx context.Context, source, importer string) (*ResolveResult, error) {
	for _, p := range c.plugins {
		if p.ResolveID == nil {
			continue
		}
		res, err := p.ResolveID(ctx, source, importer)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: resolve_id %s: %w", p.Name, source, err)
		}
		if res != nil {
			return res, nil
		}
	}
	return &ResolveResult{ID: source}, nil
}

// Load tries each plugin's Load hook in order; the first non-nil result
// wins. If none match and the path exists on disk within an allowed root,
// it is read as UTF-8 (§4.B). Returns nil, nil when nothing could load id
// and it is not on disk (the caller, the transform pipeline, decides what
// that means).
func (c *Container) Load(ctx context.Context, id string) (*LoadResult, error) {
	for _, p := range c.plugins {
		if p.Load == nil {
			continue
		}
		res, err := p.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: load %s: %w", p.Name, id, err)
		}
		if res != nil {
			return res, nil
		}
	}

	if !c.withinAllowedRoots(id) {
		return nil, nil
	}
	data, err := c.fs.ReadFile(id)
	if err != nil {
		return nil, nil
	}
	return &LoadResult{Code: string(data)}, nil
}

func (c *Container) withinAllowedRoots(path string) bool {
	if len(c.roots) == 0 {
		return true
	}
	for _, root := range c.roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	if len(path) < len(root) {
		return false
	}
	return path[:len(root)] == root
}

// Transform chains every plugin's Transform hook: each plugin's output code
// becomes the next plugin's input, and the intermediate source maps are
// composed via the container's SourceMapComposer (§4.B). If no plugin
// transforms the code, the original code is returned unchanged.
func (c *Container) Transform(ctx context.Context, code, id string) (*TransformResult, error) {
	current := code
	var maps []string

	for _, p := range c.plugins {
		if p.Transform == nil {
			continue
		}
		res, err := p.Transform(ctx, current, id)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: transform %s: %w", p.Name, id, err)
		}
		if res == nil {
			continue
		}
		current = res.Code
		maps = append(maps, res.Map)
	}

	composed, err := c.composer.Compose(maps)
	if err != nil {
		return nil, fmt.Errorf("composing source maps for %s: %w", id, err)
	}
	return &TransformResult{Code: current, Map: composed}, nil
}

// HandleHotUpdate runs every plugin's HandleHotUpdate hook in declaration
// order. Per DESIGN.md's resolution of spec.md §9's open question, each
// plugin sees the PREVIOUS plugin's filtered module list, not the original
// — a strict left fold, matching "each plugin's return value replaces the
// context's module list for the next plugin" read literally.
func (c *Container) HandleHotUpdate(ctx context.Context, hctx *HotUpdateContext) ([]string, error) {
	modules := hctx.Modules
	for _, p := range c.plugins {
		if p.HandleHotUpdate == nil {
			continue
		}
		next := &HotUpdateContext{
			File:      hctx.File,
			Timestamp: hctx.Timestamp,
			Modules:   modules,
			Read:      hctx.Read,
		}
		filtered, err := p.HandleHotUpdate(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: handle_hot_update %s: %w", p.Name, hctx.File, err)
		}
		if filtered != nil {
			modules = filtered
		}
	}
	return modules, nil
}
