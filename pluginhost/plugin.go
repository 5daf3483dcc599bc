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

// Package pluginhost drives a sequence of plugins through resolve, load,
// transform, and hot-update hooks, the way cobra.Command drives a single
// command through its optional Pre/Run/Post hooks — generalized here from
// one command with three optional hooks to N plugins with four.
package pluginhost

import "context"

// ResolveResult is what a plugin's ResolveID hook returns on a hit.
type ResolveResult struct {
	ID       string
	Meta     map[string]any
	External bool
}

// LoadResult is what a plugin's Load hook returns on a hit.
type LoadResult struct {
	Code string
	Map  string
}

// TransformResult is what a plugin's Transform hook returns.
type TransformResult struct {
	Code string
	Map  string
}

// HotUpdateContext is passed to every plugin's HandleHotUpdate hook.
type HotUpdateContext struct {
	File      string
	Timestamp int64
	Modules   []string
	Read      func(ctx context.Context) ([]byte, error)
}

// Enforce controls where a plugin sorts relative to unmarked plugins.
type Enforce int

const (
	// EnforceDefault plugins run in declaration order, after "pre" and
	// before "post" plugins.
	EnforceDefault Enforce = iota
	EnforcePre
	EnforcePost
)

// Plugin is a record of optionally-implemented hooks. A zero-value field
// means the plugin does not implement that hook; the container skips it
// and tries the next plugin, exactly as spec.md §4.B describes.
type Plugin struct {
	Name    string
	Enforce Enforce

	ResolveID func(ctx context.Context, source string, importer string) (*ResolveResult, error)
	Load      func(ctx context.Context, id string) (*LoadResult, error)
	Transform func(ctx context.Context, code, id string) (*TransformResult, error)

	// HandleHotUpdate may narrow or widen the module list for an hmr
	// update; returning nil leaves the list produced by prior plugins
	// unchanged for this plugin's purposes (not a ConfigureServer-style
	// side effect — see Container.HandleHotUpdate for the fold order).
	HandleHotUpdate func(ctx context.Context, hctx *HotUpdateContext) ([]string, error)

	ConfigureServer func(ctx context.Context) error
}
