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

// Package bundler defines the external-bundler seam the dependency
// optimizer delegates to (spec.md §4.G step 6): one invocation bundles all
// scanned deps with ESM output, code splitting, source maps, and a
// metafile. hmrcore does not ship a production-grade bundler; bundler/concat
// provides a default, grounded on a minimal link-and-concatenate bundler
// the way other_examples' jsbld linker does, adapted from its CommonJS
// require() runtime to ESM re-exports.
package bundler

import "context"

// Entry is one dependency to bundle: its raw bare-import id and the
// resolved source file the scanner found for it.
type Entry struct {
	RawID string
	File  string
}

// Options configures a bundle invocation per §4.G step 6.
type Options struct {
	Defines      map[string]string
	SourceMaps   bool
	Metafile     bool
	CodeSplitting bool
}

// Output is one bundled dependency's result. Exports and HasDefault let the
// optimizer apply its needs_interop heuristics (§4.G step 7) without
// re-parsing the bundled file itself.
type Output struct {
	RawID      string
	File       string
	Exports    []string
	HasDefault bool
	HasReExports bool
}

// Bundler bundles a set of entries into a directory in one invocation.
type Bundler interface {
	Bundle(ctx context.Context, entries []Entry, outDir string, opts Options) ([]Output, error)
}
