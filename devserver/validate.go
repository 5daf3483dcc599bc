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
	"strings"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/scan"
	"bennypowers.dev/hmrcore/trace"
)

// ValidateEntryImports runs the whole-graph Tracer (trace.NewTracerForRoot,
// the same self-package- and node_modules-aware construction backing
// `cmd/inject`/`cmd/trace`) against each of root's HTML entry points
// discovered via scan.EntryDiscovery, and reports any bare-specifier import
// that isn't satisfied by a direct dependency in package.json. Unlike
// scan.Scanner's deps/missing list, which only records whether a bare import
// resolves and does not follow it into node_modules, this walks each entry's full
// transitive import graph once at server boot, so a dependency that's only
// reachable two or three imports deep still gets flagged.
//
// Entries that error while tracing (e.g. a syntax error the transform
// pipeline will itself report once requested) are skipped rather than
// failing the whole check.
func ValidateEntryImports(filesystem fs.FileSystem, root string) []trace.ImportIssue {
	entries, err := scan.EntryDiscovery(filesystem, root, nil, nil)
	if err != nil {
		return nil
	}

	tracer, pkg, pkgErr := trace.NewTracerForRoot(filesystem, root)
	if pkgErr != nil {
		return nil
	}

	var issues []trace.ImportIssue
	for _, entry := range entries {
		if !strings.HasSuffix(entry, ".html") {
			continue
		}
		g, err := tracer.TraceHTML(entry)
		if err != nil {
			continue
		}
		issues = append(issues, g.ValidateImports(filesystem, root, pkg.Name, pkg.Dependencies, pkg.DevDependencies)...)
	}
	return issues
}
