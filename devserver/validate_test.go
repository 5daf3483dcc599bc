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
	"path/filepath"
	"testing"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/trace"
)

// ValidateEntryImports' entry discovery globs the real filesystem (same as
// RunOptimizer's, see optimize_test.go's TestRunOptimizer comment), so this
// exercises a real temp project rather than an in-memory fs.FileSystem.
func TestValidateEntryImportsFlagsUndeclaredDependency(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "package.json"), `{
		"name": "app",
		"dependencies": { "lit": "^1.0.0" }
	}`)
	writeFile(t, filepath.Join(root, "index.html"),
		`<!doctype html><html><head></head><body><script type="module" src="./main.js"></script></body></html>`)
	writeFile(t, filepath.Join(root, "main.js"), "import 'lodash-es';\nimport 'lit';\n")
	writeFile(t, filepath.Join(root, "node_modules/lodash-es/package.json"), `{"name": "lodash-es", "main": "index.js"}`)
	writeFile(t, filepath.Join(root, "node_modules/lodash-es/index.js"), `export const noop = () => {};`)
	writeFile(t, filepath.Join(root, "node_modules/lit/package.json"), `{"name": "lit", "main": "index.js"}`)
	writeFile(t, filepath.Join(root, "node_modules/lit/index.js"), `export const html = 1;`)

	osfs := fs.NewOSFileSystem()
	issues := ValidateEntryImports(osfs, root)

	if len(issues) != 1 {
		t.Fatalf("expected exactly one flagged import, got %+v", issues)
	}
	if issues[0].Package != "lodash-es" {
		t.Fatalf("expected lodash-es to be flagged, got %q", issues[0].Package)
	}
	if issues[0].IssueType != trace.TransitiveDep {
		t.Fatalf("expected lodash-es to be classified as a transitive dependency, got %s", issues[0].IssueType)
	}
}

func TestValidateEntryImportsCleanWhenAllDepsDeclared(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "package.json"), `{
		"name": "app",
		"dependencies": { "lit": "^1.0.0" }
	}`)
	writeFile(t, filepath.Join(root, "index.html"),
		`<!doctype html><html><head></head><body><script type="module" src="./main.js"></script></body></html>`)
	writeFile(t, filepath.Join(root, "main.js"), "import 'lit';\n")
	writeFile(t, filepath.Join(root, "node_modules/lit/package.json"), `{"name": "lit", "main": "index.js"}`)
	writeFile(t, filepath.Join(root, "node_modules/lit/index.js"), `export const html = 1;`)

	osfs := fs.NewOSFileSystem()
	issues := ValidateEntryImports(osfs, root)

	if len(issues) != 0 {
		t.Fatalf("expected no flagged imports, got %+v", issues)
	}
}
