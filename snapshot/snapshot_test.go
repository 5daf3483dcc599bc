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
package snapshot_test

import (
	"strings"
	"testing"

	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/internal/mapfs"
	"bennypowers.dev/hmrcore/snapshot"
)

func TestFreezeBatchInsertsNewImportMap(t *testing.T) {
	mfs := mapfs.New()
	mfs.AddFile("/site/index.html", "<html>\n<head>\n  <title>x</title>\n</head>\n<body></body>\n</html>\n", 0644)

	im := &importmap.ImportMap{Imports: map[string]string{
		"lit": "/@hmrcore/deps/lit.js",
	}}

	results := snapshot.FreezeBatch(mfs, []string{"/site/index.html"}, im, 1, false)

	var got snapshot.Result
	for r := range results {
		got = r
	}

	if got.Error != "" {
		t.Fatalf("unexpected error: %s", got.Error)
	}
	if !got.Modified || !got.Inserted {
		t.Fatalf("expected a new import map to be inserted, got %+v", got)
	}

	content, err := mfs.ReadFile("/site/index.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), `"lit":"/@hmrcore/deps/lit.js"`) &&
		!strings.Contains(string(content), `"lit": "/@hmrcore/deps/lit.js"`) {
		t.Errorf("expected inserted import map to contain the lit entry, got:\n%s", content)
	}
}

func TestFreezeBatchMergesExistingImportMap(t *testing.T) {
	mfs := mapfs.New()
	mfs.AddFile("/site/index.html", `<html>
<head>
  <script type="importmap">
{"imports":{"my-app":"./my-app.js"}}
  </script>
</head>
<body></body>
</html>
`, 0644)

	im := &importmap.ImportMap{Imports: map[string]string{
		"lit": "/@hmrcore/deps/lit.js",
	}}

	results := snapshot.FreezeBatch(mfs, []string{"/site/index.html"}, im, 1, false)

	var got snapshot.Result
	for r := range results {
		got = r
	}

	if got.Error != "" {
		t.Fatalf("unexpected error: %s", got.Error)
	}
	if !got.Modified || got.Inserted {
		t.Fatalf("expected an existing import map to be replaced, not inserted, got %+v", got)
	}

	content, err := mfs.ReadFile("/site/index.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(content), "my-app") {
		t.Errorf("expected the hand-written entry to survive the merge, got:\n%s", content)
	}
	if !strings.Contains(string(content), "lit") {
		t.Errorf("expected the optimizer's entry to be merged in, got:\n%s", content)
	}
}

func TestFreezeBatchDryRunDoesNotWrite(t *testing.T) {
	mfs := mapfs.New()
	original := "<html>\n<head>\n  <title>x</title>\n</head>\n</html>\n"
	mfs.AddFile("/site/index.html", original, 0644)

	im := &importmap.ImportMap{Imports: map[string]string{"lit": "/@hmrcore/deps/lit.js"}}

	results := snapshot.FreezeBatch(mfs, []string{"/site/index.html"}, im, 1, true)
	var got snapshot.Result
	for r := range results {
		got = r
	}

	if !got.Modified {
		t.Fatalf("expected dry-run result to still report Modified, got %+v", got)
	}

	content, err := mfs.ReadFile("/site/index.html")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != original {
		t.Errorf("dry-run must not write changes, file content changed:\n%s", content)
	}
}

func TestFreezeBatchSkipsUnchangedFile(t *testing.T) {
	mfs := mapfs.New()
	mfs.AddFile("/site/index.html", `<html>
<head>
  <script type="importmap">
{
  "imports": {
    "lit": "/@hmrcore/deps/lit.js"
  }
}
</script>
</head>
</html>
`, 0644)

	im := &importmap.ImportMap{Imports: map[string]string{"lit": "/@hmrcore/deps/lit.js"}}

	results := snapshot.FreezeBatch(mfs, []string{"/site/index.html"}, im, 1, false)
	var got snapshot.Result
	for r := range results {
		got = r
	}

	if got.Error != "" {
		t.Fatalf("unexpected error: %s", got.Error)
	}
	if got.Modified {
		t.Errorf("expected no modification when the existing import map already matches, got %+v", got)
	}
}
