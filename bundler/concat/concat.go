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

// Package concat is the default bundler.Bundler: it writes one ESM output
// file per entry, substituting defines textually the way esbuild's --define
// does, and a metafile describing the batch. It is a link step, not an
// optimizing bundler — grounded on other_examples' jsbld linker, whose
// bundle() concatenates each module's source behind a CommonJS require()
// runtime; this reimplements that shape for ESM: one file per dep instead
// of one IIFE, re-export passthrough instead of a require() registry.
package concat

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"bennypowers.dev/hmrcore/bundler"
	"bennypowers.dev/hmrcore/fs"
)

// Bundler is the default concat-based bundler.Bundler.
type Bundler struct {
	fs fs.FileSystem
}

// New constructs a concat Bundler reading sources through filesystem.
func New(filesystem fs.FileSystem) *Bundler {
	return &Bundler{fs: filesystem}
}

var (
	exportNamedRe  = regexp.MustCompile(`(?m)^export\s+(?:const|let|var|function\*?|class|async\s+function)\s+([A-Za-z_$][\w$]*)`)
	exportBraceRe  = regexp.MustCompile(`(?m)^export\s*\{([^}]*)\}`)
	exportDefaultRe = regexp.MustCompile(`(?m)^export\s+default\b`)
	exportStarRe   = regexp.MustCompile(`(?m)^export\s*\*`)
)

// FlattenID converts a bare-import raw id into a filename-safe id by
// flattening path separators, per §4.G step 6 ("per-entry flattening of
// slashes to filename-safe ids").
func FlattenID(rawID string) string {
	replaced := strings.NewReplacer("/", "_", "\\", "_").Replace(rawID)
	return replaced
}

// Bundle writes one output file per entry under outDir, applies opts.Defines
// as textual substitutions, and reports each entry's naive export shape.
func (b *Bundler) Bundle(ctx context.Context, entries []bundler.Entry, outDir string, opts bundler.Options) ([]bundler.Output, error) {
	var metafileInputs map[string]any
	if opts.Metafile {
		metafileInputs = make(map[string]any, len(entries))
	}

	outputs := make([]bundler.Output, 0, len(entries))
	for _, entry := range entries {
		data, err := b.fs.ReadFile(entry.File)
		if err != nil {
			return nil, fmt.Errorf("concat: reading %s: %w", entry.File, err)
		}
		code := string(data)
		code = applyDefines(code, opts.Defines)

		id := FlattenID(entry.RawID)
		outFile := filepath.Join(outDir, id+".js")
		if err := b.fs.WriteFile(outFile, []byte(code), 0o644); err != nil {
			return nil, fmt.Errorf("concat: writing %s: %w", outFile, err)
		}

		if opts.SourceMaps {
			mapFile := outFile + ".map"
			srcMap := fmt.Sprintf(`{"version":3,"sources":[%q],"sourcesContent":[%s],"mappings":""}`, entry.File, mustJSONString(code))
			if err := b.fs.WriteFile(mapFile, []byte(srcMap), 0o644); err != nil {
				return nil, fmt.Errorf("concat: writing %s: %w", mapFile, err)
			}
		}

		names, hasDefault, hasReExports := detectExports(code)
		outputs = append(outputs, bundler.Output{
			RawID:        entry.RawID,
			File:         outFile,
			Exports:      names,
			HasDefault:   hasDefault,
			HasReExports: hasReExports,
		})

		if metafileInputs != nil {
			metafileInputs[entry.RawID] = map[string]any{
				"bytes":  len(data),
				"output": outFile,
			}
		}
	}

	if opts.Metafile {
		meta, err := json.Marshal(map[string]any{"inputs": metafileInputs})
		if err != nil {
			return nil, fmt.Errorf("concat: marshaling metafile: %w", err)
		}
		if err := b.fs.WriteFile(filepath.Join(outDir, "metafile.json"), meta, 0o644); err != nil {
			return nil, fmt.Errorf("concat: writing metafile: %w", err)
		}
	}

	return outputs, nil
}

func applyDefines(code string, defines map[string]string) string {
	if len(defines) == 0 {
		return code
	}
	for key, value := range defines {
		code = strings.ReplaceAll(code, key, value)
	}
	return code
}

func mustJSONString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(encoded)
}

// detectExports performs the same kind of permissive, regex-based
// detection the accept-dep lexer uses for accept() calls: the bundler's own
// output conventions (one declaration per line) make a full parser
// unnecessary for this naive default implementation.
func detectExports(code string) (names []string, hasDefault bool, hasReExports bool) {
	if exportDefaultRe.MatchString(code) {
		hasDefault = true
	}
	if exportStarRe.MatchString(code) {
		hasReExports = true
	}
	for _, m := range exportNamedRe.FindAllStringSubmatch(code, -1) {
		names = append(names, m[1])
	}
	for _, m := range exportBraceRe.FindAllStringSubmatch(code, -1) {
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if idx := strings.Index(part, " as "); idx >= 0 {
				part = strings.TrimSpace(part[idx+len(" as "):])
			}
			if part == "default" {
				hasDefault = true
				continue
			}
			names = append(names, part)
		}
	}
	return names, hasDefault, hasReExports
}
