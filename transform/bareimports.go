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

package transform

import "regexp"

// bareImports extracts the bare-specifier argument of every static or
// dynamic import in code, deduplicated and in first-seen order. Like
// optimize.analyzeExports, this is a lightweight scan rather than a full
// parser — the runtime dep-discovery path only needs the specifier text.
var (
	staticFromImportRe = regexp.MustCompile(`(?m)\bfrom\s+['"]([^./'"][^'"]*)['"]`)
	sideEffectImportRe = regexp.MustCompile(`(?m)^\s*import\s+['"]([^./'"][^'"]*)['"]`)
	dynamicImportRe    = regexp.MustCompile(`\bimport\(\s*['"]([^./'"][^'"]*)['"]\s*\)`)
)

func bareImports(code string) []string {
	seen := make(map[string]struct{})
	var out []string
	collect := func(matches [][]string) {
		for _, m := range matches {
			spec := m[1]
			if _, ok := seen[spec]; ok {
				continue
			}
			seen[spec] = struct{}{}
			out = append(out, spec)
		}
	}
	collect(staticFromImportRe.FindAllStringSubmatch(code, -1))
	collect(sideEffectImportRe.FindAllStringSubmatch(code, -1))
	collect(dynamicImportRe.FindAllStringSubmatch(code, -1))
	return out
}
