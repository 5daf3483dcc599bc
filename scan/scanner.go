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

// Package scan crawls HTML and JS entry points to enumerate the bare-module
// imports a dependency optimizer needs to pre-bundle (spec.md §4.F). It
// reuses the teacher's tree-sitter-backed extraction (trace.ExtractScripts,
// trace.ExtractImports) rather than hand-rolling a second JS/HTML parser.
package scan

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/trace"
)

// Result is what the scanner returns to its caller: the resolved deps map
// plus any bare imports it could not resolve, for diagnostics (§4.F).
type Result struct {
	Deps    map[string]string // raw_id -> resolved file
	Missing map[string]string // raw_id -> importer
}

var htmlLikeExt = map[string]bool{
	".html":  true,
	".vue":   true,
	".svelte": true,
	".astro": true,
}

var cssFamilyExt = map[string]bool{
	".css":   true,
	".scss":  true,
	".sass":  true,
	".less":  true,
	".styl":  true,
	".stylus": true,
}

var knownAssetExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".webp": true, ".avif": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp4": true, ".webm": true, ".mp3": true, ".wav": true,
	".json": true, ".wasm": true,
}

var specialQueryVariants = []string{"?worker", "?raw"}

// globCallRe extracts the pattern argument of import.meta.glob("...") calls
// (§4.F "rewritten via the glob transformer"); the scanner only needs to
// detect their presence and pattern, not perform the rewrite itself.
var globCallRe = regexp.MustCompile(`import\.meta\.glob\(\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]`)

// Resolver decides, for a bare specifier, whether it is explicitly included
// or resolvable into node_modules, and if so to what file. This is the
// scanner's "external bundler" collaborator seam (§4.F): hmrcore backs it
// with the resolve/importmap machinery rather than re-implementing Node
// module resolution.
type Resolver interface {
	Resolve(specifier string) (file string, ok bool)
}

// EntryDiscovery implements §4.F's entry-discovery precedence:
// optimizeDeps.entries glob > external bundler input list > **/*.html.
func EntryDiscovery(filesystem fs.FileSystem, root string, entriesGlob []string, bundlerInputs []string) ([]string, error) {
	var patterns []string
	switch {
	case len(entriesGlob) > 0:
		patterns = entriesGlob
	case len(bundlerInputs) > 0:
		return filterExisting(filesystem, bundlerInputs), nil
	default:
		patterns = []string{"**/*.html"}
	}

	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(filepath.Join(root, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return filterExisting(filesystem, filterJSOrHTMLLike(out)), nil
}

func filterExisting(filesystem fs.FileSystem, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if filesystem.Exists(p) {
			out = append(out, p)
		}
	}
	return out
}

func filterJSOrHTMLLike(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		if htmlLikeExt[ext] || ext == ".js" || ext == ".mjs" || ext == ".ts" || ext == ".jsx" || ext == ".tsx" {
			out = append(out, p)
		}
	}
	return out
}

// Scanner crawls entry points, classifying every import per §4.F.
type Scanner struct {
	fs       fs.FileSystem
	resolver Resolver

	deps    map[string]string
	missing map[string]string
	visited map[string]bool
}

// New constructs a Scanner backed by filesystem for reads and resolver for
// deciding whether a bare specifier is externalized into deps.
func New(filesystem fs.FileSystem, resolver Resolver) *Scanner {
	return &Scanner{
		fs:       filesystem,
		resolver: resolver,
		deps:     make(map[string]string),
		missing:  make(map[string]string),
		visited:  make(map[string]bool),
	}
}

// Scan crawls every entry and returns the accumulated deps/missing maps.
func (s *Scanner) Scan(entries []string) (*Result, error) {
	for _, entry := range entries {
		if err := s.crawlFile(entry); err != nil {
			return nil, err
		}
	}
	return &Result{Deps: s.deps, Missing: s.missing}, nil
}

func (s *Scanner) crawlFile(file string) error {
	if s.visited[file] {
		return nil
	}
	s.visited[file] = true

	data, err := s.fs.ReadFile(file)
	if err != nil {
		return nil
	}

	ext := strings.ToLower(filepath.Ext(file))
	if htmlLikeExt[ext] {
		return s.crawlHTMLLike(file, data)
	}
	return s.crawlJS(file, data)
}

// crawlHTMLLike extracts script contents the way §4.F describes:
// type="module" for HTML, plain <script> for SFC variants; src= references
// become "import ...", inline scripts get loader detection and bare-import
// preservation for template-only bindings.
func (s *Scanner) crawlHTMLLike(file string, data []byte) error {
	scripts, err := trace.ExtractScripts(data)
	if err != nil {
		return nil
	}
	dir := filepath.Dir(file)

	for _, script := range scripts {
		if script.Type != "" && script.Type != "module" && isKnownNonJSType(script.Type) {
			continue
		}
		if script.Src != "" {
			target := resolvePath(dir, script.Src)
			if err := s.crawlFile(target); err != nil {
				return err
			}
			continue
		}
		if script.Inline && script.Content != "" {
			if err := s.crawlImports(file, []byte(script.Content)); err != nil {
				return err
			}
		}
	}
	return nil
}

// isKnownNonJSType reports whether a <script type="..."> is a recognized
// non-executable payload (e.g. application/ld+json) that should be skipped
// rather than treated as an inline script with an unusual loader.
func isKnownNonJSType(t string) bool {
	switch t {
	case "application/ld+json", "application/json", "importmap", "speculationrules":
		return true
	default:
		return false
	}
}

func (s *Scanner) crawlJS(file string, data []byte) error {
	if globCallRe.Match(data) {
		// import.meta.glob patterns are expanded by the external glob
		// transformer, not by the scanner; the scanner's job here ends
		// at detection.
	}
	return s.crawlImports(file, data)
}

func (s *Scanner) crawlImports(importer string, content []byte) error {
	imports, err := trace.ExtractImports(content)
	if err != nil {
		return nil
	}
	for _, imp := range imports {
		if err := s.classify(importer, imp.Specifier); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) classify(importer, specifier string) error {
	if isExternalURL(specifier) {
		return nil
	}
	if hasSpecialQueryVariant(specifier) {
		return nil
	}
	base := stripQuery(specifier)
	ext := strings.ToLower(filepath.Ext(base))
	if cssFamilyExt[ext] || knownAssetExt[ext] {
		return nil
	}

	if !isBareSpecifier(specifier) {
		target := resolvePath(filepath.Dir(importer), specifier)
		return s.crawlFile(target)
	}

	if s.resolver != nil {
		if file, ok := s.resolver.Resolve(specifier); ok {
			s.deps[specifier] = file
			return nil
		}
	}
	s.missing[specifier] = importer
	return nil
}

func isExternalURL(specifier string) bool {
	if strings.HasPrefix(specifier, "data:") {
		return true
	}
	return strings.Contains(specifier, "://")
}

func hasSpecialQueryVariant(specifier string) bool {
	for _, v := range specialQueryVariants {
		if strings.Contains(specifier, v) {
			return true
		}
	}
	return false
}

func stripQuery(specifier string) string {
	if idx := strings.IndexByte(specifier, '?'); idx >= 0 {
		return specifier[:idx]
	}
	return specifier
}

// isBareSpecifier mirrors trace's unexported helper of the same purpose:
// bare specifiers start with a word character or "@", not "./", "../", or
// "/", and are not already a URL.
func isBareSpecifier(specifier string) bool {
	if specifier == "" {
		return false
	}
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		return false
	}
	if strings.Contains(specifier, "://") {
		return false
	}
	return true
}

func resolvePath(baseDir, specifier string) string {
	if strings.HasPrefix(specifier, "/") {
		return specifier
	}
	return filepath.Join(baseDir, specifier)
}
