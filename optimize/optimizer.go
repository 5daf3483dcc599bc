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

// Package optimize implements the dependency optimizer (spec.md §4.G): a
// hash-gated pre-bundle pass that scans, bundles, and records metadata
// about every bare-module dependency a project uses, so the browser can
// request them pre-bundled instead of one-file-per-module.
package optimize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"bennypowers.dev/hmrcore/bundler"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/scan"
)

// Entry is one dependency's persisted metadata (§3 "Optimizer Metadata").
type Entry struct {
	File         string
	Src          string
	NeedsInterop bool
	HasReExports bool
}

// Metadata is the optimizer's persisted state, written alongside the cache
// directory (§3, §4.G step 8).
type Metadata struct {
	MainHash    string
	BrowserHash string
	Optimized   map[string]Entry
}

// ConfigSubset is the part of resolved config that feeds main_hash (§4.G):
// "mode, root, resolve, assetsInclude, plugin names, and
// optimizeDeps.{include,exclude}". Functions and regexps must already be
// stringified by the caller before being placed in AssetsInclude etc. —
// the optimizer only ever hashes strings.
type ConfigSubset struct {
	Mode          string
	Root          string
	Resolve       string
	AssetsInclude []string
	PluginNames   []string
	Include       []string
	Exclude       []string
}

func (c ConfigSubset) canonicalJSON() []byte {
	sorted := func(ss []string) []string {
		out := append([]string(nil), ss...)
		sort.Strings(out)
		return out
	}
	data, _ := json.Marshal(struct {
		Mode          string   `json:"mode"`
		Root          string   `json:"root"`
		Resolve       string   `json:"resolve"`
		AssetsInclude []string `json:"assetsInclude"`
		PluginNames   []string `json:"pluginNames"`
		Include       []string `json:"include"`
		Exclude       []string `json:"exclude"`
	}{c.Mode, c.Root, c.Resolve, sorted(c.AssetsInclude), c.PluginNames, sorted(c.Include), sorted(c.Exclude)})
	return data
}

// MainHash computes main_hash = hash(lockfileContents + configSubset) per
// §4.G.
func MainHash(lockfileContents []byte, cfg ConfigSubset) string {
	h := sha256.New()
	h.Write(lockfileContents)
	h.Write(cfg.canonicalJSON())
	return hex.EncodeToString(h.Sum(nil))
}

// BrowserHash computes browser_hash = hash(main_hash + JSON(deps))[:8],
// which "invalidates browser-side URLs without invalidating disk
// artifacts" (§4.G step 4).
func BrowserHash(mainHash string, deps map[string]string) string {
	depsJSON, _ := json.Marshal(deps)
	h := sha256.New()
	h.Write([]byte(mainHash))
	h.Write(depsJSON)
	sum := hex.EncodeToString(h.Sum(nil))
	return sum[:8]
}

// interopAllowlist names packages known to ship CJS/UMD in a way that
// always needs an interop default wrapper even when the bundled output
// superficially looks ESM-shaped. This is necessarily a fixed, curated
// list — see DESIGN.md's Open Question decision.
var interopAllowlist = map[string]bool{
	"react":     true,
	"react-dom": true,
	"prop-types": true,
}

// Options configures a Run.
type Options struct {
	LockfileContents []byte
	Config           ConfigSubset
	Force            bool
	// NewDeps, when non-nil, is used directly instead of running the
	// scanner (§4.G "runtime path").
	NewDeps map[string]string // raw_id -> resolved file
	// Entries are the scan entry points, used only when NewDeps is nil.
	Entries []string

	CacheDir string
	Scanner  *scan.Scanner
	Bundler  bundler.Bundler
	FS       fs.FileSystem
	Defines  map[string]string
}

// Run executes the optimizer algorithm of §4.G steps 1-8. previous may be
// nil on first run.
func Run(ctx context.Context, previous *Metadata, opts Options) (*Metadata, error) {
	mainHash := MainHash(opts.LockfileContents, opts.Config)

	// Step 1: skip if unchanged and not forced.
	if !opts.Force && previous != nil && previous.MainHash == mainHash {
		return previous, nil
	}

	// Step 2: clear stale bundle artifacts from a previous run, then
	// (re)create the cache directory and write a fresh ESM marker. The
	// cdn/ subdirectory is left in place — it's the CDN fallback's own
	// persistent package cache, not bundler output, and clearing it here
	// would force every CDN-resolved dependency to be re-fetched on the
	// next request that needs it.
	if entries, err := opts.FS.ReadDir(opts.CacheDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := opts.FS.Remove(filepath.Join(opts.CacheDir, entry.Name())); err != nil {
				return nil, fmt.Errorf("optimize: clearing stale artifact %s: %w", entry.Name(), err)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("optimize: reading cache dir: %w", err)
	}
	if err := opts.FS.MkdirAll(opts.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("optimize: creating cache dir: %w", err)
	}
	marker := filepath.Join(opts.CacheDir, "package.json")
	if err := opts.FS.WriteFile(marker, []byte(`{"type":"module"}`), 0o644); err != nil {
		return nil, fmt.Errorf("optimize: writing esm marker: %w", err)
	}

	// Step 3: use newDeps directly, or run the scanner.
	deps := opts.NewDeps
	if deps == nil {
		if opts.Scanner == nil {
			return nil, fmt.Errorf("optimize: no scanner configured and no newDeps given")
		}
		result, err := opts.Scanner.Scan(opts.Entries)
		if err != nil {
			return nil, fmt.Errorf("optimize: scanning: %w", err)
		}
		deps = result.Deps
	}

	// Step 4: browser_hash.
	browserHash := BrowserHash(mainHash, deps)

	// Step 5: parse each dep's source export list (pre-bundle).
	sourceShapes := make(map[string]exportShape, len(deps))
	for rawID, file := range deps {
		data, err := opts.FS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("optimize: reading %s: %w", file, err)
		}
		sourceShapes[rawID] = analyzeExports(string(data))
	}

	// Step 6: bundle all deps in one invocation.
	entries := make([]bundler.Entry, 0, len(deps))
	for rawID, file := range deps {
		entries = append(entries, bundler.Entry{RawID: rawID, File: file})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RawID < entries[j].RawID })

	bundled, err := opts.Bundler.Bundle(ctx, entries, opts.CacheDir, bundler.Options{
		Defines:       mergeDefines(opts.Defines),
		SourceMaps:    true,
		Metafile:      true,
		CodeSplitting: true,
	})
	if err != nil {
		return nil, fmt.Errorf("optimize: bundling: %w", err)
	}

	// Steps 7-8: needs_interop, persist metadata.
	optimized := make(map[string]Entry, len(bundled))
	for _, out := range bundled {
		shape := sourceShapes[out.RawID]
		// A dep that only re-exports from other modules (export * from) has
		// no bindings of its own for the bundler to see as named exports, so
		// it reads the same as a no-exports CJS blob unless it also ships a
		// default export; treat it as needing interop under the same rule.
		needsInterop := interopAllowlist[baseName(out.RawID)] ||
			(!shape.hasImports && !shape.hasExports) ||
			(out.HasDefault && len(out.Exports) == 0 && !shape.isDefaultOnly) ||
			(shape.hasReExports && len(out.Exports) == 0 && !out.HasDefault)

		optimized[out.RawID] = Entry{
			File:         out.File,
			Src:          deps[out.RawID],
			NeedsInterop: needsInterop,
			HasReExports: shape.hasReExports,
		}
	}

	meta := &Metadata{MainHash: mainHash, BrowserHash: browserHash, Optimized: optimized}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("optimize: marshaling metadata: %w", err)
	}
	if err := opts.FS.WriteFile(filepath.Join(opts.CacheDir, "_metadata.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("optimize: writing metadata: %w", err)
	}

	return meta, nil
}

// LoadMetadata reads back the metadata Run persisted in a previous process,
// so a server restart (or the snapshot command) can reuse a warm cache
// instead of re-bundling from scratch. Returns nil, nil if no metadata file
// exists yet.
func LoadMetadata(filesystem fs.FileSystem, cacheDir string) (*Metadata, error) {
	data, err := filesystem.ReadFile(filepath.Join(cacheDir, "_metadata.json"))
	if err != nil {
		return nil, nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("optimize: parsing cached metadata: %w", err)
	}
	return &meta, nil
}

func mergeDefines(defines map[string]string) map[string]string {
	merged := map[string]string{"process.env.NODE_ENV": `"production"`}
	for k, v := range defines {
		merged[k] = v
	}
	return merged
}

func baseName(rawID string) string {
	if idx := strings.IndexByte(rawID, '/'); idx >= 0 && !strings.HasPrefix(rawID, "@") {
		return rawID[:idx]
	}
	if strings.HasPrefix(rawID, "@") {
		parts := strings.SplitN(rawID, "/", 3)
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
	}
	return rawID
}

type exportShape struct {
	hasImports    bool
	hasExports    bool
	hasReExports  bool
	isDefaultOnly bool
}

var (
	importRe       = regexp.MustCompile(`(?m)^\s*import\b`)
	exportAnyRe    = regexp.MustCompile(`(?m)^\s*export\b`)
	exportDefaultRe = regexp.MustCompile(`(?m)^\s*export\s+default\b`)
	exportStarRe   = regexp.MustCompile(`(?m)^\s*export\s*\*`)
)

// analyzeExports implements §4.G step 5's "parse its export list". Like the
// accept-dep lexer, this is deliberately a lightweight scan rather than a
// full parser — the optimizer only needs shape, not bindings.
func analyzeExports(code string) exportShape {
	exportLines := exportAnyRe.FindAllString(code, -1)
	shape := exportShape{
		hasImports:   importRe.MatchString(code),
		hasExports:   len(exportLines) > 0,
		hasReExports: exportStarRe.MatchString(code),
	}
	if len(exportLines) == 1 && exportDefaultRe.MatchString(code) {
		shape.isDefaultOnly = true
	}
	return shape
}
