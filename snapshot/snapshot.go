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

// Package snapshot injects a precomputed import map into HTML files'
// <script type="importmap"> tags, merging with anything already there. It
// is the same "rewrite an import-map script tag in HTML" operation as
// package inject, adapted so the import map comes from a single resolved
// optimize.Metadata rather than from per-file trace-and-resolve.
package snapshot

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/inject"
	"bennypowers.dev/hmrcore/trace"
)

// Result holds the result of freezing a single HTML file.
type Result struct {
	File     string `json:"file"`
	Modified bool   `json:"modified"`
	Inserted bool   `json:"inserted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Stats holds aggregate statistics from a snapshot operation.
type Stats struct {
	Total    int `json:"total"`
	Updated  int `json:"updated"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

// FreezeBatch injects im into every file in files, merging with each file's
// existing import map if one is present. parallel <= 0 defaults to the
// number of CPUs, matching inject.InjectBatch.
func FreezeBatch(filesystem fs.FileSystem, files []string, im *importmap.ImportMap, parallel int, dryRun bool) <-chan Result {
	results := make(chan Result, len(files))

	go func() {
		defer close(results)

		if parallel <= 0 {
			parallel = runtime.NumCPU()
		}

		jobs := make(chan string, len(files))

		var wg sync.WaitGroup
		for range parallel {
			wg.Go(func() {
				for htmlFile := range jobs {
					results <- freezeFile(filesystem, htmlFile, im, dryRun)
				}
			})
		}

		for _, file := range files {
			jobs <- file
		}
		close(jobs)

		wg.Wait()
	}()

	return results
}

func freezeFile(filesystem fs.FileSystem, htmlFile string, im *importmap.ImportMap, dryRun bool) Result {
	result := Result{File: htmlFile}

	content, err := filesystem.ReadFile(htmlFile)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	loc := trace.FindImportMapTag(content)

	var existingMap *importmap.ImportMap
	if loc.Found {
		existingJSON := content[loc.ContentStart:loc.ContentEnd]
		if len(strings.TrimSpace(string(existingJSON))) > 0 {
			existingMap = &importmap.ImportMap{}
			if err := json.Unmarshal(existingJSON, existingMap); err != nil {
				result.Error = fmt.Sprintf("failed to parse existing import map at line %d: %v", loc.Line, err)
				return result
			}
		}
	}

	mergedMap := im
	if existingMap != nil {
		mergedMap = existingMap.Merge(im)
	}
	mergedMap = mergedMap.Simplify()

	newContent, inserted, err := inject.BuildImportMapContent(content, loc, mergedMap)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if string(newContent) == string(content) {
		return result
	}

	result.Modified = true
	result.Inserted = inserted

	if !dryRun {
		if err := filesystem.WriteFile(htmlFile, newContent, 0o644); err != nil {
			result.Error = err.Error()
			return result
		}
	}

	return result
}
