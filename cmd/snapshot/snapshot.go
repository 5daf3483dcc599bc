/*
Copyright © 2026 Benny Powers <web@bennypowers.com>

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

// Package snapshot provides the snapshot command for hmrcore: it freezes a
// resolved dev session into static HTML by injecting the dependency
// optimizer's resolved import map (the same one served at GET /@importmap)
// into entry HTML files, so a reproduction can be shared without the dev
// server running.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/hmrcore/devserver"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/snapshot"
)

// Cmd is the snapshot command.
var Cmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Freeze a resolved dev session into static HTML import maps",
	Long: `Runs the dependency optimizer against the project and injects its
resolved import map into entry HTML files' <script type="importmap"> tags,
merging with anything already there. Unlike "hmrcore inject" (which maps
bare specifiers straight into node_modules), snapshot points specifiers at
the optimizer's pre-bundled /@hmrcore/deps/ cache, mirroring exactly what a
running "hmrcore serve" would resolve them to.`,
	Example: `  # Freeze all HTML files under _site
  hmrcore snapshot --glob "_site/**/*.html"

  # Dry run to see what would change
  hmrcore snapshot --glob "_site/**/*.html" --dry-run`,
	RunE: run,
}

func init() {
	Cmd.Flags().String("glob", "", "Glob pattern to match HTML files (required)")
	Cmd.Flags().IntP("jobs", "j", 0, "Number of parallel workers (default: number of CPUs)")
	Cmd.Flags().Bool("dry-run", false, "Show what would change without modifying files")
	Cmd.Flags().StringP("format", "f", "text", "Output format (text, json)")
	Cmd.Flags().String("cdn-provider", "", "CDN provider (esm.sh, unpkg, jsdelivr) to fall back to for dependencies missing from node_modules")
	Cmd.Flags().String("npm-registry", "", "npm registry URL used to resolve CDN-fallback version ranges (default: registry.npmjs.org)")
}

func run(cmd *cobra.Command, args []string) error {
	osfs := fs.NewOSFileSystem()

	root, err := filepath.Abs(viper.GetString("package"))
	if err != nil {
		return fmt.Errorf("invalid package directory: %w", err)
	}

	globPattern, _ := cmd.Flags().GetString("glob")
	if globPattern == "" {
		return fmt.Errorf("--glob is required")
	}

	matches, err := doublestar.FilepathGlob(globPattern)
	if err != nil {
		return fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		fmt.Fprintln(os.Stderr, "Warning: no files matched the glob pattern")
		return nil
	}

	seen := make(map[string]struct{})
	var files []string
	for _, match := range matches {
		absPath, err := filepath.Abs(match)
		if err != nil {
			return fmt.Errorf("invalid file path %q: %w", match, err)
		}
		if _, exists := seen[absPath]; !exists {
			seen[absPath] = struct{}{}
			files = append(files, absPath)
		}
	}

	cacheDir := filepath.Join(root, "node_modules", ".hmrcore")
	cdnProvider, _ := cmd.Flags().GetString("cdn-provider")
	npmRegistry, _ := cmd.Flags().GetString("npm-registry")
	cdnFallback := devserver.NewCDNFallbackResolver(cdnProvider, cacheDir, osfs, npmRegistry)
	_, im, err := devserver.RunOptimizer(osfs, root, cacheDir, cdnFallback)
	if err != nil {
		return fmt.Errorf("running dependency optimizer: %w", err)
	}

	parallel, _ := cmd.Flags().GetInt("jobs")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	format, _ := cmd.Flags().GetString("format")

	results := snapshot.FreezeBatch(osfs, files, im, parallel, dryRun)

	var stats snapshot.Stats
	stats.Total = len(files)

	encoder := json.NewEncoder(os.Stdout)
	for result := range results {
		switch {
		case result.Error != "":
			stats.Errors++
			if format == "json" {
				_ = encoder.Encode(result)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %s: %s\n", result.File, result.Error)
			}
		case result.Modified:
			if result.Inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
			if format == "json" {
				_ = encoder.Encode(result)
			} else if dryRun {
				action := "would update"
				if result.Inserted {
					action = "would insert into"
				}
				fmt.Printf("%s %s\n", action, result.File)
			}
		default:
			stats.Skipped++
		}
	}

	if format == "text" {
		if dryRun {
			fmt.Printf("\nDry run: %d files would be modified (%d updated, %d new), %d unchanged, %d errors\n",
				stats.Updated+stats.Inserted, stats.Updated, stats.Inserted, stats.Skipped, stats.Errors)
		} else {
			fmt.Printf("Snapshotted: %d files modified (%d updated, %d new), %d unchanged, %d errors\n",
				stats.Updated+stats.Inserted, stats.Updated, stats.Inserted, stats.Skipped, stats.Errors)
		}
	} else {
		statsJSON, _ := json.Marshal(stats)
		fmt.Println(string(statsJSON))
	}

	if stats.Errors == stats.Total {
		return fmt.Errorf("all %d files failed", stats.Errors)
	}
	return nil
}
