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

// Package generate provides the generate command for hmrcore: a standalone
// import-map generator that either resolves package.json dependencies
// against local node_modules (the default) or, with --cdn-provider, against
// a CDN the same way `serve`/`snapshot` do via resolve/cdn.
package generate

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mappacdn "bennypowers.dev/hmrcore/cdn"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/internal/output"
	"bennypowers.dev/hmrcore/packagejson"
	"bennypowers.dev/hmrcore/resolve"
	cdnresolve "bennypowers.dev/hmrcore/resolve/cdn"
	"bennypowers.dev/hmrcore/resolve/local"
)

// Cmd is the generate cobra command that creates import maps from package.json dependencies.
var Cmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate import map from package.json",
	Long: `Generate an import map from package.json dependencies.

By default, generates local /node_modules paths. Use --template for custom paths.`,
	Example: `  # Generate import map with local paths (default)
  hmrcore generate

  # Custom local paths
  hmrcore generate --template "/assets/packages/{package}/{path}"

  # Include additional packages (e.g., devDependencies)
  hmrcore generate --include-package fuse.js

  # Merge with an existing import map (input map takes precedence)
  hmrcore generate --input-map manual-imports.json

  # Output as HTML script tag
  hmrcore generate --format html`,
	RunE: run,
}

func init() {
	Cmd.Flags().StringP("format", "f", "json", "Output format (json, html)")
	Cmd.Flags().String("input-map", "", "Import map file to merge with generated output")
	Cmd.Flags().StringArray("include-package", nil, "Additional packages to include (can be repeated)")
	Cmd.Flags().String("template", "", "URL template (default: /node_modules/{package}/{path})")
	Cmd.Flags().StringSlice("conditions", nil, "Export condition priority (e.g., production,browser,import,default)")
	Cmd.Flags().String("cdn-provider", "", "Resolve dependencies from a CDN (esm.sh, unpkg, jsdelivr) instead of local node_modules")

	_ = viper.BindPFlag("format", Cmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("input-map", Cmd.Flags().Lookup("input-map"))
	_ = viper.BindPFlag("include-package", Cmd.Flags().Lookup("include-package"))
	_ = viper.BindPFlag("template", Cmd.Flags().Lookup("template"))
	_ = viper.BindPFlag("conditions", Cmd.Flags().Lookup("conditions"))
	_ = viper.BindPFlag("cdn-provider", Cmd.Flags().Lookup("cdn-provider"))
}

func run(cmd *cobra.Command, args []string) error {
	osfs := fs.NewOSFileSystem()
	absRoot, err := filepath.Abs(viper.GetString("package"))
	if err != nil {
		return fmt.Errorf("invalid package directory: %w", err)
	}

	// Validate format flag
	format := viper.GetString("format")
	if format != "json" && format != "html" {
		return fmt.Errorf("invalid format %q: must be 'json' or 'html'", format)
	}

	// Get additional packages
	includePackages := viper.GetStringSlice("include-package")

	// Parse input map if provided
	var inputMap *importmap.ImportMap
	if inputMapPath := viper.GetString("input-map"); inputMapPath != "" {
		inputMapData, err := osfs.ReadFile(inputMapPath)
		if err != nil {
			return fmt.Errorf("failed to read input map: %w", err)
		}
		inputMap, err = importmap.Parse(inputMapData)
		if err != nil {
			return fmt.Errorf("failed to parse input map: %w", err)
		}
	}

	conditions := viper.GetStringSlice("conditions")

	var generatedMap *importmap.ImportMap
	if cdnProvider := viper.GetString("cdn-provider"); cdnProvider != "" {
		generatedMap, err = generateFromCDN(absRoot, osfs, cdnProvider, conditions)
	} else {
		// Get URL template (default to local node_modules)
		templateArg := viper.GetString("template")
		if templateArg == "" {
			templateArg = resolve.DefaultLocalTemplate
		}
		generatedMap, err = generateFromLocal(absRoot, osfs, templateArg, includePackages, inputMap, conditions)
	}
	if err != nil {
		return err
	}

	// Simplify the import map to remove entries covered by trailing-slash keys
	simplifiedMap := generatedMap.Simplify()

	return output.ImportMap(osfs, simplifiedMap, format)
}

// generateFromLocal resolves package.json dependencies against local
// node_modules, as the teacher's generate command always did.
func generateFromLocal(absRoot string, osfs fs.FileSystem, templateArg string, includePackages []string, inputMap *importmap.ImportMap, conditions []string) (*importmap.ImportMap, error) {
	resolver := local.New(osfs, nil)
	if len(includePackages) > 0 {
		resolver = resolver.WithPackages(includePackages)
	}
	resolver, err := resolver.WithTemplate(templateArg)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	if inputMap != nil {
		resolver = resolver.WithInputMap(inputMap)
	}
	if len(conditions) > 0 {
		resolver = resolver.WithConditions(conditions)
	}

	generatedMap, err := resolver.Resolve(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve: %w", err)
	}
	return generatedMap, nil
}

// generateFromCDN resolves package.json dependencies against a CDN, the
// same resolve/cdn.Resolver that backs `serve --cdn-provider` and
// `snapshot --cdn-provider`, so an import map produced here points
// straight at CDN-hosted modules rather than a local checkout.
func generateFromCDN(absRoot string, osfs fs.FileSystem, cdnProvider string, conditions []string) (*importmap.ImportMap, error) {
	pkg, err := packagejson.ParseFile(osfs, filepath.Join(absRoot, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("reading package.json: %w", err)
	}

	fetcher := mappacdn.NewHTTPFetcher()
	resolver := cdnresolve.New(fetcher)
	if provider := mappacdn.ProviderByName(cdnProvider); provider != nil {
		resolver = resolver.WithProvider(*provider)
	} else {
		return nil, fmt.Errorf("unknown cdn provider %q", cdnProvider)
	}
	if len(conditions) > 0 {
		resolver = resolver.WithConditions(conditions)
	}

	generatedMap, err := resolver.ResolvePackageJSON(context.Background(), pkg)
	if err != nil {
		return nil, fmt.Errorf("resolving from CDN: %w", err)
	}
	return generatedMap, nil
}
