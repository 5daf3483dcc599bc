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

// Package serve provides the serve command for hmrcore: the module dev
// server of spec.md §9, wiring the module graph, plugin container,
// transform pipeline, HMR propagator, client runtime, and file watcher
// behind one HTTP server.
package serve

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bennypowers.dev/hmrcore/bundler/concat"
	mappacdn "bennypowers.dev/hmrcore/cdn"
	"bennypowers.dev/hmrcore/client"
	"bennypowers.dev/hmrcore/devserver"
	"bennypowers.dev/hmrcore/fs"
	"bennypowers.dev/hmrcore/graph"
	"bennypowers.dev/hmrcore/hmr"
	"bennypowers.dev/hmrcore/optimize"
	"bennypowers.dev/hmrcore/packagejson"
	"bennypowers.dev/hmrcore/pluginhost"
	cdnresolve "bennypowers.dev/hmrcore/resolve/cdn"
	"bennypowers.dev/hmrcore/transform"
	"bennypowers.dev/hmrcore/watch"
)

// Cmd is the serve cobra command.
var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve ES modules with fine-grained hot module reloading",
	Long:  `serve starts a dev server that serves ES modules, applies on-demand transforms, and propagates hot updates over a WebSocket connection.`,
	RunE:  run,
}

func init() {
	Cmd.Flags().IntP("port", "P", 5173, "Port to listen on")
	Cmd.Flags().String("public-dir", "public", "Directory served verbatim at the site root")
	Cmd.Flags().String("cdn-provider", "", "CDN provider (esm.sh, unpkg, jsdelivr) to fall back to for dependencies missing from node_modules")
	Cmd.Flags().String("npm-registry", "", "npm registry URL used to resolve CDN-fallback version ranges (default: registry.npmjs.org)")
	_ = viper.BindPFlag("port", Cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("public-dir", Cmd.Flags().Lookup("public-dir"))
	_ = viper.BindPFlag("cdn-provider", Cmd.Flags().Lookup("cdn-provider"))
	_ = viper.BindPFlag("npm-registry", Cmd.Flags().Lookup("npm-registry"))
}

func run(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(viper.GetString("package"))
	if err != nil {
		return fmt.Errorf("invalid package directory: %w", err)
	}
	publicDir := filepath.Join(root, viper.GetString("public-dir"))
	port := viper.GetInt("port")

	osfs := fs.NewOSFileSystem()
	cdnProvider := viper.GetString("cdn-provider")

	resolveIDPlugin, resolveIDRegistrar, err := pluginhost.NewResolveIDPlugin(osfs, root)
	if err != nil {
		return fmt.Errorf("building resolve_id plugin: %w", err)
	}

	plugins := []*pluginhost.Plugin{resolveIDPlugin}
	if cdnProvider != "" {
		if rootPkg, err := packagejson.ParseFile(osfs, filepath.Join(root, "package.json")); err == nil {
			fetcher := mappacdn.NewHTTPFetcher()
			cdnResolver := cdnresolve.New(fetcher)
			if provider := mappacdn.ProviderByName(cdnProvider); provider != nil {
				cdnResolver = cdnResolver.WithProvider(*provider)
			}
			cdnPlugin, err := pluginhost.NewCDNResolvePlugin(context.Background(), cdnResolver, rootPkg)
			if err != nil {
				return fmt.Errorf("building cdn_resolve plugin: %w", err)
			}
			plugins = append(plugins, cdnPlugin)
		}
	}

	g := graph.New()
	container := pluginhost.New(plugins, osfs, []string{root}, nil)

	resolveFunc := graph.ResolveFunc(func(source string) (string, bool) {
		res, err := container.ResolveID(context.Background(), source, "")
		if err != nil || res == nil {
			return "", false
		}
		return res.ID, true
	})

	isPublic := func(url string) bool {
		return strings.HasPrefix(filepath.Join(root, url), publicDir)
	}
	resolveType := func(url string) graph.Type {
		if strings.HasSuffix(url, ".css") {
			return graph.TypeCSS
		}
		return graph.TypeJS
	}

	hub := client.NewHub()

	depsCacheDir := filepath.Join(root, "node_modules", ".hmrcore")
	cdnFallback := devserver.NewCDNFallbackResolver(cdnProvider, depsCacheDir, osfs, viper.GetString("npm-registry"))
	optimizerMeta, optimizedImportMap, err := devserver.RunOptimizer(osfs, root, depsCacheDir, cdnFallback)
	if err != nil {
		return fmt.Errorf("pre-bundling dependencies: %w", err)
	}

	for _, issue := range devserver.ValidateEntryImports(osfs, root) {
		log.Printf("import check: %s:%d imports %q (%s)", issue.File, issue.Line, issue.Specifier, issue.IssueType)
	}

	var watcher *watch.Watcher

	pipeline := transform.New(g, container, osfs, watcherAdapter{&watcher}, isPublic, resolveType)
	propagator := hmr.New(g, container, resolveFunc, hmr.Options{
		ClientRuntimeDir: filepath.Join(root, "@hmrcore"),
		ConfigFiles:      []string{filepath.Join(root, "hmrcore.config.js")},
	})

	lockfile, _ := osfs.ReadFile(filepath.Join(root, "package-lock.json"))
	discoverer := devserver.NewRuntimeDepDiscoverer(
		osfs, root, depsCacheDir,
		resolveIDRegistrar, cdnFallback, hub, pipeline,
		concat.New(osfs),
		lockfile, optimize.ConfigSubset{Mode: "development", Root: root},
		optimizedImportMap, optimizerMeta,
	)
	pipeline.ConfigureDepDiscovery(resolveIDRegistrar.Known, discoverer)

	server := &devserver.Server{
		Graph:      g,
		Container:  container,
		Pipeline:   pipeline,
		Propagator: propagator,
		Hub:        hub,
		Resolve:    resolveFunc,
		ImportMap:  optimizedImportMap,
		Root:       root,
	}

	watcher, err = watch.New(func(ev watch.Event) {
		server.OnFileEvent(ev, func(ctx context.Context) ([]byte, error) {
			return osfs.ReadFile(ev.Path)
		})
	}, nil)
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	server.Watcher = watcher
	if err := watcher.WatchTree(root); err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}
	go watcher.Run()
	defer watcher.Close()

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	mux.Handle("/@hmrcore/client.js", client.Handler(client.InjectedConfig{
		Base:          "/",
		HMRProtocol:   "ws",
		Hostname:      "localhost",
		Port:          strconv.Itoa(port),
		PingTimeoutMs: 30000,
		Overlay:       true,
	}))
	mux.Handle("/@hmrcore/deps/", http.StripPrefix("/@hmrcore/deps/", http.FileServer(http.Dir(depsCacheDir))))

	addr := ":" + strconv.Itoa(port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("hmrcore dev server listening on http://localhost%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		log.Printf("shutting down: draining in-flight transforms")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pipeline.Drain(shutdownCtx); err != nil {
		log.Printf("drain timed out: %v", err)
	}

	return httpServer.Shutdown(shutdownCtx)
}

// watcherAdapter lets transform.Pipeline depend on *watch.Watcher before
// it has been constructed: New() needs a Watcher interface value at
// construction time, but the concrete *watch.Watcher isn't built until
// after the server callback closure exists.
type watcherAdapter struct {
	target **watch.Watcher
}

func (w watcherAdapter) Watch(file string) error {
	if *w.target == nil {
		return nil
	}
	return (*w.target).Watch(file)
}
