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
	"context"
	"testing"

	"bennypowers.dev/hmrcore/bundler"
	"bennypowers.dev/hmrcore/client"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/internal/mapfs"
	"bennypowers.dev/hmrcore/optimize"
	"bennypowers.dev/hmrcore/pluginhost"
)

type fakeBundler struct{}

func (fakeBundler) Bundle(ctx context.Context, entries []bundler.Entry, outDir string, opts bundler.Options) ([]bundler.Output, error) {
	out := make([]bundler.Output, 0, len(entries))
	for _, e := range entries {
		out = append(out, bundler.Output{RawID: e.RawID, File: outDir + "/" + e.RawID + ".js"})
	}
	return out, nil
}

type fakePending struct{ resolved bool }

func (f *fakePending) BeginPendingReload() func() {
	return func() { f.resolved = true }
}

type fakeCDNFallback struct {
	specifier string
	file      string
}

func (f fakeCDNFallback) Resolve(specifier string) (string, bool) {
	if specifier == f.specifier {
		return f.file, true
	}
	return "", false
}

func TestDiscoverDepViaLocalNodeModules(t *testing.T) {
	files := mapfs.New()
	files.AddFile("/app/package.json", `{"name":"app"}`, 0o644)
	files.AddFile("/app/node_modules/lodash-es/package.json", `{"name":"lodash-es","main":"lodash.js"}`, 0o644)
	files.AddFile("/app/node_modules/lodash-es/lodash.js", "export const noop = () => {};\n", 0o644)

	_, registrar, err := pluginhost.NewResolveIDPlugin(files, "/app")
	if err != nil {
		t.Fatal(err)
	}
	hub := client.NewHub()
	pending := &fakePending{}
	im := &importmap.ImportMap{Imports: map[string]string{}}

	d := NewRuntimeDepDiscoverer(files, "/app", "/app/node_modules/.hmrcore", registrar, nil, hub, pending, fakeBundler{}, nil, optimize.ConfigSubset{}, im, nil)

	file, ok := d.DiscoverDep(context.Background(), "lodash-es")
	if !ok {
		t.Fatalf("expected lodash-es to be discovered")
	}
	if file != "/app/node_modules/lodash-es/lodash.js" {
		t.Fatalf("got resolved file %q", file)
	}
	if !registrar.Known("lodash-es") {
		t.Fatalf("expected lodash-es to be registered")
	}
	if !pending.resolved {
		t.Fatalf("expected the pending-reload future to be resolved")
	}
	if _, ok := im.Imports["lodash-es"]; !ok {
		t.Fatalf("expected the import map to gain a lodash-es entry, got %+v", im.Imports)
	}
}

func TestDiscoverDepFallsBackToCDN(t *testing.T) {
	files := mapfs.New()
	files.AddFile("/app/package.json", `{"name":"app"}`, 0o644)

	_, registrar, err := pluginhost.NewResolveIDPlugin(files, "/app")
	if err != nil {
		t.Fatal(err)
	}
	hub := client.NewHub()
	pending := &fakePending{}
	im := &importmap.ImportMap{Imports: map[string]string{}}
	cdn := fakeCDNFallback{specifier: "left-pad", file: "/app/node_modules/.hmrcore/cdn/left-pad@1.0.0/index.js"}

	d := NewRuntimeDepDiscoverer(files, "/app", "/app/node_modules/.hmrcore", registrar, cdn, hub, pending, fakeBundler{}, nil, optimize.ConfigSubset{}, im, nil)

	file, ok := d.DiscoverDep(context.Background(), "left-pad")
	if !ok {
		t.Fatalf("expected left-pad to resolve via the CDN fallback")
	}
	if file != cdn.file {
		t.Fatalf("got %q, want %q", file, cdn.file)
	}
	if !registrar.Known("left-pad") {
		t.Fatalf("expected left-pad to be registered")
	}
}

func TestDiscoverDepReturnsFalseWhenUnresolvable(t *testing.T) {
	files := mapfs.New()
	files.AddFile("/app/package.json", `{"name":"app"}`, 0o644)

	_, registrar, err := pluginhost.NewResolveIDPlugin(files, "/app")
	if err != nil {
		t.Fatal(err)
	}
	hub := client.NewHub()
	pending := &fakePending{}
	im := &importmap.ImportMap{Imports: map[string]string{}}

	d := NewRuntimeDepDiscoverer(files, "/app", "/app/node_modules/.hmrcore", registrar, nil, hub, pending, fakeBundler{}, nil, optimize.ConfigSubset{}, im, nil)

	if _, ok := d.DiscoverDep(context.Background(), "not-a-real-package"); ok {
		t.Fatalf("expected discovery to fail for an unresolvable specifier")
	}
	if registrar.Known("not-a-real-package") {
		t.Fatalf("did not expect an unresolvable specifier to be registered")
	}
}

func TestDiscoverDepSkipsAlreadyKnownSpecifier(t *testing.T) {
	files := mapfs.New()
	files.AddFile("/app/package.json", `{"name":"app"}`, 0o644)

	_, registrar, err := pluginhost.NewResolveIDPlugin(files, "/app")
	if err != nil {
		t.Fatal(err)
	}
	registrar.Register("lit", "/node_modules/lit/index.js")
	hub := client.NewHub()
	pending := &fakePending{}
	im := &importmap.ImportMap{Imports: map[string]string{}}

	d := NewRuntimeDepDiscoverer(files, "/app", "/app/node_modules/.hmrcore", registrar, nil, hub, pending, fakeBundler{}, nil, optimize.ConfigSubset{}, im, nil)

	if _, ok := d.DiscoverDep(context.Background(), "lit"); ok {
		t.Fatalf("expected already-known specifiers to short-circuit without re-discovering")
	}
}
