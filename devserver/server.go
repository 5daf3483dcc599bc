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

// Package devserver wires the module graph (A), plugin container (B),
// transform pipeline (C), HMR propagator (E), client runtime (H), and the
// watch package behind a single server context, and exposes the HTTP
// transform endpoint and debug import-map endpoint of spec.md §6.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"bennypowers.dev/hmrcore/client"
	"bennypowers.dev/hmrcore/graph"
	"bennypowers.dev/hmrcore/hmr"
	"bennypowers.dev/hmrcore/importmap"
	"bennypowers.dev/hmrcore/pluginhost"
	"bennypowers.dev/hmrcore/transform"
	"bennypowers.dev/hmrcore/watch"
)

// Server is the single server context spec.md §9 describes: every
// component reachable from one struct, so cmd/serve only has to
// instantiate and start it.
type Server struct {
	Graph      *graph.Graph
	Container  *pluginhost.Container
	Pipeline   *transform.Pipeline
	Propagator *hmr.Propagator
	Hub        *client.Hub
	Watcher    *watch.Watcher
	Resolve    graph.ResolveFunc

	ImportMap *importmap.ImportMap

	// Root is the project directory url paths are resolved relative to,
	// used by htmlURLFor to derive the site-relative URL of a changed HTML
	// file for §4.E gate 3.
	Root string
}

// RegisterRoutes wires the HTTP surface of spec.md §6 onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/@importmap", s.handleImportMapDebug)
	mux.Handle("/@hmrcore/hmr", s.Hub.Handler())
	mux.HandleFunc("/", s.handleTransform)
}

// handleTransform implements §6's "HTTP surface (transform endpoint)":
// strips the `import`/`t` query markers, honors `direct` for CSS-as-
// stylesheet, serves 304 on a matching If-None-Match, and serves the
// cached source-map sibling under `<url>.map`.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, ".map") {
		s.handleSourceMap(w, r)
		return
	}

	path, direct := parseQuery(r.URL)

	opts := transform.Options{}
	if strings.HasSuffix(path, ".html") {
		opts.HTML = true
	}

	result, err := s.Pipeline.TransformRequest(r.Context(), path, opts)
	if err != nil {
		if errors.Is(err, transform.ErrPendingReloadTimeout) {
			http.Error(w, "hmrcore: timed out waiting for a pending dependency re-optimize to finish, retry the request", http.StatusRequestTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if result == nil {
		http.NotFound(w, r)
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == result.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := "application/javascript; charset=utf-8"
	if node := s.Graph.GetByURL(path, s.Resolve); node != nil && node.Type == graph.TypeCSS && direct {
		contentType = "text/css; charset=utf-8"
	}

	w.Header().Set("ETag", result.ETag)
	w.Header().Set("Content-Type", contentType)
	w.Write([]byte(result.Code))
}

func (s *Server) handleSourceMap(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, ".map")
	node := s.Graph.GetByURL(path, s.Resolve)
	if node == nil {
		http.NotFound(w, r)
		return
	}
	snapshot := node.TransformResultSnapshot()
	if snapshot == nil || snapshot.Map == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(snapshot.Map))
}

func (s *Server) handleImportMapDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(s.ImportMap.ToJSON()))
}

// parseQuery strips the `import` and `t` markers per §6 and reports
// whether `direct` was present, returning the cleaned path (query string
// removed entirely, since every recognized query key is either stripped
// or consumed here).
func parseQuery(u *url.URL) (path string, direct bool) {
	q := u.Query()
	_, direct = q["direct"]
	return u.Path, direct
}

// htmlURLFor returns the site-relative URL for file when it is an HTML
// file under Root, or "" when file isn't HTML or lies outside Root — the
// "" case tells the propagator's gate 3 to ignore the change rather than
// broadcast a scoped full-reload (§4.E: "if HTML, broadcast full-reload
// with its url path; else ignore").
func (s *Server) htmlURLFor(file string) string {
	if !strings.HasSuffix(file, ".html") || s.Root == "" {
		return ""
	}
	rel, err := filepath.Rel(s.Root, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return "/" + filepath.ToSlash(rel)
}

// OnFileEvent drives a single watch.Event through the HMR propagator and
// broadcasts the resulting payload, per spec.md §5's "processed atomically
// with respect to the HMR propagator" ordering.
func (s *Server) OnFileEvent(ev watch.Event, read func(ctx context.Context) ([]byte, error)) {
	now := time.Now().UnixMilli()
	switch ev.Kind {
	case watch.Add, watch.Unlink:
		payload := s.Propagator.HandleFileAddOrUnlink(ev.Path, now)
		s.Hub.BroadcastPayload(payload)
	case watch.Change:
		nodes := s.Graph.GetByFile(ev.Path)
		htmlURL := s.htmlURLFor(ev.Path)
		payload, err := s.Propagator.HandleFileChange(context.Background(), ev.Path, htmlURL, nodes, read)
		if err != nil {
			s.Hub.Error(client.ErrorInfo{Message: err.Error()})
			return
		}
		s.Hub.BroadcastPayload(payload)
	}
}
