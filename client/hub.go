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

// Package client is the HMR client runtime (spec.md §4.H): a server-side
// WebSocket hub that dispatches the JSON payload union of §6, plus the
// embedded browser-side client.js that subscribes to it.
package client

import (
	"encoding/json"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"bennypowers.dev/hmrcore/hmr"
)

// subprotocol is the WebSocket subprotocol §6 names.
const subprotocol = "vite-hmr"

// Hub tracks connected clients and broadcasts HMR messages to all of them.
// Grounded on graph.Graph's mutex-guarded map registry, generalized from
// "map of url/id/file to *Node" to "set of live connections".
type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// Handler returns an http.Handler serving the WebSocket upgrade at the HMR
// endpoint, negotiating the vite-hmr subprotocol per §6.
func (h *Hub) Handler() http.Handler {
	server := websocket.Server{
		Handshake: func(config *websocket.Config, req *http.Request) error {
			for _, proto := range config.Protocol {
				if proto == subprotocol {
					config.Protocol = []string{subprotocol}
					return nil
				}
			}
			config.Protocol = nil
			return nil
		},
		Handler: h.serve,
	}
	return server
}

func (h *Hub) serve(conn *websocket.Conn) {
	h.register(conn)
	defer h.unregister(conn)

	if err := h.sendTo(conn, map[string]string{"type": "connected"}); err != nil {
		return
	}

	// Client→server frames are free-form "ping" text frames (§6); hmrcore
	// has nothing to reply with, so the loop just drains the connection
	// until the client disconnects.
	var discard string
	for {
		if err := websocket.Message.Receive(conn, &discard); err != nil {
			return
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *Hub) sendTo(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return websocket.Message.Send(conn, string(data))
}

// Broadcast sends v, JSON-encoded, to every connected client. Connections
// that fail to receive it are left for their own read loop to unregister.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, c := range conns {
		_ = websocket.Message.Send(c, string(data))
	}
}

// updateEntryMsg is the wire shape of one hmr.UpdateEntry (§6 "update").
type updateEntryMsg struct {
	Type         string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	Path         string `json:"path"`
	AcceptedPath string `json:"acceptedPath"`
}

// BroadcastPayload translates an hmr.Payload into the wire messages of §6
// and broadcasts them. A full-reload and an update are mutually exclusive
// per the propagator's own aggregation rule; a prune, when present, is
// always sent as its own separate message.
func (h *Hub) BroadcastPayload(p *hmr.Payload) {
	if p == nil {
		return
	}

	switch {
	case p.FullReload:
		msg := map[string]any{"type": "full-reload"}
		if p.ReloadPath != "" {
			msg["path"] = p.ReloadPath
		}
		h.Broadcast(msg)
	case len(p.Updates) > 0:
		entries := make([]updateEntryMsg, 0, len(p.Updates))
		for _, u := range p.Updates {
			entries = append(entries, updateEntryMsg{
				Type:         u.Type,
				Timestamp:    u.Timestamp,
				Path:         u.Path,
				AcceptedPath: u.AcceptedPath,
			})
		}
		h.Broadcast(map[string]any{"type": "update", "updates": entries})
	}

	if len(p.PrunedURLs) > 0 {
		h.Broadcast(map[string]any{"type": "prune", "paths": p.PrunedURLs})
	}
}

// Custom broadcasts a custom event payload (§6 "custom").
func (h *Hub) Custom(event string, data any) {
	h.Broadcast(map[string]any{"type": "custom", "event": event, "data": data})
}

// ErrorInfo is the body of an `error` payload (§6).
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	ID      string `json:"id,omitempty"`
	Frame   string `json:"frame,omitempty"`
	Loc     string `json:"loc,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
}

// Error broadcasts a transform-failure overlay payload (§6, §7 "Transform
// failure").
func (h *Hub) Error(info ErrorInfo) {
	h.Broadcast(map[string]any{"type": "error", "err": info})
}
