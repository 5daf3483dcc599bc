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

package client

import (
	"bytes"
	"embed"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

//go:embed static/client.js
var runtimeFiles embed.FS

var (
	runtimeOnce sync.Once
	runtimeJS   []byte
)

// InjectedConfig are the "constants injected at client build time" of §6's
// Environment knobs paragraph: base URL, HMR protocol, hostname, port, ping
// timeout, overlay-enable flag.
type InjectedConfig struct {
	Base          string
	HMRProtocol   string
	Hostname      string
	Port          string
	PingTimeoutMs int
	Overlay       bool
}

// Script renders the browser runtime with cfg's values substituted in
// place of the template's placeholder constants, the same textual-
// substitution technique bundler/concat.applyDefines uses for esbuild-style
// --define.
func Script(cfg InjectedConfig) []byte {
	runtimeOnce.Do(func() {
		data, err := runtimeFiles.ReadFile("static/client.js")
		if err != nil {
			panic("client: embedded static/client.js missing: " + err.Error())
		}
		runtimeJS = data
	})

	overlay := "false"
	if cfg.Overlay {
		overlay = "true"
	}
	replacer := strings.NewReplacer(
		"__HMR_BASE__", jsString(cfg.Base),
		"__HMR_PROTOCOL__", jsString(cfg.HMRProtocol),
		"__HMR_HOSTNAME__", jsString(cfg.Hostname),
		"__HMR_PORT__", jsString(cfg.Port),
		"__HMR_TIMEOUT__", strconv.Itoa(cfg.PingTimeoutMs),
		"__HMR_ENABLE_OVERLAY__", overlay,
	)
	return []byte(replacer.Replace(string(runtimeJS)))
}

// Handler serves the rendered runtime at e.g. /@hmrcore/client.js.
func Handler(cfg InjectedConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		body := Script(cfg)
		http.ServeContent(w, r, "client.js", modTimeZero, bytes.NewReader(body))
	})
}

func jsString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

var modTimeZero = time.Time{}
