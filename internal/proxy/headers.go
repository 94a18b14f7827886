// Package proxy implements the reverse proxy the front-door server mounts
// in front of the backend API and the frontend bundler: hop-by-hop header
// filtering, credential injection, a 10 MiB request-body cap, and
// frame-level WebSocket translation.
package proxy

import (
	"net/http"
	"strings"
)

// MaxBodyBytes bounds how much of a proxied request body is buffered in
// memory before the proxy gives up and returns 502.
const MaxBodyBytes = 10 * 1024 * 1024

// DevTokenHeader carries the per-run fencing token the frontend bundler
// uses to reject requests that didn't traverse the supervisor.
const DevTokenHeader = "x-apx-dev-token"

// AccessTokenHeader and ForwardedUserHeader are injected on API requests.
const (
	AccessTokenHeader   = "X-Forwarded-Access-Token"
	ForwardedUserHeader = "X-Forwarded-User"
)

// hopHeaders lists headers that describe a single hop and must never be
// forwarded verbatim between proxy and upstream.
var hopHeaders = []string{
	"connection",
	"upgrade",
	"keep-alive",
	"proxy-connection",
	"transfer-encoding",
	"te",
	"trailer",
	"host",
}

func isHopHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range hopHeaders {
		if lower == h {
			return true
		}
	}
	return false
}

// filterHeaders copies src into dst, dropping hop-by-hop headers.
func filterHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// isWebSocketRequest reports whether req is asking to be upgraded to a
// WebSocket connection: Connection contains "upgrade" (case-insensitive,
// possibly among other tokens) and Upgrade equals "websocket".
func isWebSocketRequest(req *http.Request) bool {
	conn := strings.ToLower(req.Header.Get("Connection"))
	upgrade := strings.ToLower(req.Header.Get("Upgrade"))
	return strings.Contains(conn, "upgrade") && upgrade == "websocket"
}
