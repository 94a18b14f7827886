package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Target describes where a router forwards requests.
type Target struct {
	// BaseURL is the upstream's scheme://host:port, with no trailing slash.
	BaseURL string
	// StripPrefix, if set, is removed from the start of the forwarded
	// path. Unused by the three routers router.Build constructs today —
	// their upstream paths already match what the backend/frontend
	// expect — but left available for a router whose matched path and
	// upstream path diverge.
	StripPrefix string
}

// Route is a single policy: where to send matching requests and which
// headers to inject.
type Route struct {
	Target Target

	// InjectAuth adds the access-token + forwarded-user headers from tm
	// and userJSON (used by api and api_utils).
	InjectAuth bool
	// InjectDevToken adds the fencing header (used by ui).
	InjectDevToken bool

	TokenManager *TokenManager
	DevToken     string
	ForwardedUserJSON string

	HTTPClient *http.Client
}

// ServeHTTP proxies req according to the route's policy: WebSocket
// upgrades are handled by proxyWebSocket, everything else by proxyHTTP.
func (rt *Route) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if isWebSocketRequest(req) {
		rt.proxyWebSocket(w, req)
		return
	}
	rt.proxyHTTP(w, req)
}

func (rt *Route) proxyHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	limited := http.MaxBytesReader(w, req.Body, MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "request body too large", http.StatusBadGateway)
		logRequest(req, http.StatusBadGateway, time.Since(start), false)
		return
	}
	if len(body) > MaxBodyBytes {
		http.Error(w, "request body too large", http.StatusBadGateway)
		logRequest(req, http.StatusBadGateway, time.Since(start), false)
		return
	}

	targetPath := req.URL.Path
	if rt.Target.StripPrefix != "" && len(targetPath) >= len(rt.Target.StripPrefix) {
		targetPath = targetPath[len(rt.Target.StripPrefix):]
	}
	url := rt.Target.BaseURL + targetPath
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(req.Context(), req.Method, url, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		logRequest(req, http.StatusBadGateway, time.Since(start), true)
		return
	}

	filterHeaders(upstreamReq.Header, req.Header)
	rt.injectHeaders(req.Context(), upstreamReq.Header)

	client := rt.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(upstreamReq)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		logRequest(req, http.StatusBadGateway, time.Since(start), true)
		return
	}
	defer resp.Body.Close()

	filterHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)

	logRequest(req, resp.StatusCode, time.Since(start), false)
}

func (rt *Route) injectHeaders(ctx context.Context, h http.Header) {
	if rt.InjectAuth {
		if rt.TokenManager != nil {
			h.Set(AccessTokenHeader, rt.TokenManager.Get(ctx))
		}
		if rt.ForwardedUserJSON != "" {
			h.Set(ForwardedUserHeader, rt.ForwardedUserJSON)
		}
	}
	if rt.InjectDevToken {
		h.Set(DevTokenHeader, rt.DevToken)
	}
}
