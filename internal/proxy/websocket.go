package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// proxyWebSocket upgrades the client connection, dials the same path and
// query upstream, and forwards frames symmetrically until either side
// closes or errors. Text and binary messages and close (with code and
// reason) are translated at the frame level rather than relayed as raw
// bytes. Ping and pong frames are answered by each connection itself and
// are not forwarded to the other side.
func (rt *Route) proxyWebSocket(w http.ResponseWriter, req *http.Request) {
	upstreamHeader := http.Header{}
	filterHeaders(upstreamHeader, req.Header)
	rt.injectHeaders(req.Context(), upstreamHeader)

	targetPath := req.URL.Path
	if rt.Target.StripPrefix != "" && len(targetPath) >= len(rt.Target.StripPrefix) {
		targetPath = targetPath[len(rt.Target.StripPrefix):]
	}
	url := wsURL(rt.Target.BaseURL) + targetPath
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	dialCtx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	upstream, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: upstreamHeader})
	cancel()
	if err != nil {
		http.Error(w, "websocket upstream unavailable", http.StatusBadGateway)
		return
	}
	defer upstream.CloseNow()

	client, err := websocket.Accept(w, req, nil)
	if err != nil {
		upstream.Close(websocket.StatusInternalError, "accept failed")
		return
	}
	defer client.CloseNow()

	ctx := req.Context()
	done := make(chan struct{}, 2)

	go relay(ctx, client, upstream, done)
	go relay(ctx, upstream, client, done)

	<-done
}

// relay copies frames from src to dst until either errors, closes, or ctx
// is cancelled.
func relay(ctx context.Context, src, dst *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				dst.Close(closeErr.Code, closeErr.Reason)
			}
			return
		}

		var wsType websocket.MessageType
		switch typ {
		case websocket.MessageText:
			wsType = websocket.MessageText
		case websocket.MessageBinary:
			wsType = websocket.MessageBinary
		default:
			wsType = typ
		}

		if err := dst.Write(ctx, wsType, data); err != nil {
			return
		}
	}
}

func wsURL(baseURL string) string {
	switch {
	case len(baseURL) >= 5 && baseURL[:5] == "https":
		return "wss" + baseURL[5:]
	case len(baseURL) >= 4 && baseURL[:4] == "http":
		return "ws" + baseURL[4:]
	default:
		return baseURL
	}
}
