package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestProxyWebSocketForwardsCloseCodeAndReason(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusCode(4001), "custom reason")
	}))
	defer upstream.Close()

	rt := &Route{Target: Target{BaseURL: upstream.URL}}
	proxySrv := httptest.NewServer(rt)
	defer proxySrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, err := websocket.Dial(ctx, wsURL(proxySrv.URL), nil)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.CloseNow()

	_, _, err = client.Read(ctx)
	if err == nil {
		t.Fatal("expected a close error, got nil")
	}

	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a websocket.CloseError, got %v", err)
	}
	if closeErr.Code != websocket.StatusCode(4001) {
		t.Fatalf("close code: got %v, want 4001", closeErr.Code)
	}
	if closeErr.Reason != "custom reason" {
		t.Fatalf("close reason: got %q, want %q", closeErr.Reason, "custom reason")
	}
}
