package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFilterHeadersDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Upgrade", "websocket")
	src.Set("Host", "example.com")
	src.Set("X-Custom", "keep-me")

	dst := http.Header{}
	filterHeaders(dst, src)

	if dst.Get("Connection") != "" || dst.Get("Upgrade") != "" || dst.Get("Host") != "" {
		t.Fatalf("hop-by-hop headers leaked: %v", dst)
	}
	if dst.Get("X-Custom") != "keep-me" {
		t.Fatalf("expected X-Custom to survive, got %v", dst)
	}
}

func TestIsWebSocketRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	if !isWebSocketRequest(req) {
		t.Fatal("expected websocket request to be detected")
	}

	plain := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if isWebSocketRequest(plain) {
		t.Fatal("expected plain request to not be detected as websocket")
	}
}

func TestShouldLogRequestFiltersNoise(t *testing.T) {
	cases := []struct {
		path  string
		query string
		want  bool
	}{
		{"/@vite/client", "", false},
		{"/main.js", "", false},
		{"/node_modules/foo/index.js", "", false},
		{"/api/users", "", true},
		{"/app", "tsr-split=1", false},
	}
	for _, c := range cases {
		if got := shouldLogRequest(c.path, c.query); got != c.want {
			t.Errorf("shouldLogRequest(%q, %q) = %v, want %v", c.path, c.query, got, c.want)
		}
	}
}

func TestProxyHTTPForwardsRequestAndInjectsDevToken(t *testing.T) {
	var gotToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(DevTokenHeader)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	rt := &Route{
		Target:         Target{BaseURL: upstream.URL},
		InjectDevToken: true,
		DevToken:       "abc123",
	}

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotToken != "abc123" {
		t.Fatalf("expected dev token forwarded, got %q", gotToken)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "ok" {
		t.Fatalf("expected body 'ok', got %q", body)
	}
}

func TestProxyHTTPRejectsOversizedBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	rt := &Route{Target: Target{BaseURL: upstream.URL}}

	big := strings.NewReader(strings.Repeat("x", MaxBodyBytes+10))
	req := httptest.NewRequest(http.MethodPost, "/upload", big)
	req.ContentLength = int64(MaxBodyBytes + 10)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for oversized body, got %d", rec.Code)
	}
}

func TestProxyHTTPInjectsAuthHeaders(t *testing.T) {
	var gotAuth, gotUser string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get(AccessTokenHeader)
		gotUser = r.Header.Get(ForwardedUserHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	tm, err := NewTokenManager(context.Background(), func(ctx context.Context) (string, error) {
		return "bearer-xyz", nil
	})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	rt := &Route{
		Target:            Target{BaseURL: upstream.URL},
		InjectAuth:        true,
		TokenManager:      tm,
		ForwardedUserJSON: `{"id":"u1"}`,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	if gotAuth != "bearer-xyz" {
		t.Fatalf("expected access token forwarded, got %q", gotAuth)
	}
	if gotUser != `{"id":"u1"}` {
		t.Fatalf("expected forwarded user json, got %q", gotUser)
	}
}

func TestRoutersMatchAPIAndAPIUtils(t *testing.T) {
	if !MatchesAPI("/api/users") || !MatchesAPI("/api") {
		t.Fatal("expected /api and /api/users to match API")
	}
	if MatchesAPI("/docs") {
		t.Fatal("did not expect /docs to match API")
	}
	if !MatchesAPIUtils("/docs") || !MatchesAPIUtils("/redoc") || !MatchesAPIUtils("/openapi.json") {
		t.Fatal("expected docs paths to match api_utils")
	}
	if MatchesAPIUtils("/api/docs") {
		t.Fatal("did not expect /api/docs to match api_utils")
	}
}

func TestTokenManagerFreshTokenFetchedOnce(t *testing.T) {
	calls := 0
	tm, err := NewTokenManager(context.Background(), func(ctx context.Context) (string, error) {
		calls++
		return "tok", nil
	})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	if got := tm.Get(context.Background()); got != "tok" {
		t.Fatalf("expected 'tok', got %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one fetch for a fresh token, got %d", calls)
	}
}

func TestTokenManagerSlowInitialFetchSucceeds(t *testing.T) {
	_, err := NewTokenManager(context.Background(), func(ctx context.Context) (string, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return "tok", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("unexpected error on fast fetch: %v", err)
	}
}
