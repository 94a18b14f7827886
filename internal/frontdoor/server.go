// Package frontdoor implements the single HTTP listener a dev session
// binds: the reverse proxy (internal/proxy) mounted alongside the
// session's own /_apx/* control endpoints.
package frontdoor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/xfeldman/apxdev/internal/proxy"
	"github.com/xfeldman/apxdev/internal/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the front-door needs.
type Supervisor interface {
	Health() supervisor.HealthStatus
}

// Server is the front-door HTTP server for one dev session: it proxies
// /api/** and the docs paths to the backend, everything else to the
// frontend bundler, and serves the /_apx/* control surface directly.
type Server struct {
	super    Supervisor
	routers  *proxy.Routers
	fluxAddr string

	mux        *http.ServeMux
	httpServer *http.Server
	ln         net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config holds everything Server needs to wire its routes.
type Config struct {
	Supervisor Supervisor
	Routers    *proxy.Routers
	// FluxAddr is host:port for the Flux log daemon, used to re-emit
	// browser-originated log records from /_apx/logs.
	FluxAddr string
}

// NewServer builds a Server with its routes registered but not yet
// serving. Call Serve with a listener obtained before this call returns,
// so the bind happens at the same point the starter verified the port
// was free (no allocate-then-serve TOCTOU gap).
func NewServer(cfg Config) *Server {
	s := &Server{
		super:    cfg.Supervisor,
		routers:  cfg.Routers,
		fluxAddr: cfg.FluxAddr,
		mux:      http.NewServeMux(),
		stopCh:   make(chan struct{}),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/_apx/health", s.handleHealth)
	s.mux.HandleFunc("/_apx/logs", s.handleLogs)
	s.mux.HandleFunc("/_apx/stop", s.handleStop)

	if s.routers != nil {
		s.mux.Handle("/api", s.routers.API)
		s.mux.Handle("/api/", s.routers.API)
		s.mux.Handle("/docs", s.routers.APIUtils)
		s.mux.Handle("/redoc", s.routers.APIUtils)
		s.mux.Handle("/openapi.json", s.routers.APIUtils)
		s.mux.Handle("/", s.routers.UI)
	}
}

// Serve starts accepting connections on ln. It returns once the listener
// is closed (by Shutdown or an external Close).
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stopped returns a channel that's closed when /_apx/stop has been hit.
// Callers drive their own teardown sequence (stop the supervisor, remove
// the lock file) after observing this close — Server itself only owns
// the HTTP listener.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopCh
}

// Shutdown gracefully stops the HTTP server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.super.Health())
}

type browserLogRequest struct {
	Level     string `json:"level"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Stack     string `json:"stack,omitempty"`
}

// handleLogs accepts a browser-originated log record and re-emits it to
// Flux as an OTLP/HTTP JSON payload with service name "browser".
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var req browserLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if s.fluxAddr != "" {
		if err := forwardToFlux(r.Context(), s.fluxAddr, req); err != nil {
			slog.Warn("forward browser log to flux failed", "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func severityNumberFor(level string) int {
	switch level {
	case "error", "fatal":
		return 17
	case "warn", "warning":
		return 13
	default:
		return 9
	}
}

// forwardToFlux builds a minimal OTLP/HTTP JSON payload for a single
// browser log record and posts it to Flux's ingest endpoint.
func forwardToFlux(ctx context.Context, fluxAddr string, req browserLogRequest) error {
	tsNs := req.Timestamp * int64(time.Millisecond)

	payload := map[string]any{
		"resourceLogs": []any{
			map[string]any{
				"resource": map[string]any{
					"attributes": []any{
						map[string]any{"key": "service.name", "value": map[string]any{"stringValue": "browser"}},
						map[string]any{"key": "apx.app_path", "value": map[string]any{"stringValue": req.Source}},
					},
				},
				"scopeLogs": []any{
					map[string]any{
						"logRecords": []any{
							map[string]any{
								"timeUnixNano":   fmt.Sprintf("%d", tsNs),
								"severityNumber": severityNumberFor(req.Level),
								"severityText":   req.Level,
								"body":           map[string]any{"stringValue": req.Message},
							},
						},
					},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal otlp payload: %w", err)
	}

	url := fmt.Sprintf("http://%s/v1/logs", fluxAddr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build flux request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post to flux: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("flux responded %d", resp.StatusCode)
	}
	return nil
}
