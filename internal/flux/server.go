package flux

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	gzip "github.com/klauspost/compress/gzip"
)

// Server is Flux's OTLP ingest + read-API HTTP server.
type Server struct {
	store *Store
	http  *http.Server
}

// NewServer wires an HTTP server over store listening on addr (typically
// "127.0.0.1:11111").
func NewServer(store *Store, addr string) *Server {
	s := &Server{store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/logs", s.handleIngest)
	mux.HandleFunc("GET /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/query_after", s.handleQueryAfter)
	mux.HandleFunc("GET /v1/latest_id", s.handleLatestID)

	s.http = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Serve blocks accepting connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		reader = gz
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	records, err := parseOTLP(body, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, rec := range records {
		if _, err := s.store.Insert(rec); err != nil {
			slog.Error("flux: insert log record failed", "err", err)
			http.Error(w, "insert failed", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"partialSuccess":{}}`))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	appPath := r.URL.Query().Get("app_path")
	sinceNs, _ := strconv.ParseInt(r.URL.Query().Get("since_ns"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.store.Query(appPath, sinceNs, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleQueryAfter(w http.ResponseWriter, r *http.Request) {
	appPath := r.URL.Query().Get("app_path")
	lastID, _ := strconv.ParseInt(r.URL.Query().Get("last_id"), 10, 64)

	records, err := s.store.QueryAfterID(appPath, lastID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (s *Server) handleLatestID(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.LatestID()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int64{"latest_id": id})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("flux: encode response failed", "err", err)
	}
}
