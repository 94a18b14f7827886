package frontdoor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xfeldman/apxdev/internal/supervisor"
)

type fakeSupervisor struct {
	health supervisor.HealthStatus
}

func (f *fakeSupervisor) Health() supervisor.HealthStatus {
	return f.health
}

func TestHandleHealthReportsSupervisorStatus(t *testing.T) {
	super := &fakeSupervisor{health: supervisor.HealthStatus{
		Status:         "ok",
		FrontendStatus: "healthy",
		BackendStatus:  "healthy",
		DBStatus:       "healthy",
		Failed:         false,
	}}
	s := NewServer(Config{Supervisor: super})

	req := httptest.NewRequest(http.MethodGet, "/_apx/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got supervisor.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Status != "ok" || got.Failed {
		t.Fatalf("unexpected health response: %+v", got)
	}
}

func TestHandleStopClosesOnce(t *testing.T) {
	super := &fakeSupervisor{}
	s := NewServer(Config{Supervisor: super})

	req := httptest.NewRequest(http.MethodPost, "/_apx/stop", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case <-s.Stopped():
	default:
		t.Fatal("expected Stopped channel to be closed after /_apx/stop")
	}

	// A second call must not panic (sync.Once guards the close).
	rec2 := httptest.NewRecorder()
	s.mux.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat stop, got %d", rec2.Code)
	}
}

func TestHandleLogsForwardsToFlux(t *testing.T) {
	var gotBody string
	flux := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer flux.Close()

	super := &fakeSupervisor{}
	s := NewServer(Config{Supervisor: super, FluxAddr: strings.TrimPrefix(flux.URL, "http://")})

	body := strings.NewReader(`{"level":"error","source":"/checkout","message":"boom","timestamp":1700000000000}`)
	req := httptest.NewRequest(http.MethodPost, "/_apx/logs", body)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(gotBody, "browser") {
		t.Fatalf("expected forwarded payload to carry service.name=browser, got %q", gotBody)
	}
}

func TestHandleLogsRejectsInvalidBody(t *testing.T) {
	super := &fakeSupervisor{}
	s := NewServer(Config{Supervisor: super})

	req := httptest.NewRequest(http.MethodPost, "/_apx/logs", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", rec.Code)
	}
}
