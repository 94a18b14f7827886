package flux

import (
	"path/filepath"
	"testing"
)

func TestStoreInsertAndLatestID(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "flux.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id, err := s.LatestID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("empty store latest_id: got %d, want 0", id)
	}

	id1, err := s.Insert(LogRecord{ObservedTsNs: 100, SeverityText: "INFO", Body: "hello", ServiceName: "backend", AppPath: "/app"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Insert(LogRecord{ObservedTsNs: 200, SeverityText: "INFO", Body: "world", ServiceName: "backend", AppPath: "/app"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id1+1 {
		t.Fatalf("insertion_id not monotone: %d then %d", id1, id2)
	}

	latest, err := s.LatestID()
	if err != nil {
		t.Fatal(err)
	}
	if latest != id2 {
		t.Fatalf("latest_id: got %d, want %d", latest, id2)
	}
}

func TestQueryAfterIDStrictlyGreater(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "flux.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var last int64
	for i := 0; i < 3; i++ {
		id, err := s.Insert(LogRecord{ObservedTsNs: int64(i + 1), SeverityText: "INFO", Body: "line", ServiceName: "svc"})
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}

	records, err := s.QueryAfterID("", last-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after id %d, want 1", len(records), last-1)
	}
	if records[0].InsertionID != last {
		t.Fatalf("got insertion_id %d, want %d", records[0].InsertionID, last)
	}
}

func TestQueryFiltersByAppPath(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "flux.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Insert(LogRecord{ObservedTsNs: 1, SeverityText: "INFO", Body: "a", ServiceName: "x", AppPath: "/one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(LogRecord{ObservedTsNs: 2, SeverityText: "INFO", Body: "b", ServiceName: "x", AppPath: "/two"}); err != nil {
		t.Fatal(err)
	}

	records, err := s.Query("/one", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Body != "a" {
		t.Fatalf("got %+v, want one record with body \"a\"", records)
	}
}

func TestQueryEffectiveTimestampFallsBackToObserved(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "flux.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// timestamp_ns == 0 means "absent" — ordering must fall back to observed_ts_ns.
	if _, err := s.Insert(LogRecord{TimestampNs: 0, ObservedTsNs: 500, SeverityText: "INFO", Body: "no-ts", ServiceName: "svc"}); err != nil {
		t.Fatal(err)
	}

	records, err := s.Query("", 400, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1 (observed_ts_ns=500 >= since=400)", len(records))
	}
}
