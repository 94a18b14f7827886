package flux

import (
	"testing"
	"time"
)

func TestParseOTLPExtractsServiceAndAppPath(t *testing.T) {
	payload := []byte(`{
		"resourceLogs": [{
			"resource": {
				"attributes": [
					{"key": "service.name", "value": {"stringValue": "backend"}},
					{"key": "apx.app_path", "value": {"stringValue": "/home/user/myapp"}}
				]
			},
			"scopeLogs": [{
				"logRecords": [
					{"timeUnixNano": "1700000000000000000", "severityNumber": 9, "severityText": "INFO", "body": {"stringValue": "server started"}}
				]
			}]
		}]
	}`)

	records, err := parseOTLP(payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.ServiceName != "backend" || r.AppPath != "/home/user/myapp" {
		t.Fatalf("got service=%q app_path=%q", r.ServiceName, r.AppPath)
	}
	if r.Body != "server started" {
		t.Fatalf("got body %q", r.Body)
	}
	if r.TimestampNs != 1700000000000000000 {
		t.Fatalf("got timestamp_ns %d", r.TimestampNs)
	}
}

func TestParseOTLPMissingTimestampUsesObservedNow(t *testing.T) {
	payload := []byte(`{
		"resourceLogs": [{
			"resource": {"attributes": []},
			"scopeLogs": [{
				"logRecords": [
					{"severityNumber": 17, "severityText": "ERROR", "body": {"stringValue": "boom"}}
				]
			}]
		}]
	}`)

	now := time.Now()
	records, err := parseOTLP(payload, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].TimestampNs != 0 {
		t.Fatalf("expected absent timestamp_ns to stay 0, got %d", records[0].TimestampNs)
	}
	if records[0].ObservedTsNs != now.UnixNano() {
		t.Fatalf("observed_ts_ns not stamped with now")
	}
}

func TestParseOTLPMultipleRecords(t *testing.T) {
	payload := []byte(`{
		"resourceLogs": [{
			"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "frontend"}}]},
			"scopeLogs": [{
				"logRecords": [
					{"severityNumber": 9, "severityText": "INFO", "body": {"stringValue": "one"}},
					{"severityNumber": 9, "severityText": "INFO", "body": {"stringValue": "two"}}
				]
			}]
		}]
	}`)

	records, err := parseOTLP(payload, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}
