package flux

import (
	"encoding/json"
	"fmt"
	"time"
)

// otlpRequest is the subset of the OTLP/HTTP JSON log payload Flux accepts:
// resourceLogs[].resource.attributes[{key,value}] and
// resourceLogs[].scopeLogs[].logRecords[{timeUnixNano,severityNumber,severityText,body}].
type otlpRequest struct {
	ResourceLogs []struct {
		Resource struct {
			Attributes []otlpAttribute `json:"attributes"`
		} `json:"resource"`
		ScopeLogs []struct {
			LogRecords []struct {
				TimeUnixNano   string       `json:"timeUnixNano"`
				ObservedTimeUnixNano string `json:"observedTimeUnixNano"`
				SeverityNumber int          `json:"severityNumber"`
				SeverityText   string       `json:"severityText"`
				Body           otlpAnyValue `json:"body"`
				Attributes     []otlpAttribute `json:"attributes"`
			} `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

type otlpAttribute struct {
	Key   string       `json:"key"`
	Value otlpAnyValue `json:"value"`
}

type otlpAnyValue struct {
	StringValue string `json:"stringValue"`
}

// parseOTLP decodes an OTLP/HTTP JSON log payload into LogRecords. A
// record's ObservedTsNs is the payload's observedTimeUnixNano, or now when
// the payload gives none; a missing timeUnixNano leaves TimestampNs at 0.
func parseOTLP(body []byte, now time.Time) ([]LogRecord, error) {
	var req otlpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse otlp payload: %w", err)
	}

	observedNow := now.UnixNano()
	var records []LogRecord

	for _, rl := range req.ResourceLogs {
		serviceName, appPath := resourceAttrs(rl.Resource.Attributes)

		for _, sl := range rl.ScopeLogs {
			for _, lr := range sl.LogRecords {
				var tsNs int64
				if lr.TimeUnixNano != "" {
					fmt.Sscanf(lr.TimeUnixNano, "%d", &tsNs)
				}
				observedNs := observedNow
				if lr.ObservedTimeUnixNano != "" {
					fmt.Sscanf(lr.ObservedTimeUnixNano, "%d", &observedNs)
				}

				attrsJSON, err := json.Marshal(lr.Attributes)
				if err != nil {
					attrsJSON = []byte("[]")
				}

				records = append(records, LogRecord{
					TimestampNs:    tsNs,
					ObservedTsNs:   observedNs,
					SeverityNumber: lr.SeverityNumber,
					SeverityText:   lr.SeverityText,
					Body:           lr.Body.StringValue,
					ServiceName:    serviceName,
					AppPath:        appPath,
					AttributesJSON: string(attrsJSON),
				})
			}
		}
	}

	return records, nil
}

func resourceAttrs(attrs []otlpAttribute) (serviceName, appPath string) {
	for _, a := range attrs {
		switch a.Key {
		case "service.name":
			serviceName = a.Value.StringValue
		case "apx.app_path":
			appPath = a.Value.StringValue
		}
	}
	return
}

// OTLP severity numbers for INFO and ERROR, within the 1-24 range. Flux
// stores whatever severity a client sends.
const (
	SeverityInfo  = 9
	SeverityError = 17
)
