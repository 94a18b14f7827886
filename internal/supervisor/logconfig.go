package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// uvicornLoggingConfig is the JSON logging dictConfig handed to uvicorn via
// --log-config. It keeps uvicorn's own formatting (so tracebacks stay
// readable in the forwarded stdout) but routes everything through stream
// handlers on stdout, which the supervisor's line forwarder already reads.
var uvicornLoggingConfig = map[string]any{
	"version":     1,
	"disable_existing_loggers": false,
	"formatters": map[string]any{
		"default": map[string]any{
			"()":     "uvicorn.logging.DefaultFormatter",
			"format":  "%(levelprefix)s %(message)s",
			"use_colors": false,
		},
		"access": map[string]any{
			"()":     "uvicorn.logging.AccessFormatter",
			"format": `%(levelprefix)s %(client_addr)s - "%(request_line)s" %(status_code)s`,
		},
	},
	"handlers": map[string]any{
		"default": map[string]any{
			"formatter": "default",
			"class":     "logging.StreamHandler",
			"stream":    "ext://sys.stdout",
		},
		"access": map[string]any{
			"formatter": "access",
			"class":     "logging.StreamHandler",
			"stream":    "ext://sys.stdout",
		},
	},
	"loggers": map[string]any{
		"uvicorn":          map[string]any{"handlers": []string{"default"}, "level": "INFO", "propagate": false},
		"uvicorn.error":    map[string]any{"level": "INFO"},
		"uvicorn.access":   map[string]any{"handlers": []string{"access"}, "level": "INFO", "propagate": false},
	},
}

// writeUvicornLoggingConfig regenerates <appDir>/.apx/uvicorn_logging.json.
// Called on every backend spawn, per the persistent-state contract — the
// file has no cross-run state, it just needs to exist before uvicorn reads
// it via --log-config.
func writeUvicornLoggingConfig(appDir string) error {
	dir := filepath.Join(appDir, ".apx")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create .apx directory: %w", err)
	}

	data, err := json.MarshalIndent(uvicornLoggingConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal uvicorn logging config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "uvicorn_logging.json"), data, 0600); err != nil {
		return fmt.Errorf("write uvicorn logging config: %w", err)
	}
	return nil
}
