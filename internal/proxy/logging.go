package proxy

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// staticAssetExtensions lists file extensions whose requests are routine
// bundler noise and don't deserve a log line on every hit.
var staticAssetExtensions = []string{
	".js", ".mjs", ".css", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".woff", ".woff2", ".ttf", ".eot",
	".json",
}

// shouldLogRequest reports whether a proxied request is worth a log line.
// Vite's internal module-graph paths (/@...), the tsr-split code-splitting
// query param, common static asset extensions, and node_modules paths are
// filtered out as routine noise.
func shouldLogRequest(path, rawQuery string) bool {
	if strings.Contains(path, "/@") {
		return false
	}
	if strings.Contains(rawQuery, "tsr-split") {
		return false
	}
	if strings.Contains(path, "/node_modules/") {
		return false
	}
	for _, ext := range staticAssetExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	return true
}

// logRequest logs a proxied request's outcome unless it's filtered as
// asset noise. Failed upstream connections are always logged regardless
// of the filter, so outages stay visible.
func logRequest(req *http.Request, status int, elapsed time.Duration, connectFailed bool) {
	if !connectFailed && !shouldLogRequest(req.URL.Path, req.URL.RawQuery) {
		return
	}
	slog.Info("proxy request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
