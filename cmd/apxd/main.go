// apxd is the per-project dev-session supervisor: it binds the front-door
// HTTP listener, spawns the database, frontend, and backend children, and
// serves /_apx/health, /_apx/logs, and /_apx/stop until told to stop.
//
// It is started detached by the apx CLI (§4.J); it never talks to a
// terminal. Every startup parameter arrives via environment variables —
// see the APX_* contract in cmd/apx/main.go and SPEC_FULL.md §6.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/xfeldman/apxdev/internal/childproc"
	"github.com/xfeldman/apxdev/internal/config"
	"github.com/xfeldman/apxdev/internal/flux"
	"github.com/xfeldman/apxdev/internal/frontdoor"
	"github.com/xfeldman/apxdev/internal/lockfile"
	"github.com/xfeldman/apxdev/internal/logging"
	"github.com/xfeldman/apxdev/internal/portregistry"
	"github.com/xfeldman/apxdev/internal/proxy"
	"github.com/xfeldman/apxdev/internal/supervisor"
	"github.com/xfeldman/apxdev/internal/watch"
)

func main() {
	logging.Setup("apxd")
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("create directories", "error", err)
		os.Exit(1)
	}

	appDir := os.Getenv("APX_APP_DIR")
	if appDir == "" {
		slog.Error("APX_APP_DIR is required")
		os.Exit(1)
	}
	appSlug := os.Getenv("APX_APP_NAME")
	if appSlug == "" {
		appSlug = "app"
	}
	host := os.Getenv("APX_DEV_SERVER_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(os.Getenv("APX_DEV_SERVER_PORT"))
	if err != nil {
		slog.Error("invalid or missing APX_DEV_SERVER_PORT", "error", err)
		os.Exit(1)
	}
	appEntrypoint := os.Getenv("APX_APP_ENTRYPOINT")
	if appEntrypoint == "" {
		appEntrypoint = "app.main:app"
	}

	// The listener is bound here, before any child spawns, so a taken
	// port fails loudly and immediately rather than racing the starter's
	// own availability probe.
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		slog.Error("bind front-door listener", "host", host, "port", port, "error", err)
		os.Exit(1)
	}

	frontendPort, err := allocateSiblingPort(config.FrontendPortStart, config.FrontendPortEnd)
	if err != nil {
		slog.Error("allocate frontend port", "error", err)
		os.Exit(1)
	}
	backendPort, err := allocateSiblingPort(config.BackendPortStart, config.BackendPortEnd)
	if err != nil {
		slog.Error("allocate backend port", "error", err)
		os.Exit(1)
	}
	dbPort, err := allocateSiblingPort(config.DBPortStart, config.DBPortEnd)
	if err != nil {
		slog.Error("allocate database port", "error", err)
		os.Exit(1)
	}

	if err := flux.EnsureRunning(config.FindBinary("apxflux", cfg.BinDir), cfg.FluxDir); err != nil {
		slog.Warn("flux not available, logs will not be collected", "error", err)
	}

	spec := supervisor.Spec{
		AppDir:        appDir,
		AppSlug:       appSlug,
		AppEntrypoint: appEntrypoint,
		Host:          host,
		Ports: supervisor.Ports{
			Frontend: frontendPort,
			Backend:  backendPort,
			Database: dbPort,
		},
		DotenvVars:      nil,
		FrontendCommand: frontendCommand(host, frontendPort),
		BackendCommand:  backendCommand(appDir, appEntrypoint, host, backendPort),
		DatabaseCommand: databaseCommand(host, dbPort),
		RotatePassword:  supervisor.RotatePassword,
		LineSink:        lineSink(appSlug, appDir),
	}

	super, err := supervisor.New(spec)
	if err != nil {
		slog.Error("create supervisor", "error", err)
		os.Exit(1)
	}

	var fetchToken func(context.Context) (string, error)
	if os.Getenv("APX_ACCESS_TOKEN_COMMAND") != "" {
		fetchToken = fetchAccessToken
	}
	routers, err := proxy.Build(context.Background(), proxy.Config{
		BackendBaseURL:    fmt.Sprintf("http://%s:%d", host, backendPort),
		FrontendBaseURL:   fmt.Sprintf("http://%s:%d", host, frontendPort),
		DevToken:          super.DevToken(),
		FetchAccessToken:  fetchToken,
		ForwardedUserJSON: os.Getenv("APX_FORWARDED_USER_JSON"),
	})
	if err != nil {
		slog.Error("build proxy routers", "error", err)
		os.Exit(1)
	}

	fd := frontdoor.NewServer(frontdoor.Config{
		Supervisor: super,
		Routers:    routers,
		FluxAddr:   fmt.Sprintf("127.0.0.1:%d", flux.Port),
	})

	if err := lockfile.Write(appDir, &lockfile.Lock{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now(),
		Command:   appEntrypoint,
		AppDir:    appDir,
	}); err != nil {
		slog.Warn("write lock file", "error", err)
	}

	startCtx, cancelStart := context.WithCancel(context.Background())
	go func() {
		if err := super.Start(startCtx); err != nil {
			slog.Error("supervisor start", "error", err)
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	projectRemovedCh := startFileWatchers(watchCtx, appDir, cfg, super)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- fd.Serve(ln) }()

	slog.Info("apxd ready", "host", host, "port", port, "app_dir", appDir)

	select {
	case <-fd.Stopped():
		slog.Info("stop requested via /_apx/stop")
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil {
			slog.Error("front-door server exited", "error", err)
		}
	case <-projectRemovedCh:
		slog.Warn("project directory removed, shutting down")
	}

	cancelWatch()
	cancelStart()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := fd.Shutdown(shutdownCtx); err != nil {
		slog.Warn("front-door shutdown", "error", err)
	}
	super.Stop(shutdownCtx, cfg.ProcessTreeWait)
	if err := lockfile.Remove(appDir); err != nil {
		slog.Warn("remove lock file", "error", err)
	}

	slog.Info("apxd stopped")
}

// fetchAccessToken obtains a local OAuth credential for authenticating
// proxied API calls. A project may set APX_ACCESS_TOKEN_COMMAND to a local
// CLI invocation (e.g. a profile-aware auth helper); without one, the
// proxy simply omits the auth header.
func fetchAccessToken(ctx context.Context) (string, error) {
	command := os.Getenv("APX_ACCESS_TOKEN_COMMAND")
	if command == "" {
		return "", fmt.Errorf("no access token source configured")
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
	if err != nil {
		return "", fmt.Errorf("run access token command: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// allocateSiblingPort picks the lowest free port in [start, end] for a
// child's own listener. Unlike the front-door port, sibling ports are not
// persisted in the port registry — a dev session picks fresh ones every
// run.
func allocateSiblingPort(start, end int) (int, error) {
	for p := start; p <= end; p++ {
		if portregistry.IsPortFree(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func frontendCommand(host string, port int) []string {
	if cmd := os.Getenv("APX_FRONTEND_COMMAND"); cmd != "" {
		return []string{"sh", "-c", cmd}
	}
	return []string{"bun", "run", "dev", "--", "--host", host, "--port", strconv.Itoa(port)}
}

func backendCommand(appDir, entrypoint, host string, port int) []string {
	if cmd := os.Getenv("APX_BACKEND_COMMAND"); cmd != "" {
		return []string{"sh", "-c", cmd}
	}
	logConfig := appDir + "/.apx/uvicorn_logging.json"
	return []string{
		"uv", "run", "uvicorn", entrypoint,
		"--host", host,
		"--port", strconv.Itoa(port),
		"--reload",
		"--log-config", logConfig,
	}
}

func databaseCommand(host string, port int) []string {
	if cmd := os.Getenv("APX_DATABASE_COMMAND"); cmd != "" {
		return []string{"sh", "-c", cmd}
	}
	return []string{
		"bunx", "@electric-sql/pglite-socket",
		"--db=memory://",
		fmt.Sprintf("--host=%s", host),
		"--debug=0",
		fmt.Sprintf("--port=%d", port),
	}
}

// lineSink forwards every child's output line to Flux as an OTLP record,
// tagged with the per-role service name the log viewer filters on. Every
// line is sent at INFO; stdout and stderr lines are not told apart.
func lineSink(appSlug, appDir string) func(role childproc.Role, slug, line string) {
	client := &http.Client{Timeout: 1 * time.Second}
	return func(role childproc.Role, slug, line string) {
		forwardChildLineToFlux(client, fmt.Sprintf("%s_%s", appSlug, role), appDir, "INFO", line)
	}
}

// forwardChildLineToFlux posts a single child log line to Flux as a
// minimal OTLP/HTTP JSON payload. Errors are swallowed — a log pipeline
// must never itself become a source of failures or feedback loops.
func forwardChildLineToFlux(client *http.Client, serviceName, appPath, severity, line string) {
	severityNumber := 9
	if severity == "ERROR" {
		severityNumber = 17
	}
	payload := map[string]any{
		"resourceLogs": []any{
			map[string]any{
				"resource": map[string]any{
					"attributes": []any{
						map[string]any{"key": "service.name", "value": map[string]any{"stringValue": serviceName}},
						map[string]any{"key": "apx.app_path", "value": map[string]any{"stringValue": appPath}},
					},
				},
				"scopeLogs": []any{
					map[string]any{
						"logRecords": []any{
							map[string]any{
								"timeUnixNano":   strconv.FormatInt(time.Now().UnixNano(), 10),
								"severityNumber": severityNumber,
								"severityText":   severity,
								"body":           map[string]any{"stringValue": line},
							},
						},
					},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/logs", flux.Port)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// startFileWatchers wires the env/lockfile watcher to a backend-only
// restart, the schema/source-tree watcher to an optional codegen
// subcommand, and the project-existence watcher to the returned channel,
// which the caller folds into its own shutdown select. It returns
// immediately; every watcher runs in its own goroutine until ctx is
// cancelled.
func startFileWatchers(ctx context.Context, appDir string, cfg *config.Config, super *supervisor.Supervisor) <-chan struct{} {
	envWatcher := watch.NewEnvWatcher([]string{
		appDir + "/.env",
		appDir + "/pyproject.toml",
		appDir + "/uv.lock",
	}, func() {
		slog.Info("env or dependency file changed, restarting backend")
		restartCtx, cancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
		defer cancel()
		if err := super.RestartBackend(restartCtx, cfg.ProcessTreeWait, parseEnvFile(appDir+"/.env")); err != nil {
			slog.Error("restart backend after env change failed", "error", err)
		}
	})
	go envWatcher.Run(ctx)

	if codegenCmd := os.Getenv("APX_CODEGEN_COMMAND"); codegenCmd != "" {
		schemaWatcher := watch.NewSchemaWatcher(appDir, []string{"sh", "-c", codegenCmd})
		schemaWatcher.Timeout = cfg.CodegenTimeout
		schemaWatcher.OnCodegenStart = func() {
			slog.Info("source tree changed, running codegen")
		}
		schemaWatcher.OnCodegenDone = func(err error) {
			if err != nil {
				slog.Warn("codegen failed", "error", err)
			}
		}
		go schemaWatcher.Run(ctx)
	}

	removedCh := make(chan struct{})
	existenceWatcher := watch.NewProjectExistenceWatcher(appDir, func() {
		close(removedCh)
	})
	go existenceWatcher.Run(ctx)

	return removedCh
}

// parseEnvFile reads a simple KEY=VALUE .env file, ignoring blank lines
// and #-comments. A missing file yields an empty map rather than an
// error — most projects don't carry one.
func parseEnvFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return vars
}
