// apx is the developer-facing CLI. Its only in-scope subcommand tree is
// "dev": start/stop/status for a project's local dev session. Argument
// parsing is a bare os.Args switch, matching the teacher's own dispatcher
// style rather than reaching for a flag-parsing framework.
//
// Commands:
//
//	apx dev start      Start a project's dev session (supervisor + proxy)
//	apx dev stop        Stop a running dev session
//	apx dev status      Report a dev session's health
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/xfeldman/apxdev/internal/config"
	"github.com/xfeldman/apxdev/internal/flux"
	"github.com/xfeldman/apxdev/internal/lockfile"
	"github.com/xfeldman/apxdev/internal/portregistry"
	"github.com/xfeldman/apxdev/internal/supervisor"
	"github.com/xfeldman/apxdev/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "dev":
		cmdDev()
	case "version", "--version", "-v":
		fmt.Printf("apx %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: apx <command> [options]

Commands:
  dev start    Start a project's dev session
  dev stop     Stop a running dev session
  dev status   Report a dev session's health

Examples:
  apx dev start
  apx dev start --dir ./myapp
  apx dev stop
  apx dev status`)
}

func cmdDev() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: apx dev <start|stop|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "start":
		cmdDevStart(os.Args[3:])
	case "stop":
		cmdDevStop(os.Args[3:])
	case "status":
		cmdDevStatus(os.Args[3:])
	default:
		fmt.Fprintf(os.Stderr, "unknown dev subcommand: %s\n", os.Args[2])
		os.Exit(1)
	}
}

// projectDir parses a shared "--dir <path>" flag out of args, defaulting
// to the current working directory.
func projectDir(args []string) string {
	for i, a := range args {
		if a == "--dir" && i+1 < len(args) {
			return args[i+1]
		}
	}
	dir, _ := os.Getwd()
	return dir
}

func cmdDevStart(args []string) {
	fmt.Printf("apx %s\n", version.Version())

	appDir, err := filepath.Abs(projectDir(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		os.Exit(1)
	}

	if l, err := lockfile.Read(appDir); err == nil && lockfile.IsAlive(l) {
		fmt.Printf("dev session already running (pid %d, port %d)\n", l.PID, l.Port)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "create directories: %v\n", err)
		os.Exit(1)
	}

	// Preflight: make sure the project's own .apx directory exists before
	// the supervisor tries to write its lock and logging config into it.
	start := time.Now()
	if err := os.MkdirAll(filepath.Join(appDir, ".apx"), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create .apx directory: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("preflight: %s\n", time.Since(start).Round(time.Millisecond))

	port, err := allocateFrontDoorPort(cfg, appDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocate port: %v\n", err)
		os.Exit(1)
	}

	if !waitForBindable(port, 2*time.Second) {
		fmt.Fprintf(os.Stderr, "port %d did not become bindable within 2s\n", port)
		os.Exit(1)
	}

	apxdBin := config.FindBinary("apxd", cfg.BinDir)
	if apxdBin == "" {
		fmt.Fprintln(os.Stderr, "apxd binary not found next to apx or on PATH")
		os.Exit(1)
	}

	logPath := filepath.Join(appDir, ".apx", "apxd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	cmd := exec.Command(apxdBin)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(),
		"APX_APP_DIR="+appDir,
		"APX_APP_NAME="+filepath.Base(appDir),
		"APX_DEV_SERVER_HOST=127.0.0.1",
		fmt.Sprintf("APX_DEV_SERVER_PORT=%d", port),
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = detachedProcAttr()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start apxd: %v\n", err)
		os.Exit(1)
	}
	if err := cmd.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "detach apxd: %v\n", err)
		os.Exit(1)
	}

	awaitHealthy(cfg, appDir, port)
}

// allocateFrontDoorPort consults the port registry for a stable per-project
// port, recording a fresh one on first run.
func allocateFrontDoorPort(cfg *config.Config, appDir string) (int, error) {
	reg, err := portregistry.Load(cfg.RegistryPath)
	if err != nil {
		return 0, err
	}
	port, err := reg.GetOrAllocatePort(appDir, 0, cfg.DevPortStart)
	if err != nil {
		return 0, err
	}
	if err := reg.Save(); err != nil {
		return 0, err
	}
	return port, nil
}

func waitForBindable(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if portregistry.IsPortFree(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return portregistry.IsPortFree(port)
}

// awaitHealthy polls /_apx/health, streaming Flux's own log records as a
// side panel, until the session reports ok, reports failed, or the
// become-healthy timeout elapses.
func awaitHealthy(cfg *config.Config, appDir string, port int) {
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/_apx/health", port)
	client := &http.Client{Timeout: cfg.HealthProbeTimeout}

	stopLogs := make(chan struct{})
	go streamFluxLogs(appDir, stopLogs)
	defer close(stopLogs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	deadline := time.Now().Add(cfg.BecomeHealthyTimeout)
	time.Sleep(500 * time.Millisecond) // initial delay before the first probe

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ninterrupted, stopping dev session")
			stopDevSession(cfg, appDir, port)
			os.Exit(1)
		default:
		}

		if time.Now().After(deadline) {
			fmt.Fprintln(os.Stderr, "dev session did not become healthy within timeout")
			stopDevSession(cfg, appDir, port)
			os.Exit(1)
		}

		status, ok := probeHealth(client, healthURL)
		if ok {
			if status.Failed {
				fmt.Fprintln(os.Stderr, "dev session failed to start:")
				fmt.Fprintf(os.Stderr, "  frontend=%s backend=%s db=%s\n",
					status.FrontendStatus, status.BackendStatus, status.DBStatus)
				os.Exit(1)
			}
			if status.Status == "ok" {
				fmt.Printf("dev session ready on http://127.0.0.1:%d\n", port)
				return
			}
		}

		time.Sleep(300 * time.Millisecond)
	}
}

func probeHealth(client *http.Client, url string) (supervisor.HealthStatus, bool) {
	resp, err := client.Get(url)
	if err != nil {
		return supervisor.HealthStatus{}, false
	}
	defer resp.Body.Close()

	var status supervisor.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return supervisor.HealthStatus{}, false
	}
	return status, true
}

// streamFluxLogs polls Flux's read API for new records scoped to appDir
// and prints them as a side panel under the starter's own output.
func streamFluxLogs(appDir string, stop <-chan struct{}) {
	client := &http.Client{Timeout: 2 * time.Second}
	var lastID int64

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		query := url.Values{"app_path": {appDir}, "last_id": {fmt.Sprintf("%d", lastID)}}
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/v1/query_after?%s", flux.Port, query.Encode()))
		if err != nil {
			continue
		}

		var records []struct {
			InsertionID  int64  `json:"insertion_id"`
			ServiceName  string `json:"service_name"`
			SeverityText string `json:"severity_text"`
			Body         string `json:"body"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&records)
		resp.Body.Close()
		if decodeErr != nil {
			continue
		}

		for _, r := range records {
			fmt.Printf("  [%s] %s: %s\n", r.ServiceName, r.SeverityText, r.Body)
			if r.InsertionID > lastID {
				lastID = r.InsertionID
			}
		}
	}
}

func cmdDevStop(args []string) {
	appDir, err := filepath.Abs(projectDir(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		os.Exit(1)
	}
	cfg := config.DefaultConfig()

	l, err := lockfile.Read(appDir)
	if err != nil {
		fmt.Println("dev session is not running")
		return
	}
	if !lockfile.IsAlive(l) {
		fmt.Println("dev session is not running (stale lock file)")
		lockfile.Remove(appDir)
		return
	}

	stopDevSession(cfg, appDir, l.Port)
}

// stopDevSession asks apxd to stop gracefully via /_apx/stop, falling back
// to SIGTERM then SIGKILL against the recorded PID if the HTTP call fails
// or the process doesn't exit in time.
func stopDevSession(cfg *config.Config, appDir string, port int) {
	l, err := lockfile.Read(appDir)
	if err != nil {
		fmt.Println("dev session is not running")
		return
	}

	stopURL := fmt.Sprintf("http://127.0.0.1:%d/_apx/stop", port)
	client := &http.Client{Timeout: 2 * time.Second}
	if _, err := client.Post(stopURL, "application/json", nil); err != nil {
		proc, ferr := os.FindProcess(l.PID)
		if ferr == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.Now().Add(cfg.GracefulShutdownTimeout + cfg.ProcessTreeWait)
	for time.Now().Before(deadline) {
		if !lockfile.IsAlive(l) {
			fmt.Println("dev session stopped")
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Fprintln(os.Stderr, "dev session did not stop in time, sending SIGKILL")
	if proc, err := os.FindProcess(l.PID); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	lockfile.Remove(appDir)
}

func cmdDevStatus(args []string) {
	appDir, err := filepath.Abs(projectDir(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		os.Exit(1)
	}

	l, err := lockfile.Read(appDir)
	if err != nil || !lockfile.IsAlive(l) {
		fmt.Println("dev session is not running")
		return
	}

	cfg := config.DefaultConfig()
	client := &http.Client{Timeout: cfg.HealthProbeTimeout}
	status, ok := probeHealth(client, fmt.Sprintf("http://127.0.0.1:%d/_apx/health", l.Port))
	if !ok {
		fmt.Printf("dev session running (pid %d, port %d) but not responding to health checks\n", l.PID, l.Port)
		return
	}

	fmt.Printf("status:   %s\n", status.Status)
	fmt.Printf("frontend: %s\n", status.FrontendStatus)
	fmt.Printf("backend:  %s\n", status.BackendStatus)
	fmt.Printf("database: %s\n", status.DBStatus)
}

// detachedProcAttr isolates apxd into its own session so it outlives the
// starter's own process group (e.g. a terminal close or Ctrl-C sent to the
// starter's foreground group must not kill the daemon it just spawned).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
