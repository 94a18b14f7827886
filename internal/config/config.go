package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Port ranges, fixed per the external interface contract.
const (
	FrontendPortStart = 5000
	FrontendPortEnd   = 5999
	BackendPortStart  = 8000
	BackendPortEnd    = 8999
	DBPortStart       = 4000
	DBPortEnd         = 4999
	DevPortStart      = 9000
	FluxPort          = 11111
)

// Config holds paths and tunables shared by apxd, apxflux, and apx.
type Config struct {
	// HomeDir is the base directory for apx's persistent state ($APX_HOME or ~/.apx).
	HomeDir string

	// BinDir is the directory containing sibling apx binaries.
	BinDir string

	// RegistryPath is the path to the port registry TOML file.
	RegistryPath string

	// FluxDir holds Flux's lock file, log file, and embedded database.
	FluxDir string
	// FluxDBPath is the path to Flux's SQLite database.
	FluxDBPath string
	// FluxLockPath records Flux's {pid, port, started_at}.
	FluxLockPath string
	// FluxLogPath is where Flux's own stdout/stderr are redirected when daemonized.
	FluxLogPath string

	// DevPortStart is the lowest port the registry will hand out.
	DevPortStart int

	// GracefulShutdownTimeout bounds the front-door server's HTTP drain.
	GracefulShutdownTimeout time.Duration
	// ProcessTreeWait is how long shutdown waits for a polite exit before force-killing.
	ProcessTreeWait time.Duration
	// HealthProbeTimeout bounds an upstream HTTP health check.
	HealthProbeTimeout time.Duration
	// TokenRefreshInterval is the age threshold for the reverse proxy's bearer credential.
	TokenRefreshInterval time.Duration
	// PortAvailableWait bounds the starter's wait for its chosen port to be bindable.
	PortAvailableWait time.Duration
	// BecomeHealthyTimeout bounds the starter's wait for /_apx/health to report ok.
	BecomeHealthyTimeout time.Duration
	// CodegenTimeout bounds the schema watcher's generator subprocess.
	CodegenTimeout time.Duration
}

// DefaultConfig returns the default configuration rooted at $APX_HOME or ~/.apx.
func DefaultConfig() *Config {
	home := os.Getenv("APX_HOME")
	if home == "" {
		userHome, _ := os.UserHomeDir()
		home = filepath.Join(userHome, ".apx")
	}

	fluxDir := filepath.Join(home, "logs")

	return &Config{
		HomeDir:      home,
		BinDir:       executableDir(),
		RegistryPath: filepath.Join(home, "registry.toml"),

		FluxDir:      fluxDir,
		FluxDBPath:   filepath.Join(fluxDir, "flux.db"),
		FluxLockPath: filepath.Join(fluxDir, "agent.lock"),
		FluxLogPath:  filepath.Join(fluxDir, "agent.log"),

		DevPortStart: DevPortStart,

		GracefulShutdownTimeout: 5 * time.Second,
		ProcessTreeWait:         500 * time.Millisecond,
		HealthProbeTimeout:      2 * time.Second,
		TokenRefreshInterval:    45 * time.Minute,
		PortAvailableWait:       2 * time.Second,
		BecomeHealthyTimeout:    60 * time.Second,
		CodegenTimeout:          30 * time.Second,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.HomeDir, c.FluxDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates a sibling apx binary by name. Search order:
//  1. Sibling directory of the running executable (BinDir).
//  2. PATH (exec.LookPath).
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
