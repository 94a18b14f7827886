// Package supervisor owns the three ChildSlots a dev session is built
// from — database, frontend bundler, and backend — and drives their
// startup order, health reporting, and three-phase shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xfeldman/apxdev/internal/childproc"
	"github.com/xfeldman/apxdev/internal/secrets"
)

// Ports holds the three TCP ports a session's children are bound to.
type Ports struct {
	Frontend int
	Backend  int
	Database int
}

// Spec describes the project a Supervisor drives.
type Spec struct {
	AppDir        string
	AppSlug       string
	AppEntrypoint string
	Host          string
	Ports         Ports
	DotenvVars    map[string]string

	// FrontendCommand/BackendCommand/DatabaseCommand are the argv for each
	// child; index 0 is the binary.
	FrontendCommand []string
	BackendCommand  []string
	DatabaseCommand []string

	// RotatePassword performs the one-shot database credential rotation
	// once the database's TCP port accepts connections. Supplied by the
	// caller so the supervisor stays free of any specific database driver.
	RotatePassword func(ctx context.Context, host string, port int, newPassword string) error

	// LineSink receives every line of output from every child, tagged by
	// role — the supervisor forwards lines here for onward shipping to
	// Flux.
	LineSink func(role childproc.Role, appSlug, line string)
}

// HealthStatus is the JSON shape served at GET /_apx/health.
type HealthStatus struct {
	Status         string `json:"status"`
	FrontendStatus string `json:"frontend_status"`
	BackendStatus  string `json:"backend_status"`
	DBStatus       string `json:"db_status"`
	Failed         bool   `json:"failed"`
}

// Supervisor owns a single dev session's three child processes.
type Supervisor struct {
	spec Spec

	mu         sync.Mutex
	slots      map[childproc.Role]*childproc.Slot
	devToken   string
	dbPassword string
	started    bool
}

// New creates an unstarted Supervisor for spec. A fresh fencing token and
// database password are generated immediately so they're available to
// inject into every child's environment at spawn time.
func New(spec Spec) (*Supervisor, error) {
	devToken, err := secrets.DevToken()
	if err != nil {
		return nil, fmt.Errorf("generate dev token: %w", err)
	}
	dbPassword, err := secrets.DBPassword()
	if err != nil {
		return nil, fmt.Errorf("generate db password: %w", err)
	}

	return &Supervisor{
		spec:       spec,
		slots:      make(map[childproc.Role]*childproc.Slot),
		devToken:   devToken,
		dbPassword: dbPassword,
	}, nil
}

// DevToken returns the per-run fencing token every proxied request must
// carry.
func (sv *Supervisor) DevToken() string {
	return sv.devToken
}

func (sv *Supervisor) commonEnv(role childproc.Role) []string {
	env := []string{
		"APX_DEV_TOKEN=" + sv.devToken,
		"APX_DEV_DB_PWD=" + sv.dbPassword,
		fmt.Sprintf("APX_FRONTEND_PORT=%d", sv.spec.Ports.Frontend),
		fmt.Sprintf("APX_BACKEND_PORT=%d", sv.spec.Ports.Backend),
		fmt.Sprintf("APX_DEV_DB_PORT=%d", sv.spec.Ports.Database),
		"APX_APP_NAME=" + sv.spec.AppSlug,
		"APX_APP_PATH=" + sv.spec.AppDir,
		"APX_COLLECT_LOGS=1",
		"APX_OTEL_LOGS=1",
		"PYTHONUNBUFFERED=1",
	}
	for k, v := range sv.spec.DotenvVars {
		env = append(env, k+"="+v)
	}
	return env
}

func (sv *Supervisor) lineSink(role childproc.Role) func(childproc.Role, string) {
	return func(_ childproc.Role, line string) {
		if isNoisyLine(line) {
			return
		}
		if sv.spec.LineSink != nil {
			sv.spec.LineSink(role, sv.spec.AppSlug, line)
		}
	}
}

// Start spawns the database, waits for it to accept connections and
// rotates its password, then spawns the frontend bundler and backend.
// Per spec, a database failure only logs a warning; a frontend or backend
// spawn failure is returned to the caller.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.mu.Lock()
	if sv.started {
		sv.mu.Unlock()
		return nil
	}
	sv.started = true
	sv.mu.Unlock()

	dbSlot := childproc.NewSlot(childproc.Spec{
		Role:     childproc.RoleDatabase,
		Command:  sv.spec.DatabaseCommand[0],
		Args:     sv.spec.DatabaseCommand[1:],
		Env:      sv.commonEnv(childproc.RoleDatabase),
		Dir:      sv.spec.AppDir,
		LineSink: sv.lineSink(childproc.RoleDatabase),
	})
	sv.setSlot(childproc.RoleDatabase, dbSlot)

	if err := dbSlot.Start(); err != nil {
		slog.Warn("database spawn failed, continuing without it", "err", err)
	} else if waitForPort(sv.spec.Host, sv.spec.Ports.Database, 30, 100*time.Millisecond) {
		if sv.spec.RotatePassword != nil {
			rotCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := sv.spec.RotatePassword(rotCtx, sv.spec.Host, sv.spec.Ports.Database, sv.dbPassword); err != nil {
				slog.Warn("database password rotation failed", "err", err)
			}
			cancel()
		}
	} else {
		slog.Warn("database did not become reachable within 3s")
	}

	frontendSlot := childproc.NewSlot(childproc.Spec{
		Role:      childproc.RoleFrontend,
		Command:   sv.spec.FrontendCommand[0],
		Args:      sv.spec.FrontendCommand[1:],
		Env:       sv.commonEnv(childproc.RoleFrontend),
		Dir:       sv.spec.AppDir,
		Critical:  true,
		HealthURL: fmt.Sprintf("http://%s:%d/", sv.spec.Host, sv.spec.Ports.Frontend),
		LineSink:  sv.lineSink(childproc.RoleFrontend),
	})
	sv.setSlot(childproc.RoleFrontend, frontendSlot)
	if err := frontendSlot.Start(); err != nil {
		return fmt.Errorf("start frontend: %w", err)
	}

	if err := writeUvicornLoggingConfig(sv.spec.AppDir); err != nil {
		slog.Warn("regenerate uvicorn logging config", "err", err)
	}

	backendSlot := childproc.NewSlot(childproc.Spec{
		Role:      childproc.RoleBackend,
		Command:   sv.spec.BackendCommand[0],
		Args:      sv.spec.BackendCommand[1:],
		Env:       sv.commonEnv(childproc.RoleBackend),
		Dir:       sv.spec.AppDir,
		Critical:  true,
		HealthURL: fmt.Sprintf("http://%s:%d/", sv.spec.Host, sv.spec.Ports.Backend),
		LineSink:  sv.lineSink(childproc.RoleBackend),
	})
	sv.setSlot(childproc.RoleBackend, backendSlot)
	if err := backendSlot.Start(); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	return nil
}

// RestartBackend stops and respawns only the backend slot, picking up any
// change to envOverrides as the child's new environment. Used when the
// project's .env or dependency lockfile changes underneath a running
// session — the frontend bundler and database are left untouched.
func (sv *Supervisor) RestartBackend(ctx context.Context, wait time.Duration, envOverrides map[string]string) error {
	sv.mu.Lock()
	if !sv.started {
		sv.mu.Unlock()
		return fmt.Errorf("restart backend: supervisor not started")
	}
	sv.spec.DotenvVars = envOverrides
	old := sv.slots[childproc.RoleBackend]
	sv.mu.Unlock()

	if old != nil {
		old.Stop(ctx, wait)
	}

	if err := writeUvicornLoggingConfig(sv.spec.AppDir); err != nil {
		slog.Warn("regenerate uvicorn logging config", "err", err)
	}

	backendSlot := childproc.NewSlot(childproc.Spec{
		Role:      childproc.RoleBackend,
		Command:   sv.spec.BackendCommand[0],
		Args:      sv.spec.BackendCommand[1:],
		Env:       sv.commonEnv(childproc.RoleBackend),
		Dir:       sv.spec.AppDir,
		Critical:  true,
		HealthURL: fmt.Sprintf("http://%s:%d/", sv.spec.Host, sv.spec.Ports.Backend),
		LineSink:  sv.lineSink(childproc.RoleBackend),
	})
	sv.setSlot(childproc.RoleBackend, backendSlot)
	if err := backendSlot.Start(); err != nil {
		return fmt.Errorf("restart backend: %w", err)
	}
	return nil
}

func (sv *Supervisor) setSlot(role childproc.Role, s *childproc.Slot) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.slots[role] = s
}

func (sv *Supervisor) slot(role childproc.Role) *childproc.Slot {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.slots[role]
}

// Health computes the current /_apx/health payload. Status is "ok" iff
// both frontend and backend report healthy; a "failed" on either gates
// the overall status. The database is reported but never gates health.
func (sv *Supervisor) Health() HealthStatus {
	frontend := sv.slot(childproc.RoleFrontend)
	backend := sv.slot(childproc.RoleBackend)
	db := sv.slot(childproc.RoleDatabase)

	var fStatus, bStatus, dStatus childproc.Status
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); fStatus = statusOf(frontend) }()
	go func() { defer wg.Done(); bStatus = statusOf(backend) }()
	go func() { defer wg.Done(); dStatus = statusOf(db) }()
	wg.Wait()

	failed := fStatus == childproc.StatusFailed || bStatus == childproc.StatusFailed
	status := "starting"
	if fStatus == childproc.StatusHealthy && bStatus == childproc.StatusHealthy {
		status = "ok"
	}

	return HealthStatus{
		Status:         status,
		FrontendStatus: string(fStatus),
		BackendStatus:  string(bStatus),
		DBStatus:       string(dStatus),
		Failed:         failed,
	}
}

func statusOf(s *childproc.Slot) childproc.Status {
	if s == nil {
		return childproc.StatusStopped
	}
	return s.Status()
}

// Stop performs the three-phase shutdown: SIGTERM to all three children,
// a bounded parallel wait, then SIGKILL to whatever remains.
func (sv *Supervisor) Stop(ctx context.Context, wait time.Duration) {
	sv.mu.Lock()
	slots := make([]*childproc.Slot, 0, len(sv.slots))
	for _, s := range sv.slots {
		slots = append(slots, s)
	}
	sv.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range slots {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop(ctx, wait)
		}()
	}
	wg.Wait()
}

// waitForPort polls until host:port accepts a TCP connection or attempts
// are exhausted.
func waitForPort(host string, port int, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		if portOpen(host, port) {
			return true
		}
		time.Sleep(interval)
	}
	return portOpen(host, port)
}
