// Package portregistry tracks which TCP port each known project directory
// last used, persisted as TOML at ~/.apx/registry.toml so the dev CLI picks
// the same port across restarts and fills gaps left by retired projects.
package portregistry

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

const maxPort = 65535

// entry is a single project's allocation, as stored under the [servers]
// table keyed by canonical project path.
type entry struct {
	Port int `toml:"port"`
}

// file is the on-disk shape of registry.toml.
type file struct {
	Servers map[string]entry `toml:"servers"`
}

// Registry is an in-memory view of registry.toml, loaded once. Mutations
// stay in memory until Save writes them back.
type Registry struct {
	path string
	data file
}

// Load reads the registry at path, tolerating its absence (a missing file
// is an empty registry, not an error).
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, data: file{Servers: map[string]entry{}}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	if err := toml.Unmarshal(raw, &r.data); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if r.data.Servers == nil {
		r.data.Servers = map[string]entry{}
	}
	return r, nil
}

// Save writes the registry back to disk.
func (r *Registry) Save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	raw, err := toml.Marshal(r.data)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.WriteFile(r.path, raw, 0600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// GetOrAllocatePort returns the port recorded for projectPath. If preferred
// is nonzero, it always overrides and is recorded verbatim (the caller
// asked for a specific port explicitly). Otherwise an existing entry is
// reused, or a fresh port is allocated starting at devPortStart.
func (r *Registry) GetOrAllocatePort(projectPath string, preferred int, devPortStart int) (int, error) {
	canon, err := filepath.Abs(projectPath)
	if err != nil {
		return 0, fmt.Errorf("resolve project path: %w", err)
	}

	if preferred != 0 {
		r.data.Servers[canon] = entry{Port: preferred}
		return preferred, nil
	}

	if e, ok := r.data.Servers[canon]; ok {
		return e.Port, nil
	}

	port := r.allocateNextPort(devPortStart)
	r.data.Servers[canon] = entry{Port: port}
	return port, nil
}

// allocateNextPort returns the lowest port at or above start not already
// recorded in the registry, filling gaps left by pruned entries.
func (r *Registry) allocateNextPort(start int) int {
	used := make(map[int]bool, len(r.data.Servers))
	for _, e := range r.data.Servers {
		used[e.Port] = true
	}

	for p := start; p <= maxPort; p++ {
		if !used[p] {
			return p
		}
	}
	return maxPort
}

// CleanupStaleEntries removes entries whose project path no longer exists
// on disk, and returns the removed paths.
func (r *Registry) CleanupStaleEntries() []string {
	var removed []string
	for path := range r.data.Servers {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			removed = append(removed, path)
			delete(r.data.Servers, path)
		}
	}
	sort.Strings(removed)
	return removed
}

// Ports returns a sorted snapshot of every currently-registered port, for
// diagnostics and tests.
func (r *Registry) Ports() []int {
	ports := make([]int, 0, len(r.data.Servers))
	for _, e := range r.data.Servers {
		ports = append(ports, e.Port)
	}
	sort.Ints(ports)
	return ports
}

// IsPortFree reports whether port is currently bindable on loopback. The
// registry's bookkeeping is advisory; callers that care whether a port is
// actually free should probe it directly before trusting a stored value.
func IsPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
