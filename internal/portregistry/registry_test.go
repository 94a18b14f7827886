package portregistry

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateNextPortEmpty(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registry.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := r.allocateNextPort(9000); got != 9000 {
		t.Fatalf("got %d, want 9000", got)
	}
}

func TestAllocateNextPortIncremental(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registry.toml"))
	if err != nil {
		t.Fatal(err)
	}
	r.data.Servers["/a"] = entry{Port: 9000}
	r.data.Servers["/b"] = entry{Port: 9001}

	if got := r.allocateNextPort(9000); got != 9002 {
		t.Fatalf("got %d, want 9002", got)
	}
}

func TestAllocateNextPortFillsGaps(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registry.toml"))
	if err != nil {
		t.Fatal(err)
	}
	r.data.Servers["/a"] = entry{Port: 9000}
	r.data.Servers["/c"] = entry{Port: 9002}

	if got := r.allocateNextPort(9000); got != 9001 {
		t.Fatalf("got %d, want 9001 (the gap)", got)
	}
}

func TestCleanupStaleEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(filepath.Join(dir, "registry.toml"))
	if err != nil {
		t.Fatal(err)
	}

	live := filepath.Join(dir, "live")
	if err := os.Mkdir(live, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "gone")

	r.data.Servers[live] = entry{Port: 9000}
	r.data.Servers[stale] = entry{Port: 9001}

	removed := r.CleanupStaleEntries()
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("got %v, want [%s]", removed, stale)
	}
	if _, ok := r.data.Servers[live]; !ok {
		t.Fatal("live entry was removed")
	}
	if _, ok := r.data.Servers[stale]; ok {
		t.Fatal("stale entry was not removed")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.toml")

	r1, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	port, err := r1.GetOrAllocatePort("/my/project", 0, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if port != 9000 {
		t.Fatalf("got %d, want 9000", port)
	}
	if err := r1.Save(); err != nil {
		t.Fatal(err)
	}

	r2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r2.GetOrAllocatePort("/my/project", 0, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Fatalf("reloaded port %d, want %d", got, port)
	}
}

func TestGetOrAllocatePortPreferredOverrides(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registry.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.GetOrAllocatePort("/proj", 0, 9000); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetOrAllocatePort("/proj", 9500, 9000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 9500 {
		t.Fatalf("got %d, want preferred 9500", got)
	}
}
