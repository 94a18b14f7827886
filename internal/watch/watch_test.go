package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnvWatcherFiresOnceForBurstOfChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=1"), 0644); err != nil {
		t.Fatal(err)
	}

	var fired int32
	w := NewEnvWatcher([]string{path}, func() { atomic.AddInt32(&fired, 1) })
	w.Poll = 20 * time.Millisecond
	w.Debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	// Burst of writes close together — should collapse to one OnChange.
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		os.WriteFile(path, []byte("A="+string(rune('1'+i))), 0644)
	}

	time.Sleep(300 * time.Millisecond)
	cancel()

	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("OnChange fired %d times, want exactly 1", got)
	}
}

func TestEnvWatcherIgnoresUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("A=1"), 0644)

	var fired int32
	w := NewEnvWatcher([]string{path}, func() { atomic.AddInt32(&fired, 1) })
	w.Poll = 20 * time.Millisecond
	w.Debounce = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&fired); got != 0 {
		t.Fatalf("OnChange fired %d times for an untouched file, want 0", got)
	}
}

func TestProjectExistenceWatcherFiresOnRemoval(t *testing.T) {
	dir := t.TempDir()
	projDir := filepath.Join(dir, "proj")
	os.Mkdir(projDir, 0755)

	removed := make(chan struct{}, 1)
	w := NewProjectExistenceWatcher(projDir, func() { removed <- struct{}{} })
	w.Poll = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	os.RemoveAll(projDir)

	select {
	case <-removed:
	case <-time.After(1 * time.Second):
		t.Fatal("OnRemoved was not called after project directory removal")
	}
}

func TestSchemaWatcherRunsCodegenOnWrite(t *testing.T) {
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "schema.sql")
	os.WriteFile(schemaPath, []byte("create table t(x int);"), 0644)

	marker := filepath.Join(dir, "codegen-ran")
	w := NewSchemaWatcher(dir, []string{"sh", "-c", "touch " + marker})
	w.InitialDelay = 10 * time.Millisecond
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	os.WriteFile(schemaPath, []byte("create table t(x int, y int);"), 0644)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("codegen marker file was never created")
}

func TestSchemaWatcherIgnoresVendorDirs(t *testing.T) {
	dir := t.TempDir()
	vendorDir := filepath.Join(dir, "node_modules")
	os.Mkdir(vendorDir, 0755)

	marker := filepath.Join(dir, "codegen-ran")
	w := NewSchemaWatcher(dir, []string{"sh", "-c", "touch " + marker})
	w.InitialDelay = 10 * time.Millisecond
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	os.WriteFile(filepath.Join(vendorDir, "churn.js"), []byte("x"), 0644)

	time.Sleep(300 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("codegen ran for a change under an ignored vendor directory")
	}
}
