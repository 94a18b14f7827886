package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// ignoredDirs are never descended into or watched — cache, vendor and
// build output churn constantly and none of it should trigger codegen.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	".apx":         true,
}

// SchemaWatcher watches a project's source tree for changes and runs a
// codegen command in response, debounced so rapid successive writes (an
// editor's autosave, a migration tool rewriting several files at once)
// collapse into a single regeneration.
type SchemaWatcher struct {
	AppDir       string
	CodegenCmd   []string
	Debounce     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration

	OnCodegenStart func()
	OnCodegenDone  func(err error)
}

// NewSchemaWatcher creates a watcher with the default cadence: a 500ms
// initial delay before the first watch registers (letting the dev
// session's own startup-time schema write settle), 100ms debounce, and a
// 30s bound on the generator subprocess.
func NewSchemaWatcher(appDir string, codegenCmd []string) *SchemaWatcher {
	return &SchemaWatcher{
		AppDir:       appDir,
		CodegenCmd:   codegenCmd,
		Debounce:     100 * time.Millisecond,
		InitialDelay: 500 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// Run blocks watching the project tree rooted at AppDir until ctx is
// cancelled.
func (w *SchemaWatcher) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(w.InitialDelay):
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, w.AppDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.AppDir, err)
	}

	debounced := debounce.New(w.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isIgnoredPath(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// A newly created directory needs its own watch; fsnotify
				// does not recurse on its own.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						slog.Warn("watch new directory", "path", event.Name, "err", err)
					}
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounced(func() { w.runCodegen(ctx) })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("schema watcher error", "err", err)
		}
	}
}

// addTree registers watcher on root and every non-ignored subdirectory
// beneath it.
func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// isIgnoredPath reports whether path falls under one of the ignored
// directory names anywhere in its components.
func isIgnoredPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}

func (w *SchemaWatcher) runCodegen(parent context.Context) {
	if w.OnCodegenStart != nil {
		w.OnCodegenStart()
	}

	ctx, cancel := context.WithTimeout(parent, w.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.CodegenCmd[0], w.CodegenCmd[1:]...)
	cmd.Dir = w.AppDir
	err := cmd.Run()

	if w.OnCodegenDone != nil {
		w.OnCodegenDone(err)
	}
	if err != nil {
		slog.Warn("schema codegen failed", "err", err)
	}
}
