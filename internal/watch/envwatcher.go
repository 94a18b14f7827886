// Package watch implements the three watchers that keep a dev session in
// sync with its project directory: the env/lockfile watcher, the schema
// watcher, and the project-existence watcher.
package watch

import (
	"context"
	"crypto/sha256"
	"os"
	"time"
)

// EnvWatcher polls a project's env files and its lock file for changes,
// restarting the backend when either changes. It debounces by draining
// any additional changes that arrive while it waits, so a burst of saves
// (an editor writing several files in one action) triggers a single
// restart rather than one per file.
type EnvWatcher struct {
	Paths    []string
	Poll     time.Duration
	Debounce time.Duration
	OnChange func()

	hashes map[string]string
}

// NewEnvWatcher creates a watcher over paths, polling every 300ms and
// debouncing changes for 150ms, per the dev session's default cadence.
func NewEnvWatcher(paths []string, onChange func()) *EnvWatcher {
	return &EnvWatcher{
		Paths:    paths,
		Poll:     300 * time.Millisecond,
		Debounce: 150 * time.Millisecond,
		OnChange: onChange,
		hashes:   make(map[string]string),
	}
}

// Run blocks polling until ctx is cancelled. A non-blocking check of
// ctx.Done() happens first on every loop iteration ("biased select"), so
// a pending stop is always honored before the next poll fires.
func (w *EnvWatcher) Run(ctx context.Context) {
	w.snapshot()

	ticker := time.NewTicker(w.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.drainThenFire(ctx, ticker)
			}
		}
	}
}

// drainThenFire waits Debounce, then keeps polling (without firing) for
// as long as changes keep arriving, only calling OnChange once activity
// settles.
func (w *EnvWatcher) drainThenFire(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.Debounce):
		}

		if !w.changed() {
			w.OnChange()
			return
		}
		// More changes arrived during the debounce window; loop and wait
		// again instead of firing yet.
	}
}

func (w *EnvWatcher) snapshot() {
	w.hashes = make(map[string]string, len(w.Paths))
	for _, p := range w.Paths {
		w.hashes[p] = hashFile(p)
	}
}

func (w *EnvWatcher) changed() bool {
	changed := false
	for _, p := range w.Paths {
		h := hashFile(p)
		if w.hashes[p] != h {
			w.hashes[p] = h
			changed = true
		}
	}
	return changed
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return string(sum[:])
}

// ProjectExistenceWatcher polls for the project directory's removal —
// e.g. the user deleted the project while its dev session was running —
// and signals OnRemoved once.
type ProjectExistenceWatcher struct {
	Dir        string
	Poll       time.Duration
	OnRemoved  func()
}

// NewProjectExistenceWatcher creates a watcher polling every 500ms.
func NewProjectExistenceWatcher(dir string, onRemoved func()) *ProjectExistenceWatcher {
	return &ProjectExistenceWatcher{Dir: dir, Poll: 500 * time.Millisecond, OnRemoved: onRemoved}
}

// Run blocks until ctx is cancelled or the project directory disappears.
func (w *ProjectExistenceWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(w.Dir); os.IsNotExist(err) {
				w.OnRemoved()
				return
			}
		}
	}
}
