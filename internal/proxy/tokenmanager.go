package proxy

import (
	"context"
	"sync"
	"time"
)

// RefreshInterval is the age threshold past which TokenManager attempts a
// best-effort refresh on the next Get.
const RefreshInterval = 45 * time.Minute

// TokenManager holds the current bearer credential injected into proxied
// API requests, refreshing it from within Get on an age trigger. Only the
// Get call that starts a refresh waits for it; concurrent readers never
// block on it — they observe the pre-refresh value until it completes.
type TokenManager struct {
	fetch func(ctx context.Context) (string, error)

	mu        sync.RWMutex
	token     string
	fetchedAt time.Time

	refreshing sync.Mutex
}

// NewTokenManager creates a manager that calls fetch to obtain a fresh
// token. The first token is fetched synchronously so Get never returns
// an empty string.
func NewTokenManager(ctx context.Context, fetch func(ctx context.Context) (string, error)) (*TokenManager, error) {
	tm := &TokenManager{fetch: fetch}

	tok, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	tm.token = tok
	tm.fetchedAt = time.Now()
	return tm, nil
}

// Get returns the current token, triggering a best-effort refresh first
// if the current token is older than RefreshInterval. A failed refresh
// leaves the old token in place.
func (tm *TokenManager) Get(ctx context.Context) string {
	tm.mu.RLock()
	age := time.Since(tm.fetchedAt)
	current := tm.token
	tm.mu.RUnlock()

	if age > RefreshInterval {
		tm.refreshIfNeeded(ctx)
		tm.mu.RLock()
		current = tm.token
		tm.mu.RUnlock()
	}

	return current
}

// refreshIfNeeded performs at most one concurrent refresh; callers that
// lose the race simply proceed with whatever value is current once this
// returns.
func (tm *TokenManager) refreshIfNeeded(ctx context.Context) {
	if !tm.refreshing.TryLock() {
		return
	}
	defer tm.refreshing.Unlock()

	tm.mu.RLock()
	age := time.Since(tm.fetchedAt)
	tm.mu.RUnlock()
	if age <= RefreshInterval {
		return // another goroutine already refreshed since Get checked the age
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	tok, err := tm.fetch(fetchCtx)
	if err != nil {
		return // best-effort: keep the stale token
	}

	tm.mu.Lock()
	tm.token = tok
	tm.fetchedAt = time.Now()
	tm.mu.Unlock()
}
