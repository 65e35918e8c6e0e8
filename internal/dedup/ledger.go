// Package dedup remembers which messages have already been handed to the scan
// pipeline, so overlapping poll windows and reconnect catch-ups do not produce
// a second scan of the same message.
package dedup

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a claimed identity is remembered.
	DefaultTTL = time.Hour

	sweepInterval = 1 * time.Minute
)

// Ledger is an in-memory set of claimed message identities, partitioned by mailbox scope.
// It is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	scopes map[string]map[string]time.Time
	ttl    time.Duration
	now    func() time.Time

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewLedger creates a ledger and starts its sweep goroutine. Call Close to stop it.
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Ledger{
		scopes:        make(map[string]map[string]time.Time),
		ttl:           ttl,
		now:           time.Now,
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	l.startCleanupGoroutine()
	return l
}

// TryClaim records identity under scope and reports whether this call made the claim.
// An entry older than the TTL counts as absent.
func (l *Ledger) TryClaim(scope, identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries, ok := l.scopes[scope]
	if !ok {
		entries = make(map[string]time.Time)
		l.scopes[scope] = entries
	}
	if claimedAt, seen := entries[identity]; seen && now.Sub(claimedAt) < l.ttl {
		return false
	}
	entries[identity] = now
	return true
}

// Release drops a single claim so the identity can be claimed again.
func (l *Ledger) Release(scope, identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entries, ok := l.scopes[scope]; ok {
		delete(entries, identity)
		if len(entries) == 0 {
			delete(l.scopes, scope)
		}
	}
}

// Forget drops every claim of a scope.
func (l *Ledger) Forget(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.scopes, scope)
}

// Len returns the number of claims held for scope, expired ones included until the next sweep.
func (l *Ledger) Len(scope string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scopes[scope])
}

// Sweep removes expired claims and returns how many were removed.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for scope, entries := range l.scopes {
		for identity, claimedAt := range entries {
			if now.Sub(claimedAt) >= l.ttl {
				delete(entries, identity)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(l.scopes, scope)
		}
	}
	return removed
}

// Close stops the sweep goroutine. Claims stay readable.
func (l *Ledger) Close() {
	l.closeOnce.Do(l.cleanupCancel)
}

// startCleanupGoroutine sweeps expired claims every minute until Close.
func (l *Ledger) startCleanupGoroutine() {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.cleanupCtx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
