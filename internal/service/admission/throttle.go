package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/compintel-pipeline/internal/domain"
)

// throttleEntry tracks request spacing for one key (a domain or a project).
type throttleEntry struct {
	lastRequest  time.Time
	nextAllowed  time.Time
	requestCount int64
}

// throttleTable is a keyed spacing table with background-friendly cleanup.
// Entries are created lazily on first touch.
type throttleTable struct {
	mu      sync.RWMutex
	entries map[string]*throttleEntry
}

func newThrottleTable() *throttleTable {
	return &throttleTable{entries: make(map[string]*throttleEntry)}
}

// Wait returns how long the key must still wait. Zero means not throttled.
func (t *throttleTable) Wait(key string, now time.Time) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[key]
	if !ok || !now.Before(e.nextAllowed) {
		return 0
	}
	return e.nextAllowed.Sub(now)
}

// Touch records an admitted request for the key and pushes its next allowed
// time forward by spacing.
func (t *throttleTable) Touch(key string, now time.Time, spacing time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{}
		t.entries[key] = e
	}
	e.lastRequest = now
	e.nextAllowed = now.Add(spacing)
	e.requestCount++
}

// CleanupExpired removes entries idle for longer than maxIdle and returns
// how many were dropped.
func (t *throttleTable) CleanupExpired(now time.Time, maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if now.Sub(e.lastRequest) > maxIdle {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and returns how many were removed.
func (t *throttleTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	t.entries = make(map[string]*throttleEntry)
	return n
}

// ActiveCount reports how many keys are currently inside their spacing
// window.
func (t *throttleTable) ActiveCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.entries {
		if now.Before(e.nextAllowed) {
			n++
		}
	}
	return n
}

// Entries returns a stable view of the table for the metrics surface.
func (t *throttleTable) Entries(now time.Time) []domain.ThrottleEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.ThrottleEntry, 0, len(t.entries))
	for key, e := range t.entries {
		out = append(out, domain.ThrottleEntry{
			Key:          key,
			LastRequest:  e.lastRequest,
			NextAllowed:  e.nextAllowed,
			RequestCount: e.requestCount,
			Throttled:    now.Before(e.nextAllowed),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
