// ABOUTME: Two-generation set of recently seen event ids with time and size bounds
// ABOUTME: Lookups and inserts are O(1); no background goroutine is needed

package dedupe

import (
	"sync"
	"time"
)

// Window remembers keys for at least ttl/2 and at most ttl, holding no
// more than max keys. Safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	current  map[string]struct{}
	previous map[string]struct{}
	rotated  time.Time
	ttl      time.Duration
	max      int
	now      func() time.Time
}

// New creates a window. Non-positive arguments select 10 minutes and 4096 keys.
func New(ttl time.Duration, max int) *Window {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if max <= 0 {
		max = 4096
	}
	w := &Window{
		current:  make(map[string]struct{}),
		previous: make(map[string]struct{}),
		ttl:      ttl,
		max:      max,
		now:      time.Now,
	}
	w.rotated = w.now()
	return w
}

// Seen reports whether key was already recorded and records it if not.
// The empty key is never considered seen.
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeRotate()
	if _, ok := w.current[key]; ok {
		return true
	}
	if _, ok := w.previous[key]; ok {
		// Promote so a busy key survives the next rotation.
		w.current[key] = struct{}{}
		return true
	}
	w.current[key] = struct{}{}
	return false
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.current)
	for k := range w.previous {
		if _, dup := w.current[k]; !dup {
			n++
		}
	}
	return n
}

func (w *Window) maybeRotate() {
	now := w.now()
	age := now.Sub(w.rotated)
	switch {
	case age >= w.ttl:
		// Both generations are stale.
		w.previous = make(map[string]struct{})
		w.current = make(map[string]struct{})
		w.rotated = now
	case age >= w.ttl/2 || len(w.current) >= w.max/2:
		w.previous = w.current
		w.current = make(map[string]struct{}, len(w.previous))
		w.rotated = now
	}
}
