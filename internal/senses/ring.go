// ABOUTME: Bounded ring of recent transcript fragments used as wake-word context
// ABOUTME: Entries are stamped with the bridge's receipt time so windows use one clock

package senses

import (
	"strings"
	"sync"
	"time"
)

// TranscriptEntry is one buffered transcript fragment. At is when the
// bridge received it.
type TranscriptEntry struct {
	Text string
	At   time.Time
}

// TranscriptRing is a fixed-capacity ring of transcript fragments. New
// entries overwrite the oldest once full. Safe for concurrent use.
type TranscriptRing struct {
	mutex    sync.Mutex
	entries  []TranscriptEntry
	capacity int
	next     int
	count    int
}

// NewTranscriptRing creates a ring holding at most capacity entries.
func NewTranscriptRing(capacity int) *TranscriptRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &TranscriptRing{
		entries:  make([]TranscriptEntry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (r *TranscriptRing) Add(text string, at time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.entries[r.next] = TranscriptEntry{Text: text, At: at}
	r.next = (r.next + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Since returns entries at or after cutoff, oldest first.
func (r *TranscriptRing) Since(cutoff time.Time) []TranscriptEntry {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]TranscriptEntry, 0, r.count)
	start := (r.next - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		e := r.entries[(start+i)%r.capacity]
		if !e.At.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (r *TranscriptRing) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.count
}

// Clear drops every entry.
func (r *TranscriptRing) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for i := range r.entries {
		r.entries[i] = TranscriptEntry{}
	}
	r.next = 0
	r.count = 0
}

// joinEntries concatenates entry text with single spaces.
func joinEntries(entries []TranscriptEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
