package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(ttl time.Duration, max int) (*Window, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, max)
	w.now = c.now
	w.rotated = c.t
	return w, c
}

func TestSeenMarksOnFirstCall(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 100)

	assert.False(t, w.Seen("$event1"))
	assert.True(t, w.Seen("$event1"))
	assert.False(t, w.Seen("$event2"))
	assert.Equal(t, 2, w.Len())
}

func TestEmptyKeyNeverSeen(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 100)
	assert.False(t, w.Seen(""))
	assert.False(t, w.Seen(""))
	assert.Equal(t, 0, w.Len())
}

func TestKeysSurviveOneRotation(t *testing.T) {
	w, c := newTestWindow(time.Minute, 100)
	w.Seen("$a")

	c.advance(40 * time.Second)
	assert.True(t, w.Seen("$a"), "still remembered after half the ttl")

	c.advance(40 * time.Second)
	assert.True(t, w.Seen("$a"), "promoted on access")
}

func TestKeysExpireAfterTTL(t *testing.T) {
	w, c := newTestWindow(time.Minute, 100)
	w.Seen("$a")

	c.advance(61 * time.Second)
	assert.False(t, w.Seen("$a"))
}

func TestUntouchedKeysDropAfterTwoRotations(t *testing.T) {
	w, c := newTestWindow(time.Minute, 100)
	w.Seen("$old")

	c.advance(31 * time.Second)
	w.Seen("$x") // rotates: $old moves to previous
	c.advance(31 * time.Second)
	w.Seen("$y") // rotates again: $old is gone

	assert.False(t, w.Seen("$old"))
}

func TestSizeBound(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 10)
	for i := 0; i < 100; i++ {
		w.Seen(fmt.Sprintf("$e%d", i))
	}
	assert.LessOrEqual(t, w.Len(), 10)
	assert.True(t, w.Seen("$e99"), "most recent keys are kept")
}

func TestConcurrentSeenCountsOnce(t *testing.T) {
	w := New(time.Minute, 1000)
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("$same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}
