// ABOUTME: Tests for the message id window
// ABOUTME: Validates duplicate detection, TTL expiry, size bound and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestWindow_Observe(t *testing.T) {
	w := New(Options{})

	assert.False(t, w.Observe("m1"))
	assert.True(t, w.Observe("m1"))
	assert.False(t, w.Observe("m2"))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_EmptyIDNeverDuplicate(t *testing.T) {
	w := New(Options{})

	assert.False(t, w.Observe(""))
	assert.False(t, w.Observe(""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	w := New(Options{TTL: time.Minute, Now: clk.Now})

	w.Observe("m1")
	clk.Advance(30 * time.Second)
	assert.True(t, w.Contains("m1"))

	clk.Advance(31 * time.Second)
	assert.False(t, w.Contains("m1"))
	assert.False(t, w.Observe("m1"), "expired id is accepted again")
}

func TestWindow_MaxSizeEvictsOldest(t *testing.T) {
	w := New(Options{MaxSize: 3})

	for i := 0; i < 4; i++ {
		w.Observe(fmt.Sprintf("m%d", i))
	}

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Contains("m0"))
	assert.True(t, w.Contains("m3"))
}

func TestWindow_Forget(t *testing.T) {
	w := New(Options{})

	w.Observe("m1")
	w.Forget("m1")
	w.Forget("never-seen")

	assert.False(t, w.Contains("m1"))
	assert.False(t, w.Observe("m1"))
}

func TestWindow_ConcurrentObserve(t *testing.T) {
	w := New(Options{})

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Observe("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}
