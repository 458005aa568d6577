// ABOUTME: Thread-safe TTL window of recently seen message ids
// ABOUTME: Relay clients use it to drop a delivery that arrives twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxSize = 10000
)

type entry struct {
	id     string
	seenAt time.Time
}

// Options tunes a Window. Zero values select the defaults.
type Options struct {
	TTL     time.Duration
	MaxSize int
	Now     func() time.Time
}

// Window remembers message ids for TTL, bounded to MaxSize entries. Entries
// are kept in arrival order so expiry and eviction both pop from the front.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates an empty window.
func New(opts Options) *Window {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
	}
}

// Observe records id and reports whether it was already in the window.
// An empty id is never treated as a duplicate.
func (w *Window) Observe(id string) (duplicate bool) {
	if id == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if _, ok := w.index[id]; ok {
		return true
	}

	if w.order.Len() >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.index[id] = w.order.PushBack(&entry{id: id, seenAt: now})
	return false
}

// Contains reports whether id is in the window without recording it.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[id]
	if !ok {
		return false
	}
	return w.now().Sub(el.Value.(*entry).seenAt) <= w.ttl
}

// Forget removes id so a later delivery with the same id is accepted again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[id]; ok {
		w.removeLocked(el)
	}
}

// Len returns the number of ids currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(w.now())
	return w.order.Len()
}

func (w *Window) expireLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) <= w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(*entry).id)
}
