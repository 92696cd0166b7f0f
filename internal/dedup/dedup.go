// Package dedup implements the bounded FIFO Dedup Window: a set of
// (remoteJid, messageId) keys capped at a fixed size, with first-in-first-out
// eviction of the oldest inserted key once the cap is reached.
package dedup

import (
	"sync"

	"github.com/elliotchance/orderedmap/v3"
)

// DefaultCapacity is the dedup set size named by the spec: a correctness
// bound over the recent past, not a durability guarantee across restarts.
const DefaultCapacity = 5000

// Window is a thread-safe bounded FIFO set of dedup keys.
type Window struct {
	mu       sync.Mutex
	capacity int
	seen     *orderedmap.OrderedMap[string, struct{}]
}

// New returns an empty Window with the given capacity. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		capacity: capacity,
		seen:     orderedmap.NewOrderedMap[string, struct{}](),
	}
}

// Key forms the dedup key for a (remoteJid, messageId) pair.
func Key(remoteJID, messageID string) string {
	return remoteJID + ":" + messageID
}

// CheckAndInsert reports whether key was already present. If absent, it is
// inserted and, if the window is now over capacity, the oldest key is
// evicted. The window never exceeds its configured capacity.
func (w *Window) CheckAndInsert(key string) (alreadySeen bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen.Get(key); ok {
		return true
	}

	w.seen.Set(key, struct{}{})
	if w.seen.Len() > w.capacity {
		oldest := w.seen.Front()
		if oldest != nil {
			w.seen.Delete(oldest.Key)
		}
	}
	return false
}

// Len returns the current number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seen.Len()
}

// Reset discards all tracked keys, used on Disconnect/Stop and on the
// restart-required fast-path.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = orderedmap.NewOrderedMap[string, struct{}]()
}
