package location

import (
	"context"
	"sync"
)

const defaultFeedBuffer = 16

// Feed is a push-based Source. A gateway publishes fixes as the device
// reports them and every active watcher receives its own copy.
//
// Publish never blocks: a watcher whose buffer is full misses the fix.
type Feed struct {
	buf int

	mu     sync.Mutex
	next   uint64
	subs   map[uint64]chan Fix
	closed bool
}

// NewFeed constructs a Feed whose watchers buffer up to buf fixes.
func NewFeed(buf int) *Feed {
	if buf <= 0 {
		buf = defaultFeedBuffer
	}
	return &Feed{buf: buf, subs: make(map[uint64]chan Fix)}
}

// Watch registers a watcher. The channel closes when ctx is done or the feed is closed.
func (f *Feed) Watch(ctx context.Context) (<-chan Fix, error) {
	ch := make(chan Fix, f.buf)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, nil
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	context.AfterFunc(ctx, func() { f.remove(id) })

	return ch, nil
}

// Publish delivers fix to every current watcher.
func (f *Feed) Publish(fix Fix) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- fix:
		default:
		}
	}
}

// Watchers returns the number of registered watchers.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every watcher channel; later Watch calls return a closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}
