package docstore

import (
	"sync"
	"sync/atomic"
)

// defaultFeedBuffer is the channel buffer for change subscriptions. Sized
// for bulk-write bursts; a subscriber that still falls behind has its feed
// terminated with ErrFeedOverflow instead of silently losing events.
const defaultFeedBuffer = 64

// hubSub is a single change subscription. err is written at most once,
// before the channel closes, and must only be read after the channel is
// observed closed.
type hubSub struct {
	id     uint64
	ch     chan ChangeEvent
	closed atomic.Bool
	err    error
}

// fail terminates the subscription with a sticky error.
func (s *hubSub) fail(err error) {
	if s.closed.CompareAndSwap(false, true) {
		s.err = err
		close(s.ch)
	}
}

// close closes the subscription channel if not already closed.
func (s *hubSub) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// changeHub fans committed changes out to feed subscriptions. Publishers
// are serialized by the store's commit lock, which keeps events in sequence
// order and makes the overflow close safe against concurrent sends.
type changeHub struct {
	mu     sync.RWMutex
	subs   map[uint64]*hubSub
	nextID atomic.Uint64
}

func newChangeHub() *changeHub {
	return &changeHub{
		subs: make(map[uint64]*hubSub),
	}
}

// publish delivers ev to every live subscription. A full buffer fails that
// subscription rather than dropping or blocking.
func (h *changeHub) publish(ev ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.fail(ErrFeedOverflow)
		}
	}
}

// subscribe registers a new subscription with the given channel buffer.
// The cancel function is idempotent.
func (h *changeHub) subscribe(buffer int) (*hubSub, func()) {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	sub := &hubSub{
		id: h.nextID.Add(1),
		ch: make(chan ChangeEvent, buffer),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}
	return sub, cancel
}

// unsubscribe removes a subscription and closes its channel. Closing after
// removal keeps publish from ever sending on a closed channel.
func (h *changeHub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
