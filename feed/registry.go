// Package feed shares change feeds between consumers. Opening one feed per
// watcher does not scale, so a Registry keeps at most one live feed per
// store and fans its events out to any number of listeners.
//
// The shared feed delivers every change unfiltered; listeners decide for
// themselves what is relevant. When the underlying feed fails, the error is
// fanned out to every listener and the entry is discarded, so the next
// Acquire opens a fresh feed.
package feed

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/telemetry"
)

// sharedFeedBuffer is larger than the per-consumer default because one slow
// fan-out stalls every listener on the store.
const sharedFeedBuffer = 256

// Default is the process-wide registry used by consumers that do not carry
// their own.
var Default = NewRegistry()

// Listener receives change events and terminal errors from a shared feed.
// Both methods are called from the feed goroutine and must not block; a
// listener that needs to do real work should hand the event off and return.
type Listener interface {
	Notify(ev docstore.ChangeEvent)
	NotifyError(err error)
}

// Funcs adapts plain functions to the Listener interface. Nil fields are
// skipped.
type Funcs struct {
	OnChange func(ev docstore.ChangeEvent)
	OnError  func(err error)
}

func (f Funcs) Notify(ev docstore.ChangeEvent) {
	if f.OnChange != nil {
		f.OnChange(ev)
	}
}

func (f Funcs) NotifyError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Registry tracks one shared change feed per store.
type Registry struct {
	mu      sync.Mutex
	entries map[docstore.Store]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[docstore.Store]*entry{}}
}

// Acquire returns a handle on the store's shared feed, opening the feed if
// this is the first acquisition. Every handle must be released.
func (r *Registry) Acquire(store docstore.Store) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[store]
	if e == nil {
		f, err := store.Changes(docstore.ChangesOptions{
			SinceNow:    true,
			IncludeDocs: true,
			Buffer:      sharedFeedBuffer,
		})
		if err != nil {
			return nil, err
		}
		e = &entry{
			reg:       r,
			store:     store,
			feed:      f,
			listeners: map[uint64]Listener{},
		}
		r.entries[store] = e
		telemetry.SharedFeeds.Inc()
		log.Debug().Str("store", store.Name()).Msg("Opened shared change feed")
		go e.pump()
	}
	e.refs++
	return &Handle{entry: e}, nil
}

// ActiveFeeds reports how many shared feeds are currently open.
func (r *Registry) ActiveFeeds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handle is one acquisition of a shared feed. Listeners registered through
// a handle are only valid until its Release.
type Handle struct {
	entry *entry
	once  sync.Once
}

// Store returns the store the handle's feed watches.
func (h *Handle) Store() docstore.Store { return h.entry.store }

// Listen registers a listener and returns a function that removes it.
// If the shared feed has already failed the listener is notified of the
// error immediately and never registered.
func (h *Handle) Listen(l Listener) func() {
	return h.entry.listen(l)
}

// Release returns the handle. The shared feed is cancelled when the last
// handle on it is released. Release is idempotent.
func (h *Handle) Release() {
	h.once.Do(h.entry.release)
}

// entry is the registry's bookkeeping for one store: the feed, its
// reference count and the attached listeners. refs is guarded by reg.mu,
// everything below mu by mu.
type entry struct {
	reg   *Registry
	store docstore.Store
	feed  *docstore.Feed
	refs  int

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	failErr   error
}

func (e *entry) listen(l Listener) func() {
	e.mu.Lock()
	if e.failErr != nil {
		err := e.failErr
		e.mu.Unlock()
		l.NotifyError(err)
		return func() {}
	}
	e.nextID++
	id := e.nextID
	e.listeners[id] = l
	e.mu.Unlock()
	telemetry.FeedListeners.Inc()

	return func() {
		e.mu.Lock()
		_, ok := e.listeners[id]
		if ok {
			delete(e.listeners, id)
		}
		e.mu.Unlock()
		if ok {
			telemetry.FeedListeners.Dec()
		}
	}
}

func (e *entry) release() {
	r := e.reg
	r.mu.Lock()
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	if r.entries[e.store] == e {
		delete(r.entries, e.store)
	}
	r.mu.Unlock()

	e.feed.Cancel()
	log.Debug().Str("store", e.store.Name()).Msg("Closed shared change feed")
}

func (e *entry) pump() {
	for ev := range e.feed.Events() {
		e.mu.RLock()
		for _, l := range e.listeners {
			l.Notify(ev)
		}
		n := len(e.listeners)
		e.mu.RUnlock()
		telemetry.FeedEventsTotal.Add(float64(n))
	}
	telemetry.SharedFeeds.Dec()

	if err := e.feed.Err(); err != nil {
		e.fail(err)
	}
}

// fail removes the entry from the registry before notifying listeners, so
// an Acquire racing with the failure gets a fresh feed rather than this
// dead one.
func (e *entry) fail(err error) {
	r := e.reg
	r.mu.Lock()
	if r.entries[e.store] == e {
		delete(r.entries, e.store)
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.failErr = err
	stale := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		stale = append(stale, l)
	}
	removed := len(e.listeners)
	e.listeners = map[uint64]Listener{}
	e.mu.Unlock()

	telemetry.FeedErrorsTotal.Inc()
	telemetry.FeedListeners.Sub(float64(removed))
	log.Warn().Err(err).Str("store", e.store.Name()).Msg("Shared change feed failed")

	for _, l := range stale {
		l.NotifyError(err)
	}
}
