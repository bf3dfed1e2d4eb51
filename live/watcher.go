package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/feed"
	"github.com/maxpert/vole/memo"
	"github.com/maxpert/vole/result"
	"github.com/maxpert/vole/telemetry"
)

// ErrStopped is returned by Ready when the watcher is stopped before its
// first query cycle reaches a terminal state.
var ErrStopped = errors.New("live: watcher stopped")

// runFunc issues one query cycle.
type runFunc[T any] func(ctx context.Context) (T, error)

// relevanceFunc reports whether a change event can affect the query result.
// It runs on the shared feed goroutine and must be cheap.
type relevanceFunc func(ev docstore.ChangeEvent) bool

func anyChange(docstore.ChangeEvent) bool { return true }

// watcher is the engine behind every watch kind: one goroutine runs query
// cycles, the change listener only marks flags and wakes it, and a
// generation counter keeps results from superseded cycles out of the state
// machine.
//
// A change arriving while a query is in flight sets the dirty flag instead
// of starting a second query; the completed result is applied and exactly
// one fresh cycle follows, so any burst of changes costs one requery. A
// parameter change through setQuery additionally bumps the generation,
// which discards the in-flight result outright: the fresh cycle reads the
// store after every change the discarded one could have seen.
type watcher[T any] struct {
	kind    string
	store   docstore.Store
	handle  *feed.Handle
	remove  func()
	tracker *result.Tracker[T]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	fp          memo.Fingerprint
	run         runFunc[T]
	relevant    relevanceFunc
	renarrow    func(err error) relevanceFunc
	gen         uint64
	dirty       bool
	paramsDirty bool
	inFlight    bool
	feedErr     error
	feedErrSent bool
	stopped     bool

	wake    chan struct{}
	doneCh  chan struct{}
	updates chan result.Snapshot[T]

	ready     *future.Promise[result.Snapshot[T]]
	readyFut  *future.Future[result.Snapshot[T]]
	readyOnce sync.Once
	readyCh   chan struct{}
}

func newWatcher[T any](reg *feed.Registry, store docstore.Store, kind string,
	fp memo.Fingerprint, run runFunc[T], relevant relevanceFunc,
	renarrow func(error) relevanceFunc) (*watcher[T], error) {

	handle, err := reg.Acquire(store)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher[T]{
		kind:     kind,
		store:    store,
		handle:   handle,
		tracker:  result.New[T](nil),
		ctx:      ctx,
		cancel:   cancel,
		fp:       fp,
		run:      run,
		relevant: relevant,
		renarrow: renarrow,
		wake:     make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		updates:  make(chan result.Snapshot[T], 1),
		readyCh:  make(chan struct{}),
	}
	w.ready = future.NewPromise[result.Snapshot[T]]()
	w.readyFut = w.ready.Future()
	w.remove = handle.Listen(feed.Funcs{OnChange: w.onChange, OnError: w.onError})

	telemetry.ActiveWatchers.Inc()
	log.Debug().Str("store", store.Name()).Str("kind", kind).Msg("Watcher started")
	go w.loop()
	return w, nil
}

// Snapshot returns the current result state.
func (w *watcher[T]) Snapshot() result.Snapshot[T] { return w.tracker.Snapshot() }

// Updates returns a latest-wins stream of snapshots: when the consumer
// lags, an undelivered snapshot is replaced rather than queued behind.
func (w *watcher[T]) Updates() <-chan result.Snapshot[T] { return w.updates }

// Ready blocks until the first query cycle reaches a terminal state and
// returns that snapshot. A snapshot in the error state is a normal return
// with the query error in Snapshot.Err; Ready itself fails only when ctx
// expires or the watcher is stopped first.
func (w *watcher[T]) Ready(ctx context.Context) (result.Snapshot[T], error) {
	select {
	case <-w.readyCh:
		return w.readyFut.Get()
	case <-ctx.Done():
		var zero result.Snapshot[T]
		return zero, ctx.Err()
	}
}

// Store returns the store this watcher queries.
func (w *watcher[T]) Store() docstore.Store { return w.store }

// Stop tears the watcher down. After Stop returns no further state
// transition is dispatched and no snapshot is published; an in-flight query
// cycle is waited out and its result discarded. Idempotent.
func (w *watcher[T]) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.doneCh
		return
	}
	w.stopped = true
	w.gen++
	remove := w.remove
	w.mu.Unlock()

	remove()
	w.cancel()
	<-w.doneCh
	w.handle.Release()

	var zero result.Snapshot[T]
	w.completeReady(zero, ErrStopped)
	log.Debug().Str("store", w.store.Name()).Str("kind", w.kind).Msg("Watcher stopped")
}

// setQuery swaps the watcher onto new parameters. A fingerprint-equal call
// is a no-op. The bumped generation invalidates any in-flight result, and
// clearing the dirty flag is safe because the fresh cycle queries the store
// after every change that set it.
func (w *watcher[T]) setQuery(fp memo.Fingerprint, run runFunc[T],
	relevant relevanceFunc, renarrow func(error) relevanceFunc) bool {

	w.mu.Lock()
	if w.stopped || fp == w.fp {
		w.mu.Unlock()
		return false
	}
	w.fp = fp
	w.run = run
	w.relevant = relevant
	w.renarrow = renarrow
	w.gen++
	w.paramsDirty = true
	w.dirty = false
	w.mu.Unlock()
	w.wakeup()
	return true
}

func (w *watcher[T]) onChange(ev docstore.ChangeEvent) {
	w.mu.Lock()
	if w.stopped || w.feedErr != nil || !w.relevant(ev) {
		w.mu.Unlock()
		return
	}
	coalesced := w.inFlight
	w.dirty = true
	w.mu.Unlock()

	if coalesced {
		telemetry.CoalescedChangesTotal.Inc()
	}
	w.wakeup()
}

func (w *watcher[T]) onError(err error) {
	w.mu.Lock()
	if w.stopped || w.feedErr != nil {
		w.mu.Unlock()
		return
	}
	w.feedErr = err
	w.dirty = false
	w.mu.Unlock()
	w.wakeup()
}

func (w *watcher[T]) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) loop() {
	defer close(w.doneCh)
	defer telemetry.ActiveWatchers.Dec()

	w.cycle("initial")
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		w.drain()
	}
}

// drain runs cycles until nothing is pending. Parameter changes outrank
// change-driven requeries; a dead feed surfaces once as a failure that
// keeps the cached data.
func (w *watcher[T]) drain() {
	for {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		if w.feedErr != nil && !w.feedErrSent {
			err := w.feedErr
			w.feedErrSent = true
			w.mu.Unlock()
			w.dispatchFail(err, true)
			continue
		}
		var trigger string
		switch {
		case w.paramsDirty:
			trigger = "parameters"
			w.paramsDirty = false
			w.dirty = false
		case w.dirty:
			trigger = "change"
			w.dirty = false
		}
		w.mu.Unlock()

		if trigger == "" {
			return
		}
		w.cycle(trigger)
	}
}

func (w *watcher[T]) cycle(trigger string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.gen++
	myGen := w.gen
	run := w.run
	w.inFlight = true
	w.mu.Unlock()

	if _, changed := w.tracker.Start(); changed {
		w.publish()
	}
	telemetry.RequeriesTotal.With(trigger).Inc()

	started := time.Now()
	data, err := run(w.ctx)
	telemetry.QueryDurationSeconds.With(w.kind).Observe(time.Since(started).Seconds())
	if err != nil {
		telemetry.QueriesTotal.With(w.kind, "error").Inc()
	} else {
		telemetry.QueriesTotal.With(w.kind, "success").Inc()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
	if w.stopped || w.gen != myGen {
		telemetry.StaleResultsTotal.Inc()
		return
	}
	if w.renarrow != nil {
		if r := w.renarrow(err); r != nil {
			w.relevant = r
		}
	}

	// Dispatch under the lock so a Set or Stop landing after the generation
	// check cannot be outrun by this result.
	if err != nil {
		w.dispatchFail(err, !docstore.IsNotFound(err))
		return
	}
	w.dispatchSucceed(data)
}

func (w *watcher[T]) dispatchSucceed(data T) {
	if _, changed := w.tracker.Succeed(data); changed {
		w.publish()
	}
	w.completeReady(w.tracker.Snapshot(), nil)
}

func (w *watcher[T]) dispatchFail(err error, keepData bool) {
	if _, changed := w.tracker.Fail(err, keepData); changed {
		w.publish()
	}
	w.completeReady(w.tracker.Snapshot(), nil)
}

// publish pushes the current snapshot, replacing an undelivered stale one.
// Only the watcher goroutine publishes, so after the drain the buffer can
// never be full and the final send cannot block.
func (w *watcher[T]) publish() {
	snap := w.tracker.Snapshot()
	select {
	case w.updates <- snap:
		return
	default:
	}
	select {
	case <-w.updates:
	default:
	}
	w.updates <- snap
}

func (w *watcher[T]) completeReady(snap result.Snapshot[T], err error) {
	w.readyOnce.Do(func() {
		w.ready.Set(snap, err)
		close(w.readyCh)
	})
}
