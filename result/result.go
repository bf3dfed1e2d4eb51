// Package result models the lifecycle of one live query's result: loading,
// done or error, with the previous data retained while a refresh is in
// flight. A version counter makes change detection a single integer compare.
package result

import (
	"sync"

	"github.com/maxpert/vole/memo"
)

// Phase is the settled state of a query result.
type Phase int32

const (
	// PhaseLoading means no fetch has settled yet.
	PhaseLoading Phase = iota
	// PhaseDone means the latest settled fetch succeeded.
	PhaseDone
	// PhaseError means the latest settled fetch failed.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of a tracker at one version. Loading always
// mirrors Phase: it is true exactly when Phase is PhaseLoading. A refresh
// returns Phase to loading while Data and Err keep the previous settled
// outcome, so consumers can keep rendering stale data during revalidation.
type Snapshot[T any] struct {
	Phase   Phase
	Loading bool
	Data    T
	Err     error
	Version uint64
}

// Tracker is the state machine behind one live query. Transitions that do
// not change the visible snapshot are swallowed: succeeding twice with
// deeply equal data keeps the old Data reference and the old version, so
// identity checks upstream stay cheap.
//
// All methods are safe for concurrent use.
type Tracker[T any] struct {
	mu    sync.Mutex
	snap  Snapshot[T]
	equal func(a, b T) bool
}

// New returns a tracker in the initial loading state. equal overrides the
// data comparison; nil uses memo.Equal.
func New[T any](equal func(a, b T) bool) *Tracker[T] {
	if equal == nil {
		equal = func(a, b T) bool { return memo.Equal(a, b) }
	}
	return &Tracker[T]{
		snap:  Snapshot[T]{Phase: PhaseLoading, Loading: true, Version: 1},
		equal: equal,
	}
}

// Snapshot returns the current state.
func (t *Tracker[T]) Snapshot() Snapshot[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Start marks a fetch in flight: the phase returns to loading while Data and
// Err stay untouched until the fetch settles. Reports the resulting snapshot
// and whether it differs from the previous one.
func (t *Tracker[T]) Start() (Snapshot[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snap.Loading {
		return t.snap, false
	}
	t.snap.Phase = PhaseLoading
	t.snap.Loading = true
	t.snap.Version++
	return t.snap, true
}

// Succeed settles the in-flight fetch with data. Deeply equal data keeps the
// previous reference; the snapshot still changes if Loading or Phase did.
func (t *Tracker[T]) Succeed(data T) (Snapshot[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sameData := t.equal(t.snap.Data, data)
	if sameData && t.snap.Phase == PhaseDone {
		return t.snap, false
	}
	if !sameData {
		t.snap.Data = data
	}
	t.snap.Phase = PhaseDone
	t.snap.Loading = false
	t.snap.Err = nil
	t.snap.Version++
	return t.snap, true
}

// Fail settles the in-flight fetch with err. keepData retains the previous
// data alongside the error; otherwise Data resets to the zero value.
func (t *Tracker[T]) Fail(err error, keepData bool) (Snapshot[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	dataReset := !keepData && !t.equal(t.snap.Data, zero)
	if t.snap.Phase == PhaseError && t.snap.Err == err && !dataReset {
		return t.snap, false
	}
	if dataReset {
		t.snap.Data = zero
	}
	t.snap.Phase = PhaseError
	t.snap.Loading = false
	t.snap.Err = err
	t.snap.Version++
	return t.snap, true
}
