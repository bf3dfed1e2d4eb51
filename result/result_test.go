package result

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InitialState(t *testing.T) {
	tr := New[string](nil)
	snap := tr.Snapshot()

	assert.Equal(t, PhaseLoading, snap.Phase)
	assert.True(t, snap.Loading)
	assert.Equal(t, "", snap.Data)
	assert.NoError(t, snap.Err)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestNew_CustomEqual(t *testing.T) {
	tr := New[int](func(a, b int) bool { return a%10 == b%10 })
	_, _ = tr.Succeed(12)

	snap, changed := tr.Succeed(42)
	assert.False(t, changed, "custom comparison should treat 12 and 42 as equal")
	assert.Equal(t, 12, snap.Data)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "loading", PhaseLoading.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "error", PhaseError.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestStart_NoOpWhileLoading(t *testing.T) {
	tr := New[string](nil)

	snap, changed := tr.Start()
	assert.False(t, changed, "Start in the initial loading state should change nothing")
	assert.Equal(t, uint64(1), snap.Version)

	_, changed = tr.Start()
	assert.False(t, changed)
}

func TestStart_AfterSettled(t *testing.T) {
	tr := New[string](nil)
	_, _ = tr.Succeed("rows")

	snap, changed := tr.Start()
	require.True(t, changed)
	assert.True(t, snap.Loading)
	assert.Equal(t, PhaseLoading, snap.Phase, "refresh returns to the loading phase")
	assert.Equal(t, "rows", snap.Data, "refresh keeps the previous data")
	assert.Equal(t, uint64(3), snap.Version)

	_, changed = tr.Start()
	assert.False(t, changed, "second Start while already loading is a no-op")
}

func TestLoading_MirrorsPhase(t *testing.T) {
	boom := errors.New("boom")
	tr := New[string](nil)

	steps := []struct {
		name string
		run  func() (Snapshot[string], bool)
	}{
		{"succeed", func() (Snapshot[string], bool) { return tr.Succeed("rows") }},
		{"refresh_after_done", func() (Snapshot[string], bool) { return tr.Start() }},
		{"fail_keep", func() (Snapshot[string], bool) { return tr.Fail(boom, true) }},
		{"refresh_after_error", func() (Snapshot[string], bool) { return tr.Start() }},
		{"recover", func() (Snapshot[string], bool) { return tr.Succeed("rows") }},
	}

	for _, step := range steps {
		snap, _ := step.run()
		require.Equal(t, snap.Loading, snap.Phase == PhaseLoading,
			"%s: Loading=%v but Phase=%v", step.name, snap.Loading, snap.Phase)
	}

	// The refreshes above must have kept the previous Data and Err visible.
	tr2 := New[string](nil)
	_, _ = tr2.Succeed("rows")
	snap, _ := tr2.Start()
	assert.Equal(t, "rows", snap.Data)
	_, _ = tr2.Fail(boom, true)
	snap, _ = tr2.Start()
	assert.Equal(t, boom, snap.Err)
	assert.Equal(t, "rows", snap.Data)
}

func TestSucceed(t *testing.T) {
	tr := New[string](nil)

	snap, changed := tr.Succeed("first")
	require.True(t, changed)
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, "first", snap.Data)
	assert.NoError(t, snap.Err)
	assert.Equal(t, uint64(2), snap.Version)

	// Same data with nothing in flight: fully swallowed.
	snap, changed = tr.Succeed("first")
	assert.False(t, changed)
	assert.Equal(t, uint64(2), snap.Version)

	snap, changed = tr.Succeed("second")
	require.True(t, changed)
	assert.Equal(t, "second", snap.Data)
	assert.Equal(t, uint64(3), snap.Version)
}

func TestSucceed_KeepsEqualDataReference(t *testing.T) {
	tr := New[map[string]any](nil)

	first := map[string]any{"rows": []any{"a", "b"}, "total": 2}
	_, _ = tr.Succeed(first)

	_, changed := tr.Start()
	require.True(t, changed)

	// A rebuilt result with identical content settles the refresh but keeps
	// the old reference.
	rebuilt := map[string]any{"total": float64(2), "rows": []string{"a", "b"}}
	snap, changed := tr.Succeed(rebuilt)
	require.True(t, changed, "Loading must clear even when the data is unchanged")
	assert.False(t, snap.Loading)
	assert.Equal(t,
		reflect.ValueOf(first).Pointer(),
		reflect.ValueOf(snap.Data).Pointer(),
		"equal data should keep the previous reference")
}

func TestSucceed_ClearsError(t *testing.T) {
	tr := New[string](nil)
	_, _ = tr.Fail(errors.New("boom"), false)

	snap, changed := tr.Succeed("recovered")
	require.True(t, changed)
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.NoError(t, snap.Err)
	assert.Equal(t, "recovered", snap.Data)
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")

	tr := New[string](nil)
	snap, changed := tr.Fail(boom, false)
	require.True(t, changed)
	assert.Equal(t, PhaseError, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, boom, snap.Err)
	assert.Equal(t, uint64(2), snap.Version)

	// Same error again with nothing else changing: swallowed.
	snap, changed = tr.Fail(boom, false)
	assert.False(t, changed)
	assert.Equal(t, uint64(2), snap.Version)

	other := errors.New("other")
	snap, changed = tr.Fail(other, false)
	require.True(t, changed)
	assert.Equal(t, other, snap.Err)
}

func TestFail_DataRetention(t *testing.T) {
	boom := errors.New("boom")

	t.Run("keep", func(t *testing.T) {
		tr := New[string](nil)
		_, _ = tr.Succeed("rows")

		snap, changed := tr.Fail(boom, true)
		require.True(t, changed)
		assert.Equal(t, "rows", snap.Data)
		assert.Equal(t, boom, snap.Err)
	})

	t.Run("reset", func(t *testing.T) {
		tr := New[string](nil)
		_, _ = tr.Succeed("rows")

		snap, changed := tr.Fail(boom, false)
		require.True(t, changed)
		assert.Equal(t, "", snap.Data)
	})
}

func TestVersion_BumpsOnlyOnChange(t *testing.T) {
	boom := errors.New("boom")
	tr := New[string](nil)

	last := tr.Snapshot().Version
	steps := []struct {
		name string
		run  func() (Snapshot[string], bool)
	}{
		{"start_while_loading", func() (Snapshot[string], bool) { return tr.Start() }},
		{"first_succeed", func() (Snapshot[string], bool) { return tr.Succeed("a") }},
		{"repeat_succeed", func() (Snapshot[string], bool) { return tr.Succeed("a") }},
		{"refresh", func() (Snapshot[string], bool) { return tr.Start() }},
		{"repeat_refresh", func() (Snapshot[string], bool) { return tr.Start() }},
		{"settle_refresh", func() (Snapshot[string], bool) { return tr.Succeed("a") }},
		{"fail", func() (Snapshot[string], bool) { return tr.Fail(boom, true) }},
		{"repeat_fail", func() (Snapshot[string], bool) { return tr.Fail(boom, true) }},
		{"recover", func() (Snapshot[string], bool) { return tr.Succeed("b") }},
	}

	for _, step := range steps {
		snap, changed := step.run()
		if changed {
			require.Equal(t, last+1, snap.Version, "%s should bump the version by one", step.name)
			last = snap.Version
		} else {
			require.Equal(t, last, snap.Version, "%s should keep the version", step.name)
		}
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tr := New[int](nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Start()
				tr.Succeed(n % 4)
			}
		}(i)
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, PhaseDone, snap.Phase)
	assert.False(t, snap.Loading)
}
