package memo

import (
	"reflect"
	"strconv"
	"testing"
)

type namedMap map[string]any

func TestEqual(t *testing.T) {
	tr := true
	n := 42
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil_nil", nil, nil, true},
		{"nil_value", nil, "x", false},
		{"nil_pointer_is_null", (*bool)(nil), nil, true},
		{"bool_equal", true, true, true},
		{"bool_unequal", true, false, false},
		{"string_equal", "alpha", "alpha", true},
		{"string_unequal", "alpha", "beta", false},
		{"string_not_number", "1", 1, false},
		{"int_float_same_value", 1, float64(1), true},
		{"int64_uint8_same_value", int64(5), uint8(5), true},
		{"float_unequal", 1.5, 1.25, false},
		{"bool_pointer_deref", &tr, true, true},
		{"int_pointer_deref", &n, float64(42), true},
		{"slice_equal", []any{1, "a", nil}, []any{float64(1), "a", nil}, true},
		{"slice_length", []any{1, 2}, []any{1}, false},
		{"slice_order", []any{1, 2}, []any{2, 1}, false},
		{"string_slice_vs_any", []string{"a", "b"}, []any{"a", "b"}, true},
		{"map_equal", map[string]any{"a": 1, "b": []any{true}}, map[string]any{"b": []any{true}, "a": float64(1)}, true},
		{"map_missing_key", map[string]any{"a": 1}, map[string]any{"b": 1}, false},
		{"map_extra_key", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, false},
		{"map_nested_unequal", map[string]any{"a": map[string]any{"x": 1}}, map[string]any{"a": map[string]any{"x": 2}}, false},
		{"named_map_vs_plain", namedMap{"a": 1}, map[string]any{"a": 1}, true},
		{"struct_fallback_equal", struct{ X int }{1}, struct{ X int }{1}, true},
		{"struct_fallback_unequal", struct{ X int }{1}, struct{ X int }{2}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equal(tc.a, tc.b); got != tc.want {
				t.Errorf("Equal(%#v, %#v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			// Equality is symmetric.
			if got := Equal(tc.b, tc.a); got != tc.want {
				t.Errorf("Equal(%#v, %#v) = %v, want %v", tc.b, tc.a, got, tc.want)
			}
		})
	}
}

func TestStable_ReturnsCachedReference(t *testing.T) {
	var s Stable

	first := map[string]any{"limit": 10, "keys": []string{"a", "b"}}
	if got := s.Get(first); reflect.ValueOf(got).Pointer() != reflect.ValueOf(first).Pointer() {
		t.Fatal("first Get should return its input")
	}

	// A rebuilt map with the same content, different widths and slice kinds.
	rebuilt := map[string]any{"keys": []any{"a", "b"}, "limit": float64(10)}
	if got := s.Get(rebuilt); reflect.ValueOf(got).Pointer() != reflect.ValueOf(first).Pointer() {
		t.Error("equal input should return the cached reference")
	}

	changed := map[string]any{"limit": 20, "keys": []string{"a", "b"}}
	if got := s.Get(changed); reflect.ValueOf(got).Pointer() != reflect.ValueOf(changed).Pointer() {
		t.Error("changed input should replace the cached reference")
	}

	again := map[string]any{"limit": 20, "keys": []string{"a", "b"}}
	if got := s.Get(again); reflect.ValueOf(got).Pointer() != reflect.ValueOf(changed).Pointer() {
		t.Error("expected the replaced reference to be cached for the next round")
	}
}

func TestNewFingerprint(t *testing.T) {
	tests := []struct {
		name string
		a, b []any
		want bool
	}{
		{"same_scalar", []any{"a"}, []any{"a"}, true},
		{"different_scalar", []any{"a"}, []any{"b"}, false},
		{"number_widths", []any{1}, []any{float64(1)}, true},
		{"uint_vs_int", []any{uint8(7)}, []any{int64(7)}, true},
		{"nil_vs_false", []any{nil}, []any{false}, false},
		{"nil_vs_nil_pointer", []any{nil}, []any{(*int)(nil)}, true},
		{"string_boundaries", []any{[]any{"ab", "c"}}, []any{[]any{"a", "bc"}}, false},
		{"array_order", []any{[]any{1, 2}}, []any{[]any{2, 1}}, false},
		{"string_slice_vs_any", []any{[]string{"x", "y"}}, []any{[]any{"x", "y"}}, true},
		{"map_content", []any{map[string]any{"a": 1, "b": 2}}, []any{map[string]any{"b": 2, "a": 1}}, true},
		{"named_map", []any{namedMap{"k": "v"}}, []any{map[string]any{"k": "v"}}, true},
		{"parts_not_concatenated", []any{"a", "b"}, []any{"ab"}, false},
		{"multi_part_equal", []any{"view", map[string]any{"limit": 5}}, []any{"view", map[string]any{"limit": float64(5)}}, true},
		{"multi_part_order", []any{"a", "b"}, []any{"b", "a"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fa, fb := NewFingerprint(tc.a...), NewFingerprint(tc.b...)
			if (fa == fb) != tc.want {
				t.Errorf("NewFingerprint(%#v) = %q, NewFingerprint(%#v) = %q, want equal=%v",
					tc.a, fa, tc.b, fb, tc.want)
			}
		})
	}
}

func TestNewFingerprint_MapOrderStable(t *testing.T) {
	// Go randomizes map iteration, so repeated fingerprints of the same map
	// only agree if keys are canonically sorted.
	m := map[string]any{}
	for i := 0; i < 64; i++ {
		m["key_"+strconv.Itoa(i)] = i
	}

	want := NewFingerprint(m)
	for i := 0; i < 20; i++ {
		if got := NewFingerprint(m); got != want {
			t.Fatalf("fingerprint changed between runs: %q vs %q", got, want)
		}
	}
}

func TestFingerprint_HashAndShort(t *testing.T) {
	f := NewFingerprint("alpha", 1, true)
	if f.Hash() != NewFingerprint("alpha", 1, true).Hash() {
		t.Error("Hash should be deterministic")
	}
	if f.Hash() == NewFingerprint("beta", 1, true).Hash() {
		t.Error("different values should hash differently")
	}

	parsed, err := strconv.ParseUint(f.Short(), 16, 64)
	if err != nil {
		t.Fatalf("Short is not hex: %v", err)
	}
	if parsed != f.Hash() {
		t.Errorf("Short = %s, want hex form of %d", f.Short(), f.Hash())
	}
}
