// Package memo provides deep structural equality, a last-value memoizer and
// canonical fingerprints for JSON-ish query parameters.
//
// Callers re-declaring a query often rebuild option maps and key arrays from
// scratch, producing fresh references with identical content. Downstream
// change detection is identity-based, so these helpers collapse
// fresh-but-equal values back to a stable identity: Stable returns the
// previously seen reference while inputs stay deeply equal, and Fingerprint
// derives a comparable identity from content alone.
//
// Supported value shapes are the JSON-ish set (nil, bool, numbers, string,
// []any, []string, map[string]any) plus pointers to scalars, which are
// dereferenced; a nil pointer is equivalent to an explicit null.
package memo

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Equal reports deep structural equality. Numbers compare by value across
// widths (int(1) equals float64(1)); maps compare by key set and recursive
// value equality; slices compare element-wise.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !Equal(v, bvv) {
				return false
			}
		}
		return true
	default:
		// Unknown dynamic types fall back to printed representation.
		return fmt.Sprintf("%#v", a) == fmt.Sprintf("%#v", b)
	}
}

// Stable memoizes the last value passed through it. Get returns the cached
// reference when the new input is deeply equal to it, otherwise caches and
// returns the input itself. Not safe for concurrent use; each subscriber
// owns its own Stable per parameter.
type Stable struct {
	cached any
	set    bool
}

// Get returns a reference-stable version of v.
func (s *Stable) Get(v any) any {
	if s.set && Equal(s.cached, v) {
		return s.cached
	}
	s.cached = v
	s.set = true
	return v
}

// Fingerprint is a canonical byte encoding of a value. Two fingerprints are
// equal exactly when their source values are deeply equal: map keys are
// sorted, scalars are type-tagged and numbers are width-normalized, so the
// encoding is injective over the supported value shapes.
type Fingerprint string

// NewFingerprint derives the fingerprint of the given parts. Multiple parts
// fingerprint like an array of the parts.
func NewFingerprint(parts ...any) Fingerprint {
	var sb strings.Builder
	if len(parts) == 1 {
		writeCanonical(&sb, parts[0])
	} else {
		sb.WriteByte('(')
		for _, p := range parts {
			writeCanonical(&sb, p)
		}
		sb.WriteByte(')')
	}
	return Fingerprint(sb.String())
}

// Hash returns a 64-bit hash of the fingerprint, for cache keys and metrics.
func (f Fingerprint) Hash() uint64 {
	return xxhash.Sum64String(string(f))
}

// Short returns a compact hex form of Hash for log fields.
func (f Fingerprint) Short() string {
	return strconv.FormatUint(f.Hash(), 16)
}

func writeCanonical(sb *strings.Builder, v any) {
	v = normalize(v)

	switch tv := v.(type) {
	case nil:
		sb.WriteByte('z')
	case bool:
		if tv {
			sb.WriteString("b1")
		} else {
			sb.WriteString("b0")
		}
	case float64:
		sb.WriteByte('n')
		sb.WriteString(strconv.FormatFloat(tv, 'g', -1, 64))
		sb.WriteByte(';')
	case string:
		sb.WriteByte('s')
		sb.WriteString(strconv.Itoa(len(tv)))
		sb.WriteByte(':')
		sb.WriteString(tv)
	case []any:
		sb.WriteByte('[')
		for _, e := range tv {
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for _, k := range keys {
			sb.WriteByte('s')
			sb.WriteString(strconv.Itoa(len(k)))
			sb.WriteByte(':')
			sb.WriteString(k)
			writeCanonical(sb, tv[k])
		}
		sb.WriteByte('}')
	default:
		sb.WriteByte('?')
		fmt.Fprintf(sb, "%T=%#v;", v, v)
	}
}

// normalize collapses equivalent representations: numeric widths to float64,
// typed nils and pointers to their referents, string slices and map aliases
// to the canonical JSON-ish shapes.
func normalize(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case float64, bool, string:
		return tv
	case float32:
		return float64(tv)
	case int:
		return float64(tv)
	case int8:
		return float64(tv)
	case int16:
		return float64(tv)
	case int32:
		return float64(tv)
	case int64:
		return float64(tv)
	case uint:
		return float64(tv)
	case uint8:
		return float64(tv)
	case uint16:
		return float64(tv)
	case uint32:
		return float64(tv)
	case uint64:
		return float64(tv)
	case *bool:
		if tv == nil {
			return nil
		}
		return *tv
	case *int:
		if tv == nil {
			return nil
		}
		return float64(*tv)
	case *string:
		if tv == nil {
			return nil
		}
		return *tv
	case []string:
		out := make([]any, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out
	case []any:
		return tv
	case map[string]any:
		return tv
	default:
		return normalizeReflect(v)
	}
}

// normalizeReflect converts named map, slice and pointer types (for example
// a Document alias of map[string]any) to the canonical JSON-ish shapes.
func normalizeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	default:
		return v
	}
}
