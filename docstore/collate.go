package docstore

import (
	"sort"
	"strings"
)

// Collation implements CouchDB's view collation order:
// null < false < true < numbers < strings < arrays < objects.
// Strings compare bytewise (the reference stores do not carry ICU); arrays
// compare element-wise with shorter prefixes first; objects compare by
// sorted key, then value. Query semantics are passed through to consumers
// verbatim, so every backend must sort with exactly this function.

const (
	collNull = iota
	collFalse
	collTrue
	collNumber
	collString
	collArray
	collObject
)

func collateClass(v any) int {
	switch tv := v.(type) {
	case nil:
		return collNull
	case bool:
		if tv {
			return collTrue
		}
		return collFalse
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return collNumber
	case string:
		return collString
	case []any:
		return collArray
	case map[string]any:
		return collObject
	case Document:
		return collObject
	default:
		// Unknown dynamic types sort after everything else, deterministically.
		return collObject + 1
	}
}

// Collate compares two view keys, returning -1, 0 or 1.
func Collate(a, b any) int {
	ca, cb := collateClass(a), collateClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}

	switch ca {
	case collNull, collFalse, collTrue:
		return 0
	case collNumber:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case collString:
		return strings.Compare(a.(string), b.(string))
	case collArray:
		aa, ba := a.([]any), b.([]any)
		for i := 0; i < len(aa) && i < len(ba); i++ {
			if c := Collate(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(aa) < len(ba):
			return -1
		case len(aa) > len(ba):
			return 1
		default:
			return 0
		}
	case collObject:
		return collateObjects(asMap(a), asMap(b))
	default:
		return 0
	}
}

func collateObjects(a, b map[string]any) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Collate(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	switch {
	case len(ka) < len(kb):
		return -1
	case len(ka) > len(kb):
		return 1
	default:
		return 0
	}
}

func asMap(v any) map[string]any {
	switch tv := v.(type) {
	case map[string]any:
		return tv
	case Document:
		return map[string]any(tv)
	default:
		return nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) float64 {
	switch tv := v.(type) {
	case float64:
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
	default:
		return 0
	}
}

// truncateKey applies group_level semantics: array keys are truncated to the
// given level, scalar keys pass through untouched. Level 0 means exact keys.
func truncateKey(key any, level int) any {
	if level <= 0 {
		return key
	}
	arr, ok := key.([]any)
	if !ok {
		return key
	}
	if len(arr) <= level {
		return arr
	}
	return arr[:level]
}
