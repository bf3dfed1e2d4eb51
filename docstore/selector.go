package docstore

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/vole/memo"
)

// Mango-style selector evaluation. The supported operator subset:
//
//	field: value                 implicit $eq
//	field: {"$eq": v}            deep equality in collation order
//	field: {"$ne": v}
//	field: {"$gt"|"$gte"|"$lt"|"$lte": v}
//	field: {"$exists": bool}
//	field: {"$in"|"$nin": [v...]}
//	"$and": [selector...]
//	"$or":  [selector...]
//	"$not": selector
//
// Field names are dotted paths. Range operators follow collation order, so
// cross-class comparisons are ordered rather than rejected: any string is
// greater than any number. Unknown operators are a QueryError with
// status 400.

type matchFunc func(doc Document) bool

const selectorCacheSize = 256

// selectorCache memoizes compiled selectors. Compilation walks the selector
// tree once; repeated live queries reuse the compiled form. Keyed by
// canonical fingerprint so fresh-but-equal selector maps share an entry.
type selectorCache struct {
	cache *lru.Cache[memo.Fingerprint, matchFunc]
}

func newSelectorCache() *selectorCache {
	cache, err := lru.New[memo.Fingerprint, matchFunc](selectorCacheSize)
	if err != nil {
		panic(err) // only fails for size <= 0
	}
	return &selectorCache{cache: cache}
}

func (sc *selectorCache) compile(selector map[string]any) (matchFunc, error) {
	key := memo.NewFingerprint(selector)
	if m, ok := sc.cache.Get(key); ok {
		return m, nil
	}
	m, err := compileSelector(selector)
	if err != nil {
		return nil, err
	}
	sc.cache.Add(key, m)
	return m, nil
}

func compileSelector(selector map[string]any) (matchFunc, error) {
	if len(selector) == 0 {
		return func(Document) bool { return true }, nil
	}

	var conds []matchFunc
	for field, cond := range selector {
		switch field {
		case "$and":
			sub, err := compileList(field, cond)
			if err != nil {
				return nil, err
			}
			conds = append(conds, allOf(sub))
		case "$or":
			sub, err := compileList(field, cond)
			if err != nil {
				return nil, err
			}
			conds = append(conds, anyOf(sub))
		case "$not":
			inner := asMap(cond)
			if inner == nil {
				return nil, badRequest("$not requires a selector object")
			}
			sub, err := compileSelector(inner)
			if err != nil {
				return nil, err
			}
			conds = append(conds, func(doc Document) bool { return !sub(doc) })
		default:
			if strings.HasPrefix(field, "$") {
				return nil, badRequest("unknown selector operator %q", field)
			}
			fc, err := compileField(field, cond)
			if err != nil {
				return nil, err
			}
			conds = append(conds, fc)
		}
	}
	return allOf(conds), nil
}

func compileList(op string, cond any) ([]matchFunc, error) {
	list, ok := cond.([]any)
	if !ok || len(list) == 0 {
		return nil, badRequest("%s requires a non-empty array of selectors", op)
	}
	out := make([]matchFunc, 0, len(list))
	for _, entry := range list {
		sel := asMap(entry)
		if sel == nil {
			return nil, badRequest("%s entries must be selector objects", op)
		}
		m, err := compileSelector(sel)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func compileField(field string, cond any) (matchFunc, error) {
	ops, isOps := operatorObject(cond)
	if !isOps {
		// Implicit equality with the literal value.
		return fieldCompare(field, cond, func(c int) bool { return c == 0 }), nil
	}

	var conds []matchFunc
	for op, arg := range ops {
		m, err := compileOperator(field, op, arg)
		if err != nil {
			return nil, err
		}
		conds = append(conds, m)
	}
	return allOf(conds), nil
}

func compileOperator(field, op string, arg any) (matchFunc, error) {
	switch op {
	case "$eq":
		return fieldCompare(field, arg, func(c int) bool { return c == 0 }), nil
	case "$ne":
		// Matches when the field is absent, per Mango.
		eq := fieldCompare(field, arg, func(c int) bool { return c == 0 })
		return func(doc Document) bool { return !eq(doc) }, nil
	case "$gt":
		return fieldCompare(field, arg, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return fieldCompare(field, arg, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return fieldCompare(field, arg, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return fieldCompare(field, arg, func(c int) bool { return c <= 0 }), nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return nil, badRequest("$exists requires a boolean argument")
		}
		return func(doc Document) bool {
			_, present := doc.Lookup(field)
			return present == want
		}, nil
	case "$in":
		list, ok := arg.([]any)
		if !ok {
			return nil, badRequest("$in requires an array argument")
		}
		return func(doc Document) bool {
			got, present := doc.Lookup(field)
			return present && containsValue(list, got)
		}, nil
	case "$nin":
		list, ok := arg.([]any)
		if !ok {
			return nil, badRequest("$nin requires an array argument")
		}
		return func(doc Document) bool {
			got, present := doc.Lookup(field)
			return !present || !containsValue(list, got)
		}, nil
	default:
		return nil, badRequest("unknown selector operator %q for field %q", op, field)
	}
}

func fieldCompare(field string, arg any, accept func(int) bool) matchFunc {
	return func(doc Document) bool {
		got, ok := doc.Lookup(field)
		if !ok {
			return false
		}
		return accept(Collate(got, arg))
	}
}

func containsValue(list []any, v any) bool {
	for _, entry := range list {
		if Collate(entry, v) == 0 {
			return true
		}
	}
	return false
}

// operatorObject reports whether cond is an operator object, i.e. a map
// whose keys all start with "$". A plain map value (no $-keys) is an
// implicit equality match against the whole map.
func operatorObject(cond any) (map[string]any, bool) {
	m := asMap(cond)
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func allOf(conds []matchFunc) matchFunc {
	if len(conds) == 1 {
		return conds[0]
	}
	return func(doc Document) bool {
		for _, c := range conds {
			if !c(doc) {
				return false
			}
		}
		return true
	}
}

func anyOf(conds []matchFunc) matchFunc {
	return func(doc Document) bool {
		for _, c := range conds {
			if c(doc) {
				return true
			}
		}
		return false
	}
}
