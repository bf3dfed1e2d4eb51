package docstore

import (
	"sort"
	"strings"
)

// MapFunc emits zero or more key/value rows for a document. Implementations
// must not retain doc past the call.
type MapFunc func(doc Document, emit func(key, value any))

// ReduceFunc folds the rows of one group into a single value. keys and
// values are parallel slices.
type ReduceFunc func(keys, values []any) any

// View identifies what to run against a store: either a view stored in a
// design document or an ad-hoc map/reduce pair.
type View interface {
	isView()
}

// Named references a view inside a design document.
type Named struct {
	DDoc string // with or without the "_design/" prefix
	Name string
}

// Dynamic is an ad-hoc view evaluated against the current contents of the
// store. Reduce may be nil for a map-only view.
type Dynamic struct {
	Map    MapFunc
	Reduce ReduceFunc
}

func (Named) isView()   {}
func (Dynamic) isView() {}

// ParseViewName splits a "ddoc/view" identifier. A bare name refers to the
// view of the same name, i.e. "totals" means "totals/totals".
func ParseViewName(s string) Named {
	if ddoc, name, ok := strings.Cut(s, "/"); ok {
		return Named{DDoc: ddoc, Name: name}
	}
	return Named{DDoc: s, Name: s}
}

func (n Named) docID() string {
	if strings.HasPrefix(n.DDoc, DesignPrefix) {
		return n.DDoc
	}
	return DesignPrefix + n.DDoc
}

// ViewSpec is the declarative view definition stored in design documents.
// Rather than a scripted map function, a spec names the paths to extract:
//
//	{"views": {"by_author": {
//	    "map":    {"key": "author", "value": "pages", "when": {"type": "book"}},
//	    "reduce": "_sum",
//	}}}
//
// Key is a dotted path or an array of paths for a compound key. A document
// that lacks the key path emits no row. When is an optional selector that
// gates emission. Reduce names a builtin: "_count", "_sum" or "_stats".
type ViewSpec struct {
	Key    any            `msgpack:"key" json:"key"`
	Value  string         `msgpack:"value,omitempty" json:"value,omitempty"`
	When   map[string]any `msgpack:"when,omitempty" json:"when,omitempty"`
	Reduce string         `msgpack:"reduce,omitempty" json:"reduce,omitempty"`
}

// viewFromDesign extracts the named view out of a design document body.
func viewFromDesign(ddoc Document, name string) (ViewSpec, error) {
	views := asMap(ddoc["views"])
	if views == nil {
		return ViewSpec{}, &NotFoundError{Kind: "view", ID: name}
	}
	raw, ok := views[name]
	if !ok {
		return ViewSpec{}, &NotFoundError{Kind: "view", ID: name}
	}
	def := asMap(raw)
	if def == nil {
		return ViewSpec{}, badRequest("view %q is not an object", name)
	}

	var spec ViewSpec
	m := asMap(def["map"])
	if m == nil {
		return ViewSpec{}, badRequest("view %q has no map definition", name)
	}
	spec.Key = m["key"]
	if v, ok := m["value"].(string); ok {
		spec.Value = v
	}
	if w := asMap(m["when"]); w != nil {
		spec.When = w
	}
	if r, ok := def["reduce"].(string); ok {
		spec.Reduce = r
	}
	return spec, nil
}

// compile turns the spec into an executable map/reduce pair.
func (spec ViewSpec) compile(selectors *selectorCache) (MapFunc, ReduceFunc, error) {
	keyPaths, err := spec.keyPaths()
	if err != nil {
		return nil, nil, err
	}

	var match matchFunc
	if spec.When != nil {
		match, err = selectors.compile(spec.When)
		if err != nil {
			return nil, nil, err
		}
	}

	mapFn := func(doc Document, emit func(key, value any)) {
		if match != nil && !match(doc) {
			return
		}
		var key any
		if len(keyPaths) == 1 {
			v, ok := doc.Lookup(keyPaths[0])
			if !ok {
				return
			}
			key = v
		} else {
			parts := make([]any, len(keyPaths))
			found := false
			for i, p := range keyPaths {
				if v, ok := doc.Lookup(p); ok {
					parts[i] = v
					found = true
				}
			}
			if !found {
				return
			}
			key = parts
		}
		var value any
		if spec.Value != "" {
			value, _ = doc.Lookup(spec.Value)
		}
		emit(key, value)
	}

	reduceFn, err := builtinReduce(spec.Reduce)
	if err != nil {
		return nil, nil, err
	}
	return mapFn, reduceFn, nil
}

func (spec ViewSpec) keyPaths() ([]string, error) {
	switch k := spec.Key.(type) {
	case string:
		if k == "" {
			return nil, badRequest("view key path is empty")
		}
		return []string{k}, nil
	case []any:
		if len(k) == 0 {
			return nil, badRequest("view key path is empty")
		}
		paths := make([]string, len(k))
		for i, p := range k {
			s, ok := p.(string)
			if !ok || s == "" {
				return nil, badRequest("view key paths must be non-empty strings")
			}
			paths[i] = s
		}
		return paths, nil
	case []string:
		if len(k) == 0 {
			return nil, badRequest("view key path is empty")
		}
		return k, nil
	case nil:
		return nil, badRequest("view has no key path")
	default:
		return nil, badRequest("view key path must be a string or array of strings, got %T", k)
	}
}

func builtinReduce(name string) (ReduceFunc, error) {
	switch name {
	case "":
		return nil, nil
	case "_count":
		return ReduceCount, nil
	case "_sum":
		return ReduceSum, nil
	case "_stats":
		return ReduceStats, nil
	default:
		return nil, badRequest("unknown reduce function %q, expected _count, _sum or _stats", name)
	}
}

// ReduceCount counts the rows in a group.
func ReduceCount(keys, values []any) any {
	return float64(len(values))
}

// ReduceSum sums numeric row values, skipping non-numeric ones.
func ReduceSum(keys, values []any) any {
	var sum float64
	for _, v := range values {
		if collateClass(v) == collNumber {
			sum += toFloat(v)
		}
	}
	return sum
}

// ReduceStats computes the CouchDB _stats aggregate over numeric values.
func ReduceStats(keys, values []any) any {
	var sum, min, max, sumsqr float64
	var count int
	for _, v := range values {
		if collateClass(v) != collNumber {
			continue
		}
		f := toFloat(v)
		if count == 0 || f < min {
			min = f
		}
		if count == 0 || f > max {
			max = f
		}
		count++
		sum += f
		sumsqr += f * f
	}
	return map[string]any{
		"sum":    sum,
		"count":  float64(count),
		"min":    min,
		"max":    max,
		"sumsqr": sumsqr,
	}
}

// runView evaluates a map/reduce pair over the given documents and applies
// the query options. Deleted and design documents must already be excluded
// by the caller.
func runView(docs []Document, mapFn MapFunc, reduceFn ReduceFunc, opts ViewOptions) (*ViewResult, error) {
	if reduceFn == nil {
		if opts.Reduce != nil && *opts.Reduce {
			return nil, badRequest("reduce is invalid for map-only views")
		}
		if opts.Group || opts.GroupLevel > 0 {
			return nil, badRequest("invalid use of grouping on a map view")
		}
	}
	wantReduce := reduceFn != nil && (opts.Reduce == nil || *opts.Reduce)
	if wantReduce && opts.IncludeDocs {
		return nil, badRequest("include_docs is invalid for reduce")
	}

	rows := make([]Row, 0, len(docs))
	for _, doc := range docs {
		id := doc.ID()
		mapFn(doc, func(key, value any) {
			rows = append(rows, Row{ID: id, Key: key, Value: value})
		})
	}
	sortRows(rows)

	if wantReduce {
		grouped := filterRows(rows, opts)
		if opts.Descending {
			reverseRows(grouped)
		}
		grouped = groupRows(grouped, groupLevel(opts), reduceFn)
		return &ViewResult{Rows: pageRows(grouped, opts.Skip, opts.Limit)}, nil
	}
	return windowRows(rows, opts), nil
}

// sortRows orders rows ascending by key in collation order, then by doc ID.
// Multiple rows from one document keep their emit order.
func sortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := Collate(rows[i].Key, rows[j].Key); c != 0 {
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
}

func reverseRows(rows []Row) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}

// rangeWindow returns the half-open index range of ascending-sorted rows
// admitted by the start/end bounds. With descending traversal the bounds
// swap roles and inclusive_end applies to the low end.
func rangeWindow(rows []Row, opts ViewOptions) (lo, hi int) {
	start, end := opts.StartKey, opts.EndKey
	if opts.Descending {
		start, end = end, start
	}
	inclusive := opts.InclusiveEnd == nil || *opts.InclusiveEnd

	lo, hi = 0, len(rows)
	if start != nil {
		lo = sort.Search(len(rows), func(i int) bool {
			c := Collate(rows[i].Key, start)
			if opts.Descending && !inclusive {
				return c > 0
			}
			return c >= 0
		})
	}
	if end != nil {
		hi = sort.Search(len(rows), func(i int) bool {
			c := Collate(rows[i].Key, end)
			if !opts.Descending && !inclusive {
				return c >= 0
			}
			return c > 0
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// filterRows applies key, keys and range bounds to ascending-sorted rows.
func filterRows(rows []Row, opts ViewOptions) []Row {
	switch {
	case opts.Key != nil:
		return selectKeys(rows, []any{opts.Key})
	case opts.Keys != nil:
		return selectKeys(rows, opts.Keys)
	default:
		lo, hi := rangeWindow(rows, opts)
		return append([]Row(nil), rows[lo:hi]...)
	}
}

// selectKeys picks rows matching the requested keys, in the order the keys
// were asked for. Descending does not reorder a keys query.
func selectKeys(rows []Row, keys []any) []Row {
	out := []Row{}
	for _, k := range keys {
		for _, r := range rows {
			if Collate(r.Key, k) == 0 {
				out = append(out, r)
			}
		}
	}
	return out
}

// windowRows filters, orders and pages map rows. Offset counts the view rows
// preceding the returned window in traversal order, including skipped ones.
func windowRows(rows []Row, opts ViewOptions) *ViewResult {
	total := len(rows)
	var filtered []Row
	offset := 0
	switch {
	case opts.Key != nil:
		filtered = selectKeys(rows, []any{opts.Key})
	case opts.Keys != nil:
		filtered = selectKeys(rows, opts.Keys)
	default:
		lo, hi := rangeWindow(rows, opts)
		filtered = append([]Row(nil), rows[lo:hi]...)
		if opts.Descending {
			reverseRows(filtered)
			offset = total - hi
		} else {
			offset = lo
		}
	}

	skipped := opts.Skip
	if skipped > len(filtered) {
		skipped = len(filtered)
	}
	return &ViewResult{
		Rows:      pageRows(filtered, opts.Skip, opts.Limit),
		TotalRows: total,
		Offset:    offset + skipped,
	}
}

func pageRows(rows []Row, skip, limit int) []Row {
	if skip > 0 {
		if skip >= len(rows) {
			return []Row{}
		}
		rows = rows[skip:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func groupLevel(opts ViewOptions) int {
	switch {
	case opts.GroupLevel > 0:
		return opts.GroupLevel
	case opts.Group:
		return -1 // exact key
	default:
		return 0 // everything in one group
	}
}

// groupRows folds contiguous runs of equal keys. Level 0 reduces all rows to
// a single null-keyed row, level -1 groups by exact key and a positive level
// truncates array keys to that many elements. No input rows reduce to no
// groups, matching CouchDB: a reduce over an empty window returns an empty
// row set, not a zero aggregate.
func groupRows(rows []Row, level int, reduceFn ReduceFunc) []Row {
	if len(rows) == 0 {
		return []Row{}
	}
	if level == 0 {
		keys := make([]any, len(rows))
		values := make([]any, len(rows))
		for i, r := range rows {
			keys[i] = r.Key
			values[i] = r.Value
		}
		return []Row{{Key: nil, Value: reduceFn(keys, values)}}
	}

	out := []Row{}
	for i := 0; i < len(rows); {
		groupKey := truncateKey(rows[i].Key, level)
		var keys, values []any
		j := i
		for ; j < len(rows); j++ {
			if Collate(truncateKey(rows[j].Key, level), groupKey) != 0 {
				break
			}
			keys = append(keys, rows[j].Key)
			values = append(values, rows[j].Value)
		}
		out = append(out, Row{Key: groupKey, Value: reduceFn(keys, values)})
		i = j
	}
	return out
}
