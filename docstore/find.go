package docstore

import (
	"context"
	"sort"
	"strings"

	"github.com/maxpert/vole/memo"
)

var _ Finder = (*LocalStore)(nil)

// noIndexWarning is attached to results of selector queries that no index
// covers. The query still runs as a full scan.
const noIndexWarning = "no matching index found, create an index to optimize query time"

// Find runs a Mango-style selector query. Sorting requires an index whose
// fields start with the sort fields; a bare selector runs as a scan and
// carries a warning instead of failing.
func (s *LocalStore) Find(ctx context.Context, req FindRequest) (*FindResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if req.Selector == nil {
		return nil, badRequest("selector is required")
	}

	match, err := s.selectors.compile(req.Selector)
	if err != nil {
		return nil, err
	}
	sortSpec, err := parseSort(req.Sort)
	if err != nil {
		return nil, err
	}

	indexes, err := s.indexDefs()
	if err != nil {
		return nil, err
	}
	if len(sortSpec.fields) > 0 && !sortIndexed(sortSpec.fields, indexes) {
		return nil, badRequest("no index exists for this sort, try indexing by the sort fields")
	}

	var docs []Document
	err = s.backend.iterDocs(func(rec docRecord) error {
		if rec.Deleted || strings.HasPrefix(rec.ID, DesignPrefix) {
			return nil
		}
		doc, err := rec.decode()
		if err != nil {
			return err
		}
		if match(doc) {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortDocs(docs, sortSpec)

	if req.Skip > 0 {
		if req.Skip >= len(docs) {
			docs = nil
		} else {
			docs = docs[req.Skip:]
		}
	}
	if req.Limit > 0 && req.Limit < len(docs) {
		docs = docs[:req.Limit]
	}

	if len(req.Fields) > 0 {
		projected := make([]Document, len(docs))
		for i, doc := range docs {
			projected[i] = projectDoc(doc, req.Fields)
		}
		docs = projected
	}
	if docs == nil {
		docs = []Document{}
	}

	res := &FindResult{Docs: docs}
	if !selectorIndexed(req.Selector, indexes) {
		res.Warning = noIndexWarning
	}
	return res, nil
}

// CreateIndex declares a field index. Indexes are stored in design documents
// under an "indexes" object, so they replicate with the data. Creating an
// identical index again reports "exists".
func (s *LocalStore) CreateIndex(ctx context.Context, def IndexDef) (*IndexResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if len(def.Fields) == 0 {
		return nil, badRequest("index requires at least one field")
	}
	for _, f := range def.Fields {
		if f == "" {
			return nil, badRequest("index fields must be non-empty")
		}
	}

	name := def.Name
	if name == "" {
		name = "idx-" + memo.NewFingerprint(def.Fields).Short()
	}
	ddocName := def.DDoc
	if ddocName == "" {
		ddocName = name
	}
	ddocID := DesignPrefix + ddocName

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	ddoc := Document{FieldID: ddocID}
	rec, found, err := s.backend.getDoc(ddocID)
	if err != nil {
		return nil, err
	}
	if found && !rec.Deleted {
		if ddoc, err = rec.decode(); err != nil {
			return nil, err
		}
	}

	indexes := asMap(ddoc["indexes"])
	if indexes == nil {
		indexes = map[string]any{}
	}
	if raw, ok := indexes[name]; ok {
		existing := indexFields(raw)
		if stringSlicesEqual(existing, def.Fields) {
			return &IndexResult{Result: "exists", ID: ddocID, Name: name}, nil
		}
		return nil, badRequest("index %q already exists with different fields", name)
	}

	fields := make([]any, len(def.Fields))
	for i, f := range def.Fields {
		fields[i] = f
	}
	indexes[name] = map[string]any{"fields": fields}
	ddoc["indexes"] = indexes

	if _, err := s.writeDoc(ddoc); err != nil {
		return nil, err
	}
	return &IndexResult{Result: "created", ID: ddocID, Name: name}, nil
}

// ListIndexes reports every declared index.
func (s *LocalStore) ListIndexes(ctx context.Context) ([]IndexDef, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.indexDefs()
}

func (s *LocalStore) indexDefs() ([]IndexDef, error) {
	var defs []IndexDef
	err := s.backend.iterDocs(func(rec docRecord) error {
		if rec.Deleted || !strings.HasPrefix(rec.ID, DesignPrefix) {
			return nil
		}
		ddoc, err := rec.decode()
		if err != nil {
			return err
		}
		indexes := asMap(ddoc["indexes"])
		for name, raw := range indexes {
			fields := indexFields(raw)
			if len(fields) == 0 {
				continue
			}
			defs = append(defs, IndexDef{
				Fields: fields,
				Name:   name,
				DDoc:   strings.TrimPrefix(rec.ID, DesignPrefix),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].DDoc != defs[j].DDoc {
			return defs[i].DDoc < defs[j].DDoc
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

func indexFields(raw any) []string {
	def := asMap(raw)
	if def == nil {
		return nil
	}
	list, ok := def["fields"].([]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(list))
	for _, f := range list {
		s, ok := f.(string)
		if !ok || s == "" {
			return nil
		}
		fields = append(fields, s)
	}
	return fields
}

type sortOrder struct {
	fields []string
	desc   bool
}

// parseSort accepts CouchDB sort syntax: a field name string or a
// single-entry {"field": "asc"|"desc"} object per entry. All entries must
// share one direction.
func parseSort(entries []any) (sortOrder, error) {
	var spec sortOrder
	dirSet := false
	for _, e := range entries {
		field := ""
		desc := false
		switch t := e.(type) {
		case string:
			field = t
		case map[string]any:
			if len(t) != 1 {
				return spec, badRequest("sort entries must name exactly one field")
			}
			for f, d := range t {
				field = f
				dir, ok := d.(string)
				if !ok || (dir != "asc" && dir != "desc") {
					return spec, badRequest("sort direction must be \"asc\" or \"desc\"")
				}
				desc = dir == "desc"
			}
		default:
			return spec, badRequest("unsupported sort entry %T", e)
		}
		if field == "" {
			return spec, badRequest("sort entries must name exactly one field")
		}
		if dirSet && desc != spec.desc {
			return spec, badRequest("mixed sort directions are not supported")
		}
		spec.desc = desc
		dirSet = true
		spec.fields = append(spec.fields, field)
	}
	return spec, nil
}

// sortDocs orders by the sort fields in collation order, then by _id for a
// stable result. Without sort fields the order is by _id.
func sortDocs(docs []Document, spec sortOrder) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range spec.fields {
			vi, _ := docs[i].Lookup(f)
			vj, _ := docs[j].Lookup(f)
			if c := Collate(vi, vj); c != 0 {
				if spec.desc {
					return c > 0
				}
				return c < 0
			}
		}
		if spec.desc {
			return docs[i].ID() > docs[j].ID()
		}
		return docs[i].ID() < docs[j].ID()
	})
}

// sortIndexed reports whether some index's fields start with the sort fields.
func sortIndexed(sortFields []string, indexes []IndexDef) bool {
	for _, idx := range indexes {
		if len(sortFields) > len(idx.Fields) {
			continue
		}
		matched := true
		for i, f := range sortFields {
			if idx.Fields[i] != f {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// selectorIndexed reports whether some index's leading field is constrained
// by the selector, directly or inside a top-level $and.
func selectorIndexed(selector map[string]any, indexes []IndexDef) bool {
	constrained := map[string]struct{}{}
	collectFields(selector, constrained)
	for _, idx := range indexes {
		if _, ok := constrained[idx.Fields[0]]; ok {
			return true
		}
	}
	return false
}

func collectFields(selector map[string]any, out map[string]struct{}) {
	for k, v := range selector {
		if k == "$and" || k == "$or" {
			if list, ok := v.([]any); ok {
				for _, entry := range list {
					if sub := asMap(entry); sub != nil {
						collectFields(sub, out)
					}
				}
			}
			continue
		}
		if !strings.HasPrefix(k, "$") {
			out[k] = struct{}{}
		}
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// projectDoc copies only the requested field paths into a fresh document.
func projectDoc(doc Document, fields []string) Document {
	out := Document{}
	for _, f := range fields {
		v, ok := doc.Lookup(f)
		if !ok {
			continue
		}
		setPath(out, f, v)
	}
	return out
}

func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
