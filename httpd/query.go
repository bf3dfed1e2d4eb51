package httpd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/maxpert/vole/docstore"
)

// rowJSON is the wire shape of one view or all-docs row. Reduce rows carry
// no id.
type rowJSON struct {
	ID    string            `json:"id,omitempty"`
	Key   any               `json:"key"`
	Value any               `json:"value"`
	Doc   docstore.Document `json:"doc,omitempty"`
}

type viewResultJSON struct {
	TotalRows int       `json:"total_rows"`
	Offset    int       `json:"offset"`
	Rows      []rowJSON `json:"rows"`
	UpdateSeq uint64    `json:"update_seq,omitempty"`
}

func viewResultBody(res *docstore.ViewResult) viewResultJSON {
	rows := make([]rowJSON, len(res.Rows))
	for i, row := range res.Rows {
		rows[i] = rowJSON{ID: row.ID, Key: row.Key, Value: row.Value, Doc: row.Doc}
	}
	return viewResultJSON{
		TotalRows: res.TotalRows,
		Offset:    res.Offset,
		Rows:      rows,
		UpdateSeq: res.UpdateSeq,
	}
}

type findResultJSON struct {
	Docs    []docstore.Document `json:"docs"`
	Warning string              `json:"warning,omitempty"`
}

func findResultBody(res *docstore.FindResult) findResultJSON {
	return findResultJSON{Docs: res.Docs, Warning: res.Warning}
}

// handleAllDocs handles GET and POST /{store}/_all_docs. POST accepts
// {"keys": [...]} in the body, combined with the query-string options.
func (h *Handlers) handleAllDocs(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	opts, err := parseAllDocsOptions(r.URL.Query())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.Method == http.MethodPost {
		var body struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		opts.Keys = body.Keys
	}

	res, err := store.AllDocs(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResultBody(res))
}

// handleView handles GET /{store}/_design/{ddoc}/_view/{view}
func (h *Handlers) handleView(w http.ResponseWriter, r *http.Request, store docstore.Store) {
	opts, err := parseViewOptions(r.URL.Query())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	view := docstore.Named{DDoc: urlParam(r, "ddoc"), Name: urlParam(r, "view")}

	res, err := store.Query(r.Context(), view, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResultBody(res))
}

// findRequestJSON is the wire shape of a selector query.
type findRequestJSON struct {
	Selector map[string]any `json:"selector"`
	Sort     []any          `json:"sort"`
	Fields   []string       `json:"fields"`
	Limit    int            `json:"limit"`
	Skip     int            `json:"skip"`
}

func (f findRequestJSON) request() docstore.FindRequest {
	return docstore.FindRequest{
		Selector: f.Selector,
		Sort:     f.Sort,
		Fields:   f.Fields,
		Limit:    f.Limit,
		Skip:     f.Skip,
	}
}

// handleFind handles POST /{store}/_find
func (h *Handlers) handleFind(w http.ResponseWriter, r *http.Request, finder docstore.Finder) {
	var req findRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := finder.Find(r.Context(), req.request())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, findResultBody(res))
}

// handleCreateIndex handles POST /{store}/_index
func (h *Handlers) handleCreateIndex(w http.ResponseWriter, r *http.Request, finder docstore.Finder) {
	var body struct {
		Index struct {
			Fields []string `json:"fields"`
		} `json:"index"`
		Name string `json:"name"`
		DDoc string `json:"ddoc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := finder.CreateIndex(r.Context(), docstore.IndexDef{
		Fields: body.Index.Fields,
		Name:   body.Name,
		DDoc:   body.DDoc,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": res.Result,
		"id":     res.ID,
		"name":   res.Name,
	})
}

// handleListIndexes handles GET /{store}/_index
func (h *Handlers) handleListIndexes(w http.ResponseWriter, r *http.Request, finder docstore.Finder) {
	defs, err := finder.ListIndexes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	indexes := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		indexes = append(indexes, map[string]any{
			"name":   def.Name,
			"ddoc":   def.DDoc,
			"fields": def.Fields,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_rows": len(indexes),
		"indexes":    indexes,
	})
}

// Query-string parameter parsing. Key parameters are JSON-encoded values;
// a value that does not parse as JSON is taken as a bare string, which is
// what curl users type.

func jsonParam(q url.Values, names ...string) (any, bool) {
	for _, name := range names {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, true
		}
		return raw, true
	}
	return nil, false
}

func stringParam(q url.Values, names ...string) string {
	v, ok := jsonParam(q, names...)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	for _, name := range names {
		if raw := q.Get(name); raw != "" {
			return raw
		}
	}
	return ""
}

func boolParam(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func triBoolParam(q url.Values, name string) (*bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return &v, nil
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func parseViewOptions(q url.Values) (docstore.ViewOptions, error) {
	var opts docstore.ViewOptions
	var err error

	if v, ok := jsonParam(q, "key"); ok {
		opts.Key = v
	}
	if raw := q.Get("keys"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Keys); err != nil {
			return opts, fmt.Errorf("invalid keys: %q", raw)
		}
	}
	if v, ok := jsonParam(q, "startkey", "start_key"); ok {
		opts.StartKey = v
	}
	if v, ok := jsonParam(q, "endkey", "end_key"); ok {
		opts.EndKey = v
	}
	if opts.InclusiveEnd, err = triBoolParam(q, "inclusive_end"); err != nil {
		return opts, err
	}
	if opts.Descending, err = boolParam(q, "descending"); err != nil {
		return opts, err
	}
	if opts.Limit, err = intParam(q, "limit"); err != nil {
		return opts, err
	}
	if opts.Skip, err = intParam(q, "skip"); err != nil {
		return opts, err
	}
	if opts.Reduce, err = triBoolParam(q, "reduce"); err != nil {
		return opts, err
	}
	if opts.Group, err = boolParam(q, "group"); err != nil {
		return opts, err
	}
	if opts.GroupLevel, err = intParam(q, "group_level"); err != nil {
		return opts, err
	}
	if opts.IncludeDocs, err = boolParam(q, "include_docs"); err != nil {
		return opts, err
	}
	if opts.UpdateSeq, err = boolParam(q, "update_seq"); err != nil {
		return opts, err
	}
	switch q.Get("stale") {
	case "ok", "update_after", "true":
		opts.Stale = true
	}
	return opts, nil
}

func parseAllDocsOptions(q url.Values) (docstore.AllDocsOptions, error) {
	var opts docstore.AllDocsOptions
	var err error

	opts.Key = stringParam(q, "key")
	if raw := q.Get("keys"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Keys); err != nil {
			return opts, fmt.Errorf("invalid keys: %q", raw)
		}
	}
	opts.StartKey = stringParam(q, "startkey", "start_key")
	opts.EndKey = stringParam(q, "endkey", "end_key")
	if opts.InclusiveEnd, err = triBoolParam(q, "inclusive_end"); err != nil {
		return opts, err
	}
	if opts.Descending, err = boolParam(q, "descending"); err != nil {
		return opts, err
	}
	if opts.Limit, err = intParam(q, "limit"); err != nil {
		return opts, err
	}
	if opts.Skip, err = intParam(q, "skip"); err != nil {
		return opts, err
	}
	if opts.IncludeDocs, err = boolParam(q, "include_docs"); err != nil {
		return opts, err
	}
	if opts.UpdateSeq, err = boolParam(q, "update_seq"); err != nil {
		return opts, err
	}
	return opts, nil
}
