package docstore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestCollate(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want int
	}{
		{"null_before_false", nil, false, -1},
		{"false_before_true", false, true, -1},
		{"true_before_number", true, 0, -1},
		{"number_before_string", 99999, "", -1},
		{"string_before_array", "zzz", []any{}, -1},
		{"array_before_object", []any{"z"}, map[string]any{}, -1},
		{"numbers_by_value", 2, 10, -1},
		{"numbers_cross_width", int64(3), float64(3), 0},
		{"strings_bytewise", "Zebra", "apple", -1},
		{"strings_equal", "a", "a", 0},
		{"array_elementwise", []any{1, 2}, []any{1, 3}, -1},
		{"array_prefix_first", []any{1}, []any{1, 0}, -1},
		{"array_equal", []any{"a", 1}, []any{"a", 1}, 0},
		{"object_by_key", map[string]any{"a": 1}, map[string]any{"b": 1}, -1},
		{"object_by_value", map[string]any{"a": 1}, map[string]any{"a": 2}, -1},
		{"object_fewer_keys_first", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, -1},
		{"document_as_object", Document{"a": 1}, map[string]any{"a": 1}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Collate(tc.a, tc.b); got != tc.want {
				t.Errorf("Collate(%v, %v) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			if got := Collate(tc.b, tc.a); got != -tc.want {
				t.Errorf("Collate(%v, %v) = %d, want %d", tc.b, tc.a, got, -tc.want)
			}
		})
	}
}

func TestParseViewName(t *testing.T) {
	if v := ParseViewName("catalog/by_kind"); v != (Named{DDoc: "catalog", Name: "by_kind"}) {
		t.Errorf("ParseViewName(catalog/by_kind) = %+v", v)
	}
	if v := ParseViewName("totals"); v != (Named{DDoc: "totals", Name: "totals"}) {
		t.Errorf("ParseViewName(totals) = %+v", v)
	}
}

// seedInventory loads four documents whose "kind" keys collate as
// baked < fruit (x2) < veg.
func seedInventory(t *testing.T, s *LocalStore) {
	t.Helper()
	docs := []Document{
		{FieldID: "item/apple", "kind": "fruit", "qty": 4},
		{FieldID: "item/banana", "kind": "fruit", "qty": 6},
		{FieldID: "item/carrot", "kind": "veg", "qty": 10},
		{FieldID: "item/donut", "kind": "baked", "qty": 3},
	}
	for _, doc := range docs {
		mustPut(t, s, doc)
	}
}

func kindView() Dynamic {
	return Dynamic{Map: func(doc Document, emit func(key, value any)) {
		kind, ok := doc.Lookup("kind")
		if !ok {
			return
		}
		qty, _ := doc.Lookup("qty")
		emit(kind, qty)
	}}
}

func rowKeys(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprintf("%v", r.Key)
	}
	return out
}

func rowIDs(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestDynamicView_MapRows(t *testing.T) {
	s := OpenMemory("dynamic")
	defer s.Close()
	seedInventory(t, s)

	res, err := s.Query(context.Background(), kindView(), ViewOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	wantIDs := []string{"item/donut", "item/apple", "item/banana", "item/carrot"}
	if !reflect.DeepEqual(rowIDs(res.Rows), wantIDs) {
		t.Errorf("row order = %v, want %v", rowIDs(res.Rows), wantIDs)
	}
	if res.TotalRows != 4 || res.Offset != 0 {
		t.Errorf("TotalRows=%d Offset=%d, want 4 and 0", res.TotalRows, res.Offset)
	}
	if toFloat(res.Rows[0].Value) != 3 {
		t.Errorf("first row value = %v, want 3", res.Rows[0].Value)
	}
}

func TestViewOptions_Windows(t *testing.T) {
	s := OpenMemory("windows")
	defer s.Close()
	seedInventory(t, s)
	ctx := context.Background()

	query := func(t *testing.T, opts ViewOptions) *ViewResult {
		t.Helper()
		res, err := s.Query(ctx, kindView(), opts)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		return res
	}

	t.Run("startkey", func(t *testing.T) {
		res := query(t, ViewOptions{StartKey: "fruit"})
		want := []string{"item/apple", "item/banana", "item/carrot"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
		if res.Offset != 1 {
			t.Errorf("Offset = %d, want 1", res.Offset)
		}
	})

	t.Run("endkey_inclusive_default", func(t *testing.T) {
		res := query(t, ViewOptions{EndKey: "fruit"})
		want := []string{"item/donut", "item/apple", "item/banana"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("endkey_exclusive", func(t *testing.T) {
		res := query(t, ViewOptions{EndKey: "fruit", InclusiveEnd: Bool(false)})
		want := []string{"item/donut"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("descending", func(t *testing.T) {
		res := query(t, ViewOptions{Descending: true})
		want := []string{"item/carrot", "item/banana", "item/apple", "item/donut"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("descending_bounds_swap", func(t *testing.T) {
		res := query(t, ViewOptions{Descending: true, StartKey: "veg", EndKey: "fruit"})
		want := []string{"item/carrot", "item/banana", "item/apple"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("limit_skip_offset", func(t *testing.T) {
		res := query(t, ViewOptions{Skip: 1, Limit: 2})
		want := []string{"item/apple", "item/banana"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
		if res.Offset != 1 {
			t.Errorf("Offset = %d, want 1", res.Offset)
		}
		if res.TotalRows != 4 {
			t.Errorf("TotalRows = %d, want 4", res.TotalRows)
		}
	})

	t.Run("skip_past_end", func(t *testing.T) {
		res := query(t, ViewOptions{Skip: 10})
		if len(res.Rows) != 0 {
			t.Errorf("rows = %v, want none", rowIDs(res.Rows))
		}
	})

	t.Run("key", func(t *testing.T) {
		res := query(t, ViewOptions{Key: "fruit"})
		want := []string{"item/apple", "item/banana"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("keys_in_requested_order", func(t *testing.T) {
		res := query(t, ViewOptions{Keys: []any{"veg", "baked"}})
		want := []string{"item/carrot", "item/donut"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})
}

func salesView() Dynamic {
	return Dynamic{
		Map: func(doc Document, emit func(key, value any)) {
			region, ok := doc.Lookup("region")
			if !ok {
				return
			}
			city, _ := doc.Lookup("city")
			amount, _ := doc.Lookup("amount")
			emit([]any{region, city}, amount)
		},
		Reduce: ReduceSum,
	}
}

func TestView_Reduce(t *testing.T) {
	s := OpenMemory("reduce")
	defer s.Close()
	ctx := context.Background()

	docs := []Document{
		{FieldID: "s1", "region": "east", "city": "ada", "amount": 1},
		{FieldID: "s2", "region": "east", "city": "bly", "amount": 2},
		{FieldID: "s3", "region": "west", "city": "cor", "amount": 3},
		{FieldID: "s4", "region": "west", "city": "cor", "amount": 4},
	}
	for _, doc := range docs {
		mustPut(t, s, doc)
	}

	t.Run("default_reduce_single_group", func(t *testing.T) {
		res, err := s.Query(ctx, salesView(), ViewOptions{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(res.Rows) != 1 || res.Rows[0].Key != nil {
			t.Fatalf("rows = %+v, want one null-keyed row", res.Rows)
		}
		if res.Rows[0].Value != float64(10) {
			t.Errorf("sum = %v, want 10", res.Rows[0].Value)
		}
	})

	t.Run("group_exact", func(t *testing.T) {
		res, err := s.Query(ctx, salesView(), ViewOptions{Group: true})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		wantKeys := []string{"[east ada]", "[east bly]", "[west cor]"}
		if !reflect.DeepEqual(rowKeys(res.Rows), wantKeys) {
			t.Fatalf("keys = %v, want %v", rowKeys(res.Rows), wantKeys)
		}
		if res.Rows[2].Value != float64(7) {
			t.Errorf("west/cor sum = %v, want 7", res.Rows[2].Value)
		}
	})

	t.Run("group_level_truncates", func(t *testing.T) {
		res, err := s.Query(ctx, salesView(), ViewOptions{GroupLevel: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		wantKeys := []string{"[east]", "[west]"}
		if !reflect.DeepEqual(rowKeys(res.Rows), wantKeys) {
			t.Fatalf("keys = %v, want %v", rowKeys(res.Rows), wantKeys)
		}
		if res.Rows[0].Value != float64(3) || res.Rows[1].Value != float64(7) {
			t.Errorf("values = %v / %v, want 3 / 7", res.Rows[0].Value, res.Rows[1].Value)
		}
	})

	t.Run("reduce_over_no_rows_is_empty", func(t *testing.T) {
		res, err := s.Query(ctx, salesView(), ViewOptions{Key: []any{"north", "nul"}})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(res.Rows) != 0 {
			t.Errorf("rows = %+v, want none for an empty window", res.Rows)
		}
	})

	t.Run("reduce_false_returns_map_rows", func(t *testing.T) {
		res, err := s.Query(ctx, salesView(), ViewOptions{Reduce: Bool(false)})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(res.Rows) != 4 || res.TotalRows != 4 {
			t.Errorf("got %d rows (total %d), want 4", len(res.Rows), res.TotalRows)
		}
	})

	t.Run("count", func(t *testing.T) {
		view := salesView()
		view.Reduce = ReduceCount
		res, err := s.Query(ctx, view, ViewOptions{Group: true})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if res.Rows[2].Value != float64(2) {
			t.Errorf("west/cor count = %v, want 2", res.Rows[2].Value)
		}
	})

	t.Run("stats", func(t *testing.T) {
		view := salesView()
		view.Reduce = ReduceStats
		res, err := s.Query(ctx, view, ViewOptions{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		want := map[string]any{"sum": 10.0, "count": 4.0, "min": 1.0, "max": 4.0, "sumsqr": 30.0}
		if !reflect.DeepEqual(res.Rows[0].Value, want) {
			t.Errorf("stats = %v, want %v", res.Rows[0].Value, want)
		}
	})

	t.Run("invalid_option_combinations", func(t *testing.T) {
		cases := []struct {
			name string
			view View
			opts ViewOptions
		}{
			{"reduce_with_include_docs", salesView(), ViewOptions{IncludeDocs: true}},
			{"reduce_true_on_map_view", kindView(), ViewOptions{Reduce: Bool(true)}},
			{"group_on_map_view", kindView(), ViewOptions{Group: true}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := s.Query(ctx, tc.view, tc.opts)
				var qe *QueryError
				if !errors.As(err, &qe) || qe.StatusCode != 400 {
					t.Errorf("expected a 400 query error, got %v", err)
				}
			})
		}
	})
}

func TestNamedView(t *testing.T) {
	s := OpenMemory("named")
	defer s.Close()
	seedInventory(t, s)
	ctx := context.Background()

	ddocRev := mustPut(t, s, Document{FieldID: "_design/catalog", "views": map[string]any{
		"by_kind": map[string]any{
			"map":    map[string]any{"key": "kind", "value": "qty", "when": map[string]any{"qty": map[string]any{"$gt": 3}}},
			"reduce": "_sum",
		},
	}})

	t.Run("map_rows_with_when_filter", func(t *testing.T) {
		res, err := s.Query(ctx, Named{DDoc: "catalog", Name: "by_kind"}, ViewOptions{Reduce: Bool(false)})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		want := []string{"item/apple", "item/banana", "item/carrot"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})

	t.Run("reduce_by_default", func(t *testing.T) {
		res, err := s.Query(ctx, Named{DDoc: "catalog", Name: "by_kind"}, ViewOptions{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(res.Rows) != 1 || res.Rows[0].Value != float64(20) {
			t.Errorf("rows = %+v, want one row summing to 20", res.Rows)
		}
	})

	t.Run("design_prefix_accepted", func(t *testing.T) {
		if _, err := s.Query(ctx, Named{DDoc: "_design/catalog", Name: "by_kind"}, ViewOptions{}); err != nil {
			t.Errorf("prefixed ddoc reference failed: %v", err)
		}
	})

	t.Run("missing_design_document", func(t *testing.T) {
		_, err := s.Query(ctx, Named{DDoc: "nope", Name: "v"}, ViewOptions{})
		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "design document" {
			t.Errorf("expected a design document not-found, got %v", err)
		}
	})

	t.Run("missing_view", func(t *testing.T) {
		_, err := s.Query(ctx, Named{DDoc: "catalog", Name: "missing"}, ViewOptions{})
		var nf *NotFoundError
		if !errors.As(err, &nf) || nf.Kind != "view" {
			t.Errorf("expected a view not-found, got %v", err)
		}
	})

	t.Run("redefinition_effective_immediately", func(t *testing.T) {
		mustPut(t, s, Document{FieldID: "_design/catalog", FieldRev: ddocRev, "views": map[string]any{
			"by_kind": map[string]any{
				"map": map[string]any{"key": "kind", "when": map[string]any{"qty": map[string]any{"$gt": 5}}},
			},
		}})
		res, err := s.Query(ctx, Named{DDoc: "catalog", Name: "by_kind"}, ViewOptions{})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		want := []string{"item/banana", "item/carrot"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
	})
}

func TestView_ExcludesDesignAndDeleted(t *testing.T) {
	s := OpenMemory("excludes")
	defer s.Close()
	ctx := context.Background()

	mustPut(t, s, Document{FieldID: "a", "kind": "x"})
	rev := mustPut(t, s, Document{FieldID: "b", "kind": "x"})
	mustPut(t, s, Document{FieldID: "_design/d", "kind": "x"})
	if _, err := s.Delete(ctx, "b", rev); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	res, err := s.Query(ctx, kindView(), ViewOptions{IncludeDocs: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if !reflect.DeepEqual(rowIDs(res.Rows), []string{"a"}) {
		t.Errorf("rows = %v, want only doc a", rowIDs(res.Rows))
	}
	if res.Rows[0].Doc == nil || res.Rows[0].Doc.ID() != "a" {
		t.Errorf("include_docs did not attach the document: %+v", res.Rows[0].Doc)
	}
}

func TestAllDocs(t *testing.T) {
	s := OpenMemory("alldocs")
	defer s.Close()
	ctx := context.Background()

	revA := mustPut(t, s, Document{FieldID: "a", "n": 1})
	revB := mustPut(t, s, Document{FieldID: "b", "n": 2})
	mustPut(t, s, Document{FieldID: "c", "n": 3})
	mustPut(t, s, Document{FieldID: "_design/d"})
	if _, err := s.Delete(ctx, "b", revB); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	t.Run("rows_in_id_order", func(t *testing.T) {
		res, err := s.AllDocs(ctx, AllDocsOptions{})
		if err != nil {
			t.Fatalf("AllDocs failed: %v", err)
		}
		want := []string{"_design/d", "a", "c"}
		if !reflect.DeepEqual(rowIDs(res.Rows), want) {
			t.Errorf("rows = %v, want %v", rowIDs(res.Rows), want)
		}
		value, ok := res.Rows[1].Value.(map[string]any)
		if !ok || value["rev"] != revA {
			t.Errorf("row value = %v, want rev %q", res.Rows[1].Value, revA)
		}
		if res.TotalRows != 3 {
			t.Errorf("TotalRows = %d, want 3", res.TotalRows)
		}
	})

	t.Run("range_and_offset", func(t *testing.T) {
		res, err := s.AllDocs(ctx, AllDocsOptions{StartKey: "a"})
		if err != nil {
			t.Fatalf("AllDocs failed: %v", err)
		}
		if !reflect.DeepEqual(rowIDs(res.Rows), []string{"a", "c"}) || res.Offset != 1 {
			t.Errorf("rows = %v offset = %d, want [a c] at offset 1", rowIDs(res.Rows), res.Offset)
		}
	})

	t.Run("keys_in_requested_order", func(t *testing.T) {
		res, err := s.AllDocs(ctx, AllDocsOptions{Keys: []string{"c", "a"}})
		if err != nil {
			t.Fatalf("AllDocs failed: %v", err)
		}
		if !reflect.DeepEqual(rowIDs(res.Rows), []string{"c", "a"}) {
			t.Errorf("rows = %v, want [c a]", rowIDs(res.Rows))
		}
	})

	t.Run("include_docs_and_update_seq", func(t *testing.T) {
		res, err := s.AllDocs(ctx, AllDocsOptions{Key: "a", IncludeDocs: true, UpdateSeq: true})
		if err != nil {
			t.Fatalf("AllDocs failed: %v", err)
		}
		if len(res.Rows) != 1 || res.Rows[0].Doc == nil {
			t.Fatalf("rows = %+v, want doc a attached", res.Rows)
		}
		if got := res.Rows[0].Doc["n"]; toFloat(got) != 1 {
			t.Errorf("doc body n = %v, want 1", got)
		}
		info, _ := s.Info(ctx)
		if res.UpdateSeq != info.UpdateSeq {
			t.Errorf("UpdateSeq = %d, want %d", res.UpdateSeq, info.UpdateSeq)
		}
	})

	t.Run("descending_with_limit", func(t *testing.T) {
		res, err := s.AllDocs(ctx, AllDocsOptions{Descending: true, Limit: 2})
		if err != nil {
			t.Fatalf("AllDocs failed: %v", err)
		}
		if !reflect.DeepEqual(rowIDs(res.Rows), []string{"c", "a"}) {
			t.Errorf("rows = %v, want [c a]", rowIDs(res.Rows))
		}
	})
}
