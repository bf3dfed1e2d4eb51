package live

import (
	"context"
	"strings"

	"github.com/maxpert/vole/docstore"
	"github.com/maxpert/vole/memo"
	"github.com/maxpert/vole/telemetry"
)

// DocWatch follows one document by id: the snapshot tracks it through
// updates, and deletion surfaces as a NotFoundError with the data cleared.
type DocWatch struct {
	*watcher[docstore.Document]
}

// WatchDoc starts a live by-id lookup against store.
func (c *Client) WatchDoc(store docstore.Store, id string, opts docstore.GetOptions) (*DocWatch, error) {
	w, err := newWatcher(c.registry, store, "doc",
		docFingerprint(store, id, opts), docRun(store, id, opts), docRelevance(id), nil)
	if err != nil {
		return nil, err
	}
	return &DocWatch{watcher: w}, nil
}

// Set retargets the watch. A call whose parameters fingerprint-equal the
// current ones is a no-op; reports whether a fresh cycle was scheduled.
func (d *DocWatch) Set(id string, opts docstore.GetOptions) bool {
	return d.setQuery(docFingerprint(d.store, id, opts), docRun(d.store, id, opts), docRelevance(id), nil)
}

func docFingerprint(store docstore.Store, id string, opts docstore.GetOptions) memo.Fingerprint {
	return memo.NewFingerprint("doc", store.Name(), id, opts.Rev)
}

func docRun(store docstore.Store, id string, opts docstore.GetOptions) runFunc[docstore.Document] {
	return func(ctx context.Context) (docstore.Document, error) {
		return store.Get(ctx, id, opts)
	}
}

func docRelevance(id string) relevanceFunc {
	return func(ev docstore.ChangeEvent) bool { return ev.ID == id }
}

// AllDocsWatch is a live query over the primary index.
type AllDocsWatch struct {
	*watcher[docstore.ViewResult]
}

// WatchAllDocs starts a live all-docs query against store. Any change can
// move a row in or out of the requested range, so every change requeries.
func (c *Client) WatchAllDocs(store docstore.Store, opts docstore.AllDocsOptions) (*AllDocsWatch, error) {
	w, err := newWatcher(c.registry, store, "all_docs",
		allDocsFingerprint(store, opts), allDocsRun(store, opts), anyChange, nil)
	if err != nil {
		return nil, err
	}
	return &AllDocsWatch{watcher: w}, nil
}

// Set replaces the query options; fingerprint-equal calls are no-ops.
func (a *AllDocsWatch) Set(opts docstore.AllDocsOptions) bool {
	return a.setQuery(allDocsFingerprint(a.store, opts), allDocsRun(a.store, opts), anyChange, nil)
}

func allDocsFingerprint(store docstore.Store, o docstore.AllDocsOptions) memo.Fingerprint {
	return memo.NewFingerprint("all_docs", store.Name(),
		o.Key, o.Keys, o.StartKey, o.EndKey, o.InclusiveEnd, o.Descending,
		o.Limit, o.Skip, o.IncludeDocs, o.UpdateSeq)
}

func allDocsRun(store docstore.Store, opts docstore.AllDocsOptions) runFunc[docstore.ViewResult] {
	return func(ctx context.Context) (docstore.ViewResult, error) {
		res, err := store.AllDocs(ctx, opts)
		if err != nil {
			return docstore.ViewResult{}, err
		}
		telemetry.RowsReturned.Observe(float64(len(res.Rows)))
		return *res, nil
	}
}

// ViewWatch is a live map/reduce view query. Watching a named view whose
// design document does not exist yet surfaces a NotFoundError; the watch
// then waits on the design document id and heals by itself once the
// document is written.
type ViewWatch struct {
	*watcher[docstore.ViewResult]
}

// WatchView starts a live view query against store. The view is either a
// Named view resolved through a design document or a Dynamic one.
func (c *Client) WatchView(store docstore.Store, view docstore.View, opts docstore.ViewOptions) (*ViewWatch, error) {
	w, err := newWatcher(c.registry, store, "view",
		viewFingerprint(store, view, opts), viewRun(store, view, opts), anyChange, viewRenarrow(view))
	if err != nil {
		return nil, err
	}
	return &ViewWatch{watcher: w}, nil
}

// Set replaces the view or options; fingerprint-equal calls are no-ops.
func (v *ViewWatch) Set(view docstore.View, opts docstore.ViewOptions) bool {
	return v.setQuery(viewFingerprint(v.store, view, opts), viewRun(v.store, view, opts), anyChange, viewRenarrow(view))
}

func viewFingerprint(store docstore.Store, view docstore.View, o docstore.ViewOptions) memo.Fingerprint {
	parts := []any{"view", store.Name()}
	switch v := view.(type) {
	case docstore.Named:
		parts = append(parts, "named", v.DDoc, v.Name)
	case docstore.Dynamic:
		// Functions only compare by identity, so a dynamic view is
		// fingerprint-equal to itself alone.
		parts = append(parts, "dynamic", v.Map, v.Reduce)
	default:
		parts = append(parts, "unknown")
	}
	parts = append(parts,
		o.Key, o.Keys, o.StartKey, o.EndKey, o.InclusiveEnd, o.Descending,
		o.Limit, o.Skip, o.Reduce, o.Group, o.GroupLevel, o.IncludeDocs,
		o.UpdateSeq, o.Stale)
	return memo.NewFingerprint(parts...)
}

func viewRun(store docstore.Store, view docstore.View, opts docstore.ViewOptions) runFunc[docstore.ViewResult] {
	return func(ctx context.Context) (docstore.ViewResult, error) {
		res, err := store.Query(ctx, view, opts)
		if err != nil {
			return docstore.ViewResult{}, err
		}
		telemetry.RowsReturned.Observe(float64(len(res.Rows)))
		return *res, nil
	}
}

// viewRenarrow keeps a named-view watch cheap while its design document is
// missing: only a write to the design document itself can heal the 404, so
// nothing else triggers a requery until it does.
func viewRenarrow(view docstore.View) func(error) relevanceFunc {
	named, ok := view.(docstore.Named)
	if !ok {
		return nil
	}
	ddocID := named.DDoc
	if !strings.HasPrefix(ddocID, docstore.DesignPrefix) {
		ddocID = docstore.DesignPrefix + ddocID
	}
	ddocOnly := func(ev docstore.ChangeEvent) bool { return ev.ID == ddocID }
	return func(err error) relevanceFunc {
		if docstore.IsNotFound(err) {
			return ddocOnly
		}
		return anyChange
	}
}

// FindOptions configures a find watch.
type FindOptions struct {
	// Index, when set, is created before the first query unless this
	// client already ensured an identical definition on the store.
	Index *docstore.IndexDef
}

// FindWatch is a live selector query.
type FindWatch struct {
	*watcher[docstore.FindResult]
	client *Client
	finder docstore.Finder
}

// WatchFind starts a live selector query against store. Stores without the
// Finder capability are rejected up front with a CapabilityError.
func (c *Client) WatchFind(store docstore.Store, req docstore.FindRequest, opts FindOptions) (*FindWatch, error) {
	finder, ok := store.(docstore.Finder)
	if !ok {
		return nil, &docstore.CapabilityError{Feature: "find"}
	}
	w, err := newWatcher(c.registry, store, "find",
		findFingerprint(store, req, opts.Index),
		c.findRun(store.Name(), finder, req, opts.Index),
		anyChange, nil)
	if err != nil {
		return nil, err
	}
	return &FindWatch{watcher: w, client: c, finder: finder}, nil
}

// Set replaces the request; fingerprint-equal calls are no-ops.
func (f *FindWatch) Set(req docstore.FindRequest, opts FindOptions) bool {
	return f.setQuery(findFingerprint(f.store, req, opts.Index),
		f.client.findRun(f.store.Name(), f.finder, req, opts.Index), anyChange, nil)
}

func findFingerprint(store docstore.Store, req docstore.FindRequest, index *docstore.IndexDef) memo.Fingerprint {
	parts := []any{"find", store.Name(), req.Selector, req.Sort, req.Fields, req.Limit, req.Skip}
	if index != nil {
		parts = append(parts, index.Fields, index.Name, index.DDoc)
	}
	return memo.NewFingerprint(parts...)
}

func (c *Client) findRun(storeName string, finder docstore.Finder, req docstore.FindRequest, index *docstore.IndexDef) runFunc[docstore.FindResult] {
	return func(ctx context.Context) (docstore.FindResult, error) {
		if index != nil {
			if err := c.ensureIndex(ctx, storeName, finder, *index); err != nil {
				return docstore.FindResult{}, err
			}
		}
		res, err := finder.Find(ctx, req)
		if err != nil {
			return docstore.FindResult{}, err
		}
		telemetry.RowsReturned.Observe(float64(len(res.Docs)))
		return *res, nil
	}
}

// ensureIndex creates the index once per definition per store; later cycles
// and other watchers sharing this client skip the write.
func (c *Client) ensureIndex(ctx context.Context, storeName string, finder docstore.Finder, def docstore.IndexDef) error {
	fp := memo.NewFingerprint("index", storeName, def.Fields, def.Name, def.DDoc)
	if _, ok := c.ensured.Get(fp); ok {
		return nil
	}
	if _, err := finder.CreateIndex(ctx, def); err != nil {
		return err
	}
	c.ensured.Add(fp, struct{}{})
	return nil
}
