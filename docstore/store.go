package docstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/encoding"
)

// Backend names accepted by Options.Backend.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// Options configures a local store.
type Options struct {
	// Backend selects the storage engine. Empty means memory.
	Backend string
	// Path is the data directory. Required for the disk backends.
	Path string
	// CacheSizeMB sets the pebble block cache size. 0 picks a small default.
	CacheSizeMB int64
	// SyncWrites makes badger fsync every commit.
	SyncWrites bool
}

// LocalStore is the embedded Store implementation. One LocalStore owns one
// backend, one change hub and the feeds spawned from it. All methods are
// safe for concurrent use except Close, which must not run concurrently
// with other calls.
type LocalStore struct {
	name    string
	backend backend
	hub     *changeHub

	// commitMu serializes revision checks, sequence assignment, the backend
	// write and the hub publish, which keeps events in commit order.
	commitMu sync.Mutex
	seq      atomic.Uint64
	docCount atomic.Int64
	closed   atomic.Bool

	feedsMu sync.Mutex
	feeds   map[uint64]*Feed
	feedSeq atomic.Uint64

	selectors *selectorCache
}

var _ Store = (*LocalStore)(nil)

// Open creates or reopens a local store.
func Open(name string, opts Options) (*LocalStore, error) {
	if name == "" {
		return nil, fmt.Errorf("store name is required")
	}

	backendName := opts.Backend
	if backendName == "" {
		backendName = BackendMemory
	}

	var be backend
	var err error
	switch backendName {
	case BackendMemory:
		be = newMemoryBackend()
	case BackendPebble:
		if opts.Path == "" {
			return nil, fmt.Errorf("pebble backend requires a path")
		}
		be, err = openPebbleBackend(opts.Path, opts.CacheSizeMB)
	case BackendBadger:
		if opts.Path == "" {
			return nil, fmt.Errorf("badger backend requires a path")
		}
		be, err = openBadgerBackend(opts.Path, opts.SyncWrites)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &LocalStore{
		name:      name,
		backend:   be,
		hub:       newChangeHub(),
		feeds:     make(map[uint64]*Feed),
		selectors: newSelectorCache(),
	}

	last, err := be.lastSeq()
	if err != nil {
		be.close()
		return nil, err
	}
	s.seq.Store(last)

	var live int64
	err = be.iterDocs(func(rec docRecord) error {
		if !rec.Deleted {
			live++
		}
		return nil
	})
	if err != nil {
		be.close()
		return nil, err
	}
	s.docCount.Store(live)

	log.Info().
		Str("store", name).
		Str("backend", backendName).
		Uint64("update_seq", last).
		Int64("docs", live).
		Msg("Store opened")
	return s, nil
}

// OpenMemory creates an in-memory store, the usual choice for tests and
// caches. Panics if name is empty.
func OpenMemory(name string) *LocalStore {
	s, err := Open(name, Options{Backend: BackendMemory})
	if err != nil {
		panic(err)
	}
	return s
}

// Name identifies the store in logs and metrics.
func (s *LocalStore) Name() string { return s.name }

func (s *LocalStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// Get fetches the current revision of a document. Tombstones and missing
// documents are both a NotFoundError.
func (s *LocalStore) Get(ctx context.Context, id string, opts GetOptions) (Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, badRequest("document id is required")
	}

	rec, found, err := s.backend.getDoc(id)
	if err != nil {
		return nil, err
	}
	if !found || rec.Deleted {
		return nil, &NotFoundError{Kind: "document", ID: id}
	}
	if opts.Rev != "" && opts.Rev != rec.Rev {
		return nil, &NotFoundError{Kind: "document", ID: id}
	}
	return rec.decode()
}

// Put writes a document. Creation requires no _rev; updates must carry the
// current one. Returns the new revision.
func (s *LocalStore) Put(ctx context.Context, doc Document) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	if err := s.validateDoc(doc); err != nil {
		return "", err
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.writeDoc(doc)
}

// Delete tombstones a document. The current rev is required.
func (s *LocalStore) Delete(ctx context.Context, id, rev string) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	if id == "" {
		return "", badRequest("document id is required")
	}
	if rev == "" {
		return "", badRequest("rev is required to delete %q", id)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	old, found, err := s.backend.getDoc(id)
	if err != nil {
		return "", err
	}
	if !found || old.Deleted {
		return "", &NotFoundError{Kind: "document", ID: id}
	}
	return s.writeDoc(Document{FieldID: id, FieldRev: rev, FieldDeleted: true})
}

// BulkDocs writes documents in order under a single commit lock, so their
// change events are contiguous. Entries with _deleted are tombstone writes.
// Per-document failures land in the result; the call itself only fails on
// store-level errors.
func (s *LocalStore) BulkDocs(ctx context.Context, docs []Document) ([]BulkResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	results := make([]BulkResult, len(docs))
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for i, doc := range docs {
		res := BulkResult{ID: doc.ID()}
		if err := s.validateDoc(doc); err != nil {
			res.Err = err
		} else if rev, err := s.writeDoc(doc); err != nil {
			res.Err = err
		} else {
			res.Rev = rev
		}
		results[i] = res
	}
	return results, nil
}

// AllDocs queries the primary index. Rows are keyed by document id and
// carry the rev as their value, like CouchDB's _all_docs.
func (s *LocalStore) AllDocs(ctx context.Context, opts AllDocsOptions) (*ViewResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var rows []Row
	err := s.backend.iterDocs(func(rec docRecord) error {
		if rec.Deleted {
			return nil
		}
		rows = append(rows, Row{ID: rec.ID, Key: rec.ID, Value: map[string]any{"rev": rec.Rev}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRows(rows)

	res := windowRows(rows, allDocsViewOptions(opts))
	if opts.IncludeDocs {
		for i := range res.Rows {
			rec, found, err := s.backend.getDoc(res.Rows[i].ID)
			if err != nil {
				return nil, err
			}
			if !found || rec.Deleted {
				continue // deleted while assembling the result
			}
			doc, err := rec.decode()
			if err != nil {
				return nil, err
			}
			res.Rows[i].Doc = doc
		}
	}
	if opts.UpdateSeq {
		res.UpdateSeq = s.seq.Load()
	}
	return res, nil
}

func allDocsViewOptions(o AllDocsOptions) ViewOptions {
	v := ViewOptions{
		InclusiveEnd: o.InclusiveEnd,
		Descending:   o.Descending,
		Limit:        o.Limit,
		Skip:         o.Skip,
	}
	if o.Key != "" {
		v.Key = o.Key
	}
	if len(o.Keys) > 0 {
		keys := make([]any, len(o.Keys))
		for i, k := range o.Keys {
			keys[i] = k
		}
		v.Keys = keys
	}
	if o.StartKey != "" {
		v.StartKey = o.StartKey
	}
	if o.EndKey != "" {
		v.EndKey = o.EndKey
	}
	return v
}

// Query executes a view over the store's live documents. Named views are
// resolved through their design document on every call, so a changed
// definition takes effect immediately.
func (s *LocalStore) Query(ctx context.Context, view View, opts ViewOptions) (*ViewResult, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var mapFn MapFunc
	var reduceFn ReduceFunc
	switch v := view.(type) {
	case Named:
		rec, found, err := s.backend.getDoc(v.docID())
		if err != nil {
			return nil, err
		}
		if !found || rec.Deleted {
			return nil, &NotFoundError{Kind: "design document", ID: v.docID()}
		}
		ddoc, err := rec.decode()
		if err != nil {
			return nil, err
		}
		spec, err := viewFromDesign(ddoc, v.Name)
		if err != nil {
			return nil, err
		}
		mapFn, reduceFn, err = spec.compile(s.selectors)
		if err != nil {
			return nil, err
		}
	case Dynamic:
		if v.Map == nil {
			return nil, badRequest("dynamic view requires a map function")
		}
		mapFn, reduceFn = v.Map, v.Reduce
	case nil:
		return nil, badRequest("view is required")
	default:
		return nil, badRequest("unsupported view type %T", view)
	}

	var docs []Document
	var byID map[string]Document
	if opts.IncludeDocs {
		byID = make(map[string]Document)
	}
	err := s.backend.iterDocs(func(rec docRecord) error {
		if rec.Deleted || strings.HasPrefix(rec.ID, DesignPrefix) {
			return nil
		}
		doc, err := rec.decode()
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		if byID != nil {
			byID[rec.ID] = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, err := runView(docs, mapFn, reduceFn, opts)
	if err != nil {
		return nil, err
	}
	if opts.IncludeDocs {
		for i := range res.Rows {
			res.Rows[i].Doc = byID[res.Rows[i].ID]
		}
	}
	if opts.UpdateSeq {
		res.UpdateSeq = s.seq.Load()
	}
	return res, nil
}

// Changes opens a change feed; see Feed for delivery semantics.
func (s *LocalStore) Changes(opts ChangesOptions) (*Feed, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return newFeed(s, opts)
}

// Info returns store metadata.
func (s *LocalStore) Info(ctx context.Context) (StoreInfo, error) {
	if err := s.check(ctx); err != nil {
		return StoreInfo{}, err
	}
	return StoreInfo{
		Name:      s.name,
		DocCount:  int(s.docCount.Load()),
		UpdateSeq: s.seq.Load(),
	}, nil
}

// Close shuts down every open feed with ErrStoreClosed, then releases the
// backend. Idempotent.
func (s *LocalStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.feedsMu.Lock()
	feeds := make([]*Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.feeds = nil
	s.feedsMu.Unlock()

	for _, f := range feeds {
		f.shutdown(&FeedError{Err: ErrStoreClosed})
	}

	log.Info().Str("store", s.name).Msg("Store closed")
	return s.backend.close()
}

func (s *LocalStore) addFeed(f *Feed) error {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if s.closed.Load() {
		return ErrStoreClosed
	}
	f.id = s.feedSeq.Add(1)
	s.feeds[f.id] = f
	return nil
}

func (s *LocalStore) removeFeed(id uint64) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	delete(s.feeds, id)
}

// validateDoc applies the id rules and, for design documents, compiles every
// view definition so a broken one is rejected at write time instead of
// failing queries later.
func (s *LocalStore) validateDoc(doc Document) error {
	id := doc.ID()
	if id == "" {
		return badRequest("document has no _id")
	}
	if strings.HasPrefix(id, "_") && !doc.IsDesign() {
		return badRequest("document id %q is reserved", id)
	}
	if doc.IsDesign() && !doc.Deleted() {
		if raw, ok := doc["views"]; ok {
			views := asMap(raw)
			if views == nil {
				return badRequest("design document views must be an object")
			}
			for name := range views {
				spec, err := viewFromDesign(doc, name)
				if err != nil {
					return err
				}
				if _, _, err := spec.compile(s.selectors); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// writeDoc commits one write. Caller holds commitMu.
func (s *LocalStore) writeDoc(doc Document) (string, error) {
	id := doc.ID()
	old, found, err := s.backend.getDoc(id)
	if err != nil {
		return "", err
	}

	var oldSeq uint64
	var oldGen int
	wasLive := false
	if found {
		oldSeq = old.Seq
		oldGen = revGen(old.Rev)
		wasLive = !old.Deleted
	}

	rev := doc.Rev()
	switch {
	case !found && rev != "":
		return "", &ConflictError{ID: id, Rev: rev}
	case wasLive && rev != old.Rev:
		return "", &ConflictError{ID: id, Rev: rev}
	case found && !wasLive && rev != "" && rev != old.Rev:
		return "", &ConflictError{ID: id, Rev: rev}
	}

	deleted := doc.Deleted()
	var body []byte
	if !deleted {
		body, err = encoding.Marshal(doc.body())
		if err != nil {
			return "", err
		}
	}

	seq := s.seq.Add(1)
	newRev := makeRev(oldGen+1, id, body, deleted)
	rec := docRecord{ID: id, Rev: newRev, Seq: seq, Deleted: deleted, Body: body}
	if err := s.backend.putDoc(rec, oldSeq); err != nil {
		return "", err
	}

	switch {
	case deleted && wasLive:
		s.docCount.Add(-1)
	case !deleted && !wasLive:
		s.docCount.Add(1)
	}

	log.Debug().
		Str("store", s.name).
		Str("doc_id", id).
		Str("rev", newRev).
		Uint64("seq", seq).
		Bool("deleted", deleted).
		Msg("Committed document")

	ev := ChangeEvent{ID: id, Rev: newRev, Seq: seq, Deleted: deleted}
	if evDoc, derr := rec.decode(); derr == nil {
		ev.Doc = evDoc
	}
	s.hub.publish(ev)
	return newRev, nil
}

// revGen extracts the generation number from a revision string.
func revGen(rev string) int {
	gen, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(gen)
	if err != nil {
		return 0
	}
	return n
}

// makeRev builds a deterministic revision id for the new generation.
func makeRev(gen int, id string, body []byte, deleted bool) string {
	h := xxhash.New()
	_, _ = h.WriteString(id)
	_, _ = h.Write(body)
	if deleted {
		_, _ = h.WriteString("\x00deleted")
	}
	return fmt.Sprintf("%d-%016x", gen, h.Sum64())
}
