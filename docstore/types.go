package docstore

import "context"

// ChangeEvent describes one committed change to a store. Events carry
// increasing sequence numbers, but bursts may be observed out of order by
// slow consumers; consumers must treat Seq as a recency hint only.
type ChangeEvent struct {
	ID      string   // document id
	Rev     string   // revision after the change
	Seq     uint64   // store-wide monotonic sequence number
	Deleted bool     // the change is a deletion
	Doc     Document // populated only when the feed requested IncludeDocs
}

// ChangesOptions configures a change feed. The zero value replays the whole
// change log and then streams live events.
type ChangesOptions struct {
	// Since replays changes with Seq > Since before going live. Ignored when
	// SinceNow is set.
	Since uint64
	// SinceNow skips the replay and delivers only events committed after the
	// feed was opened.
	SinceNow bool
	// OneShot closes the feed once the replay catches up to the sequence the
	// store had when the feed was opened, instead of switching to live
	// delivery. The Events channel closes with a nil Err.
	OneShot bool
	// IncludeDocs attaches the current document body to each event.
	IncludeDocs bool
	// DocIDs restricts delivery to the given document ids.
	DocIDs []string
	// DocPattern restricts delivery to ids matching a glob pattern,
	// e.g. "orders:*". Empty matches everything.
	DocPattern string
	// Buffer overrides the feed channel capacity. A feed whose consumer
	// falls more than Buffer events behind fails with a FeedError rather
	// than silently dropping events; consumers resume via Since.
	Buffer int
}

// GetOptions configures a single-document read.
type GetOptions struct {
	// Rev fetches a specific revision instead of the winning one. Only the
	// current revision is retrievable from the reference stores; other
	// revisions return a NotFoundError.
	Rev string
}

// ViewOptions configures a view query. Semantics follow CouchDB: key ranges
// use collation order, InclusiveEnd defaults to true, and Reduce defaults to
// true when the view defines a reduce function.
type ViewOptions struct {
	Key          any
	Keys         []any
	StartKey     any
	EndKey       any
	InclusiveEnd *bool // nil = true
	Descending   bool
	Limit        int // 0 = unlimited
	Skip         int
	Reduce       *bool // nil = reduce when the view has one
	Group        bool
	GroupLevel   int
	IncludeDocs  bool
	UpdateSeq    bool
	// Stale permits a stale index read. The reference stores compute views
	// on demand and are never stale; the option is accepted for contract
	// compatibility and passed through untouched.
	Stale bool
}

// AllDocsOptions configures an all-docs query. Keys are document ids.
type AllDocsOptions struct {
	Key          string
	Keys         []string
	StartKey     string
	EndKey       string
	InclusiveEnd *bool // nil = true
	Descending   bool
	Limit        int // 0 = unlimited
	Skip         int
	IncludeDocs  bool
	UpdateSeq    bool
}

// FindRequest is a Mango-style selector query.
type FindRequest struct {
	Selector map[string]any
	// Sort entries are either a field path string or a single-entry map
	// {"field": "asc"|"desc"}; mixed directions are rejected.
	Sort   []any
	Fields []string
	Limit  int // 0 = unlimited
	Skip   int
}

// Row is one result row of a view or all-docs query.
type Row struct {
	ID    string
	Key   any
	Value any
	Doc   Document // populated when IncludeDocs was requested
}

// ViewResult is the full result of a view or all-docs query. Each query
// returns a complete, self-consistent row set; the live layer replaces rows
// wholesale on every cycle and never patches them incrementally.
type ViewResult struct {
	Rows      []Row
	TotalRows int
	Offset    int
	UpdateSeq uint64 // populated when UpdateSeq was requested
}

// FindResult is the result of a selector query.
type FindResult struct {
	Docs    []Document
	Warning string // e.g. no index backed the query
}

// IndexDef declares a Mango index over document fields.
type IndexDef struct {
	Fields []string
	Name   string // optional; derived from Fields when empty
	DDoc   string // optional design document id (without the _design/ prefix)
}

// IndexResult reports the outcome of CreateIndex.
type IndexResult struct {
	Result string // "created" or "exists"
	ID     string // design document id
	Name   string
}

// StoreInfo is summary metadata about a store.
type StoreInfo struct {
	Name      string
	DocCount  int    // live (non-deleted) documents
	UpdateSeq uint64 // sequence of the latest change
}

// BulkResult is the per-document outcome of a BulkDocs call.
type BulkResult struct {
	ID  string
	Rev string
	Err error
}

// Store is the document database contract consumed by the live layer. The
// engine behind it is interchangeable: the reference stores in this package
// keep everything local, remote implementations proxy a server. All methods
// are safe for concurrent use.
type Store interface {
	// Name identifies the store in logs and metrics.
	Name() string
	// Get fetches a document by id. Missing documents and tombstones return
	// a NotFoundError.
	Get(ctx context.Context, id string, opts GetOptions) (Document, error)
	// Put writes a document. The document must carry _id; updates must carry
	// the current _rev or a ConflictError is returned. Returns the new rev.
	Put(ctx context.Context, doc Document) (string, error)
	// Delete tombstones a document at the given rev. Returns the tombstone rev.
	Delete(ctx context.Context, id, rev string) (string, error)
	// BulkDocs writes many documents, reporting per-document outcomes.
	BulkDocs(ctx context.Context, docs []Document) ([]BulkResult, error)
	// AllDocs queries the primary index.
	AllDocs(ctx context.Context, opts AllDocsOptions) (*ViewResult, error)
	// Query executes a view: either a Named view resolved through a design
	// document, or a Dynamic view supplied by the caller.
	Query(ctx context.Context, view View, opts ViewOptions) (*ViewResult, error)
	// Changes opens a change feed.
	Changes(opts ChangesOptions) (*Feed, error)
	// Info returns store metadata.
	Info(ctx context.Context) (StoreInfo, error)
	// Close releases resources and fails every open feed with ErrStoreClosed.
	Close() error
}

// Finder is the optional selector-query capability. Callers discover it via
// type assertion; the live layer turns a failed assertion into a
// CapabilityError before issuing any query.
type Finder interface {
	Find(ctx context.Context, req FindRequest) (*FindResult, error)
	CreateIndex(ctx context.Context, def IndexDef) (*IndexResult, error)
	ListIndexes(ctx context.Context) ([]IndexDef, error)
}

// Bool returns a pointer to b, for the tri-state option fields.
func Bool(b bool) *bool { return &b }
