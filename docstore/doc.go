// Package docstore provides an embedded CouchDB-style document database:
// revisioned JSON-like documents, map/reduce views, Mango selector queries
// and a change feed with replay.
//
// # Stores
//
// A LocalStore runs over one of three backends selected at Open:
//
//   - memory: concurrent maps, for tests and caches
//   - pebble: LSM storage for larger datasets
//   - badger: LSM storage with value log separation
//
// Every backend keeps two indexes with identical key layout:
//
//	/doc/{id}          -> msgpack(docRecord)
//	/chg/{seq:016x}    -> doc id (the latest change per document)
//
// Documents are maps with reserved underscore fields. Writes are revision
// checked: an update must carry the current _rev or it fails with a
// ConflictError. Deletes write tombstones, so a change feed can replay them.
//
// # Views
//
// Views are declarative specs stored in design documents (see ViewSpec), or
// ad-hoc Go functions (see Dynamic). Both run on demand over the live
// document set; row keys follow CouchDB collation order and reduces support
// the builtin _count, _sum and _stats.
//
// # Selector queries
//
// Find evaluates a Mango-style selector subset against every document.
// Sorting requires a declared index (CreateIndex); a bare selector scan is
// permitted but flags a warning in the result.
//
// # Change feeds
//
// Changes opens a Feed that replays the change index from a sequence number
// and then streams live events in commit order:
//
//	feed, err := store.Changes(docstore.ChangesOptions{Since: last})
//	if err != nil {
//		return err
//	}
//	defer feed.Cancel()
//	for ev := range feed.Events() {
//		last = ev.Seq
//	}
//	if err := feed.Err(); err != nil {
//		// feed failed; reopen from last
//	}
//
// A feed never drops events silently. If its consumer falls behind, the feed
// terminates with ErrFeedOverflow and the consumer reopens from the last
// sequence number it processed.
package docstore
