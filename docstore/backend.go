package docstore

import (
	"fmt"
	"strconv"

	"github.com/maxpert/vole/encoding"
)

// docRecord is the stored form of one document: its latest revision, the
// sequence number of that write, and the msgpack-encoded body with the
// reserved fields stripped. Tombstones carry no body.
type docRecord struct {
	ID      string `msgpack:"id"`
	Rev     string `msgpack:"rev"`
	Seq     uint64 `msgpack:"seq"`
	Deleted bool   `msgpack:"del"`
	Body    []byte `msgpack:"body,omitempty"`
}

// decode materializes the record into a Document with the reserved fields
// restored. Tombstones come back as {_id, _rev, _deleted}.
func (r docRecord) decode() (Document, error) {
	if r.Deleted {
		return Document{FieldID: r.ID, FieldRev: r.Rev, FieldDeleted: true}, nil
	}
	doc := Document{}
	if len(r.Body) > 0 {
		body := map[string]any{}
		if err := encoding.Unmarshal(r.Body, &body); err != nil {
			return nil, err
		}
		doc = Document(body)
	}
	doc[FieldID] = r.ID
	doc[FieldRev] = r.Rev
	return doc, nil
}

// backend is the storage engine under a Store: a by-ID table plus a by-seq
// change index holding exactly one entry per document, the latest change.
// putDoc keeps both in step. All writes are serialized by the store's
// commit lock; reads may run concurrently with writes.
type backend interface {
	// putDoc upserts rec and moves its change-index entry from oldSeq to
	// rec.Seq. oldSeq is zero when the document had no prior write.
	putDoc(rec docRecord, oldSeq uint64) error

	// getDoc returns the record for id, tombstones included.
	getDoc(id string) (docRecord, bool, error)

	// iterDocs walks every record in unspecified order, tombstones
	// included. Returning an error from fn stops the walk.
	iterDocs(fn func(docRecord) error) error

	// changesSince walks change-index entries with seq > since in
	// ascending order. A concurrent write may move an entry forward past
	// the walk; such moves are always published to the store's hub, so a
	// subscribe-then-replay reader still observes every document's
	// latest change.
	changesSince(since uint64, fn func(docRecord) error) error

	// lastSeq returns the highest committed sequence number.
	lastSeq() (uint64, error)

	close() error
}

// Key layout shared by the disk backends. Documents live at /doc/{id}; the
// change index maps /chg/{seq:016x} to the document ID, so a prefix walk
// yields sequence order.
const (
	docKeyPrefix = "/doc/"
	chgKeyPrefix = "/chg/"
)

func docKey(id string) []byte {
	return []byte(docKeyPrefix + id)
}

func chgKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", chgKeyPrefix, seq))
}

func chgKeySeq(key []byte) (uint64, error) {
	if len(key) <= len(chgKeyPrefix) {
		return 0, fmt.Errorf("malformed change key %q", key)
	}
	return strconv.ParseUint(string(key[len(chgKeyPrefix):]), 16, 64)
}

// keyUpperBound returns prefix + 0xFF padding for range iteration.
func keyUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}
