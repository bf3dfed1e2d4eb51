package docstore

import (
	"strconv"
	"strings"
)

// Reserved document fields. They live inside the document body so that map
// functions and selectors can address them like any other field.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// DesignPrefix marks design documents, which carry view and index
// definitions instead of user data.
const DesignPrefix = "_design/"

// Document is a schemaless JSON-style document. Values are restricted to the
// JSON-ish set: nil, bool, float64/int/int64/uint64, string, []any and
// map[string]any. Decoded documents always use this shape (see the encoding
// package), so structural comparison and field-path lookup are well defined.
type Document map[string]any

// ID returns the document id, or "" if unset.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// Rev returns the document revision, or "" if unset.
func (d Document) Rev() string {
	rev, _ := d[FieldRev].(string)
	return rev
}

// Deleted reports whether the document is a tombstone.
func (d Document) Deleted() bool {
	del, _ := d[FieldDeleted].(bool)
	return del
}

// IsDesign reports whether the document is a design document.
func (d Document) IsDesign() bool {
	return strings.HasPrefix(d.ID(), DesignPrefix)
}

// Lookup resolves a dotted field path ("address.city", "tags.0") against the
// document. The second return is false when any path segment is absent.
func (d Document) Lookup(path string) (any, bool) {
	return lookupPath(map[string]any(d), path)
}

// Clone returns a deep copy of the document. Stores hand out clones so that
// callers mutating a result cannot corrupt shared state.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

// body returns a copy of the document without the reserved fields. This is
// the shape persisted by backends; _id/_rev/_deleted are reattached on read.
func (d Document) body() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		switch k {
		case FieldID, FieldRev, FieldDeleted:
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Document:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func cloneValue(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = cloneValue(val)
		}
		return out
	case Document:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
