package docstore

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// memoryBackend keeps documents and the change index in concurrent maps.
// Records pass through msgpack like the disk backends, so a stored body is
// never aliased by callers.
type memoryBackend struct {
	docs  *xsync.MapOf[string, docRecord]
	bySeq *xsync.MapOf[uint64, string]
	last  atomic.Uint64
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		docs:  xsync.NewMapOf[string, docRecord](),
		bySeq: xsync.NewMapOf[uint64, string](),
	}
}

func (m *memoryBackend) putDoc(rec docRecord, oldSeq uint64) error {
	m.docs.Store(rec.ID, rec)
	if oldSeq > 0 {
		m.bySeq.Delete(oldSeq)
	}
	m.bySeq.Store(rec.Seq, rec.ID)
	// Writes are serialized by the commit lock, so last only moves forward.
	if rec.Seq > m.last.Load() {
		m.last.Store(rec.Seq)
	}
	return nil
}

func (m *memoryBackend) getDoc(id string) (docRecord, bool, error) {
	rec, ok := m.docs.Load(id)
	return rec, ok, nil
}

func (m *memoryBackend) iterDocs(fn func(docRecord) error) error {
	var err error
	m.docs.Range(func(_ string, rec docRecord) bool {
		err = fn(rec)
		return err == nil
	})
	return err
}

func (m *memoryBackend) changesSince(since uint64, fn func(docRecord) error) error {
	last := m.last.Load()
	for seq := since + 1; seq <= last; seq++ {
		id, ok := m.bySeq.Load(seq)
		if !ok {
			continue // no write at this seq, or its entry moved forward
		}
		rec, ok := m.docs.Load(id)
		if !ok || rec.Seq != seq {
			continue // moved forward between the two loads
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryBackend) lastSeq() (uint64, error) {
	return m.last.Load(), nil
}

func (m *memoryBackend) close() error { return nil }
