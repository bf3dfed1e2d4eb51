package docstore

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/encoding"
)

// pebbleLogger routes pebble's internal logging through zerolog.
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

type pebbleBackend struct {
	db *pebble.DB
}

func openPebbleBackend(path string, cacheSizeMB int64) (*pebbleBackend, error) {
	if cacheSizeMB <= 0 {
		cacheSizeMB = 32
	}
	cache := pebble.NewCache(cacheSizeMB << 20)
	defer cache.Unref() // DB holds its own reference

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &pebbleBackend{db: db}, nil
}

func (p *pebbleBackend) putDoc(rec docRecord, oldSeq uint64) error {
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(docKey(rec.ID), data, nil); err != nil {
		return err
	}
	if oldSeq > 0 {
		if err := batch.Delete(chgKey(oldSeq), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(chgKey(rec.Seq), []byte(rec.ID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *pebbleBackend) getDoc(id string) (docRecord, bool, error) {
	val, closer, err := p.db.Get(docKey(id))
	if err == pebble.ErrNotFound {
		return docRecord{}, false, nil
	}
	if err != nil {
		return docRecord{}, false, err
	}
	defer closer.Close()

	var rec docRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return docRecord{}, false, err
	}
	return rec, true, nil
}

func (p *pebbleBackend) iterDocs(fn func(docRecord) error) error {
	prefix := []byte(docKeyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var rec docRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *pebbleBackend) changesSince(since uint64, fn func(docRecord) error) error {
	prefix := []byte(chgKeyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: chgKey(since + 1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := chgKeySeq(iter.Key())
		if err != nil {
			return err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		rec, ok, err := p.getDoc(string(val))
		if err != nil {
			return err
		}
		if !ok || rec.Seq != seq {
			continue // entry moved forward under the iterator
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *pebbleBackend) lastSeq() (uint64, error) {
	prefix := []byte(chgKeyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return chgKeySeq(iter.Key())
}

func (p *pebbleBackend) close() error {
	return p.db.Close()
}
