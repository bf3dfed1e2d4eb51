package docstore

import (
	"bytes"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/maxpert/vole/encoding"
)

type badgerBackend struct {
	db *badger.DB
}

func openBadgerBackend(path string, syncWrites bool) (*badgerBackend, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = syncWrites
	opts.Logger = nil // badger's own logging is noise here

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) putDoc(rec docRecord, oldSeq uint64) error {
	data, err := encoding.Marshal(&rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(docKey(rec.ID), data); err != nil {
			return err
		}
		if oldSeq > 0 {
			if err := txn.Delete(chgKey(oldSeq)); err != nil {
				return err
			}
		}
		return txn.Set(chgKey(rec.Seq), []byte(rec.ID))
	})
}

func (b *badgerBackend) getDoc(id string) (docRecord, bool, error) {
	var rec docRecord
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := encoding.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}

func (b *badgerBackend) iterDocs(fn func(docRecord) error) error {
	prefix := []byte(docKeyPrefix)
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec docRecord
			if err := encoding.Unmarshal(data, &rec); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) changesSince(since uint64, fn func(docRecord) error) error {
	prefix := []byte(chgKeyPrefix)
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(chgKey(since + 1)); it.ValidForPrefix(prefix); it.Next() {
			seq, err := chgKeySeq(it.Item().Key())
			if err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			item, err := txn.Get(docKey(string(id)))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec docRecord
			if err := encoding.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.Seq != seq {
				continue // entry superseded inside this snapshot's walk
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) lastSeq() (uint64, error) {
	prefix := []byte(chgKeyPrefix)
	var last uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(keyUpperBound(prefix))
		if it.Valid() && bytes.HasPrefix(it.Item().Key(), prefix) {
			seq, err := chgKeySeq(it.Item().Key())
			if err != nil {
				return err
			}
			last = seq
		}
		return nil
	})
	return last, err
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}
