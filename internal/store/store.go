// Package store provides the durable ordered key-value stores backing the
// dispatch queue and the followed-instances table.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"
)

// KV is a thin wrapper around a badger database. Writes are per-key; no
// cross-key transactions are needed anywhere in the gateway.
type KV struct {
	db *badger.DB
}

// Open opens (creating if necessary) the store at path.
func Open(path string) (*KV, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &KV{db: db}, nil
}

// Put durably writes value under key.
func (s *KV) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Get returns the value under key, or ok=false when absent.
func (s *KV) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *KV) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// ForEach iterates every record in key order. The callback receives a copy of
// the value and may call Put/Delete on the store.
func (s *KV) ForEach(fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.Key()), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database.
func (s *KV) Close() error {
	return s.db.Close()
}
