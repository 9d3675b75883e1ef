package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
)

// badgerConflictRetries bounds how often an Update is re-run after badger reports a
// serialization conflict. Re-running re-reads every record, so revision checks stay exact.
const badgerConflictRetries = 3

type badgerBackend struct {
	db *badger.DB
}

// OpenBadger opens a badger-backed Store at path. With inMemory set, path is ignored and
// nothing touches disk.
func OpenBadger(path string, inMemory bool) (*KVStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return newKVStore(&badgerBackend{db: db}), nil
}

func (b *badgerBackend) View(fn func(kvTxn) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (b *badgerBackend) Update(fn func(kvTxn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrRevisionConflict, err)
}

func (b *badgerBackend) Close() error { return b.db.Close() }

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *badgerTxn) Delete(key string) error {
	if _, err := t.Get(key); err != nil {
		return err
	}
	return t.txn.Delete([]byte(key))
}

func (t *badgerTxn) Scan(prefix string, fn func(key string, value []byte) error) error {
	it := t.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return nil
}
