package filecache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces entries so the database can be shared with other data.
var keyPrefix = []byte("code:")

// BadgerCache is a Cache stored in a badger database.
type BadgerCache struct {
	db *badger.DB
}

// compile-time check to ensure BadgerCache implements Cache
var _ Cache = (*BadgerCache)(nil)

// New opens or creates a cache in the directory dir.
func New(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "code.db"))
	opts.Logger = nil
	return open(opts)
}

// NewInMemory returns a cache that is lost when closed.
func NewInMemory() (*BadgerCache, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*BadgerCache, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open compilation cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func dbKey(key Key) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+len(key)), keyPrefix...), key[:]...)
}

// Get implements Cache.Get
func (c *BadgerCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	var value []byte
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(value)), true, nil
}

// Add implements Cache.Add
func (c *BadgerCache) Add(key Key, content io.Reader) (err error) {
	value, err := io.ReadAll(content)
	if err != nil {
		return
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(dbKey(key), value)
	})
}

// Delete implements Cache.Delete
func (c *BadgerCache) Delete(key Key) (err error) {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(key))
	})
}

// Len returns the count of entries.
func (c *BadgerCache) Len() (n int, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			n++
		}
		return nil
	})
	return
}

// Close releases the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
