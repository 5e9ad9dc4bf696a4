package cachestore

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<name>               -> creation time (unix seconds)
//	e:<name>\x00<key>      -> gob encoded entry
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
)

type levelBackend struct {
	db *leveldb.DB

	// mu orders cache creation and deletion against entry writes, so a write
	// never lands in a cache that is being deleted.
	mu sync.Mutex
}

// OpenLevelDB opens (or creates) a leveldb database at path.
func OpenLevelDB(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return NewLevelDB(db), nil
}

// NewLevelDB wraps an already opened database. The Store owns db afterwards.
func NewLevelDB(db *leveldb.DB) *Store {
	return &Store{b: &levelBackend{db: db}}
}

func nameKey(name string) []byte { return []byte(namePrefix + name) }

func entriesOf(name string) []byte { return []byte(entryPrefix + name + "\x00") }

func entryKey(name, key string) []byte {
	return append(entriesOf(name), key...)
}

func (l *levelBackend) createCache(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(nameKey(name), nil)
	if err != nil || ok {
		return err
	}
	return l.db.Put(nameKey(name), []byte(strconv.FormatInt(time.Now().Unix(), 10)), nil)
}

func (l *levelBackend) hasCache(_ context.Context, name string) (bool, error) {
	return l.db.Has(nameKey(name), nil)
}

func (l *levelBackend) cacheNames(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *levelBackend) deleteCache(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(nameKey(name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	it := l.db.NewIterator(util.BytesPrefix(entriesOf(name)), nil)
	for it.Next() {
		// the iterator reuses its key buffer
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *levelBackend) get(_ context.Context, name, key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l *levelBackend) write(_ context.Context, name string, recs []record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(nameKey(name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	batch := new(leveldb.Batch)
	for _, r := range recs {
		batch.Put(entryKey(name, r.key), r.value)
	}
	return l.db.Write(batch, nil)
}

func (l *levelBackend) remove(_ context.Context, name, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := entryKey(name, key)
	ok, err := l.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, l.db.Delete(k, nil)
}

func (l *levelBackend) entryKeys(_ context.Context, name string) ([]string, error) {
	prefix := entriesOf(name)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	out := []string{}
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *levelBackend) close() error {
	return l.db.Close()
}
