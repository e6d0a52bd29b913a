// Package badger provides a Backend on top of a Badger key-value store.
// TTLs are delegated to Badger entry expiration.
package badger

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

// Option configures a Backend.
type Option = options.Option[Backend]

// WithID sets the backend identity. Defaults to "badger:<dir>".
func WithID(id string) Option {
	return func(b *Backend) {
		b.id = id
	}
}

// WithInMemory keeps the whole store in memory; dir is ignored.
func WithInMemory() Option {
	return func(b *Backend) {
		b.inMemory = true
	}
}

// Backend is a Badger-backed cache.
type Backend struct {
	id       string
	inMemory bool
	db       *badger.DB
}

// Open opens or creates a Badger store in dir.
func Open(dir string, opts ...Option) (*Backend, error) {
	b := &Backend{id: "badger:" + dir}
	options.Apply(b, opts...)

	bopts := badger.DefaultOptions(dir).WithLogger(nil)
	if b.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	b.db = db
	return b, nil
}

func (b *Backend) ID() string {
	return b.id
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func entry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), bytes.Clone(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry(key, value, ttl))
	})
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete([]byte(key))
	})
	return existed, err
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Backend) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Batch returns a batch applied inside one Badger read-write transaction.
func (b *Backend) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{b: b}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type batch struct {
	b   *Backend
	ops []backend.Op
}

func (t *batch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.ops = append(t.ops, backend.Op{Key: key, Value: bytes.Clone(value), TTL: ttl})
	return nil
}

func (t *batch) Delete(ctx context.Context, key string) error {
	t.ops = append(t.ops, backend.Op{Delete: true, Key: key})
	return nil
}

func (t *batch) Commit(ctx context.Context) error {
	ops := t.ops
	t.ops = nil
	return t.b.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = txn.Delete([]byte(op.Key))
			} else {
				err = txn.SetEntry(entry(op.Key, op.Value, op.TTL))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Batcher = (*Backend)(nil)
var _ backend.Scanner = (*Backend)(nil)
