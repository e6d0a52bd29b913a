// Package bolt provides a Backend stored in a bbolt database file.
//
// Values are stored with an 8 byte expiry prefix; expired entries are
// treated as missing and removed lazily on write.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	bolt "go.etcd.io/bbolt"
)

var defaultBucket = []byte("txcache")

// Option configures a Backend.
type Option = options.Option[Backend]

// WithID sets the backend identity. Defaults to "bolt:<path>".
func WithID(id string) Option {
	return func(b *Backend) {
		b.id = id
	}
}

// WithBucket sets the bucket holding the entries.
func WithBucket(name string) Option {
	return func(b *Backend) {
		b.bucket = []byte(name)
	}
}

// Backend is a bbolt-backed cache.
type Backend struct {
	id     string
	bucket []byte
	db     *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Backend, error) {
	b := &Backend{
		id:     "bolt:" + path,
		bucket: defaultBucket,
	}
	options.Apply(b, opts...)

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	b.db = db
	return b, nil
}

func (b *Backend) ID() string {
	return b.id
}

func encode(value []byte, ttl time.Duration) []byte {
	buf := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Add(ttl).UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

// decode returns the value and whether it is still live.
func decode(raw []byte, now int64) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	exp := int64(binary.BigEndian.Uint64(raw))
	if exp > 0 && now > exp {
		return nil, false
	}
	return bytes.Clone(raw[8:]), true
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val []byte
		ok  bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(b.bucket).Get([]byte(key))
		if raw != nil {
			val, ok = decode(raw, time.Now().UnixNano())
		}
		return nil
	})
	return val, ok, err
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), encode(value, ttl))
	})
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		raw := bk.Get([]byte(key))
		if raw == nil {
			return nil
		}
		_, existed = decode(raw, time.Now().UnixNano())
		return bk.Delete([]byte(key))
	})
	return existed, err
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *Backend) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	now := time.Now().UnixNano()
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, raw []byte) error {
			val, ok := decode(raw, now)
			if !ok {
				return nil
			}
			return fn(string(k), val)
		})
	})
}

// Batch buffers writes and applies them in a single bbolt update.
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
	return t.b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(t.b.bucket)
		for _, op := range ops {
			var err error
			if op.Delete {
				err = bk.Delete([]byte(op.Key))
			} else {
				err = bk.Put([]byte(op.Key), encode(op.Value, op.TTL))
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
