// Package memory provides a process-local Backend on top of the go-warp
// in-memory cache.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
	"github.com/mirkobrombin/go-warp/v1/cache"
)

const DefaultMaxEntries = 100000

// Option configures a Backend.
type Option = options.Option[Backend]

// WithID sets the backend identity. Defaults to a random "memory-<uuid>".
func WithID(id string) Option {
	return func(b *Backend) {
		b.id = id
	}
}

// WithMaxEntries bounds the number of cached entries.
func WithMaxEntries(n int) Option {
	return func(b *Backend) {
		b.maxEntries = n
	}
}

// Backend is a bounded in-memory cache.
type Backend struct {
	mu         sync.Mutex
	id         string
	maxEntries int
	store      cache.Cache[[]byte]
	closed     bool
}

// New creates an in-memory backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		id:         "memory-" + uuid.NewString(),
		maxEntries: DefaultMaxEntries,
	}
	options.Apply(b, opts...)
	b.store = cache.NewInMemory[[]byte](cache.WithMaxEntries[[]byte](b.maxEntries))
	return b
}

func (b *Backend) ID() string {
	return b.id
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false, backend.ErrClosed
	}

	val, ok, err := b.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	return bytes.Clone(val), true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	return b.store.Set(ctx, key, bytes.Clone(value), ttl)
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, backend.ErrClosed
	}

	_, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, b.store.Invalidate(ctx, key)
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Batch returns a batch applied under the backend lock, so no reader
// observes a partially committed batch.
func (b *Backend) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{b: b}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
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
	t.b.mu.Lock()
	defer t.b.mu.Unlock()

	if t.b.closed {
		return backend.ErrClosed
	}

	for _, op := range t.ops {
		var err error
		if op.Delete {
			err = t.b.store.Invalidate(ctx, op.Key)
		} else {
			err = t.b.store.Set(ctx, op.Key, op.Value, op.TTL)
		}
		if err != nil {
			return err
		}
	}
	t.ops = nil
	return nil
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Batcher = (*Backend)(nil)
