// Package compress decorates a Backend with transparent zstd compression of
// values larger than a threshold.
package compress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-txcache/pkg/backend"
)

const (
	flagRaw  byte = 0
	flagZstd byte = 1

	DefaultThreshold = 256
)

var ErrBadFrame = fmt.Errorf("compress: unknown value frame")

// Option configures a Backend.
type Option = options.Option[Backend]

// WithThreshold sets the minimum value size that gets compressed.
func WithThreshold(n int) Option {
	return func(b *Backend) {
		b.threshold = n
	}
}

// Backend compresses values on the way in and out of the wrapped backend.
// It keeps the identity of the wrapped backend.
type Backend struct {
	next      backend.Backend
	threshold int
	encPool   *sync.Pool
	decPool   *sync.Pool
}

// Wrap returns next decorated with compression.
func Wrap(next backend.Backend, opts ...Option) *Backend {
	b := &Backend{
		next:      next,
		threshold: DefaultThreshold,
		encPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil)
				return enc
			},
		},
		decPool: &sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
	}
	options.Apply(b, opts...)
	return b
}

// Unwrap returns the decorated backend.
func (b *Backend) Unwrap() backend.Backend {
	return b.next
}

func (b *Backend) ID() string {
	return b.next.ID()
}

func (b *Backend) encode(value []byte) []byte {
	if len(value) < b.threshold {
		return append([]byte{flagRaw}, value...)
	}
	enc := b.encPool.Get().(*zstd.Encoder)
	defer b.encPool.Put(enc)
	return enc.EncodeAll(value, []byte{flagZstd})
}

func (b *Backend) decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrBadFrame
	}
	switch raw[0] {
	case flagRaw:
		return raw[1:], nil
	case flagZstd:
		dec := b.decPool.Get().(*zstd.Decoder)
		defer b.decPool.Put(dec)
		return dec.DecodeAll(raw[1:], nil)
	default:
		return nil, ErrBadFrame
	}
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, ok, err := b.next.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	val, err := b.decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("compress: key %q: %w", key, err)
	}
	return val, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.next.Set(ctx, key, b.encode(value), ttl)
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	return b.next.Delete(ctx, key)
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	return b.next.Exists(ctx, key)
}

// Batch collects compressed writes and hands them to the wrapped backend on
// Commit, atomically when it is a Batcher.
func (b *Backend) Batch(ctx context.Context) (backend.Batch, error) {
	return &batch{b: b}, nil
}

func (b *Backend) Close() error {
	return backend.Close(b.next)
}

type batch struct {
	b   *Backend
	ops []backend.Op
}

func (t *batch) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.ops = append(t.ops, backend.Op{Key: key, Value: t.b.encode(value), TTL: ttl})
	return nil
}

func (t *batch) Delete(ctx context.Context, key string) error {
	t.ops = append(t.ops, backend.Op{Delete: true, Key: key})
	return nil
}

func (t *batch) Commit(ctx context.Context) error {
	ops := t.ops
	t.ops = nil
	return backend.Apply(ctx, t.b.next, ops)
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.Batcher = (*Backend)(nil)
